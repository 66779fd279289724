package ticket

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

const delimiter = "---"

// ErrNoFrontMatter is returned when a file does not start with a front-matter block.
var ErrNoFrontMatter = errors.New("missing front matter")

// Parse decodes a full ticket file.
func Parse(data []byte) (*Ticket, error) {
	header, body, err := split(data)
	if err != nil {
		return nil, err
	}
	t, err := decodeHeader(header)
	if err != nil {
		return nil, err
	}
	t.Body = body
	return t, nil
}

// ParseHeader reads only the front matter from r and stops at the closing
// delimiter; the body is never read.
func ParseHeader(r io.Reader) (*Ticket, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !sc.Scan() || strings.TrimSpace(sc.Text()) != delimiter {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("failed to read ticket: %w", err)
		}
		return nil, ErrNoFrontMatter
	}
	var header bytes.Buffer
	closed := false
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == delimiter {
			closed = true
			break
		}
		header.WriteString(line)
		header.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ticket: %w", err)
	}
	if !closed {
		return nil, fmt.Errorf("%w: unterminated block", ErrNoFrontMatter)
	}
	t, err := decodeHeader(header.Bytes())
	if err != nil {
		return nil, err
	}
	t.HeaderOnly = true
	return t, nil
}

// Marshal encodes the ticket as front matter followed by the body.
func Marshal(t *Ticket) ([]byte, error) {
	if t.HeaderOnly {
		return nil, fmt.Errorf("ticket %s was loaded without its body", t.ID)
	}
	var buf bytes.Buffer
	buf.WriteString(delimiter + "\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(t); err != nil {
		return nil, fmt.Errorf("failed to encode front matter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode front matter: %w", err)
	}
	buf.WriteString(delimiter + "\n")
	buf.WriteString(t.Body)
	return buf.Bytes(), nil
}

// Validate checks the mandatory front-matter keys.
func Validate(t *Ticket) error {
	var missing []string
	for _, f := range []struct {
		key, value string
	}{
		{"id", t.ID},
		{"type", t.Type},
		{"status", string(t.Status)},
		{"priority", string(t.Priority)},
		{"project", t.Project},
		{"summary", t.Summary},
		{"timestamp", t.Timestamp},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("ticket %q missing required keys: %s", t.ID, strings.Join(missing, ", "))
	}
	if !t.Status.Valid() {
		return fmt.Errorf("ticket %s has unknown status %q", t.ID, t.Status)
	}
	return ValidateLocation(t)
}

// ValidateLocation rejects ids and projects that are not a single path
// segment. Both end up in sandbox and session paths.
func ValidateLocation(t *Ticket) error {
	if !isSegment(t.ID) {
		return fmt.Errorf("ticket id %q is not a valid path segment", t.ID)
	}
	if t.Project != "" && !isSegment(t.Project) {
		return fmt.Errorf("ticket %s has invalid project %q", t.ID, t.Project)
	}
	return nil
}

func isSegment(s string) bool {
	if s == "" || s == "." || s == ".." || strings.TrimSpace(s) != s {
		return false
	}
	return !strings.ContainsAny(s, "/\\\x00")
}

func split(data []byte) ([]byte, string, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !strings.HasPrefix(text, delimiter+"\n") {
		return nil, "", ErrNoFrontMatter
	}
	rest := text[len(delimiter)+1:]
	if strings.HasPrefix(rest, delimiter+"\n") {
		return nil, rest[len(delimiter)+1:], nil
	}
	idx := strings.Index(rest, "\n"+delimiter+"\n")
	if idx < 0 {
		if strings.HasSuffix(rest, "\n"+delimiter) {
			return []byte(rest[:len(rest)-len(delimiter)-1]), "", nil
		}
		return nil, "", fmt.Errorf("%w: unterminated block", ErrNoFrontMatter)
	}
	return []byte(rest[:idx+1]), rest[idx+len(delimiter)+2:], nil
}

func decodeHeader(header []byte) (*Ticket, error) {
	t := &Ticket{}
	if err := yaml.Unmarshal(header, t); err != nil {
		return nil, fmt.Errorf("failed to decode front matter: %w", err)
	}
	t.Priority = t.Priority.Normalize()
	return t, nil
}
