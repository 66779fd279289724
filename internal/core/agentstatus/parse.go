package agentstatus

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoBlock is returned when the text holds no complete status block.
var ErrNoBlock = errors.New("no OPERATOR_STATUS block")

// ParseError carries the raw block body that failed to parse.
type ParseError struct {
	Body string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid %s block: %v", Marker, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Extract returns the body of the last complete status block in text.
// A block is either a marker line, body lines and a closing marker line, or a
// single marker line followed by an inline object.
func Extract(text string) (string, bool) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	body, found := "", false
	open := -1
	for i, line := range lines {
		if open < 0 {
			if inline, ok := inlineBlock(line); ok {
				body, found = inline, true
				continue
			}
		}
		if !isMarkerLine(line) {
			continue
		}
		if open < 0 {
			open = i
			continue
		}
		body, found = strings.Join(lines[open+1:i], "\n"), true
		open = -1
	}
	return body, found
}

func isMarkerLine(line string) bool {
	t := strings.Trim(strings.TrimSpace(line), "`-=#<>/*[] ")
	t = strings.TrimPrefix(t, "END_")
	return t == Marker
}

func inlineBlock(line string) (string, bool) {
	t := strings.TrimSpace(line)
	if !strings.HasPrefix(t, Marker) {
		return "", false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(t, Marker))
	if strings.HasPrefix(rest, "{") && strings.HasSuffix(rest, "}") {
		return rest, true
	}
	return "", false
}

// ParseTail extracts and parses the last status block in text. It returns
// ErrNoBlock when no block is present and a *ParseError when one is present
// but malformed or invalid.
func ParseTail(text string) (*OperatorStatus, error) {
	body, ok := Extract(text)
	if !ok {
		return nil, ErrNoBlock
	}
	return Parse(body)
}

// Parse decodes a block body. JSON objects, YAML mappings and plain
// "key: value" or "key=value" lines are accepted.
func Parse(body string) (*OperatorStatus, error) {
	fields, err := decodeFields(body)
	if err != nil {
		return nil, &ParseError{Body: body, Err: err}
	}
	st, err := fromFields(fields)
	if err != nil {
		return nil, &ParseError{Body: body, Err: err}
	}
	if err := st.Validate(); err != nil {
		return nil, &ParseError{Body: body, Err: err}
	}
	return st, nil
}

// Format renders s as a status block that Parse accepts.
func Format(s *OperatorStatus) (string, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal status: %w", err)
	}
	return Marker + "\n" + string(data) + "\n" + Marker + "\n", nil
}

func decodeFields(body string) (map[string]any, error) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return nil, errors.New("empty block")
	}

	if strings.HasPrefix(trimmed, "{") {
		var m map[string]any
		if err := json.Unmarshal([]byte(trimmed), &m); err == nil {
			return normalizeKeys(m), nil
		}
	}

	var m map[string]any
	if err := yaml.Unmarshal([]byte(trimmed), &m); err == nil && len(m) > 0 {
		return normalizeKeys(m), nil
	}

	return decodeLines(trimmed)
}

// decodeLines is the fallback for bodies YAML rejects, e.g. "summary: a: b"
// or key=value pairs.
func decodeLines(body string) (map[string]any, error) {
	m := map[string]any{}
	var listKey string
	for _, raw := range strings.Split(body, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "- ") && listKey != "" {
			items, _ := m[listKey].([]any)
			m[listKey] = append(items, unquote(strings.TrimSpace(line[2:])))
			continue
		}
		idx := strings.IndexAny(line, ":=")
		if idx <= 0 {
			return nil, fmt.Errorf("unrecognized line %q", line)
		}
		key := normalizeKey(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		listKey = ""
		if value == "" {
			listKey = key
			m[key] = []any{}
			continue
		}
		m[key] = unquote(value)
	}
	if len(m) == 0 {
		return nil, errors.New("no fields")
	}
	return m, nil
}

func normalizeKeys(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[normalizeKey(k)] = v
	}
	return out
}

func normalizeKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	k = strings.ReplaceAll(k, "-", "_")
	return strings.ReplaceAll(k, " ", "_")
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' && v[len(v)-1] == '"' || v[0] == '\'' && v[len(v)-1] == '\'') {
		return v[1 : len(v)-1]
	}
	return v
}

func fromFields(m map[string]any) (*OperatorStatus, error) {
	st := &OperatorStatus{}

	raw, ok := m["status"]
	if !ok {
		return nil, errors.New("status is required")
	}
	st.Status = State(strings.ToLower(asString(raw)))

	raw, ok = m["exit_signal"]
	if !ok {
		return nil, errors.New("exit_signal is required")
	}
	exit, err := asBool(raw)
	if err != nil {
		return nil, fmt.Errorf("exit_signal: %w", err)
	}
	st.ExitSignal = exit

	if raw, ok := m["confidence"]; ok {
		n, err := asInt(raw)
		if err != nil {
			return nil, fmt.Errorf("confidence: %w", err)
		}
		st.Confidence = &n
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"files_modified", &st.FilesModified},
		{"error_count", &st.ErrorCount},
		{"tasks_completed", &st.TasksCompleted},
		{"tasks_remaining", &st.TasksRemaining},
	}
	for _, f := range ints {
		raw, ok := m[f.key]
		if !ok {
			continue
		}
		n, err := asInt(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = n
	}

	if raw, ok := m["tests_status"]; ok {
		st.TestsStatus = TestsStatus(strings.ToLower(asString(raw)))
	}
	if raw, ok := m["summary"]; ok {
		st.Summary = asString(raw)
	}
	if raw, ok := m["recommendation"]; ok {
		st.Recommendation = asString(raw)
	}
	if raw, ok := m["blockers"]; ok {
		st.Blockers = asStrings(raw)
	}
	return st, nil
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func asBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
	}
	return false, fmt.Errorf("expected boolean, got %v", v)
}

func asInt(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case uint64:
		return int(t), nil
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("expected integer, got %v", t)
		}
		return int(t), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, fmt.Errorf("expected integer, got %q", t)
		}
		return n, nil
	}
	return 0, fmt.Errorf("expected integer, got %v", v)
}

func asStrings(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s := asString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	case string:
		s := strings.Trim(strings.TrimSpace(t), "[]")
		if s == "" {
			return nil
		}
		var out []string
		for _, part := range strings.Split(s, ",") {
			if p := unquote(strings.TrimSpace(part)); p != "" {
				out = append(out, p)
			}
		}
		return out
	default:
		return []string{asString(t)}
	}
}
