// Package sandbox contains the pure naming and parsing rules for per-ticket
// worktrees. Everything that touches git lives in the app layer.
package sandbox

import (
	"path/filepath"
	"strings"
	"unicode"
)

// Sandbox describes one per-ticket worktree.
type Sandbox struct {
	Project    string `json:"project"`
	TicketID   string `json:"ticket_id"`
	Path       string `json:"path"`
	Branch     string `json:"branch"`
	BaseCommit string `json:"base_commit"`
	SourceRepo string `json:"source_repo"`
}

// Sanitize maps a ticket id (or type) onto a branch-safe token. Every rune that
// is not a letter, number, vowel sign, '_' or '-' becomes '-'. The result is
// lowercased and leading and trailing '-' are trimmed.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.In(r, unicode.L, unicode.N, unicode.Other_Alphabetic) || r == '_' || r == '-' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('-')
	}
	return strings.Trim(strings.ToLower(b.String()), "-")
}

// BranchName is <type>/<sanitized id>.
func BranchName(ticketType, ticketID string) string {
	prefix := Sanitize(ticketType)
	if prefix == "" {
		prefix = "ticket"
	}
	return prefix + "/" + Sanitize(ticketID)
}

// Path is <root>/<project>/<lowercased id>.
func Path(root, project, ticketID string) string {
	return filepath.Join(root, project, strings.ToLower(ticketID))
}

// Worktree is one entry of `git worktree list --porcelain`.
type Worktree struct {
	Path     string
	Head     string
	Branch   string
	Bare     bool
	Detached bool
	Prunable bool
}

// ParseWorktreeList parses porcelain worktree output.
func ParseWorktreeList(out string) []Worktree {
	var (
		list []Worktree
		cur  *Worktree
	)
	flush := func() {
		if cur != nil {
			list = append(list, *cur)
			cur = nil
		}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			flush()
			continue
		}
		key, value, _ := strings.Cut(line, " ")
		switch key {
		case "worktree":
			flush()
			cur = &Worktree{Path: value}
		case "HEAD":
			if cur != nil {
				cur.Head = value
			}
		case "branch":
			if cur != nil {
				cur.Branch = strings.TrimPrefix(value, "refs/heads/")
			}
		case "bare":
			if cur != nil {
				cur.Bare = true
			}
		case "detached":
			if cur != nil {
				cur.Detached = true
			}
		case "prunable":
			if cur != nil {
				cur.Prunable = true
			}
		}
	}
	flush()
	return list
}

// FindWorktree returns the entry for path, comparing cleaned absolute paths.
func FindWorktree(list []Worktree, path string) (Worktree, bool) {
	want := filepath.Clean(path)
	for _, wt := range list {
		if filepath.Clean(wt.Path) == want {
			return wt, true
		}
	}
	return Worktree{}, false
}

// BranchFromSymbolicRef turns "refs/remotes/origin/main" into "main".
func BranchFromSymbolicRef(ref, remote string) string {
	ref = strings.TrimSpace(ref)
	prefix := "refs/remotes/" + remote + "/"
	if !strings.HasPrefix(ref, prefix) {
		return ""
	}
	return strings.TrimPrefix(ref, prefix)
}

// DefaultBranchFromPackedRefs searches packed-refs content for main or master,
// preferring main, local heads before remote-tracking refs.
func DefaultBranchFromPackedRefs(content, remote string) (string, bool) {
	refs := map[string]bool{}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "^") {
			continue
		}
		_, ref, ok := strings.Cut(line, " ")
		if ok {
			refs[ref] = true
		}
	}
	for _, name := range []string{"main", "master"} {
		if refs["refs/heads/"+name] || refs["refs/remotes/"+remote+"/"+name] {
			return name, true
		}
	}
	return "", false
}

// Within reports whether path is inside root.
func Within(root, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
