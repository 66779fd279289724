// Package detection classifies what a stalled agent's terminal is showing.
package detection

import (
	"regexp"
	"strings"
)

// Hint is a best guess at why an agent's output stopped changing.
type Hint string

const (
	HintWorking Hint = "working" // spinner or progress text still on screen
	HintMenu    Hint = "menu"    // interactive choice displayed
	HintTyped   Hint = "typed"   // text typed at a prompt but not submitted
	HintError   Hint = "error"   // error text near the end of the output
	HintIdle    Hint = "idle"    // empty prompt
	HintUnknown Hint = "unknown"
)

// Only the last lines are classified; older errors are usually resolved.
const window = 15

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

var menuPatterns = []string{
	"Would you like to proceed?",
	"Do you want to",
	"(y/n)",
	"[y/N]",
	"[Y/n]",
	"❯ 1.",
	"› 1.",
}

var workingPatterns = []string{
	"(esc to interrupt)",
	"esc to interrupt",
	"✶",
	"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏",
}

var errorPatterns = []string{
	"Error:",
	"ERROR:",
	"panic:",
	"fatal:",
	"FATAL:",
	"Traceback",
	"rate limit",
	"API Error",
}

var promptMarks = []string{"❯", "›", ">", "$", "#"}

// Classify inspects the end of a captured pane.
// Priority order: menu > error > working > typed > idle.
func Classify(content string) Hint {
	lines := lastLines(ansiPattern.ReplaceAllString(content, ""), window)
	if len(lines) == 0 {
		return HintUnknown
	}
	recent := strings.Join(lines, "\n")

	switch {
	case containsAny(recent, menuPatterns):
		return HintMenu
	case containsAny(recent, errorPatterns):
		return HintError
	case containsAny(recent, workingPatterns):
		return HintWorking
	}

	last := strings.TrimSpace(lines[len(lines)-1])
	for _, mark := range promptMarks {
		if last == mark {
			return HintIdle
		}
		if rest, ok := strings.CutPrefix(last, mark+" "); ok && strings.TrimSpace(rest) != "" {
			return HintTyped
		}
	}
	return HintUnknown
}

func lastLines(content string, n int) []string {
	var lines []string
	for _, l := range strings.Split(strings.TrimRight(content, "\n "), "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
