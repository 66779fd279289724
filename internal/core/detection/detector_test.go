package detection

import (
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    Hint
	}{
		{
			name: "menu with proceed question",
			content: `Would you like to proceed?
❯ 1. Yes
  2. No`,
			want: HintMenu,
		},
		{
			name:    "yes no prompt",
			content: "Overwrite go.sum? [y/N]",
			want:    HintMenu,
		},
		{
			name:    "spinner",
			content: "✶ Thinking… (esc to interrupt)",
			want:    HintWorking,
		},
		{
			name:    "error",
			content: "running tests\npanic: runtime error: index out of range\n$",
			want:    HintError,
		},
		{
			name:    "typed but not submitted",
			content: "done editing\n> run the tests again",
			want:    HintTyped,
		},
		{
			name:    "empty prompt",
			content: "All changes written.\n\n❯\n",
			want:    HintIdle,
		},
		{
			name:    "ansi colors are ignored",
			content: "\x1b[31mError:\x1b[0m could not open file",
			want:    HintError,
		},
		{
			name:    "plain output",
			content: "compiling package foo",
			want:    HintUnknown,
		},
		{
			name:    "empty",
			content: "\n\n",
			want:    HintUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.content); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassify_OldErrorsOutsideWindow(t *testing.T) {
	content := "Error: first try failed\n" + strings.Repeat("retrying\n", window+1) + "❯\n"
	if got := Classify(content); got != HintIdle {
		t.Errorf("Classify() = %q, want %q", got, HintIdle)
	}
}
