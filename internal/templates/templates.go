// Package templates holds the embedded text templates rendered into agent
// prompts.
package templates

import (
	"embed"
)

//go:embed prompt/*.tmpl
var promptTemplates embed.FS

// GetStepPrompt returns the step prompt template content
func GetStepPrompt() (string, error) {
	content, err := promptTemplates.ReadFile("prompt/step.tmpl")
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// GetStatusInstructions returns the status block instructions template content
func GetStatusInstructions() (string, error) {
	content, err := promptTemplates.ReadFile("prompt/status.tmpl")
	if err != nil {
		return "", err
	}
	return string(content), nil
}
