package app

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/example/operator/internal/core/agentstatus"
	"github.com/example/operator/internal/core/ticket"
	"github.com/example/operator/internal/core/workflow"
	"github.com/example/operator/internal/templates"
)

// PromptInput is everything the step prompt is rendered from.
type PromptInput struct {
	Ticket   *ticket.Ticket
	Workflow workflow.Workflow
	Step     string
	Branch   string
	Context  workflow.Context
}

// PromptRenderer renders step prompts from the embedded templates.
type PromptRenderer struct {
	step   *template.Template
	status string
}

// NewPromptRenderer parses the embedded templates.
func NewPromptRenderer() (*PromptRenderer, error) {
	stepSrc, err := templates.GetStepPrompt()
	if err != nil {
		return nil, fmt.Errorf("failed to load step prompt: %w", err)
	}
	statusSrc, err := templates.GetStatusInstructions()
	if err != nil {
		return nil, fmt.Errorf("failed to load status instructions: %w", err)
	}

	funcs := template.FuncMap{"join": strings.Join}
	step, err := template.New("step").Funcs(funcs).Parse(stepSrc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse step prompt: %w", err)
	}
	statusTmpl, err := template.New("status").Parse(statusSrc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse status instructions: %w", err)
	}
	var buf bytes.Buffer
	if err := statusTmpl.Execute(&buf, map[string]any{
		"Marker":            agentstatus.Marker,
		"MaxSummary":        agentstatus.MaxSummaryLen,
		"MaxRecommendation": agentstatus.MaxRecommendationLen,
	}); err != nil {
		return nil, fmt.Errorf("failed to render status instructions: %w", err)
	}
	return &PromptRenderer{step: step, status: strings.TrimSpace(buf.String())}, nil
}

// Render builds the prompt for one attempt.
func (r *PromptRenderer) Render(in PromptInput) (string, error) {
	branch := in.Branch
	if branch == "" {
		branch = in.Ticket.Branch
	}
	data := map[string]any{
		"Ticket":             in.Ticket,
		"Step":               in.Step,
		"Steps":              in.Workflow.Names(),
		"Branch":             branch,
		"Context":            in.Context,
		"ContextSection":     strings.TrimSpace(in.Context.Render()),
		"StatusInstructions": r.status,
	}
	var buf bytes.Buffer
	if err := r.step.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render prompt for %s: %w", in.Ticket.ID, err)
	}
	return buf.String(), nil
}
