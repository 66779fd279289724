// Package workflow contains the per-type step lists and the pure decision
// rules that move a ticket from one attempt to the next.
package workflow

import (
	"fmt"
	"strings"
)

// Step is one named stage of a workflow.
type Step struct {
	Name string
	// Review gates the step: the ticket waits for approval before it starts.
	Review bool
}

// Workflow is the ordered step list for one ticket type.
type Workflow struct {
	Type  string
	Steps []Step
	// FinalApproval makes the ticket wait for approval after its last step.
	FinalApproval bool
}

// Index returns the position of step, or -1. Steps are compared by position,
// never by name order.
func (w Workflow) Index(step string) int {
	for i, s := range w.Steps {
		if s.Name == step {
			return i
		}
	}
	return -1
}

// First returns the first step name.
func (w Workflow) First() string {
	if len(w.Steps) == 0 {
		return ""
	}
	return w.Steps[0].Name
}

// Next returns the step after step.
func (w Workflow) Next(step string) (Step, bool) {
	i := w.Index(step)
	if i < 0 || i+1 >= len(w.Steps) {
		return Step{}, false
	}
	return w.Steps[i+1], true
}

// Names lists the step names in order.
func (w Workflow) Names() []string {
	names := make([]string, len(w.Steps))
	for i, s := range w.Steps {
		names[i] = s.Name
	}
	return names
}

// Validate rejects empty and duplicate step lists.
func (w Workflow) Validate() error {
	if len(w.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", w.Type)
	}
	seen := map[string]bool{}
	for _, s := range w.Steps {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("workflow %s has an unnamed step", w.Type)
		}
		if seen[s.Name] {
			return fmt.Errorf("workflow %s repeats step %s", w.Type, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// DefaultType is the registry key used for ticket types without a workflow.
const DefaultType = "default"

// Registry maps ticket types to workflows.
type Registry map[string]Workflow

// Lookup returns the workflow for ticketType, falling back to the default.
func (r Registry) Lookup(ticketType string) (Workflow, bool) {
	if w, ok := r[strings.ToUpper(ticketType)]; ok {
		return w, true
	}
	if w, ok := r[ticketType]; ok {
		return w, true
	}
	w, ok := r[DefaultType]
	return w, ok
}

// NewRegistry builds a registry from step lists keyed by type. Step names in
// review are gated. Types are stored upper-cased.
func NewRegistry(steps map[string][]string, review []string, finalApproval map[string]bool) Registry {
	gated := map[string]bool{}
	for _, name := range review {
		gated[name] = true
	}
	r := Registry{}
	for typ, names := range steps {
		key := strings.ToUpper(typ)
		if typ == DefaultType {
			key = DefaultType
		}
		w := Workflow{Type: key, FinalApproval: finalApproval[typ]}
		for _, name := range names {
			w.Steps = append(w.Steps, Step{Name: name, Review: gated[name]})
		}
		r[key] = w
	}
	return r
}
