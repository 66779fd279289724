package ticket

import (
	"sort"
	"strings"
)

// Priority is the explicit priority tag.
type Priority string

const (
	PriorityCritical Priority = "P0-critical"
	PriorityHigh     Priority = "P1-high"
	PriorityMedium   Priority = "P2-medium"
	PriorityLow      Priority = "P3-low"
)

// Rank orders priorities; lower ranks admit first. Bare tags such as "P1" are
// accepted. Unknown tags rank after P3.
func (p Priority) Rank() int {
	s := strings.ToUpper(strings.TrimSpace(string(p)))
	switch {
	case strings.HasPrefix(s, "P0"):
		return 0
	case strings.HasPrefix(s, "P1"):
		return 1
	case strings.HasPrefix(s, "P2"):
		return 2
	case strings.HasPrefix(s, "P3"):
		return 3
	default:
		return 4
	}
}

// Normalize maps bare tags onto the canonical form, leaving unknown tags as is.
func (p Priority) Normalize() Priority {
	switch p.Rank() {
	case 0:
		return PriorityCritical
	case 1:
		return PriorityHigh
	case 2:
		return PriorityMedium
	case 3:
		return PriorityLow
	default:
		return p
	}
}

// AdmissionOrder ranks queued tickets: priority tag, then ticket type in the
// configured order, then file name.
type AdmissionOrder struct {
	typeRank map[string]int
}

// NewAdmissionOrder builds an ordering from the configured type list.
func NewAdmissionOrder(typeOrder []string) AdmissionOrder {
	ranks := make(map[string]int, len(typeOrder))
	for i, typ := range typeOrder {
		key := strings.ToUpper(typ)
		if _, seen := ranks[key]; !seen {
			ranks[key] = i
		}
	}
	return AdmissionOrder{typeRank: ranks}
}

func (o AdmissionOrder) rankType(typ string) int {
	if r, ok := o.typeRank[strings.ToUpper(typ)]; ok {
		return r
	}
	return len(o.typeRank)
}

// Less reports whether a admits before b.
func (o AdmissionOrder) Less(a, b *Ticket) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra < rb
	}
	if ta, tb := o.rankType(a.Type), o.rankType(b.Type); ta != tb {
		return ta < tb
	}
	return a.Filename < b.Filename
}

// Sort orders tickets in place for admission.
func (o AdmissionOrder) Sort(tickets []*Ticket) {
	sort.SliceStable(tickets, func(i, j int) bool {
		return o.Less(tickets[i], tickets[j])
	})
}
