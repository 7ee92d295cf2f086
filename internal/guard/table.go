// Package guard holds the per-entity-type transition tables and answers
// whether a status change is legal. Tables are immutable once compiled.
package guard

import (
	"errors"
	"fmt"
	"slices"

	"github.com/pitabwire/signoff/model"
)

// Problem is one defect found while compiling an entity type definition.
type Problem struct {
	Status  model.Status
	Code    string
	Message string
}

func (p Problem) Error() string {
	if p.Status == "" {
		return p.Message
	}
	return fmt.Sprintf("%s: %s", p.Status, p.Message)
}

// Table is the compiled transition table of one entity type.
type Table struct {
	entityType string
	initial    model.Status
	capability string
	order      []model.Status
	next       map[model.Status][]model.Status
	labels     map[model.Status]string
	confirm    map[model.Status]bool
}

// Inspect reports every structural problem of def: unknown initial or target
// statuses, duplicates, self-loops, and statuses reachable from the initial
// status that can never reach a terminal one.
func Inspect(def model.EntityTypeDefinition) []Problem {
	var problems []Problem

	if def.Name == "" {
		problems = append(problems, Problem{Code: "REQUIRED", Message: "entity type name is required"})
	}
	if len(def.Statuses) == 0 {
		problems = append(problems, Problem{Code: "REQUIRED", Message: "at least one status is required"})
		return problems
	}

	declared := make(map[model.Status]bool, len(def.Statuses))
	for _, s := range def.Statuses {
		if s.Name == "" {
			problems = append(problems, Problem{Code: "REQUIRED", Message: "status name is required"})
			continue
		}
		if declared[s.Name] {
			problems = append(problems, Problem{Status: s.Name, Code: "DUPLICATE_STATUS", Message: "status declared more than once"})
		}
		declared[s.Name] = true
	}

	if def.Initial == "" {
		problems = append(problems, Problem{Code: "REQUIRED", Message: "initial status is required"})
	} else if !declared[def.Initial] {
		problems = append(problems, Problem{
			Status:  def.Initial,
			Code:    "UNKNOWN_STATUS",
			Message: fmt.Sprintf("initial status %q is not declared", def.Initial),
		})
	}

	for _, s := range def.Statuses {
		for _, to := range s.Next {
			switch {
			case to == s.Name:
				problems = append(problems, Problem{Status: s.Name, Code: "SELF_LOOP", Message: "status lists itself as a next status"})
			case !declared[to]:
				problems = append(problems, Problem{
					Status:  s.Name,
					Code:    "UNKNOWN_STATUS",
					Message: fmt.Sprintf("next status %q is not declared", to),
				})
			}
		}
	}
	if len(problems) > 0 || def.Initial == "" {
		return problems
	}

	for _, s := range orphans(def) {
		problems = append(problems, Problem{
			Status:  s,
			Code:    "ORPHANED_STATE",
			Message: "status is reachable from the initial status but cannot reach a terminal status",
		})
	}
	return problems
}

// orphans returns statuses reachable from the initial status that have no
// path to a terminal status, in declaration order.
func orphans(def model.EntityTypeDefinition) []model.Status {
	next := make(map[model.Status][]model.Status, len(def.Statuses))
	prev := make(map[model.Status][]model.Status, len(def.Statuses))
	var terminals []model.Status
	for _, s := range def.Statuses {
		next[s.Name] = s.Next
		if len(s.Next) == 0 {
			terminals = append(terminals, s.Name)
		}
		for _, to := range s.Next {
			prev[to] = append(prev[to], s.Name)
		}
	}

	reachable := walk([]model.Status{def.Initial}, next)
	finishing := walk(terminals, prev)

	var out []model.Status
	for _, s := range def.Statuses {
		if reachable[s.Name] && !finishing[s.Name] {
			out = append(out, s.Name)
		}
	}
	return out
}

func walk(start []model.Status, edges map[model.Status][]model.Status) map[model.Status]bool {
	seen := make(map[model.Status]bool)
	queue := slices.Clone(start)
	for _, s := range start {
		seen[s] = true
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, n := range edges[cur] {
			if !seen[n] {
				seen[n] = true
				queue = append(queue, n)
			}
		}
	}
	return seen
}

// Compile validates def and builds its table.
func Compile(def model.EntityTypeDefinition) (*Table, error) {
	if problems := Inspect(def); len(problems) > 0 {
		errs := make([]error, 0, len(problems))
		for _, p := range problems {
			errs = append(errs, p)
		}
		return nil, fmt.Errorf("entity type %q: %w", def.Name, errors.Join(errs...))
	}

	t := &Table{
		entityType: def.Name,
		initial:    def.Initial,
		capability: def.Capability,
		order:      make([]model.Status, 0, len(def.Statuses)),
		next:       make(map[model.Status][]model.Status, len(def.Statuses)),
		labels:     make(map[model.Status]string),
		confirm:    make(map[model.Status]bool),
	}
	for _, s := range def.Statuses {
		t.order = append(t.order, s.Name)
		t.next[s.Name] = slices.Clone(s.Next)
		if s.Label != "" {
			t.labels[s.Name] = s.Label
		}
		if s.RequiresConfirmation {
			t.confirm[s.Name] = true
		}
	}
	return t, nil
}

// MustCompile is like Compile but panics on an invalid definition. It is
// meant for built-in tables.
func MustCompile(def model.EntityTypeDefinition) *Table {
	t, err := Compile(def)
	if err != nil {
		panic(err)
	}
	return t
}

// EntityType returns the entity type the table governs.
func (t *Table) EntityType() string { return t.entityType }

// Initial returns the status of an entity with no history.
func (t *Table) Initial() model.Status { return t.initial }

// Capability returns the capability required for guarded transitions, or "".
func (t *Table) Capability() string { return t.capability }

// Statuses returns the declared statuses in declaration order.
func (t *Table) Statuses() []model.Status { return slices.Clone(t.order) }

// Label returns the display label of s, falling back to the status itself.
func (t *Table) Label(s model.Status) string {
	if l, ok := t.labels[s]; ok {
		return l
	}
	return string(s)
}

// Has reports whether s belongs to the table's alphabet.
func (t *Table) Has(s model.Status) bool {
	_, ok := t.next[s]
	return ok
}

// Next returns the legal next statuses of from.
func (t *Table) Next(from model.Status) []model.Status {
	return slices.Clone(t.next[from])
}

// IsTerminal reports whether s is declared and has no next statuses.
func (t *Table) IsTerminal(s model.Status) bool {
	next, ok := t.next[s]
	return ok && len(next) == 0
}

// CanTransition reports whether from -> to is a declared edge.
func (t *Table) CanTransition(from, to model.Status) bool {
	return slices.Contains(t.next[from], to)
}

// RequiresConfirmation reports whether moving into s needs explicit confirmation.
func (t *Table) RequiresConfirmation(s model.Status) bool {
	return t.confirm[s]
}

// Check returns INVALID_ARGUMENT for statuses outside the alphabet and
// ILLEGAL_TRANSITION for undeclared edges.
func (t *Table) Check(from, to model.Status) error {
	if !t.Has(from) {
		return model.NewInvalidArgumentError("from", fmt.Sprintf("%q is not a %s status", from, t.entityType))
	}
	if !t.Has(to) {
		return model.NewInvalidArgumentError("to", fmt.Sprintf("%q is not a %s status", to, t.entityType))
	}
	if !t.CanTransition(from, to) {
		return model.NewIllegalTransitionError(t.entityType, from, to)
	}
	return nil
}
