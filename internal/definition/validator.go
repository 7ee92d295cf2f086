package definition

import (
	"fmt"
	"strings"

	"github.com/pitabwire/signoff/internal/guard"
	"github.com/pitabwire/signoff/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator validates definition files structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definition files together: entity type names and
// template versions must be unique across files, and templates are checked
// against the table of their entity type wherever it is declared.
func (v *Validator) Validate(defs []model.DefinitionFile) []VError {
	var errs []VError

	tables := make(map[string]*guard.Table)
	seenTypes := make(map[string]string)
	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		if def.Domain == "" {
			errs = append(errs, VError{Path: prefix + ".domain", Code: "REQUIRED", Message: "domain is required"})
		}
		if def.Version == "" {
			errs = append(errs, VError{Path: prefix + ".version", Code: "REQUIRED", Message: "version is required"})
		}

		for j, et := range def.EntityTypes {
			ep := fmt.Sprintf("%s.entity_types[%d]", prefix, j)
			if where, dup := seenTypes[et.Name]; dup && et.Name != "" {
				errs = append(errs, VError{
					Path:    ep + ".name",
					Code:    "DUPLICATE_ID",
					Message: fmt.Sprintf("entity type %q already declared at %s", et.Name, where),
				})
				continue
			}
			seenTypes[et.Name] = ep
			errs = append(errs, v.validateEntityType(ep, et)...)
			if t, err := guard.Compile(et); err == nil {
				tables[et.Name] = t
			}
		}
	}

	seenTemplates := make(map[string]string)
	for i, def := range defs {
		for j, tmpl := range def.Templates {
			tp := fmt.Sprintf("definitions[%d].templates[%d]", i, j)
			key := fmt.Sprintf("%s@%d", tmpl.ID, tmpl.Version)
			if where, dup := seenTemplates[key]; dup && tmpl.ID != "" {
				errs = append(errs, VError{
					Path:    tp + ".id",
					Code:    "DUPLICATE_ID",
					Message: fmt.Sprintf("template %q version %d already declared at %s", tmpl.ID, tmpl.Version, where),
				})
				continue
			}
			seenTemplates[key] = tp

			// A declared but invalid table is already reported; its templates
			// get structural checks only.
			table, ok := tables[tmpl.EntityType]
			if _, declared := seenTypes[tmpl.EntityType]; !ok && !declared && tmpl.EntityType != "" {
				table = guard.DefaultLifecycle(tmpl.EntityType)
			}
			errs = append(errs, v.ValidateTemplate(tp, tmpl, table)...)
		}
	}

	return errs
}

func (v *Validator) validateEntityType(prefix string, et model.EntityTypeDefinition) []VError {
	var errs []VError
	for _, p := range guard.Inspect(et) {
		path := prefix
		if p.Status != "" {
			path = fmt.Sprintf("%s.statuses[%s]", prefix, p.Status)
		}
		errs = append(errs, VError{Path: path, Code: p.Code, Message: p.Message})
	}
	if et.Capability != "" && !strings.Contains(et.Capability, ":") {
		errs = append(errs, VError{
			Path:    prefix + ".capability",
			Code:    "INVALID_CAPABILITY",
			Message: fmt.Sprintf("capability %q must be namespaced (e.g. sales:lots:transition)", et.Capability),
		})
	}
	return errs
}

// ValidateTemplate checks one template. When table is non-nil the status
// mapping is checked against it: every mapped status must be declared and the
// edges the engine will take must exist.
func (v *Validator) ValidateTemplate(prefix string, t model.WorkflowTemplate, table *guard.Table) []VError {
	var errs []VError

	if t.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if t.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if t.Version < 1 {
		errs = append(errs, VError{Path: prefix + ".version", Code: "INVALID_VERSION", Message: "version must be 1 or greater"})
	}
	if t.EntityType == "" {
		errs = append(errs, VError{Path: prefix + ".entity_type", Code: "REQUIRED", Message: "entity_type is required"})
	}
	if len(t.Steps) == 0 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: "REQUIRED", Message: "at least one step is required"})
	}
	for i, s := range t.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		if s.Name == "" {
			errs = append(errs, VError{Path: sp + ".name", Code: "REQUIRED", Message: "step name is required"})
		}
		if err := s.Approver.Validate(); err != nil {
			errs = append(errs, VError{
				Path:    sp + ".approver",
				Code:    "INVALID_APPROVER",
				Message: "approver must name exactly one of role or user",
			})
		}
	}

	if table == nil || len(t.Steps) == 0 {
		return errs
	}
	return append(errs, v.validateMapping(prefix, t, table)...)
}

func (v *Validator) validateMapping(prefix string, t model.WorkflowTemplate, table *guard.Table) []VError {
	var errs []VError
	m := t.Statuses.WithDefaults()

	members := []struct {
		name   string
		status model.Status
	}{
		{"submitted", m.Submitted},
		{"in_review", m.InReview},
		{"approved", m.Approved},
		{"rejected", m.Rejected},
		{"cancelled", m.Cancelled},
	}
	for _, mem := range members {
		if !table.Has(mem.status) {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("%s.statuses.%s", prefix, mem.name),
				Code:    "UNKNOWN_STATUS",
				Message: fmt.Sprintf("status %q is not declared by entity type %q", mem.status, table.EntityType()),
			})
		}
	}
	if len(errs) > 0 {
		return errs
	}

	edges := [][2]model.Status{
		{table.Initial(), m.Submitted},
		{m.Submitted, m.Rejected},
		{m.Submitted, m.Cancelled},
	}
	if len(t.Steps) == 1 || m.InReview == m.Submitted {
		edges = append(edges, [2]model.Status{m.Submitted, m.Approved})
	} else {
		edges = append(edges,
			[2]model.Status{m.Submitted, m.InReview},
			[2]model.Status{m.InReview, m.Approved},
			[2]model.Status{m.InReview, m.Rejected},
			[2]model.Status{m.InReview, m.Cancelled},
		)
	}
	for _, e := range edges {
		if !table.CanTransition(e[0], e[1]) {
			errs = append(errs, VError{
				Path:    prefix + ".statuses",
				Code:    "MISSING_EDGE",
				Message: fmt.Sprintf("entity type %q does not allow %s -> %s", table.EntityType(), e[0], e[1]),
			})
		}
	}
	return errs
}
