package definition

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/pitabwire/signoff/internal/guard"
	"github.com/pitabwire/signoff/model"
)

// Compiled holds the transition tables and templates produced from a set of
// definition files.
type Compiled struct {
	Tables    []*guard.Table
	Templates []model.WorkflowTemplate
}

// Compile validates defs and builds their tables and templates. Templates
// whose entity type declares no table get the default approval lifecycle.
func Compile(defs []model.DefinitionFile) (Compiled, []VError) {
	if errs := NewValidator().Validate(defs); len(errs) > 0 {
		return Compiled{}, errs
	}

	var out Compiled
	declared := make(map[string]bool)
	for _, def := range defs {
		for _, et := range def.EntityTypes {
			// Validate succeeded, so Compile cannot fail here.
			out.Tables = append(out.Tables, guard.MustCompile(et))
			declared[et.Name] = true
		}
	}
	for _, def := range defs {
		for _, tmpl := range def.Templates {
			if !declared[tmpl.EntityType] {
				out.Tables = append(out.Tables, guard.DefaultLifecycle(tmpl.EntityType))
				declared[tmpl.EntityType] = true
			}
			out.Templates = append(out.Templates, Normalize(tmpl))
		}
	}
	return out, nil
}

// Normalize assigns step indexes, fills the default status mapping and
// computes the content checksum.
func Normalize(t model.WorkflowTemplate) model.WorkflowTemplate {
	steps := make([]model.StepDefinition, len(t.Steps))
	for i, s := range t.Steps {
		s.Index = i
		steps[i] = s
	}
	t.Steps = steps
	t.Statuses = t.Statuses.WithDefaults()
	t.Checksum = Checksum(t)
	return t
}

// Checksum returns the SHA-256 of the template's content. Two templates with
// the same id and version are the same template iff their checksums match.
func Checksum(t model.WorkflowTemplate) string {
	content := struct {
		ID         string                 `json:"id"`
		Name       string                 `json:"name"`
		Version    int                    `json:"version"`
		EntityType string                 `json:"entity_type"`
		Steps      []model.StepDefinition `json:"steps"`
		Statuses   model.StatusMapping    `json:"statuses"`
	}{t.ID, t.Name, t.Version, t.EntityType, t.Steps, t.Statuses.WithDefaults()}

	// Marshal cannot fail for these field types.
	data, _ := json.Marshal(content)
	return fmt.Sprintf("%x", sha256.Sum256(data))
}
