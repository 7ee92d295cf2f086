package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/signoff/model"
)

// MemoryStore is an in-memory Store for tests and single-process development.
type MemoryStore struct {
	mu        sync.RWMutex
	templates map[string]map[int]model.WorkflowTemplate // id -> version -> template
	instances map[string]model.WorkflowInstance         // key: instance ID
	active    map[string]string                         // entity key -> active instance ID
	steps     map[string][]model.StepResult             // key: instance ID, indexed by step
	records   map[string][]model.AuditRecord            // key: entity key
	status    map[string]model.Status                   // key: entity key
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates: make(map[string]map[int]model.WorkflowTemplate),
		instances: make(map[string]model.WorkflowInstance),
		active:    make(map[string]string),
		steps:     make(map[string][]model.StepResult),
		records:   make(map[string][]model.AuditRecord),
		status:    make(map[string]model.Status),
	}
}

// Commit applies a change atomically.
func (s *MemoryStore) Commit(_ context.Context, change model.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := change.Record
	key := rec.Entity.Key()

	// 1. Sequence check.
	if last := int64(len(s.records[key])); rec.Sequence != last+1 {
		return model.NewStaleStateError(fmt.Sprintf(
			"%s moved on: expected sequence %d, got %d", key, last+1, rec.Sequence))
	}

	// 2. Instance checks, before anything is written.
	if id, ok := s.active[key]; ok && change.OutsideWorkflow {
		return model.NewConflictError(fmt.Sprintf(
			"%s is governed by active workflow instance %q", key, id))
	}
	if inst := change.Instance; inst != nil {
		if change.NewInstance {
			if _, exists := s.instances[inst.ID]; exists {
				return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
			}
			if id, ok := s.active[inst.Entity.Key()]; ok {
				return model.NewConflictError(fmt.Sprintf(
					"%s already has active workflow instance %q", inst.Entity, id))
			}
		} else {
			existing, exists := s.instances[inst.ID]
			if !exists {
				return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", inst.ID))
			}
			if existing.Version+1 != inst.Version {
				return model.NewStaleStateError(fmt.Sprintf(
					"workflow instance %q version conflict (stored %d, update to %d)", inst.ID, existing.Version, inst.Version))
			}
		}
	}

	// 3. Write.
	s.records[key] = append(s.records[key], cloneRecord(rec))
	s.status[key] = rec.NewStatus

	if inst := change.Instance; inst != nil {
		s.instances[inst.ID] = *inst
		entityKey := inst.Entity.Key()
		if inst.Status == model.InstanceActive {
			s.active[entityKey] = inst.ID
		} else if s.active[entityKey] == inst.ID {
			delete(s.active, entityKey)
		}
	}

	for _, step := range change.Steps {
		results := s.steps[step.InstanceID]
		for len(results) <= step.StepIndex {
			results = append(results, model.StepResult{})
		}
		results[step.StepIndex] = step
		s.steps[step.InstanceID] = results
	}
	return nil
}

// History returns records after page.After, oldest first.
func (s *MemoryStore) History(_ context.Context, ref model.EntityRef, page model.Page) ([]model.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.records[ref.Key()]
	if page.After >= int64(len(all)) {
		return []model.AuditRecord{}, nil
	}
	window := all[page.After:]
	if page.Limit > 0 && page.Limit < len(window) {
		window = window[:page.Limit]
	}
	result := make([]model.AuditRecord, len(window))
	for i, r := range window {
		result[i] = cloneRecord(r)
	}
	return result, nil
}

// LastRecord returns the entity's most recent record.
func (s *MemoryStore) LastRecord(_ context.Context, ref model.EntityRef) (model.AuditRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.records[ref.Key()]
	if len(all) == 0 {
		return model.AuditRecord{}, false, nil
	}
	return cloneRecord(all[len(all)-1]), true, nil
}

// StatusOf returns the entity's materialized status.
func (s *MemoryStore) StatusOf(_ context.Context, ref model.EntityRef) (model.Status, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.status[ref.Key()]
	return status, ok, nil
}

// CreateTemplate stores a template version.
func (s *MemoryStore) CreateTemplate(_ context.Context, t model.WorkflowTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.templates[t.ID]
	if !ok {
		versions = make(map[int]model.WorkflowTemplate)
		s.templates[t.ID] = versions
	}
	if _, exists := versions[t.Version]; exists {
		return model.NewConflictError(fmt.Sprintf("template %q version %d already exists", t.ID, t.Version))
	}
	t.Steps = append([]model.StepDefinition(nil), t.Steps...)
	versions[t.Version] = t
	return nil
}

// GetTemplate returns a template version, or the latest when version <= 0.
func (s *MemoryStore) GetTemplate(_ context.Context, id string, version int) (model.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.templates[id]
	if version <= 0 {
		version = latestVersion(versions)
	}
	t, ok := versions[version]
	if !ok {
		return model.WorkflowTemplate{}, model.NewNotFoundError(fmt.Sprintf("template %q version %d not found", id, version))
	}
	return t, nil
}

// ListTemplates returns the latest version of every template.
func (s *MemoryStore) ListTemplates(_ context.Context, filters model.TemplateFilters) ([]model.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.WorkflowTemplate{}
	for _, versions := range s.templates {
		t := versions[latestVersion(versions)]
		if filters.EntityType != "" && t.EntityType != filters.EntityType {
			continue
		}
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func latestVersion(versions map[int]model.WorkflowTemplate) int {
	latest := 0
	for v := range versions {
		if v > latest {
			latest = v
		}
	}
	return latest
}

// GetInstance retrieves an instance scoped to tenant.
func (s *MemoryStore) GetInstance(_ context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists || inst.TenantID != tenantID {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	return inst, nil
}

// FindInstances lists a tenant's instances matching filters.
func (s *MemoryStore) FindInstances(_ context.Context, tenantID string, filters model.InstanceFilters) ([]model.WorkflowInstance, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	filters = NormalizePage(filters)
	var matched []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.TenantID != tenantID {
			continue
		}
		if filters.Status != "" && inst.Status != filters.Status {
			continue
		}
		if filters.TemplateID != "" && inst.TemplateID != filters.TemplateID {
			continue
		}
		if filters.EntityType != "" && inst.Entity.Type != filters.EntityType {
			continue
		}
		if filters.EntityID != "" && inst.Entity.ID != filters.EntityID {
			continue
		}
		matched = append(matched, inst)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	offset := (filters.Page - 1) * filters.PageSize
	if offset >= total {
		return []model.WorkflowInstance{}, total, nil
	}
	end := min(offset+filters.PageSize, total)
	return matched[offset:end], total, nil
}

// GetStepResults returns an instance's step results ordered by index.
func (s *MemoryStore) GetStepResults(_ context.Context, instanceID string) ([]model.StepResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := s.steps[instanceID]
	out := make([]model.StepResult, 0, len(results))
	for _, r := range results {
		if r.InstanceID != "" {
			out = append(out, r)
		}
	}
	return out, nil
}

// FindPendingSteps returns current Pending steps created before the cutoff.
func (s *MemoryStore) FindPendingSteps(_ context.Context, createdBefore time.Time) ([]PendingStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []PendingStep
	for _, id := range s.active {
		inst := s.instances[id]
		results := s.steps[id]
		if inst.CurrentStepIndex >= len(results) {
			continue
		}
		step := results[inst.CurrentStepIndex]
		if step.Status != model.StepPending || !step.CreatedAt.Before(createdBefore) {
			continue
		}
		result = append(result, PendingStep{Instance: inst, Result: step})
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Result.CreatedAt.Before(result[j].Result.CreatedAt)
	})
	return result, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Len returns the total number of instances. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

func cloneRecord(r model.AuditRecord) model.AuditRecord {
	if r.Metadata != nil {
		meta := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			meta[k] = v
		}
		r.Metadata = meta
	}
	return r
}
