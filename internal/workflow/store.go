package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/signoff/internal/audit"
	"github.com/pitabwire/signoff/model"
)

// Store persists templates, instances, step results and the audit trail.
// Commit (from audit.Store) is the only mutator of instances, steps and
// records; it must reject:
//   - a record whose sequence is not last+1 for its entity (STALE_STATE),
//   - a new instance while another Active instance exists for the entity (CONFLICT),
//   - an instance update whose Version is not the stored version + 1 (STALE_STATE).
type Store interface {
	audit.Store

	// CreateTemplate stores a template version. Returns CONFLICT if the
	// (id, version) pair already exists.
	CreateTemplate(ctx context.Context, t model.WorkflowTemplate) error

	// GetTemplate returns one template version, or the latest version when
	// version <= 0. Returns NOT_FOUND if absent.
	GetTemplate(ctx context.Context, id string, version int) (model.WorkflowTemplate, error)

	// ListTemplates returns the latest version of every template, ordered by id.
	ListTemplates(ctx context.Context, filters model.TemplateFilters) ([]model.WorkflowTemplate, error)

	// GetInstance retrieves an instance scoped to a tenant. Returns NOT_FOUND
	// if it doesn't exist or belongs to a different tenant.
	GetInstance(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error)

	// FindInstances lists a tenant's instances, newest first, with the total
	// number of matches before paging. Page is 1-based.
	FindInstances(ctx context.Context, tenantID string, filters model.InstanceFilters) ([]model.WorkflowInstance, int, error)

	// GetStepResults returns an instance's step results ordered by step index.
	GetStepResults(ctx context.Context, instanceID string) ([]model.StepResult, error)

	// FindPendingSteps returns the current Pending step of every Active
	// instance whose step was created before the cutoff, oldest first.
	FindPendingSteps(ctx context.Context, createdBefore time.Time) ([]PendingStep, error)

	// HealthCheck verifies the backing storage is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

// PendingStep is a step awaiting a decision together with its instance.
type PendingStep struct {
	Instance model.WorkflowInstance
	Result   model.StepResult
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// NormalizePage applies instance listing defaults and bounds.
func NormalizePage(f model.InstanceFilters) model.InstanceFilters {
	if f.Page < 1 {
		f.Page = 1
	}
	switch {
	case f.PageSize <= 0:
		f.PageSize = defaultPageSize
	case f.PageSize > maxPageSize:
		f.PageSize = maxPageSize
	}
	return f
}
