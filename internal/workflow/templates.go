package workflow

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/signoff/internal/definition"
	"github.com/pitabwire/signoff/internal/guard"
	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/model"
)

// ListTemplates returns the latest version of each template.
func (e *Engine) ListTemplates(ctx context.Context, filters model.TemplateFilters) ([]model.WorkflowTemplate, error) {
	return e.store.ListTemplates(ctx, filters)
}

// GetTemplate returns a template version, or the latest when version <= 0.
func (e *Engine) GetTemplate(ctx context.Context, id string, version int) (model.WorkflowTemplate, error) {
	return e.store.GetTemplate(ctx, id, version)
}

// PublishTemplate validates and stores a new template version. Publishing the
// exact same content again returns the stored template. Running instances keep
// the version they started with.
func (e *Engine) PublishTemplate(
	ctx context.Context,
	rctx *model.RequestContext,
	t model.WorkflowTemplate,
) (out model.WorkflowTemplate, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.publish_template",
		observability.AttrTemplateID.String(t.ID))
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := checkActor(rctx); err != nil {
		return model.WorkflowTemplate{}, err
	}
	if err := e.gate.Require(rctx, model.CapManageTemplates); err != nil {
		return model.WorkflowTemplate{}, err
	}
	out, err = e.publish(ctx, t)
	if err != nil {
		return model.WorkflowTemplate{}, err
	}
	observability.RequestLogger(ctx, e.logger).Info("template published",
		zap.String("template_id", out.ID),
		zap.Int("version", out.Version),
		zap.String("checksum", out.Checksum),
	)
	return out, nil
}

// SeedTemplates publishes templates loaded from definition files. Templates
// already stored with identical content are skipped.
func (e *Engine) SeedTemplates(ctx context.Context, templates []model.WorkflowTemplate) error {
	var errs []error
	for _, t := range templates {
		if _, err := e.publish(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("template %s v%d: %w", t.ID, t.Version, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) publish(ctx context.Context, t model.WorkflowTemplate) (model.WorkflowTemplate, error) {
	t = definition.Normalize(t)

	table, known := e.guards.Lookup(t.EntityType)
	if !known {
		table = guard.DefaultLifecycle(t.EntityType)
	}
	if verrs := definition.NewValidator().ValidateTemplate("template", t, table); len(verrs) > 0 {
		details := make([]model.FieldError, len(verrs))
		for i, v := range verrs {
			details[i] = model.FieldError{Field: v.Path, Code: v.Code, Message: v.Message}
		}
		return model.WorkflowTemplate{}, model.NewValidationError(details)
	}

	// Versions only move forward; a repeat of the stored content is a no-op.
	latest, err := e.store.GetTemplate(ctx, t.ID, 0)
	switch {
	case err == nil:
		if existing, getErr := e.store.GetTemplate(ctx, t.ID, t.Version); getErr == nil {
			if existing.Checksum == t.Checksum {
				return existing, nil
			}
			return model.WorkflowTemplate{}, model.NewConflictError(fmt.Sprintf(
				"template %q version %d already exists with different content", t.ID, t.Version))
		}
		if t.Version <= latest.Version {
			return model.WorkflowTemplate{}, model.NewConflictError(fmt.Sprintf(
				"template %q version %d is not newer than version %d", t.ID, t.Version, latest.Version))
		}
		if t.EntityType != latest.EntityType {
			return model.WorkflowTemplate{}, model.NewInvalidArgumentError("entity_type", fmt.Sprintf(
				"template %q applies to %q and cannot move to %q", t.ID, latest.EntityType, t.EntityType))
		}
	case !model.IsCode(err, model.ErrNotFound):
		return model.WorkflowTemplate{}, err
	}

	t.CreatedAt = e.now()
	if err := e.store.CreateTemplate(ctx, t); err != nil {
		return model.WorkflowTemplate{}, err
	}
	if !known {
		e.guards.Ensure(table)
	}
	return t, nil
}

// SyncLifecycles registers the default approval lifecycle for every stored
// template whose entity type has no table. Call it after the guard registry
// is rebuilt from definition files, so published templates keep theirs.
func (e *Engine) SyncLifecycles(ctx context.Context) (int, error) {
	templates, err := e.store.ListTemplates(ctx, model.TemplateFilters{})
	if err != nil {
		return 0, err
	}
	added := 0
	for _, t := range templates {
		if _, ok := e.guards.Lookup(t.EntityType); ok {
			continue
		}
		e.guards.Ensure(guard.DefaultLifecycle(t.EntityType))
		added++
	}
	return added, nil
}
