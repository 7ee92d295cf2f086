package workflow

import (
	"context"
	"fmt"

	"github.com/pitabwire/signoff/internal/audit"
	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/model"
)

// GetInstance returns the resolved view of an instance: its steps with their
// results, the progress percentage and, while active, the current step with
// whether the caller may act on it.
func (e *Engine) GetInstance(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
) (desc model.InstanceDescriptor, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.get_instance",
		append(spanAttrs(rctx), observability.AttrInstanceID.String(instanceID))...)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := checkActor(rctx); err != nil {
		return model.InstanceDescriptor{}, err
	}
	inst, tmpl, _, err := e.load(ctx, rctx, instanceID)
	if err != nil {
		return model.InstanceDescriptor{}, err
	}
	results, err := e.store.GetStepResults(ctx, instanceID)
	if err != nil {
		return model.InstanceDescriptor{}, err
	}
	return e.describe(rctx, inst, tmpl, results), nil
}

func (e *Engine) describe(
	rctx *model.RequestContext,
	inst model.WorkflowInstance,
	tmpl model.WorkflowTemplate,
	results []model.StepResult,
) model.InstanceDescriptor {
	desc := model.InstanceDescriptor{
		Instance:     inst,
		TemplateName: tmpl.Name,
		Steps:        make([]model.StepSummary, len(tmpl.Steps)),
	}

	approved := 0
	for i, step := range tmpl.Steps {
		sum := model.StepSummary{Index: i, Name: step.Name, Approver: step.Approver}
		if r, ok := resultAt(results, i); ok {
			if r.Assignee != nil {
				sum.Approver = *r.Assignee
			}
			sum.Status = r.Status
			sum.ActorID = r.ActorID
			sum.DecidedAt = r.DecidedAt
			sum.Comment = r.Comment
			if r.Status == model.StepApproved {
				approved++
			}
		}
		desc.Steps[i] = sum
	}
	if len(tmpl.Steps) > 0 {
		desc.Progress = approved * 100 / len(tmpl.Steps)
	}

	if inst.Status == model.InstanceActive {
		step, ok := tmpl.Step(inst.CurrentStepIndex)
		if ok {
			var current *model.StepResult
			if r, found := resultAt(results, inst.CurrentStepIndex); found {
				current = &r
			}
			s := step
			desc.CurrentStep = &model.StepDescriptor{
				Index:     inst.CurrentStepIndex,
				Name:      s.Name,
				Approver:  desc.Steps[inst.CurrentStepIndex].Approver,
				Mandatory: s.Mandatory,
				CanAct:    e.gate.CanAct(rctx, inst, s, current),
			}
		}
	}
	return desc
}

// ListInstances returns a page of the caller's tenant's instances with the
// total number of matches.
func (e *Engine) ListInstances(
	ctx context.Context,
	rctx *model.RequestContext,
	filters model.InstanceFilters,
) (_ []model.InstanceSummary, _ int, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.list_instances", spanAttrs(rctx)...)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := checkActor(rctx); err != nil {
		return nil, 0, err
	}
	instances, total, err := e.store.FindInstances(ctx, rctx.TenantID, filters)
	if err != nil {
		return nil, 0, err
	}

	names := make(map[string]string)
	summaries := make([]model.InstanceSummary, len(instances))
	for i, inst := range instances {
		name, ok := names[inst.TemplateID]
		if !ok {
			if tmpl, err := e.store.GetTemplate(ctx, inst.TemplateID, inst.TemplateVersion); err == nil {
				name = tmpl.Name
			}
			names[inst.TemplateID] = name
		}
		summaries[i] = model.InstanceSummary{
			ID:               inst.ID,
			TemplateID:       inst.TemplateID,
			TemplateName:     name,
			Entity:           inst.Entity,
			Status:           inst.Status,
			CurrentStepIndex: inst.CurrentStepIndex,
			CreatedAt:        inst.CreatedAt,
			UpdatedAt:        inst.UpdatedAt,
		}
	}
	return summaries, total, nil
}

// GetHistory returns a page of an entity's audit trail, oldest first.
func (e *Engine) GetHistory(ctx context.Context, ref model.EntityRef, page model.Page) ([]model.AuditRecord, error) {
	return e.log.History(ctx, ref, page)
}

// EntityStatus returns an entity's current status and the statuses it may
// move to next. Entities without history are at their table's initial status.
func (e *Engine) EntityStatus(ctx context.Context, ref model.EntityRef) (model.EntityStatusView, error) {
	if err := ref.Validate(); err != nil {
		return model.EntityStatusView{}, err
	}
	table, err := e.guards.MustLookup(ref.Type)
	if err != nil {
		return model.EntityStatusView{}, err
	}
	status, err := e.log.CurrentStatus(ctx, ref, table.Initial())
	if err != nil {
		return model.EntityStatusView{}, err
	}
	return model.EntityStatusView{
		Entity:   ref,
		Status:   status,
		Terminal: table.IsTerminal(status),
		Next:     table.Next(status),
	}, nil
}

// EntityTypes describes every registered entity type.
func (e *Engine) EntityTypes() []model.EntityTypeDefinition {
	types := e.guards.Types()
	out := make([]model.EntityTypeDefinition, 0, len(types))
	for _, name := range types {
		table, ok := e.guards.Lookup(name)
		if !ok {
			continue
		}
		def := model.EntityTypeDefinition{
			Name:       name,
			Initial:    table.Initial(),
			Capability: table.Capability(),
		}
		for _, s := range table.Statuses() {
			def.Statuses = append(def.Statuses, model.StatusDefinition{
				Name:                 s,
				Label:                table.Label(s),
				Next:                 table.Next(s),
				RequiresConfirmation: table.RequiresConfirmation(s),
			})
		}
		out = append(out, def)
	}
	return out
}

const historyPage = 500

// FullHistory returns an entity's whole audit trail, oldest first.
func (e *Engine) FullHistory(ctx context.Context, ref model.EntityRef) ([]model.AuditRecord, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	var (
		all   []model.AuditRecord
		after int64
	)
	for {
		page, err := e.log.History(ctx, ref, model.Page{After: after, Limit: historyPage})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < historyPage {
			return all, nil
		}
		after = page[len(page)-1].Sequence
	}
}

// VerifyHistory checks the entity's full audit chain: sequences contiguous
// from 1, each record starting where the previous one ended, and the
// materialized status equal to the last record's.
func (e *Engine) VerifyHistory(ctx context.Context, ref model.EntityRef) (int, error) {
	table, err := e.guards.MustLookup(ref.Type)
	if err != nil {
		return 0, err
	}
	all, err := e.FullHistory(ctx, ref)
	if err != nil {
		return 0, err
	}
	if err := audit.VerifyChain(all, table.Initial()); err != nil {
		return len(all), err
	}
	status, err := e.log.CurrentStatus(ctx, ref, table.Initial())
	if err != nil {
		return len(all), err
	}
	if n := len(all); n > 0 && status != all[n-1].NewStatus {
		return n, &audit.ChainError{
			Sequence: all[n-1].Sequence,
			Reason:   fmt.Sprintf("materialized status %q does not match %q", status, all[n-1].NewStatus),
		}
	}
	return len(all), nil
}

// HealthCheck reports whether the store is reachable.
func (e *Engine) HealthCheck(ctx context.Context) error {
	return e.store.HealthCheck(ctx)
}
