// Package workflow runs multi-step approval workflows over entities. Every
// mutation goes through the audit log, which serializes changes per entity
// and commits the record together with the instance and step changes.
package workflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/signoff/internal/audit"
	"github.com/pitabwire/signoff/internal/gate"
	"github.com/pitabwire/signoff/internal/guard"
	"github.com/pitabwire/signoff/internal/notify"
	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/model"
)

// Engine manages workflow templates, instances and guarded transitions.
type Engine struct {
	store    Store
	log      *audit.Log
	guards   *guard.Registry
	gate     *gate.Gate
	notifier notify.Notifier
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets the collaborator informed after every commit.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithMetrics enables workflow metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source for instances, steps and records.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a new workflow engine.
func NewEngine(store Store, guards *guard.Registry, caps model.CapabilityResolver, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		guards:   guards,
		gate:     gate.New(caps),
		notifier: notify.Nop,
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = audit.NewLog(store, audit.WithLogger(e.logger), audit.WithClock(e.now))
	return e
}

// Gate returns the engine's approval gate.
func (e *Engine) Gate() *gate.Gate { return e.gate }

// StartInstance creates an Active instance of the latest version of a
// template for entity and moves the entity to the template's submitted status.
func (e *Engine) StartInstance(
	ctx context.Context,
	rctx *model.RequestContext,
	templateID string,
	entity model.EntityRef,
) (inst model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.start",
		append(observability.EntityAttributes(entity), observability.AttrTemplateID.String(templateID))...)
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. Validate the actor and the entity.
	if err := checkActor(rctx); err != nil {
		return model.WorkflowInstance{}, err
	}
	if err := entity.Validate(); err != nil {
		return model.WorkflowInstance{}, err
	}

	// 2. Resolve the template and its entity type's table.
	tmpl, err := e.store.GetTemplate(ctx, templateID, 0)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if entity.Type != tmpl.EntityType {
		return model.WorkflowInstance{}, model.NewInvalidArgumentError("entity_type", fmt.Sprintf(
			"template %q applies to %q, not %q", tmpl.ID, tmpl.EntityType, entity.Type))
	}
	table := e.tableFor(tmpl.EntityType)
	mapping := tmpl.Statuses.WithDefaults()

	// 3. Commit the Submitted record with the new instance and its first step.
	change, err := e.log.Mutate(ctx, entity, table.Initial(), func(st audit.State) (*model.Change, error) {
		if st.Status != mapping.Submitted {
			if err := table.Check(st.Status, mapping.Submitted); err != nil {
				return nil, err
			}
		}
		now := e.now()
		created := model.WorkflowInstance{
			ID:               uuid.New().String(),
			TemplateID:       tmpl.ID,
			TemplateVersion:  tmpl.Version,
			TenantID:         rctx.TenantID,
			Entity:           entity,
			Status:           model.InstanceActive,
			CurrentStepIndex: 0,
			StartedBy:        rctx.SubjectID,
			CreatedAt:        now,
			UpdatedAt:        now,
			Version:          1,
		}
		return &model.Change{
			Record: model.AuditRecord{
				Action:     model.ActionSubmitted,
				ActorID:    rctx.SubjectID,
				NewStatus:  mapping.Submitted,
				InstanceID: created.ID,
				Metadata:   map[string]string{"template_id": tmpl.ID, "template_version": strconv.Itoa(tmpl.Version)},
			},
			Instance:    &created,
			NewInstance: true,
			Steps: []model.StepResult{
				{InstanceID: created.ID, StepIndex: 0, Status: model.StepPending, CreatedAt: now},
			},
		}, nil
	})
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	// 4. Record and announce.
	inst = *change.Instance
	span.SetAttributes(observability.AttrInstanceID.String(inst.ID))
	e.metrics.RecordWorkflowStart(tmpl.ID)
	e.emit(ctx, notify.EventWorkflowStarted, inst, intPtr(0), change.Record)
	return inst, nil
}

// ApproveStep records an approval of the instance's current step. The last
// step completes the instance; any other step advances it.
func (e *Engine) ApproveStep(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
	d model.Decision,
) (model.StepResult, error) {
	return e.decide(ctx, rctx, instanceID, d, model.ActionApproved)
}

// RejectStep records a rejection of the instance's current step. The
// comment is the mandatory reason. Rejection cancels the instance.
func (e *Engine) RejectStep(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
	d model.Decision,
) (model.StepResult, error) {
	return e.decide(ctx, rctx, instanceID, d, model.ActionRejected)
}

func (e *Engine) decide(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
	d model.Decision,
	action model.Action,
) (out model.StepResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow."+strings.ToLower(string(action)),
		observability.AttrInstanceID.String(instanceID),
		observability.AttrAction.String(string(action)),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. Validate input.
	if err := checkActor(rctx); err != nil {
		return model.StepResult{}, err
	}
	if action == model.ActionRejected && strings.TrimSpace(d.Comment) == "" {
		return model.StepResult{}, model.NewInvalidArgumentError("comment", "a reason is required to reject a step")
	}

	// 2. Locate the instance, its template and table.
	inst, tmpl, table, err := e.load(ctx, rctx, instanceID)
	if err != nil {
		return model.StepResult{}, err
	}
	if d.StepIndex != nil {
		if _, ok := tmpl.Step(*d.StepIndex); !ok {
			return model.StepResult{}, model.NewInvalidArgumentError("step_index", fmt.Sprintf(
				"template %q has no step %d", tmpl.ID, *d.StepIndex))
		}
	}
	mapping := tmpl.Statuses.WithDefaults()
	span.SetAttributes(append(observability.EntityAttributes(inst.Entity), observability.AttrTemplateID.String(tmpl.ID))...)

	var (
		replayed bool
		waited   time.Duration
	)

	// 3. Under the entity lock, re-read the instance and build the change.
	change, err := e.log.Mutate(ctx, inst.Entity, table.Initial(), func(st audit.State) (*model.Change, error) {
		cur, err := e.store.GetInstance(ctx, rctx.TenantID, instanceID)
		if err != nil {
			return nil, err
		}
		results, err := e.store.GetStepResults(ctx, instanceID)
		if err != nil {
			return nil, err
		}

		// 3a. Retried decisions return the stored result.
		prev, ok, err := e.replay(rctx, cur, tmpl, results, d, action)
		if err != nil {
			return nil, err
		}
		if ok {
			out, replayed = prev, true
			return nil, nil
		}

		// 3b. The instance must be active and the caller must see its current step.
		if cur.Status.Terminal() {
			return nil, model.NewInstanceNotActiveError(cur.ID, cur.Status)
		}
		idx := cur.CurrentStepIndex
		if d.StepIndex != nil && *d.StepIndex != idx {
			return nil, model.NewStaleStateError(fmt.Sprintf(
				"instance %q is at step %d, not %d", cur.ID, idx, *d.StepIndex))
		}
		step, _ := tmpl.Step(idx)
		current, ok := resultAt(results, idx)
		if !ok {
			return nil, model.NewInternalError()
		}

		// 3c. Authorize.
		if err := e.gate.Authorize(rctx, cur, step, &current); err != nil {
			return nil, err
		}

		// 3d. Decide the step and move the instance.
		now := e.now()
		decided := current
		decided.ActorID = rctx.SubjectID
		decided.DecidedAt = &now
		decided.Comment = d.Comment

		next := cur
		next.Version++
		next.UpdatedAt = now
		steps := []model.StepResult{decided}
		var newStatus model.Status

		switch {
		case action == model.ActionRejected:
			decided.Status = model.StepRejected
			next.Status = model.InstanceCancelled
			next.ClosedAt = &now
			newStatus = mapping.Rejected
		case tmpl.IsLast(idx):
			decided.Status = model.StepApproved
			next.Status = model.InstanceCompleted
			next.ClosedAt = &now
			newStatus = mapping.Approved
		default:
			decided.Status = model.StepApproved
			next.CurrentStepIndex = idx + 1
			steps = append(steps, model.StepResult{
				InstanceID: cur.ID, StepIndex: idx + 1, Status: model.StepPending, CreatedAt: now,
			})
			newStatus = mapping.InReview
		}
		steps[0] = decided

		// 3e. Status-changing records must pass the guard.
		if newStatus != st.Status {
			if err := table.Check(st.Status, newStatus); err != nil {
				return nil, err
			}
		}

		out = decided
		waited = now.Sub(current.CreatedAt)
		return &model.Change{
			Record: model.AuditRecord{
				Action:     action,
				ActorID:    rctx.SubjectID,
				NewStatus:  newStatus,
				Comment:    d.Comment,
				InstanceID: cur.ID,
				Metadata:   map[string]string{"step_index": strconv.Itoa(idx), "step_name": step.Name},
			},
			Instance: &next,
			Steps:    steps,
		}, nil
	})
	if err != nil {
		e.countStale(inst.Entity, err)
		return model.StepResult{}, err
	}
	if replayed {
		observability.RequestLogger(ctx, e.logger).Debug("decision replayed",
			zap.String("instance_id", instanceID), zap.Int("step_index", out.StepIndex))
		return out, nil
	}

	// 4. Record and announce.
	next := *change.Instance
	e.metrics.RecordStepDecision(tmpl.ID, string(action), waited)
	evt := notify.EventStepApproved
	if action == model.ActionRejected {
		evt = notify.EventStepRejected
	}
	e.emit(ctx, evt, next, intPtr(out.StepIndex), change.Record)
	if next.Status.Terminal() {
		e.metrics.RecordWorkflowCompletion(tmpl.ID, string(next.Status))
		if next.Status == model.InstanceCompleted {
			e.emit(ctx, notify.EventWorkflowCompleted, next, intPtr(out.StepIndex), change.Record)
		}
	}
	return out, nil
}

// replay reports whether a decision is a retry of one already recorded. With
// a pinned step index the pinned step must already carry the same decision by
// the same actor. Without one, the previously decided step must match and the
// actor must have nothing left to do: the instance is closed or its current
// step is not theirs. When that cannot be decided, for instance because
// capabilities cannot be resolved, the error is returned.
func (e *Engine) replay(
	rctx *model.RequestContext,
	inst model.WorkflowInstance,
	tmpl model.WorkflowTemplate,
	results []model.StepResult,
	d model.Decision,
	action model.Action,
) (model.StepResult, bool, error) {
	want := model.StepApproved
	if action == model.ActionRejected {
		want = model.StepRejected
	}
	same := func(r model.StepResult) bool {
		return r.Status == want && r.ActorID == rctx.SubjectID
	}

	if d.StepIndex != nil {
		r, ok := resultAt(results, *d.StepIndex)
		return r, ok && same(r), nil
	}

	prevIdx := inst.CurrentStepIndex - 1
	if inst.Status.Terminal() {
		prevIdx = inst.CurrentStepIndex
	}
	prev, ok := resultAt(results, prevIdx)
	if !ok || !same(prev) {
		return model.StepResult{}, false, nil
	}
	if inst.Status.Terminal() {
		return prev, true, nil
	}
	step, _ := tmpl.Step(inst.CurrentStepIndex)
	current, _ := resultAt(results, inst.CurrentStepIndex)
	switch err := e.gate.Authorize(rctx, inst, step, &current); {
	case err == nil:
		return model.StepResult{}, false, nil
	case model.IsCode(err, model.ErrStepUnauthorized):
		return prev, true, nil
	default:
		return model.StepResult{}, false, err
	}
}

// CancelInstance closes an active instance and moves the entity to the
// template's cancelled status. Requires the cancel capability and a reason.
func (e *Engine) CancelInstance(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
	reason string,
) (out model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.cancel", observability.AttrInstanceID.String(instanceID))
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := checkActor(rctx); err != nil {
		return model.WorkflowInstance{}, err
	}
	if strings.TrimSpace(reason) == "" {
		return model.WorkflowInstance{}, model.NewInvalidArgumentError("reason", "a reason is required to cancel an instance")
	}
	if err := e.gate.Require(rctx, model.CapCancelInstance); err != nil {
		return model.WorkflowInstance{}, err
	}

	inst, tmpl, table, err := e.load(ctx, rctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	mapping := tmpl.Statuses.WithDefaults()

	change, err := e.log.Mutate(ctx, inst.Entity, table.Initial(), func(st audit.State) (*model.Change, error) {
		cur, err := e.store.GetInstance(ctx, rctx.TenantID, instanceID)
		if err != nil {
			return nil, err
		}
		if cur.Status.Terminal() {
			return nil, model.NewInstanceNotActiveError(cur.ID, cur.Status)
		}
		if mapping.Cancelled != st.Status {
			if err := table.Check(st.Status, mapping.Cancelled); err != nil {
				return nil, err
			}
		}
		now := e.now()
		next := cur
		next.Status = model.InstanceCancelled
		next.ClosedAt = &now
		next.UpdatedAt = now
		next.Version++
		return &model.Change{
			Record: model.AuditRecord{
				Action:     model.ActionCancelled,
				ActorID:    rctx.SubjectID,
				NewStatus:  mapping.Cancelled,
				Comment:    reason,
				InstanceID: cur.ID,
				Metadata:   map[string]string{"step_index": strconv.Itoa(cur.CurrentStepIndex)},
			},
			Instance: &next,
		}, nil
	})
	if err != nil {
		e.countStale(inst.Entity, err)
		return model.WorkflowInstance{}, err
	}

	out = *change.Instance
	e.metrics.RecordStepDecision(tmpl.ID, string(model.ActionCancelled), 0)
	e.metrics.RecordWorkflowCompletion(tmpl.ID, string(out.Status))
	e.emit(ctx, notify.EventWorkflowCancelled, out, intPtr(out.CurrentStepIndex), change.Record)
	return out, nil
}

// ReassignStep hands the current step to a specific user. The entity status
// does not change; the Reassigned record carries the reason.
func (e *Engine) ReassignStep(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
	r model.Reassignment,
) (out model.StepResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.reassign", observability.AttrInstanceID.String(instanceID))
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := checkActor(rctx); err != nil {
		return model.StepResult{}, err
	}
	if strings.TrimSpace(r.UserID) == "" {
		return model.StepResult{}, model.NewInvalidArgumentError("user_id", "user_id is required")
	}
	if strings.TrimSpace(r.Reason) == "" {
		return model.StepResult{}, model.NewInvalidArgumentError("reason", "a reason is required to reassign a step")
	}
	if err := e.gate.Require(rctx, model.CapReassignStep); err != nil {
		return model.StepResult{}, err
	}

	inst, tmpl, table, err := e.load(ctx, rctx, instanceID)
	if err != nil {
		return model.StepResult{}, err
	}

	change, err := e.log.Mutate(ctx, inst.Entity, table.Initial(), func(st audit.State) (*model.Change, error) {
		cur, err := e.store.GetInstance(ctx, rctx.TenantID, instanceID)
		if err != nil {
			return nil, err
		}
		if cur.Status.Terminal() {
			return nil, model.NewInstanceNotActiveError(cur.ID, cur.Status)
		}
		results, err := e.store.GetStepResults(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		current, ok := resultAt(results, cur.CurrentStepIndex)
		if !ok {
			return nil, model.NewInternalError()
		}

		now := e.now()
		assignee := model.User(r.UserID)
		current.Assignee = &assignee
		next := cur
		next.UpdatedAt = now
		next.Version++
		out = current
		return &model.Change{
			Record: model.AuditRecord{
				Action:     model.ActionReassigned,
				ActorID:    rctx.SubjectID,
				NewStatus:  st.Status,
				Comment:    r.Reason,
				InstanceID: cur.ID,
				Metadata: map[string]string{
					"step_index": strconv.Itoa(cur.CurrentStepIndex),
					"assignee":   r.UserID,
				},
			},
			Instance: &next,
			Steps:    []model.StepResult{current},
		}, nil
	})
	if err != nil {
		e.countStale(inst.Entity, err)
		return model.StepResult{}, err
	}

	e.metrics.RecordStepDecision(tmpl.ID, string(model.ActionReassigned), 0)
	e.emit(ctx, notify.EventStepReassigned, *change.Instance, intPtr(out.StepIndex), change.Record)
	return out, nil
}

// ApplyGuardedTransition moves an entity directly to another status of its
// table, outside any workflow instance. Entities with an Active instance are
// left to the instance: the transition fails with CONFLICT.
func (e *Engine) ApplyGuardedTransition(
	ctx context.Context,
	rctx *model.RequestContext,
	req model.TransitionRequest,
) (rec model.AuditRecord, err error) {
	ctx, span := observability.StartSpan(ctx, "guard.transition", observability.EntityAttributes(req.Entity)...)
	defer func() {
		result := "ok"
		if err != nil {
			result = model.CodeOf(err)
		}
		e.metrics.RecordGuardedTransition(req.Entity.Type, result)
		observability.EndSpanWithError(span, err)
	}()

	// 1. Validate the request against the entity type's table.
	if err := checkActor(rctx); err != nil {
		return model.AuditRecord{}, err
	}
	if err := req.Entity.Validate(); err != nil {
		return model.AuditRecord{}, err
	}
	table, err := e.guards.MustLookup(req.Entity.Type)
	if err != nil {
		return model.AuditRecord{}, err
	}
	if !table.Has(req.To) {
		return model.AuditRecord{}, model.NewInvalidArgumentError("to", fmt.Sprintf(
			"%q is not a status of %s", req.To, table.EntityType()))
	}
	if req.ExpectedFrom != "" && !table.Has(req.ExpectedFrom) {
		return model.AuditRecord{}, model.NewInvalidArgumentError("expected_from", fmt.Sprintf(
			"%q is not a status of %s", req.ExpectedFrom, table.EntityType()))
	}
	action := req.Action
	if action == "" {
		action = model.ActionApproved
	}
	if !action.Valid() || action == model.ActionReassigned {
		return model.AuditRecord{}, model.NewInvalidArgumentError("action", fmt.Sprintf(
			"action %q cannot drive a status transition", action))
	}

	// 2. Capability and confirmation.
	if capability := table.Capability(); capability != "" {
		if err := e.gate.Require(rctx, capability); err != nil {
			return model.AuditRecord{}, err
		}
	}
	if table.RequiresConfirmation(req.To) && !req.Confirmed {
		return model.AuditRecord{}, model.NewInvalidArgumentError("confirmed", fmt.Sprintf(
			"moving %s to %s requires confirmation", req.Entity, req.To))
	}

	// 3. Check and commit under the entity lock.
	change, err := e.log.Mutate(ctx, req.Entity, table.Initial(), func(st audit.State) (*model.Change, error) {
		if req.ExpectedFrom != "" && req.ExpectedFrom != st.Status {
			return nil, model.NewStaleStateError(fmt.Sprintf(
				"%s is %s, not %s", req.Entity, st.Status, req.ExpectedFrom))
		}
		if err := table.Check(st.Status, req.To); err != nil {
			return nil, err
		}
		return &model.Change{
			Record: model.AuditRecord{
				Action:    action,
				ActorID:   rctx.SubjectID,
				NewStatus: req.To,
				Comment:   req.Comment,
				Metadata:  req.Metadata,
			},
			OutsideWorkflow: true,
		}, nil
	})
	if err != nil {
		e.countStale(req.Entity, err)
		return model.AuditRecord{}, err
	}

	rec = change.Record
	if len(req.Metadata) > 0 {
		observability.RequestLogger(ctx, e.logger).Debug("guarded transition metadata",
			zap.String("entity", req.Entity.Key()),
			zap.Any("metadata", observability.RedactMetadata(req.Metadata)),
		)
	}
	e.emitRecord(ctx, notify.EventStatusChanged, rctx.TenantID, rec)
	return rec, nil
}

// load reads an instance with its pinned template version and table.
func (e *Engine) load(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
) (model.WorkflowInstance, model.WorkflowTemplate, *guard.Table, error) {
	if instanceID == "" {
		return model.WorkflowInstance{}, model.WorkflowTemplate{}, nil, model.NewInvalidArgumentError("instance_id", "instance_id is required")
	}
	inst, err := e.store.GetInstance(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, model.WorkflowTemplate{}, nil, err
	}
	tmpl, err := e.store.GetTemplate(ctx, inst.TemplateID, inst.TemplateVersion)
	if err != nil {
		return model.WorkflowInstance{}, model.WorkflowTemplate{}, nil, err
	}
	return inst, tmpl, e.tableFor(tmpl.EntityType), nil
}

// tableFor returns the entity type's table, registering the default approval
// lifecycle for types that declare none.
func (e *Engine) tableFor(entityType string) *guard.Table {
	if t, ok := e.guards.Lookup(entityType); ok {
		return t
	}
	return e.guards.Ensure(guard.DefaultLifecycle(entityType))
}

func (e *Engine) countStale(ref model.EntityRef, err error) {
	if model.IsCode(err, model.ErrStaleState) {
		e.metrics.RecordStaleState(ref.Type)
	}
}

func checkActor(rctx *model.RequestContext) error {
	if rctx == nil {
		return model.NewUnauthorizedError("no authenticated actor")
	}
	if err := rctx.Validate(); err != nil {
		return model.NewUnauthorizedError(err.Error())
	}
	return nil
}

func resultAt(results []model.StepResult, idx int) (model.StepResult, bool) {
	for _, r := range results {
		if r.StepIndex == idx {
			return r, true
		}
	}
	return model.StepResult{}, false
}

func intPtr(i int) *int { return &i }

// emit informs the notifier about an instance change. Failures are logged
// and never reach the caller.
func (e *Engine) emit(ctx context.Context, typ notify.EventType, inst model.WorkflowInstance, step *int, rec model.AuditRecord) {
	e.deliver(ctx, notify.Event{
		Type:       typ,
		TenantID:   inst.TenantID,
		Entity:     inst.Entity,
		InstanceID: inst.ID,
		TemplateID: inst.TemplateID,
		StepIndex:  step,
		ActorID:    rec.ActorID,
		Record:     &rec,
		OccurredAt: rec.PerformedAt,
	})
}

func (e *Engine) emitRecord(ctx context.Context, typ notify.EventType, tenantID string, rec model.AuditRecord) {
	e.deliver(ctx, notify.Event{
		Type:       typ,
		TenantID:   tenantID,
		Entity:     rec.Entity,
		ActorID:    rec.ActorID,
		Record:     &rec,
		OccurredAt: rec.PerformedAt,
	})
}

func (e *Engine) deliver(ctx context.Context, evt notify.Event) {
	evt.Trace = map[string]string{}
	observability.InjectTraceCarrier(ctx, evt.Trace)
	if err := e.notifier.Notify(ctx, evt); err != nil {
		observability.RequestLogger(ctx, e.logger).Warn("notification failed",
			zap.String("event_type", string(evt.Type)),
			zap.String("entity", evt.Entity.Key()),
			zap.Error(err),
		)
	}
}

// spanAttrs is shared by the read paths.
func spanAttrs(rctx *model.RequestContext) []attribute.KeyValue {
	if rctx == nil {
		return nil
	}
	return []attribute.KeyValue{
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrSubjectID.String(rctx.SubjectID),
	}
}
