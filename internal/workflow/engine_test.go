package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/signoff/internal/guard"
	"github.com/pitabwire/signoff/internal/notify"
	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/model"
)

// --- Test helpers ---

type staticCaps map[string]model.CapabilitySet

func (s staticCaps) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	return s[rctx.SubjectID], nil
}

func (staticCaps) Invalidate(string, string) {}

// switchCaps fails every resolution while down is set.
type switchCaps struct {
	staticCaps
	down atomic.Bool
}

func (s *switchCaps) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	if s.down.Load() {
		return nil, errors.New("policy backend down")
	}
	return s.staticCaps.Resolve(rctx)
}

// recorder collects delivered event types.
type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, evt notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recorder) types() []notify.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func actor(id string, roles ...string) *model.RequestContext {
	return &model.RequestContext{SubjectID: id, TenantID: "acme", Roles: roles}
}

var (
	promoter = actor("p-1", "promoter")
	notary   = actor("n-1", "notary")
	admin    = actor("admin-1", "admin")
	outsider = &model.RequestContext{SubjectID: "p-9", TenantID: "globex", Roles: []string{"promoter"}}
	unit     = model.EntityRef{Type: "sale", ID: "unit-42"}
)

// unitTable is a template-free lifecycle for guarded transitions.
func unitTable() *guard.Table {
	return guard.MustCompile(model.EntityTypeDefinition{
		Name:       "unit",
		Initial:    "Available",
		Capability: "units:manage",
		Statuses: []model.StatusDefinition{
			{Name: "Available", Next: []model.Status{"Reserved"}},
			{Name: "Reserved", Next: []model.Status{"Available", "Sold"}},
			{Name: "Sold", RequiresConfirmation: true},
		},
	})
}

type fixture struct {
	engine  *Engine
	store   *MemoryStore
	events  *recorder
	metrics *observability.Metrics
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   NewMemoryStore(),
		events:  &recorder{},
		metrics: observability.InitMetrics(prometheus.NewRegistry()),
		clock:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	caps := staticCaps{
		"admin-1": {
			model.CapCancelInstance:  true,
			model.CapReassignStep:    true,
			model.CapOverrideStep:    true,
			model.CapManageTemplates:  true,
			model.CapTransitionEntity: true,
			"units:manage":            true,
		},
	}
	var mu sync.Mutex
	f.engine = NewEngine(f.store, guard.NewRegistry(unitTable()), caps,
		WithNotifier(f.events),
		WithMetrics(f.metrics),
		WithClock(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			f.clock = f.clock.Add(time.Minute)
			return f.clock
		}),
	)

	_, err := f.engine.PublishTemplate(context.Background(), admin, model.WorkflowTemplate{
		ID:         "unit-sale",
		Name:       "Unit sale",
		Version:    1,
		EntityType: "sale",
		Steps: []model.StepDefinition{
			{Name: "Promoter review", Approver: model.Role("promoter"), Mandatory: true},
			{Name: "Notary", Approver: model.Role("notary"), Mandatory: true},
		},
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) start(t *testing.T) model.WorkflowInstance {
	t.Helper()
	inst, err := f.engine.StartInstance(context.Background(), promoter, "unit-sale", unit)
	require.NoError(t, err)
	return inst
}

func (f *fixture) status(t *testing.T, ref model.EntityRef) model.Status {
	t.Helper()
	view, err := f.engine.EntityStatus(context.Background(), ref)
	require.NoError(t, err)
	return view.Status
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, model.CodeOf(err), "error: %v", err)
}

func pin(i int) *int { return &i }

// --- Tests ---

func TestEngine_PromoterNotaryApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst := f.start(t)
	assert.Equal(t, model.InstanceActive, inst.Status)
	assert.Equal(t, 0, inst.CurrentStepIndex)
	assert.Equal(t, model.StatusPendingReview, f.status(t, unit))

	first, err := f.engine.ApproveStep(ctx, promoter, inst.ID, model.Decision{Comment: "numbers check out"})
	require.NoError(t, err)
	assert.Equal(t, model.StepApproved, first.Status)
	assert.Equal(t, "p-1", first.ActorID)
	assert.Equal(t, model.StatusInReview, f.status(t, unit))

	desc, err := f.engine.GetInstance(ctx, notary, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, desc.Instance.CurrentStepIndex)
	assert.Equal(t, 50, desc.Progress)
	require.NotNil(t, desc.CurrentStep)
	assert.True(t, desc.CurrentStep.CanAct)
	assert.Equal(t, "Notary", desc.CurrentStep.Name)

	_, err = f.engine.ApproveStep(ctx, notary, inst.ID, model.Decision{})
	require.NoError(t, err)

	desc, err = f.engine.GetInstance(ctx, notary, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceCompleted, desc.Instance.Status)
	assert.NotNil(t, desc.Instance.ClosedAt)
	assert.Equal(t, 100, desc.Progress)
	assert.Nil(t, desc.CurrentStep)
	assert.Equal(t, model.StatusApproved, f.status(t, unit))

	history, err := f.engine.GetHistory(ctx, unit, model.Page{})
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []model.Action{model.ActionSubmitted, model.ActionApproved, model.ActionApproved},
		[]model.Action{history[0].Action, history[1].Action, history[2].Action})
	assert.Equal(t, model.StatusDraft, history[0].PreviousStatus)
	assert.Equal(t, inst.ID, history[2].InstanceID)

	n, err := f.engine.VerifyHistory(ctx, unit)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, []notify.EventType{
		notify.EventWorkflowStarted,
		notify.EventStepApproved,
		notify.EventStepApproved,
		notify.EventWorkflowCompleted,
	}, f.events.types())

	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.WorkflowStartsTotal.WithLabelValues("unit-sale")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.WorkflowCompletionsTotal.WithLabelValues("unit-sale", "Completed")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(f.metrics.WorkflowActiveInstances.WithLabelValues("unit-sale")), 0)
}

func TestEngine_ApproveWrongRole(t *testing.T) {
	f := newFixture(t)
	inst := f.start(t)

	_, err := f.engine.ApproveStep(context.Background(), notary, inst.ID, model.Decision{})
	requireCode(t, err, model.ErrStepUnauthorized)
	assert.Equal(t, model.StatusPendingReview, f.status(t, unit))
}

func TestEngine_RejectRequiresReason(t *testing.T) {
	f := newFixture(t)
	inst := f.start(t)

	_, err := f.engine.RejectStep(context.Background(), promoter, inst.ID, model.Decision{Comment: "  "})
	requireCode(t, err, model.ErrInvalidArgument)
}

func TestEngine_RejectCancelsInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.start(t)

	res, err := f.engine.RejectStep(ctx, promoter, inst.ID, model.Decision{Comment: "price is wrong"})
	require.NoError(t, err)
	assert.Equal(t, model.StepRejected, res.Status)
	assert.Equal(t, "price is wrong", res.Comment)
	assert.Equal(t, model.StatusRejected, f.status(t, unit))

	desc, err := f.engine.GetInstance(ctx, promoter, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceCancelled, desc.Instance.Status)
	assert.Equal(t, 0, desc.Progress)

	_, err = f.engine.ApproveStep(ctx, notary, inst.ID, model.Decision{})
	requireCode(t, err, model.ErrInstanceNotActive)

	// A rejected entity can be resubmitted.
	again, err := f.engine.StartInstance(ctx, promoter, "unit-sale", unit)
	require.NoError(t, err)
	assert.NotEqual(t, inst.ID, again.ID)
	assert.Equal(t, model.StatusPendingReview, f.status(t, unit))
}

func TestEngine_ApprovedEntityCannotRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.start(t)
	_, err := f.engine.ApproveStep(ctx, promoter, inst.ID, model.Decision{})
	require.NoError(t, err)
	_, err = f.engine.ApproveStep(ctx, notary, inst.ID, model.Decision{})
	require.NoError(t, err)

	_, err = f.engine.StartInstance(ctx, promoter, "unit-sale", unit)
	requireCode(t, err, model.ErrIllegalTransition)
}

func TestEngine_SecondActiveInstanceConflicts(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	_, err := f.engine.StartInstance(context.Background(), promoter, "unit-sale", unit)
	requireCode(t, err, model.ErrConflict)
}

func TestEngine_StartValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.StartInstance(ctx, promoter, "missing", unit)
	requireCode(t, err, model.ErrNotFound)

	_, err = f.engine.StartInstance(ctx, promoter, "unit-sale", model.EntityRef{Type: "invoice", ID: "1"})
	requireCode(t, err, model.ErrInvalidArgument)

	_, err = f.engine.StartInstance(ctx, promoter, "unit-sale", model.EntityRef{Type: "sale"})
	requireCode(t, err, model.ErrInvalidArgument)

	_, err = f.engine.StartInstance(ctx, &model.RequestContext{SubjectID: "x"}, "unit-sale", unit)
	requireCode(t, err, model.ErrUnauthorized)
}

func TestEngine_RetriedApprovalIsReplayed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.start(t)

	first, err := f.engine.ApproveStep(ctx, promoter, inst.ID, model.Decision{})
	require.NoError(t, err)

	again, err := f.engine.ApproveStep(ctx, promoter, inst.ID, model.Decision{})
	require.NoError(t, err)
	assert.Equal(t, first, again)

	pinned, err := f.engine.ApproveStep(ctx, promoter, inst.ID, model.Decision{StepIndex: pin(0)})
	require.NoError(t, err)
	assert.Equal(t, first, pinned)

	history, err := f.engine.GetHistory(ctx, unit, model.Page{})
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestEngine_ReplayAfterCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.start(t)
	_, err := f.engine.ApproveStep(ctx, promoter, inst.ID, model.Decision{})
	require.NoError(t, err)
	last, err := f.engine.ApproveStep(ctx, notary, inst.ID, model.Decision{})
	require.NoError(t, err)

	again, err := f.engine.ApproveStep(ctx, notary, inst.ID, model.Decision{})
	require.NoError(t, err)
	assert.Equal(t, last, again)

	_, err = f.engine.ApproveStep(ctx, actor("n-2", "notary"), inst.ID, model.Decision{})
	requireCode(t, err, model.ErrInstanceNotActive)
}

func TestEngine_PinnedStaleStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.start(t)
	_, err := f.engine.ApproveStep(ctx, promoter, inst.ID, model.Decision{})
	require.NoError(t, err)

	_, err = f.engine.ApproveStep(ctx, notary, inst.ID, model.Decision{StepIndex: pin(0)})
	requireCode(t, err, model.ErrStaleState)
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.StaleStateTotal.WithLabelValues("sale")), 0)

	_, err = f.engine.ApproveStep(ctx, notary, inst.ID, model.Decision{StepIndex: pin(5)})
	requireCode(t, err, model.ErrInvalidArgument)
}

func TestEngine_ConcurrentPinnedApprovals(t *testing.T) {
	f := newFixture(t)
	inst := f.start(t)

	const workers = 10
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		codes = map[string]int{}
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			who := actor(fmt.Sprintf("p-%d", i+10), "promoter")
			_, err := f.engine.ApproveStep(context.Background(), who, inst.ID, model.Decision{StepIndex: pin(0)})
			code := "ok"
			if err != nil {
				code = model.CodeOf(err)
			}
			mu.Lock()
			codes[code]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, map[string]int{"ok": 1, model.ErrStaleState: workers - 1}, codes)
	history, err := f.engine.GetHistory(context.Background(), unit, model.Page{})
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestEngine_ConcurrentStarts(t *testing.T) {
	f := newFixture(t)

	const workers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		codes   []string
		started []string
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := f.engine.StartInstance(context.Background(), promoter, "unit-sale", unit)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				codes = append(codes, model.CodeOf(err))
				return
			}
			ok++
			started = append(started, inst.ID)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	for _, c := range codes {
		assert.Equal(t, model.ErrConflict, c)
	}
	assert.Equal(t, 1, f.store.Len())
}

func TestEngine_TenantIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.start(t)

	_, err := f.engine.GetInstance(ctx, outsider, inst.ID)
	requireCode(t, err, model.ErrNotFound)

	_, err = f.engine.ApproveStep(ctx, outsider, inst.ID, model.Decision{})
	requireCode(t, err, model.ErrNotFound)

	list, total, err := f.engine.ListInstances(ctx, outsider, model.InstanceFilters{})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Zero(t, total)

	list, total, err = f.engine.ListInstances(ctx, promoter, model.InstanceFilters{EntityType: "sale"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, list, 1)
	assert.Equal(t, "Unit sale", list[0].TemplateName)
}

func TestEngine_CancelInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.start(t)

	_, err := f.engine.CancelInstance(ctx, promoter, inst.ID, "buyer withdrew")
	requireCode(t, err, model.ErrForbidden)

	_, err = f.engine.CancelInstance(ctx, admin, inst.ID, "")
	requireCode(t, err, model.ErrInvalidArgument)

	out, err := f.engine.CancelInstance(ctx, admin, inst.ID, "buyer withdrew")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceCancelled, out.Status)
	assert.Equal(t, model.StatusCancelled, f.status(t, unit))

	_, err = f.engine.CancelInstance(ctx, admin, inst.ID, "again")
	requireCode(t, err, model.ErrInstanceNotActive)

	history, err := f.engine.GetHistory(ctx, unit, model.Page{})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, model.ActionCancelled, history[1].Action)
	assert.Equal(t, "buyer withdrew", history[1].Comment)
	assert.Contains(t, f.events.types(), notify.EventWorkflowCancelled)
}

func TestEngine_ReassignStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.start(t)

	_, err := f.engine.ReassignStep(ctx, promoter, inst.ID, model.Reassignment{UserID: "u-9", Reason: "on leave"})
	requireCode(t, err, model.ErrForbidden)

	_, err = f.engine.ReassignStep(ctx, admin, inst.ID, model.Reassignment{UserID: "u-9"})
	requireCode(t, err, model.ErrInvalidArgument)

	res, err := f.engine.ReassignStep(ctx, admin, inst.ID, model.Reassignment{UserID: "u-9", Reason: "on leave"})
	require.NoError(t, err)
	require.NotNil(t, res.Assignee)
	assert.Equal(t, "u-9", res.Assignee.User)
	assert.Equal(t, model.StatusPendingReview, f.status(t, unit))

	_, err = f.engine.ApproveStep(ctx, promoter, inst.ID, model.Decision{})
	requireCode(t, err, model.ErrStepUnauthorized)

	_, err = f.engine.ApproveStep(ctx, actor("u-9"), inst.ID, model.Decision{})
	require.NoError(t, err)

	history, err := f.engine.GetHistory(ctx, unit, model.Page{})
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, model.ActionReassigned, history[1].Action)
	assert.Equal(t, history[1].PreviousStatus, history[1].NewStatus)
	assert.Equal(t, "u-9", history[1].Metadata["assignee"])
}

func TestEngine_OverrideOptionalStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.PublishTemplate(ctx, admin, model.WorkflowTemplate{
		ID: "unit-sale", Name: "Unit sale", Version: 2, EntityType: "sale",
		Steps: []model.StepDefinition{
			{Name: "Buyer ack", Approver: model.Role("buyer"), Mandatory: false},
			{Name: "Notary", Approver: model.Role("notary"), Mandatory: true},
		},
	})
	require.NoError(t, err)
	inst := f.start(t)
	assert.Equal(t, 2, inst.TemplateVersion)

	_, err = f.engine.ApproveStep(ctx, admin, inst.ID, model.Decision{Comment: "buyer unreachable"})
	require.NoError(t, err)

	_, err = f.engine.ApproveStep(ctx, admin, inst.ID, model.Decision{StepIndex: pin(1)})
	requireCode(t, err, model.ErrStepUnauthorized)
}

func TestEngine_PublishTemplate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := model.WorkflowTemplate{
		ID: "unit-sale", Name: "Unit sale", Version: 1, EntityType: "sale",
		Steps: []model.StepDefinition{
			{Name: "Promoter review", Approver: model.Role("promoter"), Mandatory: true},
			{Name: "Notary", Approver: model.Role("notary"), Mandatory: true},
		},
	}

	t.Run("same content is a no-op", func(t *testing.T) {
		out, err := f.engine.PublishTemplate(ctx, admin, base)
		require.NoError(t, err)
		assert.Equal(t, 1, out.Version)
	})

	t.Run("different content same version", func(t *testing.T) {
		changed := base
		changed.Name = "Renamed"
		_, err := f.engine.PublishTemplate(ctx, admin, changed)
		requireCode(t, err, model.ErrConflict)
	})

	t.Run("missing capability", func(t *testing.T) {
		next := base
		next.Version = 2
		_, err := f.engine.PublishTemplate(ctx, promoter, next)
		requireCode(t, err, model.ErrForbidden)
	})

	t.Run("invalid approver", func(t *testing.T) {
		bad := base
		bad.ID = "broken"
		bad.Steps = []model.StepDefinition{{Name: "x", Approver: model.ApproverSpec{Role: "a", User: "b"}}}
		_, err := f.engine.PublishTemplate(ctx, admin, bad)
		requireCode(t, err, model.ErrValidationError)
	})

	t.Run("running instances keep their version", func(t *testing.T) {
		inst := f.start(t)
		next := base
		next.Version = 2
		next.Steps = base.Steps[:1]
		_, err := f.engine.PublishTemplate(ctx, admin, next)
		require.NoError(t, err)

		_, err = f.engine.ApproveStep(ctx, promoter, inst.ID, model.Decision{})
		require.NoError(t, err)
		desc, err := f.engine.GetInstance(ctx, promoter, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, model.InstanceActive, desc.Instance.Status)
		assert.Len(t, desc.Steps, 2)
	})

	t.Run("older version", func(t *testing.T) {
		old := base
		old.Version = 1
		old.Name = "Older"
		_, err := f.engine.PublishTemplate(ctx, admin, old)
		requireCode(t, err, model.ErrConflict)
	})

	list, err := f.engine.ListTemplates(ctx, model.TemplateFilters{EntityType: "sale"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].Version)
}

func TestEngine_GuardedTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := model.EntityRef{Type: "unit", ID: "A-101"}

	view, err := f.engine.EntityStatus(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, model.Status("Available"), view.Status)
	assert.Equal(t, []model.Status{"Reserved"}, view.Next)

	_, err = f.engine.ApplyGuardedTransition(ctx, admin, model.TransitionRequest{Entity: ref, To: "Sold", Confirmed: true})
	requireCode(t, err, model.ErrIllegalTransition)

	_, err = f.engine.ApplyGuardedTransition(ctx, admin, model.TransitionRequest{Entity: ref, To: "Demolished"})
	requireCode(t, err, model.ErrInvalidArgument)

	_, err = f.engine.ApplyGuardedTransition(ctx, promoter, model.TransitionRequest{Entity: ref, To: "Reserved"})
	requireCode(t, err, model.ErrForbidden)

	rec, err := f.engine.ApplyGuardedTransition(ctx, admin, model.TransitionRequest{
		Entity:   ref,
		To:       "Reserved",
		Comment:  "deposit received",
		Metadata: map[string]string{"buyer": "b-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.ActionApproved, rec.Action)
	assert.Equal(t, model.Status("Available"), rec.PreviousStatus)
	assert.Equal(t, int64(1), rec.Sequence)

	_, err = f.engine.ApplyGuardedTransition(ctx, admin, model.TransitionRequest{
		Entity: ref, To: "Sold", ExpectedFrom: "Available", Confirmed: true,
	})
	requireCode(t, err, model.ErrStaleState)

	_, err = f.engine.ApplyGuardedTransition(ctx, admin, model.TransitionRequest{Entity: ref, To: "Sold"})
	requireCode(t, err, model.ErrInvalidArgument)

	_, err = f.engine.ApplyGuardedTransition(ctx, admin, model.TransitionRequest{
		Entity: ref, To: "Sold", ExpectedFrom: "Reserved", Confirmed: true,
	})
	require.NoError(t, err)

	view, err = f.engine.EntityStatus(ctx, ref)
	require.NoError(t, err)
	assert.True(t, view.Terminal)
	assert.Empty(t, view.Next)

	_, err = f.engine.ApplyGuardedTransition(ctx, admin, model.TransitionRequest{
		Entity: model.EntityRef{Type: "parcel", ID: "1"}, To: "Reserved",
	})
	requireCode(t, err, model.ErrNotFound)

	assert.InDelta(t, 2, testutil.ToFloat64(f.metrics.GuardedTransitionsTotal.WithLabelValues("unit", "ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.GuardedTransitionsTotal.WithLabelValues("unit", model.ErrIllegalTransition)), 0)
}

func TestEngine_GuardedTransitionRejectsReassign(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.ApplyGuardedTransition(context.Background(), admin, model.TransitionRequest{
		Entity: model.EntityRef{Type: "unit", ID: "A-1"}, To: "Reserved", Action: model.ActionReassigned,
	})
	requireCode(t, err, model.ErrInvalidArgument)
}

func TestEngine_NotifierFailureDoesNotFailCommit(t *testing.T) {
	store := NewMemoryStore()
	failing := notify.NotifierFunc(func(context.Context, notify.Event) error {
		return fmt.Errorf("broker down")
	})
	e := NewEngine(store, guard.NewRegistry(unitTable()), staticCaps{"admin-1": {"units:manage": true}},
		WithNotifier(failing))

	rec, err := e.ApplyGuardedTransition(context.Background(), admin, model.TransitionRequest{
		Entity: model.EntityRef{Type: "unit", ID: "A-7"}, To: "Reserved",
	})
	require.NoError(t, err)
	assert.Equal(t, model.Status("Reserved"), rec.NewStatus)
}

func TestEngine_EntityTypes(t *testing.T) {
	f := newFixture(t)
	types := f.engine.EntityTypes()
	require.Len(t, types, 2)
	assert.Equal(t, "sale", types[0].Name)
	assert.Equal(t, model.StatusDraft, types[0].Initial)
	assert.Equal(t, "unit", types[1].Name)
	assert.Equal(t, "units:manage", types[1].Capability)
}

func TestEngine_GuardedTransitionOnTemplateEntity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.start(t)

	// The default lifecycle is gated by a capability.
	_, err := f.engine.ApplyGuardedTransition(ctx, actor("nobody", "clerk"), model.TransitionRequest{
		Entity: unit, To: model.StatusApproved,
	})
	requireCode(t, err, model.ErrForbidden)

	// Even with it, an Active instance owns the entity.
	_, err = f.engine.ApplyGuardedTransition(ctx, admin, model.TransitionRequest{
		Entity: unit, To: model.StatusApproved,
	})
	requireCode(t, err, model.ErrConflict)
	assert.Equal(t, model.StatusPendingReview, f.status(t, unit))

	// The instance is untouched and can still finish.
	_, err = f.engine.ApproveStep(ctx, promoter, inst.ID, model.Decision{})
	require.NoError(t, err)
	_, err = f.engine.ApproveStep(ctx, notary, inst.ID, model.Decision{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, f.status(t, unit))

	n, err := f.engine.VerifyHistory(ctx, unit)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestEngine_GuardedTransitionAfterInstanceCloses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.start(t)

	_, err := f.engine.CancelInstance(ctx, admin, inst.ID, "buyer withdrew")
	require.NoError(t, err)

	rec, err := f.engine.ApplyGuardedTransition(ctx, admin, model.TransitionRequest{
		Entity: unit, To: model.StatusPendingReview, Action: model.ActionSubmitted,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, rec.PreviousStatus)
	assert.Equal(t, model.StatusPendingReview, f.status(t, unit))

	// A new instance starts from the resubmitted status.
	next, err := f.engine.StartInstance(ctx, promoter, "unit-sale", unit)
	require.NoError(t, err)
	assert.NotEqual(t, inst.ID, next.ID)
}

func TestEngine_ReplayCheckSurfacesResolverFailure(t *testing.T) {
	caps := &switchCaps{staticCaps: staticCaps{
		"p-1":     {model.CapOverrideStep: true},
		"admin-1": {model.CapManageTemplates: true},
	}}
	e := NewEngine(NewMemoryStore(), guard.NewRegistry(), caps)
	ctx := context.Background()

	_, err := e.PublishTemplate(ctx, admin, model.WorkflowTemplate{
		ID: "unit-sale", Name: "Unit sale", Version: 1, EntityType: "sale",
		Steps: []model.StepDefinition{
			{Name: "Promoter review", Approver: model.Role("promoter"), Mandatory: true},
			{Name: "Buyer ack", Approver: model.Role("buyer"), Mandatory: false},
			{Name: "Notary", Approver: model.Role("notary"), Mandatory: true},
		},
	})
	require.NoError(t, err)
	inst, err := e.StartInstance(ctx, promoter, "unit-sale", unit)
	require.NoError(t, err)
	_, err = e.ApproveStep(ctx, promoter, inst.ID, model.Decision{})
	require.NoError(t, err)

	// The promoter may override the optional step; without capabilities the
	// engine cannot tell a retry from a fresh decision.
	caps.down.Store(true)
	_, err = e.ApproveStep(ctx, promoter, inst.ID, model.Decision{Comment: "buyer unreachable"})
	requireCode(t, err, model.ErrUnavailable)

	history, err := e.GetHistory(ctx, unit, model.Page{})
	require.NoError(t, err)
	assert.Len(t, history, 2)

	caps.down.Store(false)
	res, err := e.ApproveStep(ctx, promoter, inst.ID, model.Decision{Comment: "buyer unreachable"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.StepIndex)
	assert.Equal(t, "p-1", res.ActorID)
}
