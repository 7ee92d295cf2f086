package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/model"
)

func sampleEvent(t EventType) Event {
	step := 1
	return Event{
		Type:       t,
		TenantID:   "acme",
		Entity:     model.EntityRef{Type: "contract", ID: "C-1"},
		InstanceID: "inst-1",
		TemplateID: "sales.contract",
		StepIndex:  &step,
		ActorID:    "notary-7",
		Record: &model.AuditRecord{
			Sequence:       2,
			PreviousStatus: model.StatusPendingReview,
			NewStatus:      model.StatusInReview,
		},
		OccurredAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestBus_deliversToMatchingSubscribers(t *testing.T) {
	bus := NewBus()
	var all, approvals []EventType

	bus.Subscribe(func(_ context.Context, e Event) { all = append(all, e.Type) })
	unsubscribe := bus.Subscribe(func(_ context.Context, e Event) { approvals = append(approvals, e.Type) }, EventStepApproved)

	_ = bus.Notify(context.Background(), sampleEvent(EventWorkflowStarted))
	_ = bus.Notify(context.Background(), sampleEvent(EventStepApproved))

	if len(all) != 2 {
		t.Errorf("all = %v, want 2 events", all)
	}
	if len(approvals) != 1 || approvals[0] != EventStepApproved {
		t.Errorf("approvals = %v, want [step.approved]", approvals)
	}

	unsubscribe()
	unsubscribe()
	_ = bus.Notify(context.Background(), sampleEvent(EventStepApproved))
	if len(approvals) != 1 {
		t.Errorf("approvals after unsubscribe = %v", approvals)
	}
	if len(all) != 3 {
		t.Errorf("all = %v, want 3 events", all)
	}
}

func TestMulti_attemptsAllAndJoinsErrors(t *testing.T) {
	errA := errors.New("a down")
	var called int
	m := Multi{
		NotifierFunc(func(context.Context, Event) error { called++; return errA }),
		NotifierFunc(func(context.Context, Event) error { called++; return nil }),
	}

	err := m.Notify(context.Background(), sampleEvent(EventStepApproved))
	if !errors.Is(err, errA) {
		t.Errorf("err = %v, want to wrap errA", err)
	}
	if called != 2 {
		t.Errorf("called = %d, want 2", called)
	}
	if err := (Multi{Nop}).Notify(context.Background(), sampleEvent(EventStepApproved)); err != nil {
		t.Errorf("Nop err = %v", err)
	}
}

func TestLogNotifier_writesFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := NewLogNotifier(zap.New(core))

	if err := n.Notify(context.Background(), sampleEvent(EventStepApproved)); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["event_type"] != "step.approved" {
		t.Errorf("event_type = %v", fields["event_type"])
	}
	if fields["instance_id"] != "inst-1" {
		t.Errorf("instance_id = %v", fields["instance_id"])
	}
	if fields["to"] != "InReview" {
		t.Errorf("to = %v", fields["to"])
	}
}

func TestRedisPublisher_publishesJSON(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	sub := client.Subscribe(ctx, "signoff.events")
	t.Cleanup(func() { sub.Close() })
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	pub := NewRedisPublisher(client, "signoff.events")
	if err := pub.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
	if err := pub.Notify(ctx, sampleEvent(EventWorkflowCompleted)); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var got Event
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatalf("payload is not an event: %v", err)
		}
		if got.Type != EventWorkflowCompleted || got.Entity.ID != "C-1" {
			t.Errorf("event = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestRedisPublisher_serverDown(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	pub := NewRedisPublisher(client, "signoff.events")
	if err := pub.Notify(context.Background(), sampleEvent(EventStepApproved)); err == nil {
		t.Error("expected an error with the server down")
	}
}

func TestInstrumented_countsResults(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)

	failing := NotifierFunc(func(context.Context, Event) error { return errors.New("down") })
	n := Instrumented("redis", failing, metrics)
	_ = n.Notify(context.Background(), sampleEvent(EventStepApproved))

	ok := Instrumented("log", Nop, metrics)
	_ = ok.Notify(context.Background(), sampleEvent(EventStepApproved))

	if v := testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("redis", "step.approved", "error")); v != 1 {
		t.Errorf("redis errors = %v, want 1", v)
	}
	if v := testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("log", "step.approved", "ok")); v != 1 {
		t.Errorf("log ok = %v, want 1", v)
	}
	if Instrumented("x", Nop, nil) != Nop {
		t.Error("Instrumented without metrics should return the notifier unchanged")
	}
}
