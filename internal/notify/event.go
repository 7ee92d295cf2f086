// Package notify delivers post-commit workflow events to collaborators.
// Delivery is best effort: the engine logs and counts failures but never
// returns them to the caller whose transition already committed.
package notify

import (
	"context"
	"time"

	"github.com/pitabwire/signoff/model"
)

// EventType names what happened.
type EventType string

// Event types.
const (
	EventWorkflowStarted   EventType = "workflow.started"
	EventStepApproved      EventType = "step.approved"
	EventStepRejected      EventType = "step.rejected"
	EventWorkflowCompleted EventType = "workflow.completed"
	EventWorkflowCancelled EventType = "workflow.cancelled"
	EventStepReassigned    EventType = "step.reassigned"
	EventStatusChanged     EventType = "status.changed"
	EventStepOverdue       EventType = "step.overdue"
)

// Event is one notification. Record is nil for events that are not backed by
// an audit record (step.overdue).
type Event struct {
	Type       EventType          `json:"type"`
	TenantID   string             `json:"tenant_id,omitempty"`
	Entity     model.EntityRef    `json:"entity"`
	InstanceID string             `json:"instance_id,omitempty"`
	TemplateID string             `json:"template_id,omitempty"`
	StepIndex  *int               `json:"step_index,omitempty"`
	ActorID    string             `json:"actor_id,omitempty"`
	Record     *model.AuditRecord `json:"record,omitempty"`
	OccurredAt time.Time          `json:"occurred_at"`
	// Trace carries W3C trace context so subscribers can continue the trace.
	Trace map[string]string `json:"trace,omitempty"`
}

// Notifier receives events.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, event Event) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, event Event) error { return f(ctx, event) }

// Nop discards every event.
var Nop Notifier = NotifierFunc(func(context.Context, Event) error { return nil })
