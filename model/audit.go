package model

import (
	"fmt"
	"time"
)

// EntityRef identifies the business entity a workflow or guarded transition
// applies to. The engine never interprets either part.
type EntityRef struct {
	Type string `json:"entity_type" yaml:"entity_type"`
	ID   string `json:"entity_id"   yaml:"entity_id"`
}

// Validate checks that both parts of the reference are present.
func (r EntityRef) Validate() error {
	if r.Type == "" {
		return NewInvalidArgumentError("entity_type", "entity_type is required")
	}
	if r.ID == "" {
		return NewInvalidArgumentError("entity_id", "entity_id is required")
	}
	return nil
}

// Key returns a stable string form, used for locking and logging.
func (r EntityRef) Key() string {
	return r.Type + "/" + r.ID
}

func (r EntityRef) String() string {
	return r.Key()
}

// Status is a lifecycle status. Each entity type declares its own closed
// alphabet in its transition table.
type Status string

// Action is the kind of change an AuditRecord captures.
type Action string

// Audit actions.
const (
	ActionSubmitted         Action = "Submitted"
	ActionApproved          Action = "Approved"
	ActionRejected          Action = "Rejected"
	ActionRevisionRequested Action = "RevisionRequested"
	ActionReassigned        Action = "Reassigned"
	ActionCancelled         Action = "Cancelled"
)

var validActions = map[Action]bool{
	ActionSubmitted:         true,
	ActionApproved:          true,
	ActionRejected:          true,
	ActionRevisionRequested: true,
	ActionReassigned:        true,
	ActionCancelled:         true,
}

// ParseAction converts s into an Action, rejecting unknown values.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !validActions[a] {
		return "", NewInvalidArgumentError("action", fmt.Sprintf("unknown action %q", s))
	}
	return a, nil
}

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	return validActions[a]
}

// RequiresComment reports whether records of this action must carry a comment.
func (a Action) RequiresComment() bool {
	return a == ActionRejected || a == ActionCancelled || a == ActionReassigned
}

// AuditRecord is one immutable entry in an entity's history.
type AuditRecord struct {
	ID             string            `json:"id"`
	Entity         EntityRef         `json:"entity"`
	Sequence       int64             `json:"sequence"`
	Action         Action            `json:"action"`
	ActorID        string            `json:"actor_id"`
	PerformedAt    time.Time         `json:"performed_at"`
	PreviousStatus Status            `json:"previous_status"`
	NewStatus      Status            `json:"new_status"`
	Comment        string            `json:"comment,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	InstanceID     string            `json:"instance_id,omitempty"`
}

// Validate checks the fields a record must carry before it is appended.
func (r AuditRecord) Validate() error {
	if err := r.Entity.Validate(); err != nil {
		return err
	}
	if !r.Action.Valid() {
		return NewInvalidArgumentError("action", fmt.Sprintf("unknown action %q", r.Action))
	}
	if r.ActorID == "" {
		return NewInvalidArgumentError("actor_id", "actor_id is required")
	}
	if r.NewStatus == "" {
		return NewInvalidArgumentError("new_status", "new_status is required")
	}
	if r.Action.RequiresComment() && r.Comment == "" {
		return NewInvalidArgumentError("comment", fmt.Sprintf("a comment is required for %s", r.Action))
	}
	return nil
}

// Page selects a window of an entity's history. After is the sequence of the
// last record already seen (0 to start from the beginning).
type Page struct {
	After int64
	Limit int
}

// Change is the unit a store commits atomically: one audit record plus the
// instance and step results it moves.
type Change struct {
	Record AuditRecord

	// Instance is nil for template-free guarded transitions.
	Instance *WorkflowInstance
	// NewInstance marks Instance as an insert rather than a versioned update.
	NewInstance bool
	// Steps are upserted by (instance_id, step_index).
	Steps []StepResult
	// OutsideWorkflow rejects the change with CONFLICT while the entity has
	// an Active instance. Guarded transitions set it.
	OutsideWorkflow bool
}
