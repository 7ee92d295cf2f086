package model

import (
	"fmt"
	"time"
)

// InstanceStatus is the overall status of a workflow instance.
type InstanceStatus string

// Workflow instance statuses. Completed and Cancelled are terminal.
const (
	InstanceActive    InstanceStatus = "Active"
	InstanceCompleted InstanceStatus = "Completed"
	InstanceCancelled InstanceStatus = "Cancelled"
)

// Terminal reports whether no further decisions are accepted.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceCancelled
}

// ParseInstanceStatus converts s into an InstanceStatus, rejecting unknown values.
func ParseInstanceStatus(s string) (InstanceStatus, error) {
	switch InstanceStatus(s) {
	case InstanceActive, InstanceCompleted, InstanceCancelled:
		return InstanceStatus(s), nil
	}
	return "", NewInvalidArgumentError("status", fmt.Sprintf("unknown instance status %q", s))
}

// StepStatus is the decision state of one step of an instance.
type StepStatus string

// Step statuses.
const (
	StepPending  StepStatus = "Pending"
	StepApproved StepStatus = "Approved"
	StepRejected StepStatus = "Rejected"
)

// ApproverSpec names who may decide a step: exactly one of Role or User.
type ApproverSpec struct {
	Role string `json:"role,omitempty" yaml:"role,omitempty"`
	User string `json:"user,omitempty" yaml:"user,omitempty"`
}

// Role returns an approver spec matching any holder of role r.
func Role(r string) ApproverSpec { return ApproverSpec{Role: r} }

// User returns an approver spec matching the single user u.
func User(u string) ApproverSpec { return ApproverSpec{User: u} }

// Validate checks that exactly one of Role and User is set.
func (a ApproverSpec) Validate() error {
	if (a.Role == "") == (a.User == "") {
		return NewInvalidArgumentError("approver", "approver must name exactly one of role or user")
	}
	return nil
}

func (a ApproverSpec) String() string {
	if a.User != "" {
		return "User(" + a.User + ")"
	}
	return "Role(" + a.Role + ")"
}

// StepDefinition is one ordered step of a template.
type StepDefinition struct {
	Index     int          `json:"step_index" yaml:"-"`
	Name      string       `json:"name"       yaml:"name"`
	Approver  ApproverSpec `json:"approver"   yaml:"approver"`
	Mandatory bool         `json:"mandatory"  yaml:"mandatory"`
}

// StatusMapping names the entity statuses a template drives the entity through.
type StatusMapping struct {
	Submitted Status `json:"submitted" yaml:"submitted"`
	InReview  Status `json:"in_review" yaml:"in_review"`
	Approved  Status `json:"approved"  yaml:"approved"`
	Rejected  Status `json:"rejected"  yaml:"rejected"`
	Cancelled Status `json:"cancelled" yaml:"cancelled"`
}

// Default approval lifecycle statuses.
const (
	StatusDraft         Status = "Draft"
	StatusPendingReview Status = "PendingReview"
	StatusInReview      Status = "InReview"
	StatusApproved      Status = "Approved"
	StatusRejected      Status = "Rejected"
	StatusCancelled     Status = "Cancelled"
)

// WithDefaults fills unset members with the default approval lifecycle.
func (m StatusMapping) WithDefaults() StatusMapping {
	if m.Submitted == "" {
		m.Submitted = StatusPendingReview
	}
	if m.InReview == "" {
		m.InReview = StatusInReview
	}
	if m.Approved == "" {
		m.Approved = StatusApproved
	}
	if m.Rejected == "" {
		m.Rejected = StatusRejected
	}
	if m.Cancelled == "" {
		m.Cancelled = StatusCancelled
	}
	return m
}

// WorkflowTemplate is an immutable, versioned definition of ordered steps.
type WorkflowTemplate struct {
	ID         string           `json:"id"          yaml:"id"`
	Name       string           `json:"name"        yaml:"name"`
	Version    int              `json:"version"     yaml:"version"`
	EntityType string           `json:"entity_type" yaml:"entity_type"`
	Steps      []StepDefinition `json:"steps"       yaml:"steps"`
	Statuses   StatusMapping    `json:"statuses"    yaml:"statuses"`
	Checksum   string           `json:"checksum"    yaml:"-"`
	CreatedAt  time.Time        `json:"created_at"  yaml:"-"`
}

// Step returns the step at index i.
func (t WorkflowTemplate) Step(i int) (StepDefinition, bool) {
	if i < 0 || i >= len(t.Steps) {
		return StepDefinition{}, false
	}
	return t.Steps[i], true
}

// IsLast reports whether i is the final step index.
func (t WorkflowTemplate) IsLast(i int) bool {
	return i == len(t.Steps)-1
}

// WorkflowInstance is one running execution of a template against one entity.
type WorkflowInstance struct {
	ID               string         `json:"id"`
	TemplateID       string         `json:"template_id"`
	TemplateVersion  int            `json:"template_version"`
	TenantID         string         `json:"tenant_id"`
	Entity           EntityRef      `json:"entity"`
	Status           InstanceStatus `json:"status"`
	CurrentStepIndex int            `json:"current_step_index"`
	StartedBy        string         `json:"started_by"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	ClosedAt         *time.Time     `json:"closed_at,omitempty"`
	Version          int            `json:"version"`
}

// StepResult is the decision state of one step of one instance.
type StepResult struct {
	InstanceID string        `json:"instance_id"`
	StepIndex  int           `json:"step_index"`
	Status     StepStatus    `json:"status"`
	Assignee   *ApproverSpec `json:"assignee,omitempty"`
	ActorID    string        `json:"actor_id,omitempty"`
	DecidedAt  *time.Time    `json:"decided_at,omitempty"`
	Comment    string        `json:"comment,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Decision is the input to approve and reject. For reject, Comment is the
// mandatory reason. StepIndex optionally pins the step the caller saw.
type Decision struct {
	Comment   string `json:"comment"`
	StepIndex *int   `json:"step_index,omitempty"`
}

// Reassignment moves the current step to a specific user.
type Reassignment struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// TransitionRequest is the input to a template-free guarded transition.
// Action defaults to Approved.
type TransitionRequest struct {
	Entity       EntityRef         `json:"entity"`
	To           Status            `json:"to"`
	Action       Action            `json:"action,omitempty"`
	Comment      string            `json:"comment,omitempty"`
	ExpectedFrom Status            `json:"expected_from,omitempty"`
	Confirmed    bool              `json:"confirmed,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// InstanceFilters narrows instance listings.
type InstanceFilters struct {
	Status     InstanceStatus
	TemplateID string
	EntityType string
	EntityID   string
	Page       int
	PageSize   int
}

// TemplateFilters narrows template listings.
type TemplateFilters struct {
	EntityType string
}
