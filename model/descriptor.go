package model

import "time"

// InstanceDescriptor is the resolved view of a workflow instance returned to
// presentation collaborators.
type InstanceDescriptor struct {
	Instance     WorkflowInstance `json:"instance"`
	TemplateName string           `json:"template_name"`
	CurrentStep  *StepDescriptor  `json:"current_step,omitempty"`
	Steps        []StepSummary    `json:"steps"`
	Progress     int              `json:"progress"`
}

// StepDescriptor describes the step currently awaiting a decision.
type StepDescriptor struct {
	Index     int          `json:"step_index"`
	Name      string       `json:"name"`
	Approver  ApproverSpec `json:"approver"`
	Mandatory bool         `json:"mandatory"`
	CanAct    bool         `json:"can_act"`
}

// StepSummary is one entry of the progress indicator. Steps that have not
// become current yet carry no result.
type StepSummary struct {
	Index     int          `json:"step_index"`
	Name      string       `json:"name"`
	Approver  ApproverSpec `json:"approver"`
	Status    StepStatus   `json:"status,omitempty"`
	ActorID   string       `json:"actor_id,omitempty"`
	DecidedAt *time.Time   `json:"decided_at,omitempty"`
	Comment   string       `json:"comment,omitempty"`
}

// InstanceSummary is a lightweight instance representation for list views.
type InstanceSummary struct {
	ID               string         `json:"id"`
	TemplateID       string         `json:"template_id"`
	TemplateName     string         `json:"template_name"`
	Entity           EntityRef      `json:"entity"`
	Status           InstanceStatus `json:"status"`
	CurrentStepIndex int            `json:"current_step_index"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// EntityStatusView is the current status of an entity with the moves open
// from it.
type EntityStatusView struct {
	Entity   EntityRef `json:"entity"`
	Status   Status    `json:"status"`
	Terminal bool      `json:"terminal"`
	Next     []Status  `json:"next"`
}
