// Package gate decides who may act on a workflow step and on the
// administrative operations around it.
package gate

import (
	"fmt"

	"github.com/pitabwire/signoff/model"
)

// Gate authorizes actors against step approver specs and capabilities.
type Gate struct {
	caps model.CapabilityResolver
}

// New creates a Gate. caps may be nil, in which case no actor holds any
// capability and only approver specs are honoured.
func New(caps model.CapabilityResolver) *Gate {
	return &Gate{caps: caps}
}

// Approver returns who may decide the step: the reassigned user when the
// step result carries one, the template approver otherwise.
func Approver(step model.StepDefinition, result *model.StepResult) model.ApproverSpec {
	if result != nil && result.Assignee != nil {
		return *result.Assignee
	}
	return step.Approver
}

// CanAct reports whether the actor may approve or reject the step. Resolver
// failures count as "no".
func (g *Gate) CanAct(
	rctx *model.RequestContext,
	inst model.WorkflowInstance,
	step model.StepDefinition,
	result *model.StepResult,
) bool {
	return g.Authorize(rctx, inst, step, result) == nil
}

// Authorize returns STEP_UNAUTHORIZED unless the actor matches the step's
// approver. Optional steps may also be decided by holders of the override
// capability.
func (g *Gate) Authorize(
	rctx *model.RequestContext,
	inst model.WorkflowInstance,
	step model.StepDefinition,
	result *model.StepResult,
) error {
	if rctx == nil {
		return model.NewStepUnauthorizedError("no actor")
	}
	approver := Approver(step, result)
	if rctx.Holds(approver, inst.TenantID) {
		return nil
	}
	if !step.Mandatory && rctx.InTenant(inst.TenantID) {
		ok, err := g.has(rctx, model.CapOverrideStep)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return model.NewStepUnauthorizedError(fmt.Sprintf(
		"actor %q may not act on step %d (%s) of instance %q; approver is %s",
		rctx.SubjectID, step.Index, step.Name, inst.ID, approver,
	))
}

// Require returns FORBIDDEN unless the actor holds capability.
func (g *Gate) Require(rctx *model.RequestContext, capability string) error {
	ok, err := g.has(rctx, capability)
	if err != nil {
		return err
	}
	if !ok {
		return model.NewForbiddenError(fmt.Sprintf("missing capability %q", capability))
	}
	return nil
}

func (g *Gate) has(rctx *model.RequestContext, capability string) (bool, error) {
	if g.caps == nil || rctx == nil {
		return false, nil
	}
	caps, err := g.caps.Resolve(rctx)
	if err != nil {
		return false, model.NewUnavailableError(fmt.Errorf("resolve capabilities: %w", err))
	}
	return caps.Has(capability), nil
}
