package model

import "strings"

// Capabilities checked by the engine. Step decisions are gated by the
// template's approver spec, not by capabilities; these cover the broader
// administrative operations.
const (
	CapCancelInstance  = "workflow:instances:cancel"
	CapReassignStep    = "workflow:steps:reassign"
	CapOverrideStep    = "workflow:steps:override"
	CapManageTemplates = "workflow:templates:manage"
	// CapTransitionEntity gates guarded transitions on entity types that
	// only have the default approval lifecycle.
	CapTransitionEntity = "workflow:entities:transition"
)

// CapabilitySet is a set of capabilities granted to an actor. Each key is a
// capability string (e.g. "workflow:instances:cancel") and may include
// wildcards (e.g. "workflow:*").
type CapabilitySet map[string]bool

// Has returns true if the set contains the exact capability or a wildcard
// that matches it.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for pattern := range cs {
		if matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAll returns true if the set matches all given capabilities.
func (cs CapabilitySet) HasAll(caps ...string) bool {
	for _, cap := range caps {
		if !cs.Has(cap) {
			return false
		}
	}
	return true
}

// HasAny returns true if the set matches at least one of the given capabilities.
func (cs CapabilitySet) HasAny(caps ...string) bool {
	for _, cap := range caps {
		if cs.Has(cap) {
			return true
		}
	}
	return false
}

// matchWildcard returns true if pattern (which may end in "*") matches cap.
//
//	"*"                    matches anything
//	"workflow:*"           matches "workflow:instances:cancel"
//	"workflow:instances:*" matches "workflow:instances:cancel"
//	"workflow:instances"   does NOT match "workflow:instances:cancel"
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	prefix := pattern[:len(pattern)-1]
	return strings.HasPrefix(cap, prefix)
}

// CapabilityResolver resolves the full capability set for a request context.
type CapabilityResolver interface {
	// Resolve returns all capabilities for the given subject and tenant.
	Resolve(rctx *RequestContext) (CapabilitySet, error)

	// Invalidate clears cached capabilities for the given user and tenant.
	Invalidate(subjectID, tenantID string)
}

// PolicyEvaluator is the backend that maps roles to capabilities.
type PolicyEvaluator interface {
	// ResolveCapabilities returns the full capability set for the given context.
	ResolveCapabilities(rctx *RequestContext) (CapabilitySet, error)

	// Sync refreshes policy data from its source.
	Sync() error
}
