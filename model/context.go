package model

import (
	"context"
	"errors"
	"slices"
)

// RequestContext is the actor behind a request: who acts, for which tenant
// and with which roles. SubjectID is the actor id written into audit records
// and step results. Handlers build it once per request and never mutate it.
type RequestContext struct {
	SubjectID     string
	Email         string
	TenantID      string
	Roles         []string
	CorrelationID string
	TraceID       string
}

var (
	errNoSubject = errors.New("subject is required")
	errNoTenant  = errors.New("tenant is required")
)

// Validate reports a missing subject or tenant.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, errNoSubject)
	}
	if rc.TenantID == "" {
		errs = append(errs, errNoTenant)
	}
	return errors.Join(errs...)
}

// HasRole reports whether the actor holds role.
func (rc *RequestContext) HasRole(role string) bool {
	return slices.Contains(rc.Roles, role)
}

// InTenant reports whether the actor belongs to tenantID.
func (rc *RequestContext) InTenant(tenantID string) bool {
	return rc.TenantID != "" && rc.TenantID == tenantID
}

// Holds reports whether the actor satisfies an approver spec within tenantID.
// A role matches only inside the tenant; a named user matches anywhere, since
// reassignment targets a person rather than a membership.
func (rc *RequestContext) Holds(spec ApproverSpec, tenantID string) bool {
	switch {
	case spec.User != "":
		return rc.SubjectID == spec.User
	case spec.Role != "":
		return rc.InTenant(tenantID) && rc.HasRole(spec.Role)
	}
	return false
}

type requestContextKey struct{}

// WithRequestContext returns ctx carrying rctx.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rctx)
}

// RequestContextFrom returns the actor stored in ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rctx
}
