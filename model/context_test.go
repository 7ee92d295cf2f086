package model

import (
	"context"
	"errors"
	"testing"
)

func TestRequestContext_Validate(t *testing.T) {
	tests := []struct {
		name string
		rc   RequestContext
		want []error
	}{
		{"complete", RequestContext{SubjectID: "p-1", TenantID: "acme"}, nil},
		{"no subject", RequestContext{TenantID: "acme"}, []error{errNoSubject}},
		{"no tenant", RequestContext{SubjectID: "p-1"}, []error{errNoTenant}},
		{"empty", RequestContext{}, []error{errNoSubject, errNoTenant}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rc.Validate()
			if len(tt.want) == 0 {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			for _, want := range tt.want {
				if !errors.Is(err, want) {
					t.Errorf("Validate() error = %v, want it to include %v", err, want)
				}
			}
		})
	}
}

func TestRequestContext_Holds(t *testing.T) {
	promoter := &RequestContext{SubjectID: "p-1", TenantID: "acme", Roles: []string{"promoter"}}

	tests := []struct {
		name   string
		spec   ApproverSpec
		tenant string
		want   bool
	}{
		{"role in tenant", Role("promoter"), "acme", true},
		{"role in other tenant", Role("promoter"), "globex", false},
		{"missing role", Role("notary"), "acme", false},
		{"named user", User("p-1"), "acme", true},
		{"named user across tenants", User("p-1"), "globex", true},
		{"other user", User("p-2"), "acme", false},
		{"empty spec", ApproverSpec{}, "acme", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := promoter.Holds(tt.spec, tt.tenant); got != tt.want {
				t.Errorf("Holds(%v, %q) = %v, want %v", tt.spec, tt.tenant, got, tt.want)
			}
		})
	}
}

func TestRequestContext_InTenant(t *testing.T) {
	if (&RequestContext{}).InTenant("") {
		t.Error("an actor without tenant matched the empty tenant")
	}
	rc := &RequestContext{TenantID: "acme"}
	if !rc.InTenant("acme") || rc.InTenant("globex") {
		t.Errorf("InTenant mismatch for %q", rc.TenantID)
	}
}

func TestRequestContextFrom(t *testing.T) {
	if got := RequestContextFrom(context.Background()); got != nil {
		t.Errorf("RequestContextFrom(empty) = %v, want nil", got)
	}
	rctx := &RequestContext{SubjectID: "n-1", TenantID: "acme", Roles: []string{"notary"}}
	ctx := WithRequestContext(context.Background(), rctx)
	if got := RequestContextFrom(ctx); got != rctx {
		t.Errorf("RequestContextFrom() = %v, want %v", got, rctx)
	}
}
