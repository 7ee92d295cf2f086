package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pitabwire/signoff/internal/capability"
	"github.com/pitabwire/signoff/internal/definition"
	"github.com/pitabwire/signoff/internal/guard"
	"github.com/pitabwire/signoff/internal/workflow"
	"github.com/pitabwire/signoff/model"
)

const propertyDefinitions = `domain: property
version: "1"

entity_types:
  - name: unit
    initial: Available
    statuses:
      - {name: Available, next: [Reserved]}
      - {name: Reserved, next: [Available, Sold]}
      - {name: Sold, next: []}
`

var landlord = &model.RequestContext{SubjectID: "admin-1", TenantID: "acme", Roles: []string{"admin"}}

func leaseTemplate() model.WorkflowTemplate {
	return model.WorkflowTemplate{
		ID:         "property.lease",
		Name:       "Lease signature",
		Version:    1,
		EntityType: "lease",
		Steps: []model.StepDefinition{
			{Name: "Agent review", Approver: model.Role("agent"), Mandatory: true},
			{Name: "Landlord signature", Approver: model.Role("landlord"), Mandatory: true},
		},
	}
}

type reloadFixture struct {
	dir    string
	store  *workflow.MemoryStore
	guards *guard.Registry
	engine *workflow.Engine
	r      reloader
}

func newReloadFixture(t *testing.T) *reloadFixture {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "property.yaml"), []byte(propertyDefinitions), 0o600))

	defs, err := definition.NewLoader().LoadAll([]string{dir})
	require.NoError(t, err)
	compiled, verrs := definition.Compile(defs)
	require.Empty(t, verrs)

	policy := capability.NewStaticPolicy(map[string][]string{"admin": {"workflow:*"}})
	resolver := capability.NewResolver(policy, time.Minute)
	store := workflow.NewMemoryStore()
	guards := guard.NewRegistry(compiled.Tables...)
	engine := workflow.NewEngine(store, guards, resolver)

	return &reloadFixture{
		dir:    dir,
		store:  store,
		guards: guards,
		engine: engine,
		r: reloader{
			dirs:     []string{dir},
			seed:     true,
			registry: definition.NewRegistry(defs, compiled),
			guards:   guards,
			engine:   engine,
			policy:   policy,
			resolver: resolver,
			logger:   zap.NewNop(),
		},
	}
}

func TestReload_keepsPublishedTemplateLifecycles(t *testing.T) {
	f := newReloadFixture(t)
	ctx := context.Background()

	_, err := f.engine.PublishTemplate(ctx, landlord, leaseTemplate())
	require.NoError(t, err)
	_, ok := f.guards.Lookup("lease")
	require.True(t, ok)

	require.NoError(t, f.r.reload(ctx))

	table, ok := f.guards.Lookup("lease")
	require.True(t, ok, "published template lost its lifecycle on reload")
	assert.Equal(t, model.CapTransitionEntity, table.Capability())
	_, ok = f.guards.Lookup("unit")
	assert.True(t, ok)

	view, err := f.engine.EntityStatus(ctx, model.EntityRef{Type: "lease", ID: "l-1"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusDraft, view.Status)

	n, err := f.engine.VerifyHistory(ctx, model.EntityRef{Type: "lease", ID: "l-1"})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReload_definitionTableWinsOverDefault(t *testing.T) {
	f := newReloadFixture(t)
	ctx := context.Background()

	_, err := f.engine.PublishTemplate(ctx, landlord, leaseTemplate())
	require.NoError(t, err)

	leaseTable := propertyDefinitions + `
  - name: lease
    initial: Draft
    capability: "property:leases:transition"
    statuses:
      - {name: Draft, next: [PendingReview]}
      - {name: PendingReview, next: [InReview, Approved, Rejected, Cancelled]}
      - {name: InReview, next: [Approved, Rejected, Cancelled]}
      - {name: Approved, next: []}
      - {name: Rejected, next: [PendingReview]}
      - {name: Cancelled, next: [PendingReview]}
`
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "property.yaml"), []byte(leaseTable), 0o600))
	require.NoError(t, f.r.reload(ctx))

	table, ok := f.guards.Lookup("lease")
	require.True(t, ok)
	assert.Equal(t, "property:leases:transition", table.Capability())
}

func TestRestart_syncsPublishedTemplateLifecycles(t *testing.T) {
	f := newReloadFixture(t)
	ctx := context.Background()

	_, err := f.engine.PublishTemplate(ctx, landlord, leaseTemplate())
	require.NoError(t, err)

	// A new process over the same store starts from definition files only.
	defs, err := definition.NewLoader().LoadAll([]string{f.dir})
	require.NoError(t, err)
	compiled, verrs := definition.Compile(defs)
	require.Empty(t, verrs)
	guards := guard.NewRegistry(compiled.Tables...)
	engine := workflow.NewEngine(f.store, guards, nil)

	_, err = engine.EntityStatus(ctx, model.EntityRef{Type: "lease", ID: "l-1"})
	require.True(t, model.IsCode(err, model.ErrNotFound))

	added, err := engine.SyncLifecycles(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	view, err := engine.EntityStatus(ctx, model.EntityRef{Type: "lease", ID: "l-1"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusDraft, view.Status)

	added, err = engine.SyncLifecycles(ctx)
	require.NoError(t, err)
	assert.Zero(t, added)
}
