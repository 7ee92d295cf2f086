package guard

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/pitabwire/signoff/model"
)

// Registry maps entity types to their tables. Reads are lock-free; writers
// are serialized and publish a fresh snapshot.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[map[string]*Table]
}

// NewRegistry creates a Registry holding the given tables.
func NewRegistry(tables ...*Table) *Registry {
	r := &Registry{}
	r.Replace(tables)
	return r
}

// Replace atomically swaps the registry contents.
func (r *Registry) Replace(tables []*Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := make(map[string]*Table, len(tables))
	for _, t := range tables {
		m[t.EntityType()] = t
	}
	r.snap.Store(&m)
}

// Register adds or replaces one table.
func (r *Registry) Register(t *Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storeLocked(t)
}

// Ensure returns the table registered for t's entity type, registering t
// when there is none.
func (r *Registry) Ensure(t *Table) *Table {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.current()[t.EntityType()]; ok {
		return cur
	}
	r.storeLocked(t)
	return t
}

func (r *Registry) storeLocked(t *Table) {
	cur := r.current()
	m := make(map[string]*Table, len(cur)+1)
	maps.Copy(m, cur)
	m[t.EntityType()] = t
	r.snap.Store(&m)
}

func (r *Registry) current() map[string]*Table {
	if p := r.snap.Load(); p != nil {
		return *p
	}
	return nil
}

// Lookup returns the table for entityType.
func (r *Registry) Lookup(entityType string) (*Table, bool) {
	t, ok := r.current()[entityType]
	return t, ok
}

// MustLookup returns the table for entityType or a NOT_FOUND error.
func (r *Registry) MustLookup(entityType string) (*Table, error) {
	t, ok := r.Lookup(entityType)
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("entity type %q is not registered", entityType))
	}
	return t, nil
}

// CanTransition reports whether from -> to is legal for entityType. Unknown
// entity types allow nothing.
func (r *Registry) CanTransition(entityType string, from, to model.Status) bool {
	t, ok := r.Lookup(entityType)
	return ok && t.CanTransition(from, to)
}

// Types returns the registered entity types, sorted.
func (r *Registry) Types() []string {
	return slices.Sorted(maps.Keys(r.current()))
}

// DefaultLifecycle returns the approval lifecycle used by templates whose
// entity type declares no table of its own. Guarded transitions on it need
// model.CapTransitionEntity.
func DefaultLifecycle(entityType string) *Table {
	return MustCompile(model.EntityTypeDefinition{
		Name:       entityType,
		Initial:    model.StatusDraft,
		Capability: model.CapTransitionEntity,
		Statuses: []model.StatusDefinition{
			{Name: model.StatusDraft, Label: "Draft", Next: []model.Status{model.StatusPendingReview}},
			{Name: model.StatusPendingReview, Label: "Pending review", Next: []model.Status{
				model.StatusInReview, model.StatusApproved, model.StatusRejected, model.StatusCancelled,
			}},
			{Name: model.StatusInReview, Label: "In review", Next: []model.Status{
				model.StatusApproved, model.StatusRejected, model.StatusCancelled,
			}},
			{Name: model.StatusApproved, Label: "Approved"},
			{Name: model.StatusRejected, Label: "Rejected", Next: []model.Status{model.StatusPendingReview}},
			{Name: model.StatusCancelled, Label: "Cancelled", Next: []model.Status{model.StatusPendingReview}},
		},
	})
}
