// Package audit is the append-only history of every entity the engine
// governs. It is the single writer of entity status: the current status of an
// entity is the new status of its last record, or the initial status of its
// table when it has none.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/signoff/model"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// Store persists audit records. Commit is the only mutator: it must write the
// record, the instance and step changes it carries and the materialized entity
// status atomically, and reject the change with STALE_STATE when the record's
// sequence is not exactly one past the last stored sequence for the entity.
type Store interface {
	Commit(ctx context.Context, change model.Change) error
	History(ctx context.Context, ref model.EntityRef, page model.Page) ([]model.AuditRecord, error)
	LastRecord(ctx context.Context, ref model.EntityRef) (model.AuditRecord, bool, error)
	// StatusOf reads the materialized status written by the last Commit.
	StatusOf(ctx context.Context, ref model.EntityRef) (model.Status, bool, error)
}

// State is what a mutation sees of an entity while holding its lock.
type State struct {
	Entity model.EntityRef
	Status model.Status
	// Last is the last committed record; zero when HasHistory is false.
	Last       model.AuditRecord
	HasHistory bool
}

// MutateFunc builds the change to commit from the entity's locked state. A nil
// change with a nil error commits nothing.
type MutateFunc func(State) (*model.Change, error)

// Log serializes mutations per entity and stamps records before they reach
// the store.
type Log struct {
	store  Store
	locks  *keyedLock
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the record timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithLogger sets the logger used for committed records.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// NewLog creates an audit log over store.
func NewLog(store Store, opts ...Option) *Log {
	l := &Log{
		store:  store,
		locks:  newKeyedLock(),
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Mutate runs fn under the entity's lock and commits the change it returns.
// The record's ID, Sequence and PerformedAt are assigned here; PreviousStatus
// is forced to the locked current status so the chain cannot break. initial is
// the status of an entity without history.
func (l *Log) Mutate(
	ctx context.Context,
	ref model.EntityRef,
	initial model.Status,
	fn MutateFunc,
) (*model.Change, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	release, err := l.locks.Acquire(ctx, ref.Key())
	if err != nil {
		return nil, model.NewUnavailableError(fmt.Errorf("acquire lock for %s: %w", ref, err))
	}
	defer release()

	last, found, err := l.store.LastRecord(ctx, ref)
	if err != nil {
		return nil, unavailable(err)
	}
	state := State{Entity: ref, Status: initial, Last: last, HasHistory: found}
	if found {
		state.Status = last.NewStatus
	}

	change, err := fn(state)
	if err != nil || change == nil {
		return nil, err
	}

	rec := &change.Record
	rec.ID = uuid.New().String()
	rec.Entity = ref
	rec.PreviousStatus = state.Status
	rec.Sequence = 1
	rec.PerformedAt = l.now().Truncate(time.Microsecond)
	if found {
		rec.Sequence = last.Sequence + 1
		if floor := last.PerformedAt.Add(time.Microsecond); rec.PerformedAt.Before(floor) {
			rec.PerformedAt = floor
		}
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	if err := l.store.Commit(ctx, *change); err != nil {
		if model.IsCode(err, model.ErrStaleState) {
			l.logger.Warn("stale audit append",
				zap.String("entity", ref.Key()),
				zap.Int64("sequence", rec.Sequence),
			)
		}
		return nil, unavailable(err)
	}

	l.logger.Info("audit record committed",
		zap.String("entity", ref.Key()),
		zap.Int64("sequence", rec.Sequence),
		zap.String("action", string(rec.Action)),
		zap.String("actor_id", rec.ActorID),
		zap.String("from", string(rec.PreviousStatus)),
		zap.String("to", string(rec.NewStatus)),
	)
	return change, nil
}

// History returns the entity's records oldest first, starting after
// page.After. It never takes the entity lock.
func (l *Log) History(ctx context.Context, ref model.EntityRef, page model.Page) ([]model.AuditRecord, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if page.After < 0 {
		return nil, model.NewInvalidArgumentError("after", "after must not be negative")
	}
	page.Limit = PageLimit(page.Limit)

	records, err := l.store.History(ctx, ref, page)
	if err != nil {
		return nil, unavailable(err)
	}
	return records, nil
}

// PageLimit applies the history page size default and bound to limit.
func PageLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageLimit
	case limit > maxPageLimit:
		return maxPageLimit
	}
	return limit
}

// CurrentStatus returns the entity's materialized status, which is the new
// status of its last record, or initial when the entity has no history.
func (l *Log) CurrentStatus(ctx context.Context, ref model.EntityRef, initial model.Status) (model.Status, error) {
	status, found, err := l.store.StatusOf(ctx, ref)
	if err != nil {
		return "", unavailable(err)
	}
	if !found {
		return initial, nil
	}
	return status, nil
}

// unavailable passes engine errors through and wraps everything else.
func unavailable(err error) error {
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		return err
	}
	return model.NewUnavailableError(err)
}
