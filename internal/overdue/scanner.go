// Package overdue periodically reports workflow steps that have waited for a
// decision longer than a configured threshold.
package overdue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pitabwire/signoff/internal/notify"
	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/internal/workflow"
)

// PendingFinder lists steps awaiting a decision.
type PendingFinder interface {
	FindPendingSteps(ctx context.Context, createdBefore time.Time) ([]workflow.PendingStep, error)
}

// Scanner emits one step.overdue event per pending step once it has waited
// longer than After.
type Scanner struct {
	finder   PendingFinder
	notifier notify.Notifier
	metrics  *observability.Metrics
	logger   *zap.Logger
	after    time.Duration
	now      func() time.Time

	mu       sync.Mutex
	reported map[string]bool
	cron     *cron.Cron
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithMetrics counts reported steps.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scanner) { s.metrics = m }
}

// WithLogger sets the scanner logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scanner) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scanner) { s.now = now }
}

// NewScanner creates a scanner reporting steps pending for longer than after.
func NewScanner(finder PendingFinder, notifier notify.Notifier, after time.Duration, opts ...Option) *Scanner {
	s := &Scanner{
		finder:   finder,
		notifier: notifier,
		after:    after,
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
		reported: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan reports every overdue step not reported before and returns how many
// it reported.
func (s *Scanner) Scan(ctx context.Context) (int, error) {
	now := s.now()
	pending, err := s.finder.FindPendingSteps(ctx, now.Add(-s.after))
	if err != nil {
		return 0, fmt.Errorf("find pending steps: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(pending))
	reported := 0
	for _, p := range pending {
		key := stepKey(p)
		seen[key] = true
		if s.reported[key] {
			continue
		}

		idx := p.Result.StepIndex
		evt := notify.Event{
			Type:       notify.EventStepOverdue,
			TenantID:   p.Instance.TenantID,
			Entity:     p.Instance.Entity,
			InstanceID: p.Instance.ID,
			TemplateID: p.Instance.TemplateID,
			StepIndex:  &idx,
			OccurredAt: now,
		}
		if err := s.notifier.Notify(ctx, evt); err != nil {
			// Retried on the next scan.
			s.logger.Warn("overdue notification failed",
				zap.String("instance_id", p.Instance.ID),
				zap.Int("step_index", idx),
				zap.Error(err),
			)
			continue
		}
		s.reported[key] = true
		s.metrics.RecordOverdueStep(p.Instance.TemplateID)
		reported++
		s.logger.Info("step overdue",
			zap.String("instance_id", p.Instance.ID),
			zap.Int("step_index", idx),
			zap.Duration("waited", now.Sub(p.Result.CreatedAt)),
		)
	}

	// Forget steps that were decided since.
	for key := range s.reported {
		if !seen[key] {
			delete(s.reported, key)
		}
	}
	return reported, nil
}

// Start runs Scan on the cron schedule until Stop is called.
func (s *Scanner) Start(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() {
		if _, err := s.Scan(ctx); err != nil {
			s.logger.Error("overdue scan failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("overdue schedule %q: %w", schedule, err)
	}

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	c.Start()
	s.logger.Info("overdue scanner started",
		zap.String("schedule", schedule),
		zap.Duration("after", s.after),
	)
	return nil
}

// Stop halts the schedule and waits for a running scan to finish.
func (s *Scanner) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// A step that is reassigned keeps its key; a new step result gets a new one.
func stepKey(p workflow.PendingStep) string {
	return fmt.Sprintf("%s/%d/%d", p.Instance.ID, p.Result.StepIndex, p.Result.CreatedAt.UnixNano())
}
