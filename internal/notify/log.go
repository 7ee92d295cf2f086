package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogNotifier writes each event as a structured log line.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier logging at info level.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("events")}
}

// Notify logs the event.
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	fields := []zap.Field{
		zap.String("event_type", string(event.Type)),
		zap.String("tenant_id", event.TenantID),
		zap.String("entity_type", event.Entity.Type),
		zap.String("entity_id", event.Entity.ID),
		zap.Time("occurred_at", event.OccurredAt),
	}
	if event.InstanceID != "" {
		fields = append(fields, zap.String("instance_id", event.InstanceID))
	}
	if event.StepIndex != nil {
		fields = append(fields, zap.Int("step_index", *event.StepIndex))
	}
	if event.ActorID != "" {
		fields = append(fields, zap.String("actor_id", event.ActorID))
	}
	if event.Record != nil {
		fields = append(fields,
			zap.Int64("sequence", event.Record.Sequence),
			zap.String("from", string(event.Record.PreviousStatus)),
			zap.String("to", string(event.Record.NewStatus)),
		)
	}
	n.logger.Info("workflow event", fields...)
	return nil
}
