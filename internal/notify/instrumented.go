package notify

import (
	"context"
	"errors"

	"github.com/pitabwire/signoff/internal/observability"
)

// Instrumented counts deliveries of a notifier by event type and result
// ("ok", "dropped" when a breaker is open, "error").
func Instrumented(name string, inner Notifier, metrics *observability.Metrics) Notifier {
	if metrics == nil {
		return inner
	}
	return NotifierFunc(func(ctx context.Context, event Event) error {
		err := inner.Notify(ctx, event)
		result := "ok"
		switch {
		case errors.Is(err, ErrBreakerOpen):
			result = "dropped"
		case err != nil:
			result = "error"
		}
		metrics.RecordNotification(name, string(event.Type), result)
		return err
	})
}

// BreakerMetrics returns a state-change callback feeding the breaker gauge.
func BreakerMetrics(metrics *observability.Metrics) func(name string, s BreakerState) {
	return func(name string, s BreakerState) {
		metrics.SetNotifierCircuitBreakerState(name, float64(s))
	}
}
