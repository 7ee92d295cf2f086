package notify

import (
	"context"
	"errors"
)

// Multi fans an event out to every notifier, attempting all of them and
// joining their errors.
type Multi []Notifier

// Notify delivers to each notifier in order.
func (m Multi) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
