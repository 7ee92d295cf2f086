package audit

import (
	"fmt"

	"github.com/pitabwire/signoff/model"
)

// ChainError reports the first record that breaks an entity's history.
type ChainError struct {
	Sequence int64
	Reason   string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain broken at sequence %d: %s", e.Sequence, e.Reason)
}

// VerifyChain checks a complete history, oldest first: sequences run 1..n
// without gaps, each record starts from the status the previous one ended in
// (initial for the first), and timestamps strictly increase.
func VerifyChain(records []model.AuditRecord, initial model.Status) error {
	prevStatus := initial
	for i, rec := range records {
		want := int64(i + 1)
		if rec.Sequence != want {
			return &ChainError{Sequence: rec.Sequence, Reason: fmt.Sprintf("expected sequence %d", want)}
		}
		if rec.PreviousStatus != prevStatus {
			return &ChainError{
				Sequence: rec.Sequence,
				Reason:   fmt.Sprintf("previous status %q does not match %q", rec.PreviousStatus, prevStatus),
			}
		}
		if i > 0 && !rec.PerformedAt.After(records[i-1].PerformedAt) {
			return &ChainError{Sequence: rec.Sequence, Reason: "performed_at does not increase"}
		}
		prevStatus = rec.NewStatus
	}
	return nil
}
