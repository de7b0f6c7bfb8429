/**
 * @description
 * The settlement state machine. All status changes funnel through the
 * transition helpers in this file so the allowed-transition table is enforced
 * in exactly one place. Re-applying a transition a row has already taken is a
 * no-op, not an error, which is what makes webhook redelivery safe.
 */

package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/vendora/settlement-service/internal/domain"
)

// ErrInvalidTransition is returned when a requested status change is not in
// the transition table. Duplicate deliveries of an already-applied transition
// return errAlreadyApplied internally and are absorbed as no-ops.
var ErrInvalidTransition = errors.New("invalid settlement status transition")

// errAlreadyApplied signals a duplicate of a transition the row already took.
var errAlreadyApplied = errors.New("transition already applied")

var allowedTransitions = map[domain.SettlementStatus][]domain.SettlementStatus{
	domain.StatusPending: {domain.StatusHeld, domain.StatusCancelled, domain.StatusFailed},
	domain.StatusHeld: {
		domain.StatusProcessing, domain.StatusWaitingRefund,
		domain.StatusDisputed, domain.StatusCancelled,
	},
	domain.StatusProcessing:    {domain.StatusReleased, domain.StatusHeld, domain.StatusFailed},
	domain.StatusReleased:      {domain.StatusCompleted},
	domain.StatusDisputed:      {domain.StatusHeld, domain.StatusWaitingRefund},
	domain.StatusWaitingRefund: {domain.StatusRefunded, domain.StatusFailedRefund},
	domain.StatusFailedRefund:  {domain.StatusWaitingRefund, domain.StatusFailed},
}

// canTransition reports whether from -> to is in the transition table.
func canTransition(from, to domain.SettlementStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// transition moves a settlement transaction to a new status, enforcing the
// table. A transaction already in the target status reports errAlreadyApplied
// so the caller can acknowledge the duplicate without re-running side effects.
func transition(t *domain.SettlementTransaction, to domain.SettlementStatus) error {
	if t.Status == to {
		return errAlreadyApplied
	}
	if !canTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s (transaction %s)", ErrInvalidTransition, t.Status, to, t.ID)
	}
	t.Status = to
	return nil
}

// markHeld puts a confirmed-payment transaction on hold and starts the clock.
func markHeld(t *domain.SettlementTransaction, now time.Time, holdDuration time.Duration, reason string) error {
	if err := transition(t, domain.StatusHeld); err != nil {
		return err
	}
	start := now
	planned := now.Add(holdDuration)
	t.HoldStartDate = &start
	t.PlannedReleaseDate = &planned
	if reason != "" {
		t.HoldReason = &reason
	}
	return nil
}

// markProcessing records an accepted gateway transfer. The transfer ref is
// persisted in the same write so a crash cannot orphan an issued transfer.
func markProcessing(t *domain.SettlementTransaction, transferRef string) error {
	if err := transition(t, domain.StatusProcessing); err != nil {
		return err
	}
	t.TransferRef = &transferRef
	return nil
}

// markReleased records gateway confirmation that the transfer landed.
func markReleased(t *domain.SettlementTransaction, now time.Time) error {
	if err := transition(t, domain.StatusReleased); err != nil {
		return err
	}
	released := now
	t.ActualReleaseDate = &released
	return nil
}

// returnToHold reverses a failed transfer attempt. The transfer ref is
// cleared so a later release issues a fresh transfer; the original hold
// timestamps are preserved so the transaction stays immediately releasable.
func returnToHold(t *domain.SettlementTransaction, reason string) error {
	if err := transition(t, domain.StatusHeld); err != nil {
		return err
	}
	t.TransferRef = nil
	if reason != "" {
		t.HoldReason = &reason
	}
	return nil
}

// markCompleted records that the payout carrying this transaction was paid.
func markCompleted(t *domain.SettlementTransaction) error {
	return transition(t, domain.StatusCompleted)
}

// markCancelled voids a settlement that will never pay out.
func markCancelled(t *domain.SettlementTransaction, reason string) error {
	if err := transition(t, domain.StatusCancelled); err != nil {
		return err
	}
	if reason != "" {
		t.HoldReason = &reason
	}
	return nil
}

// markWaitingRefund parks a settlement while a refund is in flight at the gateway.
func markWaitingRefund(t *domain.SettlementTransaction) error {
	return transition(t, domain.StatusWaitingRefund)
}

// markRefunded finalizes a confirmed refund.
func markRefunded(t *domain.SettlementTransaction) error {
	return transition(t, domain.StatusRefunded)
}

// markFailedRefund records a refund the gateway could not complete. The
// transaction is retryable back into waiting_refund by a new refund request.
func markFailedRefund(t *domain.SettlementTransaction) error {
	return transition(t, domain.StatusFailedRefund)
}

// markDisputed freezes a settlement under an active buyer dispute.
func markDisputed(t *domain.SettlementTransaction, reason string) error {
	if err := transition(t, domain.StatusDisputed); err != nil {
		return err
	}
	if reason != "" {
		t.HoldReason = &reason
	}
	return nil
}
