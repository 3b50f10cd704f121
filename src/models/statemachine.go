package models

import (
	"time"

	"github.com/dotpay/backend/src/apperrors"
)

// allowedTransitions is the authoritative lifecycle table.
var allowedTransitions = map[Status][]Status{
	StatusCreated:             {StatusQuoted, StatusAwaitingUserAuth, StatusFailed},
	StatusQuoted:              {StatusAwaitingUserAuth, StatusMpesaSubmitted, StatusFailed},
	StatusAwaitingUserAuth:    {StatusAwaitingOnchainFund, StatusMpesaSubmitted, StatusFailed},
	StatusAwaitingOnchainFund: {StatusMpesaSubmitted, StatusFailed},
	StatusMpesaSubmitted:      {StatusMpesaProcessing, StatusSucceeded, StatusFailed},
	StatusMpesaProcessing:     {StatusSucceeded, StatusFailed},
	StatusFailed:              {StatusRefundPending, StatusRefunded},
	StatusRefundPending:       {StatusRefunded, StatusFailed},
	StatusSucceeded:           {},
	StatusRefunded:            {},
}

// TransitionAllowed reports whether from -> to is a legal transition.
// A same-state "transition" is always allowed (and is a no-op when applied).
func TransitionAllowed(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AssertTransition moves tx to the target status, appending a history entry.
// A same-state call leaves the transaction untouched. An illegal call returns
// a state error and mutates nothing.
func AssertTransition(tx *Transaction, to Status, reason, source string) error {
	from := tx.Status
	if from == to {
		return nil
	}
	if !TransitionAllowed(from, to) {
		return apperrors.State("illegal transition %s -> %s (%s)", from, to, reason)
	}
	now := time.Now().UTC()
	tx.History = append(tx.History, HistoryEntry{
		From:   from,
		To:     to,
		Reason: reason,
		Source: source,
		At:     now,
	})
	tx.Status = to
	tx.UpdatedAt = now
	return nil
}
