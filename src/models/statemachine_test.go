package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionAllowed(t *testing.T) {
	cases := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusCreated, StatusQuoted, true},
		{StatusQuoted, StatusAwaitingUserAuth, true},
		{StatusQuoted, StatusMpesaSubmitted, true},
		{StatusAwaitingUserAuth, StatusAwaitingOnchainFund, true},
		{StatusAwaitingUserAuth, StatusMpesaSubmitted, true},
		{StatusAwaitingOnchainFund, StatusMpesaSubmitted, true},
		{StatusMpesaSubmitted, StatusMpesaProcessing, true},
		{StatusMpesaSubmitted, StatusSucceeded, true},
		{StatusMpesaProcessing, StatusSucceeded, true},
		{StatusMpesaProcessing, StatusFailed, true},
		{StatusFailed, StatusRefundPending, true},
		{StatusFailed, StatusRefunded, true},
		{StatusRefundPending, StatusRefunded, true},
		{StatusRefundPending, StatusFailed, true},

		{StatusCreated, StatusMpesaSubmitted, false},
		{StatusQuoted, StatusSucceeded, false},
		{StatusSucceeded, StatusFailed, false},
		{StatusRefunded, StatusFailed, false},
		{StatusMpesaProcessing, StatusQuoted, false},
		{StatusFailed, StatusSucceeded, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.allowed, TransitionAllowed(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTransitionSameStateAlwaysAllowed(t *testing.T) {
	for _, s := range []Status{StatusCreated, StatusSucceeded, StatusRefunded, StatusFailed} {
		assert.True(t, TransitionAllowed(s, s), "%s -> %s", s, s)
	}
}

func TestAssertTransitionAppendsHistory(t *testing.T) {
	tx := &Transaction{Status: StatusCreated}

	err := AssertTransition(tx, StatusQuoted, "quote issued", "api")
	require.NoError(t, err)

	assert.Equal(t, StatusQuoted, tx.Status)
	require.Len(t, tx.History, 1)
	assert.Equal(t, StatusCreated, tx.History[0].From)
	assert.Equal(t, StatusQuoted, tx.History[0].To)
	assert.Equal(t, "quote issued", tx.History[0].Reason)
	assert.Equal(t, "api", tx.History[0].Source)
	assert.WithinDuration(t, time.Now().UTC(), tx.UpdatedAt, time.Second)
}

func TestAssertTransitionSameStateIsNoOp(t *testing.T) {
	tx := &Transaction{Status: StatusFailed}

	err := AssertTransition(tx, StatusFailed, "again", "webhook")
	require.NoError(t, err)

	assert.Empty(t, tx.History)
	assert.True(t, tx.UpdatedAt.IsZero())
}

func TestAssertTransitionIllegalMutatesNothing(t *testing.T) {
	tx := &Transaction{Status: StatusSucceeded}

	err := AssertTransition(tx, StatusFailed, "nope", "api")
	require.Error(t, err)

	assert.Equal(t, StatusSucceeded, tx.Status)
	assert.Empty(t, tx.History)
}

func TestTerminal(t *testing.T) {
	assert.True(t, (&Transaction{Status: StatusSucceeded}).Terminal())
	assert.True(t, (&Transaction{Status: StatusRefunded}).Terminal())
	assert.False(t, (&Transaction{Status: StatusFailed}).Terminal())
	assert.False(t, (&Transaction{Status: StatusMpesaProcessing}).Terminal())
}
