package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotpay/backend/src/apperrors"
	"github.com/dotpay/backend/src/models"
)

func seedOnramp(t *testing.T, store *memStore, status models.Status) *models.Transaction {
	t.Helper()
	now := time.Now().UTC()
	tx := &models.Transaction{
		TransactionID: "tx-onramp-1",
		FlowType:      models.FlowOnramp,
		Status:        status,
		UserAddress:   testUser,
		Quote:         &models.Quote{QuoteID: "q-1", AmountUsd: 7.69, TotalDebitKes: 1013},
		Onchain:       models.Onchain{Required: false, VerificationStatus: models.VerificationNotRequired},
		Refund:        models.Refund{Status: models.RefundNone},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, store.Create(context.Background(), tx))
	return tx
}

func TestSettleOnrampSandboxSimulatedCredit(t *testing.T) {
	store := newMemStore()
	svc := NewSettlementService(store, nil, 6, "sandbox")
	tx := seedOnramp(t, store, models.StatusMpesaProcessing)

	settled, err := svc.SettleOnramp(context.Background(), tx.TransactionID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusSucceeded, settled.Status)
	assert.True(t, strings.HasPrefix(settled.Onchain.TxHash, "CR_"))
	assert.Equal(t, 7.69, settled.Onchain.FundedAmountUsd)
	assert.Equal(t, testUser, settled.Onchain.ToAddress)
	assert.Equal(t, models.VerificationVerified, settled.Onchain.VerificationStatus)
}

func TestSettleOnrampUsesTreasury(t *testing.T) {
	store := newMemStore()
	treasury := &fakeTreasury{}
	svc := NewSettlementService(store, treasury, 6, "production")
	tx := seedOnramp(t, store, models.StatusMpesaProcessing)

	settled, err := svc.SettleOnramp(context.Background(), tx.TransactionID)
	require.NoError(t, err)

	assert.Equal(t, 1, treasury.calls)
	assert.Equal(t, testUser, treasury.recipient)
	assert.Equal(t, "7690000", treasury.units.String())
	assert.Equal(t, strings.ToLower(treasury.Address()), settled.Onchain.FromAddress)
	assert.Equal(t, models.StatusSucceeded, settled.Status)
}

func TestSettleOnrampFromSubmittedState(t *testing.T) {
	store := newMemStore()
	svc := NewSettlementService(store, nil, 6, "sandbox")
	tx := seedOnramp(t, store, models.StatusMpesaSubmitted)

	settled, err := svc.SettleOnramp(context.Background(), tx.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, settled.Status)
}

func TestSettleOnrampIdempotent(t *testing.T) {
	store := newMemStore()
	treasury := &fakeTreasury{}
	svc := NewSettlementService(store, treasury, 6, "production")
	tx := seedOnramp(t, store, models.StatusMpesaProcessing)

	first, err := svc.SettleOnramp(context.Background(), tx.TransactionID)
	require.NoError(t, err)

	second, err := svc.SettleOnramp(context.Background(), tx.TransactionID)
	require.NoError(t, err)

	assert.Equal(t, first.Onchain.TxHash, second.Onchain.TxHash)
	assert.Equal(t, 1, treasury.calls, "a credited onramp is not credited twice")
}

func TestSettleOnrampRejectsNonOnramp(t *testing.T) {
	store := newMemStore()
	svc := NewSettlementService(store, nil, 6, "sandbox")
	now := time.Now().UTC()
	tx := &models.Transaction{
		TransactionID: "tx-offramp-1",
		FlowType:      models.FlowOfframp,
		Status:        models.StatusMpesaProcessing,
		UserAddress:   testUser,
		Quote:         &models.Quote{AmountUsd: 10},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, store.Create(context.Background(), tx))

	_, err := svc.SettleOnramp(context.Background(), tx.TransactionID)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindState))
}

func TestSettleOnrampRequiresQuotedAmount(t *testing.T) {
	store := newMemStore()
	svc := NewSettlementService(store, nil, 6, "sandbox")
	tx := seedOnramp(t, store, models.StatusMpesaProcessing)
	tx.Quote = &models.Quote{AmountUsd: 0}
	require.NoError(t, store.Update(context.Background(), tx))

	_, err := svc.SettleOnramp(context.Background(), tx.TransactionID)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindState))
}

func TestSettleOnrampProductionWithoutTreasuryFails(t *testing.T) {
	store := newMemStore()
	svc := NewSettlementService(store, nil, 6, "production")
	tx := seedOnramp(t, store, models.StatusMpesaProcessing)

	_, err := svc.SettleOnramp(context.Background(), tx.TransactionID)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindConfig))

	stored, gerr := store.GetByID(context.Background(), tx.TransactionID)
	require.NoError(t, gerr)
	assert.Equal(t, models.VerificationFailed, stored.Onchain.VerificationStatus)
}
