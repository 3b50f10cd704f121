package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dotpay/backend/src/apperrors"
	"github.com/dotpay/backend/src/chain"
	"github.com/dotpay/backend/src/logger"
	"github.com/dotpay/backend/src/models"
	"github.com/dotpay/backend/src/repository"
)

// SettlementService credits onramp users with stablecoin after their mobile
// money payment lands.
type SettlementService struct {
	store         repository.TransactionStore
	treasury      TreasuryWallet
	tokenDecimals int
	environment   string
}

func NewSettlementService(store repository.TransactionStore, treasury TreasuryWallet, tokenDecimals int, environment string) *SettlementService {
	return &SettlementService{
		store:         store,
		treasury:      treasury,
		tokenDecimals: tokenDecimals,
		environment:   environment,
	}
}

// SettleOnramp transfers the quoted USD amount from the treasury to the user
// and drives the transaction to succeeded. Idempotent: an already-credited
// transaction is returned unchanged. The transaction is re-loaded so
// concurrent invocations observe each other's verification status.
func (s *SettlementService) SettleOnramp(ctx context.Context, transactionID string) (*models.Transaction, error) {
	tx, err := s.store.GetByID(ctx, transactionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.Validation("transaction %s not found", transactionID)
	}
	if err != nil {
		return nil, err
	}
	if tx.FlowType != models.FlowOnramp {
		return nil, apperrors.State("transaction %s is not an onramp", transactionID)
	}
	if tx.Onchain.VerificationStatus == models.VerificationVerified && tx.Onchain.TxHash != "" {
		logger.FromContext(ctx).Info("Onramp already credited", "transactionId", transactionID)
		return tx, nil
	}
	if tx.Quote == nil || tx.Quote.AmountUsd <= 0 {
		return nil, apperrors.State("transaction %s has no quoted USD amount to credit", transactionID)
	}

	txHash, fundedUsd, err := s.credit(ctx, tx)
	if err != nil {
		tx.Onchain.VerificationStatus = models.VerificationFailed
		tx.Onchain.VerificationError = err.Error()
		tx.UpdatedAt = time.Now().UTC()
		if uerr := s.store.Update(ctx, tx); uerr != nil {
			logger.FromContext(ctx).Error("Failed to persist settlement failure", "transactionId", transactionID, "error", uerr)
		}
		return nil, err
	}

	tx.Onchain.TxHash = txHash
	tx.Onchain.FundedAmountUsd = fundedUsd
	tx.Onchain.ToAddress = tx.UserAddress
	if s.treasury != nil {
		tx.Onchain.FromAddress = strings.ToLower(s.treasury.Address())
	}
	tx.Onchain.VerificationStatus = models.VerificationVerified
	tx.Onchain.VerificationError = ""

	if tx.Status == models.StatusMpesaSubmitted {
		if err := models.AssertTransition(tx, models.StatusMpesaProcessing, "onramp credit in progress", "settlement"); err != nil {
			return nil, err
		}
	}
	if err := models.AssertTransition(tx, models.StatusSucceeded, "onramp credit settled", "settlement"); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, tx); err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info("Onramp credit settled", "transactionId", transactionID, "creditTxHash", txHash, "amountUsd", fundedUsd)
	return tx, nil
}

func (s *SettlementService) credit(ctx context.Context, tx *models.Transaction) (string, float64, error) {
	amountUsd := tx.Quote.AmountUsd
	if s.treasury != nil {
		units, err := chain.UsdToUnits(amountUsd, s.tokenDecimals)
		if err != nil {
			return "", 0, err
		}
		hash, err := s.treasury.Transfer(ctx, tx.UserAddress, units)
		if err != nil {
			return "", 0, err
		}
		return hash, amountUsd, nil
	}
	if s.environment == "sandbox" {
		return simulatedRef("CR"), amountUsd, nil
	}
	return "", 0, apperrors.Config("treasury is not configured for onramp credits")
}
