package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dotpay/backend/src/apperrors"
	"github.com/dotpay/backend/src/chain"
	"github.com/dotpay/backend/src/logger"
	"github.com/dotpay/backend/src/models"
	"github.com/dotpay/backend/src/repository"
	"github.com/dotpay/backend/src/security"
)

// RefundService compensates failed funded flows by returning the user's
// stablecoin. With no treasury configured it falls back to a simulated
// reference in sandbox.
type RefundService struct {
	store         repository.TransactionStore
	treasury      TreasuryWallet
	tokenDecimals int
	environment   string
	enabled       bool
}

func NewRefundService(store repository.TransactionStore, treasury TreasuryWallet, tokenDecimals int, environment string, enabled bool) *RefundService {
	return &RefundService{
		store:         store,
		treasury:      treasury,
		tokenDecimals: tokenDecimals,
		environment:   environment,
		enabled:       enabled,
	}
}

// ScheduleAutoRefund refunds a failed funded transaction. Non-eligible
// transactions (onramp, non-failed states) are a no-op returning the
// transaction unchanged.
func (s *RefundService) ScheduleAutoRefund(ctx context.Context, transactionID, reason string) (*models.Transaction, error) {
	tx, err := s.store.GetByID(ctx, transactionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.Validation("transaction %s not found", transactionID)
	}
	if err != nil {
		return nil, err
	}
	if !tx.Onchain.Required || tx.Status != models.StatusFailed {
		return tx, nil
	}

	now := time.Now().UTC()
	tx.Refund.Status = models.RefundPending
	tx.Refund.Reason = reason
	tx.Refund.InitiatedAt = &now
	if err := models.AssertTransition(tx, models.StatusRefundPending, "refund initiated: "+reason, "refund"); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, tx); err != nil {
		return nil, err
	}

	txHash, err := s.execute(ctx, tx)
	if err != nil {
		tx.Refund.Status = models.RefundFailed
		tx.Refund.Reason = fmt.Sprintf("%s; refund failed: %v", reason, err)
		if terr := models.AssertTransition(tx, models.StatusFailed, "refund failed: "+err.Error(), "refund"); terr != nil {
			logger.FromContext(ctx).Error("Failed to mark refund failure", "transactionId", tx.TransactionID, "error", terr)
		}
		if uerr := s.store.Update(ctx, tx); uerr != nil {
			return nil, uerr
		}
		return tx, err
	}

	completed := time.Now().UTC()
	tx.Refund.TxHash = txHash
	tx.Refund.Status = models.RefundCompleted
	tx.Refund.CompletedAt = &completed
	if err := models.AssertTransition(tx, models.StatusRefunded, "refund completed", "refund"); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, tx); err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info("Refund completed", "transactionId", tx.TransactionID, "refundTxHash", txHash)
	return tx, nil
}

func (s *RefundService) execute(ctx context.Context, tx *models.Transaction) (string, error) {
	recipient := s.recipient(tx)
	if !security.ValidHexAddress(recipient) {
		return "", apperrors.Validation("refund recipient %q is not a valid address", recipient)
	}
	amountUsd := s.amountUsd(tx)
	if amountUsd <= 0 {
		return "", apperrors.Validation("refund amount resolves to zero")
	}

	if s.treasury != nil && s.enabled {
		units, err := chain.UsdToUnits(amountUsd, s.tokenDecimals)
		if err != nil {
			return "", err
		}
		return s.treasury.Transfer(ctx, recipient, units)
	}
	if s.environment == "sandbox" {
		return simulatedRef("RF"), nil
	}
	return "", apperrors.Config("treasury is not configured for refunds")
}

// recipient prefers the verified funder, then the authorization signer, then
// the account owner.
func (s *RefundService) recipient(tx *models.Transaction) string {
	if tx.Onchain.FromAddress != "" {
		return tx.Onchain.FromAddress
	}
	if tx.Authorization.SignerAddress != "" {
		return tx.Authorization.SignerAddress
	}
	return tx.UserAddress
}

func (s *RefundService) amountUsd(tx *models.Transaction) float64 {
	if tx.Onchain.FundedAmountUsd > 0 {
		return tx.Onchain.FundedAmountUsd
	}
	if tx.Onchain.ExpectedAmountUsd > 0 {
		return tx.Onchain.ExpectedAmountUsd
	}
	if tx.Quote != nil {
		return tx.Quote.AmountUsd
	}
	return 0
}

// simulatedRef synthesizes a sandbox transfer reference of the form
// <prefix>_<base36 time>_<hex>.
func simulatedRef(prefix string) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		buf = []byte{0, 0, 0, 0}
	}
	return fmt.Sprintf("%s_%s_%s", prefix,
		strings.ToUpper(strconv.FormatInt(time.Now().Unix(), 36)),
		strings.ToUpper(hex.EncodeToString(buf)))
}
