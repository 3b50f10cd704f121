package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dotpay/backend/src/apperrors"
	"github.com/dotpay/backend/src/logger"
	"github.com/dotpay/backend/src/models"
	"github.com/dotpay/backend/src/repository"
)

const reconcilePageSize = 100

// ReconcileRequest parameterizes one reconciliation sweep.
type ReconcileRequest struct {
	MaxAgeMinutes int    `json:"maxAgeMinutes"`
	ExecuteQuery  bool   `json:"executeQuery"`
	TransactionID string `json:"transactionId"`
}

// ReconcileResult reports what the sweep touched.
type ReconcileResult struct {
	Scanned      int `json:"scanned"`
	MarkedFailed int `json:"markedFailed"`
	Refunded     int `json:"refunded"`
	Queried      int `json:"queried"`
	QueryErrors  int `json:"queryErrors"`
}

// ReconcileService sweeps transactions stuck in mpesa_processing past the
// cutoff, optionally asking the provider for their final status, and fails
// them; funded transactions are auto-refunded when auto-refund is enabled.
type ReconcileService struct {
	store    repository.TransactionStore
	gateway  DarajaGateway
	refunds  *RefundService
	settings Settings
}

func NewReconcileService(store repository.TransactionStore, gateway DarajaGateway, refunds *RefundService, settings Settings) *ReconcileService {
	return &ReconcileService{
		store:    store,
		gateway:  gateway,
		refunds:  refunds,
		settings: settings,
	}
}

// Run executes one sweep and returns the touch counts.
func (s *ReconcileService) Run(ctx context.Context, req ReconcileRequest) (*ReconcileResult, error) {
	maxAge := s.settings.ReconcileMaxAge
	if req.MaxAgeMinutes > 0 {
		maxAge = time.Duration(req.MaxAgeMinutes) * time.Minute
	}
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	cutoff := time.Now().UTC().Add(-maxAge)

	var candidates []*models.Transaction
	if req.TransactionID != "" {
		tx, err := s.store.GetByID(ctx, req.TransactionID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.Validation("transaction %s not found", req.TransactionID)
		}
		if err != nil {
			return nil, err
		}
		if tx.Status != models.StatusMpesaProcessing {
			return nil, apperrors.State("transaction %s is %s, not %s", tx.TransactionID, tx.Status, models.StatusMpesaProcessing)
		}
		candidates = []*models.Transaction{tx}
	} else {
		var err error
		candidates, err = s.store.ListStale(ctx, []models.Status{models.StatusMpesaProcessing}, cutoff, reconcilePageSize)
		if err != nil {
			return nil, err
		}
	}

	log := logger.FromContext(ctx)
	result := &ReconcileResult{}
	for _, tx := range candidates {
		result.Scanned++
		forced := req.TransactionID != ""

		if req.ExecuteQuery {
			s.queryStatus(ctx, tx, result)
		}

		if !forced && tx.UpdatedAt.After(cutoff) {
			continue
		}

		reason := fmt.Sprintf("reconciler: no provider confirmation within %s", maxAge)
		if err := models.AssertTransition(tx, models.StatusFailed, reason, "reconcile"); err != nil {
			log.Error("Reconcile transition failed", "transactionId", tx.TransactionID, "error", err)
			continue
		}
		if err := s.store.Update(ctx, tx); err != nil {
			log.Error("Reconcile persist failed", "transactionId", tx.TransactionID, "error", err)
			continue
		}
		result.MarkedFailed++

		if s.settings.AutoRefund && tx.Onchain.Required && s.refunds != nil {
			refunded, err := s.refunds.ScheduleAutoRefund(ctx, tx.TransactionID, reason)
			if err != nil {
				log.Error("Reconcile auto-refund failed", "transactionId", tx.TransactionID, "error", err)
				continue
			}
			if refunded != nil && refunded.Status == models.StatusRefunded {
				result.Refunded++
			}
		}
	}
	return result, nil
}

// queryStatus issues a provider TransactionStatusQuery and stashes the
// synchronous response in the transaction metadata.
func (s *ReconcileService) queryStatus(ctx context.Context, tx *models.Transaction, result *ReconcileResult) {
	providerTxID := tx.Daraja.ReceiptNumber
	req := s.gateway.BuildStatusQuery(providerTxID, tx.Daraja.OriginatorConversationID,
		s.resultURL(tx.TransactionID), s.timeoutResultURL(tx.TransactionID))
	res, err := s.gateway.SubmitStatusQuery(ctx, req)
	if err != nil {
		result.QueryErrors++
		logger.FromContext(ctx).Warn("Status query failed", "transactionId", tx.TransactionID, "error", err)
		return
	}
	result.Queried++
	if tx.Metadata.Extra == nil {
		tx.Metadata.Extra = map[string]any{}
	}
	tx.Metadata.Extra["statusQuery"] = map[string]any{
		"queriedAt": time.Now().UTC().Format(time.RFC3339),
		"response":  res.Raw,
	}
}

func (s *ReconcileService) resultURL(transactionID string) string {
	return fmt.Sprintf("%s/api/mpesa/webhooks/b2c/result?tx=%s", s.settings.ResultBaseURL, transactionID)
}

func (s *ReconcileService) timeoutResultURL(transactionID string) string {
	return fmt.Sprintf("%s/api/mpesa/webhooks/b2c/timeout?tx=%s", s.settings.timeoutBase(), transactionID)
}
