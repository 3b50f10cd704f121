package services

import (
	"context"
	"errors"
	"time"

	"github.com/dotpay/backend/src/daraja"
	"github.com/dotpay/backend/src/logger"
	"github.com/dotpay/backend/src/models"
	"github.com/dotpay/backend/src/repository"
)

// Webhook kinds, also the first segment of every dedup event key.
const (
	KindSTK        = "stk"
	KindB2CResult  = "b2c_result"
	KindB2CTimeout = "b2c_timeout"
	KindB2BResult  = "b2b_result"
	KindB2BTimeout = "b2b_timeout"
)

// WebhookService demultiplexes the provider's asynchronous callbacks onto the
// transaction state machine. Every handler swallows internal errors; the HTTP
// layer always acks so the provider stops retrying.
type WebhookService struct {
	store    repository.TransactionStore
	dedup    repository.DedupStore
	refunds  *RefundService
	settler  *SettlementService
	settings Settings
}

func NewWebhookService(store repository.TransactionStore, dedup repository.DedupStore,
	refunds *RefundService, settler *SettlementService, settings Settings) *WebhookService {
	return &WebhookService{
		store:    store,
		dedup:    dedup,
		refunds:  refunds,
		settler:  settler,
		settings: settings,
	}
}

// HandleSTK processes the Lipa Na M-Pesa Online callback.
func (s *WebhookService) HandleSTK(ctx context.Context, txRef string, cb daraja.STKCallback, raw map[string]any) {
	log := logger.FromContext(ctx)
	body := cb.Body.StkCallback

	tx := s.locate(ctx, txRef, body.CheckoutRequestID, body.MerchantRequestID)
	if tx == nil {
		log.Warn("STK callback matched no transaction", "checkoutRequestId", body.CheckoutRequestID)
		return
	}

	code, parsed := daraja.ParseResultCode(body.ResultCode)
	if !s.recordEvent(ctx, KindSTK, tx.TransactionID, body.CheckoutRequestID, code, raw) {
		log.Info("Duplicate STK callback dropped", "transactionId", tx.TransactionID)
		return
	}

	now := time.Now().UTC()
	if body.MerchantRequestID != "" {
		tx.Daraja.MerchantRequestID = body.MerchantRequestID
	}
	if body.CheckoutRequestID != "" {
		tx.Daraja.CheckoutRequestID = body.CheckoutRequestID
	}
	tx.Daraja.ResultCode = code
	tx.Daraja.ResultCodeParsed = parsed
	tx.Daraja.ResultDescription = body.ResultDesc
	if receipt := cb.ReceiptNumber(); receipt != "" {
		tx.Daraja.ReceiptNumber = receipt
	}
	tx.Daraja.RawCallback = raw
	tx.Daraja.CallbackReceivedAt = &now

	if code == "0" {
		if tx.FlowType == models.FlowOnramp {
			if tx.Status == models.StatusMpesaSubmitted {
				if err := models.AssertTransition(tx, models.StatusMpesaProcessing, "STK payment confirmed", "webhook"); err != nil {
					log.Error("STK transition failed", "transactionId", tx.TransactionID, "error", err)
					return
				}
			}
			if err := s.store.Update(ctx, tx); err != nil {
				log.Error("Failed to persist STK callback", "transactionId", tx.TransactionID, "error", err)
				return
			}
			s.settleAsync(tx.TransactionID)
			return
		}
		s.succeed(ctx, tx, "STK payment confirmed")
		return
	}
	s.fail(ctx, tx, "STK payment failed: "+body.ResultDesc)
}

// HandleB2CResult processes the consumer-payout result callback.
func (s *WebhookService) HandleB2CResult(ctx context.Context, txRef string, cb daraja.ResultCallback, raw map[string]any) {
	s.handleResult(ctx, KindB2CResult, txRef, cb, raw)
}

// HandleB2CTimeout processes the consumer-payout queue-timeout callback.
func (s *WebhookService) HandleB2CTimeout(ctx context.Context, txRef string, cb daraja.ResultCallback, raw map[string]any) {
	s.handleTimeout(ctx, KindB2CTimeout, txRef, cb, raw)
}

// HandleB2BResult processes the merchant-settlement result callback.
func (s *WebhookService) HandleB2BResult(ctx context.Context, txRef string, cb daraja.ResultCallback, raw map[string]any) {
	s.handleResult(ctx, KindB2BResult, txRef, cb, raw)
}

// HandleB2BTimeout processes the merchant-settlement queue-timeout callback.
func (s *WebhookService) HandleB2BTimeout(ctx context.Context, txRef string, cb daraja.ResultCallback, raw map[string]any) {
	s.handleTimeout(ctx, KindB2BTimeout, txRef, cb, raw)
}

func (s *WebhookService) handleResult(ctx context.Context, kind, txRef string, cb daraja.ResultCallback, raw map[string]any) {
	log := logger.FromContext(ctx)
	result := cb.Result

	tx := s.locate(ctx, txRef, result.ConversationID, result.OriginatorConversationID)
	if tx == nil {
		log.Warn("Result callback matched no transaction", "kind", kind, "conversationId", result.ConversationID)
		return
	}

	code, parsed := daraja.ParseResultCode(result.ResultCode)
	providerID := result.ConversationID
	if providerID == "" {
		providerID = result.OriginatorConversationID
	}
	if !s.recordEvent(ctx, kind, tx.TransactionID, providerID, code, raw) {
		log.Info("Duplicate result callback dropped", "kind", kind, "transactionId", tx.TransactionID)
		return
	}

	s.mergeResult(tx, result, code, parsed, cb.ReceiptNumber(), raw)
	if code == "0" {
		s.succeed(ctx, tx, "provider confirmed payout")
		return
	}
	s.fail(ctx, tx, "provider reported failure: "+result.ResultDesc)
}

func (s *WebhookService) handleTimeout(ctx context.Context, kind, txRef string, cb daraja.ResultCallback, raw map[string]any) {
	log := logger.FromContext(ctx)
	result := cb.Result

	tx := s.locate(ctx, txRef, result.ConversationID, result.OriginatorConversationID)
	if tx == nil {
		log.Warn("Timeout callback matched no transaction", "kind", kind)
		return
	}

	code, parsed := daraja.ParseResultCode(result.ResultCode)
	providerID := result.ConversationID
	if providerID == "" {
		providerID = result.OriginatorConversationID
	}
	if !s.recordEvent(ctx, kind, tx.TransactionID, providerID, code, raw) {
		log.Info("Duplicate timeout callback dropped", "kind", kind, "transactionId", tx.TransactionID)
		return
	}

	s.mergeResult(tx, result, code, parsed, "", raw)
	s.fail(ctx, tx, "provider request timed out in queue")
}

func (s *WebhookService) mergeResult(tx *models.Transaction, result daraja.CallbackResult, code string, parsed *int, receipt string, raw map[string]any) {
	now := time.Now().UTC()
	if result.ConversationID != "" {
		tx.Daraja.ConversationID = result.ConversationID
	}
	if result.OriginatorConversationID != "" {
		tx.Daraja.OriginatorConversationID = result.OriginatorConversationID
	}
	tx.Daraja.ResultCode = code
	tx.Daraja.ResultCodeParsed = parsed
	tx.Daraja.ResultDescription = result.ResultDesc
	if receipt != "" {
		tx.Daraja.ReceiptNumber = receipt
	}
	tx.Daraja.RawCallback = raw
	tx.Daraja.CallbackReceivedAt = &now
}

// locate resolves the transaction for a callback: canonical tx query param
// first, then any provider-issued reference.
func (s *WebhookService) locate(ctx context.Context, txRef string, providerRefs ...string) *models.Transaction {
	if txRef != "" {
		tx, err := s.store.GetByID(ctx, txRef)
		if err == nil {
			return tx
		}
		if !errors.Is(err, repository.ErrNotFound) {
			logger.FromContext(ctx).Error("Transaction lookup failed", "txRef", txRef, "error", err)
		}
	}
	for _, ref := range providerRefs {
		if ref == "" {
			continue
		}
		tx, err := s.store.FindByProviderRef(ctx, ref)
		if err == nil {
			return tx
		}
		if !errors.Is(err, repository.ErrNotFound) {
			logger.FromContext(ctx).Error("Provider reference lookup failed", "ref", ref, "error", err)
		}
	}
	return nil
}

// recordEvent inserts the dedup record; false means this callback was
// already applied.
func (s *WebhookService) recordEvent(ctx context.Context, kind, transactionID, providerID, resultCode string, raw map[string]any) bool {
	inserted, err := s.dedup.Insert(ctx, &models.DedupEvent{
		EventKey:      models.BuildEventKey(kind, transactionID, providerID, resultCode),
		TransactionID: transactionID,
		Source:        models.DedupSourceWebhook,
		EventType:     kind,
		Payload:       raw,
		ReceivedAt:    time.Now().UTC(),
	})
	if err != nil {
		logger.FromContext(ctx).Error("Dedup insert failed", "transactionId", transactionID, "error", err)
		return false
	}
	return inserted
}

func (s *WebhookService) succeed(ctx context.Context, tx *models.Transaction, reason string) {
	log := logger.FromContext(ctx)
	if tx.Terminal() {
		if err := s.store.Update(ctx, tx); err != nil {
			log.Error("Failed to persist callback on terminal transaction", "transactionId", tx.TransactionID, "error", err)
		}
		return
	}
	if err := models.AssertTransition(tx, models.StatusSucceeded, reason, "webhook"); err != nil {
		log.Error("Success transition rejected", "transactionId", tx.TransactionID, "error", err)
		return
	}
	if err := s.store.Update(ctx, tx); err != nil {
		log.Error("Failed to persist success callback", "transactionId", tx.TransactionID, "error", err)
	}
}

func (s *WebhookService) fail(ctx context.Context, tx *models.Transaction, reason string) {
	log := logger.FromContext(ctx)
	if tx.Terminal() || tx.Status == models.StatusFailed {
		if err := s.store.Update(ctx, tx); err != nil {
			log.Error("Failed to persist callback on settled transaction", "transactionId", tx.TransactionID, "error", err)
		}
		return
	}
	if err := models.AssertTransition(tx, models.StatusFailed, reason, "webhook"); err != nil {
		log.Error("Failure transition rejected", "transactionId", tx.TransactionID, "error", err)
		return
	}
	if err := s.store.Update(ctx, tx); err != nil {
		log.Error("Failed to persist failure callback", "transactionId", tx.TransactionID, "error", err)
		return
	}
	if s.settings.AutoRefund && tx.Onchain.Required && s.refunds != nil {
		id := tx.TransactionID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if _, err := s.refunds.ScheduleAutoRefund(ctx, id, reason); err != nil {
				logger.L.Error("Auto-refund after callback failed", "transactionId", id, "error", err)
			}
		}()
	}
}

// settleAsync credits the onramp out-of-band so the webhook ack is not
// delayed by the on-chain transfer.
func (s *WebhookService) settleAsync(transactionID string) {
	if s.settler == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := s.settler.SettleOnramp(ctx, transactionID); err != nil {
			logger.L.Error("Onramp settlement failed", "transactionId", transactionID, "error", err)
		}
	}()
}
