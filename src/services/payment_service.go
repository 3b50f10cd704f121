package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dotpay/backend/src/apperrors"
	"github.com/dotpay/backend/src/chain"
	"github.com/dotpay/backend/src/daraja"
	"github.com/dotpay/backend/src/logger"
	"github.com/dotpay/backend/src/models"
	"github.com/dotpay/backend/src/quotes"
	"github.com/dotpay/backend/src/repository"
	"github.com/dotpay/backend/src/security"
	"github.com/dotpay/backend/src/security/validation"
)

// PaymentService orchestrates the four payment flows end to end: quote,
// authorization, funding verification, provider submission.
type PaymentService struct {
	store    repository.TransactionStore
	quotes   *quotes.Service
	gateway  DarajaGateway
	verifier FundingVerifier
	pins     PinSource
	refunds  *RefundService
	settings Settings
}

func NewPaymentService(store repository.TransactionStore, quoteSvc *quotes.Service, gateway DarajaGateway,
	verifier FundingVerifier, pins PinSource, refunds *RefundService, settings Settings) *PaymentService {
	return &PaymentService{
		store:    store,
		quotes:   quoteSvc,
		gateway:  gateway,
		verifier: verifier,
		pins:     pins,
		refunds:  refunds,
		settings: settings,
	}
}

// InitiateRequest is the normalized input of every initiate endpoint.
type InitiateRequest struct {
	FlowType       models.FlowType
	UserAddress    string
	IdempotencyKey string
	BusinessID     string

	// Fresh-quote path
	Amount    float64
	Currency  string
	KesPerUsd float64

	// Quote-binding path
	QuoteID string

	// Targets
	Phone            string
	Paybill          string
	Till             string
	AccountReference string

	// Authorization (non-onramp flows)
	Pin       string
	Signature string
	Nonce     string
	SignedAt  string

	// Funding (non-onramp flows)
	OnchainTxHash string
	ChainID       int64

	Metadata models.Metadata
}

// InitiateResult wraps the transaction view with the idempotent-replay marker.
type InitiateResult struct {
	Transaction *models.Transaction
	Idempotent  bool
}

// CreateQuote prices a request and persists it as a quoted transaction so a
// later initiate call can bind it by quoteId.
func (s *PaymentService) CreateQuote(ctx context.Context, userAddress string, req quotes.Request, meta models.Metadata) (*models.Transaction, error) {
	if err := s.ensureEnabled(); err != nil {
		return nil, err
	}
	quote, err := s.quotes.BuildQuote(req)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	tx := &models.Transaction{
		TransactionID: uuid.New().String(),
		FlowType:      req.FlowType,
		Status:        models.StatusCreated,
		UserAddress:   strings.ToLower(userAddress),
		Quote:         quote,
		Refund:        models.Refund{Status: models.RefundNone},
		Metadata:      meta,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.applyFundingDefaults(tx); err != nil {
		return nil, err
	}
	if err := models.AssertTransition(tx, models.StatusQuoted, "quote issued", "api"); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// Initiate runs the shared initiate contract for all four flows.
func (s *PaymentService) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if err := s.ensureEnabled(); err != nil {
		return nil, err
	}
	if !models.ValidFlowType(string(req.FlowType)) {
		return nil, apperrors.Validation("unknown flow type %q", req.FlowType)
	}
	if err := validation.ValidateIdempotencyKey(req.IdempotencyKey); err != nil {
		return nil, err
	}
	req.UserAddress = strings.ToLower(req.UserAddress)

	if existing, err := s.store.FindByIdempotencyKey(ctx, req.UserAddress, req.FlowType, req.IdempotencyKey); err == nil {
		return &InitiateResult{Transaction: existing, Idempotent: true}, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	if err := validateTargets(req); err != nil {
		return nil, err
	}

	tx, persisted, err := s.bindOrCreate(ctx, req)
	if err != nil {
		return nil, err
	}
	tx.IdempotencyKey = req.IdempotencyKey
	if req.BusinessID != "" {
		tx.BusinessID = req.BusinessID
	}
	applyTargets(tx, req)

	if err := s.checkLimits(ctx, tx, persisted); err != nil {
		return nil, err
	}

	if err := models.AssertTransition(tx, models.StatusAwaitingUserAuth, "awaiting user authorization", "api"); err != nil {
		return nil, err
	}

	if req.FlowType != models.FlowOnramp {
		if err := s.verifyAuthorization(ctx, tx, req); err != nil {
			return nil, err
		}
	}

	if err := s.persist(ctx, tx, persisted); err != nil {
		return nil, err
	}
	persisted = true

	if tx.FlowType.Funded() && s.settings.RequireFunding {
		if err := s.verifyFunding(ctx, tx, req); err != nil {
			return nil, err
		}
	}

	if err := models.AssertTransition(tx, models.StatusMpesaSubmitted, "submitting to mobile money provider", "api"); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, tx); err != nil {
		return nil, err
	}

	if err := s.submitToProvider(ctx, tx); err != nil {
		return &InitiateResult{Transaction: tx}, err
	}
	return &InitiateResult{Transaction: tx}, nil
}

// InitiateLegacy serves the pre-wallet deposit/withdraw endpoints: phone plus
// a KES amount, no quote binding, no signature, no on-chain funding.
func (s *PaymentService) InitiateLegacy(ctx context.Context, flow models.FlowType, phone string, amountKes float64, meta models.Metadata) (*models.Transaction, error) {
	if err := s.ensureEnabled(); err != nil {
		return nil, err
	}
	if flow != models.FlowOnramp && flow != models.FlowOfframp {
		return nil, apperrors.Validation("legacy endpoints support onramp and offramp only, not %q", flow)
	}
	if err := validation.ValidateMsisdn(phone); err != nil {
		return nil, err
	}
	quote, err := s.quotes.BuildQuote(quotes.Request{FlowType: flow, Amount: amountKes, Currency: "KES"})
	if err != nil {
		return nil, err
	}
	if quote.TotalDebitKes > s.settings.MaxTxnKes {
		return nil, apperrors.Validation("amount %.2f KES exceeds the per-transaction limit of %.2f KES", quote.TotalDebitKes, s.settings.MaxTxnKes)
	}

	if meta.Source == "" {
		meta.Source = "legacy"
	}
	now := time.Now().UTC()
	tx := &models.Transaction{
		TransactionID: uuid.New().String(),
		FlowType:      flow,
		Status:        models.StatusCreated,
		UserAddress:   "legacy:" + phone,
		Quote:         quote,
		Targets:       models.Targets{Phone: phone},
		Onchain:       models.Onchain{Required: false, VerificationStatus: models.VerificationNotRequired},
		Refund:        models.Refund{Status: models.RefundNone},
		Metadata:      meta,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := models.AssertTransition(tx, models.StatusQuoted, "quote issued", "api"); err != nil {
		return nil, err
	}
	if err := models.AssertTransition(tx, models.StatusMpesaSubmitted, "submitting to mobile money provider", "api"); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, tx); err != nil {
		return nil, err
	}
	if err := s.submitToProvider(ctx, tx); err != nil {
		return tx, err
	}
	return tx, nil
}

// GetTransaction returns a transaction owned by the caller.
func (s *PaymentService) GetTransaction(ctx context.Context, userAddress, transactionID string) (*models.Transaction, error) {
	tx, err := s.store.GetByID(ctx, transactionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.Validation("transaction %s not found", transactionID)
	}
	if err != nil {
		return nil, err
	}
	if tx.UserAddress != strings.ToLower(userAddress) {
		return nil, apperrors.Auth("transaction %s does not belong to the caller", transactionID)
	}
	return tx, nil
}

// ListTransactions returns the caller's transactions, newest first.
func (s *PaymentService) ListTransactions(ctx context.Context, userAddress string, filter repository.ListFilter) ([]*models.Transaction, error) {
	filter.UserAddress = strings.ToLower(userAddress)
	return s.store.List(ctx, filter)
}

func (s *PaymentService) ensureEnabled() error {
	if !s.settings.Enabled {
		return apperrors.Disabled("mobile money payments are currently disabled")
	}
	return nil
}

func validateTargets(req InitiateRequest) error {
	switch req.FlowType {
	case models.FlowOnramp, models.FlowOfframp:
		return validation.ValidateMsisdn(req.Phone)
	case models.FlowPaybill:
		if err := validation.ValidateShortcode(req.Paybill, "paybill"); err != nil {
			return err
		}
		return validation.ValidateAccountReference(req.AccountReference)
	case models.FlowBuygoods:
		if err := validation.ValidateShortcode(req.Till, "till"); err != nil {
			return err
		}
		if req.AccountReference != "" {
			return validation.ValidateAccountReference(req.AccountReference)
		}
	}
	return nil
}

func applyTargets(tx *models.Transaction, req InitiateRequest) {
	switch req.FlowType {
	case models.FlowOnramp, models.FlowOfframp:
		tx.Targets.Phone = req.Phone
	case models.FlowPaybill:
		tx.Targets.Paybill = req.Paybill
		tx.Targets.AccountReference = req.AccountReference
	case models.FlowBuygoods:
		tx.Targets.Till = req.Till
		tx.Targets.AccountReference = req.AccountReference
	}
	if req.Metadata.Source != "" || req.Metadata.IP != "" || req.Metadata.UserAgent != "" {
		tx.Metadata = req.Metadata
	}
}

// bindOrCreate resolves the quote-binding path or builds a fresh quote and
// transaction. The bool reports whether the transaction already exists in the
// store.
func (s *PaymentService) bindOrCreate(ctx context.Context, req InitiateRequest) (*models.Transaction, bool, error) {
	now := time.Now().UTC()
	if req.QuoteID != "" {
		tx, err := s.store.FindByQuoteID(ctx, req.QuoteID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, false, apperrors.Validation("quote %s not found", req.QuoteID)
		}
		if err != nil {
			return nil, false, err
		}
		if tx.UserAddress != req.UserAddress {
			return nil, false, apperrors.Auth("quote %s belongs to a different user", req.QuoteID)
		}
		if tx.FlowType != req.FlowType {
			return nil, false, apperrors.State("quote %s was issued for flow %s", req.QuoteID, tx.FlowType)
		}
		if tx.Quote.Expired(now) {
			return nil, false, apperrors.State("quote %s expired at %s", req.QuoteID, tx.Quote.ExpiresAt.Format(time.RFC3339))
		}
		return tx, true, nil
	}

	quote, err := s.quotes.BuildQuote(quotes.Request{
		FlowType:  req.FlowType,
		Amount:    req.Amount,
		Currency:  req.Currency,
		KesPerUsd: req.KesPerUsd,
	})
	if err != nil {
		return nil, false, err
	}
	tx := &models.Transaction{
		TransactionID: uuid.New().String(),
		FlowType:      req.FlowType,
		Status:        models.StatusCreated,
		UserAddress:   req.UserAddress,
		Quote:         quote,
		Refund:        models.Refund{Status: models.RefundNone},
		Metadata:      req.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.applyFundingDefaults(tx); err != nil {
		return nil, false, err
	}
	if err := models.AssertTransition(tx, models.StatusQuoted, "quote issued", "api"); err != nil {
		return nil, false, err
	}
	return tx, false, nil
}

func (s *PaymentService) persist(ctx context.Context, tx *models.Transaction, persisted bool) error {
	if persisted {
		return s.store.Update(ctx, tx)
	}
	return s.store.Create(ctx, tx)
}

func (s *PaymentService) applyFundingDefaults(tx *models.Transaction) error {
	if !tx.FlowType.Funded() || !s.settings.RequireFunding {
		tx.Onchain = models.Onchain{Required: false, VerificationStatus: models.VerificationNotRequired}
		return nil
	}
	units, err := chain.ExpectedUnits(tx.Quote.TotalDebitKes, tx.Quote.RateKesPerUsd, s.settings.TokenDecimals)
	if err != nil {
		return err
	}
	tx.Onchain = models.Onchain{
		Required:            true,
		ChainID:             s.settings.ChainID,
		TokenAddress:        strings.ToLower(s.settings.TokenAddress),
		TreasuryAddress:     strings.ToLower(s.settings.TreasuryAddress),
		ExpectedAmountUnits: units.String(),
		ExpectedAmountUsd:   chain.UnitsToUsd(units, s.settings.TokenDecimals),
		VerificationStatus:  models.VerificationPending,
	}
	return nil
}

func (s *PaymentService) checkLimits(ctx context.Context, tx *models.Transaction, persisted bool) error {
	total := tx.Quote.TotalDebitKes
	if total > s.settings.MaxTxnKes {
		return apperrors.Validation("amount %.2f KES exceeds the per-transaction limit of %.2f KES", total, s.settings.MaxTxnKes)
	}
	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	sum, err := s.store.SumDebitKesSince(ctx, tx.UserAddress, midnight)
	if err != nil {
		return err
	}
	if !persisted {
		sum += total
	}
	if sum > s.settings.MaxDailyKes {
		return apperrors.Validation("daily limit of %.2f KES exceeded", s.settings.MaxDailyKes)
	}
	return nil
}

func (s *PaymentService) verifyAuthorization(ctx context.Context, tx *models.Transaction, req InitiateRequest) error {
	pin, err := security.NormalizePin(req.Pin)
	if err != nil {
		return apperrors.Auth("invalid PIN: %v", err)
	}
	if s.pins != nil {
		stored, err := s.pins.PinHash(ctx, tx.UserAddress)
		if err != nil {
			return err
		}
		if stored != "" {
			if err := security.VerifyPin(pin, stored); err != nil {
				return err
			}
		}
	}

	in := security.AuthorizationInput{
		TransactionID:     tx.TransactionID,
		FlowType:          string(tx.FlowType),
		QuoteID:           tx.Quote.QuoteID,
		TotalDebitKes:     tx.Quote.TotalDebitKes,
		ExpectedAmountUsd: tx.Onchain.ExpectedAmountUsd,
		Target:            tx.TargetDescriptor(),
		Nonce:             req.Nonce,
		SignedAt:          req.SignedAt,
	}
	signer, err := security.VerifyAuthorization(in, req.Signature, tx.UserAddress, s.settings.SignatureMaxAge)
	if err != nil {
		return err
	}
	tx.Authorization = models.Authorization{
		PinProvided:   true,
		Signature:     req.Signature,
		SignerAddress: signer,
		SignedAt:      req.SignedAt,
		Nonce:         req.Nonce,
	}
	return nil
}

func (s *PaymentService) verifyFunding(ctx context.Context, tx *models.Transaction, req InitiateRequest) error {
	if req.OnchainTxHash == "" {
		return apperrors.Validation("onchainTxHash is required for %s", tx.FlowType)
	}
	hash := strings.ToLower(req.OnchainTxHash)
	if existing, err := s.store.FindByTxHash(ctx, hash); err == nil && existing.TransactionID != tx.TransactionID {
		return apperrors.State("funding transaction %s is already linked to another payment", hash)
	} else if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	if err := models.AssertTransition(tx, models.StatusAwaitingOnchainFund, "verifying on-chain funding", "api"); err != nil {
		return err
	}
	tx.Onchain.TxHash = hash
	if err := s.store.Update(ctx, tx); err != nil {
		return err
	}

	expected, ok := new(big.Int).SetString(tx.Onchain.ExpectedAmountUnits, 10)
	if !ok || expected.Sign() <= 0 {
		return apperrors.Config("transaction %s has no expected funding amount", tx.TransactionID)
	}
	expectedFrom := tx.Authorization.SignerAddress
	if expectedFrom == "" {
		expectedFrom = tx.UserAddress
	}

	result, err := s.verifier.Verify(ctx, hash, expectedFrom, req.ChainID, expected)
	if err != nil {
		tx.Onchain.VerificationStatus = models.VerificationFailed
		tx.Onchain.VerificationError = err.Error()
		if terr := models.AssertTransition(tx, models.StatusFailed, "funding verification failed: "+err.Error(), "api"); terr != nil {
			logger.FromContext(ctx).Error("Failed to mark funding failure", "transactionId", tx.TransactionID, "error", terr)
		}
		if uerr := s.store.Update(ctx, tx); uerr != nil {
			logger.FromContext(ctx).Error("Failed to persist funding failure", "transactionId", tx.TransactionID, "error", uerr)
		}
		return err
	}

	tx.Onchain.TxHash = result.TxHash
	tx.Onchain.FromAddress = result.From
	tx.Onchain.ToAddress = result.To
	tx.Onchain.FundedAmountUnits = result.FundedUnits.String()
	tx.Onchain.FundedAmountUsd = result.FundedUsd
	tx.Onchain.LogIndex = result.LogIndex
	tx.Onchain.BlockNumber = result.BlockNumber
	tx.Onchain.VerificationStatus = models.VerificationVerified
	tx.Onchain.VerificationError = ""
	return nil
}

// submitToProvider builds and submits the provider payload for the flow and
// classifies the synchronous outcome.
func (s *PaymentService) submitToProvider(ctx context.Context, tx *models.Transaction) error {
	var (
		result *daraja.SubmitResult
		payload any
		err    error
	)
	switch tx.FlowType {
	case models.FlowOnramp:
		req := s.gateway.BuildSTKPush(tx.Targets.Phone, tx.Quote.TotalDebitKes,
			tx.TransactionID, "DotPay onramp", s.callbackURL("stk", tx.TransactionID))
		payload = req
		result, err = s.gateway.SubmitSTKPush(ctx, req)
	case models.FlowOfframp:
		req := s.gateway.BuildB2C(tx.Targets.Phone, tx.Quote.ExpectedReceiveKes,
			"DotPay offramp", "", s.callbackURL("b2c/result", tx.TransactionID), s.timeoutURL("b2c/timeout", tx.TransactionID))
		payload = req
		result, err = s.gateway.SubmitB2C(ctx, req)
	case models.FlowPaybill:
		req := s.gateway.BuildB2B(tx.Targets.Paybill, false, tx.Quote.ExpectedReceiveKes,
			tx.Targets.AccountReference, "", "DotPay paybill settlement",
			s.callbackURL("b2b/result", tx.TransactionID), s.timeoutURL("b2b/timeout", tx.TransactionID))
		payload = req
		result, err = s.gateway.SubmitB2B(ctx, req)
	case models.FlowBuygoods:
		acct := tx.Targets.AccountReference
		if acct == "" {
			acct = "DotPay"
		}
		req := s.gateway.BuildB2B(tx.Targets.Till, true, tx.Quote.ExpectedReceiveKes,
			acct, "", "DotPay buygoods settlement",
			s.callbackURL("b2b/result", tx.TransactionID), s.timeoutURL("b2b/timeout", tx.TransactionID))
		payload = req
		result, err = s.gateway.SubmitB2B(ctx, req)
	default:
		return apperrors.Validation("unknown flow type %q", tx.FlowType)
	}

	tx.Daraja.RawRequest = toMap(payload)
	if err != nil {
		s.failAfterSubmission(ctx, tx, fmt.Sprintf("provider submission failed: %v", err))
		return err
	}

	tx.Daraja.RawResponse = result.Raw
	tx.Daraja.ResponseCode = result.ResponseCode
	tx.Daraja.ResponseDescription = result.ResponseDescription
	if result.MerchantRequestID != "" {
		tx.Daraja.MerchantRequestID = result.MerchantRequestID
	}
	if result.CheckoutRequestID != "" {
		tx.Daraja.CheckoutRequestID = result.CheckoutRequestID
	}
	if result.ConversationID != "" {
		tx.Daraja.ConversationID = result.ConversationID
	}
	if result.OriginatorConversationID != "" {
		tx.Daraja.OriginatorConversationID = result.OriginatorConversationID
	}

	if !result.Accepted {
		reason := fmt.Sprintf("provider rejected submission: code=%s desc=%s http=%d",
			result.ResponseCode, result.ResponseDescription, result.HTTPStatus)
		s.failAfterSubmission(ctx, tx, reason)
		return apperrors.External("%s", reason)
	}

	if err := models.AssertTransition(tx, models.StatusMpesaProcessing, "provider accepted submission", "api"); err != nil {
		return err
	}
	return s.store.Update(ctx, tx)
}

func (s *PaymentService) failAfterSubmission(ctx context.Context, tx *models.Transaction, reason string) {
	if err := models.AssertTransition(tx, models.StatusFailed, reason, "api"); err != nil {
		logger.FromContext(ctx).Error("Failed to mark submission failure", "transactionId", tx.TransactionID, "error", err)
	}
	if err := s.store.Update(ctx, tx); err != nil {
		logger.FromContext(ctx).Error("Failed to persist submission failure", "transactionId", tx.TransactionID, "error", err)
		return
	}
	if s.settings.AutoRefund && tx.Onchain.Required && s.refunds != nil {
		if _, err := s.refunds.ScheduleAutoRefund(ctx, tx.TransactionID, reason); err != nil {
			logger.FromContext(ctx).Error("Auto-refund scheduling failed", "transactionId", tx.TransactionID, "error", err)
		}
	}
}

func (s *PaymentService) callbackURL(kind, transactionID string) string {
	return fmt.Sprintf("%s/api/mpesa/webhooks/%s?tx=%s", strings.TrimSuffix(s.settings.ResultBaseURL, "/"), kind, transactionID)
}

func (s *PaymentService) timeoutURL(kind, transactionID string) string {
	return fmt.Sprintf("%s/api/mpesa/webhooks/%s?tx=%s", strings.TrimSuffix(s.settings.timeoutBase(), "/"), kind, transactionID)
}

// toMap round-trips a payload struct through JSON so it can live in the raw
// document columns.
func toMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
