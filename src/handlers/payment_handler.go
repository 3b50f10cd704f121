package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dotpay/backend/src/models"
	"github.com/dotpay/backend/src/quotes"
	"github.com/dotpay/backend/src/repository"
	"github.com/dotpay/backend/src/security"
	"github.com/dotpay/backend/src/services"
)

// PaymentHandler exposes the quote, initiate, and transaction-read endpoints.
type PaymentHandler struct {
	authService *security.AuthService
	payments    *services.PaymentService
}

func NewPaymentHandler(authService *security.AuthService, payments *services.PaymentService) *PaymentHandler {
	return &PaymentHandler{
		authService: authService,
		payments:    payments,
	}
}

type quoteRequest struct {
	FlowType  string  `json:"flowType"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	KesPerUsd float64 `json:"kesPerUsd"`
}

// HandleCreateQuote prices a flow and persists the quoted transaction.
func (h *PaymentHandler) HandleCreateQuote(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		sendJSONError(w, "Authentication required", http.StatusUnauthorized)
		return
	}
	var body quoteRequest
	if !decodeBody(w, r, &body) {
		return
	}
	tx, err := h.payments.CreateQuote(r.Context(), claims.Address, quotes.Request{
		FlowType:  models.FlowType(body.FlowType),
		Amount:    body.Amount,
		Currency:  body.Currency,
		KesPerUsd: body.KesPerUsd,
	}, requestMetadata(r))
	if err != nil {
		sendServiceError(w, err)
		return
	}
	sendData(w, http.StatusCreated, tx)
}

type initiateRequest struct {
	IdempotencyKey string `json:"idempotencyKey"`
	BusinessID     string `json:"businessId"`

	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	KesPerUsd float64 `json:"kesPerUsd"`
	QuoteID   string  `json:"quoteId"`

	Phone            string `json:"phone"`
	Paybill          string `json:"paybill"`
	Till             string `json:"till"`
	AccountReference string `json:"accountReference"`

	Pin       string `json:"pin"`
	Signature string `json:"signature"`
	Nonce     string `json:"nonce"`
	SignedAt  string `json:"signedAt"`

	OnchainTxHash string `json:"onchainTxHash"`
	ChainID       int64  `json:"chainId"`
}

// HandleInitiateOnramp starts an STK push that credits the caller's wallet.
func (h *PaymentHandler) HandleInitiateOnramp(w http.ResponseWriter, r *http.Request) {
	h.initiate(w, r, models.FlowOnramp)
}

// HandleInitiateOfframp starts a stablecoin-funded payout to a phone.
func (h *PaymentHandler) HandleInitiateOfframp(w http.ResponseWriter, r *http.Request) {
	h.initiate(w, r, models.FlowOfframp)
}

// HandleInitiatePaybill starts a stablecoin-funded paybill settlement.
func (h *PaymentHandler) HandleInitiatePaybill(w http.ResponseWriter, r *http.Request) {
	h.initiate(w, r, models.FlowPaybill)
}

// HandleInitiateBuygoods starts a stablecoin-funded till settlement.
func (h *PaymentHandler) HandleInitiateBuygoods(w http.ResponseWriter, r *http.Request) {
	h.initiate(w, r, models.FlowBuygoods)
}

func (h *PaymentHandler) initiate(w http.ResponseWriter, r *http.Request, flow models.FlowType) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		sendJSONError(w, "Authentication required", http.StatusUnauthorized)
		return
	}
	var body initiateRequest
	if !decodeBody(w, r, &body) {
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = body.IdempotencyKey
	}

	result, err := h.payments.Initiate(r.Context(), services.InitiateRequest{
		FlowType:         flow,
		UserAddress:      claims.Address,
		IdempotencyKey:   key,
		BusinessID:       body.BusinessID,
		Amount:           body.Amount,
		Currency:         body.Currency,
		KesPerUsd:        body.KesPerUsd,
		QuoteID:          body.QuoteID,
		Phone:            body.Phone,
		Paybill:          body.Paybill,
		Till:             body.Till,
		AccountReference: body.AccountReference,
		Pin:              body.Pin,
		Signature:        body.Signature,
		Nonce:            body.Nonce,
		SignedAt:         body.SignedAt,
		OnchainTxHash:    body.OnchainTxHash,
		ChainID:          body.ChainID,
		Metadata:         requestMetadata(r),
	})
	if err != nil {
		sendServiceError(w, err)
		return
	}
	if result.Idempotent {
		sendData(w, http.StatusOK, result.Transaction)
		return
	}
	sendData(w, http.StatusCreated, result.Transaction)
}

// HandleGetTransaction returns one of the caller's transactions.
func (h *PaymentHandler) HandleGetTransaction(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		sendJSONError(w, "Authentication required", http.StatusUnauthorized)
		return
	}
	tx, err := h.payments.GetTransaction(r.Context(), claims.Address, chi.URLParam(r, "transactionID"))
	if err != nil {
		sendServiceError(w, err)
		return
	}
	sendData(w, http.StatusOK, tx)
}

// HandleListTransactions returns the caller's transactions, newest first.
func (h *PaymentHandler) HandleListTransactions(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		sendJSONError(w, "Authentication required", http.StatusUnauthorized)
		return
	}
	q := r.URL.Query()
	filter := repository.ListFilter{
		FlowType: q.Get("flowType"),
		Status:   q.Get("status"),
	}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.Limit = n
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.Offset = n
		}
	}
	txs, err := h.payments.ListTransactions(r.Context(), claims.Address, filter)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	sendData(w, http.StatusOK, txs)
}

type legacyRequest struct {
	Phone  string  `json:"phone"`
	Amount float64 `json:"amount"`
}

// HandleLegacyDeposit serves the pre-wallet deposit endpoint (STK push by
// phone and amount only).
func (h *PaymentHandler) HandleLegacyDeposit(w http.ResponseWriter, r *http.Request) {
	h.legacy(w, r, models.FlowOnramp)
}

// HandleLegacyWithdraw serves the pre-wallet withdraw endpoint (B2C payout by
// phone and amount only).
func (h *PaymentHandler) HandleLegacyWithdraw(w http.ResponseWriter, r *http.Request) {
	h.legacy(w, r, models.FlowOfframp)
}

func (h *PaymentHandler) legacy(w http.ResponseWriter, r *http.Request, flow models.FlowType) {
	var body legacyRequest
	if !decodeBody(w, r, &body) {
		return
	}
	meta := requestMetadata(r)
	meta.Source = "legacy"
	tx, err := h.payments.InitiateLegacy(r.Context(), flow, strings.TrimSpace(body.Phone), body.Amount, meta)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	sendData(w, http.StatusCreated, tx)
}

func requestMetadata(r *http.Request) models.Metadata {
	return models.Metadata{
		Source:    "api",
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}
}
