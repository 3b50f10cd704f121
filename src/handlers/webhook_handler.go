package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/dotpay/backend/src/daraja"
	"github.com/dotpay/backend/src/logger"
	"github.com/dotpay/backend/src/services"
)

const maxWebhookBody = 1 << 20

// WebhookHandler receives the provider's asynchronous callbacks. Every
// endpoint acks with ResultCode 0 no matter what happened internally, so the
// provider does not keep retrying.
type WebhookHandler struct {
	webhooks *services.WebhookService
}

func NewWebhookHandler(webhooks *services.WebhookService) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks}
}

// HandleSTK receives the Lipa Na M-Pesa Online callback.
func (h *WebhookHandler) HandleSTK(w http.ResponseWriter, r *http.Request) {
	raw, body, ok := readCallback(w, r)
	if !ok {
		return
	}
	var cb daraja.STKCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		logger.FromContext(r.Context()).Warn("Unparseable STK callback", "error", err)
		ack(w)
		return
	}
	h.webhooks.HandleSTK(r.Context(), r.URL.Query().Get("tx"), cb, raw)
	ack(w)
}

// HandleB2CResult receives the consumer-payout result callback.
func (h *WebhookHandler) HandleB2CResult(w http.ResponseWriter, r *http.Request) {
	h.result(w, r, h.webhooks.HandleB2CResult)
}

// HandleB2CTimeout receives the consumer-payout queue-timeout callback.
func (h *WebhookHandler) HandleB2CTimeout(w http.ResponseWriter, r *http.Request) {
	h.result(w, r, h.webhooks.HandleB2CTimeout)
}

// HandleB2BResult receives the merchant-settlement result callback.
func (h *WebhookHandler) HandleB2BResult(w http.ResponseWriter, r *http.Request) {
	h.result(w, r, h.webhooks.HandleB2BResult)
}

// HandleB2BTimeout receives the merchant-settlement queue-timeout callback.
func (h *WebhookHandler) HandleB2BTimeout(w http.ResponseWriter, r *http.Request) {
	h.result(w, r, h.webhooks.HandleB2BTimeout)
}

func (h *WebhookHandler) result(w http.ResponseWriter, r *http.Request,
	handle func(ctx context.Context, txRef string, cb daraja.ResultCallback, raw map[string]any)) {
	raw, body, ok := readCallback(w, r)
	if !ok {
		return
	}
	var cb daraja.ResultCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		logger.FromContext(r.Context()).Warn("Unparseable result callback", "path", r.URL.Path, "error", err)
		ack(w)
		return
	}
	handle(r.Context(), r.URL.Query().Get("tx"), cb, raw)
	ack(w)
}

// readCallback drains the body once and returns both the raw document and the
// bytes for typed decoding.
func readCallback(w http.ResponseWriter, r *http.Request) (map[string]any, []byte, bool) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		logger.FromContext(r.Context()).Warn("Failed to read callback body", "error", err)
		ack(w)
		return nil, nil, false
	}
	raw := map[string]any{}
	if err := json.Unmarshal(body, &raw); err != nil {
		logger.FromContext(r.Context()).Warn("Callback body is not a JSON object", "error", err)
		ack(w)
		return nil, nil, false
	}
	return raw, body, true
}

func ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(daraja.AcceptedAck)
}
