package handlers

import (
	"net/http"

	"github.com/dotpay/backend/src/logger"
	"github.com/dotpay/backend/src/services"
)

// ReconcileHandler exposes the operator sweep over stuck transactions.
type ReconcileHandler struct {
	reconciler *services.ReconcileService
}

func NewReconcileHandler(reconciler *services.ReconcileService) *ReconcileHandler {
	return &ReconcileHandler{reconciler: reconciler}
}

// HandleReconcile runs one sweep and reports what it touched.
func (h *ReconcileHandler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	var body services.ReconcileRequest
	if r.ContentLength != 0 {
		if !decodeBody(w, r, &body) {
			return
		}
	}
	result, err := h.reconciler.Run(r.Context(), body)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	logger.FromContext(r.Context()).Info("Reconcile sweep finished",
		"scanned", result.Scanned, "markedFailed", result.MarkedFailed, "refunded", result.Refunded)
	sendData(w, http.StatusOK, result)
}
