package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"donorpage/services"
	"donorpage/utils"
)

// paymentLedger marks payments succeeded, idempotently.
type paymentLedger interface {
	MarkPaymentSucceeded(ctx context.Context, secretID string) (bool, error)
}

// SuccessHandler receives the client-side signal that the provider flow
// completed. The call is idempotent, keyed by the opaque secret identifier:
// replays are acknowledged without a second state change.
type SuccessHandler struct {
	Ledger paymentLedger
}

type successRequest struct {
	ClientSecret string `json:"client_secret"`
}

func (h *SuccessHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req successRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientSecret == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "client_secret is required."})
		return
	}

	secretID := services.SecretIdentifier(req.ClientSecret)
	changed, err := h.Ledger.MarkPaymentSucceeded(r.Context(), secretID)
	if err != nil {
		utils.Error("success", "Failed to mark payment succeeded", "secret_id", secretID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: "Unable to record payment success."})
		return
	}

	if changed {
		utils.Info("success", "Payment success recorded", "secret_id", secretID)
	} else {
		utils.Debug("success", "Duplicate success signal ignored", "secret_id", secretID)
	}
	w.WriteHeader(http.StatusNoContent)
}
