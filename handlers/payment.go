package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"donorpage/services"
	"donorpage/templates"
	"donorpage/utils"
)

const sessionCookie = "donor_session"

// paymentCoordinator is the slice of the payment coordinator the handlers
// use, kept narrow for testing.
type paymentCoordinator interface {
	CreatePayment(ctx context.Context, sessionID string, sub templates.ContributionSubmission, page templates.PageConfiguration) (templates.Payment, error)
	CancelPayment(ctx context.Context, sessionID string, p templates.Payment) error
	PendingPayment(sessionID string) (templates.Payment, bool)
	Release(sessionID string)
}

// pageLoader fetches page configurations by slug pair.
type pageLoader interface {
	Load(ctx context.Context, rpSlug, pageSlug string) (templates.PageConfiguration, error)
}

// finalizeFunc dispatches one provider confirmation and returns the
// destination URL for the provider-driven redirect.
type finalizeFunc func(ctx context.Context, p templates.Payment, paymentMethodID, returnURL string) (string, error)

// PaymentHandler serves payment creation, confirmation and cancellation.
type PaymentHandler struct {
	Coordinator paymentCoordinator
	Loader      pageLoader
	Finalize    finalizeFunc
	SiteBaseURL string
}

// CreatePaymentRequest is the donor submission plus the page it belongs to.
type CreatePaymentRequest struct {
	templates.ContributionSubmission
	RPSlug   string `json:"rp_slug"`
	PageSlug string `json:"page_slug"`
}

type confirmRequest struct {
	PaymentMethodID string `json:"payment_method_id"`
}

type errorResponse struct {
	Detail      string            `json:"detail,omitempty"`
	FieldErrors map[string]string `json:"field_errors,omitempty"`
}

// Create handles POST /api/payments.
func (h *PaymentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "Malformed request body."})
		return
	}

	page, err := h.Loader.Load(r.Context(), req.RPSlug, req.PageSlug)
	if err != nil {
		if errors.Is(err, services.ErrPageNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Detail: "Page not found."})
			return
		}
		utils.Error("payment", "Page load failed during payment creation", "rp", req.RPSlug, "page", req.PageSlug, "error", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Detail: "Could not load the donation page."})
		return
	}

	payment, err := h.Coordinator.CreatePayment(r.Context(), sessionID(w, r), req.ContributionSubmission, page)
	if err != nil {
		var vErr *services.ValidationError
		switch {
		case errors.As(err, &vErr):
			writeJSON(w, http.StatusBadRequest, errorResponse{FieldErrors: vErr.Fields})
		case errors.Is(err, services.ErrPaymentPending):
			writeJSON(w, http.StatusConflict, errorResponse{Detail: "A payment is already in progress."})
		default:
			utils.Error("payment", "Payment creation failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Detail: "Something went wrong. Please try again."})
		}
		return
	}

	writeJSON(w, http.StatusCreated, payment)
}

// Confirm handles POST /api/payments/confirm: it builds the return URL the
// interstitial depends on, dispatches the provider confirmation, and hands
// back the redirect destination.
func (h *PaymentHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "Malformed request body."})
		return
	}

	sid := sessionID(w, r)
	payment, ok := h.Coordinator.PendingPayment(sid)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Detail: "No payment awaiting confirmation."})
		return
	}

	returnURL, err := services.BuildReturnURL(h.SiteBaseURL, payment)
	if err != nil {
		utils.Error("payment", "Return URL construction failed", "uid", payment.UUID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: services.GenericPaymentMessage})
		return
	}

	dest, err := h.Finalize(r.Context(), payment, req.PaymentMethodID, returnURL)
	if err != nil {
		var donorErr *services.DonorError
		if errors.As(err, &donorErr) {
			writeJSON(w, http.StatusPaymentRequired, errorResponse{Detail: donorErr.Message})
			return
		}
		utils.Error("payment", "Confirmation dispatch failed", "uid", payment.UUID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: services.GenericPaymentMessage})
		return
	}

	// The donor is leaving for the provider redirect; the pending slot has
	// done its job.
	h.Coordinator.Release(sid)

	writeJSON(w, http.StatusOK, map[string]string{"redirect_url": dest})
}

// Cancel handles DELETE /api/payments: the donor closed the confirmation
// step, so the provider-side intent is voided instead of left orphaned.
func (h *PaymentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	sid := sessionID(w, r)
	payment, ok := h.Coordinator.PendingPayment(sid)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.Coordinator.CancelPayment(r.Context(), sid, payment); err != nil {
		utils.Error("payment", "Payment cancellation failed", "uid", payment.UUID, "error", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Detail: "Could not cancel the payment."})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ServeHTTP routes by method so one mux entry covers the payment resource.
func (h *PaymentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.Create(w, r)
	case http.MethodDelete:
		h.Cancel(w, r)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		utils.Error("http", "Response encoding failed", "error", err)
	}
}

// sessionID reads the donor session cookie, minting one when absent. The
// session key scopes the one-pending-payment invariant.
func sessionID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}

	sid := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return sid
}
