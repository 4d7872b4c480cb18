package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/skip2/go-qrcode"

	"donorpage/config"
	"donorpage/services"
	"donorpage/templates"
	"donorpage/utils"
)

// PageHandler serves the donation page shell and the page-configuration API.
type PageHandler struct {
	Loader      pageLoader
	SiteBaseURL string
}

// ServeDonationPage handles GET /{rpSlug}/{pageSlug} and renders the page
// with its configuration embedded, the fast path that saves the client a
// second fetch.
func (h *PageHandler) ServeDonationPage(w http.ResponseWriter, r *http.Request) {
	rpSlug, pageSlug, ok := splitPagePath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	page, err := h.Loader.Load(r.Context(), rpSlug, pageSlug)
	if err != nil {
		if errors.Is(err, services.ErrPageNotFound) {
			http.NotFound(w, r)
			return
		}
		utils.Error("page", "Page load failed", "rp_slug", rpSlug, "page_slug", pageSlug, "error", err)
		http.Error(w, "Unable to load this donation page.", http.StatusBadGateway)
		return
	}

	embedded, err := json.Marshal(page)
	if err != nil {
		utils.Error("page", "Page embed marshalling failed", "page_slug", pageSlug, "error", err)
		http.Error(w, "Unable to load this donation page.", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	component := templates.DonationPage(page, embedded, config.GetStripePublicKey())
	if err := component.Render(r.Context(), w); err != nil {
		utils.Error("page", "Error rendering donation page", "page_slug", pageSlug, "error", err)
	}
}

// LivePageDetail handles GET /api/live-page-detail?revenue_program=..&page=..
// It is the network fallback when no embedded configuration is available.
func (h *PageHandler) LivePageDetail(w http.ResponseWriter, r *http.Request) {
	rpSlug := r.URL.Query().Get("revenue_program")
	pageSlug := r.URL.Query().Get("page")
	if rpSlug == "" || pageSlug == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "revenue_program and page are required."})
		return
	}

	page, err := h.Loader.Load(r.Context(), rpSlug, pageSlug)
	if err != nil {
		if errors.Is(err, services.ErrPageNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Detail: "Page not found."})
			return
		}
		utils.Error("page", "Page detail load failed", "rp_slug", rpSlug, "page_slug", pageSlug, "error", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Detail: "Unable to load page configuration."})
		return
	}

	writeJSON(w, http.StatusOK, page)
}

// PageQR handles GET /page-qr?rpSlug=..&pageSlug=.. and returns a PNG QR
// code pointing at the public donation page, for off-line sharing.
func (h *PageHandler) PageQR(w http.ResponseWriter, r *http.Request) {
	rpSlug := r.URL.Query().Get("rpSlug")
	pageSlug := r.URL.Query().Get("pageSlug")
	if rpSlug == "" || pageSlug == "" {
		http.Error(w, "rpSlug and pageSlug are required", http.StatusBadRequest)
		return
	}

	pageURL := strings.TrimSuffix(h.SiteBaseURL, "/") + services.JoinPath(rpSlug, pageSlug)
	png, err := qrcode.Encode(pageURL, qrcode.Medium, 256)
	if err != nil {
		utils.Error("page", "QR generation failed", "url", pageURL, "error", err)
		http.Error(w, "Unable to generate QR code.", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(png); err != nil {
		utils.Error("page", "QR write failed", "error", err)
	}
}

func splitPagePath(path string) (rpSlug, pageSlug string, ok bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
