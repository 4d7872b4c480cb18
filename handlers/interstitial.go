package handlers

import (
	"context"
	"net/http"
	"time"

	"donorpage/services"
	"donorpage/templates"
	"donorpage/utils"
)

// analyticsReadyTimeout bounds the wait for the collector handshake. Server
// request contexts carry no deadline of their own, so the bound is explicit.
const analyticsReadyTimeout = 10 * time.Second

// conversionLedger claims the single conversion slot per contribution.
type conversionLedger interface {
	RecordConversion(ctx context.Context, uid, amount string) (bool, error)
}

// InterstitialHandler is the landing point for the provider's post-payment
// redirect. It reconstructs everything from the query string, configures
// analytics exactly once, records the conversion exactly once, and makes
// exactly one navigation decision.
type InterstitialHandler struct {
	Loader       pageLoader
	Ledger       conversionLedger
	NewAnalytics func() *services.Analytics
	ThankYouSlug string
}

func (h *InterstitialHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	params := services.ParseInterstitialParams(r.URL.Query())

	// Step 1: the slug pair gates the fetch. Its absence should not happen
	// in a normal flow; skip the fetch rather than fail.
	var page *templates.PageConfiguration
	if params.RPSlug != "" && params.PageSlug != "" {
		// Step 2: a failed fetch is escalated. Continuing without the page
		// would silently under-report analytics, which is worse than a
		// visible error.
		pc, err := h.Loader.Load(ctx, params.RPSlug, params.PageSlug)
		if err != nil {
			utils.Error("interstitial", "Page fetch failed after provider redirect",
				"rp_slug", params.RPSlug, "page_slug", params.PageSlug, "error", err)
			http.Error(w, "Unable to finish processing your contribution.", http.StatusBadGateway)
			return
		}
		page = &pc
	} else {
		utils.Warn("interstitial", "Missing slug pair on provider return", "uid", params.UID)
	}

	// Steps 3-5 need a page; without one there is nothing to attribute to.
	if page != nil {
		analytics := h.NewAnalytics()

		// Step 3: apply the analytics config at most once.
		if !analytics.Configured() {
			analytics.Configure(services.NewAnalyticsConfig(*page))
		}

		// Step 4: one-shot readiness future with an explicit deadline. Warm
		// always delivers an outcome, so the donor is never parked on a
		// handshake that already failed.
		warmCtx, cancel := context.WithTimeout(ctx, analyticsReadyTimeout)
		go analytics.Warm(warmCtx)
		err := analytics.AwaitReady(warmCtx)
		cancel()
		if err != nil {
			utils.Error("interstitial", "Analytics never became ready", "uid", params.UID, "error", err)
			http.Error(w, "Unable to finish processing your contribution.", http.StatusGatewayTimeout)
			return
		}

		// Step 5: the conversion fires at most once per contribution, even
		// when the provider redirect is replayed. The amount is the literal
		// query-string value.
		if params.UID != "" {
			claimed, err := h.Ledger.RecordConversion(ctx, params.UID, params.Amount)
			if err != nil {
				utils.Error("interstitial", "Conversion ledger write failed", "uid", params.UID, "error", err)
			} else if claimed {
				ev := templates.ConversionEvent{UID: params.UID, Amount: params.Amount}
				if err := analytics.RecordConversion(ctx, ev); err != nil {
					utils.Error("interstitial", "Conversion delivery failed", "uid", params.UID, "error", err)
				}
			} else {
				utils.Debug("interstitial", "Conversion already recorded", "uid", params.UID)
			}
		}
	}

	// Step 6: one navigation decision, executed once.
	slug := h.ThankYouSlug
	if page != nil && page.ThankYouSlug != "" {
		slug = page.ThankYouSlug
	}
	nav, err := services.BuildRedirect(params, page, slug)
	if err != nil {
		utils.Error("interstitial", "Redirect computation failed", "uid", params.UID, "error", err)
		http.Error(w, "Unable to finish processing your contribution.", http.StatusBadGateway)
		return
	}

	if nav.External {
		// Outside the application's routing domain: full browser navigation.
		http.Redirect(w, r, nav.URL, http.StatusSeeOther)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := templates.ThankYou(nav.State).Render(ctx, w); err != nil {
		utils.Error("interstitial", "Error rendering thank-you view", "uid", params.UID, "error", err)
	}
}

// ProcessingHandler renders the bare loading view shown while a confirmation
// dispatch is in flight, before the provider redirect takes over.
func ProcessingHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := templates.Interstitial().Render(r.Context(), w); err != nil {
		utils.Error("interstitial", "Error rendering processing view", "error", err)
	}
}
