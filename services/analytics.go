package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/cenkalti/backoff/v5"

	"donorpage/templates"
	"donorpage/utils"
)

// UnsetAnalyticsID is what an absent org-level identifier coerces to. The
// collector contract requires a value, not an empty string.
const UnsetAnalyticsID = "unset"

// ErrAnalyticsNotConfigured is returned when a conversion is recorded before
// the analytics configuration was applied.
var ErrAnalyticsNotConfigured = errors.New("analytics not configured")

// AnalyticsConfig is the explicit, passed-around analytics handle: hub- and
// org-level tracking identifiers, built at most once per page view.
type AnalyticsConfig struct {
	HubID string `json:"hub_id"`
	OrgID string `json:"org_id"`
}

// NewAnalyticsConfig builds the config for a page, coercing a missing
// org-level identifier to "unset".
func NewAnalyticsConfig(page templates.PageConfiguration) AnalyticsConfig {
	orgID := page.OrgAnalyticsID
	if orgID == "" {
		orgID = UnsetAnalyticsID
	}
	return AnalyticsConfig{
		HubID: page.HubAnalyticsID,
		OrgID: orgID,
	}
}

// ConversionCollector delivers conversion events to the analytics backend.
type ConversionCollector interface {
	Ping(ctx context.Context, cfg AnalyticsConfig) error
	Deliver(ctx context.Context, cfg AnalyticsConfig, ev templates.ConversionEvent) error
}

// Analytics owns one page view's analytics lifecycle: configuration is a
// latch applied at most once, readiness is a one-shot future, and conversions
// require both. There is no true concurrency to guard against, only
// re-entrant execution of the same pipeline step, so one-shot guards do all
// the enforcement.
type Analytics struct {
	collector ConversionCollector

	mu         sync.Mutex
	configured bool
	cfg        AnalyticsConfig
	readyErr   error

	readyOnce sync.Once
	ready     chan struct{}
}

// NewAnalytics creates an unconfigured analytics handle.
func NewAnalytics(collector ConversionCollector) *Analytics {
	return &Analytics{
		collector: collector,
		ready:     make(chan struct{}),
	}
}

// Configure applies the config if none has been applied yet. It reports
// whether this call did the configuring; later calls are no-ops.
func (a *Analytics) Configure(cfg AnalyticsConfig) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.configured {
		return false
	}
	a.configured = true
	a.cfg = cfg
	return true
}

// Configured reports whether a config has been applied.
func (a *Analytics) Configured() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.configured
}

// Config returns the applied config.
func (a *Analytics) Config() (AnalyticsConfig, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg, a.configured
}

// SignalReady resolves the readiness future. Safe to call more than once;
// only the first call has any effect.
func (a *Analytics) SignalReady() {
	a.readyOnce.Do(func() { close(a.ready) })
}

// SignalFailed resolves the readiness future with an error. A readiness
// outcome is always delivered; callers never wait on a signal that cannot
// arrive.
func (a *Analytics) SignalFailed(err error) {
	a.readyOnce.Do(func() {
		a.mu.Lock()
		a.readyErr = err
		a.mu.Unlock()
		close(a.ready)
	})
}

// AwaitReady blocks until the readiness outcome is delivered or the context
// ends, and returns the failure if warming did not succeed.
func (a *Analytics) AwaitReady(ctx context.Context) error {
	select {
	case <-a.ready:
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.readyErr != nil {
			return fmt.Errorf("analytics readiness: %w", a.readyErr)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for analytics readiness: %w", ctx.Err())
	}
}

// Warm verifies the collector is reachable for this config and delivers the
// readiness outcome, success or failure. Every Warm call resolves AwaitReady.
func (a *Analytics) Warm(ctx context.Context) {
	cfg, ok := a.Config()
	if !ok {
		utils.Error("analytics", "Warm called before configuration")
		a.SignalFailed(ErrAnalyticsNotConfigured)
		return
	}
	if err := a.collector.Ping(ctx, cfg); err != nil {
		utils.Error("analytics", "Collector handshake failed", "error", err)
		a.SignalFailed(fmt.Errorf("collector handshake: %w", err))
		return
	}
	a.SignalReady()
}

// RecordConversion delivers the conversion event. The config must exist
// first; the amount is passed through as the literal string it arrived as.
func (a *Analytics) RecordConversion(ctx context.Context, ev templates.ConversionEvent) error {
	cfg, ok := a.Config()
	if !ok {
		return ErrAnalyticsNotConfigured
	}
	if err := a.collector.Deliver(ctx, cfg, ev); err != nil {
		return fmt.Errorf("delivering conversion for %s: %w", ev.UID, err)
	}
	utils.Info("analytics", "Conversion recorded", "uid", ev.UID, "amount", ev.Amount)
	return nil
}

// HTTPCollector posts conversion events to an analytics collector endpoint.
// Delivery is keyed by the contribution uid, so retrying is safe; transient
// failures back off exponentially.
type HTTPCollector struct {
	BaseURL string
	Client  *http.Client
}

type collectPayload struct {
	HubID  string `json:"hub_id"`
	OrgID  string `json:"org_id"`
	UID    string `json:"uid"`
	Amount string `json:"amount"`
}

// Ping checks the collector is reachable.
func (c *HTTPCollector) Ping(ctx context.Context, cfg AnalyticsConfig) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("collector unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("collector health returned %d", resp.StatusCode)
	}
	return nil
}

// Deliver posts the event, retrying transient collector failures.
func (c *HTTPCollector) Deliver(ctx context.Context, cfg AnalyticsConfig, ev templates.ConversionEvent) error {
	body, err := json.Marshal(collectPayload{
		HubID:  cfg.HubID,
		OrgID:  cfg.OrgID,
		UID:    ev.UID,
		Amount: ev.Amount,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal conversion event: %w", err)
	}

	operation := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/collect", bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient().Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode < 300:
			return struct{}{}, nil
		case resp.StatusCode >= 500:
			return struct{}{}, fmt.Errorf("collector returned %d", resp.StatusCode)
		default:
			return struct{}{}, backoff.Permanent(fmt.Errorf("collector rejected event: %d", resp.StatusCode))
		}
	}

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(4),
	)
	return err
}

func (c *HTTPCollector) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}
