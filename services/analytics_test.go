package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"donorpage/templates"
)

type mockCollector struct {
	pingErr    error
	deliverErr error

	pings     atomic.Int32
	delivered []templates.ConversionEvent
	lastCfg   AnalyticsConfig
}

func (m *mockCollector) Ping(ctx context.Context, cfg AnalyticsConfig) error {
	m.pings.Add(1)
	return m.pingErr
}

func (m *mockCollector) Deliver(ctx context.Context, cfg AnalyticsConfig, ev templates.ConversionEvent) error {
	if m.deliverErr != nil {
		return m.deliverErr
	}
	m.lastCfg = cfg
	m.delivered = append(m.delivered, ev)
	return nil
}

func TestNewAnalyticsConfigCoercesAbsentOrgID(t *testing.T) {
	cfg := NewAnalyticsConfig(templates.PageConfiguration{HubAnalyticsID: "UA-1"})
	if cfg.HubID != "UA-1" {
		t.Errorf("hub id = %q", cfg.HubID)
	}
	if cfg.OrgID != UnsetAnalyticsID {
		t.Errorf("org id = %q, want %q", cfg.OrgID, UnsetAnalyticsID)
	}

	cfg = NewAnalyticsConfig(templates.PageConfiguration{HubAnalyticsID: "UA-1", OrgAnalyticsID: "G-2"})
	if cfg.OrgID != "G-2" {
		t.Errorf("org id = %q, want G-2", cfg.OrgID)
	}
}

func TestConfigureIsALatch(t *testing.T) {
	a := NewAnalytics(&mockCollector{})

	if !a.Configure(AnalyticsConfig{HubID: "first"}) {
		t.Fatal("first Configure should apply")
	}
	if a.Configure(AnalyticsConfig{HubID: "second"}) {
		t.Fatal("second Configure must be a no-op")
	}

	cfg, ok := a.Config()
	if !ok || cfg.HubID != "first" {
		t.Errorf("config = %+v, %v; the first config must win", cfg, ok)
	}
}

func TestAwaitReady(t *testing.T) {
	t.Run("resolves after signal", func(t *testing.T) {
		a := NewAnalytics(&mockCollector{})
		a.SignalReady()
		a.SignalReady() // double signal is safe

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := a.AwaitReady(ctx); err != nil {
			t.Errorf("AwaitReady: %v", err)
		}
	})

	t.Run("bounded by context", func(t *testing.T) {
		a := NewAnalytics(&mockCollector{})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		if err := a.AwaitReady(ctx); err == nil {
			t.Error("a signal that never arrives must surface as an error")
		}
	})
}

func TestWarm(t *testing.T) {
	t.Run("signals ready after handshake", func(t *testing.T) {
		a := NewAnalytics(&mockCollector{})
		a.Configure(AnalyticsConfig{HubID: "UA-1", OrgID: UnsetAnalyticsID})
		a.Warm(context.Background())

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := a.AwaitReady(ctx); err != nil {
			t.Errorf("AwaitReady after Warm: %v", err)
		}
	})

	t.Run("failed handshake delivers the failure", func(t *testing.T) {
		a := NewAnalytics(&mockCollector{pingErr: errors.New("collector down")})
		a.Configure(AnalyticsConfig{HubID: "UA-1"})
		a.Warm(context.Background())

		// A deadline-free context must still return promptly: the outcome
		// was delivered, not dropped.
		if err := a.AwaitReady(context.Background()); err == nil {
			t.Error("AwaitReady must surface the handshake failure")
		}
	})

	t.Run("unconfigured warm delivers the failure", func(t *testing.T) {
		a := NewAnalytics(&mockCollector{})
		a.Warm(context.Background())

		err := a.AwaitReady(context.Background())
		if !errors.Is(err, ErrAnalyticsNotConfigured) {
			t.Errorf("error = %v, want ErrAnalyticsNotConfigured", err)
		}
	})
}

func TestSignalFailedWinsOverLaterReady(t *testing.T) {
	a := NewAnalytics(&mockCollector{})
	a.SignalFailed(errors.New("collector down"))
	a.SignalReady() // too late, the outcome is fixed

	if err := a.AwaitReady(context.Background()); err == nil {
		t.Error("the first delivered outcome must win")
	}
}

func TestRecordConversionRequiresConfig(t *testing.T) {
	a := NewAnalytics(&mockCollector{})
	err := a.RecordConversion(context.Background(), templates.ConversionEvent{UID: "u-1", Amount: "5"})
	if !errors.Is(err, ErrAnalyticsNotConfigured) {
		t.Errorf("error = %v, want ErrAnalyticsNotConfigured", err)
	}
}

func TestRecordConversionPassesLiteralAmount(t *testing.T) {
	collector := &mockCollector{}
	a := NewAnalytics(collector)
	a.Configure(AnalyticsConfig{HubID: "UA-1", OrgID: UnsetAnalyticsID})

	ev := templates.ConversionEvent{UID: "u-1", Amount: "123.45"}
	if err := a.RecordConversion(context.Background(), ev); err != nil {
		t.Fatalf("RecordConversion: %v", err)
	}

	if len(collector.delivered) != 1 {
		t.Fatalf("delivered %d events, want 1", len(collector.delivered))
	}
	if collector.delivered[0].Amount != "123.45" {
		t.Errorf("amount = %q, want the literal string", collector.delivered[0].Amount)
	}
	if collector.lastCfg.HubID != "UA-1" {
		t.Errorf("config = %+v", collector.lastCfg)
	}
}

func TestHTTPCollectorDeliverRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := &HTTPCollector{BaseURL: srv.URL, Client: srv.Client()}
	err := c.Deliver(context.Background(), AnalyticsConfig{HubID: "UA-1"}, templates.ConversionEvent{UID: "u-1", Amount: "5"})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want a retry after the 500", calls.Load())
	}
}

func TestHTTPCollectorDeliverDoesNotRetryRejections(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := &HTTPCollector{BaseURL: srv.URL, Client: srv.Client()}
	err := c.Deliver(context.Background(), AnalyticsConfig{}, templates.ConversionEvent{UID: "u-1"})
	if err == nil {
		t.Fatal("expected a rejection error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, a 400 must not be retried", calls.Load())
	}
}
