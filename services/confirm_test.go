package services

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v74"

	"donorpage/templates"
)

func TestDerivePaymentKind(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		want    templates.PaymentKind
		wantErr bool
	}{
		{"one-time charge", "pi_123_secret_abc", templates.PaymentKindOneTime, false},
		{"recurring setup", "seti_456_secret_def", templates.PaymentKindRecurring, false},
		{"unknown shape", "cs_test_789", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DerivePaymentKind(tt.secret)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error, got none")
				}
				if !errors.Is(err, ErrUnknownPaymentKind) {
					t.Errorf("error = %v, want ErrUnknownPaymentKind", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DerivePaymentKind: %v", err)
			}
			if got != tt.want {
				t.Errorf("kind = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildReturnURL(t *testing.T) {
	p := templates.Payment{
		UUID:               "u-1",
		Amount:             "123.45",
		Interval:           templates.IntervalMonthly,
		Billing:            templates.BillingDetails{Email: "donor@example.org"},
		PageSlug:           "donate",
		RevenueProgramSlug: "news",
		ThankYouRedirect:   "https://x.org/ty",
	}

	raw, err := BuildReturnURL("https://give.example.org", p)
	if err != nil {
		t.Fatalf("BuildReturnURL: %v", err)
	}

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("result does not parse: %v", err)
	}
	if u.Path != "/payment/success/" {
		t.Errorf("path = %q, want /payment/success/", u.Path)
	}

	q := u.Query()
	wantParams := map[string]string{
		"amount":    "123.45",
		"frequency": "monthly",
		"uid":       "u-1",
		"pageSlug":  "donate",
		"rpSlug":    "news",
		"next":      "https://x.org/ty",
		"fromPath":  "/news/donate",
	}
	for k, want := range wantParams {
		if got := q.Get(k); got != want {
			t.Errorf("param %s = %q, want %q", k, got, want)
		}
	}

	// The donor's address must cross the redirect only as an opaque reference.
	if got := q.Get("email"); got == "" || got == "donor@example.org" {
		t.Errorf("email param = %q, want an opaque reference", got)
	}
	if got := q.Get("email"); got != emailReference("donor@example.org") {
		t.Errorf("email param = %q, not the canonical reference", got)
	}
}

func TestBuildReturnURL_OmitsEmptyNext(t *testing.T) {
	p := templates.Payment{UUID: "u-1", Amount: "5", Interval: templates.IntervalOneTime}
	raw, err := BuildReturnURL("https://give.example.org", p)
	if err != nil {
		t.Fatalf("BuildReturnURL: %v", err)
	}
	q, _ := url.Parse(raw)
	if q.Query().Has("next") {
		t.Error("next should be omitted when no thank-you redirect is configured")
	}
	if got := q.Query().Get("frequency"); got != "one-time" {
		t.Errorf("frequency = %q, want one-time", got)
	}
}

func TestBuildReturnURL_RejectsRelativeBase(t *testing.T) {
	if _, err := BuildReturnURL("/not-absolute", templates.Payment{}); err == nil {
		t.Fatal("expected error for a relative base URL")
	}
}

func TestClientRegistryDeduplicates(t *testing.T) {
	reg := NewClientRegistry("sk_test_key")

	a := reg.For("acct_1")
	b := reg.For("acct_1")
	if a != b {
		t.Error("same account should share one client")
	}
	if reg.Count() != 1 {
		t.Errorf("count = %d, want 1", reg.Count())
	}

	if c := reg.For("acct_2"); c == a {
		t.Error("different accounts must not share a client")
	}
	if reg.Count() != 2 {
		t.Errorf("count = %d, want 2", reg.Count())
	}
}

func TestFinalizerRejectsKindMismatch(t *testing.T) {
	f := NewFinalizer(NewClientRegistry("sk_test_key"))
	p := templates.Payment{
		UUID:         "u-1",
		ClientSecret: "pi_123_secret_abc",
		Kind:         templates.PaymentKindRecurring, // contradicts the secret shape
	}

	_, err := f.Finalize(context.Background(), p, "pm_1", "https://give.example.org/payment/success/")
	if err == nil {
		t.Fatal("expected kind mismatch to fail loudly")
	}
	if !errors.Is(err, ErrUnknownPaymentKind) {
		t.Errorf("error = %v, want ErrUnknownPaymentKind", err)
	}
	if f.State() != FinalizeFailed {
		t.Errorf("state = %s, want failed", f.State())
	}
}

func TestFinalizerRejectsUnknownSecretShape(t *testing.T) {
	f := NewFinalizer(NewClientRegistry("sk_test_key"))
	p := templates.Payment{UUID: "u-1", ClientSecret: "bogus", Kind: templates.PaymentKindOneTime}

	if _, err := f.Finalize(context.Background(), p, "pm_1", "https://give.example.org/"); err == nil {
		t.Fatal("expected unknown secret shape to fail, not no-op")
	}
	if f.State() != FinalizeFailed {
		t.Errorf("state = %s, want failed", f.State())
	}
}

func TestFinalizerSingleDispatch(t *testing.T) {
	f := NewFinalizer(NewClientRegistry("sk_test_key"))
	p := templates.Payment{UUID: "u-1", ClientSecret: "bogus", Kind: templates.PaymentKindOneTime}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, _ = f.Finalize(ctx, p, "pm_1", "https://give.example.org/")
	_, err := f.Finalize(ctx, p, "pm_1", "https://give.example.org/")
	if !errors.Is(err, ErrFinalizeDispatched) {
		t.Errorf("second dispatch error = %v, want ErrFinalizeDispatched", err)
	}
}

func TestDonorFacingErrorSplit(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantMessage string
	}{
		{
			"card error shown verbatim",
			&stripe.Error{Type: stripe.ErrorTypeCard, Msg: "Your card was declined."},
			"Your card was declined.",
		},
		{
			"api error mapped to generic",
			&stripe.Error{Type: stripe.ErrorTypeAPI, Msg: "internal provider detail"},
			GenericPaymentMessage,
		},
		{
			"invalid request without param mapped to generic",
			&stripe.Error{Type: stripe.ErrorTypeInvalidRequest, Msg: "no such intent"},
			GenericPaymentMessage,
		},
		{
			"transport failure mapped to generic",
			errors.New("connection reset"),
			GenericPaymentMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := donorFacing("u-1", tt.err)
			var donorErr *DonorError
			if !errors.As(err, &donorErr) {
				t.Fatalf("error = %T, want *DonorError", err)
			}
			if donorErr.Message != tt.wantMessage {
				t.Errorf("message = %q, want %q", donorErr.Message, tt.wantMessage)
			}
		})
	}
}

func TestFinalizeStateString(t *testing.T) {
	tests := []struct {
		state FinalizeState
		want  string
	}{
		{FinalizeIdle, "idle"},
		{FinalizeSubmitting, "submitting"},
		{FinalizeRedirectedAway, "redirected-away"},
		{FinalizeFailed, "failed"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
