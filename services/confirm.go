package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"

	"donorpage/templates"
	"donorpage/utils"
)

// GenericPaymentMessage is the one donor-facing message for every provider
// failure that is not card- or validation-class. Raw provider or transport
// detail never reaches the donor.
const GenericPaymentMessage = "Something went wrong processing your payment. Please try again."

// ErrUnknownPaymentKind signals a payment whose confirmation path cannot be
// determined. This is a programming error, never silently skipped.
var ErrUnknownPaymentKind = errors.New("unknown payment kind")

// ErrFinalizeDispatched signals a second finalize attempt on the same
// finalizer. Each payment gets exactly one confirmation dispatch.
var ErrFinalizeDispatched = errors.New("finalize already dispatched")

// ProviderClient is a provider SDK client scoped to one connected account.
type ProviderClient struct {
	AccountID string
	API       *client.API
}

// ClientRegistry hands out provider clients, initializing at most one per
// connected account id. Concurrent requests for the same account share a
// single client; the SDK is never initialized twice for an account.
type ClientRegistry struct {
	key string

	mu      sync.Mutex
	clients map[string]*ProviderClient
}

// NewClientRegistry creates a registry using the given provider secret key.
func NewClientRegistry(key string) *ClientRegistry {
	return &ClientRegistry{
		key:     key,
		clients: make(map[string]*ProviderClient),
	}
}

// For returns the client for a connected account, creating it on first use.
func (r *ClientRegistry) For(accountID string) *ProviderClient {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pc, ok := r.clients[accountID]; ok {
		return pc
	}

	api := &client.API{}
	api.Init(r.key, nil)
	pc := &ProviderClient{AccountID: accountID, API: api}
	r.clients[accountID] = pc

	utils.Debug("provider", "Initialized provider client", "account", accountID)
	return pc
}

// Count reports how many account-scoped clients exist.
func (r *ClientRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// DerivePaymentKind maps a client secret's shape onto a confirmation path.
// The Kind tag on the Payment is authoritative; this exists only as a
// consistency guard, and unknown shapes fail loudly.
func DerivePaymentKind(secret string) (templates.PaymentKind, error) {
	switch {
	case strings.HasPrefix(secret, "pi_"):
		return templates.PaymentKindOneTime, nil
	case strings.HasPrefix(secret, "seti_"):
		return templates.PaymentKindRecurring, nil
	default:
		return "", fmt.Errorf("%w: unrecognized client secret shape", ErrUnknownPaymentKind)
	}
}

// FinalizeState tracks the finalizer's dispatch state machine.
type FinalizeState int

const (
	FinalizeIdle FinalizeState = iota
	FinalizeSubmitting
	FinalizeRedirectedAway
	FinalizeFailed
)

func (s FinalizeState) String() string {
	switch s {
	case FinalizeIdle:
		return "idle"
	case FinalizeSubmitting:
		return "submitting"
	case FinalizeRedirectedAway:
		return "redirected-away"
	case FinalizeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DonorError is a failure with a message safe to show the donor. Message is
// the provider's own text only for card- and validation-class errors.
type DonorError struct {
	Message string
	Err     error
}

func (e *DonorError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *DonorError) Unwrap() error {
	return e.Err
}

// Finalizer dispatches the provider confirmation call for one payment
// attempt. It moves idle -> submitting -> {redirected-away | failed} and
// refuses re-dispatch.
type Finalizer struct {
	clients *ClientRegistry

	mu    sync.Mutex
	state FinalizeState
}

// NewFinalizer creates a finalizer over the shared client registry.
func NewFinalizer(clients *ClientRegistry) *Finalizer {
	return &Finalizer{clients: clients}
}

// State returns the current dispatch state.
func (f *Finalizer) State() FinalizeState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Finalize confirms the payment with the provider, handing it the donor's
// payment method and the return URL that must survive the redirect. On
// success it returns the URL the donor's browser should be sent to.
func (f *Finalizer) Finalize(ctx context.Context, p templates.Payment, paymentMethodID, returnURL string) (dest string, err error) {
	f.mu.Lock()
	if f.state != FinalizeIdle {
		f.mu.Unlock()
		return "", fmt.Errorf("%w (state=%s)", ErrFinalizeDispatched, f.state)
	}
	f.state = FinalizeSubmitting
	f.mu.Unlock()

	// A panic out of the SDK integration is the unexpected-exception case:
	// logged for diagnostics, donor sees the same generic message as any
	// opaque provider error.
	defer func() {
		if r := recover(); r != nil {
			utils.Error("provider", "Panic during confirmation dispatch", "uid", p.UUID, "panic", r)
			f.setState(FinalizeFailed)
			dest = ""
			err = &DonorError{Message: GenericPaymentMessage, Err: fmt.Errorf("panic in confirmation dispatch: %v", r)}
		}
	}()

	if derived, derr := DerivePaymentKind(p.ClientSecret); derr != nil || derived != p.Kind {
		f.setState(FinalizeFailed)
		if derr == nil {
			derr = fmt.Errorf("%w: secret shape says %s, payment says %s", ErrUnknownPaymentKind, derived, p.Kind)
		}
		return "", derr
	}

	dest, err = f.dispatch(ctx, p, paymentMethodID, returnURL)
	if err != nil {
		f.setState(FinalizeFailed)
		return "", err
	}

	f.setState(FinalizeRedirectedAway)
	return dest, nil
}

func (f *Finalizer) dispatch(ctx context.Context, p templates.Payment, paymentMethodID, returnURL string) (string, error) {
	pc := f.clients.For(p.StripeAccountID)
	intentID := SecretIdentifier(p.ClientSecret)

	switch p.Kind {
	case templates.PaymentKindOneTime:
		params := &stripe.PaymentIntentConfirmParams{
			PaymentMethod: stripe.String(paymentMethodID),
			ReturnURL:     stripe.String(returnURL),
		}
		params.Context = ctx
		params.SetStripeAccount(p.StripeAccountID)

		intent, err := pc.API.PaymentIntents.Confirm(intentID, params)
		if err != nil {
			return "", donorFacing(p.UUID, err)
		}
		return nextDestination(intent.NextAction, returnURL), nil

	case templates.PaymentKindRecurring:
		params := &stripe.SetupIntentConfirmParams{
			PaymentMethod: stripe.String(paymentMethodID),
			ReturnURL:     stripe.String(returnURL),
		}
		params.Context = ctx
		params.SetStripeAccount(p.StripeAccountID)

		intent, err := pc.API.SetupIntents.Confirm(intentID, params)
		if err != nil {
			return "", donorFacing(p.UUID, err)
		}
		return setupNextDestination(intent.NextAction, returnURL), nil

	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPaymentKind, p.Kind)
	}
}

func (f *Finalizer) setState(s FinalizeState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func nextDestination(action *stripe.PaymentIntentNextAction, returnURL string) string {
	if action != nil && action.RedirectToURL != nil && action.RedirectToURL.URL != "" {
		return action.RedirectToURL.URL
	}
	return returnURL
}

func setupNextDestination(action *stripe.SetupIntentNextAction, returnURL string) string {
	if action != nil && action.RedirectToURL != nil && action.RedirectToURL.URL != "" {
		return action.RedirectToURL.URL
	}
	return returnURL
}

// donorFacing applies the three-way error split: card/validation-class
// provider errors surface verbatim (they are donor-actionable), every other
// provider error is logged and mapped to the one generic message.
func donorFacing(uid string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.Type {
		case stripe.ErrorTypeCard:
			return &DonorError{Message: stripeErr.Msg, Err: err}
		case stripe.ErrorTypeInvalidRequest:
			if stripeErr.Code == stripe.ErrorCodeParameterInvalidEmpty ||
				stripeErr.Code == stripe.ErrorCodeParameterMissing ||
				stripeErr.Param != "" {
				return &DonorError{Message: stripeErr.Msg, Err: err}
			}
		}
		utils.Error("provider", "Opaque provider error during confirmation", "uid", uid, "type", stripeErr.Type, "code", stripeErr.Code)
		return &DonorError{Message: GenericPaymentMessage, Err: err}
	}

	utils.Error("provider", "Confirmation transport failure", "uid", uid, "error", err)
	return &DonorError{Message: GenericPaymentMessage, Err: err}
}

// BuildReturnURL constructs the absolute interstitial URL handed to the
// provider before confirmation. The query string is the only state that
// survives the provider's full-page redirect, so everything the interstitial
// needs goes in here.
func BuildReturnURL(base string, p templates.Payment) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid site base URL %q: %w", base, err)
	}
	if !u.IsAbs() {
		return "", fmt.Errorf("site base URL %q is not absolute", base)
	}
	u.Path = "/payment/success/"

	q := url.Values{}
	q.Set("amount", p.Amount)
	q.Set("frequency", p.Interval.Label())
	q.Set("uid", p.UUID)
	q.Set("email", emailReference(p.Billing.Email))
	q.Set("pageSlug", p.PageSlug)
	q.Set("rpSlug", p.RevenueProgramSlug)
	if p.ThankYouRedirect != "" {
		q.Set("next", p.ThankYouRedirect)
	}
	// fromPath is the page's full public route. Pages live at
	// /{rpSlug}/{pageSlug}, and the in-app thank-you path is joined onto it.
	if p.PageSlug != "" {
		q.Set("fromPath", JoinPath(p.RevenueProgramSlug, p.PageSlug))
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// emailReference derives the opaque donor reference embedded in the return
// URL. The raw address never crosses the provider redirect.
func emailReference(email string) string {
	if email == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(sum[:])
}
