package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v74"

	"donorpage/templates"
	"donorpage/utils"
)

// ErrPaymentPending is returned when a donor submits again while an earlier
// payment is still awaiting confirmation.
var ErrPaymentPending = errors.New("a payment is already pending confirmation")

// ValidationError carries field-keyed messages for a rejected submission.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("submission rejected: %d invalid field(s)", len(e.Fields))
}

// NetworkError wraps a transport-level failure talking to the provider.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "payment service unreachable: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// SecretIdentifier strips the secret suffix from a provider client secret,
// leaving the intent identifier ("pi_123_secret_x" -> "pi_123").
func SecretIdentifier(secret string) string {
	if i := strings.Index(secret, "_secret"); i > 0 {
		return secret[:i]
	}
	return secret
}

type pendingPayment struct {
	uid       string
	payment   templates.Payment
	startedAt time.Time
}

// PaymentCoordinator creates and cancels provider payments. It enforces the
// one-live-payment-per-session invariant: while a payment is pending
// confirmation, CreatePayment refuses to create another for that session.
type PaymentCoordinator struct {
	store   *Store
	clients *ClientRegistry
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]pendingPayment
}

// NewPaymentCoordinator creates a coordinator backed by the ledger and the
// per-account provider client registry.
func NewPaymentCoordinator(store *Store, clients *ClientRegistry, timeout time.Duration) *PaymentCoordinator {
	return &PaymentCoordinator{
		store:   store,
		clients: clients,
		timeout: timeout,
		pending: make(map[string]pendingPayment),
	}
}

// CreatePayment validates the submission and asks the provider for a new
// payment. The returned Payment fixes the confirmation path (Kind) for its
// entire lifetime.
func (c *PaymentCoordinator) CreatePayment(
	ctx context.Context,
	sessionID string,
	sub templates.ContributionSubmission,
	page templates.PageConfiguration,
) (templates.Payment, error) {
	if fields := validateSubmission(sub); len(fields) > 0 {
		return templates.Payment{}, &ValidationError{Fields: fields}
	}

	cents, err := amountToCents(sub.Amount)
	if err != nil {
		return templates.Payment{}, &ValidationError{Fields: map[string]string{
			"amount": "Enter a valid amount.",
		}}
	}

	if !c.claimPending(sessionID) {
		utils.Warn("payment", "Refusing second submission while payment pending", "session", sessionID)
		return templates.Payment{}, ErrPaymentPending
	}

	payment, err := c.createProviderPayment(ctx, cents, sub, page)
	if err != nil {
		c.releasePending(sessionID)
		return templates.Payment{}, err
	}

	if err := c.store.InsertPayment(ctx, payment); err != nil {
		c.releasePending(sessionID)
		return templates.Payment{}, err
	}

	c.mu.Lock()
	c.pending[sessionID] = pendingPayment{uid: payment.UUID, payment: payment, startedAt: time.Now()}
	c.mu.Unlock()

	utils.Info("payment", "Payment created",
		"uid", payment.UUID, "kind", payment.Kind, "page", page.Slug, "rp", page.RevenueProgramSlug)
	return payment, nil
}

func (c *PaymentCoordinator) createProviderPayment(
	ctx context.Context,
	cents int64,
	sub templates.ContributionSubmission,
	page templates.PageConfiguration,
) (templates.Payment, error) {
	pc := c.clients.For(page.StripeAccountID)

	currency := page.Currency
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}

	uid := uuid.NewString()
	var secret string
	var kind templates.PaymentKind

	switch sub.Interval {
	case templates.IntervalOneTime, "":
		params := &stripe.PaymentIntentParams{
			Amount:        stripe.Int64(cents),
			Currency:      stripe.String(currency),
			CaptureMethod: stripe.String("automatic"),
			ReceiptEmail:  stripe.String(sub.Email),
		}
		params.Context = ctx
		params.SetStripeAccount(page.StripeAccountID)
		params.AddMetadata("contribution_uuid", uid)
		params.AddMetadata("revenue_program", page.RevenueProgramSlug)
		if sub.CampaignID != "" {
			params.AddMetadata("campaign_id", sub.CampaignID)
		}
		if sub.ReferrerURL != "" {
			params.AddMetadata("referer", sub.ReferrerURL)
		}

		intent, err := pc.API.PaymentIntents.New(params)
		if err != nil {
			return templates.Payment{}, mapProviderError(err)
		}
		secret = intent.ClientSecret
		kind = templates.PaymentKindOneTime

	case templates.IntervalMonthly, templates.IntervalYearly:
		params := &stripe.SetupIntentParams{
			Usage: stripe.String("off_session"),
		}
		params.Context = ctx
		params.SetStripeAccount(page.StripeAccountID)
		params.AddMetadata("contribution_uuid", uid)
		params.AddMetadata("revenue_program", page.RevenueProgramSlug)
		params.AddMetadata("amount", sub.Amount)
		params.AddMetadata("interval", string(sub.Interval))

		intent, err := pc.API.SetupIntents.New(params)
		if err != nil {
			return templates.Payment{}, mapProviderError(err)
		}
		secret = intent.ClientSecret
		kind = templates.PaymentKindRecurring

	default:
		return templates.Payment{}, &ValidationError{Fields: map[string]string{
			"interval": "Choose a valid contribution frequency.",
		}}
	}

	return templates.Payment{
		UUID:            uid,
		ClientSecret:    secret,
		Kind:            kind,
		StripeAccountID: page.StripeAccountID,
		Amount:          sub.Amount,
		Currency:        currency,
		Interval:        sub.Interval,
		Billing: templates.BillingDetails{
			Name:       strings.TrimSpace(sub.FirstName + " " + sub.LastName),
			Email:      sub.Email,
			Phone:      sub.Phone,
			Street:     sub.MailingStreet,
			City:       sub.MailingCity,
			State:      sub.MailingState,
			PostalCode: sub.MailingPostalCode,
			Country:    sub.MailingCountry,
		},
		PageSlug:           page.Slug,
		RevenueProgramSlug: page.RevenueProgramSlug,
		ThankYouRedirect:   page.ThankYouRedirect,
		ThankYouSlug:       page.ThankYouSlug,
		CreatedAt:          time.Now(),
	}, nil
}

// CancelPayment abandons a pending payment (donor closed the confirmation
// step) so the provider-side intent is voided rather than orphaned.
func (c *PaymentCoordinator) CancelPayment(ctx context.Context, sessionID string, p templates.Payment) error {
	pc := c.clients.For(p.StripeAccountID)
	intentID := SecretIdentifier(p.ClientSecret)

	var err error
	switch p.Kind {
	case templates.PaymentKindOneTime:
		params := &stripe.PaymentIntentCancelParams{}
		params.Context = ctx
		params.SetStripeAccount(p.StripeAccountID)
		_, err = pc.API.PaymentIntents.Cancel(intentID, params)
	case templates.PaymentKindRecurring:
		params := &stripe.SetupIntentCancelParams{}
		params.Context = ctx
		params.SetStripeAccount(p.StripeAccountID)
		_, err = pc.API.SetupIntents.Cancel(intentID, params)
	default:
		return fmt.Errorf("cannot cancel payment %s: unknown kind %q", p.UUID, p.Kind)
	}
	if err != nil {
		return mapProviderError(err)
	}

	if err := c.store.MarkPaymentCanceled(ctx, p.UUID); err != nil {
		return err
	}
	c.releasePending(sessionID)

	utils.Info("payment", "Payment canceled", "uid", p.UUID, "kind", p.Kind)
	return nil
}

// PendingPayment returns the session's pending payment, if any.
func (c *PaymentCoordinator) PendingPayment(sessionID string) (templates.Payment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pp, ok := c.pending[sessionID]
	if !ok {
		return templates.Payment{}, false
	}
	return pp.payment, true
}

// Release drops the session's pending slot. Called once confirmation has been
// dispatched and the donor is on their way to the provider redirect.
func (c *PaymentCoordinator) Release(sessionID string) {
	c.releasePending(sessionID)
}

// CleanupExpired removes pending slots older than the payment timeout and
// sweeps the matching ledger rows.
func (c *PaymentCoordinator) CleanupExpired(ctx context.Context) {
	c.mu.Lock()
	for sid, pp := range c.pending {
		if time.Since(pp.startedAt) > c.timeout {
			delete(c.pending, sid)
		}
	}
	c.mu.Unlock()

	n, err := c.store.DeleteExpiredPending(ctx, time.Now().Add(-c.timeout))
	if err != nil {
		utils.Error("payment", "Expiry sweep failed", "error", err)
		return
	}
	if n > 0 {
		utils.Info("payment", "Swept expired pending payments", "count", n)
	}
}

// claimPending reserves the session's single pending slot. It reports false
// when a live, unexpired payment already holds it.
func (c *PaymentCoordinator) claimPending(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pp, ok := c.pending[sessionID]; ok && time.Since(pp.startedAt) <= c.timeout {
		return false
	}
	// Reserve with a placeholder so concurrent submits lose the race.
	c.pending[sessionID] = pendingPayment{startedAt: time.Now()}
	return true
}

func (c *PaymentCoordinator) releasePending(sessionID string) {
	c.mu.Lock()
	delete(c.pending, sessionID)
	c.mu.Unlock()
}

// mapProviderError sorts a provider failure into the submission error
// taxonomy: parameter-level rejections become field-keyed validation errors,
// everything else is a transport failure.
func mapProviderError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Type == stripe.ErrorTypeInvalidRequest && stripeErr.Param != "" {
			return &ValidationError{Fields: map[string]string{
				stripeErr.Param: stripeErr.Msg,
			}}
		}
		if stripeErr.Type == stripe.ErrorTypeCard {
			return &ValidationError{Fields: map[string]string{
				"card": stripeErr.Msg,
			}}
		}
	}
	return &NetworkError{Err: err}
}

func validateSubmission(sub templates.ContributionSubmission) map[string]string {
	fields := make(map[string]string)
	if strings.TrimSpace(sub.Amount) == "" {
		fields["amount"] = "Amount is required."
	}
	if !strings.Contains(sub.Email, "@") {
		fields["email"] = "Enter a valid email address."
	}
	if strings.TrimSpace(sub.FirstName) == "" {
		fields["first_name"] = "First name is required."
	}
	if strings.TrimSpace(sub.LastName) == "" {
		fields["last_name"] = "Last name is required."
	}
	if sub.CaptchaToken == "" {
		fields["captcha_token"] = "Captcha verification is required."
	}
	return fields
}

// amountToCents converts a donor-entered decimal amount to provider cents
// without going through floating point.
func amountToCents(amount string) (int64, error) {
	s := strings.TrimSpace(amount)
	if s == "" {
		return 0, errors.New("empty amount")
	}

	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > 2 {
		return 0, fmt.Errorf("amount %q has sub-cent precision", amount)
	}
	for len(frac) < 2 {
		frac += "0"
	}

	var cents int64
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("amount %q is not a number", amount)
		}
		if cents > (math.MaxInt64-9)/10 {
			return 0, fmt.Errorf("amount %q overflows", amount)
		}
		cents = cents*10 + int64(r-'0')
	}
	if cents == 0 {
		return 0, errors.New("amount must be positive")
	}
	return cents, nil
}
