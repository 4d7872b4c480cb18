package templates

import (
	"encoding/json"
	"time"
)

// ContributionInterval is how often the donor is charged.
type ContributionInterval string

const (
	IntervalOneTime ContributionInterval = "one_time"
	IntervalMonthly ContributionInterval = "monthly"
	IntervalYearly  ContributionInterval = "yearly"
)

// Label returns the donor-facing frequency text carried across the provider
// redirect and shown on the thank-you page.
func (i ContributionInterval) Label() string {
	switch i {
	case IntervalMonthly:
		return "monthly"
	case IntervalYearly:
		return "yearly"
	default:
		return "one-time"
	}
}

// PaymentKind selects the provider confirmation path for a Payment. It is
// assigned when the payment is created and never re-derived afterwards.
type PaymentKind string

const (
	PaymentKindOneTime   PaymentKind = "one_time"
	PaymentKindRecurring PaymentKind = "recurring"
)

// FormElement is one configured input on a contribution page. Content is kept
// raw: the server never interprets element payloads, it only round-trips them
// to the page.
type FormElement struct {
	Type     string          `json:"type"`
	Required bool            `json:"required"`
	Content  json.RawMessage `json:"content,omitempty"`
}

// PageConfiguration describes a live contribution page. It is immutable for
// the duration of a page view and is fetched independently on the donation
// page and on the post-payment interstitial.
type PageConfiguration struct {
	ID                 string        `json:"id"`
	Slug               string        `json:"slug"`
	RevenueProgramSlug string        `json:"revenue_program"`
	RevenueProgramName string        `json:"revenue_program_name,omitempty"`
	Currency           string        `json:"currency"`
	Locale             string        `json:"locale,omitempty"`
	StripeAccountID    string        `json:"stripe_account_id"`
	Elements           []FormElement `json:"elements,omitempty"`

	// Analytics identifiers. Either may be absent; absence is handled by the
	// analytics layer, not here.
	HubAnalyticsID string `json:"hub_analytics_id,omitempty"`
	OrgAnalyticsID string `json:"org_analytics_id,omitempty"`

	// ThankYouRedirect, when set, sends the donor to an org-controlled
	// off-site destination after payment. ThankYouSlug is the in-app
	// fallback route.
	ThankYouRedirect string `json:"thank_you_redirect,omitempty"`
	ThankYouSlug     string `json:"thank_you_slug,omitempty"`
}

// ContributionSubmission is the donor-entered payload for one submit action.
// Amount stays a string end to end; only the payment coordinator converts it
// to a provider amount.
type ContributionSubmission struct {
	Amount   string               `json:"amount"`
	Interval ContributionInterval `json:"interval"`

	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone,omitempty"`

	MailingStreet     string `json:"mailing_street,omitempty"`
	MailingCity       string `json:"mailing_city,omitempty"`
	MailingState      string `json:"mailing_state,omitempty"`
	MailingPostalCode string `json:"mailing_postal_code,omitempty"`
	MailingCountry    string `json:"mailing_country,omitempty"`

	CaptchaToken string `json:"captcha_token"`
	CampaignID   string `json:"campaign_id,omitempty"`
	ReferrerURL  string `json:"referer,omitempty"`
}

// BillingDetails is echoed back to the provider when the payment is
// confirmed.
type BillingDetails struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Phone      string `json:"phone,omitempty"`
	Street     string `json:"street,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// Payment is the server's response to a submission: everything the
// confirmation step and the post-redirect interstitial need, serializable
// into a query string because nothing in memory survives the provider
// redirect.
type Payment struct {
	UUID            string               `json:"uuid"`
	ClientSecret    string               `json:"client_secret"`
	Kind            PaymentKind          `json:"kind"`
	StripeAccountID string               `json:"stripe_account_id"`
	Amount          string               `json:"amount"`
	Currency        string               `json:"currency"`
	Interval        ContributionInterval `json:"interval"`
	Billing         BillingDetails       `json:"billing_details"`

	PageSlug           string `json:"page_slug"`
	RevenueProgramSlug string `json:"revenue_program"`
	ThankYouRedirect   string `json:"thank_you_redirect,omitempty"`
	ThankYouSlug       string `json:"thank_you_slug,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ConversionEvent attributes a completed contribution. Amount is the literal
// query-string value, never reparsed as a number.
type ConversionEvent struct {
	UID    string `json:"uid"`
	Amount string `json:"amount"`
}

// ThankYouState is the transient route state handed to the in-app thank-you
// view after an on-site navigation.
type ThankYouState struct {
	Amount          string
	DonationPageURL string
	Page            *PageConfiguration
	Email           string
	FrequencyText   string
}
