package services

import (
	"fmt"
	"net/url"
	"strings"

	"donorpage/templates"
)

// InterstitialParams is the full set of query parameters the provider
// redirect carries back. Every field is an opaque string; amounts are never
// reparsed as numbers.
type InterstitialParams struct {
	RPSlug    string
	PageSlug  string
	Amount    string
	Frequency string
	UID       string
	Email     string
	Next      string
	FromPath  string
}

// ParseInterstitialParams reads the interstitial query-string contract.
func ParseInterstitialParams(q url.Values) InterstitialParams {
	return InterstitialParams{
		RPSlug:    q.Get("rpSlug"),
		PageSlug:  q.Get("pageSlug"),
		Amount:    q.Get("amount"),
		Frequency: q.Get("frequency"),
		UID:       q.Get("uid"),
		Email:     q.Get("email"),
		Next:      q.Get("next"),
		FromPath:  q.Get("fromPath"),
	}
}

// Navigation is the single post-payment navigation decision. External
// destinations leave the application entirely; in-app destinations carry
// transient route state instead of query parameters.
type Navigation struct {
	External bool

	// URL is set for external navigations.
	URL string

	// Path and State are set for in-app navigations.
	Path  string
	State templates.ThankYouState
}

// BuildRedirect decides where the donor goes after the conversion event. No
// side effects: the caller performs the one navigation.
func BuildRedirect(p InterstitialParams, page *templates.PageConfiguration, thankYouSlug string) (Navigation, error) {
	if p.Next != "" {
		dest, err := appendTrackingParams(p.Next, p.UID, p.Frequency, p.Amount)
		if err != nil {
			return Navigation{}, err
		}
		return Navigation{External: true, URL: dest}, nil
	}

	return Navigation{
		Path: JoinPath(p.FromPath, thankYouSlug),
		State: templates.ThankYouState{
			Amount:          p.Amount,
			DonationPageURL: JoinPath(p.FromPath),
			Page:            page,
			Email:           p.Email,
			FrequencyText:   p.Frequency,
		},
	}, nil
}

// appendTrackingParams sets uid, frequency and amount on an org-supplied
// absolute URL, overriding any existing values and appending the three in
// exactly that order.
func appendTrackingParams(next, uid, frequency, amount string) (string, error) {
	u, err := url.Parse(next)
	if err != nil {
		return "", fmt.Errorf("invalid thank-you redirect %q: %w", next, err)
	}
	if !u.IsAbs() {
		return "", fmt.Errorf("thank-you redirect %q is not absolute", next)
	}

	q := u.Query()
	q.Del("uid")
	q.Del("frequency")
	q.Del("amount")
	kept := q.Encode()

	ordered := "uid=" + url.QueryEscape(uid) +
		"&frequency=" + url.QueryEscape(frequency) +
		"&amount=" + url.QueryEscape(amount)

	if kept != "" {
		u.RawQuery = kept + "&" + ordered
	} else {
		u.RawQuery = ordered
	}
	return u.String(), nil
}

// JoinPath joins path segments under a leading slash, collapsing duplicate
// slashes and dropping empty segments.
func JoinPath(segments ...string) string {
	var parts []string
	for _, seg := range segments {
		for _, s := range strings.Split(seg, "/") {
			if s != "" {
				parts = append(parts, s)
			}
		}
	}
	return "/" + strings.Join(parts, "/")
}
