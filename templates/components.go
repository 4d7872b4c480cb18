package templates

import (
	"context"
	"fmt"
	"html"
	"io"
	"strings"

	"github.com/a-h/templ"
)

// DonationPage renders the contribution page with the page configuration
// embedded as JSON so the client bootstraps without a second fetch. The form
// skeleton carries every input the payment API expects; the client script
// mounts the card element and drives the submission.
func DonationPage(page PageConfiguration, embedded []byte, publishableKey string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		title := page.RevenueProgramName
		if title == "" {
			title = page.Slug
		}
		_, err := fmt.Fprintf(w, `<!DOCTYPE html>
<html lang=%q>
<head>
<meta charset="utf-8">
<title>%s</title>
<script src="https://js.stripe.com/v3/"></script>
</head>
<body>
<div id="donation-root" data-stripe-account=%q data-stripe-pk=%q>
<form id="donation-form">
<div id="donation-errors" role="alert"></div>
<label>Amount <input name="amount" inputmode="decimal" required></label>
<label>Frequency <select name="interval">
<option value="one_time">One time</option>
<option value="monthly">Monthly</option>
<option value="yearly">Yearly</option>
</select></label>
<label>First name <input name="first_name" autocomplete="given-name" required></label>
<label>Last name <input name="last_name" autocomplete="family-name" required></label>
<label>Email <input name="email" type="email" autocomplete="email" required></label>
<label>Phone <input name="phone" type="tel" autocomplete="tel"></label>
%s<div id="card-element"></div>
<input type="hidden" name="captcha_token">
<button type="submit">Contribute</button>
</form>
</div>
<script id="page-config" type="application/json">%s</script>
<script src="/static/donation.js"></script>
</body>
</html>
`,
			pageLocale(page),
			html.EscapeString(title),
			page.StripeAccountID,
			publishableKey,
			pageElements(page.Elements),
			embedded,
		)
		return err
	})
}

// pageElements renders the page's configured elements as mount points. The
// server never interprets element payloads; the client hydrates them from the
// embedded configuration.
func pageElements(elements []FormElement) string {
	var b strings.Builder
	for _, el := range elements {
		fmt.Fprintf(&b, "<div class=\"page-element\" data-element-type=%q data-required=\"%t\"></div>\n",
			html.EscapeString(el.Type), el.Required)
	}
	return b.String()
}

func pageLocale(page PageConfiguration) string {
	if page.Locale != "" {
		return page.Locale
	}
	return "en"
}

// Interstitial is the post-redirect landing view. A spinner is its only
// content: anything more would suggest the flow has stalled.
func Interstitial() templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Processing…</title></head>
<body><div class="spinner" role="status" aria-label="Processing your contribution"></div></body>
</html>
`)
		return err
	})
}

// ThankYou renders the in-app thank-you view with the transient route state
// from the interstitial.
func ThankYou(state ThankYouState) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		name := ""
		if state.Page != nil {
			name = state.Page.RevenueProgramName
		}
		_, err := fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Thank you</title></head>
<body>
<main class="thank-you">
<h1>Thank you for your %s contribution of %s!</h1>
<p>A receipt is on its way to your inbox.</p>
<p class="org">%s</p>
<a href=%q>Back to the donation page</a>
</main>
</body>
</html>
`,
			html.EscapeString(state.FrequencyText),
			html.EscapeString(state.Amount),
			html.EscapeString(name),
			state.DonationPageURL,
		)
		return err
	})
}

// PaymentDeclined shows a donor-facing confirmation failure. The message is
// either the provider's own card-error text or the one generic message.
func PaymentDeclined(message string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Payment not completed</title></head>
<body>
<main class="declined">
<h1>Payment not completed</h1>
<p>%s</p>
</main>
</body>
</html>
`, html.EscapeString(message))
		return err
	})
}
