package templates

// AppConfig represents the application configuration
type AppConfig struct {
	// Stripe configuration
	StripeSecretKey string `json:"stripeSecretKey"`
	StripePublicKey string `json:"stripePublicKey"`

	// Website information. SiteBaseURL is the absolute origin used when
	// building provider return URLs; WebsiteName drives the HTTPS/self-signed
	// decision for local Stripe.js testing.
	WebsiteName string `json:"websiteName"`
	SiteBaseURL string `json:"siteBaseURL"`

	// Analytics
	AnalyticsCollectorURL string `json:"analyticsCollectorURL"`

	// Caching
	RedisAddr string `json:"redisAddr,omitempty"`

	// Routing
	ThankYouSlug string `json:"thankYouSlug"`

	// System configuration
	Port    string `json:"port"`
	DataDir string `json:"dataDir"`
}
