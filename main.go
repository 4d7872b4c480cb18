package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log"
	"math/big"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/balance"

	"donorpage/config"
	"donorpage/handlers"
	"donorpage/services"
	"donorpage/templates"
	"donorpage/utils"
)

var cli struct {
	Port    string `help:"Port to listen on (overrides config)."`
	DataDir string `help:"Directory for config and the payment ledger." default:"./data"`
}

// generateSelfSignedCert creates a self-signed certificate for localhost
func generateSelfSignedCert() (tls.Certificate, error) {
	// Generate a private key
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	// Create certificate template
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"DonorPage Development"},
			Country:      []string{"US"},
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(365 * 24 * time.Hour), // 1 year
		KeyUsage:    x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1)},
		DNSNames:    []string{"localhost"},
	}

	// Create the certificate
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}

// shouldUseHTTPS determines if HTTPS should be used based on websiteName
// config. Stripe.js requires a secure origin even for local testing.
func shouldUseHTTPS() bool {
	websiteName := strings.TrimSpace(config.Config.WebsiteName)
	return websiteName == "" || websiteName == "localhost"
}

// siteBaseURL resolves the absolute origin used in provider return URLs.
func siteBaseURL() string {
	if config.Config.SiteBaseURL != "" {
		return config.Config.SiteBaseURL
	}
	if websiteName := strings.TrimSpace(config.Config.WebsiteName); websiteName != "" && websiteName != "localhost" {
		return "https://" + websiteName
	}
	return "https://localhost:" + config.Config.Port
}

func main() {
	kong.Parse(&cli,
		kong.Description("donor contribution checkout server"),
		kong.UsageOnError(),
	)

	if err := config.Load(cli.DataDir); err != nil {
		log.Fatal(err)
	}
	if cli.Port != "" {
		config.Config.Port = cli.Port
	}

	// Initialize Stripe with API key from config or environment variable
	stripe.Key = config.GetStripeKey()
	if stripe.Key == "" {
		log.Fatal("Missing Stripe Secret Key. Set STRIPE_SECRET_KEY or configure it in the config file.")
	}

	// Test the Stripe API key by making a simple API call
	if _, err := balance.Get(nil); err != nil {
		log.Fatalf("Stripe API key is invalid or not working: %v", err)
	}
	utils.Info("main", "Stripe API initialized")

	store, err := services.OpenStore(filepath.Join(config.Config.DataDir, "donorpage.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	cache := services.NewRedisCache(config.Config.RedisAddr)
	loader := services.NewPageConfigLoader(store, cache, 5*time.Minute)
	registry := services.NewClientRegistry(config.GetStripeKey())
	coordinator := services.NewPaymentCoordinator(store, registry, config.PaymentTimeout)
	collector := &services.HTTPCollector{BaseURL: config.Config.AnalyticsCollectorURL}

	base := siteBaseURL()

	paymentHandler := &handlers.PaymentHandler{
		Coordinator: coordinator,
		Loader:      loader,
		SiteBaseURL: base,
		// Each confirmation attempt gets its own finalizer: the dispatch
		// state machine is single-use.
		Finalize: func(ctx context.Context, p templates.Payment, pmID, returnURL string) (string, error) {
			return services.NewFinalizer(registry).Finalize(ctx, p, pmID, returnURL)
		},
	}

	pageHandler := &handlers.PageHandler{Loader: loader, SiteBaseURL: base}
	interstitial := &handlers.InterstitialHandler{
		Loader:       loader,
		Ledger:       store,
		NewAnalytics: func() *services.Analytics { return services.NewAnalytics(collector) },
		ThankYouSlug: config.Config.ThankYouSlug,
	}
	success := &handlers.SuccessHandler{Ledger: store}

	// Sweep expired pending payments so abandoned intents do not block
	// resubmission forever.
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			coordinator.CleanupExpired(context.Background())
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.Dir("./static"))))
	mux.Handle("/api/payments", paymentHandler)
	mux.HandleFunc("/api/payments/confirm", paymentHandler.Confirm)
	mux.Handle("/api/payments/success", success)
	mux.HandleFunc("/api/live-page-detail", pageHandler.LivePageDetail)
	mux.HandleFunc("/page-qr", pageHandler.PageQR)
	mux.HandleFunc("/payment/processing", handlers.ProcessingHandler)
	mux.Handle("/payment/success/", interstitial)
	mux.HandleFunc("/", pageHandler.ServeDonationPage)

	port := config.Config.Port

	if shouldUseHTTPS() {
		utils.Info("main", "Starting HTTPS server with self-signed certificate", "port", port)

		cert, err := generateSelfSignedCert()
		if err != nil {
			log.Fatalf("Failed to generate self-signed certificate: %v", err)
		}

		server := &http.Server{
			Addr:    ":" + port,
			Handler: mux,
			TLSConfig: &tls.Config{
				Certificates: []tls.Certificate{cert},
			},
		}
		log.Fatal(server.ListenAndServeTLS("", ""))
	} else {
		utils.Info("main", "Starting HTTP server behind reverse proxy", "port", port, "website", config.Config.WebsiteName)
		log.Fatal(http.ListenAndServe(":"+port, mux))
	}
}
