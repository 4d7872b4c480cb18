package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"donorpage/templates"
)

// Default configuration values
const (
	DefaultPort         = "3000"
	DefaultDataDir      = "./data"
	DefaultThankYouSlug = "thank-you"
)

// PaymentTimeout is how long a pending payment may sit unconfirmed before the
// expiry sweep releases it.
const PaymentTimeout = 30 * time.Minute

// Config holds the application configuration
var Config templates.AppConfig

// Load loads the application configuration from the data dir, applying
// defaults and environment overrides. A missing config file is not an error:
// everything can come from flags and the environment.
func Load(dataDir string) error {
	if dataDir == "" {
		dataDir = DefaultDataDir
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	configPath := filepath.Join(dataDir, "config.json")
	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, &Config); err != nil {
			return fmt.Errorf("error parsing configuration file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("error reading configuration file: %w", err)
	}

	// Apply fallbacks for critical values
	if Config.Port == "" {
		Config.Port = DefaultPort
	}
	if Config.DataDir == "" {
		Config.DataDir = dataDir
	}
	if Config.ThankYouSlug == "" {
		Config.ThankYouSlug = DefaultThankYouSlug
	}

	// Environment overrides take precedence over the config file.
	if v := os.Getenv("STRIPE_SECRET_KEY"); v != "" {
		Config.StripeSecretKey = v
	}
	if v := os.Getenv("STRIPE_PUBLIC_KEY"); v != "" {
		Config.StripePublicKey = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		Config.RedisAddr = v
	}
	if v := os.Getenv("ANALYTICS_COLLECTOR_URL"); v != "" {
		Config.AnalyticsCollectorURL = v
	}

	return nil
}

// Save writes the configuration back to the data dir.
func Save() error {
	jsonData, err := json.MarshalIndent(Config, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshalling configuration: %w", err)
	}

	configPath := filepath.Join(Config.DataDir, "config.json")
	if err := os.WriteFile(configPath, jsonData, 0600); err != nil {
		return fmt.Errorf("error writing configuration file: %w", err)
	}

	return nil
}

// GetStripeKey returns the Stripe API key, checking environment variable first
func GetStripeKey() string {
	envKey := os.Getenv("STRIPE_SECRET_KEY")
	if envKey != "" {
		return envKey
	}

	return Config.StripeSecretKey
}

// GetStripePublicKey returns the publishable key embedded into donation pages.
func GetStripePublicKey() string {
	envKey := os.Getenv("STRIPE_PUBLIC_KEY")
	if envKey != "" {
		return envKey
	}

	return Config.StripePublicKey
}
