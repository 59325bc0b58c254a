package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the API server and the
// provider clients it coordinates.
type Config struct {
	ListenAddr     string
	BaseURL        string
	MySQLDSN       string
	RequestTimeout time.Duration

	// Entitlement policy.
	SessionTTL time.Duration

	// Image-generation provider. An empty API key switches the whole
	// generation surface into deterministic test mode.
	ImageGenAPIKey  string
	ImageGenBaseURL string

	// Moderation provider.
	ModerationAPIKey     string
	ModerationBaseURL    string
	ModerationFailClosed bool

	// Payment provider.
	PaymentAPIKey        string
	PaymentBaseURL       string
	PaymentWebhookSecret string
	AdditionalStylePrice int
	PaymentCurrency      string

	// Print fulfillment provider.
	FulfillmentAPIKey  string
	FulfillmentBaseURL string
	FulfillmentStoreID string

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:           getEnv("LISTEN_ADDR", ":8080"),
		BaseURL:              strings.TrimRight(getEnv("BASE_URL", "http://localhost:8080"), "/"),
		RequestTimeout:       time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 60)),
		SessionTTL:           time.Hour * 24 * time.Duration(getInt("SESSION_TTL_DAYS", 7)),
		ImageGenBaseURL:      normalizeBaseURL(getEnv("IMAGEGEN_BASE_URL", "https://api.imagine.example")),
		ModerationBaseURL:    normalizeBaseURL(getEnv("MODERATION_BASE_URL", "https://api.moderatecontent.example")),
		ModerationFailClosed: getBool("MODERATION_FAIL_CLOSED", false),
		PaymentBaseURL:       normalizeBaseURL(getEnv("PAYMENT_BASE_URL", "https://api.paywall.example")),
		AdditionalStylePrice: getInt("ADDITIONAL_STYLE_PRICE_MINOR_UNITS", 100),
		PaymentCurrency:      getEnv("PAYMENT_CURRENCY", "usd"),
		FulfillmentBaseURL:   normalizeBaseURL(getEnv("FULFILLMENT_BASE_URL", "https://api.printful.com")),
		FulfillmentStoreID:   getEnv("FULFILLMENT_STORE_ID", ""),
		S3Endpoint:           getEnv("S3_ENDPOINT", ""),
		S3Region:             os.Getenv("S3_REGION"),
		S3AccessKey:          os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:          os.Getenv("S3_SECRET_KEY"),
		S3Bucket:             os.Getenv("S3_BUCKET"),
		S3PublicBaseURL:      os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:       getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:             getEnv("S3_PREFIX", "uploads"),
	}

	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.ImageGenAPIKey = os.Getenv("IMAGEGEN_API_KEY")
	cfg.ModerationAPIKey = os.Getenv("MODERATION_API_KEY")
	cfg.PaymentAPIKey = os.Getenv("PAYMENT_API_KEY")
	cfg.PaymentWebhookSecret = os.Getenv("PAYMENT_WEBHOOK_SECRET")
	cfg.FulfillmentAPIKey = os.Getenv("FULFILLMENT_API_KEY")

	var missing []string
	if cfg.MySQLDSN == "" {
		missing = append(missing, "MYSQL_DSN")
	}
	if cfg.PaymentAPIKey == "" {
		missing = append(missing, "PAYMENT_API_KEY")
	}
	if cfg.FulfillmentAPIKey == "" {
		missing = append(missing, "FULFILLMENT_API_KEY")
	}
	if cfg.S3Region == "" {
		missing = append(missing, "S3_REGION")
	}
	if cfg.S3AccessKey == "" {
		missing = append(missing, "S3_ACCESS_KEY")
	}
	if cfg.S3SecretKey == "" {
		missing = append(missing, "S3_SECRET_KEY")
	}
	if cfg.S3Bucket == "" {
		missing = append(missing, "S3_BUCKET")
	}
	if cfg.S3PublicBaseURL == "" {
		missing = append(missing, "S3_PUBLIC_BASE_URL")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	// IMAGEGEN_API_KEY and MODERATION_API_KEY are deliberately optional:
	// without them the service runs in test mode (placeholder generations)
	// and fail-open moderation respectively.

	return cfg, nil
}

// normalizeBaseURL tolerates scheme-less hosts and trailing slashes so a
// misconfigured provider URL degrades to a predictable form instead of 404s.
func normalizeBaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return raw
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return strings.TrimRight(raw, "/")
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		parsed.Host = strings.Trim(parsed.Path, "/")
		parsed.Path = ""
	}
	return strings.TrimRight(parsed.String(), "/")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	// Running purely off the process environment is fine.
	return nil
}
