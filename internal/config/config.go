// Package config provides configuration loading and management for the ERI gateway.
// It handles environment variable parsing and provides default values for all settings.
// Business packages never read the environment themselves; they receive the structs below.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load does not override variables that are already set, so the OS
// environment always wins over .env and .env.local.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// .env.local holds developer overrides and is gitignored
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Signer modes accepted in ERI_SIGNER_MODE.
const (
	SignerModeDevPFX = "DEV_PFX" // Password-protected PKCS#12 file on disk
	SignerModeKMS    = "KMS"     // Remote key-management service
)

// Config captures environment-driven settings for the ERI gateway.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // PostgreSQL connection string; empty selects in-memory storage
	NATSURL     string // NATS server URL; empty disables lifecycle events
	TraceStdout bool   // Export spans to stdout; otherwise spans are recorded but not exported

	Authority Authority
	Signer    Signer
	Redis     Redis
	S3        S3
	Crypto    Crypto
	Auth      Auth

	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// Authority holds the credentials used to talk to the tax authority.
type Authority struct {
	BaseURL      string // Authority API root, e.g. https://uat.incometax.gov.in/eri
	ClientID     string // Sent as the clientId header
	ClientSecret string // Sent as the clientSecret header
	CallerID     string // ERI user id placed in every envelope
	MockMode     bool   // Fabricate responses without network calls
}

// Signer selects and configures the request signer.
type Signer struct {
	Mode        string // DEV_PFX or KMS
	PFXPath     string // Path to the PKCS#12 container (DEV_PFX)
	PFXPassword string // Container password (DEV_PFX)
	KMSKeyID    string // Remote key identifier (KMS)
}

// Redis configures the durable session tier.
type Redis struct {
	URL      string // redis://host:port/db
	Disabled bool   // Force the in-process tier only
}

// S3 configures acknowledgement document storage.
type S3 struct {
	Endpoint       string
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
}

// Enabled reports whether S3 storage was configured.
func (s S3) Enabled() bool { return s.Endpoint != "" || s.AccessKey != "" }

// Crypto holds the PII master key.
type Crypto struct {
	MasterKeyHex string // 32-byte AES key, hex encoded
}

// Auth configures end-user JWT verification.
type Auth struct {
	JWTSecret string        // HMAC secret for HS256 tokens
	JWTIssuer string        // Optional expected issuer
	TokenTTL  time.Duration // Lifetime of tokens minted by tooling
}

// Default configuration values used when environment variables are not set
const (
	defaultPort       = "8080"
	defaultEnv        = "dev"
	defaultBaseURL    = "https://uat.incometax.gov.in/eri"
	defaultS3Region   = "us-east-1"
	defaultS3Bucket   = "eri-documents"
	defaultRedisURL   = "redis://localhost:6379/0"
	defaultTokenTTL   = 7 * 24 * time.Hour
	defaultSignerMode = SignerModeDevPFX
)

// Load reads environment variables and produces a Config suitable for wiring the service.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:         getEnv("ERI_ENV", defaultEnv),
		Port:        getEnv("ERI_PORT", defaultPort),
		DatabaseDSN: os.Getenv("ERI_DB_DSN"),
		NATSURL:     os.Getenv("ERI_NATS_URL"),
		TraceStdout: parseBool(os.Getenv("ERI_TRACE_STDOUT")),
	}

	cfg.Authority = Authority{
		BaseURL:      strings.TrimRight(getEnv("ERI_BASE_URL", defaultBaseURL), "/"),
		ClientID:     os.Getenv("ERI_CLIENT_ID"),
		ClientSecret: os.Getenv("ERI_CLIENT_SECRET"),
		CallerID:     os.Getenv("ERI_USER_ID"),
		MockMode:     parseBool(os.Getenv("ERI_MOCK_MODE")),
	}

	cfg.Signer = Signer{
		Mode:        strings.ToUpper(getEnv("ERI_SIGNER_MODE", defaultSignerMode)),
		PFXPath:     os.Getenv("ERI_PFX_PATH"),
		PFXPassword: os.Getenv("ERI_PFX_PASSWORD"),
		KMSKeyID:    os.Getenv("ERI_KMS_KEY_ID"),
	}

	cfg.Redis = Redis{
		URL:      getEnv("ERI_REDIS_URL", defaultRedisURL),
		Disabled: parseBool(os.Getenv("ERI_REDIS_DISABLED")),
	}

	cfg.S3 = S3{
		Endpoint:       os.Getenv("ERI_S3_ENDPOINT"),
		Region:         getEnv("ERI_S3_REGION", defaultS3Region),
		Bucket:         getEnv("ERI_S3_BUCKET", defaultS3Bucket),
		AccessKey:      os.Getenv("ERI_S3_ACCESS_KEY"),
		SecretKey:      os.Getenv("ERI_S3_SECRET_KEY"),
		ForcePathStyle: parseBool(os.Getenv("ERI_S3_FORCE_PATH_STYLE")),
	}

	cfg.Crypto = Crypto{MasterKeyHex: os.Getenv("ERI_CRYPTO_MASTER_KEY")}

	cfg.Auth = Auth{
		JWTSecret: os.Getenv("ERI_JWT_SECRET"),
		JWTIssuer: os.Getenv("ERI_JWT_ISSUER"),
		TokenTTL:  defaultTokenTTL,
	}
	if ttl := os.Getenv("ERI_JWT_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return cfg, fmt.Errorf("ERI_JWT_TTL: %w", err)
		}
		cfg.Auth.TokenTTL = d
	}

	if corsOrigins, exists := os.LookupEnv("ERI_CORS_ALLOWED_ORIGINS"); exists {
		for _, origin := range strings.Split(corsOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, origin)
			}
		}
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// validate fails fast on settings that would otherwise only break at first use.
func (c Config) validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("ERI_JWT_SECRET is required")
	}
	if c.Crypto.MasterKeyHex == "" {
		return fmt.Errorf("ERI_CRYPTO_MASTER_KEY is required")
	}

	// Mock mode never signs, so signer material is optional there
	if c.Authority.MockMode {
		return nil
	}
	if c.Authority.ClientID == "" || c.Authority.ClientSecret == "" {
		return fmt.Errorf("ERI_CLIENT_ID and ERI_CLIENT_SECRET are required unless ERI_MOCK_MODE is set")
	}
	switch c.Signer.Mode {
	case SignerModeDevPFX:
		if c.Signer.PFXPath == "" {
			return fmt.Errorf("ERI_PFX_PATH is required for signer mode %s", SignerModeDevPFX)
		}
	case SignerModeKMS:
		if c.Signer.KMSKeyID == "" {
			return fmt.Errorf("ERI_KMS_KEY_ID is required for signer mode %s", SignerModeKMS)
		}
	default:
		return fmt.Errorf("unknown ERI_SIGNER_MODE %q", c.Signer.Mode)
	}
	return nil
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// parseBool converts a string to a boolean value, returning false if parsing fails
func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
