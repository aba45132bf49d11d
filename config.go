package mocksmith

import (
	"fmt"
	"time"
)

// Duration wraps time.Duration so values can be written as "24h" or
// "5m" in TOML config files.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full application configuration tree. cmd/mocksmith
// loads it from a TOML file with environment overrides; tests and
// embedders can build it directly. Zero values are filled in by
// ApplyDefaults.
type Config struct {
	Server          ServerConfig          `toml:"server"`
	Cookie          CookieConfig          `toml:"cookie"`
	Auth            AuthConfig            `toml:"auth"`
	RateLimit       RateLimitConfig       `toml:"rate_limit"`
	Security        SecurityConfig        `toml:"security"`
	Storage         StorageConfig         `toml:"storage"`
	Providers       ProvidersConfig       `toml:"providers"`
	Instrumentation InstrumentationConfig `toml:"instrumentation"`
}

// ServerConfig controls the listener and the mock data plane.
type ServerConfig struct {
	// ListenAddr is the address to bind, e.g. ":3001".
	ListenAddr string `toml:"listen_addr"`
	// DataDir holds the resource collections served under /api/{resource}.
	DataDir string `toml:"data_dir"`
}

// CookieConfig controls the session cookie the handler issues.
type CookieConfig struct {
	Name   string `toml:"name"`
	Path   string `toml:"path"`
	Domain string `toml:"domain"`
	// Secure should be true behind TLS. Off by default so local
	// development over plain HTTP works.
	Secure bool `toml:"secure"`
}

// AuthConfig carries the knobs passed through to the auth state machine.
type AuthConfig struct {
	SessionTTL   Duration `toml:"session_ttl"`
	ChallengeTTL Duration `toml:"challenge_ttl"`
	OTPLength    int      `toml:"otp_length"`
	BcryptCost   int      `toml:"bcrypt_cost"`
	// RequireMFAForOAuth extends the MFA step-up to federated logins.
	// Off by default: an OAuth callback yields a fully authenticated
	// session even for accounts with MFA enabled.
	RequireMFAForOAuth bool `toml:"require_mfa_for_oauth"`
}

// RateLimitConfig controls the per-IP limiter on auth endpoints and the
// per-user limiter on OTP attempts.
type RateLimitConfig struct {
	// Rate is requests per second per client IP; Burst is the bucket size.
	Rate  float64 `toml:"rate"`
	Burst int     `toml:"burst"`
	// OTPRate and OTPBurst bound verify-mfa attempts per user.
	OTPRate  float64 `toml:"otp_rate"`
	OTPBurst int     `toml:"otp_burst"`
	// TrustProxy enables X-Forwarded-For / X-Real-IP parsing. Only set
	// this behind a proxy that strips client-supplied values.
	TrustProxy bool `toml:"trust_proxy"`
}

// SecurityConfig controls audit logging and at-rest encryption.
type SecurityConfig struct {
	EnableAuditLogging bool `toml:"enable_audit_logging"`
	// EncryptionKey is a base64-encoded 32-byte key for the file store.
	// Empty disables at-rest encryption.
	EncryptionKey string `toml:"encryption_key"`
}

// StorageConfig selects the durable backend.
type StorageConfig struct {
	// Backend is one of "memory", "file", or "sqlite".
	Backend string `toml:"backend"`
	// Path is the data directory (file) or database file (sqlite).
	Path string `toml:"path"`
}

// ProvidersConfig holds the federated identity provider credentials.
type ProvidersConfig struct {
	GitHub GitHubProviderConfig `toml:"github"`
}

// GitHubProviderConfig configures the GitHub OAuth app.
type GitHubProviderConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RedirectURL  string `toml:"redirect_url"`
}

// InstrumentationConfig controls OpenTelemetry metrics and tracing.
type InstrumentationConfig struct {
	Enabled      bool   `toml:"enabled"`
	ServiceName  string `toml:"service_name"`
	LogClientIPs bool   `toml:"log_client_ips"`
}

// DefaultConfig returns a configuration suitable for local development.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with working defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":3001"
	}
	if c.Server.DataDir == "" {
		c.Server.DataDir = "data"
	}
	if c.Cookie.Name == "" {
		c.Cookie.Name = "mocksmith_session"
	}
	if c.Cookie.Path == "" {
		c.Cookie.Path = "/"
	}
	if c.Auth.SessionTTL == 0 {
		c.Auth.SessionTTL = Duration(24 * time.Hour)
	}
	if c.Auth.ChallengeTTL == 0 {
		c.Auth.ChallengeTTL = Duration(5 * time.Minute)
	}
	if c.RateLimit.Rate == 0 {
		c.RateLimit.Rate = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.RateLimit.OTPRate == 0 {
		// One attempt per 10 seconds sustained, small burst for typos.
		c.RateLimit.OTPRate = 0.1
	}
	if c.RateLimit.OTPBurst == 0 {
		c.RateLimit.OTPBurst = 5
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Instrumentation.ServiceName == "" {
		c.Instrumentation.ServiceName = "mocksmith"
	}
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory":
	case "file", "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the %q backend", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.RateLimit.Rate < 0 || c.RateLimit.OTPRate < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	return nil
}
