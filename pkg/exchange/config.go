// Package exchange implements the token-exchange client: it trades a
// verified session token for a longer-lived online access token at the
// tenant's authorization endpoint.
//
// # Protocol
//
// The exchange is an HTTP POST of an RFC 8693-style form grant to
// https://{tenantHost}/oauth/access_token. A 2xx response carrying an
// access_token field is a success; every other outcome is classified
// (challenge, rate limit, credential rejection, transport) and drives the
// retry policy.
//
// # Edge-proxy challenges
//
// Tenant hosts sit behind a challenge-issuing edge proxy that intermittently
// answers legitimate server-to-server calls with an interception page
// instead of the grant. The client detects these responses, rotates through
// distinct outbound header profiles on subsequent attempts, and backs off
// with a challenge-type-specific multiplier. See [ChallengeType].
//
// # Retry budget
//
// Attempts are bounded twice: by [Config.MaxAttempts] and by
// [Config.MaxTotalWait]. Each attempt additionally runs under its own
// [Config.AttemptTimeout] so a hung connection cannot consume the whole
// budget. Credential rejections ([sperr.CodeExchangeConfiguration]) are
// never retried.
package exchange

import (
	"log/slog"
	"net/url"
	"strings"
	"time"

	sperr "github.com/StorePort/storeport-auth/pkg/errors"
)

// Default retry and timeout settings. These values are tuned for the
// platform's token-exchange endpoints, which answer quickly when healthy
// and are fronted by an edge proxy when not.
const (
	// DefaultEndpointPath is the token-exchange path on every tenant host.
	DefaultEndpointPath = "/oauth/access_token"

	// DefaultMaxAttempts is the maximum number of exchange calls for one
	// Exchange invocation, counting the first.
	DefaultMaxAttempts = 4

	// DefaultBaseDelay is the backoff base before multipliers, growth,
	// and jitter are applied.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay caps the wait between any two attempts.
	DefaultMaxDelay = 10 * time.Second

	// DefaultMaxTotalWait bounds the cumulative time one Exchange
	// invocation may spend across all attempts and waits.
	DefaultMaxTotalWait = 30 * time.Second

	// DefaultAttemptTimeout bounds a single HTTP attempt.
	DefaultAttemptTimeout = 10 * time.Second
)

// Secret is a string type that prevents accidental logging of sensitive
// values such as the exchange client secret. Its [Secret.String] and
// [Secret.GoString] methods return a redacted placeholder. Use
// [Secret.Value] to retrieve the actual secret value.
type Secret string

// redacted is the placeholder string returned by Secret's string methods.
const redacted = "[REDACTED]"

// String returns "[REDACTED]" to prevent accidental logging of the secret.
func (s Secret) String() string {
	return redacted
}

// GoString returns "[REDACTED]" to prevent the secret from appearing in
// %#v formatted output.
func (s Secret) GoString() string {
	return redacted
}

// Value returns the actual secret value.
func (s Secret) Value() string {
	return string(s)
}

// MarshalText implements encoding.TextMarshaler, returning the redacted
// placeholder so the secret never leaks into serialized configuration.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

// Config holds the settings for the token-exchange [Client].
type Config struct {
	// ClientID is the application identifier presented as client_id in
	// the grant form. Required.
	// Environment variable: EXCHANGE_CLIENT_ID
	ClientID string `json:"client_id" env:"EXCHANGE_CLIENT_ID"`

	// ClientSecret is the shared application secret presented as
	// client_secret in the grant form. Required. Uses the [Secret] type
	// to prevent accidental logging.
	// Environment variable: EXCHANGE_CLIENT_SECRET
	ClientSecret Secret `json:"-" env:"EXCHANGE_CLIENT_SECRET"`

	// EndpointPath is the token-exchange path appended to the tenant
	// host (or to BaseURLOverride when set).
	// Default: "/oauth/access_token"
	// Environment variable: EXCHANGE_ENDPOINT_PATH
	EndpointPath string `json:"endpoint_path,omitempty" env:"EXCHANGE_ENDPOINT_PATH"`

	// BaseURLOverride replaces the https://{tenantHost} base of the
	// exchange URL. Intended for tests and local stacks; leave empty in
	// production so every exchange goes to the token's own tenant.
	// Environment variable: EXCHANGE_BASE_URL
	BaseURLOverride string `json:"base_url_override,omitempty" env:"EXCHANGE_BASE_URL"`

	// MaxAttempts is the maximum number of exchange calls for one
	// Exchange invocation, counting the first.
	// Default: 4
	// Environment variable: EXCHANGE_MAX_ATTEMPTS
	MaxAttempts int `json:"max_attempts,omitempty" env:"EXCHANGE_MAX_ATTEMPTS"`

	// BaseDelay is the backoff base. The wait before attempt n+1 is
	// BaseDelay scaled by the challenge multiplier and 1.5^(n-1), plus
	// jitter, capped at MaxDelay.
	// Default: 500ms
	// Environment variable: EXCHANGE_BASE_DELAY
	BaseDelay time.Duration `json:"base_delay,omitempty" env:"EXCHANGE_BASE_DELAY"`

	// MaxDelay caps the computed wait between attempts. A server-sent
	// Retry-After is honored even beyond this cap; only MaxTotalWait
	// bounds it.
	// Default: 10s
	// Environment variable: EXCHANGE_MAX_DELAY
	MaxDelay time.Duration `json:"max_delay,omitempty" env:"EXCHANGE_MAX_DELAY"`

	// MaxTotalWait bounds the cumulative duration of one Exchange
	// invocation. The budget is checked between attempts; an attempt
	// already dispatched is never cut short by it.
	// Default: 30s
	// Environment variable: EXCHANGE_MAX_TOTAL_WAIT
	MaxTotalWait time.Duration `json:"max_total_wait,omitempty" env:"EXCHANGE_MAX_TOTAL_WAIT"`

	// AttemptTimeout bounds a single HTTP attempt, so one hung
	// connection cannot exhaust the retry budget.
	// Default: 10s
	// Environment variable: EXCHANGE_ATTEMPT_TIMEOUT
	AttemptTimeout time.Duration `json:"attempt_timeout,omitempty" env:"EXCHANGE_ATTEMPT_TIMEOUT"`

	// Logger receives per-attempt retry warnings. If nil, slog.Default()
	// is used.
	Logger *slog.Logger `json:"-"`
}

// DefaultConfig returns a Config with default retry and timeout settings.
// ClientID and ClientSecret have no defaults and must be supplied before
// the config validates.
func DefaultConfig() Config {
	return Config{
		EndpointPath:   DefaultEndpointPath,
		MaxAttempts:    DefaultMaxAttempts,
		BaseDelay:      DefaultBaseDelay,
		MaxDelay:       DefaultMaxDelay,
		MaxTotalWait:   DefaultMaxTotalWait,
		AttemptTimeout: DefaultAttemptTimeout,
	}
}

// Validate checks the configuration for invalid values and applies defaults
// for zero-valued retry and timeout fields. Missing client credentials are
// fatal; there is no anonymous exchange.
func (c *Config) Validate() *sperr.Error {
	c.applyDefaults()

	if c.ClientID == "" {
		return sperr.New(sperr.CodeValidationRequired, "exchange: client ID is required")
	}
	if c.ClientSecret.Value() == "" {
		return sperr.New(sperr.CodeValidationRequired, "exchange: client secret is required")
	}
	if !strings.HasPrefix(c.EndpointPath, "/") {
		return sperr.Newf(sperr.CodeValidationFormat, "exchange: endpoint path must start with '/', got %q", c.EndpointPath)
	}
	if c.BaseURLOverride != "" {
		u, err := url.Parse(c.BaseURLOverride)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return sperr.Newf(sperr.CodeValidationFormat, "exchange: base URL override must be an absolute URL, got %q", c.BaseURLOverride)
		}
	}
	if c.MaxAttempts < 1 {
		return sperr.Newf(sperr.CodeValidationRange, "exchange: max attempts must be >= 1, got %d", c.MaxAttempts)
	}
	if c.BaseDelay <= 0 {
		return sperr.Newf(sperr.CodeValidationRange, "exchange: base delay must be positive, got %v", c.BaseDelay)
	}
	if c.MaxDelay < c.BaseDelay {
		return sperr.Newf(sperr.CodeValidationRange, "exchange: max delay (%v) must be >= base delay (%v)", c.MaxDelay, c.BaseDelay)
	}
	if c.MaxTotalWait <= 0 {
		return sperr.Newf(sperr.CodeValidationRange, "exchange: max total wait must be positive, got %v", c.MaxTotalWait)
	}
	if c.AttemptTimeout <= 0 {
		return sperr.Newf(sperr.CodeValidationRange, "exchange: attempt timeout must be positive, got %v", c.AttemptTimeout)
	}
	return nil
}

// applyDefaults sets default values for zero-valued retry and timeout
// fields. Credentials are never defaulted.
func (c *Config) applyDefaults() {
	if c.EndpointPath == "" {
		c.EndpointPath = DefaultEndpointPath
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxTotalWait == 0 {
		c.MaxTotalWait = DefaultMaxTotalWait
	}
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
}
