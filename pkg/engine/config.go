package engine

import (
	"log/slog"
	"time"

	sperr "github.com/StorePort/storeport-auth/pkg/errors"
	"github.com/StorePort/storeport-auth/pkg/exchange"
	"github.com/StorePort/storeport-auth/pkg/session"
	"github.com/StorePort/storeport-auth/pkg/token"
)

const (
	// DefaultRefreshThreshold is the default remaining-lifetime window
	// inside which a cached session is proactively refreshed.
	DefaultRefreshThreshold = 5 * time.Minute

	// DefaultDegradedFailureThreshold is the default number of exchange
	// failures within the degraded window that switches a tenant to
	// validation-only degraded mode.
	DefaultDegradedFailureThreshold = 3

	// DefaultDegradedWindow is the default sliding window over which
	// exchange failures are counted per tenant.
	DefaultDegradedWindow = 5 * time.Minute
)

// Config holds the configuration for [Engine]. The validator, exchange, and
// cache sections are the component configurations passed through unchanged;
// their env tags carry component prefixes (for example EXCHANGE_CLIENT_ID,
// SESSION_TTL) so one loader call populates the whole tree.
type Config struct {
	// Validator configures token verification. The signing secret and
	// expected audience are required and have no fallback.
	Validator token.ValidatorConfig `json:"validator" yaml:"validator"`

	// Exchange configures the token-exchange client.
	Exchange exchange.Config `json:"exchange" yaml:"exchange"`

	// Cache configures the default in-memory session store. Ignored when
	// a store is injected with [WithStore].
	Cache session.MemoryConfig `json:"cache" yaml:"cache"`

	// RefreshThreshold is the remaining session lifetime below which a
	// cache hit triggers a background refresh.
	//
	// Default: 5m
	// Environment variable: REFRESH_THRESHOLD
	RefreshThreshold time.Duration `json:"refresh_threshold,omitempty" yaml:"refresh_threshold" env:"REFRESH_THRESHOLD"`

	// DegradedFailureThreshold is the number of exchange failures within
	// DegradedWindow after which a tenant is served without exchange.
	//
	// Default: 3
	// Environment variable: DEGRADED_FAILURE_THRESHOLD
	DegradedFailureThreshold int `json:"degraded_failure_threshold,omitempty" yaml:"degraded_failure_threshold" env:"DEGRADED_FAILURE_THRESHOLD"`

	// DegradedWindow is the sliding window over which exchange failures
	// count toward degraded mode.
	//
	// Default: 5m
	// Environment variable: DEGRADED_WINDOW
	DegradedWindow time.Duration `json:"degraded_window,omitempty" yaml:"degraded_window" env:"DEGRADED_WINDOW"`

	// Logger is the engine's structured logger. When nil, slog.Default()
	// is used.
	Logger *slog.Logger `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with default values. The signing secret,
// expected audience, and exchange credentials must still be supplied before
// the config validates.
func DefaultConfig() Config {
	return Config{
		Validator:                token.DefaultValidatorConfig(),
		Exchange:                 exchange.DefaultConfig(),
		Cache:                    session.DefaultMemoryConfig(),
		RefreshThreshold:         DefaultRefreshThreshold,
		DegradedFailureThreshold: DefaultDegradedFailureThreshold,
		DegradedWindow:           DefaultDegradedWindow,
	}
}

// Validate checks the configuration and applies defaults to unset fields.
// Component sections are validated by their own Validate methods, so a
// missing signing secret or exchange credential fails here, at construction,
// never per request.
func (c *Config) Validate() *sperr.Error {
	c.applyDefaults()

	if err := c.Validator.Validate(); err != nil {
		return err
	}
	if err := c.Exchange.Validate(); err != nil {
		return err
	}
	if err := c.Cache.Validate(); err != nil {
		return err
	}

	if c.RefreshThreshold <= 0 {
		return sperr.New(sperr.CodeValidationRange,
			"engine: refresh threshold must be positive")
	}
	if c.DegradedFailureThreshold <= 0 {
		return sperr.New(sperr.CodeValidationRange,
			"engine: degraded failure threshold must be greater than zero")
	}
	if c.DegradedWindow <= 0 {
		return sperr.New(sperr.CodeValidationRange,
			"engine: degraded window must be positive")
	}
	return nil
}

// applyDefaults fills zero-valued engine fields with defaults. Component
// sections apply their own defaults inside Validate.
func (c *Config) applyDefaults() {
	if c.RefreshThreshold == 0 {
		c.RefreshThreshold = DefaultRefreshThreshold
	}
	if c.DegradedFailureThreshold == 0 {
		c.DegradedFailureThreshold = DefaultDegradedFailureThreshold
	}
	if c.DegradedWindow == 0 {
		c.DegradedWindow = DefaultDegradedWindow
	}
}
