// Package token verifies StorePort session tokens: structural parsing,
// HMAC-SHA256 signature verification, device-aware temporal policy, and
// audience and tenant checks, composed into a single Validate operation
// with short-TTL memoization of successful results.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sperr "github.com/StorePort/storeport-auth/pkg/errors"
)

// ---------------------------------------------------------------------------
// Secret type — prevents accidental logging of sensitive values
// ---------------------------------------------------------------------------

// Secret is a string type that redacts its value in String(), GoString(),
// and MarshalText() to prevent accidental exposure in logs, JSON output, or
// fmt.Printf. The actual value is only accessible via the [Secret.Value]
// method, which should be called only where the raw value is truly needed
// (e.g., handing the signing key to the HMAC verifier).
type Secret string

// secretRedacted is the placeholder text shown instead of the actual secret
// value when the secret is printed, formatted, or serialized.
const secretRedacted = "[REDACTED]"

// String returns the redacted placeholder, preventing the secret from being
// printed via fmt.Println, log.Printf, or similar functions.
func (s Secret) String() string { return secretRedacted }

// GoString returns the redacted placeholder, preventing the secret from
// being printed via fmt.Printf("%#v", secret).
func (s Secret) GoString() string { return secretRedacted }

// Value returns the actual secret string. This is the only way to access
// the underlying value and should be used only where the raw secret is
// required (e.g., signature verification or the exchange request body).
func (s Secret) Value() string { return string(s) }

// MarshalText implements [encoding.TextMarshaler], returning the redacted
// placeholder. This prevents the secret from leaking into JSON, YAML, or
// any other text-based serialization format.
func (s Secret) MarshalText() ([]byte, error) { return []byte(secretRedacted), nil }

// ---------------------------------------------------------------------------
// ValidatorConfig — configuration for the session-token validator
// ---------------------------------------------------------------------------

const (
	// DefaultMemoTTL is the default lifetime of a memoized validation
	// result.
	DefaultMemoTTL = time.Minute

	// DefaultMemoMaxEntries is the default capacity of the validation
	// memo.
	DefaultMemoMaxEntries = 10000
)

// ValidatorConfig holds the configuration for [Validator]. The signing
// secret and expected audience have no defaults and no fallbacks: an empty
// value is a fatal configuration error at construction time, never a
// per-request warning.
type ValidatorConfig struct {
	// SigningSecret is the shared HMAC secret session tokens are signed
	// with. Required; must be at least 32 bytes. The Secret type prevents
	// accidental logging of the key value.
	SigningSecret Secret `json:"-" env:"SIGNING_SECRET"`

	// ExpectedAudience is the application identifier the token's "aud"
	// claim must equal exactly. Required.
	ExpectedAudience string `json:"expected_audience" env:"EXPECTED_AUDIENCE"`

	// MemoTTL is the maximum time a successful validation result is
	// memoized before the signature is re-verified. The effective TTL for
	// a token is the minimum of this value and the token's remaining
	// lifetime. Must be non-negative. Defaults to 1 minute.
	MemoTTL time.Duration `json:"memo_ttl" env:"MEMO_TTL" envDefault:"1m"`

	// MemoMaxEntries is the maximum number of memoized results. When the
	// memo is full, expired entries are evicted first, then the oldest
	// entry is removed. Must be greater than zero. Defaults to 10000.
	MemoMaxEntries int `json:"memo_max_entries" env:"MEMO_MAX_ENTRIES" envDefault:"10000"`

	// Logger receives the widened-tolerance warnings emitted by the
	// timestamp policy. If nil, slog.Default() is used.
	Logger *slog.Logger `json:"-"`
}

// Validate checks the configuration, applying defaults to unset memo
// fields, and returns a *[sperr.Error] with code
// [sperr.CodeValidationRequired] or [sperr.CodeValidationRange] if any
// field is invalid.
func (c *ValidatorConfig) Validate() *sperr.Error {
	c.applyDefaults()

	if c.SigningSecret.Value() == "" {
		return sperr.New(sperr.CodeValidationRequired, "token: signing secret is required")
	}
	if len(c.SigningSecret.Value()) < 32 {
		return sperr.New(sperr.CodeValidationRange, "token: signing secret must be at least 32 bytes")
	}
	if c.ExpectedAudience == "" {
		return sperr.New(sperr.CodeValidationRequired, "token: expected audience is required")
	}
	if c.MemoTTL < 0 {
		return sperr.New(sperr.CodeValidationRange, "token: memo TTL must be non-negative")
	}
	if c.MemoMaxEntries <= 0 {
		return sperr.New(sperr.CodeValidationRange, "token: memo max entries must be greater than zero")
	}
	return nil
}

// DefaultValidatorConfig returns a ValidatorConfig with the default memo
// settings. The signing secret and expected audience must still be supplied
// before the config validates.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MemoTTL:        DefaultMemoTTL,
		MemoMaxEntries: DefaultMemoMaxEntries,
	}
}

// applyDefaults fills zero-valued memo fields with defaults.
func (c *ValidatorConfig) applyDefaults() {
	if c.MemoTTL == 0 {
		c.MemoTTL = DefaultMemoTTL
	}
	if c.MemoMaxEntries == 0 {
		c.MemoMaxEntries = DefaultMemoMaxEntries
	}
}

// ---------------------------------------------------------------------------
// memoCache — short-TTL memoization of successful validations
// ---------------------------------------------------------------------------

// memoEntry stores a memoized validation result and its expiration time.
type memoEntry struct {
	result    Result
	expiresAt time.Time
}

// memoCache memoizes successful validation results keyed by the token
// fingerprint, so rapid repeated calls with the same token skip signature
// verification. Only successful results are stored; failures always
// re-validate. It is not a session cache: it never outlives MemoTTL and
// holds no access credentials.
type memoCache struct {
	mu      sync.RWMutex
	entries map[string]*memoEntry
	maxSize int
	ttl     time.Duration
}

// newMemoCache creates a memo cache with the given TTL and maximum number
// of entries.
func newMemoCache(ttl time.Duration, maxSize int) *memoCache {
	return &memoCache{
		entries: make(map[string]*memoEntry),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// get retrieves a memoized result by fingerprint. Returns the result and
// true if the entry exists and has not expired.
func (c *memoCache) get(fingerprint string) (Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[fingerprint]
	if !ok {
		return Result{}, false
	}
	if time.Now().After(entry.expiresAt) {
		return Result{}, false
	}
	return entry.result, true
}

// put stores a successful validation result. The effective TTL is the
// minimum of the configured TTL and the time remaining until the token's
// expiration. If the memo is at capacity, expired entries are evicted
// first; if still at capacity, the oldest entry is removed.
func (c *memoCache) put(fingerprint string, result Result, tokenExp time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ttl := c.ttl
	if remaining := time.Until(tokenExp); remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return // Token already expired; do not memoize.
	}

	expiresAt := time.Now().Add(ttl)

	if len(c.entries) >= c.maxSize {
		c.evictExpiredLocked()
	}
	if len(c.entries) >= c.maxSize {
		// Evict the oldest entry (earliest expiresAt).
		var oldestKey string
		var oldestTime time.Time
		first := true
		for k, v := range c.entries {
			if first || v.expiresAt.Before(oldestTime) {
				oldestKey = k
				oldestTime = v.expiresAt
				first = false
			}
		}
		if oldestKey != "" {
			delete(c.entries, oldestKey)
		}
	}

	c.entries[fingerprint] = &memoEntry{
		result:    result,
		expiresAt: expiresAt,
	}
}

// evictExpired removes all expired entries from the memo. This method
// acquires the write lock and is safe for concurrent use.
func (c *memoCache) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictExpiredLocked()
}

// evictExpiredLocked removes all expired entries. Caller must hold the
// write lock.
func (c *memoCache) evictExpiredLocked() {
	now := time.Now()
	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}

// ---------------------------------------------------------------------------
// Result — successful validation outcome
// ---------------------------------------------------------------------------

// Result is a successful validation outcome: the decoded payload plus
// verification metadata. Failures are reported as *[sperr.Error] values
// carrying the machine-readable TOKEN_xxx code, a human message, and
// structured recovery details.
type Result struct {
	Payload  SessionTokenPayload
	Metadata Metadata
}

// Metadata describes how a token was verified.
type Metadata struct {
	// TenantOrigin is the canonical tenant host derived from the token's
	// destination, falling back to its issuer.
	TenantOrigin string

	// SignatureVerified is always true for results produced by Validate.
	// Degraded flows downstream may skip the exchange, never the signature.
	SignatureVerified bool

	// Device is the device class the temporal policy evaluated with.
	Device DeviceClass

	// ShouldRefreshSoon reports the token was inside the refresh window
	// at validation time.
	ShouldRefreshSoon bool

	// TimeUntilExpiry is the remaining token lifetime at validation time.
	TimeUntilExpiry time.Duration
}

// ---------------------------------------------------------------------------
// Validator — session-token verification with memoization and OTel tracing
// ---------------------------------------------------------------------------

// tracerName is the OpenTelemetry instrumentation scope name for token spans.
const tracerName = "github.com/StorePort/storeport-auth/pkg/token"

// Validator verifies session tokens end to end: structural parsing, HMAC
// signature verification, temporal policy with device-aware tolerance,
// audience and tenant checks, and short-TTL memoization of successful
// results.
//
// Validator is safe for concurrent use by multiple goroutines.
type Validator struct {
	config ValidatorConfig
	policy *TimestampPolicy
	memo   *memoCache
	tracer trace.Tracer
	logger *slog.Logger
}

// NewValidator creates a Validator with the given configuration. The
// configuration is validated before use; an error is returned if it is
// invalid. There is no unsigned or partially-decoded acceptance path: every
// result this validator produces has a verified signature.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Validator{
		config: cfg,
		policy: NewTimestampPolicy(logger),
		memo:   newMemoCache(cfg.MemoTTL, cfg.MemoMaxEntries),
		tracer: otel.Tracer(tracerName),
		logger: logger,
	}, nil
}

// Validate verifies the given session token string and returns the decoded
// payload with verification metadata.
//
// The method performs the following steps:
//  1. Rejects empty and oversized tokens
//  2. Checks the memo for a recent successful result
//  3. Splits and decodes the header and payload segments, rejecting any
//     algorithm other than HS256
//  4. Verifies the HMAC-SHA256 signature with the configured secret
//  5. Requires the iss, dest, aud, sub, exp, nbf, and iat claims
//  6. Applies the timestamp policy under the device-aware tolerance
//  7. Requires the audience to match exactly and the issuer and
//     destination to name the same tenant
//
// Returns a *[sperr.Error] with the appropriate TOKEN_xxx code on failure.
// Temporal failures carry the policy's severity and recovery action in
// their details; [RecoveryFromError] reads them back.
func (v *Validator) Validate(ctx context.Context, raw string, device DeviceClass) (*Result, error) {
	_, span := startSpan(ctx, v.tracer, "token.Validate")
	defer span.End()

	if raw == "" {
		err := sperr.New(sperr.CodeTokenMalformedStructure, "token: token must not be empty")
		finishSpan(span, err)
		return nil, err
	}
	if len(raw) > maxTokenSize {
		err := sperr.New(sperr.CodeTokenMalformedStructure, "token: token exceeds maximum size").
			WithDetail("max_bytes", maxTokenSize)
		finishSpan(span, err)
		return nil, err
	}

	fingerprint := Fingerprint(raw)
	if result, ok := v.memo.get(fingerprint); ok {
		span.SetAttributes(attribute.Bool("token.memo_hit", true))
		return &result, nil
	}
	span.SetAttributes(attribute.Bool("token.memo_hit", false))

	decoded, derr := decodeToken(raw)
	if derr != nil {
		finishSpan(span, derr)
		return nil, derr
	}

	// Verify the signature before trusting any payload field. The parser
	// is pinned to HS256; temporal claims are validated by our policy,
	// not the library.
	_, err := jwt.ParseWithClaims(raw, jwt.MapClaims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(v.config.SigningSecret.Value()), nil
	}, jwt.WithValidMethods([]string{supportedAlgorithm}), jwt.WithoutClaimsValidation())
	if err != nil {
		serr := classifySignatureError(err)
		finishSpan(span, serr)
		return nil, serr
	}

	if missing := decoded.payload.missingFields(); len(missing) > 0 {
		err := sperr.New(sperr.CodeTokenMissingFields, "token: token is missing required claims").
			WithDetail("missing_claims", missing)
		finishSpan(span, err)
		return nil, err
	}

	now := time.Now()
	decision := v.policy.Evaluate(decoded.payload, now, device)
	span.SetAttributes(attribute.String("token.device_class", device.String()))
	if !decision.Valid {
		err := decisionError(decoded.payload, decision, now)
		finishSpan(span, err)
		return nil, err
	}

	if decoded.payload.Audience != v.config.ExpectedAudience {
		err := sperr.New(sperr.CodeTokenAudienceMismatch, "token: token audience does not match this application").
			WithDetail("audience", decoded.payload.Audience)
		finishSpan(span, err)
		return nil, err
	}

	tenantOrigin := decoded.payload.TenantOrigin()
	if tenantOrigin == "" || !SameTenant(decoded.payload.Destination, decoded.payload.Issuer) {
		err := sperr.New(sperr.CodeTokenTenantMismatch, "token: token issuer and destination name different tenants").
			WithDetails(map[string]any{
				"issuer":      decoded.payload.Issuer,
				"destination": decoded.payload.Destination,
			})
		finishSpan(span, err)
		return nil, err
	}

	result := Result{
		Payload: decoded.payload,
		Metadata: Metadata{
			TenantOrigin:      tenantOrigin,
			SignatureVerified: true,
			Device:            device,
			ShouldRefreshSoon: decision.ShouldRefreshSoon,
			TimeUntilExpiry:   decision.TimeUntilExpiry,
		},
	}
	v.memo.put(fingerprint, result, decoded.payload.Expiry())

	span.SetAttributes(
		attribute.String("token.tenant", tenantOrigin),
		attribute.String("token.subject", decoded.payload.Subject),
		attribute.Bool("token.refresh_soon", decision.ShouldRefreshSoon),
	)

	return &result, nil
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// Fingerprint computes the SHA-256 hash of a raw token string and returns
// it as a hex-encoded string. Fingerprints index caches and refresh
// markers so raw tokens are never stored in memory; they are never used
// for trust decisions.
func Fingerprint(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// decisionError converts a failed timestamp decision to a typed error
// carrying the policy's severity and recommended recovery action in its
// details.
func decisionError(payload SessionTokenPayload, decision Decision, now time.Time) *sperr.Error {
	var err *sperr.Error
	switch decision.Fault {
	case FaultExpired:
		err = sperr.Newf(sperr.CodeTokenExpired, "token: token expired %s ago",
			now.Sub(payload.Expiry()).Round(time.Second))
	case FaultNotYetValid:
		err = sperr.Newf(sperr.CodeTokenNotYetValid, "token: token is not valid for another %s",
			payload.NotBeforeTime().Sub(now).Round(time.Second))
	default:
		err = sperr.New(sperr.CodeTokenMalformedTimestamp, "token: token timestamps are outside any plausible clock skew")
	}
	return err.WithDetails(map[string]any{
		sperr.DetailSeverity: decision.Severity.String(),
		sperr.DetailRecovery: decision.Recovery.String(),
	})
}

// RecoveryFromError reads the recovery action recorded on a validation
// error. Returns false when the error carries no recovery detail (any
// non-temporal failure).
func RecoveryFromError(err error) (RecoveryAction, bool) {
	e, ok := sperr.AsError(err)
	if !ok || e.Details == nil {
		return RecoverySessionBounce, false
	}
	s, ok := e.Details[sperr.DetailRecovery].(string)
	if !ok {
		return RecoverySessionBounce, false
	}
	return recoveryActionFromString(s), true
}

// classifySignatureError converts a JWT library error from the signature
// pass to the appropriate *sperr.Error. Structural and algorithm problems
// are caught before this pass runs, so anything unexplained here is
// treated as a signature failure.
func classifySignatureError(err error) *sperr.Error {
	var spErr *sperr.Error
	if errors.As(err, &spErr) {
		return spErr
	}
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		return sperr.Wrap(err, sperr.CodeTokenSignatureMismatch, "token: token signature does not match")
	}
	if errors.Is(err, jwt.ErrTokenMalformed) {
		return sperr.Wrap(err, sperr.CodeTokenMalformedEncoding, "token: token is malformed")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return sperr.Wrap(err, sperr.CodeTokenUnsupportedAlgorithm, "token: token is unverifiable")
	}
	return sperr.Wrap(err, sperr.CodeTokenSignatureMismatch, "token: token signature verification failed")
}

// startSpan creates a new OpenTelemetry span with the given name. Returns
// the updated context and span.
func startSpan(ctx context.Context, tracer trace.Tracer, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

// finishSpan records an error on the span if err is non-nil and sets the
// span status to Error. This is a helper for consistent error recording
// across validation steps.
func finishSpan(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
