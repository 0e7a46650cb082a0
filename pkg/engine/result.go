package engine

import (
	"github.com/StorePort/storeport-auth/pkg/token"
)

// AuthRequest is the input boundary of the engine: a single opaque bearer
// token plus the consumed signals the engine never computes itself. Device
// class and the automated-client flag are produced by external classifiers
// (see [DeviceClassifier] and [BotDetector] for the HTTP wiring); the engine
// treats them as hints, never as trust decisions.
type AuthRequest struct {
	// Token is the raw session token presented by the client.
	Token string

	// Device selects the clock-skew tolerance the temporal policy applies.
	// Zero value is DeviceUnknown, which uses the base tolerance.
	Device token.DeviceClass

	// AutomatedClient marks the request as coming from a bot or crawler.
	// When true the engine short-circuits to a non-authenticating no-op
	// result without touching the token.
	AutomatedClient bool

	// UserAgent is the client's user-agent string, carried for diagnostics
	// only.
	UserAgent string

	// TenantHint is an optional tenant host hint derived from the request
	// (for example the referer of an embedded app frame). Logged on
	// failure; never used to authenticate.
	TenantHint string
}

// AuthResult is the unified outcome of one orchestration. A nil error with
// Authenticated false is the bot short-circuit; any authentication failure
// is reported as a typed error instead, carrying the machine-readable code,
// a bounce flag, and a retry-after hint where applicable.
type AuthResult struct {
	// Authenticated reports that the token's signature, temporal claims,
	// audience, and tenant were all verified. False only for the
	// automated-client short circuit.
	Authenticated bool

	// TenantOrigin is the canonical tenant host the session belongs to.
	TenantOrigin string

	// SubjectID identifies the authenticated user within the tenant.
	SubjectID string

	// SessionID is the platform session identifier, when the token
	// carries one.
	SessionID string

	// AccessToken is the delegated API credential obtained by exchange.
	// Empty in degraded mode.
	AccessToken string

	// Scope is the space-separated scope set attached to the access token.
	Scope string

	// Degraded reports that the exchange endpoint was skipped or failed
	// and the result carries identity without an access credential.
	Degraded bool

	// FromCache reports the result was served from the session cache
	// without re-verifying the signature.
	FromCache bool
}
