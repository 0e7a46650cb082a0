package token

import (
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// SessionTokenPayload — the decoded claim set of a session token
// ---------------------------------------------------------------------------

// SessionTokenPayload is the claim set of a session token, decoded once per
// raw token and treated as immutable afterwards. Nothing in it is trusted
// until the signature has been verified.
//
// Wire claim names follow the platform contract: "iss", "dest", "aud",
// "sub", "exp", "nbf", and "iat" are required; "jti" and "sid" are optional.
type SessionTokenPayload struct {
	// Issuer is the tenant origin that issued the token ("iss").
	Issuer string `json:"iss"`

	// Destination is the tenant origin the token subject is operating on
	// ("dest"). Tenant checks require it to agree with Issuer.
	Destination string `json:"dest"`

	// Audience is the receiving-application identifier ("aud"). It must
	// exactly equal the audience the validator is configured with.
	Audience string `json:"aud"`

	// Subject is the end-user identifier ("sub").
	Subject string `json:"sub"`

	// ExpiresAt is the expiry instant in Unix seconds ("exp").
	ExpiresAt int64 `json:"exp"`

	// NotBefore is the validity start in Unix seconds ("nbf").
	NotBefore int64 `json:"nbf"`

	// IssuedAt is the issuance instant in Unix seconds ("iat").
	IssuedAt int64 `json:"iat"`

	// TokenID is the optional unique token identifier ("jti").
	TokenID string `json:"jti,omitempty"`

	// SessionID is the optional platform session identifier ("sid").
	SessionID string `json:"sid,omitempty"`
}

// Expiry returns ExpiresAt as a time.Time.
func (p SessionTokenPayload) Expiry() time.Time { return time.Unix(p.ExpiresAt, 0) }

// NotBeforeTime returns NotBefore as a time.Time.
func (p SessionTokenPayload) NotBeforeTime() time.Time { return time.Unix(p.NotBefore, 0) }

// IssuedAtTime returns IssuedAt as a time.Time.
func (p SessionTokenPayload) IssuedAtTime() time.Time { return time.Unix(p.IssuedAt, 0) }

// TenantOrigin returns the canonical tenant host the token is scoped to,
// derived from Destination and falling back to Issuer. Returns an empty
// string when neither claim yields a host.
func (p SessionTokenPayload) TenantOrigin() string {
	if host := NormalizeTenantHost(p.Destination); host != "" {
		return host
	}
	return NormalizeTenantHost(p.Issuer)
}

// missingFields returns the wire names of required claims absent from the
// payload, in contract order. Temporal claims count as absent when zero:
// no platform token is legitimately issued at the Unix epoch.
func (p SessionTokenPayload) missingFields() []string {
	var missing []string
	if p.Issuer == "" {
		missing = append(missing, "iss")
	}
	if p.Destination == "" {
		missing = append(missing, "dest")
	}
	if p.Audience == "" {
		missing = append(missing, "aud")
	}
	if p.Subject == "" {
		missing = append(missing, "sub")
	}
	if p.ExpiresAt == 0 {
		missing = append(missing, "exp")
	}
	if p.NotBefore == 0 {
		missing = append(missing, "nbf")
	}
	if p.IssuedAt == 0 {
		missing = append(missing, "iat")
	}
	return missing
}

// ---------------------------------------------------------------------------
// Tenant origin normalization
// ---------------------------------------------------------------------------

// adminHostSuffix marks the admin variant of a tenant host. The first host
// label of "{tenant}-admin.storeport.io" folds to "{tenant}" for tenant
// equality checks.
const adminHostSuffix = "-admin"

// NormalizeTenantHost reduces an origin value to its canonical host form:
// lowercase, no scheme, no path, no port. Token claims carry tenant origins
// either as full URLs ("https://acme.storeport.io/") or bare hosts; both
// normalize to "acme.storeport.io".
func NormalizeTenantHost(origin string) string {
	host := strings.ToLower(strings.TrimSpace(origin))
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}

// SameTenant reports whether two origin values refer to the same tenant.
// The admin host variant is the same tenant as its storefront host:
// "acme-admin.storeport.io" and "acme.storeport.io" match.
func SameTenant(a, b string) bool {
	ca, cb := canonicalTenant(a), canonicalTenant(b)
	return ca != "" && ca == cb
}

// canonicalTenant normalizes an origin and folds the admin suffix off the
// first host label.
func canonicalTenant(origin string) string {
	host := NormalizeTenantHost(origin)
	if host == "" {
		return ""
	}
	label, rest, ok := strings.Cut(host, ".")
	label = strings.TrimSuffix(label, adminHostSuffix)
	if !ok {
		return label
	}
	return label + "." + rest
}
