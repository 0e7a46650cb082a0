// Package fixtures provides shared test data constants for the
// storeport-auth test suite.
//
// Using common constants for the test tenant and signing material keeps
// magic strings out of tests and lets the helpers in testutil mint tokens
// that validate against the same configuration every package uses.
package fixtures

// Signing material used to mint and verify test session tokens.
const (
	// SigningKey is a 32-byte HMAC key shared by all test tokens.
	SigningKey = "this-is-a-32-byte-test-signing-k"

	// Audience is the receiving-application identifier test validators
	// are configured with.
	Audience = "storeport-pos"
)

// Standard tenant identity values used across token, exchange, and engine
// tests.
const (
	// TenantHost is the canonical host of the default test tenant.
	TenantHost = "acme.storeport.io"

	// TenantOrigin is the default tenant host as an origin URL, the form
	// session tokens carry in iss and dest.
	TenantOrigin = "https://acme.storeport.io"

	// TenantAdminOrigin is the admin-host variant of the default tenant.
	// Tenant equality folds the -admin suffix, so tokens issued by the
	// admin host still belong to TenantHost.
	TenantAdminOrigin = "https://acme-admin.storeport.io"

	// AltTenantHost is a second tenant for tests requiring two tenants.
	AltTenantHost = "globex.storeport.io"

	// AltTenantOrigin is the second tenant as an origin URL.
	AltTenantOrigin = "https://globex.storeport.io"
)

// Standard end-user identity values carried in test tokens.
const (
	// Subject is the default end-user identifier.
	Subject = "user-42"

	// SessionID is the default platform session identifier.
	SessionID = "sess-7"
)
