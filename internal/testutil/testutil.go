// Package testutil provides shared test helpers for the storeport-auth
// module: session-token minting against the fixture signing key and
// assertions over the module's typed errors.
//
// All helpers accept [testing.TB] for compatibility with both tests and
// benchmarks, and call t.Helper() so failure messages report the caller's
// file and line number rather than this package's.
package testutil

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StorePort/storeport-auth/internal/testutil/fixtures"
	sperr "github.com/StorePort/storeport-auth/pkg/errors"
)

// MintSessionToken creates an HS256-signed session token with the given
// claims. Halts the test if signing fails.
func MintSessionToken(t testing.TB, key []byte, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	raw, err := tok.SignedString(key)
	require.NoError(t, err, "failed to sign session token")
	return raw
}

// SessionClaims returns a complete claim set for the default fixture
// tenant, valid at the given instant. Individual tests override fields as
// needed.
func SessionClaims(now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":  fixtures.TenantOrigin,
		"dest": fixtures.TenantOrigin,
		"aud":  fixtures.Audience,
		"sub":  fixtures.Subject,
		"sid":  fixtures.SessionID,
		"exp":  now.Add(30 * time.Minute).Unix(),
		"nbf":  now.Add(-time.Minute).Unix(),
		"iat":  now.Add(-time.Minute).Unix(),
	}
}

// RequireErrorCode halts the test if err is nil, is not an *sperr.Error,
// or does not carry the expected error code.
//
// Example:
//
//	_, err := eng.Authenticate(ctx, req)
//	testutil.RequireErrorCode(t, err, sperr.CodeTokenAudienceMismatch)
func RequireErrorCode(t testing.TB, err error, code sperr.Code, msgAndArgs ...any) {
	t.Helper()
	require.Error(t, err, msgAndArgs...)
	spErr, ok := sperr.AsError(err)
	require.True(t, ok, "expected *sperr.Error, got %T: %v", err, err)
	require.Equal(t, code, spErr.Code,
		"error code mismatch: got %q, want %q (message: %s)",
		spErr.Code, code, spErr.Message)
}

// AssertErrorCode records a test failure (without halting) if err is nil,
// is not an *sperr.Error, or does not carry the expected error code. Use
// this in table-driven tests where you want to check all rows.
func AssertErrorCode(t testing.TB, err error, code sperr.Code, msgAndArgs ...any) bool {
	t.Helper()
	if !assert.Error(t, err, msgAndArgs...) {
		return false
	}
	spErr, ok := sperr.AsError(err)
	if !assert.True(t, ok, "expected *sperr.Error, got %T: %v", err, err) {
		return false
	}
	return assert.Equal(t, code, spErr.Code,
		"error code mismatch: got %q, want %q (message: %s)",
		spErr.Code, code, spErr.Message)
}
