package errors

// Code represents a machine-readable error code for categorizing errors.
// Error codes follow the pattern CATEGORY_XXX where CATEGORY is a short
// identifier (e.g., TOKEN, EXCH, VAL) and XXX is a three-digit numeric code.
//
// Error codes are designed to be:
//   - Stable: Codes do not change once assigned
//   - Unique: Each error condition has a distinct code
//   - Searchable: Codes can be used to find documentation and solutions
//   - Machine-readable: Suitable for automated error handling
type Code string

// Error code categories and their ranges:
//
//	TOKEN_xxx   - Session token validation errors (401 Unauthorized)
//	EXCH_xxx    - Token exchange errors (503 Service Unavailable)
//	VAL_xxx     - Validation errors (400 Bad Request)
//	INT_xxx     - Internal errors (500 Internal Server Error)
//	UNAVAIL_xxx - Service unavailable (503 Service Unavailable)
//	TIMEOUT_xxx - Timeout errors (504 Gateway Timeout)
const (
	// Token errors (TOKEN_xxx) - HTTP 401
	// Used when a session token fails validation. Token failures mean the
	// presented credential cannot be trusted; callers should discard any
	// cached session derived from it.

	// CodeTokenMalformedStructure indicates the token does not have the
	// expected three-segment structure.
	CodeTokenMalformedStructure Code = "TOKEN_001"

	// CodeTokenMalformedEncoding indicates a token segment is not valid
	// base64url or does not decode to the expected JSON shape.
	CodeTokenMalformedEncoding Code = "TOKEN_002"

	// CodeTokenUnsupportedAlgorithm indicates the token header declares a
	// signing algorithm other than the supported one.
	CodeTokenUnsupportedAlgorithm Code = "TOKEN_003"

	// CodeTokenSignatureMismatch indicates the token signature does not match
	// the expected signature for the configured secret.
	CodeTokenSignatureMismatch Code = "TOKEN_004"

	// CodeTokenMissingFields indicates one or more required payload fields
	// are absent.
	CodeTokenMissingFields Code = "TOKEN_005"

	// CodeTokenExpired indicates the token expiry is in the past beyond the
	// applicable clock-skew tolerance.
	CodeTokenExpired Code = "TOKEN_006"

	// CodeTokenNotYetValid indicates the token's not-before is in the future
	// beyond the applicable clock-skew tolerance.
	CodeTokenNotYetValid Code = "TOKEN_007"

	// CodeTokenMalformedTimestamp indicates a timestamp claim is so far out of
	// range that it cannot be a clock-skew artifact.
	CodeTokenMalformedTimestamp Code = "TOKEN_008"

	// CodeTokenAudienceMismatch indicates the token audience does not match
	// the configured client identifier.
	CodeTokenAudienceMismatch Code = "TOKEN_009"

	// CodeTokenTenantMismatch indicates the token's destination and issuer
	// refer to different tenants.
	CodeTokenTenantMismatch Code = "TOKEN_010"

	// Exchange errors (EXCH_xxx) - HTTP 503
	// Used when exchanging a session token for an access grant fails.
	// Exchange failures are upstream conditions; they never invalidate the
	// presented token on their own.

	// CodeExchangeChallengeBlocked indicates the exchange endpoint answered
	// with an edge-protection challenge instead of a grant.
	CodeExchangeChallengeBlocked Code = "EXCH_001"

	// CodeExchangeRateLimited indicates the exchange endpoint is rate
	// limiting requests.
	CodeExchangeRateLimited Code = "EXCH_002"

	// CodeExchangeConfiguration indicates the endpoint rejected the client
	// credentials; retrying cannot succeed.
	CodeExchangeConfiguration Code = "EXCH_003"

	// CodeExchangeExhausted indicates all exchange attempts were consumed
	// without obtaining a grant.
	CodeExchangeExhausted Code = "EXCH_004"

	// CodeExchangeTransport indicates a single exchange attempt failed at the
	// transport level (connection, TLS, unexpected status).
	CodeExchangeTransport Code = "EXCH_005"

	// Validation errors (VAL_xxx) - HTTP 400
	// Used when configuration or input fails validation rules.

	// CodeValidation indicates a general validation failure.
	CodeValidation Code = "VAL_001"

	// CodeValidationRequired indicates a required field is missing.
	CodeValidationRequired Code = "VAL_002"

	// CodeValidationFormat indicates a field has an invalid format.
	CodeValidationFormat Code = "VAL_003"

	// CodeValidationRange indicates a value is outside acceptable range.
	CodeValidationRange Code = "VAL_004"

	// Internal errors (INT_xxx) - HTTP 500
	// Used for unexpected internal failures.

	// CodeInternal indicates a general internal error.
	CodeInternal Code = "INT_001"

	// CodeInternalConfiguration indicates a configuration error.
	CodeInternalConfiguration Code = "INT_002"

	// Unavailable errors (UNAVAIL_xxx) - HTTP 503
	// Used when a dependency is temporarily unavailable.

	// CodeUnavailable indicates a general service unavailable error.
	CodeUnavailable Code = "UNAVAIL_001"

	// CodeUnavailableDependency indicates a dependent service is unavailable.
	CodeUnavailableDependency Code = "UNAVAIL_002"

	// Timeout errors (TIMEOUT_xxx) - HTTP 504
	// Used when an operation exceeds its time limit.

	// CodeTimeout indicates a general timeout error.
	CodeTimeout Code = "TIMEOUT_001"

	// CodeTimeoutDependency indicates a call to a dependent service timed out.
	CodeTimeoutDependency Code = "TIMEOUT_002"
)

// String returns the string representation of the error code.
func (c Code) String() string {
	return string(c)
}

// Category returns the category prefix of the error code (e.g., "TOKEN", "EXCH").
func (c Code) Category() string {
	s := string(c)
	for i, r := range s {
		if r == '_' {
			return s[:i]
		}
	}
	return s
}
