package errors

import (
	"errors"
	"time"
)

// Details keys shared across packages. Producers set them so handlers and
// log pipelines can read structured failure context without parsing messages.
const (
	// DetailRetryAfter carries a retry-after hint in seconds. It is set on
	// rate-limited and exhausted exchange errors.
	DetailRetryAfter = "retry_after_seconds"

	// DetailRecovery carries the recommended recovery action for a temporal
	// token failure, in its string form.
	DetailRecovery = "recovery"

	// DetailSeverity carries the severity grade of a temporal token failure,
	// in its string form.
	DetailSeverity = "severity"

	// DetailChallengeType carries the classified edge-proxy challenge kind
	// on exchange errors.
	DetailChallengeType = "challenge_type"

	// DetailAttempts carries the number of exchange attempts performed
	// before the error was returned.
	DetailAttempts = "attempts"
)

// AsError attempts to convert an error to an *Error.
// Returns the Error and true if successful, nil and false otherwise.
// This function traverses the error chain using errors.As.
//
// Example:
//
//	if e, ok := errors.AsError(err); ok {
//	    log.Printf("error code: %s, message: %s", e.Code, e.Message)
//	}
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// GetCode returns the error code from an error.
// If the error is not an *Error or is nil, returns an empty string.
//
// Example:
//
//	code := errors.GetCode(err)
//	if code == errors.CodeTokenExpired {
//	    // handle expiry
//	}
func GetCode(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// HasCode checks if an error has the specified error code.
// Returns false if the error is nil or not an *Error.
//
// Example:
//
//	if errors.HasCode(err, errors.CodeExchangeRateLimited) {
//	    // back off before trying again
//	}
func HasCode(err error, code Code) bool {
	return GetCode(err) == code
}

// IsToken checks if the error is a session token validation error (TOKEN_xxx).
// Returns true if the error code starts with "TOKEN".
//
// Example:
//
//	if errors.IsToken(err) {
//	    // return 401 Unauthorized
//	}
func IsToken(err error) bool {
	e, ok := AsError(err)
	return ok && e.Code.Category() == "TOKEN"
}

// IsExchange checks if the error is a token exchange error (EXCH_xxx).
// Returns true if the error code starts with "EXCH".
//
// Example:
//
//	if errors.IsExchange(err) {
//	    // upstream condition; the presented token may still be valid
//	}
func IsExchange(err error) bool {
	e, ok := AsError(err)
	return ok && e.Code.Category() == "EXCH"
}

// IsValidation checks if the error is a validation error (VAL_xxx).
// Returns true if the error code starts with "VAL".
//
// Example:
//
//	if errors.IsValidation(err) {
//	    // return 400 Bad Request
//	}
func IsValidation(err error) bool {
	e, ok := AsError(err)
	return ok && e.Code.Category() == "VAL"
}

// IsInternal checks if the error is an internal error (INT_xxx).
// Returns true if the error code starts with "INT".
//
// Example:
//
//	if errors.IsInternal(err) {
//	    // log error details, return generic message to client
//	}
func IsInternal(err error) bool {
	e, ok := AsError(err)
	return ok && e.Code.Category() == "INT"
}

// IsUnavailable checks if the error is a service unavailable error (UNAVAIL_xxx).
// Returns true if the error code starts with "UNAVAIL".
//
// Example:
//
//	if errors.IsUnavailable(err) {
//	    // return 503 Service Unavailable, maybe with Retry-After header
//	}
func IsUnavailable(err error) bool {
	e, ok := AsError(err)
	return ok && e.Code.Category() == "UNAVAIL"
}

// IsTimeout checks if the error is a timeout error (TIMEOUT_xxx).
// Returns true if the error code starts with "TIMEOUT".
//
// Example:
//
//	if errors.IsTimeout(err) {
//	    // return 504 Gateway Timeout
//	}
func IsTimeout(err error) bool {
	e, ok := AsError(err)
	return ok && e.Code.Category() == "TIMEOUT"
}

// RequiresBounce checks if the error means the caller should discard any
// cached session derived from the presented token and re-initiate the
// authentication handshake. Token-category failures require a bounce;
// exchange and infrastructure failures do not, since the token itself may
// still be valid.
//
// Example:
//
//	if errors.RequiresBounce(err) {
//	    // clear the session cookie and redirect through the handshake
//	}
func RequiresBounce(err error) bool {
	return IsToken(err)
}

// IsRetryable checks if the error is potentially retryable.
// Timeout and unavailable errors are retryable, as are exchange failures
// other than configuration errors (which cannot succeed without a
// credential change).
//
// Example:
//
//	if errors.IsRetryable(err) {
//	    // implement retry with backoff
//	}
func IsRetryable(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	if e.Code == CodeExchangeConfiguration {
		return false
	}
	switch e.Code.Category() {
	case "TIMEOUT", "UNAVAIL", "EXCH":
		return true
	default:
		return false
	}
}

// GetRetryAfter returns the retry-after hint carried by the error, if any.
// Rate-limited and exhausted exchange errors carry the delay the upstream
// asked for (or the engine computed) in their details.
//
// Example:
//
//	if delay, ok := errors.GetRetryAfter(err); ok {
//	    w.Header().Set("Retry-After", strconv.Itoa(int(delay.Seconds())))
//	}
func GetRetryAfter(err error) (time.Duration, bool) {
	e, ok := AsError(err)
	if !ok || e.Details == nil {
		return 0, false
	}
	switch v := e.Details[DetailRetryAfter].(type) {
	case int:
		return time.Duration(v) * time.Second, true
	case int64:
		return time.Duration(v) * time.Second, true
	case float64:
		return time.Duration(v * float64(time.Second)), true
	default:
		return 0, false
	}
}

// IsClientError checks if the error is a client error (4xx HTTP status).
// Client errors include token and validation failures.
//
// Example:
//
//	if errors.IsClientError(err) {
//	    // error is due to the presented request, not a server issue
//	}
func IsClientError(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	switch e.Code.Category() {
	case "TOKEN", "VAL":
		return true
	default:
		return false
	}
}

// IsServerError checks if the error is a server error (5xx HTTP status).
// Server errors include exchange, internal, unavailable, and timeout errors.
//
// Example:
//
//	if errors.IsServerError(err) {
//	    // error is due to a server-side issue, may need alerting
//	}
func IsServerError(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	switch e.Code.Category() {
	case "EXCH", "INT", "UNAVAIL", "TIMEOUT":
		return true
	default:
		return false
	}
}
