// Package errors provides standardized error types and error handling utilities
// for the StorePort authentication engine. It defines the error categories,
// error codes, and helper functions used to create, wrap, and inspect errors
// across token validation, token exchange, and session management.
//
// # Error Categories
//
// The package defines several error categories that map to the failure
// surfaces of the engine:
//
//   - Token errors: Malformed, tampered, expired, or mis-addressed session tokens
//   - Exchange errors: Failures while exchanging a session token for an access grant
//   - Validation errors: Invalid configuration or input
//   - Internal errors: Unexpected system failures
//   - Unavailable errors: A dependency is temporarily unavailable
//   - Timeout errors: Operation exceeded time limit
//
// # Error Codes
//
// Each error includes a machine-readable code (e.g., "TOKEN_004") that can be
// used for error tracking, alerting, and client-side error handling. Error
// codes follow the pattern: CATEGORY_XXX where CATEGORY is a short identifier
// and XXX is a numeric code.
//
// # Usage
//
// Create a new error with context:
//
//	err := errors.New(errors.CodeTokenSignatureMismatch, "token signature verification failed")
//
// Wrap an existing error:
//
//	err := errors.Wrap(err, errors.CodeExchangeTransport, "exchange request failed")
//
// Check error category:
//
//	if errors.IsToken(err) {
//	    // the caller should discard its session and re-initiate the handshake
//	}
//
// Extract error details for logging:
//
//	if e, ok := errors.AsError(err); ok {
//	    logger.Error("authentication failed",
//	        "code", e.Code,
//	        "message", e.Message,
//	    )
//	}
package errors
