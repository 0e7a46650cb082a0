package engine

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	sperr "github.com/StorePort/storeport-auth/pkg/errors"
	"github.com/StorePort/storeport-auth/pkg/token"
)

// bearerPrefix is the standard "Bearer " prefix for authorization tokens.
const bearerPrefix = "Bearer "

// DeviceClassifier derives the device class from an incoming request. The
// engine consumes the classification as a tolerance-selection hint only;
// it never computes one itself.
type DeviceClassifier func(r *http.Request) token.DeviceClass

// BotDetector reports whether the request comes from an automated client.
// Requests flagged by the detector short-circuit to a non-authenticating
// pass-through.
type BotDetector func(r *http.Request) bool

// MiddlewareOption configures the boundary adapters.
type MiddlewareOption func(*middlewareOptions)

type middlewareOptions struct {
	classifier  DeviceClassifier
	botDetector BotDetector
}

// WithDeviceClassifier wires an external device classifier into the
// middleware. Without one every request validates under the base tolerance.
func WithDeviceClassifier(fn DeviceClassifier) MiddlewareOption {
	return func(o *middlewareOptions) { o.classifier = fn }
}

// WithBotDetector wires an external bot detector into the middleware.
func WithBotDetector(fn BotDetector) MiddlewareOption {
	return func(o *middlewareOptions) { o.botDetector = fn }
}

// authErrorBody is the JSON error document written to callers. It carries
// the machine-readable error kind, a short human message, and whether the
// client should re-initiate the authentication handshake. No token
// material, secret, or stack trace is ever included.
type authErrorBody struct {
	Error          string `json:"error"`
	Message        string `json:"message"`
	RequiresBounce bool   `json:"requires_bounce"`
}

// HTTPMiddleware returns middleware that authenticates every request
// through the engine before invoking the wrapped handler.
//
// The bearer token is read from the Authorization header. On success the
// handler runs with the [AuthResult] attached to the request context (see
// [ResultFromContext]). On failure the middleware writes a JSON error body
// with the mapped HTTP status and, for retryable exchange failures, a
// Retry-After header.
//
// A request flagged by the bot detector passes through with a
// non-authenticated result in context rather than an error. Handlers that
// require authentication must check AuthResult.Authenticated.
//
// Example:
//
//	mux := http.NewServeMux()
//	mux.Handle("/api/", eng.HTTPMiddleware()(apiHandler))
func (e *Engine) HTTPMiddleware(opts ...MiddlewareOption) func(http.Handler) http.Handler {
	var o middlewareOptions
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := AuthRequest{
				Token:      ExtractBearerToken(r.Header.Get("Authorization")),
				UserAgent:  r.UserAgent(),
				TenantHint: tenantHintFromReferer(r.Referer()),
			}
			if o.classifier != nil {
				req.Device = o.classifier(r)
			}
			if o.botDetector != nil {
				req.AutomatedClient = o.botDetector(r)
			}

			result, err := e.Authenticate(r.Context(), req)
			if err != nil {
				writeAuthError(w, err)
				return
			}

			ctx := ContextWithResult(r.Context(), result)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ExtractBearerToken extracts the token from an authorization header value.
// It handles the "Bearer " prefix case-insensitively. Returns an empty
// string if the header is empty or does not have a bearer prefix.
func ExtractBearerToken(authHeader string) string {
	if len(authHeader) <= len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return authHeader[len(bearerPrefix):]
}

// writeAuthError renders a typed authentication failure as a JSON response.
func writeAuthError(w http.ResponseWriter, err error) {
	spErr := sperr.FromError(err)

	if delay, ok := sperr.GetRetryAfter(err); ok && sperr.IsRetryable(err) {
		secs := int(delay / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(spErr.HTTPStatus())
	_ = json.NewEncoder(w).Encode(authErrorBody{
		Error:          spErr.Code.String(),
		Message:        spErr.Message,
		RequiresBounce: sperr.RequiresBounce(err),
	})
}

// tenantHintFromReferer derives a tenant host hint from the request's
// referer. Embedded app frames carry the tenant shop as the referring page.
func tenantHintFromReferer(referer string) string {
	if referer == "" {
		return ""
	}
	u, err := url.Parse(referer)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
