package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sperr "github.com/StorePort/storeport-auth/pkg/errors"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/StorePort/storeport-auth/pkg/exchange"

// RFC 8693-style grant parameters. The subject token is the verified
// session token; the requested type names the platform's delegated online
// access credential.
const (
	grantTypeTokenExchange         = "urn:ietf:params:oauth:grant-type:token-exchange"
	subjectTokenTypeIDToken        = "urn:ietf:params:oauth:token-type:id_token"
	requestedTokenTypeOnlineAccess = "urn:storeport:params:oauth:token-type:online-access-token"
)

// maxResponseBytes bounds how much of an exchange response is read. Grants
// are small JSON documents; challenge interstitials are page-sized. Anything
// larger is not worth scanning.
const maxResponseBytes = 1 << 20

// Result is a successful exchange outcome.
type Result struct {
	// AccessToken is the delegated credential granted by the endpoint.
	AccessToken string

	// Scope is the space-separated scope set attached to the grant.
	Scope string

	// ExpiresIn is the grant's advertised lifetime.
	ExpiresIn time.Duration
}

// grantResponse is the endpoint's success body.
type grantResponse struct {
	AccessToken string  `json:"access_token"`
	Scope       string  `json:"scope"`
	ExpiresIn   float64 `json:"expires_in"`
}

// errorResponse is the endpoint's OAuth-style error body.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// failureKind classifies one failed attempt and drives the retry decision.
type failureKind int

const (
	kindTransport failureKind = iota
	kindChallenge
	kindRateLimited
	kindConfiguration
)

// attemptFailure is the classified outcome of one failed attempt.
type attemptFailure struct {
	kind       failureKind
	challenge  ChallengeType
	retryAfter time.Duration
	err        *sperr.Error
}

// credentialMarkers are substrings of an OAuth error body that indicate the
// endpoint rejected the client identity or shared secret. Such rejections
// are configuration problems; retrying with the same credentials cannot
// succeed.
var credentialMarkers = []string{
	"invalid_client",
	"unauthorized_client",
	"client_id",
	"client_secret",
	"client credentials",
	"shared secret",
}

// Client exchanges verified session tokens for online access tokens at
// tenant-scoped exchange endpoints, with challenge detection, header
// rotation, and bounded retries.
//
// A Client is safe for concurrent use by multiple goroutines. Create one
// Client per application and share it; the underlying HTTP client pools
// connections across tenants.
type Client struct {
	config     Config
	httpClient *http.Client
	tracer     trace.Tracer
	logger     *slog.Logger
}

// NewClient creates an exchange client. The configuration is validated
// before use; missing client credentials are a fatal construction error.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		config:     cfg,
		httpClient: &http.Client{},
		tracer:     otel.Tracer(tracerName),
		logger:     logger,
	}, nil
}

// NewFromHTTPClient creates a Client with a pre-existing [*http.Client].
// This constructor is intended for tests and for callers that need a custom
// transport (proxies, TLS pinning). Retry and timeout defaults are applied,
// but credentials are not validated.
func NewFromHTTPClient(httpClient *http.Client, cfg Config) *Client {
	cfg.applyDefaults()
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:     cfg,
		httpClient: httpClient,
		tracer:     otel.Tracer(tracerName),
		logger:     logger,
	}
}

// Close releases idle connections held by the underlying HTTP client. After
// Close the client may still be used; connections are re-established on
// demand.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// Exchange trades a verified session token for an online access token at
// the tenant's exchange endpoint.
//
// Failed attempts are classified and retried under the configured budgets:
//
//   - challenge: retried with a rotated header profile and a
//     challenge-weighted backoff
//   - rate limited (429): retried after the server's Retry-After, or a
//     linear backoff without one
//   - credential rejection: returned immediately with
//     [sperr.CodeExchangeConfiguration]; never retried
//   - transport and 5xx: retried with exponential backoff
//
// When the attempt or total-wait budget runs out, the returned error has
// code [sperr.CodeExchangeExhausted], wraps the last attempt's error, and
// carries the attempt count and a suggested retry-after in its details.
func (c *Client) Exchange(ctx context.Context, tenantOrigin, subjectToken string) (*Result, error) {
	ctx, span := c.startSpan(ctx, "Exchange", tenantOrigin)

	result, attempts, err := c.run(ctx, tenantOrigin, subjectToken)
	span.SetAttributes(attribute.Int("exchange.attempts", attempts))
	finishSpan(span, err)
	return result, err
}

// run executes the attempt loop. It returns the result (or final error)
// and the number of attempts dispatched.
func (c *Client) run(ctx context.Context, tenantOrigin, subjectToken string) (*Result, int, error) {
	if subjectToken == "" {
		return nil, 0, sperr.New(sperr.CodeValidationRequired, "exchange: subject token is required")
	}
	endpoint, cerr := c.endpointURL(tenantOrigin)
	if cerr != nil {
		return nil, 0, cerr
	}

	deadline := time.Now().Add(c.config.MaxTotalWait)
	profileIdx := 0

	for attempt := 1; ; attempt++ {
		result, failure := c.attempt(ctx, endpoint, subjectToken, profileIdx)
		if failure == nil {
			return result, attempt, nil
		}

		c.logger.WarnContext(ctx, "token exchange attempt failed",
			slog.String("tenant", tenantOrigin),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.config.MaxAttempts),
			slog.String("code", failure.err.Code.String()),
			slog.String("challenge_type", failure.challenge.String()),
		)

		if failure.kind == kindConfiguration {
			return nil, attempt, failure.err
		}
		if err := ctx.Err(); err != nil {
			return nil, attempt, wrapContextErr(err, "exchange: canceled while retrying")
		}
		if attempt >= c.config.MaxAttempts {
			return nil, attempt, exhausted(failure, attempt, c.config)
		}

		delay := nextDelay(failure, attempt, c.config)
		if time.Now().Add(delay).After(deadline) {
			return nil, attempt, exhausted(failure, attempt, c.config)
		}
		if failure.kind == kindChallenge {
			// Next attempt presents a different client shape.
			profileIdx++
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, attempt, wrapContextErr(ctx.Err(), "exchange: canceled while waiting to retry")
		}
	}
}

// attempt performs one HTTP exchange call under the per-attempt timeout.
func (c *Client) attempt(ctx context.Context, endpoint, subjectToken string, profileIdx int) (*Result, *attemptFailure) {
	actx, cancel := context.WithTimeout(ctx, c.config.AttemptTimeout)
	defer cancel()

	form := url.Values{
		"grant_type":           {grantTypeTokenExchange},
		"subject_token":        {subjectToken},
		"subject_token_type":   {subjectTokenTypeIDToken},
		"requested_token_type": {requestedTokenTypeOnlineAccess},
		"client_id":            {c.config.ClientID},
		"client_secret":        {c.config.ClientSecret.Value()},
	}

	req, err := http.NewRequestWithContext(actx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &attemptFailure{kind: kindTransport,
			err: sperr.Wrap(err, sperr.CodeExchangeTransport, "exchange: building request failed")}
	}
	profileAt(profileIdx).apply(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &attemptFailure{kind: kindTransport, err: wrapTransportErr(err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &attemptFailure{kind: kindTransport,
			err: sperr.Wrap(err, sperr.CodeExchangeTransport, "exchange: reading response failed")}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return parseGrant(body)
	}
	return nil, classify(resp, body)
}

// endpointURL builds the exchange URL for a tenant.
func (c *Client) endpointURL(tenantOrigin string) (string, *sperr.Error) {
	if tenantOrigin == "" {
		return "", sperr.New(sperr.CodeValidationRequired, "exchange: tenant origin is required")
	}
	if c.config.BaseURLOverride != "" {
		return strings.TrimSuffix(c.config.BaseURLOverride, "/") + c.config.EndpointPath, nil
	}
	return "https://" + tenantOrigin + c.config.EndpointPath, nil
}

// parseGrant decodes a 2xx response. A 2xx without an access token is
// treated as a transport fault: the endpoint answered, but not with a grant.
func parseGrant(body []byte) (*Result, *attemptFailure) {
	var grant grantResponse
	if err := json.Unmarshal(body, &grant); err != nil {
		return nil, &attemptFailure{kind: kindTransport,
			err: sperr.Wrap(err, sperr.CodeExchangeTransport, "exchange: endpoint returned an unparseable grant")}
	}
	if grant.AccessToken == "" {
		return nil, &attemptFailure{kind: kindTransport,
			err: sperr.New(sperr.CodeExchangeTransport, "exchange: endpoint returned a grant without an access token")}
	}
	return &Result{
		AccessToken: grant.AccessToken,
		Scope:       grant.Scope,
		ExpiresIn:   time.Duration(grant.ExpiresIn * float64(time.Second)),
	}, nil
}

// classify converts a non-2xx response into a classified failure. Challenge
// markers are checked before the status code: a 403 or 503 carrying
// interstitial markup is mitigation, not an endpoint error.
func classify(resp *http.Response, body []byte) *attemptFailure {
	status := resp.StatusCode

	if challenge := detectChallenge(status, resp.Header, body); challenge != ChallengeNone {
		return &attemptFailure{
			kind:      kindChallenge,
			challenge: challenge,
			err: sperr.Newf(sperr.CodeExchangeChallengeBlocked, "exchange: endpoint answered with a %s challenge", challenge).
				WithDetail(sperr.DetailChallengeType, challenge.String()).
				WithDetail("status", status),
		}
	}

	if status == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp.Header)
		err := sperr.New(sperr.CodeExchangeRateLimited, "exchange: endpoint is rate limiting requests").
			WithDetail("status", status)
		if retryAfter > 0 {
			err = err.WithDetail(sperr.DetailRetryAfter, int(retryAfter/time.Second))
		}
		return &attemptFailure{kind: kindRateLimited, retryAfter: retryAfter, err: err}
	}

	if oauthErr, ok := credentialRejection(body); ok {
		return &attemptFailure{
			kind: kindConfiguration,
			err: sperr.Newf(sperr.CodeExchangeConfiguration, "exchange: endpoint rejected the client credentials: %s", oauthErr).
				WithDetail("status", status),
		}
	}

	return &attemptFailure{
		kind: kindTransport,
		err: sperr.Newf(sperr.CodeExchangeTransport, "exchange: endpoint returned status %d", status).
			WithDetail("status", status),
	}
}

// credentialRejection reports whether an OAuth error body references the
// client identity or shared secret.
func credentialRejection(body []byte) (string, bool) {
	var oauthErr errorResponse
	if err := json.Unmarshal(body, &oauthErr); err != nil || oauthErr.Error == "" {
		return "", false
	}
	combined := strings.ToLower(oauthErr.Error + " " + oauthErr.ErrorDescription)
	for _, marker := range credentialMarkers {
		if strings.Contains(combined, marker) {
			return oauthErr.Error, true
		}
	}
	return "", false
}

// exhausted builds the terminal error after the attempt or total-wait
// budget runs out. It wraps the last attempt's error and suggests a
// retry-after derived from the delay the next attempt would have used.
func exhausted(last *attemptFailure, attempts int, cfg Config) *sperr.Error {
	suggested := int(nextDelay(last, attempts, cfg).Round(time.Second) / time.Second)
	if suggested < 1 {
		suggested = 1
	}
	err := sperr.Wrap(last.err, sperr.CodeExchangeExhausted, "exchange: attempt budget exhausted without a grant").
		WithDetail(sperr.DetailAttempts, attempts).
		WithDetail(sperr.DetailRetryAfter, suggested)
	if last.challenge != ChallengeNone {
		err = err.WithDetail(sperr.DetailChallengeType, last.challenge.String())
	}
	return err
}

// wrapTransportErr converts an HTTP client error into a classified
// [*sperr.Error]. Per-attempt deadline hits stay retryable; a canceled
// context means the caller abandoned the exchange.
func wrapTransportErr(err error) *sperr.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return sperr.Wrap(err, sperr.CodeTimeoutDependency, "exchange: attempt timed out")
	}
	if errors.Is(err, context.Canceled) {
		return sperr.Wrap(err, sperr.CodeInternal, "exchange: attempt canceled")
	}
	return sperr.Wrap(err, sperr.CodeExchangeTransport, "exchange: request failed")
}

// wrapContextErr converts a context error from the retry loop into a
// classified [*sperr.Error].
func wrapContextErr(err error, message string) *sperr.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return sperr.Wrap(err, sperr.CodeTimeoutDependency, message)
	}
	return sperr.Wrap(err, sperr.CodeInternal, message)
}

// startSpan creates a client-kind OpenTelemetry span for an exchange
// operation.
func (c *Client) startSpan(ctx context.Context, operationName, tenantOrigin string) (context.Context, trace.Span) {
	ctx, span := c.tracer.Start(ctx, "exchange."+operationName,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("http.request.method", http.MethodPost),
		attribute.String("exchange.tenant", tenantOrigin),
	)
	return ctx, span
}

// finishSpan records an error on the span (if any) and ends it. If err is
// nil, the span status is set to OK.
func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
