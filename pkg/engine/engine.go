// Package engine orchestrates session-token authentication for StorePort
// embedded apps. One Authenticate call tries the session cache, falls back
// to full validation plus access-token exchange, falls back to a
// validation-only degraded session when a tenant's exchange endpoint is
// failing repeatedly, and otherwise returns a typed error. The package also
// provides the HTTP middleware and gRPC interceptors that sit between the
// engine and a serving mux.
package engine

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sperr "github.com/StorePort/storeport-auth/pkg/errors"
	"github.com/StorePort/storeport-auth/pkg/exchange"
	"github.com/StorePort/storeport-auth/pkg/session"
	"github.com/StorePort/storeport-auth/pkg/token"
)

// tracerName is the OpenTelemetry instrumentation scope name for engine
// spans.
const tracerName = "github.com/StorePort/storeport-auth/pkg/engine"

// Exchanger is the narrow exchange-client interface the engine depends on.
// *exchange.Client satisfies it; tests inject fakes.
type Exchanger interface {
	Exchange(ctx context.Context, tenantOrigin, subjectToken string) (*exchange.Result, error)
	Close()
}

// Compile-time interface compliance check.
var _ Exchanger = (*exchange.Client)(nil)

// Option configures an Engine at construction.
type Option func(*Engine)

// WithStore injects a session store, replacing the default in-memory store.
// The engine takes ownership: Close closes the store.
func WithStore(store session.Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithExchanger injects an exchange client, replacing the one built from
// the exchange configuration. The engine takes ownership.
func WithExchanger(exchanger Exchanger) Option {
	return func(e *Engine) { e.exchanger = exchanger }
}

// WithHTTPClient builds the exchange client on the given HTTP client
// instead of the default transport. Ignored when an exchanger is injected.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Engine) { e.httpClient = client }
}

// WithLogger sets the engine's structured logger, overriding Config.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock injects the engine's time source. Tests use it to drive the
// failure window and refresh threshold deterministically.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the authentication orchestrator. It is safe for concurrent use
// by multiple goroutines; the session store is the only shared mutable
// state and every store implementation is concurrency-safe.
//
// Call [Engine.Close] when the engine is no longer needed to stop the cache
// sweeper and wait out in-flight proactive refreshes.
type Engine struct {
	config     Config
	validator  *token.Validator
	exchanger  Exchanger
	store      session.Store
	failures   *failureWindow
	metrics    *Metrics
	tracer     trace.Tracer
	logger     *slog.Logger
	now        func() time.Time
	httpClient *http.Client

	mu        sync.Mutex
	closed    bool
	refreshWG sync.WaitGroup
}

// New creates an Engine from the configuration. The configuration is
// validated before any component is constructed: a missing signing secret,
// audience, or exchange credential fails here, never per request.
func New(cfg Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		config:  cfg,
		tracer:  otel.Tracer(tracerName),
		metrics: &Metrics{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.config.Validate(); err != nil {
		return nil, err
	}

	if e.logger == nil {
		e.logger = e.config.Logger
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}

	// Components without their own logger share the engine's.
	if e.config.Validator.Logger == nil {
		e.config.Validator.Logger = e.logger
	}
	if e.config.Exchange.Logger == nil {
		e.config.Exchange.Logger = e.logger
	}
	if e.config.Cache.Logger == nil {
		e.config.Cache.Logger = e.logger
	}

	validator, err := token.NewValidator(e.config.Validator)
	if err != nil {
		return nil, err
	}
	e.validator = validator

	if e.exchanger == nil {
		if e.httpClient != nil {
			e.exchanger = exchange.NewFromHTTPClient(e.httpClient, e.config.Exchange)
		} else {
			client, cerr := exchange.NewClient(e.config.Exchange)
			if cerr != nil {
				return nil, cerr
			}
			e.exchanger = client
		}
	}

	if e.store == nil {
		store, serr := session.NewMemoryStore(e.config.Cache)
		if serr != nil {
			e.exchanger.Close()
			return nil, serr
		}
		e.store = store
	}

	e.failures = newFailureWindow(e.config.DegradedFailureThreshold, e.config.DegradedWindow, e.now)

	return e, nil
}

// Close waits for in-flight proactive refreshes, then closes the exchange
// client and the session store. Close is idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.refreshWG.Wait()
	e.exchanger.Close()
	return e.store.Close()
}

// Metrics returns a snapshot of the engine's counters.
func (e *Engine) Metrics() MetricsSnapshot {
	return e.metrics.Snapshot()
}

// Authenticate runs the ordered authentication strategies for one request:
//
//  1. Session-cache hit: return the cached identity and credential,
//     triggering a background refresh when the session nears expiry.
//  2. Fresh validation plus exchange: verify the token end to end, obtain
//     an access token, cache the session.
//  3. Validation-only degraded mode: when the tenant's exchange endpoint
//     has failed repeatedly inside the degraded window, return identity
//     without a credential, flagged Degraded.
//  4. Typed failure: a *sperr.Error whose code, bounce flag, and
//     retry-after hint classify the outcome for the caller.
//
// A request flagged AutomatedClient short-circuits to a non-authenticating
// result with a nil error before the token is touched.
//
// Authenticate never retries terminal outcomes; all retrying happens inside
// the exchange client's own attempt budget.
func (e *Engine) Authenticate(ctx context.Context, req AuthRequest) (*AuthResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Authenticate")
	defer span.End()

	if req.AutomatedClient {
		e.metrics.botShortCircuits.Add(1)
		span.SetAttributes(attribute.String("engine.outcome", "bot_short_circuit"))
		return &AuthResult{}, nil
	}

	fingerprint := token.Fingerprint(req.Token)

	if req.Token != "" {
		if cached := e.lookupSession(ctx, fingerprint); cached != nil {
			e.metrics.cacheHits.Add(1)
			span.SetAttributes(
				attribute.String("engine.outcome", "cache_hit"),
				attribute.String("engine.tenant", cached.Payload.TenantOrigin()),
			)
			e.maybeRefresh(ctx, req.Token, cached)
			return cachedResult(cached), nil
		}
		e.metrics.cacheMisses.Add(1)
	}

	result, err := e.validateAndExchange(ctx, span, req, fingerprint)
	if err != nil {
		e.logger.DebugContext(ctx, "authentication failed",
			slog.String("code", sperr.GetCode(err).String()),
			slog.String("tenant_hint", req.TenantHint),
			slog.String("user_agent", req.UserAgent),
		)
		finishSpan(span, err)
		return nil, err
	}
	return result, nil
}

// validateAndExchange is strategies 2 and 3: full validation, then the
// access-token exchange, degrading to a credential-less session when the
// tenant's endpoint is failing repeatedly.
func (e *Engine) validateAndExchange(ctx context.Context, span trace.Span, req AuthRequest, fingerprint string) (*AuthResult, error) {
	e.metrics.validations.Add(1)
	vres, verr := e.validator.Validate(ctx, req.Token, req.Device)
	if verr != nil {
		e.metrics.validationFailures.Add(1)
		if result := e.recoveryExchange(ctx, req.Token, verr); result != nil {
			span.SetAttributes(attribute.String("engine.outcome", "recovery_exchange"))
			return result, nil
		}
		return nil, verr
	}

	tenant := vres.Metadata.TenantOrigin

	if e.failures.degraded(tenant) {
		e.metrics.degradedResults.Add(1)
		span.SetAttributes(attribute.String("engine.outcome", "degraded"))
		e.logger.WarnContext(ctx, "exchange endpoint degraded, serving validation-only session",
			slog.String("tenant", tenant))
		return degradedResult(vres), nil
	}

	e.metrics.exchanges.Add(1)
	xres, xerr := e.exchanger.Exchange(ctx, tenant, req.Token)
	if xerr != nil {
		e.metrics.exchangeFailures.Add(1)
		if e.failures.record(tenant) {
			e.metrics.degradedResults.Add(1)
			span.SetAttributes(attribute.String("engine.outcome", "degraded"))
			e.logger.WarnContext(ctx, "exchange endpoint degraded, serving validation-only session",
				slog.String("tenant", tenant))
			return degradedResult(vres), nil
		}
		return nil, xerr
	}
	e.failures.reset(tenant)

	sess := &session.CachedSession{
		Fingerprint: fingerprint,
		Payload:     vres.Payload,
		AccessToken: xres.AccessToken,
		Scope:       xres.Scope,
		ExpiresAt:   vres.Payload.Expiry(),
		CachedAt:    e.now(),
	}
	if serr := e.store.Save(ctx, sess); serr != nil {
		// Cache trouble never fails an authenticated request.
		e.logger.WarnContext(ctx, "failed to cache session",
			slog.String("tenant", tenant),
			slog.String("error", serr.Error()))
	}

	span.SetAttributes(
		attribute.String("engine.outcome", "validated"),
		attribute.String("engine.tenant", tenant),
	)
	return &AuthResult{
		Authenticated: true,
		TenantOrigin:  tenant,
		SubjectID:     vres.Payload.Subject,
		SessionID:     vres.Payload.SessionID,
		AccessToken:   xres.AccessToken,
		Scope:         xres.Scope,
	}, nil
}

// recoveryExchange handles the short-overrun expiry case. When the temporal
// policy recommends a token exchange, the token's signature has already
// verified and the exchange endpoint gets the final word on acceptance.
// Returns nil when the recovery does not apply or the exchange fails; the
// caller then surfaces the original validation error.
func (e *Engine) recoveryExchange(ctx context.Context, raw string, verr error) *AuthResult {
	action, ok := token.RecoveryFromError(verr)
	if !ok || action != token.RecoveryTokenExchange {
		return nil
	}

	payload, perr := token.InspectPayload(raw)
	if perr != nil {
		return nil
	}
	tenant := payload.TenantOrigin()
	if tenant == "" || e.failures.degraded(tenant) {
		return nil
	}

	e.metrics.exchanges.Add(1)
	xres, xerr := e.exchanger.Exchange(ctx, tenant, raw)
	if xerr != nil {
		e.metrics.exchangeFailures.Add(1)
		e.failures.record(tenant)
		e.logger.WarnContext(ctx, "recovery exchange failed, surfacing original validation error",
			slog.String("tenant", tenant),
			slog.String("error", xerr.Error()))
		return nil
	}
	e.failures.reset(tenant)

	// The session token itself is past tolerance, so the grant is returned
	// without caching anything under its fingerprint.
	return &AuthResult{
		Authenticated: true,
		TenantOrigin:  tenant,
		SubjectID:     payload.Subject,
		SessionID:     payload.SessionID,
		AccessToken:   xres.AccessToken,
		Scope:         xres.Scope,
	}
}

// lookupSession reads the session cache, treating store trouble as a miss
// so the request path re-validates instead of failing on cache
// infrastructure.
func (e *Engine) lookupSession(ctx context.Context, fingerprint string) *session.CachedSession {
	cached, err := e.store.Lookup(ctx, fingerprint)
	if err != nil {
		e.logger.WarnContext(ctx, "session lookup failed, treating as cache miss",
			slog.String("error", err.Error()))
		return nil
	}
	return cached
}

// maybeRefresh triggers a background refresh of a cached session nearing
// expiry. The store's refresh claim makes the trigger exclusive per
// fingerprint; refresh failure is logged and counted against the tenant,
// never surfaced to the request that tripped it.
func (e *Engine) maybeRefresh(ctx context.Context, raw string, sess *session.CachedSession) {
	if !sess.NeedsRefresh(e.now(), e.config.RefreshThreshold) {
		return
	}
	tenant := sess.Payload.TenantOrigin()
	if e.failures.degraded(tenant) {
		return
	}

	claimed, err := e.store.TryBeginRefresh(ctx, sess.Fingerprint)
	if err != nil || !claimed {
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.refreshWG.Add(1)
	e.mu.Unlock()

	// Detached from the request's cancellation; values are kept so the
	// refresh span stays in the caller's trace.
	rctx := context.WithoutCancel(ctx)

	go func() {
		defer e.refreshWG.Done()
		e.refreshSession(rctx, raw, tenant, *sess)
	}()
}

// refreshSession re-runs the exchange with the still-valid session token
// and replaces the cached session. On success the refresh claim is left to
// expire on its marker TTL, which throttles successive refreshes of the
// same session; on failure the claim is released so a later request can
// retry.
func (e *Engine) refreshSession(ctx context.Context, raw, tenant string, sess session.CachedSession) {
	// Budget: the exchange client's full retry schedule plus one in-flight
	// attempt.
	ctx, cancel := context.WithTimeout(ctx, e.config.Exchange.MaxTotalWait+e.config.Exchange.AttemptTimeout)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "engine.ProactiveRefresh")
	defer span.End()
	span.SetAttributes(attribute.String("engine.tenant", tenant))

	e.metrics.exchanges.Add(1)
	xres, err := e.exchanger.Exchange(ctx, tenant, raw)
	if err != nil {
		e.metrics.exchangeFailures.Add(1)
		e.failures.record(tenant)
		if rerr := e.store.EndRefresh(ctx, sess.Fingerprint); rerr != nil {
			e.logger.WarnContext(ctx, "failed to release refresh claim",
				slog.String("error", rerr.Error()))
		}
		e.logger.WarnContext(ctx, "proactive refresh failed",
			slog.String("tenant", tenant),
			slog.String("error", err.Error()))
		finishSpan(span, err)
		return
	}
	e.failures.reset(tenant)

	now := e.now()
	sess.AccessToken = xres.AccessToken
	sess.Scope = xres.Scope
	sess.CachedAt = now
	sess.LastProactiveRefresh = now
	if serr := e.store.Save(ctx, &sess); serr != nil {
		e.logger.WarnContext(ctx, "failed to store refreshed session",
			slog.String("tenant", tenant),
			slog.String("error", serr.Error()))
		finishSpan(span, serr)
		return
	}
	e.metrics.proactiveRefreshes.Add(1)
}

// cachedResult derives the caller-facing result from a cached session.
func cachedResult(sess *session.CachedSession) *AuthResult {
	return &AuthResult{
		Authenticated: true,
		TenantOrigin:  sess.Payload.TenantOrigin(),
		SubjectID:     sess.Payload.Subject,
		SessionID:     sess.Payload.SessionID,
		AccessToken:   sess.AccessToken,
		Scope:         sess.Scope,
		FromCache:     true,
	}
}

// degradedResult derives a validation-only result: identity without an
// access credential.
func degradedResult(vres *token.Result) *AuthResult {
	return &AuthResult{
		Authenticated: true,
		TenantOrigin:  vres.Metadata.TenantOrigin,
		SubjectID:     vres.Payload.Subject,
		SessionID:     vres.Payload.SessionID,
		Degraded:      true,
	}
}

// finishSpan records an error on the span and sets the span status to
// Error.
func finishSpan(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
