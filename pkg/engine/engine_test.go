package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StorePort/storeport-auth/internal/testutil"
	"github.com/StorePort/storeport-auth/internal/testutil/fixtures"
	sperr "github.com/StorePort/storeport-auth/pkg/errors"
	"github.com/StorePort/storeport-auth/pkg/exchange"
	"github.com/StorePort/storeport-auth/pkg/session"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// testSigningKey is the 32-byte HMAC key used across engine tests.
const testSigningKey = fixtures.SigningKey

// testAudience is the receiving-application identifier engine tests mint
// against.
const testAudience = fixtures.Audience

// testTenant is the canonical tenant host engine tests mint for.
const testTenant = fixtures.TenantHost

// mintSessionToken creates an HS256-signed session token with the given
// claims.
func mintSessionToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	return testutil.MintSessionToken(t, []byte(testSigningKey), claims)
}

// testClaims returns a complete, currently valid claim set for the acme
// tenant. Individual tests override fields as needed.
func testClaims() jwt.MapClaims {
	return testutil.SessionClaims(time.Now())
}

// fakeExchanger is a scripted Exchanger. Without a respond function every
// call succeeds with a per-call access token ("shpat-grant-1",
// "shpat-grant-2", ...).
type fakeExchanger struct {
	mu      sync.Mutex
	calls   int
	tenants []string
	respond func(call int) (*exchange.Result, error)
	closed  bool
}

func (f *fakeExchanger) Exchange(_ context.Context, tenantOrigin, _ string) (*exchange.Result, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.tenants = append(f.tenants, tenantOrigin)
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		return respond(call)
	}
	return &exchange.Result{
		AccessToken: fmt.Sprintf("shpat-grant-%d", call),
		Scope:       "read_products",
		ExpiresIn:   24 * time.Hour,
	}, nil
}

func (f *fakeExchanger) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeExchanger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeExchanger) tenantAt(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tenants[i]
}

// fakeClock is a mutex-guarded manual time source anchored at the real
// current time.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// flakyStore wraps a Store with injectable lookup and save failures.
type flakyStore struct {
	session.Store
	lookupErr error
	saveErr   error
}

func (s *flakyStore) Lookup(ctx context.Context, fingerprint string) (*session.CachedSession, error) {
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	return s.Store.Lookup(ctx, fingerprint)
}

func (s *flakyStore) Save(ctx context.Context, sess *session.CachedSession) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.Store.Save(ctx, sess)
}

// newTestConfig returns a complete engine configuration with test
// credentials and a discarding logger.
func newTestConfig() Config {
	cfg := DefaultConfig()
	cfg.Validator.SigningSecret = testSigningKey
	cfg.Validator.ExpectedAudience = testAudience
	cfg.Exchange.ClientID = "storeport-pos"
	cfg.Exchange.ClientSecret = "shhh-exchange-client-secret"
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return cfg
}

// newTestEngine constructs an Engine on the given fake exchanger and
// registers cleanup.
func newTestEngine(t *testing.T, fake Exchanger, mutate func(*Config), opts ...Option) *Engine {
	t.Helper()
	cfg := newTestConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	eng, err := New(cfg, append([]Option{WithExchanger(fake)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

// ---------------------------------------------------------------------------
// Construction and lifecycle tests
// ---------------------------------------------------------------------------

func TestNew_MissingSigningSecret(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig()
	cfg.Validator.SigningSecret = ""
	eng, err := New(cfg, WithExchanger(&fakeExchanger{}))
	require.Error(t, err)
	assert.Nil(t, eng)
	assert.True(t, sperr.HasCode(err, sperr.CodeValidationRequired))
}

func TestNew_MissingExchangeCredentials(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig()
	cfg.Exchange.ClientSecret = ""
	eng, err := New(cfg, WithExchanger(&fakeExchanger{}))
	require.Error(t, err)
	assert.Nil(t, eng)
}

func TestNew_BuildsDefaultStore(t *testing.T) {
	t.Parallel()

	eng, err := New(newTestConfig(), WithExchanger(&fakeExchanger{}))
	require.NoError(t, err)
	require.NotNil(t, eng.store)
	assert.NoError(t, eng.Close())
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	fake := &fakeExchanger{}
	eng, err := New(newTestConfig(), WithExchanger(fake))
	require.NoError(t, err)

	assert.NoError(t, eng.Close())
	assert.NoError(t, eng.Close())

	fake.mu.Lock()
	closed := fake.closed
	fake.mu.Unlock()
	assert.True(t, closed, "Close must close the exchange client")
}

// ---------------------------------------------------------------------------
// Orchestration strategy tests
// ---------------------------------------------------------------------------

func TestAuthenticate_BotShortCircuit(t *testing.T) {
	t.Parallel()

	fake := &fakeExchanger{}
	eng := newTestEngine(t, fake, nil)

	result, err := eng.Authenticate(context.Background(), AuthRequest{
		Token:           "not-even-a-token",
		AutomatedClient: true,
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Authenticated)
	assert.Empty(t, result.AccessToken)
	assert.Equal(t, 0, fake.callCount(), "bots must never reach the exchange endpoint")

	snap := eng.Metrics()
	assert.Equal(t, int64(1), snap.BotShortCircuits)
	assert.Equal(t, int64(0), snap.Validations)
}

func TestAuthenticate_EmptyToken(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t, &fakeExchanger{}, nil)

	result, err := eng.Authenticate(context.Background(), AuthRequest{})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, sperr.HasCode(err, sperr.CodeTokenMalformedStructure))
	assert.True(t, sperr.RequiresBounce(err))

	snap := eng.Metrics()
	assert.Equal(t, int64(0), snap.CacheMisses, "empty tokens skip the cache")
	assert.Equal(t, int64(1), snap.ValidationFailures)
}

func TestAuthenticate_FreshValidationAndExchange(t *testing.T) {
	t.Parallel()

	fake := &fakeExchanger{}
	eng := newTestEngine(t, fake, nil)
	raw := mintSessionToken(t, testClaims())

	result, err := eng.Authenticate(context.Background(), AuthRequest{Token: raw})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.Authenticated)
	assert.Equal(t, testTenant, result.TenantOrigin)
	assert.Equal(t, "user-42", result.SubjectID)
	assert.Equal(t, "sess-7", result.SessionID)
	assert.Equal(t, "shpat-grant-1", result.AccessToken)
	assert.Equal(t, "read_products", result.Scope)
	assert.False(t, result.Degraded)
	assert.False(t, result.FromCache)

	require.Equal(t, 1, fake.callCount())
	assert.Equal(t, testTenant, fake.tenantAt(0))

	snap := eng.Metrics()
	assert.Equal(t, int64(1), snap.CacheMisses)
	assert.Equal(t, int64(1), snap.Validations)
	assert.Equal(t, int64(1), snap.Exchanges)
}

func TestAuthenticate_RepeatServedFromCache(t *testing.T) {
	t.Parallel()

	fake := &fakeExchanger{}
	eng := newTestEngine(t, fake, nil)
	raw := mintSessionToken(t, testClaims())
	ctx := context.Background()

	first, err := eng.Authenticate(ctx, AuthRequest{Token: raw})
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := eng.Authenticate(ctx, AuthRequest{Token: raw})
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, first.TenantOrigin, second.TenantOrigin)
	assert.Equal(t, first.SubjectID, second.SubjectID)

	// The second call must not re-validate or re-exchange.
	assert.Equal(t, 1, fake.callCount())
	snap := eng.Metrics()
	assert.Equal(t, int64(1), snap.CacheHits)
	assert.Equal(t, int64(1), snap.Validations)
	assert.Equal(t, int64(1), snap.Exchanges)
}

func TestAuthenticate_SignatureMismatch(t *testing.T) {
	t.Parallel()

	fake := &fakeExchanger{}
	eng := newTestEngine(t, fake, nil)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, testClaims())
	raw, err := tok.SignedString([]byte("a-different-32-byte-signing-key!"))
	require.NoError(t, err)

	result, aerr := eng.Authenticate(context.Background(), AuthRequest{Token: raw})
	require.Error(t, aerr)
	assert.Nil(t, result)
	assert.True(t, sperr.HasCode(aerr, sperr.CodeTokenSignatureMismatch))
	assert.True(t, sperr.RequiresBounce(aerr))
	assert.Equal(t, 0, fake.callCount(), "unverified tokens must never reach the exchange endpoint")
}

func TestAuthenticate_AudienceMismatch(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t, &fakeExchanger{}, nil)
	claims := testClaims()
	claims["aud"] = "some-other-app"
	raw := mintSessionToken(t, claims)

	_, err := eng.Authenticate(context.Background(), AuthRequest{Token: raw})
	testutil.RequireErrorCode(t, err, sperr.CodeTokenAudienceMismatch)
}

// ---------------------------------------------------------------------------
// Recovery-driven exchange tests
// ---------------------------------------------------------------------------

func TestAuthenticate_RecoveryExchangeOnShortOverrun(t *testing.T) {
	t.Parallel()

	fake := &fakeExchanger{}
	eng := newTestEngine(t, fake, nil)

	// Expired 7 minutes ago: past the 5m base tolerance, inside the short
	// recovery window, so the policy recommends an exchange.
	claims := testClaims()
	claims["exp"] = time.Now().Add(-7 * time.Minute).Unix()
	raw := mintSessionToken(t, claims)

	result, err := eng.Authenticate(context.Background(), AuthRequest{Token: raw})
	require.NoError(t, err, "the exchange endpoint has the final word on a short overrun")
	require.NotNil(t, result)
	assert.True(t, result.Authenticated)
	assert.Equal(t, "shpat-grant-1", result.AccessToken)
	assert.Equal(t, testTenant, result.TenantOrigin)
	assert.Equal(t, 1, fake.callCount())

	// The expired token is never cached: a repeat re-validates and
	// re-exchanges.
	_, err = eng.Authenticate(context.Background(), AuthRequest{Token: raw})
	require.NoError(t, err)
	assert.Equal(t, 2, fake.callCount())
	assert.Equal(t, int64(0), eng.Metrics().CacheHits)
}

func TestAuthenticate_RecoveryExchangeFailure_SurfacesOriginalError(t *testing.T) {
	t.Parallel()

	fake := &fakeExchanger{respond: func(int) (*exchange.Result, error) {
		return nil, sperr.New(sperr.CodeExchangeExhausted, "exchange: retry budget exhausted")
	}}
	eng := newTestEngine(t, fake, nil)

	claims := testClaims()
	claims["exp"] = time.Now().Add(-7 * time.Minute).Unix()
	raw := mintSessionToken(t, claims)

	result, err := eng.Authenticate(context.Background(), AuthRequest{Token: raw})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, sperr.HasCode(err, sperr.CodeTokenExpired),
		"a failed recovery exchange surfaces the original expiry error")
	assert.Equal(t, 1, fake.callCount())
}

func TestAuthenticate_NoRecoveryExchangeOnLongOverrun(t *testing.T) {
	t.Parallel()

	fake := &fakeExchanger{}
	eng := newTestEngine(t, fake, nil)

	// Expired 20 minutes ago: past the short recovery window, so the
	// policy demands a session bounce instead of an exchange.
	claims := testClaims()
	claims["exp"] = time.Now().Add(-20 * time.Minute).Unix()
	raw := mintSessionToken(t, claims)

	_, err := eng.Authenticate(context.Background(), AuthRequest{Token: raw})
	require.Error(t, err)
	assert.True(t, sperr.HasCode(err, sperr.CodeTokenExpired))
	assert.Equal(t, 0, fake.callCount())
}

// ---------------------------------------------------------------------------
// Degraded mode tests
// ---------------------------------------------------------------------------

func TestAuthenticate_DegradedAfterRepeatedExchangeFailures(t *testing.T) {
	t.Parallel()

	fake := &fakeExchanger{respond: func(int) (*exchange.Result, error) {
		return nil, sperr.New(sperr.CodeExchangeExhausted, "exchange: retry budget exhausted")
	}}
	eng := newTestEngine(t, fake, nil)
	ctx := context.Background()

	// Distinct tokens for the same tenant so the session cache stays out
	// of the way.
	mint := func() string {
		claims := testClaims()
		claims["jti"] = fmt.Sprintf("jti-%d", time.Now().UnixNano())
		return mintSessionToken(t, claims)
	}

	// The first two failures surface the exchange error.
	for i := 0; i < 2; i++ {
		result, err := eng.Authenticate(ctx, AuthRequest{Token: mint()})
		require.Error(t, err)
		assert.Nil(t, result)
		assert.True(t, sperr.HasCode(err, sperr.CodeExchangeExhausted))
	}

	// The third failure crosses the threshold: identity without a
	// credential instead of an error.
	result, err := eng.Authenticate(ctx, AuthRequest{Token: mint()})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Authenticated)
	assert.True(t, result.Degraded)
	assert.Empty(t, result.AccessToken)
	assert.Equal(t, testTenant, result.TenantOrigin)
	assert.Equal(t, "user-42", result.SubjectID)
	require.Equal(t, 3, fake.callCount())

	// While degraded the exchange endpoint is skipped entirely.
	result, err = eng.Authenticate(ctx, AuthRequest{Token: mint()})
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	assert.Equal(t, 3, fake.callCount(), "degraded mode must skip the exchange")

	assert.GreaterOrEqual(t, eng.Metrics().DegradedResults, int64(2))
}

func TestAuthenticate_DegradedResultsNeverCached(t *testing.T) {
	t.Parallel()

	fake := &fakeExchanger{respond: func(int) (*exchange.Result, error) {
		return nil, sperr.New(sperr.CodeExchangeExhausted, "exchange: retry budget exhausted")
	}}
	eng := newTestEngine(t, fake, nil)
	ctx := context.Background()
	raw := mintSessionToken(t, testClaims())

	for i := 0; i < 3; i++ {
		_, _ = eng.Authenticate(ctx, AuthRequest{Token: raw})
	}

	// The tenant is degraded now; the same token must still miss the
	// cache and re-validate every time.
	result, err := eng.Authenticate(ctx, AuthRequest{Token: raw})
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	assert.False(t, result.FromCache)
	assert.Equal(t, int64(0), eng.Metrics().CacheHits)
}

func TestAuthenticate_DegradedWindowExpires(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	fail := true
	var mu sync.Mutex
	fake := &fakeExchanger{respond: func(call int) (*exchange.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, sperr.New(sperr.CodeExchangeExhausted, "exchange: retry budget exhausted")
		}
		return &exchange.Result{AccessToken: fmt.Sprintf("shpat-grant-%d", call), ExpiresIn: time.Hour}, nil
	}}
	eng := newTestEngine(t, fake, nil, WithClock(clock.Now))
	ctx := context.Background()

	mint := func() string {
		claims := testClaims()
		claims["jti"] = fmt.Sprintf("jti-%d", time.Now().UnixNano())
		return mintSessionToken(t, claims)
	}

	for i := 0; i < 3; i++ {
		_, _ = eng.Authenticate(ctx, AuthRequest{Token: mint()})
	}
	require.Equal(t, 3, fake.callCount())

	// Inside the window the tenant stays degraded.
	result, err := eng.Authenticate(ctx, AuthRequest{Token: mint()})
	require.NoError(t, err)
	assert.True(t, result.Degraded)

	// Once the failures age out, the exchange is attempted again.
	clock.Advance(DefaultDegradedWindow + time.Second)
	mu.Lock()
	fail = false
	mu.Unlock()

	result, err = eng.Authenticate(ctx, AuthRequest{Token: mint()})
	require.NoError(t, err)
	assert.False(t, result.Degraded)
	assert.NotEmpty(t, result.AccessToken)
	assert.Equal(t, 4, fake.callCount())
}

func TestAuthenticate_ExchangeSuccessResetsFailureWindow(t *testing.T) {
	t.Parallel()

	responses := []error{
		sperr.New(sperr.CodeExchangeExhausted, "exchange: retry budget exhausted"),
		sperr.New(sperr.CodeExchangeExhausted, "exchange: retry budget exhausted"),
		nil,
		sperr.New(sperr.CodeExchangeExhausted, "exchange: retry budget exhausted"),
		sperr.New(sperr.CodeExchangeExhausted, "exchange: retry budget exhausted"),
	}
	fake := &fakeExchanger{respond: func(call int) (*exchange.Result, error) {
		if err := responses[call-1]; err != nil {
			return nil, err
		}
		return &exchange.Result{AccessToken: "shpat-reset", ExpiresIn: time.Hour}, nil
	}}
	eng := newTestEngine(t, fake, nil)
	ctx := context.Background()

	mint := func() string {
		claims := testClaims()
		claims["jti"] = fmt.Sprintf("jti-%d", time.Now().UnixNano())
		return mintSessionToken(t, claims)
	}

	_, err := eng.Authenticate(ctx, AuthRequest{Token: mint()})
	require.Error(t, err)
	_, err = eng.Authenticate(ctx, AuthRequest{Token: mint()})
	require.Error(t, err)

	// A success clears the tenant's failure window.
	result, err := eng.Authenticate(ctx, AuthRequest{Token: mint()})
	require.NoError(t, err)
	assert.Equal(t, "shpat-reset", result.AccessToken)

	// Two more failures stay under the threshold: errors, not degraded.
	_, err = eng.Authenticate(ctx, AuthRequest{Token: mint()})
	require.Error(t, err)
	_, err = eng.Authenticate(ctx, AuthRequest{Token: mint()})
	require.Error(t, err)
	assert.True(t, sperr.HasCode(err, sperr.CodeExchangeExhausted))
}

// ---------------------------------------------------------------------------
// Proactive refresh tests
// ---------------------------------------------------------------------------

func TestAuthenticate_ProactiveRefreshNearExpiry(t *testing.T) {
	t.Parallel()

	fake := &fakeExchanger{}
	eng := newTestEngine(t, fake, nil)
	ctx := context.Background()

	// Two minutes of lifetime left puts the session inside the default
	// five-minute refresh threshold.
	claims := testClaims()
	claims["exp"] = time.Now().Add(2 * time.Minute).Unix()
	raw := mintSessionToken(t, claims)

	first, err := eng.Authenticate(ctx, AuthRequest{Token: raw})
	require.NoError(t, err)
	assert.Equal(t, "shpat-grant-1", first.AccessToken)

	// The cache hit is served immediately; the refresh runs behind it.
	second, err := eng.Authenticate(ctx, AuthRequest{Token: raw})
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, "shpat-grant-1", second.AccessToken)

	require.Eventually(t, func() bool {
		return eng.Metrics().ProactiveRefreshes == 1
	}, 2*time.Second, 5*time.Millisecond, "the background refresh must complete")
	assert.Equal(t, 2, fake.callCount())

	// The next hit serves the refreshed credential.
	third, err := eng.Authenticate(ctx, AuthRequest{Token: raw})
	require.NoError(t, err)
	assert.True(t, third.FromCache)
	assert.Equal(t, "shpat-grant-2", third.AccessToken)

	// The refresh claim is still held, so no second refresh fires.
	assert.Equal(t, 2, fake.callCount())
}

func TestAuthenticate_ProactiveRefreshExclusive(t *testing.T) {
	t.Parallel()

	fake := &fakeExchanger{}
	eng := newTestEngine(t, fake, nil)
	ctx := context.Background()

	claims := testClaims()
	claims["exp"] = time.Now().Add(2 * time.Minute).Unix()
	raw := mintSessionToken(t, claims)

	_, err := eng.Authenticate(ctx, AuthRequest{Token: raw})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, aerr := eng.Authenticate(ctx, AuthRequest{Token: raw})
			assert.NoError(t, aerr)
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return eng.Metrics().ProactiveRefreshes == 1
	}, 2*time.Second, 5*time.Millisecond)

	// One seed exchange plus exactly one refresh, no matter how many
	// concurrent hits saw the session near expiry.
	assert.Equal(t, 2, fake.callCount())
}

func TestAuthenticate_RefreshFailureLeavesSessionServing(t *testing.T) {
	t.Parallel()

	fake := &fakeExchanger{respond: func(call int) (*exchange.Result, error) {
		if call == 1 {
			return &exchange.Result{AccessToken: "shpat-grant-1", ExpiresIn: time.Hour}, nil
		}
		return nil, sperr.New(sperr.CodeExchangeExhausted, "exchange: retry budget exhausted")
	}}
	eng := newTestEngine(t, fake, nil)
	ctx := context.Background()

	claims := testClaims()
	claims["exp"] = time.Now().Add(2 * time.Minute).Unix()
	raw := mintSessionToken(t, claims)

	_, err := eng.Authenticate(ctx, AuthRequest{Token: raw})
	require.NoError(t, err)

	second, err := eng.Authenticate(ctx, AuthRequest{Token: raw})
	require.NoError(t, err, "a failed refresh is never surfaced to the request that tripped it")
	assert.True(t, second.FromCache)
	assert.Equal(t, "shpat-grant-1", second.AccessToken)

	require.Eventually(t, func() bool {
		return eng.Metrics().ExchangeFailures == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), eng.Metrics().ProactiveRefreshes)

	// The cached session keeps serving the old credential.
	third, err := eng.Authenticate(ctx, AuthRequest{Token: raw})
	require.NoError(t, err)
	assert.Equal(t, "shpat-grant-1", third.AccessToken)
}

// ---------------------------------------------------------------------------
// Store degradation tests
// ---------------------------------------------------------------------------

func TestAuthenticate_LookupFailureTreatedAsMiss(t *testing.T) {
	t.Parallel()

	memory, err := session.NewMemoryStore(session.MemoryConfig{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	store := &flakyStore{
		Store:     memory,
		lookupErr: sperr.New(sperr.CodeUnavailableDependency, "session: redis lookup failed"),
	}

	fake := &fakeExchanger{}
	eng := newTestEngine(t, fake, nil, WithStore(store))
	raw := mintSessionToken(t, testClaims())

	result, aerr := eng.Authenticate(context.Background(), AuthRequest{Token: raw})
	require.NoError(t, aerr, "cache infrastructure trouble must not fail authentication")
	assert.True(t, result.Authenticated)
	assert.False(t, result.FromCache)
	assert.Equal(t, 1, fake.callCount())
}

func TestAuthenticate_SaveFailureStillSucceeds(t *testing.T) {
	t.Parallel()

	memory, err := session.NewMemoryStore(session.MemoryConfig{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	store := &flakyStore{
		Store:   memory,
		saveErr: sperr.New(sperr.CodeUnavailableDependency, "session: redis save failed"),
	}

	fake := &fakeExchanger{}
	eng := newTestEngine(t, fake, nil, WithStore(store))
	raw := mintSessionToken(t, testClaims())

	result, aerr := eng.Authenticate(context.Background(), AuthRequest{Token: raw})
	require.NoError(t, aerr)
	assert.True(t, result.Authenticated)
	assert.Equal(t, "shpat-grant-1", result.AccessToken)
}

// ---------------------------------------------------------------------------
// Concurrency tests
// ---------------------------------------------------------------------------

func TestAuthenticate_ConcurrentSameToken(t *testing.T) {
	t.Parallel()

	fake := &fakeExchanger{}
	eng := newTestEngine(t, fake, nil)
	raw := mintSessionToken(t, testClaims())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := eng.Authenticate(ctx, AuthRequest{Token: raw})
			assert.NoError(t, err)
			if assert.NotNil(t, result) {
				assert.True(t, result.Authenticated)
				assert.NotEmpty(t, result.AccessToken)
			}
		}()
	}
	wg.Wait()

	// Concurrent misses may each exchange (last-writer-wins is accepted),
	// but the count never exceeds the number of callers and the cache
	// converges.
	assert.LessOrEqual(t, fake.callCount(), 16)

	result, err := eng.Authenticate(ctx, AuthRequest{Token: raw})
	require.NoError(t, err)
	assert.True(t, result.FromCache)
}
