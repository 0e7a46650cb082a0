package engine

import "sync/atomic"

// Metrics counts the engine's observable outcomes. All counters are atomic
// and safe for concurrent use; the engine increments them on every
// orchestration so callers can assert, for example, that repeated
// authentications of the same token perform exactly one exchange.
type Metrics struct {
	cacheHits          atomic.Int64
	cacheMisses        atomic.Int64
	validations        atomic.Int64
	validationFailures atomic.Int64
	exchanges          atomic.Int64
	exchangeFailures   atomic.Int64
	degradedResults    atomic.Int64
	proactiveRefreshes atomic.Int64
	botShortCircuits   atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of the engine's counters. The
// snapshot is not atomic across counters: values may reflect different
// instants when orchestrations are in flight.
type MetricsSnapshot struct {
	// CacheHits counts authentications served from the session cache.
	CacheHits int64

	// CacheMisses counts authentications that had to validate the token.
	CacheMisses int64

	// Validations counts full signature-verification passes.
	Validations int64

	// ValidationFailures counts validations that produced a token error.
	ValidationFailures int64

	// Exchanges counts token-exchange calls dispatched, including
	// proactive refreshes and recovery-driven exchanges.
	Exchanges int64

	// ExchangeFailures counts exchange calls that returned an error after
	// the client's internal retries.
	ExchangeFailures int64

	// DegradedResults counts sessions returned with identity but no
	// access credential.
	DegradedResults int64

	// ProactiveRefreshes counts background refreshes that replaced a
	// cached session before its expiry.
	ProactiveRefreshes int64

	// BotShortCircuits counts requests dismissed on the automated-client
	// signal without touching the token.
	BotShortCircuits int64
}

// Snapshot returns a copy of the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		CacheHits:          m.cacheHits.Load(),
		CacheMisses:        m.cacheMisses.Load(),
		Validations:        m.validations.Load(),
		ValidationFailures: m.validationFailures.Load(),
		Exchanges:          m.exchanges.Load(),
		ExchangeFailures:   m.exchangeFailures.Load(),
		DegradedResults:    m.degradedResults.Load(),
		ProactiveRefreshes: m.proactiveRefreshes.Load(),
		BotShortCircuits:   m.botShortCircuits.Load(),
	}
}
