// Package session provides the session cache for validated tokens: the
// CachedSession model, the Store interface, an in-memory store with TTL
// expiry and size-bounded eviction, and a Redis-backed store for
// multi-instance deployments.
//
// A cache entry is keyed by the token fingerprint (see
// [github.com/StorePort/storeport-auth/pkg/token.Fingerprint]) and lives
// until the cache TTL elapses, the underlying token expires, or the entry
// is evicted for capacity, whichever comes first.
//
// Stores use last-writer-wins semantics: concurrent saves of the same
// fingerprint do not coordinate, and concurrent validations may each
// perform a redundant exchange. Correctness requires only eventual cache
// convergence. The one exception is the per-fingerprint refresh marker
// ([Store.TryBeginRefresh]), which gates the proactive refresh path so a
// near-expiry session is not refreshed twice concurrently.
package session

import (
	"context"
	"time"

	"github.com/StorePort/storeport-auth/pkg/token"
)

// CachedSession is a validated session held by a [Store]. It is created on
// the first successful validation (plus exchange, when one was performed)
// and mutated on every cache hit.
//
// The struct is JSON-encoded when stored in Redis; field tags are part of
// the storage format.
type CachedSession struct {
	// Fingerprint is the cache key: a deterministic hash of the raw token.
	// It is used only for cache indexing, never for trust decisions.
	Fingerprint string `json:"fingerprint"`

	// Payload is the verified claim set of the session token.
	Payload token.SessionTokenPayload `json:"payload"`

	// AccessToken is the online access token obtained by exchange. Empty
	// when the session was produced without an exchange.
	AccessToken string `json:"access_token,omitempty"`

	// Scope is the grant scope reported by the exchange endpoint.
	Scope string `json:"scope,omitempty"`

	// ExpiresAt is the token expiry. An entry is dead past this instant
	// regardless of the cache TTL.
	ExpiresAt time.Time `json:"expires_at"`

	// CachedAt is when the entry was stored. TTL expiry and capacity
	// eviction order both derive from it.
	CachedAt time.Time `json:"cached_at"`

	// HitCount is the number of cache hits served by this entry.
	HitCount int64 `json:"hit_count"`

	// LastProactiveRefresh is when a proactive refresh last replaced this
	// session's access token. Zero when never refreshed.
	LastProactiveRefresh time.Time `json:"last_proactive_refresh"`
}

// Expired reports whether the entry is dead at now: either the cache TTL
// has elapsed since CachedAt or the underlying token has expired.
func (s CachedSession) Expired(now time.Time, ttl time.Duration) bool {
	if now.After(s.CachedAt.Add(ttl)) {
		return true
	}
	return now.After(s.ExpiresAt)
}

// NeedsRefresh reports whether the session is close enough to token expiry
// that a proactive refresh is warranted. An already expired session never
// needs a refresh; it needs a fresh validation.
func (s CachedSession) NeedsRefresh(now time.Time, threshold time.Duration) bool {
	remaining := s.ExpiresAt.Sub(now)
	return remaining > 0 && remaining < threshold
}

// Store is the session cache contract consumed by the engine. Implementations
// must be safe for concurrent use.
//
// Lookup and Save operate on independent copies: mutating a returned session
// does not change the stored entry, and a saved session is not aliased by the
// store. Saves are last-writer-wins.
type Store interface {
	// Lookup returns the live session for a fingerprint, or nil when the
	// fingerprint is absent or the entry has expired. Expired entries are
	// removed as a side effect. A hit increments the entry's HitCount.
	Lookup(ctx context.Context, fingerprint string) (*CachedSession, error)

	// Save stores a session under its fingerprint, evicting older entries
	// if the store is at capacity. Sessions whose token is already expired
	// are not stored.
	Save(ctx context.Context, session *CachedSession) error

	// Delete removes a session. Deleting an absent fingerprint is not an
	// error.
	Delete(ctx context.Context, fingerprint string) error

	// TryBeginRefresh atomically claims the proactive-refresh slot for a
	// fingerprint. It returns false when a refresh is already in flight.
	// Claims expire on their own after a bounded interval so an abandoned
	// refresh cannot wedge the slot.
	TryBeginRefresh(ctx context.Context, fingerprint string) (bool, error)

	// EndRefresh releases the proactive-refresh slot for a fingerprint.
	EndRefresh(ctx context.Context, fingerprint string) error

	// Close releases resources held by the store.
	Close() error
}
