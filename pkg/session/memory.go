package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	sperr "github.com/StorePort/storeport-auth/pkg/errors"
)

const (
	// DefaultTTL is the default lifetime of a cache entry measured from
	// CachedAt. The token's own expiry still wins when it is sooner.
	DefaultTTL = 5 * time.Minute

	// DefaultMaxEntries is the default capacity of the in-memory store.
	DefaultMaxEntries = 10000

	// DefaultSweepInterval is the default period of the background sweep
	// that removes expired entries.
	DefaultSweepInterval = time.Minute

	// DefaultRefreshMarkerTTL is the default lifetime of a
	// proactive-refresh claim. A refresh that neither completes nor
	// releases its claim within this interval loses the slot.
	DefaultRefreshMarkerTTL = 30 * time.Second
)

// evictDivisor controls how much of a full store is evicted to make room:
// the oldest quarter of entries by CachedAt, at least one.
const evictDivisor = 4

// MemoryConfig holds the configuration for the in-memory session store.
type MemoryConfig struct {
	// TTL is the cache-entry lifetime measured from CachedAt.
	//
	// Default: 5m
	// Environment variable: SESSION_TTL
	TTL time.Duration `json:"ttl,omitempty" env:"SESSION_TTL"`

	// MaxEntries is the store capacity. When a save would exceed it, the
	// oldest quarter of entries is evicted first.
	//
	// Default: 10000
	// Environment variable: SESSION_MAX_ENTRIES
	MaxEntries int `json:"max_entries,omitempty" env:"SESSION_MAX_ENTRIES"`

	// SweepInterval is the period of the background sweep.
	//
	// Default: 1m
	// Environment variable: SESSION_SWEEP_INTERVAL
	SweepInterval time.Duration `json:"sweep_interval,omitempty" env:"SESSION_SWEEP_INTERVAL"`

	// RefreshMarkerTTL bounds how long a proactive-refresh claim is held
	// before an abandoned refresh forfeits it.
	//
	// Default: 30s
	// Environment variable: SESSION_REFRESH_MARKER_TTL
	RefreshMarkerTTL time.Duration `json:"refresh_marker_ttl,omitempty" env:"SESSION_REFRESH_MARKER_TTL"`

	// Logger is the structured logger for sweep and eviction events. When
	// nil, slog.Default() is used.
	Logger *slog.Logger `json:"-"`
}

// DefaultMemoryConfig returns a MemoryConfig with default values.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		TTL:              DefaultTTL,
		MaxEntries:       DefaultMaxEntries,
		SweepInterval:    DefaultSweepInterval,
		RefreshMarkerTTL: DefaultRefreshMarkerTTL,
	}
}

// Validate checks the configuration and applies defaults to unset fields.
//
// Error codes returned:
//   - [sperr.CodeValidationRange]: a duration or capacity is out of range
func (c *MemoryConfig) Validate() *sperr.Error {
	c.applyDefaults()

	if c.TTL <= 0 {
		return sperr.New(sperr.CodeValidationRange,
			"session: cache TTL must be positive")
	}
	if c.MaxEntries <= 0 {
		return sperr.New(sperr.CodeValidationRange,
			"session: max entries must be greater than zero")
	}
	if c.SweepInterval <= 0 {
		return sperr.New(sperr.CodeValidationRange,
			"session: sweep interval must be positive")
	}
	if c.RefreshMarkerTTL <= 0 {
		return sperr.New(sperr.CodeValidationRange,
			"session: refresh marker TTL must be positive")
	}
	return nil
}

// applyDefaults fills zero-valued fields with defaults.
func (c *MemoryConfig) applyDefaults() {
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
	if c.MaxEntries == 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.RefreshMarkerTTL == 0 {
		c.RefreshMarkerTTL = DefaultRefreshMarkerTTL
	}
}

// MemoryStore is the default [Store]: a mutex-guarded map with TTL expiry,
// oldest-quarter eviction at capacity, and a background sweep goroutine.
//
// A MemoryStore is safe for concurrent use. Call [MemoryStore.Close] to stop
// the sweeper when the store is no longer needed.
type MemoryStore struct {
	config MemoryConfig
	logger *slog.Logger

	mu         sync.Mutex
	entries    map[string]*CachedSession
	refreshing map[string]time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// Compile-time interface compliance check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory session store and starts its
// background sweeper.
func NewMemoryStore(cfg MemoryConfig) (*MemoryStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &MemoryStore{
		config:     cfg,
		logger:     logger,
		entries:    make(map[string]*CachedSession),
		refreshing: make(map[string]time.Time),
		done:       make(chan struct{}),
	}
	go m.sweepLoop()
	return m, nil
}

// Lookup returns a copy of the live session for a fingerprint, or nil when
// absent or expired. Expired entries are removed. A hit increments the
// stored entry's HitCount before the copy is taken.
func (m *MemoryStore) Lookup(_ context.Context, fingerprint string) (*CachedSession, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[fingerprint]
	if !ok {
		return nil, nil
	}
	if entry.Expired(now, m.config.TTL) {
		delete(m.entries, fingerprint)
		return nil, nil
	}

	entry.HitCount++
	out := *entry
	return &out, nil
}

// Save stores a copy of the session under its fingerprint. When the store
// is at capacity and the fingerprint is new, the oldest quarter of entries
// is evicted first. A session whose token is already expired is dropped.
func (m *MemoryStore) Save(_ context.Context, session *CachedSession) error {
	if session == nil || session.Fingerprint == "" {
		return sperr.New(sperr.CodeValidationRequired,
			"session: a session with a fingerprint is required")
	}
	now := time.Now()
	if now.After(session.ExpiresAt) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[session.Fingerprint]; !exists && len(m.entries) >= m.config.MaxEntries {
		m.evictOldestLocked()
	}
	cp := *session
	m.entries[session.Fingerprint] = &cp
	return nil
}

// Delete removes a session. Absent fingerprints are ignored.
func (m *MemoryStore) Delete(_ context.Context, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, fingerprint)
	return nil
}

// TryBeginRefresh claims the proactive-refresh slot for a fingerprint. A
// live claim by another caller returns false; a claim older than the marker
// TTL is treated as abandoned and taken over.
func (m *MemoryStore) TryBeginRefresh(_ context.Context, fingerprint string) (bool, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if claimed, ok := m.refreshing[fingerprint]; ok && now.Sub(claimed) < m.config.RefreshMarkerTTL {
		return false, nil
	}
	m.refreshing[fingerprint] = now
	return true, nil
}

// EndRefresh releases the proactive-refresh slot for a fingerprint.
func (m *MemoryStore) EndRefresh(_ context.Context, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refreshing, fingerprint)
	return nil
}

// Len returns the number of live entries. Expired entries that have not
// been swept yet are counted.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close stops the background sweeper. The store remains usable after Close;
// expired entries are then removed only on lookup.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	return nil
}

// evictOldestLocked removes the oldest quarter of entries by CachedAt, at
// least one. The caller must hold m.mu.
func (m *MemoryStore) evictOldestLocked() {
	n := len(m.entries) / evictDivisor
	if n < 1 {
		n = 1
	}

	type aged struct {
		fingerprint string
		cachedAt    time.Time
	}
	byAge := make([]aged, 0, len(m.entries))
	for fp, entry := range m.entries {
		byAge = append(byAge, aged{fingerprint: fp, cachedAt: entry.CachedAt})
	}
	sort.Slice(byAge, func(i, j int) bool {
		return byAge[i].cachedAt.Before(byAge[j].cachedAt)
	})

	for _, victim := range byAge[:n] {
		delete(m.entries, victim.fingerprint)
	}
	m.logger.Debug("session cache evicted oldest entries",
		slog.Int("evicted", n),
		slog.Int("remaining", len(m.entries)),
	)
}

// sweepLoop periodically removes expired entries and stale refresh markers
// until Close is called. It never blocks request-path operations beyond the
// map mutex.
func (m *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(time.Now())
		case <-m.done:
			return
		}
	}
}

// sweep removes entries that are past the cache TTL or token expiry, and
// refresh markers past the marker TTL.
func (m *MemoryStore) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for fp, entry := range m.entries {
		if entry.Expired(now, m.config.TTL) {
			delete(m.entries, fp)
			removed++
		}
	}
	for fp, claimed := range m.refreshing {
		if now.Sub(claimed) >= m.config.RefreshMarkerTTL {
			delete(m.refreshing, fp)
		}
	}

	if removed > 0 {
		m.logger.Debug("session cache sweep removed expired entries",
			slog.Int("removed", removed),
			slog.Int("remaining", len(m.entries)),
		)
	}
}
