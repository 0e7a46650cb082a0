package engine

import (
	"sync"
	"time"
)

// failureWindow tracks recent exchange failures per tenant. A tenant whose
// failure count inside the sliding window reaches the threshold is served in
// degraded mode (identity without an access credential) until enough
// failures age out. A successful exchange clears the tenant's window
// entirely: the endpoint answered, so older failures are no longer evidence
// of an outage.
type failureWindow struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	now       func() time.Time
	failures  map[string][]time.Time
}

func newFailureWindow(threshold int, window time.Duration, now func() time.Time) *failureWindow {
	return &failureWindow{
		threshold: threshold,
		window:    window,
		now:       now,
		failures:  make(map[string][]time.Time),
	}
}

// record registers one exchange failure for the tenant and reports whether
// the tenant is now at or past the degraded threshold.
func (w *failureWindow) record(tenant string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	recent := append(w.pruneLocked(tenant, now), now)
	w.failures[tenant] = recent
	return len(recent) >= w.threshold
}

// degraded reports whether the tenant currently has threshold or more
// failures inside the window.
func (w *failureWindow) degraded(tenant string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	recent := w.pruneLocked(tenant, w.now())
	return len(recent) >= w.threshold
}

// reset forgets all recorded failures for the tenant.
func (w *failureWindow) reset(tenant string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.failures, tenant)
}

// pruneLocked drops failures older than the window and returns what
// remains. Caller must hold the lock.
func (w *failureWindow) pruneLocked(tenant string, now time.Time) []time.Time {
	recorded, ok := w.failures[tenant]
	if !ok {
		return nil
	}

	cutoff := now.Add(-w.window)
	kept := recorded[:0]
	for _, at := range recorded {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	if len(kept) == 0 {
		delete(w.failures, tenant)
		return nil
	}
	w.failures[tenant] = kept
	return kept
}
