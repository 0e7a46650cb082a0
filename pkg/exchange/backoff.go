package exchange

import (
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// backoffGrowth is the exponential growth factor between attempts.
const backoffGrowth = 1.5

// jitterDivisor bounds the random jitter added to a computed delay to one
// quarter of that delay, so independent clients that failed together do not
// retry in lockstep.
const jitterDivisor = 4

// backoffDelay computes the wait before the next attempt:
//
//	base × multiplier × 1.5^(attempt-1) + jitter
//
// capped at maxDelay. attempt is 1-based and names the attempt that just
// failed. The multiplier comes from the challenge classification (1.0 for
// plain transport failures).
func backoffDelay(base time.Duration, multiplier float64, attempt int, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(base) * multiplier * math.Pow(backoffGrowth, float64(attempt-1)))
	d += jitter(d)
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

// jitter returns a uniform random duration in [0, d/jitterDivisor].
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d/jitterDivisor + 1)))
}

// nextDelay picks the wait between a failed attempt and the next one based
// on the failure's classification:
//
//   - rate limited: the server's Retry-After when present, else linear
//     growth on the base delay
//   - challenge: exponential backoff scaled by the challenge multiplier
//   - transport: plain exponential backoff
//
// A server-sent Retry-After is honored even beyond MaxDelay; the computed
// delays are capped by it.
func nextDelay(f *attemptFailure, attempt int, cfg Config) time.Duration {
	switch f.kind {
	case kindRateLimited:
		if f.retryAfter > 0 {
			return f.retryAfter
		}
		d := time.Duration(attempt) * cfg.BaseDelay
		if d > cfg.MaxDelay {
			d = cfg.MaxDelay
		}
		return d
	case kindChallenge:
		return backoffDelay(cfg.BaseDelay, f.challenge.delayMultiplier(), attempt, cfg.MaxDelay)
	default:
		return backoffDelay(cfg.BaseDelay, 1.0, attempt, cfg.MaxDelay)
	}
}

// parseRetryAfter reads a Retry-After header value, which is either a
// non-negative integer number of seconds or an HTTP-date. Returns 0 when
// the header is absent, unparseable, or names a time in the past.
func parseRetryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
