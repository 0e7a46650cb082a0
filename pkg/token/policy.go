package token

import (
	"log/slog"
	"time"
)

// ---------------------------------------------------------------------------
// DeviceClass — externally derived client platform hint
// ---------------------------------------------------------------------------

// DeviceClass is a hint about the client platform, derived outside the
// engine from request metadata. It only selects the clock-skew tolerance;
// it never makes a trust decision.
type DeviceClass int

const (
	// DeviceUnknown applies the base tolerance.
	DeviceUnknown DeviceClass = iota

	// DeviceDesktop applies the base tolerance.
	DeviceDesktop

	// DeviceMobile applies the widened mobile tolerance; mobile clocks
	// drift further than desktop clocks in practice.
	DeviceMobile

	// DeviceMobileEmbedded is a mobile client running inside an embedded
	// extension host. It is the only class eligible for the last-resort
	// widened tolerance, and only when its observed skew already exceeds
	// the mobile tolerance.
	DeviceMobileEmbedded
)

// String returns the device class name for logging and span attributes.
func (d DeviceClass) String() string {
	switch d {
	case DeviceDesktop:
		return "desktop"
	case DeviceMobile:
		return "mobile"
	case DeviceMobileEmbedded:
		return "mobile_embedded"
	default:
		return "unknown"
	}
}

// ---------------------------------------------------------------------------
// Severity and RecoveryAction — temporal failure classification
// ---------------------------------------------------------------------------

// Severity grades how far outside its temporal validity window a token is.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the severity name in the form carried by error details.
func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// RecoveryAction is the remediation the policy recommends for a temporal
// failure. The orchestrator maps it to behavior: TokenExchange attempts an
// exchange with the signature-verified payload, SessionBounce and
// ForceRefresh surface a failure that requires a new token, and Wait tells
// the caller to retry after the token becomes valid.
type RecoveryAction int

const (
	RecoveryAllow RecoveryAction = iota
	RecoveryTokenExchange
	RecoverySessionBounce
	RecoveryForceRefresh
	RecoveryWait
)

// String returns the recovery action name in the form carried by error
// details.
func (a RecoveryAction) String() string {
	switch a {
	case RecoveryAllow:
		return "allow"
	case RecoveryTokenExchange:
		return "token_exchange"
	case RecoverySessionBounce:
		return "session_bounce"
	case RecoveryForceRefresh:
		return "force_refresh"
	case RecoveryWait:
		return "wait"
	default:
		return "unknown"
	}
}

// recoveryActionFromString is the inverse of RecoveryAction.String. Unknown
// strings map to RecoverySessionBounce, the safe default for token failures.
func recoveryActionFromString(s string) RecoveryAction {
	switch s {
	case "allow":
		return RecoveryAllow
	case "token_exchange":
		return RecoveryTokenExchange
	case "force_refresh":
		return RecoveryForceRefresh
	case "wait":
		return RecoveryWait
	default:
		return RecoverySessionBounce
	}
}

// TemporalFault identifies which temporal check a token failed.
type TemporalFault int

const (
	FaultNone TemporalFault = iota
	FaultExpired
	FaultNotYetValid
	FaultMalformedTimestamp
)

// ---------------------------------------------------------------------------
// Decision — the outcome of a temporal evaluation
// ---------------------------------------------------------------------------

// Decision is the outcome of evaluating a token's temporal claims at a
// given instant. It is never partially populated: invalid decisions carry
// the fault, severity, and recovery action; valid decisions carry the
// refresh hint.
type Decision struct {
	// Valid reports whether the token is inside its validity window under
	// the applied tolerance.
	Valid bool

	// Severity grades the failure. SeverityNone on valid decisions.
	Severity Severity

	// Recovery is the recommended remediation. RecoveryAllow on valid
	// decisions.
	Recovery RecoveryAction

	// Fault identifies the failed check. FaultNone on valid decisions.
	Fault TemporalFault

	// ShouldRefreshSoon reports that a valid token is inside the refresh
	// window and a replacement should be obtained off the request path.
	ShouldRefreshSoon bool

	// TimeUntilExpiry is the signed remaining lifetime at evaluation time;
	// negative once the token is past its expiry.
	TimeUntilExpiry time.Duration

	// Tolerance is the clock-skew tolerance the decision was made under.
	Tolerance time.Duration
}

// ---------------------------------------------------------------------------
// TimestampPolicy — device-aware temporal validation
// ---------------------------------------------------------------------------

// Tolerance tiers and decision thresholds. Session tokens are short-lived
// by contract: timestamps far outside any plausible clock drift are a
// token-generation bug and fail closed as malformed.
const (
	baseTolerance     = 5 * time.Minute
	mobileTolerance   = 15 * time.Minute
	embeddedTolerance = time.Hour

	// refreshWindow is the remaining lifetime below which a valid token
	// should be proactively replaced.
	refreshWindow = 5 * time.Minute

	// shortWindow separates a recoverable overrun (exchange, or wait for
	// validity) from one that requires a session bounce.
	shortWindow = 5 * time.Minute

	// hardExpiredAfter is the overrun beyond which no tolerance applies.
	hardExpiredAfter = time.Hour

	// nbfSanityWindow bounds how far a notBefore may sit from now in
	// either direction before the token is treated as malformed.
	nbfSanityWindow = 365 * 24 * time.Hour

	// farFuture bounds how far ahead a notBefore or expiry may sit.
	farFuture = 24 * time.Hour
)

// TimestampPolicy decides the temporal validity of session tokens under a
// device-aware clock-skew tolerance, classifies failures by severity, and
// recommends a recovery action. The zero value is not usable; construct
// with NewTimestampPolicy.
type TimestampPolicy struct {
	logger *slog.Logger
}

// NewTimestampPolicy creates a TimestampPolicy. If logger is nil,
// slog.Default() is used. The logger only receives the widened-tolerance
// warning, which is never silent.
func NewTimestampPolicy(logger *slog.Logger) *TimestampPolicy {
	if logger == nil {
		logger = slog.Default()
	}
	return &TimestampPolicy{logger: logger}
}

// Evaluate applies the temporal decision rules to the payload at the given
// instant. Rules run in order and the first match decides:
//
//  1. A notBefore more than a year from now in either direction is a
//     generation bug: Critical, force refresh.
//  2. Expired more than an hour ago: Critical, force refresh.
//  3. Expired beyond tolerance: a short overrun recovers by exchange
//     (Medium), a long one bounces the session (High).
//  4. Not yet valid beyond tolerance: more than a day early is malformed
//     (Critical, force refresh); a short wait beyond tolerance is
//     Medium/Wait, a long one bounces (High).
//  5. Expiry more than a day out: Critical, force refresh. Tokens are
//     short-lived by contract, so this bounds the blast radius of a
//     corrupted token rather than honoring it as long-lived.
//  6. Otherwise valid, with the refresh hint set inside the last five
//     minutes of lifetime.
func (p *TimestampPolicy) Evaluate(payload SessionTokenPayload, now time.Time, device DeviceClass) Decision {
	tolerance := p.tolerance(payload, now, device)
	expiresAt := payload.Expiry()
	notBefore := payload.NotBeforeTime()
	untilExpiry := expiresAt.Sub(now)

	invalid := func(fault TemporalFault, severity Severity, recovery RecoveryAction) Decision {
		return Decision{
			Severity:        severity,
			Recovery:        recovery,
			Fault:           fault,
			TimeUntilExpiry: untilExpiry,
			Tolerance:       tolerance,
		}
	}

	if d := notBefore.Sub(now); d > nbfSanityWindow || d < -nbfSanityWindow {
		return invalid(FaultMalformedTimestamp, SeverityCritical, RecoveryForceRefresh)
	}

	if expiresAt.Before(now.Add(-hardExpiredAfter)) {
		return invalid(FaultExpired, SeverityCritical, RecoveryForceRefresh)
	}

	if overrun := now.Sub(expiresAt); overrun >= tolerance {
		if overrun-tolerance < shortWindow {
			return invalid(FaultExpired, SeverityMedium, RecoveryTokenExchange)
		}
		return invalid(FaultExpired, SeverityHigh, RecoverySessionBounce)
	}

	if wait := notBefore.Sub(now); wait > tolerance {
		if wait > farFuture {
			return invalid(FaultMalformedTimestamp, SeverityCritical, RecoveryForceRefresh)
		}
		if wait-tolerance < shortWindow {
			return invalid(FaultNotYetValid, SeverityMedium, RecoveryWait)
		}
		return invalid(FaultNotYetValid, SeverityHigh, RecoverySessionBounce)
	}

	if untilExpiry > farFuture {
		return invalid(FaultMalformedTimestamp, SeverityCritical, RecoveryForceRefresh)
	}

	return Decision{
		Valid:             true,
		Severity:          SeverityNone,
		Recovery:          RecoveryAllow,
		Fault:             FaultNone,
		ShouldRefreshSoon: untilExpiry < refreshWindow,
		TimeUntilExpiry:   untilExpiry,
		Tolerance:         tolerance,
	}
}

// tolerance selects the clock-skew tolerance for the device class. An
// embedded mobile client whose observed skew already exceeds the mobile
// tolerance gets the last-resort widened window; that widening is logged
// as a warning, never trusted silently.
func (p *TimestampPolicy) tolerance(payload SessionTokenPayload, now time.Time, device DeviceClass) time.Duration {
	switch device {
	case DeviceMobile:
		return mobileTolerance
	case DeviceMobileEmbedded:
		if skew := observedSkew(payload, now); skew > mobileTolerance {
			p.logger.Warn("widening clock-skew tolerance for embedded mobile client",
				slog.Duration("observed_skew", skew),
				slog.Duration("tolerance", embeddedTolerance),
				slog.String("device_class", device.String()),
			)
			return embeddedTolerance
		}
		return mobileTolerance
	default:
		return baseTolerance
	}
}

// observedSkew is how far outside the token's validity window now falls:
// the larger of the expiry overrun and the notBefore wait, floored at zero.
func observedSkew(payload SessionTokenPayload, now time.Time) time.Duration {
	var skew time.Duration
	if overrun := now.Sub(payload.Expiry()); overrun > skew {
		skew = overrun
	}
	if wait := payload.NotBeforeTime().Sub(now); wait > skew {
		skew = wait
	}
	return skew
}
