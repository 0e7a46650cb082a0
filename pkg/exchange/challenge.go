package exchange

import (
	"net/http"
	"strings"
)

// ---------------------------------------------------------------------------
// Challenge classification
// ---------------------------------------------------------------------------

// ChallengeType classifies an edge-proxy interception response. The type
// determines the backoff multiplier: heavier mitigation modes clear more
// slowly, so retrying them quickly only burns the attempt budget.
type ChallengeType int

const (
	// ChallengeNone means the response is not an edge-proxy challenge.
	ChallengeNone ChallengeType = iota

	// ChallengeManaged is the proxy's adaptive mitigation mode, announced
	// in a response header. It typically clears within seconds.
	ChallengeManaged

	// ChallengeJavaScript is an interstitial page that expects a browser
	// to execute a proof-of-work script. A server-to-server client can
	// never pass it; the only recourse is to look less like automated
	// traffic on the next attempt.
	ChallengeJavaScript

	// ChallengeBlock is a hard block page. These clear the slowest and
	// often indicate the client's current request shape is denylisted.
	ChallengeBlock
)

// String returns the challenge type name used in error details and logs.
func (t ChallengeType) String() string {
	switch t {
	case ChallengeNone:
		return "none"
	case ChallengeManaged:
		return "managed"
	case ChallengeJavaScript:
		return "javascript"
	case ChallengeBlock:
		return "block"
	default:
		return "unknown"
	}
}

// delayMultiplier returns the backoff multiplier applied to the base delay
// when a retry follows this challenge type.
func (t ChallengeType) delayMultiplier() float64 {
	switch t {
	case ChallengeManaged:
		return 2.0
	case ChallengeJavaScript:
		return 3.0
	case ChallengeBlock:
		return 4.0
	default:
		return 1.0
	}
}

// Edge-proxy response signatures. The proxy tags every response it serves
// with a ray ID header; mitigation responses additionally carry either a
// mitigation header or well-known interstitial markup.
const (
	headerRayID     = "cf-ray"
	headerMitigated = "cf-mitigated"

	markerBlocked       = "sorry, you have been blocked"
	markerInterstitial  = "just a moment"
	markerChallengeHost = "challenge-platform"
	markerChallengeVar  = "cf_chl_"
)

// detectChallenge classifies a non-2xx exchange response as an edge-proxy
// challenge. Challenge markers take precedence over the raw status code: a
// 403 or 503 carrying interstitial markup is mitigation, not a genuine
// authorization failure or outage.
//
// A ray ID alone never classifies as a challenge, because the proxy tags
// every response it forwards, including legitimate endpoint errors. It only
// counts when the proxy answered with an HTML page where the endpoint would
// have sent JSON.
func detectChallenge(status int, header http.Header, body []byte) ChallengeType {
	if status >= 200 && status < 300 {
		return ChallengeNone
	}

	page := strings.ToLower(string(body))

	if strings.Contains(page, markerBlocked) {
		return ChallengeBlock
	}
	if strings.EqualFold(header.Get(headerMitigated), "challenge") {
		return ChallengeManaged
	}
	if strings.Contains(page, markerChallengeVar) ||
		strings.Contains(page, markerChallengeHost) ||
		strings.Contains(page, markerInterstitial) {
		return ChallengeJavaScript
	}

	if header.Get(headerRayID) != "" &&
		(status == http.StatusForbidden || status == http.StatusServiceUnavailable) &&
		strings.Contains(header.Get("Content-Type"), "text/html") {
		return ChallengeManaged
	}

	return ChallengeNone
}

// ---------------------------------------------------------------------------
// Header profiles
// ---------------------------------------------------------------------------

// headerProfile is one outbound request shape. When an attempt is answered
// with a challenge, the client advances to the next profile for the
// following attempt, so consecutive retries present distinct but legitimate
// client shapes instead of hammering with the exact fingerprint that was
// just intercepted.
type headerProfile struct {
	name    string
	headers map[string]string
}

// headerProfiles are tried in order; the index wraps around when attempts
// outnumber profiles. The first profile is the client's honest identity and
// is always used until a challenge is seen.
var headerProfiles = []headerProfile{
	{
		name: "sdk",
		headers: map[string]string{
			"User-Agent": "storeport-auth/1.0 (+https://storeport.io/developers)",
			"Accept":     "application/json",
		},
	},
	{
		name: "service",
		headers: map[string]string{
			"User-Agent":      "StorePort Backend Service",
			"Accept":          "application/json, text/plain, */*",
			"Accept-Language": "en-US,en;q=0.9",
		},
	},
	{
		name: "browserlike",
		headers: map[string]string{
			"User-Agent":      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			"Accept":          "application/json, text/html;q=0.9, */*;q=0.8",
			"Accept-Language": "en-US,en;q=0.9",
			"Cache-Control":   "no-cache",
		},
	},
	{
		name: "pos",
		headers: map[string]string{
			"User-Agent":      "StorePort POS/9.4.1 (iPad; iPadOS 17.4)",
			"Accept":          "application/json",
			"Accept-Language": "en-US",
		},
	},
}

// profileAt returns the header profile for the given rotation index.
func profileAt(idx int) headerProfile {
	return headerProfiles[idx%len(headerProfiles)]
}

// apply sets the profile's headers on the request, replacing any values
// already present for the same keys.
func (p headerProfile) apply(req *http.Request) {
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}
}
