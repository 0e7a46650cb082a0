package token

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	sperr "github.com/StorePort/storeport-auth/pkg/errors"
)

// maxTokenSize is the maximum accepted size for a raw token string (8 KB).
// Tokens larger than this are rejected to prevent resource exhaustion.
const maxTokenSize = 8192

// supportedAlgorithm is the only signing algorithm session tokens may carry.
// Any other "alg" header value, including "none", is rejected before the
// signature pass runs.
const supportedAlgorithm = "HS256"

// tokenHeader is the decoded first segment of a session token.
type tokenHeader struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ,omitempty"`
}

// decodedToken holds the structurally parsed segments of a session token
// before signature verification. Nothing in it is trusted for authorization
// decisions; it exists so malformed input is rejected early with a precise
// error and so the claim set is decoded exactly once.
type decodedToken struct {
	header  tokenHeader
	claims  map[string]any
	payload SessionTokenPayload
}

// decodeToken splits a raw token into its three segments, base64url-decodes
// the header and payload as JSON, and checks the signing algorithm. The
// caller rejects empty and oversized input before the fingerprint is
// computed; an empty string still fails here on segment count.
func decodeToken(raw string) (*decodedToken, *sperr.Error) {
	segments := strings.Split(raw, ".")
	if len(segments) != 3 {
		return nil, sperr.New(sperr.CodeTokenMalformedStructure, "token: token must have exactly three segments").
			WithDetail("segments", len(segments))
	}
	for _, segment := range segments {
		if segment == "" {
			return nil, sperr.New(sperr.CodeTokenMalformedStructure, "token: token segments must not be empty")
		}
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(segments[0])
	if err != nil {
		return nil, sperr.Wrap(err, sperr.CodeTokenMalformedEncoding, "token: header segment is not valid base64url")
	}
	var header tokenHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, sperr.Wrap(err, sperr.CodeTokenMalformedEncoding, "token: header segment is not valid JSON")
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(segments[1])
	if err != nil {
		return nil, sperr.Wrap(err, sperr.CodeTokenMalformedEncoding, "token: payload segment is not valid base64url")
	}
	claims := make(map[string]any)
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return nil, sperr.Wrap(err, sperr.CodeTokenMalformedEncoding, "token: payload segment is not valid JSON")
	}

	if header.Algorithm != supportedAlgorithm {
		return nil, sperr.New(sperr.CodeTokenUnsupportedAlgorithm, "token: only HS256 session tokens are accepted").
			WithDetail("algorithm", header.Algorithm)
	}

	return &decodedToken{
		header:  header,
		claims:  claims,
		payload: payloadFromClaims(claims),
	}, nil
}

// InspectPayload structurally decodes a token's payload segment without
// verifying its signature. Nothing in the returned payload is trusted for
// authorization decisions; it exists for recovery and diagnostic flows that
// need claim values from a token whose signature has already been checked
// elsewhere. Returns a *[sperr.Error] with a TOKEN_xxx code when the token
// cannot be decoded.
func InspectPayload(raw string) (*SessionTokenPayload, error) {
	decoded, err := decodeToken(raw)
	if err != nil {
		return nil, err
	}
	payload := decoded.payload
	return &payload, nil
}

// payloadFromClaims maps a decoded claim set onto a SessionTokenPayload.
// Absent or mistyped claims map to zero values; presence is enforced by
// SessionTokenPayload.missingFields after the signature pass.
func payloadFromClaims(claims map[string]any) SessionTokenPayload {
	return SessionTokenPayload{
		Issuer:      claimString(claims, "iss"),
		Destination: claimString(claims, "dest"),
		Audience:    claimString(claims, "aud"),
		Subject:     claimString(claims, "sub"),
		ExpiresAt:   claimUnix(claims, "exp"),
		NotBefore:   claimUnix(claims, "nbf"),
		IssuedAt:    claimUnix(claims, "iat"),
		TokenID:     claimString(claims, "jti"),
		SessionID:   claimString(claims, "sid"),
	}
}

// claimString reads a string claim; non-string values read as absent.
func claimString(claims map[string]any, name string) string {
	s, _ := claims[name].(string)
	return s
}

// claimUnix reads a numeric claim as Unix seconds. encoding/json decodes
// numbers as float64; json.Number and int64 cover claim sets constructed
// in-process.
func claimUnix(claims map[string]any, name string) int64 {
	switch v := claims[name].(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return n
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}
