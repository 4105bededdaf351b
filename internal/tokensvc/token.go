package tokensvc

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any signature, expiry, or shape failure.
var ErrInvalidToken = errors.New("tokensvc: invalid token")

// CreateToken mints a compact three-part signed token — header declaring
// HMAC-SHA256, payload augmented with iat, exp, and a renewal-eligibility
// flag, signature over header.payload — all URL-safe-base64 without
// padding (spec.md §4.2, §9 "Signed tokens"). payload is typically a
// user's public profile (domain.User.PublicProfile).
func CreateToken(payload map[string]any, secret string, expSec int, renewable bool) (string, error) {
	claims := jwt.MapClaims{}
	for k, v := range payload {
		claims[k] = v
	}
	now := time.Now()
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(time.Duration(expSec) * time.Second).Unix()
	claims["ext"] = renewable

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("tokensvc: sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken recomputes the signature, compares it constant-time (handled
// internally by golang-jwt), and rejects an expired token. Returns the
// payload map on success.
func VerifyToken(secret, raw string) (map[string]any, error) {
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrInvalidToken, t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid {
		return nil, ErrInvalidToken
	}
	return map[string]any(claims), nil
}

// Extract parses a token's header, payload, and signature without
// validating anything (spec.md §4.2 "Extract: parse only, no validation").
func Extract(raw string) (header, payload map[string]any, signature string, err error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	tok, _, err := parser.ParseUnverified(raw, claims)
	if err != nil {
		return nil, nil, "", fmt.Errorf("tokensvc: extract: %w", err)
	}
	parts := splitToken(raw)
	if len(parts) != 3 {
		return nil, nil, "", fmt.Errorf("tokensvc: extract: malformed token")
	}
	return tok.Header, map[string]any(claims), parts[2], nil
}

// splitToken breaks a compact JWT into its three dot-separated parts.
func splitToken(raw string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(raw); i++ {
		if raw[i] == '.' {
			parts = append(parts, raw[start:i])
			start = i + 1
		}
	}
	parts = append(parts, raw[start:])
	return parts
}

// ShouldRenew reports whether a token within renewal of its expiry should be
// reissued on this request (spec.md §4.7 "If authenticated via bearer and
// renewal is disabled ... reject"; this helper covers the positive case).
func ShouldRenew(payload map[string]any, renewal time.Duration) bool {
	renewable, _ := payload["ext"].(bool)
	if !renewable || renewal <= 0 {
		return false
	}
	expF, ok := toUnix(payload["exp"])
	if !ok {
		return false
	}
	return time.Until(time.Unix(expF, 0)) <= renewal
}

func toUnix(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case float64:
		return int64(t), true
	default:
		return 0, false
	}
}
