package tokensvc

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"time"
)

const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Code is a generated passcode, minted by account/code or @grant (spec.md
// §4.2 GenCode).
type Code struct {
	Code string `json:"code"`
	IAT  int64  `json:"iat"`
	Exp  int64  `json:"exp"`
}

// GenCode returns a uniformly random string of size characters drawn from
// the first base letters of alphabet (base <= 36), plus its iat/exp pair in
// unix seconds, exp being a duration in seconds rather than an absolute
// time (spec.md §4.2: "exp (seconds)").
func GenCode(size, base int, expMin int) (Code, error) {
	if base < 2 || base > len(alphabet) {
		return Code{}, fmt.Errorf("tokensvc: base must be in [2,%d], got %d", len(alphabet), base)
	}
	if size <= 0 {
		return Code{}, fmt.Errorf("tokensvc: size must be positive, got %d", size)
	}

	buf := make([]byte, size)
	for i := range buf {
		n, err := randInt63(int64(base))
		if err != nil {
			return Code{}, fmt.Errorf("tokensvc: generate code: %w", err)
		}
		buf[i] = alphabet[n]
	}

	now := time.Now().Unix()
	return Code{
		Code: string(buf),
		IAT:  now,
		Exp:  int64(expMin) * 60,
	}, nil
}

// randInt63 returns a uniformly distributed value in [0, max) using
// crypto/rand, rejecting biased high draws by rereading on overflow. Short
// codes gate account access and so use a cryptographic source.
func randInt63(max int64) (int64, error) {
	if max <= 0 {
		return 0, fmt.Errorf("tokensvc: non-positive max")
	}
	var buf [8]byte
	limit := (int64(1)<<62 - 1) - (int64(1)<<62-1)%max
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, err
		}
		var v int64
		for _, b := range buf {
			v = v<<8 | int64(b)
		}
		v &= int64(1)<<62 - 1
		if v < limit {
			return v % max, nil
		}
	}
}

// CheckCode reports whether candidate matches challenge.Code and the code
// has not expired: now < iat+exp (spec.md §4.2 CheckCode).
func CheckCode(challenge Code, candidate string) bool {
	if challenge.Code == "" || candidate == "" {
		return false
	}
	if time.Now().Unix() >= challenge.IAT+challenge.Exp {
		return false
	}
	// Constant-time comparison, following the teacher's hashed-token
	// comparison idiom (internal/api/webhook_token.go) applied here to a
	// short code instead of a hashed webhook token.
	return subtle.ConstantTimeCompare([]byte(challenge.Code), []byte(candidate)) == 1
}
