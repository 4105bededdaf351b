// Package tokensvc implements password hashing, short codes, signed session
// tokens, and login-attempt throttling (spec.md §4.2). Hashing is grounded
// on golang.org/x/crypto/bcrypt as used directly by sylvester-francis-Watchdog;
// tokens follow Mindburn-Labs-helm's direct github.com/golang-jwt/jwt/v5 use.
package tokensvc

import "golang.org/x/crypto/bcrypt"

// DefaultCost is bcrypt's work factor when callers don't override it.
const DefaultCost = 11

// CreatePW hashes a plaintext password at the given bcrypt cost. A cost of
// zero or below bcrypt.MinCost falls back to DefaultCost.
func CreatePW(password string, cost int) (string, error) {
	if cost < bcrypt.MinCost {
		cost = DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPW reports whether password matches the stored bcrypt hash.
func CheckPW(hash, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
