package apiware

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/keephost/keephost/internal/domain"
	"github.com/keephost/keephost/internal/store"
)

// lookupUser resolves a normalized username to its domain.User record via
// the "users" recipe, mirroring nativeware's own lookupUser (not shared
// across packages since each owns its recipe wiring).
func lookupUser(cfg Config, recipe store.Recipe, username string) (domain.User, error) {
	raw := cfg.Store.Query(recipe, map[string]any{"username": username})
	b, err := json.Marshal(raw)
	if err != nil {
		return domain.User{}, err
	}
	var u domain.User
	if err := json.Unmarshal(b, &u); err != nil {
		return domain.User{}, err
	}
	if u.Username == "" {
		return domain.User{}, fmt.Errorf("apiware: user %q not found", username)
	}
	return u, nil
}

// resolveContacts translates a mixed list of usernames and raw addresses
// into addresses, by looking up any entry that doesn't already look like an
// address in the users collection (spec.md §4.7 "translate usernames in
// to/cc/bcc/from via the users collection").
func resolveContacts(cfg Config, recipe store.Recipe, names []string, field string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if looksLikeAddress(n, field) {
			out = append(out, n)
			continue
		}
		user, err := lookupUser(cfg, recipe, domain.NormalizeUsername(n))
		if err != nil {
			continue
		}
		switch field {
		case "email":
			if user.Email != "" {
				out = append(out, user.Email)
			}
		case "phone":
			if user.Phone != "" {
				out = append(out, user.Phone)
			}
		}
	}
	return out
}

func looksLikeAddress(s, field string) bool {
	if field == "email" {
		return strings.Contains(s, "@")
	}
	if strings.HasPrefix(s, "+") {
		return true
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
