package nativeware

import (
	"net/http"
	"strings"

	"github.com/keephost/keephost/internal/pipeline"
	"github.com/keephost/keephost/internal/tokensvc"
)

// LoginConfig configures the login/logout routes (spec.md §4.6 "login").
type LoginConfig struct {
	Secret       string
	ExpSec       int
	AllowRenewal bool // whether a bearer-authenticated session may refresh its token at /login
}

// Login registers /login and /logout on router. Router.Authenticate must
// already run (SiteApp wires it ahead of NativeWare) so c.Authenticated and
// c.User are populated by the time these handlers run.
func Login(router *pipeline.Router, cfg LoginConfig) {
	router.Any("/logout", func(c *pipeline.Context) error {
		c.Payload = map[string]any{}
		return nil
	})

	router.Any("/login", func(c *pipeline.Context) error {
		if !c.Authenticated {
			return pipeline.Unauthorized("authentication required")
		}
		if isBearer(c.Req) && !cfg.AllowRenewal {
			return pipeline.Unauthorized("Token renewal requires login")
		}

		token, err := tokensvc.CreateToken(c.User, cfg.Secret, cfg.ExpSec, cfg.AllowRenewal)
		if err != nil {
			return pipeline.Internal("failed to mint token", err)
		}

		c.W.Header().Set("Authorization", "Bearer "+token)
		c.Payload = map[string]any{"token": token, "payload": c.User}
		return nil
	})
}

func isBearer(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ")
}
