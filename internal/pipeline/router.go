package pipeline

import (
	"errors"
	"net/http"
	"strings"

	"github.com/keephost/keephost/internal/scribe"
)

// AuthOutcome distinguishes "no credentials were presented" from "credentials
// were presented and rejected" so the pipeline can tell an anonymous request
// apart from a failed authentication attempt (spec.md §4.5 "reject"; §7
// "Authentication failure → 401"; invariant 9 / scenario S5's distinct
// "Account locked" response).
type AuthOutcome int

const (
	// AuthAbsent means the request carried no recognizable credentials; the
	// chain continues unauthenticated.
	AuthAbsent AuthOutcome = iota
	// AuthOK means the credentials were verified; Context.User/Authenticated
	// are populated.
	AuthOK
	// AuthFailed means credentials were presented but did not check out
	// (wrong password, inactive user, invalid bearer token).
	AuthFailed
	// AuthLocked means the account is in cooldown after repeated failures
	// (spec.md invariant 9) — reported distinctly from AuthFailed.
	AuthLocked
)

// AuthenticateFunc resolves an incoming request's credentials (spec.md
// §4.5 "Authentication step": Basic/Bearer parsing, user lookup, password
// or short-code check, bearer token verification). Router never does the
// lookup itself — SiteApp wires a concrete implementation backed by Store
// and TokenSvc.
type AuthenticateFunc func(r *http.Request) (user map[string]any, groups []string, outcome AuthOutcome)

// Router is the ordered, continuation-aware route chain described in
// spec.md §4.5 "Routing". Unlike chi's tree matcher, a Router walks its
// routes in registration order and lets a handler fall through to the
// next match by returning ErrContinue.
type Router struct {
	routes       []*Route
	Authenticate AuthenticateFunc
	Rewrites     []RewriteRule
}

// NewRouter returns an empty Router.
func NewRouter() *Router { return &Router{} }

// Handle registers a route. method is "any" or an HTTP verb; pattern is
// an Express-style path (":name", ":name?", ":name(regex)", "*").
func (rt *Router) Handle(method, pattern string, h HandlerFunc) error {
	route, err := NewRoute(method, pattern, h)
	if err != nil {
		return err
	}
	rt.routes = append(rt.routes, route)
	return nil
}

// MustHandle registers a route, panicking on a malformed pattern. Intended
// for call sites building a fixed route table at startup.
func (rt *Router) MustHandle(method, pattern string, h HandlerFunc) {
	if err := rt.Handle(method, pattern, h); err != nil {
		panic(err)
	}
}

func (rt *Router) Get(pattern string, h HandlerFunc)    { rt.MustHandle("get", pattern, h) }
func (rt *Router) Post(pattern string, h HandlerFunc)   { rt.MustHandle("post", pattern, h) }
func (rt *Router) Put(pattern string, h HandlerFunc)    { rt.MustHandle("put", pattern, h) }
func (rt *Router) Delete(pattern string, h HandlerFunc) { rt.MustHandle("delete", pattern, h) }
func (rt *Router) Any(pattern string, h HandlerFunc)    { rt.MustHandle("any", pattern, h) }

// ServeHTTP implements http.Handler. It builds the Context, applies rewrite
// rules, runs the authentication step, then walks routes in
// registration order until one produces a response or the chain is
// exhausted (404).
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c := New(w, r)
	defer c.cleanupBodyFiles()

	if rewritten, changed := applyRewrites(rt.Rewrites, c.Pathname); changed {
		scribe.FromContext(c.Context()).Debug("rewrote path", "from", c.Pathname, "to", rewritten)
		c.Pathname = rewritten
	}

	if rt.Authenticate != nil {
		user, groups, outcome := rt.Authenticate(r)
		switch outcome {
		case AuthOK:
			c.Authenticated = true
			c.User = user
			c.authorize = authorizer(groups)
		case AuthLocked:
			writeError(c, Unauthorized("Account locked"))
			return
		case AuthFailed:
			writeError(c, Unauthorized("authentication failed"))
			return
		}
	}

	for _, route := range rt.routes {
		params, ok := route.match(r.Method, c.Pathname)
		if !ok {
			continue
		}
		c.Params = params

		err := route.Handler(c)
		if err == nil {
			writeResponse(c)
			return
		}
		if errors.Is(err, ErrContinue) {
			continue
		}
		writeError(c, err)
		return
	}

	writeError(c, NotFound("no route matched "+c.Pathname))
}

// authorizer builds a Context.Authorize closure from a group list: admin
// is always authorized, otherwise at least one required group must be a
// member of groups (spec.md §4.5 "authorize(groups)").
func authorizer(groups []string) func(required ...string) bool {
	lower := make([]string, len(groups))
	isAdmin := false
	for i, g := range groups {
		lower[i] = strings.ToLower(g)
		if lower[i] == "admin" {
			isAdmin = true
		}
	}
	return func(required ...string) bool {
		if isAdmin {
			return true
		}
		for _, req := range required {
			rl := strings.ToLower(req)
			for _, g := range lower {
				if g == rl {
					return true
				}
			}
		}
		return false
	}
}
