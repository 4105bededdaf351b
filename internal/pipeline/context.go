// Package pipeline implements keephost's per-request execution chain:
// context construction, authentication, route matching with
// continuation-style fallthrough, response serialization, and the error
// funnel (spec.md §4.5). SiteApp mounts one Pipeline per site; NativeWare
// and ApiWare are registered into it as routes.
//
// The surrounding concerns (structured JSON error envelope shape, security
// header posture) follow the teacher's internal/api/router.go; the
// matcher/chain itself is original to this package because chi's tree
// router has no continuation concept (see DESIGN.md).
package pipeline

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/keephost/keephost/internal/bodyparse"
)

// Context is the per-request scope threaded through every route handler.
// One Context is created per request and discarded after the response.
type Context struct {
	Req *http.Request
	W   http.ResponseWriter

	Origin   string
	Host     string
	Hostname string
	Port     string
	Pathname string
	Search   string
	Query    url.Values

	Debug    bool
	RemoteIP string

	Authenticated bool
	User          map[string]any // public profile only — never credentials
	authorize     func(groups ...string) bool

	Params map[string]string

	// Set by a route handler to produce the response.
	Payload    any
	Typed      *TypedResponse
	StatusOnly int  // non-zero means "write this status, no body"
	Written    bool // handler already wrote status/body itself (streaming)
	Err        error

	ctx context.Context

	bodyOnce    sync.Once
	bodyResult  bodyparse.Result
	bodyErr     error
	bodyClaimed bool
}

// ParseBody reads and parses the request body per lim, caching the result
// so multiple handlers in the chain can call it cheaply (spec.md §4.4 —
// BodyParse is dispatched once per request). The underlying reader is
// consumed on the first call; later calls with different limits still see
// the first call's result.
func (c *Context) ParseBody(lim bodyparse.Limits) (bodyparse.Result, error) {
	c.bodyOnce.Do(func() {
		c.bodyResult, c.bodyErr = bodyparse.Parse(c.Req, lim)
	})
	return c.bodyResult, c.bodyErr
}

// ClaimFiles marks any temp files produced by ParseBody as owned by the
// handler (e.g. moved into the content tree), so the router won't remove
// them once the response is written (spec.md §4.4 "the pipeline is
// responsible for moving or removing them").
func (c *Context) ClaimFiles() { c.bodyClaimed = true }

// cleanupBodyFiles removes any unclaimed temp files produced by ParseBody.
// Called by Router after every request, success or failure.
func (c *Context) cleanupBodyFiles() {
	if c.bodyClaimed {
		return
	}
	for _, f := range c.bodyResult.Files {
		os.Remove(f.TempFile)
	}
}

// New constructs a Context from an incoming request (spec.md §4.5 "Context
// construction").
func New(w http.ResponseWriter, r *http.Request) *Context {
	c := &Context{Req: r, W: w, ctx: r.Context(), authorize: denyAll}

	path := r.URL.Path
	if strings.HasSuffix(path, "!") {
		c.Debug = true
		path = strings.TrimSuffix(path, "!")
	}
	c.Pathname = path
	c.Search = r.URL.RawQuery
	c.Query = r.URL.Query()

	host := r.Host
	hostname, port := splitHostPort(host)
	c.Host = host
	c.Hostname = hostname
	c.Port = port

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	c.Origin = scheme + "://" + host

	c.RemoteIP = remoteIP(r)
	return c
}

// Context returns the request's context.Context, for passing to blocking
// calls (store queries, outbound mail/sms, hashing).
func (c *Context) Context() context.Context { return c.ctx }

// Authorize reports whether the authenticated user belongs to any of the
// given groups, or is admin (spec.md §4.5 "authorize(groups) = user.member
// ∩ allowed ≠ ∅ OR user.member ∋ admin"). Always false when unauthenticated.
func (c *Context) Authorize(groups ...string) bool { return c.authorize(groups...) }

func denyAll(groups ...string) bool { return false }

// remoteIP prefers X-Forwarded-For, falling back to the transport address
// (spec.md §4.5 "remote.ip is taken from X-Forwarded-For if present, else
// the transport address").
func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func splitHostPort(host string) (hostname, port string) {
	h, p, err := net.SplitHostPort(host)
	if err != nil {
		return host, ""
	}
	return h, p
}
