// Package apiware implements keephost's recipe dispatcher: a single
// middleware bound to a Store that extracts a prefix (`$`, `@`, `!`), a
// recipe name, and trailing positional opts from the path, then routes to
// the data/actions/info handler for that prefix (spec.md §4.7).
package apiware

import (
	"strings"

	"github.com/keephost/keephost/internal/bodyparse"
	"github.com/keephost/keephost/internal/notify"
	"github.com/keephost/keephost/internal/pipeline"
	"github.com/keephost/keephost/internal/store"
)

// Config configures the apiware middleware.
type Config struct {
	Store *store.Store

	Mailer notify.Mailer
	SMS    notify.SMSSender
	From   string

	CodeSize   int
	CodeBase   int
	CodeExpMin int // clamped to maxGrantExpMin by actionGrant

	BodyLimits bodyparse.Limits
}

// maxGrantExpMin is @grant's expiration ceiling: 7 days (spec.md §4.7
// "Expiration clamped to 7 days").
const maxGrantExpMin = 7 * 24 * 60

// Register mounts the dispatcher on router at pattern, which must capture a
// leading `:head` segment (prefix+recipe, e.g. "$userList") followed by a
// `*` splat for positional opts.
func Register(router *pipeline.Router, pattern string, cfg Config) {
	router.Any(pattern, func(c *pipeline.Context) error { return dispatch(c, cfg) })
}

func dispatch(c *pipeline.Context, cfg Config) error {
	head := c.Params["head"]
	if len(head) < 2 {
		return pipeline.NotFound("malformed apiware path")
	}
	prefix, recipeName := head[:1], head[1:]
	opts := splitOpts(c.Params["splat"])

	switch prefix {
	case "$":
		return data(c, cfg, recipeName, opts)
	case "@":
		return actions(c, cfg, recipeName, opts)
	case "!":
		return info(c, cfg, recipeName, opts)
	default:
		return pipeline.NotImplemented("unrecognized apiware prefix " + prefix)
	}
}

// splitOpts turns a "/"-joined splat capture into its non-empty segments.
func splitOpts(splat string) []string {
	if splat == "" {
		return nil
	}
	parts := strings.Split(splat, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func requireMethod(c *pipeline.Context, methods ...string) bool {
	for _, m := range methods {
		if strings.EqualFold(c.Req.Method, m) {
			return true
		}
	}
	return false
}
