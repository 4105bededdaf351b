// Package nativeware implements keephost's built-in middlewares: analytics,
// CORS, login/logout, account management, and static content (spec.md
// §4.6). Each is a pipeline.HandlerFunc-returning constructor so SiteApp
// can wire them into a pipeline.Router alongside ApiWare and custom
// handlers.
package nativeware

import (
	"github.com/keephost/keephost/internal/pipeline"
	"github.com/keephost/keephost/internal/scribe"
)

// LogAnalytics increments the ip/page/user counters for every request and
// always continues the chain (spec.md §4.6 "logAnalytics").
func LogAnalytics() pipeline.HandlerFunc {
	return func(c *pipeline.Context) error {
		user := ""
		if c.Authenticated {
			if u, ok := c.User["username"].(string); ok {
				user = u
			}
		}
		scribe.BumpAnalytics(c.RemoteIP, c.Pathname, user)
		return pipeline.ErrContinue
	}
}
