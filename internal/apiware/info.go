package apiware

import (
	"net"
	"time"

	"github.com/keephost/keephost/internal/pipeline"
	"github.com/keephost/keephost/internal/scribe"
)

// info implements the `!` prefix: a compact `iot` form and the full `info`
// form, the latter gaining analytics/blacklist/login-history sections when
// the caller is authorized as "server" (spec.md §4.7 "!info/!iot").
func info(c *pipeline.Context, cfg Config, recipeName string, opts []string) error {
	if !requireMethod(c, "GET", "HEAD") {
		return pipeline.MethodNotAllowed("info recipes are read-only")
	}

	now := time.Now().UTC()
	if recipeName == "iot" {
		c.Payload = map[string]any{
			"ip":   c.RemoteIP,
			"time": now.Unix(),
			"iso":  now.Format(time.RFC3339),
		}
		return nil
	}

	payload := map[string]any{
		"ip": describeIP(c),
		"date": map[string]any{
			"unix": now.Unix(),
			"iso":  now.Format(time.RFC3339),
		},
	}

	if c.Authorize("server") {
		ip, page, user := scribe.AnalyticsSnapshot()
		probes, blacklist := scribe.BlacklistSnapshot()
		payload["statistics"] = map[string]any{
			"analytics": map[string]any{"ip": ip, "page": page, "user": user},
			"blacklist": map[string]any{"probes": probes, "ips": blacklist},
			"loginHistory": scribe.LoginHistorySnapshot(),
		}
	}

	c.Payload = payload
	return nil
}

// describeIP splits the request's remote address into raw/v4/v6/port form.
func describeIP(c *pipeline.Context) map[string]any {
	out := map[string]any{"raw": c.RemoteIP}
	if _, port, err := net.SplitHostPort(c.Req.RemoteAddr); err == nil {
		out["port"] = port
	}
	addr := net.ParseIP(c.RemoteIP)
	if addr == nil {
		return out
	}
	if v4 := addr.To4(); v4 != nil {
		out["v4"] = v4.String()
	} else {
		out["v6"] = addr.String()
	}
	return out
}
