package pipeline

import (
	"encoding/json"
	"net/http"

	"github.com/keephost/keephost/internal/scribe"
)

// TypedResponse lets a handler bypass the JSON envelope entirely — static
// content, proxied bytes, anything with its own Content-Type and body
// (spec.md §4.5 "typed response bypasses JSON serialization").
type TypedResponse struct {
	ContentType string
	Status      int
	Body        []byte
	Headers     map[string]string
}

// writeResponse serializes whatever the matched handler left on c.
func writeResponse(c *Context) {
	if c.Written {
		return
	}
	head := isHeadRequest(c.Req)

	switch {
	case c.Typed != nil:
		for k, v := range c.Typed.Headers {
			c.W.Header().Set(k, v)
		}
		if c.Typed.ContentType != "" {
			c.W.Header().Set("Content-Type", c.Typed.ContentType)
		}
		status := c.Typed.Status
		if status == 0 {
			status = http.StatusOK
		}
		c.W.WriteHeader(status)
		if !head {
			c.W.Write(c.Typed.Body)
		}
		return

	case c.StatusOnly != 0:
		c.W.WriteHeader(c.StatusOnly)
		return

	default:
		writeJSONPayload(c, http.StatusOK, c.Payload, head)
	}
}

// writeError funnels any route/middleware error into the canonical JSON
// envelope (spec.md §6 "Error envelope"), or a bare status for
// StatusOnly-kind errors (redirects, 304s).
func writeError(c *Context, err error) {
	pe := AsError(err)
	if pe.Kind == KindHTTPStatus {
		c.W.WriteHeader(pe.Code)
		return
	}
	if pe.Kind == KindInternal {
		scribe.FromContext(c.Context()).Error("pipeline: internal error", "msg", pe.Msg, "cause", pe.Cause, "path", c.Pathname)
	}

	env := envelope{Error: true, Code: pe.Code, Msg: pe.Msg, Detail: pe.Detail}
	writeJSONPayload(c, pe.Code, env, isHeadRequest(c.Req))
}

// writeJSONPayload writes v as the JSON body, optionally widened with a
// debug block when the request's trailing-"!" flag was set (spec.md §4.5
// "debug flag triggers full-context serialization").
func writeJSONPayload(c *Context, status int, v any, headOnly bool) {
	c.W.Header().Set("Content-Type", "application/json; charset=utf-8")
	c.W.WriteHeader(status)
	if headOnly {
		return
	}

	out := v
	if c.Debug {
		out = map[string]any{
			"body": v,
			"_debug": map[string]any{
				"host":          c.Host,
				"hostname":      c.Hostname,
				"pathname":      c.Pathname,
				"query":         c.Query,
				"params":        c.Params,
				"remoteIP":      c.RemoteIP,
				"authenticated": c.Authenticated,
			},
		}
	}

	enc := json.NewEncoder(c.W)
	if err := enc.Encode(out); err != nil {
		scribe.FromContext(c.Context()).Error("pipeline: encode response", "error", err)
	}
}
