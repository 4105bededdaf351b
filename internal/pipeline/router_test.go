package pipeline

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRouterDispatchesFirstMatch(t *testing.T) {
	rt := NewRouter()
	rt.Get("/hello", func(c *Context) error {
		c.Payload = map[string]string{"msg": "hi"}
		return nil
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/hello", nil)
	rt.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["msg"] != "hi" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestRouterFallsThroughOnContinue(t *testing.T) {
	rt := NewRouter()
	first := false
	rt.Get("/x", func(c *Context) error {
		first = true
		return ErrContinue
	})
	rt.Get("/x", func(c *Context) error {
		c.Payload = "second"
		return nil
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	rt.ServeHTTP(w, r)

	if !first {
		t.Fatalf("expected first handler to run")
	}
	var body string
	json.Unmarshal(w.Body.Bytes(), &body)
	if body != "second" {
		t.Errorf("expected fallthrough to second handler, got %v", body)
	}
}

func TestRouterReturns404OnExhaustion(t *testing.T) {
	rt := NewRouter()
	rt.Get("/only", func(c *Context) error { return nil })

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/missing", nil)
	rt.ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestRouterPropagatesHandlerError(t *testing.T) {
	rt := NewRouter()
	rt.Get("/boom", func(c *Context) error {
		return Forbidden("nope")
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/boom", nil)
	rt.ServeHTTP(w, r)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestRouterAuthenticationPopulatesContext(t *testing.T) {
	rt := NewRouter()
	rt.Authenticate = func(r *http.Request) (map[string]any, []string, AuthOutcome) {
		return map[string]any{"username": "ada"}, []string{"editors"}, AuthOK
	}
	var sawAuth bool
	var sawAuthorize bool
	rt.Get("/secure", func(c *Context) error {
		sawAuth = c.Authenticated
		sawAuthorize = c.Authorize("editors")
		c.StatusOnly = http.StatusNoContent
		return nil
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/secure", nil)
	rt.ServeHTTP(w, r)

	if !sawAuth {
		t.Errorf("expected Authenticated to be true")
	}
	if !sawAuthorize {
		t.Errorf("expected Authorize(\"editors\") to be true")
	}
}

func TestRouterAuthenticationFailedShortCircuitsWithUnauthorized(t *testing.T) {
	rt := NewRouter()
	rt.Authenticate = func(r *http.Request) (map[string]any, []string, AuthOutcome) {
		return nil, nil, AuthFailed
	}
	var reached bool
	rt.Get("/open", func(c *Context) error {
		reached = true
		c.StatusOnly = http.StatusNoContent
		return nil
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/open", nil)
	rt.ServeHTTP(w, r)

	if reached {
		t.Error("expected the route handler to never run after a failed authentication")
	}
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRouterAuthenticationLockedReportsDistinctMessage(t *testing.T) {
	rt := NewRouter()
	rt.Authenticate = func(r *http.Request) (map[string]any, []string, AuthOutcome) {
		return nil, nil, AuthLocked
	}
	rt.Get("/open", func(c *Context) error {
		c.StatusOnly = http.StatusNoContent
		return nil
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/open", nil)
	rt.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Account locked") {
		t.Errorf("expected body to mention Account locked, got %q", w.Body.String())
	}
}

func TestRouterAuthenticationAbsentContinuesUnauthenticated(t *testing.T) {
	rt := NewRouter()
	rt.Authenticate = func(r *http.Request) (map[string]any, []string, AuthOutcome) {
		return nil, nil, AuthAbsent
	}
	var sawAuth bool
	rt.Get("/open", func(c *Context) error {
		sawAuth = c.Authenticated
		c.StatusOnly = http.StatusNoContent
		return nil
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/open", nil)
	rt.ServeHTTP(w, r)

	if sawAuth {
		t.Error("expected Authenticated to stay false for an absent-credentials outcome")
	}
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected the route to run and return 204, got %d", w.Code)
	}
}

func TestRouterGetMatchesHead(t *testing.T) {
	rt := NewRouter()
	rt.Get("/page", func(c *Context) error {
		c.Payload = "content"
		return nil
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodHead, "/page", nil)
	rt.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("expected empty body for HEAD, got %q", w.Body.String())
	}
}

func TestRouterAppliesRewriteBeforeMatching(t *testing.T) {
	rule, err := NewRewriteRule("^/old(/.*)?$", "/new$1")
	if err != nil {
		t.Fatalf("NewRewriteRule: %v", err)
	}
	rt := NewRouter()
	rt.Rewrites = []RewriteRule{rule}
	rt.Get("/new/thing", func(c *Context) error {
		c.Payload = "rewritten"
		return nil
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/old/thing", nil)
	rt.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
