package nativeware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/keephost/keephost/internal/pipeline"
)

func newLoginRouter(cfg LoginConfig, authenticated bool, user map[string]any, bearer bool) *pipeline.Router {
	rt := pipeline.NewRouter()
	rt.Authenticate = func(r *http.Request) (map[string]any, []string, pipeline.AuthOutcome) {
		if !authenticated {
			return nil, nil, pipeline.AuthAbsent
		}
		return user, nil, pipeline.AuthOK
	}
	Login(rt, cfg)
	return rt
}

func TestLogoutReturnsEmptyObject(t *testing.T) {
	rt := newLoginRouter(LoginConfig{}, false, nil, false)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/logout", nil)
	rt.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	json.Unmarshal(w.Body.Bytes(), &body)
	if len(body) != 0 {
		t.Errorf("expected empty object, got %v", body)
	}
}

func TestLoginRequiresAuthentication(t *testing.T) {
	rt := newLoginRouter(LoginConfig{Secret: "s", ExpSec: 3600}, false, nil, false)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/login", nil)
	rt.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestLoginMintsFreshToken(t *testing.T) {
	rt := newLoginRouter(LoginConfig{Secret: "s", ExpSec: 3600, AllowRenewal: true}, true,
		map[string]any{"username": "ada"}, false)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/login", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rt.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Header().Get("Authorization") == "" {
		t.Errorf("expected Authorization response header to be set")
	}
	var body map[string]any
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["token"] == "" || body["token"] == nil {
		t.Errorf("expected a token in the response, got %v", body)
	}
}

func TestLoginRejectsBearerRenewalWhenDisabled(t *testing.T) {
	rt := newLoginRouter(LoginConfig{Secret: "s", ExpSec: 3600, AllowRenewal: false}, true,
		map[string]any{"username": "ada"}, true)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/login", nil)
	r.Header.Set("Authorization", "Bearer sometoken")
	rt.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}
