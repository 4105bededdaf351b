package proxy

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/keephost/keephost/internal/scribe"
)

func TestResolveExactBeatsWildcard(t *testing.T) {
	p := &Proxy{exact: map[string]Backend{}, wildcard: map[string]Backend{}}
	p.addRoute("www.example.net", Backend{Addr: "127.0.0.1:9001"})
	p.addRoute("*.example.net", Backend{Addr: "127.0.0.1:9002"})

	b, ok := p.resolve("www.example.net:443")
	if !ok || b.Addr != "127.0.0.1:9001" {
		t.Fatalf("expected exact match to win, got %+v ok=%v", b, ok)
	}

	b, ok = p.resolve("foo.example.net")
	if !ok || b.Addr != "127.0.0.1:9002" {
		t.Fatalf("expected wildcard match, got %+v ok=%v", b, ok)
	}

	_, ok = p.resolve("unrelated.test")
	if ok {
		t.Fatalf("expected no match for unrelated host")
	}
}

func TestHandleForwardsToMatchedBackend(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Forwarded-Proto") == "" {
			t.Error("expected X-Forwarded-Proto header")
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("backend-ok"))
	}))
	defer backend.Close()

	addr := backend.Listener.Addr().(*net.TCPAddr)
	p := &Proxy{exact: map[string]Backend{"site.test": {Addr: addr.String()}}, wildcard: map[string]Backend{}}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Host = "site.test"
	p.handle(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from backend, got %d", w.Code)
	}
	if w.Body.String() != "backend-ok" {
		t.Errorf("expected backend body passed through, got %q", w.Body.String())
	}
}

func TestHandleMissClosesConnectionAndBlacklistsPublicIP(t *testing.T) {
	p := &Proxy{exact: map[string]Backend{}, wildcard: map[string]Backend{}}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Host = "unknown.test"
	r.RemoteAddr = "203.0.113.5:5555"
	p.handleMiss(w, r)

	if w.Code == http.StatusOK {
		t.Fatalf("expected a non-200 response for a routing miss")
	}
	if _, ips := scribe.BlacklistSnapshot(); ips["203.0.113.5"] == 0 {
		t.Errorf("expected the public probe IP to be blacklisted, got %v", ips)
	}
}

func TestIsPrivateNetwork(t *testing.T) {
	cases := map[string]bool{
		"10.1.2.3":     true,
		"192.168.1.1":  true,
		"172.16.0.5":   true,
		"127.0.0.1":    true,
		"169.254.1.1":  true,
		"8.8.8.8":      false,
		"203.0.113.10": false,
	}
	for ip, want := range cases {
		got := isPrivateNetwork(net.ParseIP(ip))
		if got != want {
			t.Errorf("isPrivateNetwork(%s) = %v, want %v", ip, got, want)
		}
	}
}

func TestStripPort(t *testing.T) {
	if got := stripPort("example.net:443"); got != "example.net" {
		t.Errorf("expected host without port, got %q", got)
	}
	if got := stripPort("example.net"); got != "example.net" {
		t.Errorf("expected bare host unchanged, got %q", got)
	}
}

func TestIsUpgrade(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Connection", "Upgrade")
	if !isUpgrade(r) {
		t.Error("expected upgrade request to be detected")
	}

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	if isUpgrade(r2) {
		t.Error("expected ordinary request to not be treated as upgrade")
	}
}

func TestRoutesSorted(t *testing.T) {
	p := &Proxy{exact: map[string]Backend{}, wildcard: map[string]Backend{}}
	p.addRoute("zeta.test", Backend{Addr: "a"})
	p.addRoute("alpha.test", Backend{Addr: "b"})
	p.addRoute("*.wild.test", Backend{Addr: "c"})

	routes := p.Routes()
	if len(routes) != 3 {
		t.Fatalf("expected 3 routes, got %v", routes)
	}
	if routes[0] != "alpha.test" {
		t.Errorf("expected sorted routes, got %v", routes)
	}
}
