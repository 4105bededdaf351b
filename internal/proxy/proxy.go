// Package proxy implements keephost's front-end TCP listeners: plain HTTP
// and SNI-terminated HTTPS, Host-header routing to backend SiteApps,
// WebSocket passthrough, and blacklist/served/error counters (spec.md
// §4.9). The teacher has no direct analogue (ratd has no reverse-proxy
// layer); the SNI cert-bundle and hijack-and-splice shapes are grounded on
// juju-juju's apiserver.Server (other_examples).
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"sort"
	"strings"
	"time"

	"github.com/keephost/keephost/internal/scribe"
)

// Backend is one routable destination: the host:port a matched request is
// forwarded to.
type Backend struct {
	Addr string
}

// Proxy is one front-end listener (spec.md §4.9 "each proxy has its own TCP
// port"). Route resolves a Host header to a Backend; an empty, false
// result is a miss.
type Proxy struct {
	Port    int
	TLS     bool
	Verbose bool

	exact    map[string]Backend
	wildcard map[string]Backend // suffix (without leading "*.") -> backend

	bundle *tlsBundle
	srv    *http.Server
}

// New builds a Proxy for port, optionally TLS-terminating with the
// cert/key at certPath/keyPath. sites maps a configured host or "*.suffix"
// alias to its backend address.
func New(port int, useTLS bool, certPath, keyPath string, sites map[string]string, verbose bool) (*Proxy, error) {
	p := &Proxy{
		Port: port, TLS: useTLS, Verbose: verbose,
		exact: map[string]Backend{}, wildcard: map[string]Backend{},
	}
	for host, addr := range sites {
		p.addRoute(host, Backend{Addr: addr})
	}

	if useTLS {
		bundle, err := newTLSBundle(certPath, keyPath)
		if err != nil {
			return nil, err
		}
		p.bundle = bundle
	}
	return p, nil
}

func (p *Proxy) addRoute(host string, b Backend) {
	if strings.HasPrefix(host, "*.") {
		p.wildcard[strings.TrimPrefix(host, "*.")] = b
		return
	}
	p.exact[host] = b
}

// resolve implements spec.md §4.9 "Routing": exact match first, then
// wildcard *.suffix (one-label-less) — invariant 14.
func (p *Proxy) resolve(host string) (Backend, bool) {
	host = stripPort(host)
	if b, ok := p.exact[host]; ok {
		return b, true
	}
	if idx := strings.IndexByte(host, '.'); idx >= 0 {
		if b, ok := p.wildcard[host[idx+1:]]; ok {
			return b, true
		}
	}
	return Backend{}, false
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// ListenAndServe starts the listener, blocking until it returns an error.
func (p *Proxy) ListenAndServe() error {
	mux := http.HandlerFunc(p.handle)
	p.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", p.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if !p.TLS {
		return p.srv.ListenAndServe()
	}
	p.srv.TLSConfig = &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: p.bundle.GetCertificate,
	}
	return p.srv.ListenAndServeTLS("", "")
}

// Shutdown gracefully stops the listener and the TLS watcher, if any.
func (p *Proxy) Shutdown(ctx context.Context) error {
	var err error
	if p.srv != nil {
		err = p.srv.Shutdown(ctx)
	}
	if p.bundle != nil {
		if cerr := p.bundle.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (p *Proxy) handle(w http.ResponseWriter, r *http.Request) {
	backend, ok := p.resolve(r.Host)
	if !ok {
		p.handleMiss(w, r)
		return
	}
	scribe.BumpServed()

	r.Header.Set("X-Forwarded-Host", r.Host)
	r.Header.Set("X-Forwarded-Proto", forwardedProto(p.TLS))
	if ip := stripPort(r.RemoteAddr); ip != "" {
		r.Header.Set("X-Forwarded-For", appendForwardedFor(r.Header.Get("X-Forwarded-For"), ip))
	}

	if isUpgrade(r) {
		if err := hijackAndSplice(w, r, backend.Addr); err != nil {
			scribe.BumpProxyError()
			scribe.Logger().Error("proxy: websocket upgrade failed", "error", err, "backend", backend.Addr)
		}
		return
	}

	p.reverseProxy(backend).ServeHTTP(w, r)
}

func (p *Proxy) reverseProxy(backend Backend) *httputil.ReverseProxy {
	rp := &httputil.ReverseProxy{
		Director: func(r *http.Request) {
			r.URL.Scheme = "http"
			r.URL.Host = backend.Addr
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			scribe.BumpProxyError()
			scribe.Logger().Error("proxy: upstream failure", "error", err, "backend", backend.Addr)
			writeUpstreamError(w, err)
		},
	}
	return rp
}

// writeUpstreamError emits the canonical error envelope (spec.md §6, §7
// "Upstream failure ... 500 with detail").
func writeUpstreamError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	detail := "upstream unavailable"
	if err != nil {
		detail = err.Error()
	}
	fmt.Fprintf(w, `{"error":true,"code":500,"msg":"upstream failure","detail":%q}`, detail)
}

// handleMiss implements spec.md §4.9 "Miss behavior": a probe from outside
// RFC1918/loopback/link-local space (or any probe when verbose is set)
// counts into the blacklist; the connection is closed either way (invariant
// 14 "no match closes the connection").
func (p *Proxy) handleMiss(w http.ResponseWriter, r *http.Request) {
	ip := net.ParseIP(stripPort(r.RemoteAddr))
	if p.Verbose || !isPrivateNetwork(ip) {
		scribe.BumpBlacklist(stripPort(r.RemoteAddr))
		scribe.Logger().Warn("proxy: unmatched host probe", "host", r.Host, "remote", r.RemoteAddr, "error", ErrNoRoute)
	}
	if hj, ok := w.(http.Hijacker); ok {
		if conn, _, err := hj.Hijack(); err == nil {
			conn.Close()
			return
		}
	}
	w.WriteHeader(http.StatusMisdirectedRequest)
}

var privateBlocks = buildPrivateBlocks()

func buildPrivateBlocks() []*net.IPNet {
	cidrs := []string{
		"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16",
		"127.0.0.0/8", "169.254.0.0/16",
		"::1/128", "fc00::/7", "fe80::/10",
	}
	blocks := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err == nil {
			blocks = append(blocks, n)
		}
	}
	return blocks
}

// isPrivateNetwork reports whether ip falls in RFC1918, loopback, or
// link-local space (spec.md §4.9 "client IP is not in the RFC1918/loopback/
// link-local set").
func isPrivateNetwork(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, b := range privateBlocks {
		if b.Contains(ip) {
			return true
		}
	}
	return false
}

func forwardedProto(useTLS bool) string {
	if useTLS {
		return "https"
	}
	return "http"
}

func appendForwardedFor(existing, ip string) string {
	if existing == "" {
		return ip
	}
	return existing + ", " + ip
}

// ErrNoRoute is returned by tooling that wants to distinguish a routing
// miss from any other error without depending on the exact log text.
var ErrNoRoute = errors.New("proxy: no backend for host")

// Routes returns the proxy's configured hostnames in sorted order, for
// diagnostics and tests.
func (p *Proxy) Routes() []string {
	out := make([]string, 0, len(p.exact)+len(p.wildcard))
	for h := range p.exact {
		out = append(out, h)
	}
	for s := range p.wildcard {
		out = append(out, "*."+s)
	}
	sort.Strings(out)
	return out
}
