package scribe

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Analytics namespaces per spec.md §4.6 logAnalytics: ip, page, user.
var (
	analyticsMu sync.Mutex
	analyticsIP   = map[string]int{}
	analyticsPage = map[string]int{}
	analyticsUser = map[string]int{}

	analyticsVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keephost_requests_total",
		Help: "Requests observed by logAnalytics, labelled by dimension and key.",
	}, []string{"dimension", "key"})
)

func init() {
	prometheus.MustRegister(analyticsVec)
}

// BumpAnalytics increments the ip/page/user counters for one request.
func BumpAnalytics(ip, page, user string) {
	analyticsMu.Lock()
	defer analyticsMu.Unlock()
	analyticsIP[ip]++
	analyticsPage[page]++
	analyticsVec.WithLabelValues("ip", ip).Inc()
	analyticsVec.WithLabelValues("page", page).Inc()
	if user != "" {
		analyticsUser[user]++
		analyticsVec.WithLabelValues("user", user).Inc()
	}
}

// AnalyticsSnapshot returns copies of the three counter maps, safe for the
// caller to retain (spec invariant 1's deep-copy discipline applied to
// process-wide state as well as the store).
func AnalyticsSnapshot() (ip, page, user map[string]int) {
	analyticsMu.Lock()
	defer analyticsMu.Unlock()
	return cloneCounts(analyticsIP), cloneCounts(analyticsPage), cloneCounts(analyticsUser)
}

func cloneCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Blacklist counters — incremented by the Proxy on an unmatched Host header
// from a non-private-network client (spec.md §4.9).
var (
	blacklistMu sync.Mutex
	blacklist   = map[string]int{}
	probes      int

	proxyVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keephost_proxy_events_total",
		Help: "Proxy-level events, labelled by kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(proxyVec)
}

// BumpBlacklist records an unmatched-Host probe from the given IP.
func BumpBlacklist(ip string) {
	blacklistMu.Lock()
	defer blacklistMu.Unlock()
	blacklist[ip]++
	probes++
	proxyVec.WithLabelValues("probe").Inc()
}

// BumpServed records a successfully routed proxy connection.
func BumpServed() { proxyVec.WithLabelValues("served").Inc() }

// BumpProxyError records an upstream proxy failure.
func BumpProxyError() { proxyVec.WithLabelValues("error").Inc() }

// BlacklistSnapshot returns the probe count and a copy of the per-IP map.
func BlacklistSnapshot() (int, map[string]int) {
	blacklistMu.Lock()
	defer blacklistMu.Unlock()
	return probes, cloneCounts(blacklist)
}

// LoginEvent is one entry in the login history ring used by the !info
// endpoint when the caller is authorized as "server".
type LoginEvent struct {
	User string `json:"user"`
	Kind string `json:"kind"`
	At   int64  `json:"at"`
}

var (
	loginHistMu sync.Mutex
	loginHist   []LoginEvent
)

const loginHistCap = 500

// RecordLogin appends a login attempt to the bounded history ring.
func RecordLogin(ev LoginEvent) {
	loginHistMu.Lock()
	defer loginHistMu.Unlock()
	loginHist = append(loginHist, ev)
	if len(loginHist) > loginHistCap {
		loginHist = loginHist[len(loginHist)-loginHistCap:]
	}
}

// LoginHistorySnapshot returns a copy of the login history ring.
func LoginHistorySnapshot() []LoginEvent {
	loginHistMu.Lock()
	defer loginHistMu.Unlock()
	out := make([]LoginEvent, len(loginHist))
	copy(out, loginHist)
	return out
}
