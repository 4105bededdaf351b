// Package siteapp assembles one hosted site's route table and HTTP
// listener: analytics, cors, (if enabled) login/account, the site's
// configured handlers, and a default content fallback (spec.md §4.8). Each
// SiteApp wraps a pipeline.Router in a chi.Router used only as the
// outermost mux — request-ID/real-IP/recoverer/access-log run ahead of a
// single catch-all handoff to the Pipeline, mirroring the teacher's split
// between chi-level cross-cutting middleware and handler-level logic
// (internal/api/router.go's NewRouter).
package siteapp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keephost/keephost/internal/apiware"
	"github.com/keephost/keephost/internal/bodyparse"
	"github.com/keephost/keephost/internal/cache"
	"github.com/keephost/keephost/internal/config"
	"github.com/keephost/keephost/internal/domain"
	"github.com/keephost/keephost/internal/nativeware"
	"github.com/keephost/keephost/internal/notify"
	"github.com/keephost/keephost/internal/pipeline"
	"github.com/keephost/keephost/internal/scribe"
	"github.com/keephost/keephost/internal/store"
	"github.com/keephost/keephost/internal/tokensvc"
)

// Shared is constructed once and handed to every SiteApp: named database
// connections and default headers that a site's own configuration is
// merged on top of (spec.md §4.8 "Merges shared + site databases, site
// headers over shared headers"), plus the outbound notify collaborators.
type Shared struct {
	Databases map[string]*store.Store
	Headers   map[string]string
	Mailer    notify.Mailer
	SMS       notify.SMSSender
	MailFrom  string
	SMSFrom   string
	TempDir   string

	// Custom holds named middlewares a site's handler list may reference by
	// code, beyond the built-in "content"/"api" (spec.md §4.8 "a custom
	// middleware by code name"). Populated by the process entry point.
	Custom map[string]pipeline.HandlerFunc
}

// NewShared loads every named database into a live, watched Store and
// applies safe defaults for the notify collaborators.
func NewShared(ctx context.Context, dbCfgs map[string]config.DatabaseConfig, mailer notify.Mailer, sms notify.SMSSender, mailFrom, smsFrom, tempDir string) (*Shared, error) {
	dbs := make(map[string]*store.Store, len(dbCfgs))
	for name, dc := range dbCfgs {
		s := store.New(dc.File)
		if err := s.Load(); err != nil {
			return nil, fmt.Errorf("siteapp: load database %q: %w", name, err)
		}
		if !dc.ReadOnly {
			if err := s.Watch(ctx); err != nil {
				return nil, fmt.Errorf("siteapp: watch database %q: %w", name, err)
			}
		}
		dbs[name] = s
	}
	if mailer == nil {
		mailer = notify.LoggingMailer{}
	} else {
		mailer = notify.WithRetry(mailer, 30*time.Second)
	}
	if sms == nil {
		sms = notify.LoggingSMSSender{}
	} else {
		sms = notify.WithRetrySMS(sms, 30*time.Second)
	}
	return &Shared{
		Databases: dbs, Mailer: mailer, SMS: sms,
		MailFrom: mailFrom, SMSFrom: smsFrom, TempDir: tempDir,
	}, nil
}

// SiteApp is one hosted domain: its outer chi mux, its Pipeline, and the
// http.Server listening on its configured port.
type SiteApp struct {
	Config config.SiteConfig
	Store  *store.Store

	mux      chi.Router
	pipeline *pipeline.Router
	throttle *tokensvc.Throttle
	srv      *http.Server
}

// New builds a SiteApp from cfg, resolving its primary database from
// shared.Databases by name (the first entry in cfg.Databases), merging
// headers, and assembling the route table in spec order.
func New(cfg config.SiteConfig, shared *Shared) (*SiteApp, error) {
	var primary *store.Store
	for _, name := range cfg.Databases {
		if s, ok := shared.Databases[name]; ok {
			primary = s
			break
		}
	}
	if primary == nil && (cfg.AuthEnabled || hasHandlerCode(cfg.Handlers, "api")) {
		return nil, fmt.Errorf("siteapp: site %q needs a database but none of %v resolved", cfg.Host, cfg.Databases)
	}

	headers := mergeHeaders(shared.Headers, cfg.Headers)
	bodyLimits := bodyparse.Limits{
		RequestMax: 5 << 20,
		UploadMax:  20 << 20,
		TempDir:    shared.TempDir,
	}

	site := &SiteApp{Config: cfg, Store: primary, throttle: tokensvc.NewThrottle()}
	rt := pipeline.NewRouter()
	rt.Authenticate = site.authenticate

	rt.Any("*", nativeware.LogAnalytics())
	rt.Any("*", nativeware.CORS(nativeware.CORSConfig{
		Origins: cfg.CORS.Origins, Headers: cfg.CORS.Headers,
		Methods: cfg.CORS.Methods, Credentials: cfg.CORS.Credentials,
	}))

	if cfg.AuthEnabled {
		nativeware.Login(rt, nativeware.LoginConfig{
			Secret: cfg.TokenSecret, ExpSec: int(cfg.TokenExpSec), AllowRenewal: cfg.TokenRenewal,
		})
		nativeware.Account(rt, nativeware.AccountConfig{
			Store: primary, Mailer: shared.Mailer, SMS: shared.SMS,
			From: shared.MailFrom, CodeSize: codeSizeOrDefault(cfg.CodeSize),
			CodeBase: codeBaseOrDefault(cfg.CodeBase), CodeExpMin: codeExpOrDefault(cfg.CodeExpMin),
			BodyLimits: bodyLimits,
		})
	}

	for _, h := range cfg.Handlers {
		if err := registerHandler(rt, h, primary, shared, bodyLimits, headers); err != nil {
			return nil, fmt.Errorf("siteapp: site %q handler %q: %w", cfg.Host, h.Code, err)
		}
	}

	if cfg.Root != "" {
		nativeware.Content(rt, "/*", nativeware.ContentConfig{
			Root: cfg.Root, Indexing: true,
			Cache:        cache.New(0, []byte(cfg.TokenSecret)),
			UploadLimits: bodyLimits,
		})
	}

	site.pipeline = rt
	site.mux = buildMux(rt, headers)
	return site, nil
}

func hasHandlerCode(handlers []config.HandlerConfig, code string) bool {
	for _, h := range handlers {
		if h.Code == code {
			return true
		}
	}
	return false
}

func codeSizeOrDefault(n int) int {
	if n <= 0 {
		return 6
	}
	return n
}

func codeBaseOrDefault(n int) int {
	if n <= 0 {
		return 10
	}
	return n
}

func codeExpOrDefault(n int) int {
	if n <= 0 {
		return 10
	}
	return n
}

// contentOptions is the shape of a "content" handler entry's Options node.
type contentOptions struct {
	Root         string `yaml:"root"`
	Auth         string `yaml:"auth,omitempty"`
	CacheControl string `yaml:"cacheControl,omitempty"`
	Index        string `yaml:"index,omitempty"`
	Indexing     bool   `yaml:"indexing,omitempty"`
	MaxBuffered  int64  `yaml:"maxBuffered,omitempty"`
}

func registerHandler(rt *pipeline.Router, h config.HandlerConfig, primary *store.Store, shared *Shared, bodyLimits bodyparse.Limits, headers map[string]string) error {
	switch h.Code {
	case "content":
		var opts contentOptions
		if err := h.Options.Decode(&opts); err != nil {
			return fmt.Errorf("decode content options: %w", err)
		}
		if opts.MaxBuffered <= 0 {
			opts.MaxBuffered = 5 << 20
		}
		pattern := h.Pattern
		if pattern == "" {
			pattern = "/*"
		}
		nativeware.Content(rt, pattern, nativeware.ContentConfig{
			Root: opts.Root, Auth: opts.Auth, CacheControl: opts.CacheControl,
			Index: opts.Index, Indexing: opts.Indexing, MaxBuffered: opts.MaxBuffered,
			HMACKey:      []byte(headers["X-Site-Key"]),
			Cache:        cache.New(0, []byte(opts.Root)),
			UploadLimits: bodyLimits,
		})
		return nil

	case "api":
		pattern := h.Pattern
		if pattern == "" {
			pattern = "/api/:head/*"
		}
		if primary == nil {
			return fmt.Errorf("no database resolved for api handler")
		}
		apiware.Register(rt, pattern, apiware.Config{
			Store: primary, Mailer: shared.Mailer, SMS: shared.SMS,
			From: shared.MailFrom, CodeSize: 6, CodeBase: 10, CodeExpMin: 10,
			BodyLimits: bodyLimits,
		})
		return nil

	default:
		custom, ok := shared.Custom[h.Code]
		if !ok {
			return fmt.Errorf("unknown handler code %q", h.Code)
		}
		pattern := h.Pattern
		if pattern == "" {
			pattern = "/*"
		}
		rt.Any(pattern, custom)
		return nil
	}
}

func mergeHeaders(shared, site map[string]string) map[string]string {
	out := make(map[string]string, len(shared)+len(site))
	for k, v := range shared {
		out[k] = v
	}
	for k, v := range site {
		out[k] = v
	}
	return out
}

// buildMux wraps rt in a chi.Router carrying the teacher's cross-cutting
// middleware stack (internal/api/router.go: RequestID, RealIP,
// RequestLogger, Recoverer), a Prometheus /metrics endpoint analogous to
// the teacher's HandleMetrics, and a single catch-all handoff to rt.
func buildMux(rt *pipeline.Router, headers map[string]string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestID)
	r.Use(scribe.AccessLog)
	r.Use(middleware.Recoverer)

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Handle("/*", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range headers {
			w.Header().Set(k, v)
		}
		rt.ServeHTTP(w, r)
	}))
	return r
}

const requestIDHeader = "X-Request-ID"

// requestID mirrors the teacher's RequestID middleware (internal/api/
// request_id.go): propagate an incoming X-Request-ID or mint one, and
// reflect it on the response.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// authenticate implements spec.md §4.5's authentication step: Basic or
// Bearer parsing against this site's primary store and token secret, with
// the login throttle gating repeated basic-auth failures (spec.md §4.2,
// invariant 9).
func (s *SiteApp) authenticate(r *http.Request) (map[string]any, []string, pipeline.AuthOutcome) {
	header := r.Header.Get("Authorization")
	if header == "" || s.Store == nil {
		return nil, nil, pipeline.AuthAbsent
	}

	switch {
	case strings.HasPrefix(header, "Basic "):
		return s.authenticateBasic(r.Context(), header[len("Basic "):])
	case strings.HasPrefix(header, "Bearer "):
		return s.authenticateBearer(header[len("Bearer "):])
	default:
		return nil, nil, pipeline.AuthAbsent
	}
}

// authenticateBasic implements spec.md §4.5's Basic-auth check. Any
// credentials presented but rejected — locked, unknown user, wrong
// password/passcode — are surfaced as a distinct pipeline.AuthOutcome so the
// router fails the request with 401 instead of silently continuing
// anonymous (spec.md §4.5 "reject"; §7; invariant 9 / scenario S5).
func (s *SiteApp) authenticateBasic(ctx context.Context, encoded string) (map[string]any, []string, pipeline.AuthOutcome) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, nil, pipeline.AuthFailed
	}
	user, pw, found := strings.Cut(string(raw), ":")
	if !found {
		return nil, nil, pipeline.AuthFailed
	}
	username := domain.NormalizeUsername(user)

	if s.throttle.Locked(username) {
		scribe.RecordLogin(scribe.LoginEvent{User: username, Kind: "locked", At: time.Now().Unix()})
		return nil, nil, pipeline.AuthLocked
	}

	recipe, ok := s.Store.Lookup("users")
	if !ok {
		return nil, nil, pipeline.AuthFailed
	}
	u, err := lookupUser(s.Store, recipe, username)
	if err != nil || u.Status != domain.StatusActive {
		s.throttle.RecordFailure(username)
		scribe.RecordLogin(scribe.LoginEvent{User: username, Kind: "fail_lookup", At: time.Now().Unix()})
		return nil, nil, pipeline.AuthFailed
	}

	ok = tokensvc.CheckPW(u.Credentials.Hash, pw)
	if !ok {
		ok = tokensvc.CheckCode(tokensvc.Code{
			Code: u.Credentials.Passcode.Code, IAT: u.Credentials.Passcode.IAT, Exp: u.Credentials.Passcode.Exp,
		}, pw)
	}
	if !ok {
		s.throttle.RecordFailure(username)
		scribe.RecordLogin(scribe.LoginEvent{User: username, Kind: "fail_credential", At: time.Now().Unix()})
		return nil, nil, pipeline.AuthFailed
	}

	s.throttle.RecordSuccess(username)
	scribe.RecordLogin(scribe.LoginEvent{User: username, Kind: "basic", At: time.Now().Unix()})
	return u.PublicProfile(), u.Member, pipeline.AuthOK
}

func (s *SiteApp) authenticateBearer(token string) (map[string]any, []string, pipeline.AuthOutcome) {
	payload, err := tokensvc.VerifyToken(s.Config.TokenSecret, token)
	if err != nil {
		return nil, nil, pipeline.AuthFailed
	}
	username, _ := payload["username"].(string)
	var groups []string
	if raw, ok := payload["member"].([]any); ok {
		for _, g := range raw {
			if gs, ok := g.(string); ok {
				groups = append(groups, gs)
			}
		}
	}
	scribe.RecordLogin(scribe.LoginEvent{User: username, Kind: "bearer", At: time.Now().Unix()})
	return payload, groups, pipeline.AuthOK
}

func lookupUser(s *store.Store, recipe store.Recipe, username string) (domain.User, error) {
	raw := s.Query(recipe, map[string]any{"username": username})
	b, err := json.Marshal(raw)
	if err != nil {
		return domain.User{}, err
	}
	var u domain.User
	if err := json.Unmarshal(b, &u); err != nil {
		return domain.User{}, err
	}
	if u.Username == "" {
		return domain.User{}, fmt.Errorf("siteapp: user %q not found", username)
	}
	return u, nil
}

// ListenAndServe starts the site's HTTP listener on host:port, blocking
// until it returns an error (spec.md §4.8 "Starts an HTTP listener on the
// site's host:port").
func (s *SiteApp) ListenAndServe() error {
	addr := fmt.Sprintf(":%d", s.Config.Port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the site's listener and background throttle
// cleanup goroutine.
func (s *SiteApp) Shutdown(ctx context.Context) error {
	s.throttle.Stop()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
