// keephostd is the keephost multi-tenant hosting daemon. It loads
// keephost.yaml, starts one SiteApp listener per configured site and one
// Proxy listener per configured front end, and shuts everything down in
// order on SIGINT/SIGTERM — mirroring the teacher's cmd/ratd/main.go
// signal-channel-plus-ordered-cleanup shape.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/keephost/keephost/internal/config"
	"github.com/keephost/keephost/internal/notify"
	"github.com/keephost/keephost/internal/proxy"
	"github.com/keephost/keephost/internal/scribe"
	"github.com/keephost/keephost/internal/siteapp"
)

func main() {
	scribe.Init(slog.LevelInfo)
	defer scribe.Close()

	cfg, err := config.Load(config.ResolvePath())
	if err != nil {
		scribe.Logger().Error("keephostd: failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shared, err := siteapp.NewShared(ctx, cfg.Databases,
		notify.LoggingMailer{}, notify.LoggingSMSSender{},
		cfg.Mail.From, cfg.SMS.From, cfg.TempDir)
	if err != nil {
		scribe.Logger().Error("keephostd: failed to initialize shared databases", "error", err)
		os.Exit(1)
	}

	sites := make(map[string]*siteapp.SiteApp, len(cfg.Sites))
	siteAddrs := make(map[string]string, len(cfg.Sites))
	var wg sync.WaitGroup
	errCh := make(chan error, len(cfg.Sites)+len(cfg.Proxies))

	for _, sc := range cfg.Sites {
		app, err := siteapp.New(sc, shared)
		if err != nil {
			// Fatal per-site startup errors do not take down unrelated sites
			// (spec.md §7: "Log and terminate the owning site; other sites
			// continue").
			scribe.Logger().Error("keephostd: site failed to start", "host", sc.Host, "error", err)
			continue
		}
		sites[sc.Host] = app
		siteAddrs[sc.Host] = fmt.Sprintf("127.0.0.1:%d", sc.Port)
		for _, alias := range sc.Aliases {
			siteAddrs[alias] = siteAddrs[sc.Host]
		}

		wg.Add(1)
		go func(host string, app *siteapp.SiteApp) {
			defer wg.Done()
			scribe.Logger().Info("keephostd: site listening", "host", host)
			if err := app.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("site %s: %w", host, err)
			}
		}(sc.Host, app)
	}

	proxies := make([]*proxy.Proxy, 0, len(cfg.Proxies))
	for _, pc := range cfg.Proxies {
		routes := make(map[string]string, len(pc.Sites))
		for _, host := range pc.Sites {
			if addr, ok := siteAddrs[host]; ok {
				routes[host] = addr
			}
		}
		p, err := proxy.New(pc.Port, pc.TLS, pc.CertPath, pc.KeyPath, routes, pc.Verbose)
		if err != nil {
			scribe.Logger().Error("keephostd: proxy failed to start", "port", pc.Port, "error", err)
			continue
		}
		proxies = append(proxies, p)

		wg.Add(1)
		go func(p *proxy.Proxy) {
			defer wg.Done()
			scribe.Logger().Info("keephostd: proxy listening", "port", p.Port, "tls", p.TLS)
			if err := p.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("proxy :%d: %w", p.Port, err)
			}
		}(p)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		scribe.Logger().Info("keephostd: received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		scribe.Logger().Error("keephostd: listener failed", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	for host, app := range sites {
		if err := app.Shutdown(shutdownCtx); err != nil {
			scribe.Logger().Error("keephostd: site shutdown error", "host", host, "error", err)
		}
	}
	for _, p := range proxies {
		if err := p.Shutdown(shutdownCtx); err != nil {
			scribe.Logger().Error("keephostd: proxy shutdown error", "port", p.Port, "error", err)
		}
	}
	for _, s := range shared.Databases {
		if err := s.Close(); err != nil {
			scribe.Logger().Error("keephostd: database close error", "error", err)
		}
	}

	cancel()
	wg.Wait()
	scribe.Logger().Info("keephostd: shutdown complete")
}
