package proxy

import (
	"crypto/tls"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/keephost/keephost/internal/scribe"
)

// tlsBundle is the mutable cell a proxy's SNI callback reads from. Loaded at
// startup and rebuilt in place by a watcher goroutine on certificate
// rewrite (spec.md §4.9 "TLS bundle": load cert+key at startup; a stable
// closure over a mutable cell returns the current context; file-change
// events trigger a debounced reload with a single reload-in-progress
// flag), grounded on the `newTLSConfig`/`GetCertificate` closure-over-cell
// shape in juju-juju's apiserver.Server.
type tlsBundle struct {
	certPath, keyPath string

	cert    atomic.Pointer[tls.Certificate]
	mtime   atomic.Int64
	busy    atomic.Bool
	watcher *fsnotify.Watcher
	stop    chan struct{}
	wg      sync.WaitGroup
}

// newTLSBundle loads certPath/keyPath and starts a debounced fsnotify
// watcher on the certificate file.
func newTLSBundle(certPath, keyPath string) (*tlsBundle, error) {
	b := &tlsBundle{certPath: certPath, keyPath: keyPath, stop: make(chan struct{})}
	if err := b.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("proxy: tls watcher: %w", err)
	}
	if err := watcher.Add(certPath); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("proxy: watch cert %s: %w", certPath, err)
	}
	b.watcher = watcher
	b.wg.Add(1)
	go b.watchLoop()
	return b, nil
}

// GetCertificate is installed as tls.Config.GetCertificate: a stable
// closure over the bundle's current cell (spec.md §4.9).
func (b *tlsBundle) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := b.cert.Load()
	if cert == nil {
		return nil, fmt.Errorf("proxy: no certificate loaded for %s", b.certPath)
	}
	return cert, nil
}

func (b *tlsBundle) reload() error {
	info, err := os.Stat(b.certPath)
	if err != nil {
		return fmt.Errorf("proxy: stat cert %s: %w", b.certPath, err)
	}
	cert, err := tls.LoadX509KeyPair(b.certPath, b.keyPath)
	if err != nil {
		return fmt.Errorf("proxy: load cert pair: %w", err)
	}
	b.cert.Store(&cert)
	b.mtime.Store(info.ModTime().UnixNano())
	return nil
}

// watchLoop debounces fsnotify events on the cert path and reloads only
// when the file's mtime actually advanced, guarded by a single
// reload-in-flight flag (spec.md §4.9, §9 "Watcher/writer race").
func (b *tlsBundle) watchLoop() {
	defer b.wg.Done()
	const debounce = 200 * time.Millisecond
	var timer *time.Timer

	for {
		select {
		case <-b.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, b.maybeReload)
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			scribe.Logger().Error("proxy: tls watcher error", "error", err)
		}
	}
}

func (b *tlsBundle) maybeReload() {
	if !b.busy.CompareAndSwap(false, true) {
		return
	}
	defer b.busy.Store(false)

	info, err := os.Stat(b.certPath)
	if err != nil {
		scribe.Logger().Error("proxy: stat cert for reload failed", "error", err)
		return
	}
	if info.ModTime().UnixNano() == b.mtime.Load() {
		return
	}
	if err := b.reload(); err != nil {
		scribe.Logger().Error("proxy: tls reload failed", "error", err)
		return
	}
	scribe.Logger().Info("proxy: tls certificate reloaded", "path", b.certPath)
}

// Close stops the watcher goroutine.
func (b *tlsBundle) Close() error {
	select {
	case <-b.stop:
	default:
		close(b.stop)
	}
	var err error
	if b.watcher != nil {
		err = b.watcher.Close()
	}
	b.wg.Wait()
	return err
}
