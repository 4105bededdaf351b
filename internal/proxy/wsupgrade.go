package proxy

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/keephost/keephost/internal/scribe"
)

// isUpgrade reports whether r is an HTTP Upgrade request (spec.md §4.9
// "WebSocket upgrade").
func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Connection"), "upgrade") ||
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// hijackAndSplice hijacks the client connection, dials backendAddr, replays
// the original request line/headers, and then relays bytes bidirectionally
// until either side closes — the proxy does not parse WebSocket frames, it
// only relays the raw upgraded stream (spec.md §4.9 "hijack the connection
// and proxy bidirectionally").
func hijackAndSplice(w http.ResponseWriter, r *http.Request, backendAddr string) error {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return errors.New("proxy: response writer does not support hijacking")
	}
	clientConn, _, err := hj.Hijack()
	if err != nil {
		return err
	}
	defer clientConn.Close()

	backendConn, err := net.Dial("tcp", backendAddr)
	if err != nil {
		return err
	}
	defer backendConn.Close()

	if err := r.Write(backendConn); err != nil {
		return err
	}

	splice(clientConn, backendConn)
	return nil
}

// splice relays bytes in both directions until one side closes.
func splice(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := io.Copy(a, b)
		if err != nil && !isClosedErr(err) {
			scribe.Logger().Debug("proxy: websocket splice backend->client ended", "error", err)
		}
		if c, ok := a.(interface{ CloseWrite() error }); ok {
			_ = c.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		_, err := io.Copy(b, a)
		if err != nil && !isClosedErr(err) {
			scribe.Logger().Debug("proxy: websocket splice client->backend ended", "error", err)
		}
		if c, ok := b.(interface{ CloseWrite() error }); ok {
			_ = c.CloseWrite()
		}
	}()
	wg.Wait()
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
