// Package listener implements the ephemeral local HTTP endpoint that
// captures the OAuth redirect. A listener accepts exactly one valid
// callback; it is started, waited on once, and then discarded.
package listener

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codechat/credman/internal/autherr"
	"github.com/codechat/credman/internal/logger"
)

// DefaultPath is the callback path when none is configured.
const DefaultPath = "/callback"

// maxRequests caps how many requests the listener will look at in total.
// The port is only open for one flow; anything hammering it beyond this is
// not the browser we are waiting for.
const maxRequests = 16

// Listener lifecycle states. The LISTENING -> RESOLVED and LISTENING ->
// TIMED_OUT transitions race each other; exactly one wins, guarded by a
// compare-and-set.
const (
	stateListening int32 = iota
	stateResolved
	stateTimedOut
	stateBindFailed
)

// Result is what the OAuth provider delivered on the redirect.
type Result struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// IsError reports whether the provider signaled an authorization error.
func (r *Result) IsError() bool {
	return r.Error != ""
}

// Listener is a temporary local HTTP server waiting for one OAuth
// callback.
type Listener struct {
	port int
	path string

	lifecycle atomic.Int32
	requests  atomic.Int32
	resultCh  chan *Result

	server   *http.Server
	netLn    net.Listener
	stopOnce sync.Once

	redirectURI string
}

// New creates a listener for the given port and callback path. Port 0
// binds an ephemeral port; an empty path defaults to /callback.
func New(port int, path string) *Listener {
	if path == "" {
		path = DefaultPath
	}
	return &Listener{
		port:     port,
		path:     path,
		resultCh: make(chan *Result, 1),
	}
}

// Start binds the port and begins serving. A bind conflict is reported as
// a typed PortInUseError.
func (l *Listener) Start() error {
	addr := fmt.Sprintf("127.0.0.1:%d", l.port)

	netLn, err := net.Listen("tcp", addr)
	if err != nil {
		l.lifecycle.Store(stateBindFailed)
		return &autherr.PortInUseError{Addr: addr, Err: err}
	}

	l.netLn = netLn
	l.port = netLn.Addr().(*net.TCPAddr).Port
	l.redirectURI = fmt.Sprintf("http://localhost:%d%s", l.port, l.path)

	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handle)

	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := l.server.Serve(netLn); err != nil && err != http.ErrServerClosed {
			logger.Get().Warn().Err(err).Msg("Callback listener stopped unexpectedly")
		}
	}()

	return nil
}

// RedirectURI returns the redirect URI to register with the provider.
// Only valid after Start.
func (l *Listener) RedirectURI() string {
	return l.redirectURI
}

// Port returns the bound port. Only valid after Start.
func (l *Listener) Port() int {
	return l.port
}

// Wait blocks until the callback arrives, the timeout elapses, or the
// context is cancelled. Whatever the outcome, the listening port is
// released before Wait returns.
func (l *Listener) Wait(ctx context.Context, timeout time.Duration) (*Result, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-l.resultCh:
		l.Stop()
		return result, nil
	case <-timer.C:
		if l.lifecycle.CompareAndSwap(stateListening, stateTimedOut) {
			l.Stop()
			return nil, &autherr.TimeoutError{Waited: timeout}
		}
		// The callback won the race against the timeout; its result is
		// already committed, so deliver it.
		result := <-l.resultCh
		l.Stop()
		return result, nil
	case <-ctx.Done():
		l.Stop()
		return nil, ctx.Err()
	}
}

// Stop shuts the server down and releases the port. Safe to call more
// than once and from any exit path.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		if l.server != nil {
			// Shutdown closes the listening socket immediately and lets
			// an in-flight response to the browser complete.
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = l.server.Shutdown(ctx)
		}
		if l.netLn != nil {
			_ = l.netLn.Close()
		}
	})
}

// handle processes an incoming request. The first valid request on the
// callback path resolves the listener; everything after that is a browser
// retry or favicon fetch and must not re-resolve.
func (l *Listener) handle(w http.ResponseWriter, r *http.Request) {
	if l.requests.Add(1) > maxRequests {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	if r.Method != http.MethodGet || r.URL.Path != l.path {
		http.NotFound(w, r)
		return
	}

	if !l.lifecycle.CompareAndSwap(stateListening, stateResolved) {
		http.Error(w, "authorization response already processed", http.StatusConflict)
		return
	}

	query := r.URL.Query()
	result := &Result{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if result.IsError() {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, errorHTML, result.Error)
	} else {
		fmt.Fprint(w, successHTML)
	}

	// resultCh is buffered and this branch is reachable exactly once.
	l.resultCh <- result
}

const successHTML = `<!DOCTYPE html><html><body style="font-family:system-ui;text-align:center;margin-top:80px">
<h2>Authorization complete</h2>
<p>You can close this window and return to the terminal.</p>
</body></html>`

const errorHTML = `<!DOCTYPE html><html><body style="font-family:system-ui;text-align:center;margin-top:80px">
<h2>Authorization failed</h2>
<p>The provider reported: <strong>%s</strong></p>
<p>You can close this window.</p>
</body></html>`
