package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/propbot/propbot/pkg/logger"
)

// Timeout bounds a handler with a context deadline and answers 504 if the
// handler has not started writing when the deadline passes. Once the handler
// has written, the response is left to it and Timeout waits for it to
// return. Streaming routes must not be wrapped.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			done := make(chan struct{})
			tw := &timeoutWriter{w: w, header: make(http.Header)}
			go func() {
				defer close(done)
				next.ServeHTTP(tw, r.WithContext(ctx))
			}()
			select {
			case <-done:
				return
			case <-ctx.Done():
			}

			tw.mu.Lock()
			if tw.wroteHeader {
				tw.mu.Unlock()
				<-done
				return
			}
			tw.timedOut = true
			tw.mu.Unlock()

			logger.FromContext(r.Context()).Warn("request timed out", "method", r.Method, "path", r.URL.Path, "timeout", timeout)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusGatewayTimeout)
			w.Write([]byte(`{"error":"request timeout"}`))
		})
	}
}

// timeoutWriter buffers headers in its own map and forwards them on the
// first write. After the timeout response has been sent, writes from the
// handler goroutine are dropped and never touch the underlying writer.
type timeoutWriter struct {
	w      http.ResponseWriter
	header http.Header

	mu          sync.Mutex
	wroteHeader bool
	timedOut    bool
}

// Header is only safe to use from the handler goroutine.
func (tw *timeoutWriter) Header() http.Header { return tw.header }

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut || tw.wroteHeader {
		return
	}
	tw.writeHeaderLocked(code)
}

func (tw *timeoutWriter) writeHeaderLocked(code int) {
	dst := tw.w.Header()
	for k, v := range tw.header {
		dst[k] = append([]string(nil), v...)
	}
	tw.wroteHeader = true
	tw.w.WriteHeader(code)
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	if !tw.wroteHeader {
		tw.writeHeaderLocked(http.StatusOK)
	}
	return tw.w.Write(b)
}
