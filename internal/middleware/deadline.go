package middleware

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dskow/price-gateway/internal/apierror"
)

// Deadline returns middleware that bounds the whole request with timeout.
// If the deadline fires before the handler has written anything, a 504 is
// returned. Pass 0 to disable.
func Deadline(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			done := make(chan struct{})
			dw := &deadlineWriter{ResponseWriter: w}
			r = r.WithContext(ctx)

			go func() {
				defer close(done)
				next.ServeHTTP(dw, r)
			}()

			select {
			case <-done:
			case <-ctx.Done():
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && dw.claim() {
				apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.DeadlineExceeded, "request deadline exceeded")
			}
			// The handler observes ctx too; wait so it never outlives the request.
			<-done
		})
	}
}

// deadlineWriter lets exactly one of the handler and the deadline write the
// response.
type deadlineWriter struct {
	http.ResponseWriter
	mu       sync.Mutex
	claimed  bool
	timedOut bool
}

// claim is called by the deadline path. It reports whether the response was
// still untouched, and if so locks the handler out.
func (dw *deadlineWriter) claim() bool {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.claimed {
		return false
	}
	dw.claimed = true
	dw.timedOut = true
	return true
}

// own marks the response as started by the handler and reports whether the
// handler may still write.
func (dw *deadlineWriter) own() bool {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	dw.claimed = true
	return !dw.timedOut
}

func (dw *deadlineWriter) Header() http.Header {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.timedOut {
		return http.Header{}
	}
	return dw.ResponseWriter.Header()
}

func (dw *deadlineWriter) WriteHeader(code int) {
	if dw.own() {
		dw.ResponseWriter.WriteHeader(code)
	}
}

func (dw *deadlineWriter) Write(b []byte) (int, error) {
	if !dw.own() {
		return 0, http.ErrHandlerTimeout
	}
	return dw.ResponseWriter.Write(b)
}
