package middleware

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/WebQx/webqx-sub013/internal/apierror"
)

// Deadline returns middleware that applies a global request deadline to the
// entire chain. If the deadline fires before the handler completes, a 504 is
// returned. Pass 0 to disable (handler called directly).
func Deadline(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next // disabled
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			done := make(chan struct{})
			dw := &deadlineWriter{ResponseWriter: w}

			go func() {
				next.ServeHTTP(dw, r.WithContext(ctx))
				close(done)
			}()

			select {
			case <-done:
				// Handler completed before deadline.
			case <-ctx.Done():
				// Only write the 504 if the handler has not started
				// streaming a response yet.
				if dw.tryClaimWrite() {
					apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.DeadlineExceeded, "global request deadline exceeded")
				}
				// Wait for the handler goroutine to finish to avoid leaks.
				<-done
			}
		})
	}
}

// deadlineWriter tracks whether any bytes have been written so the deadline
// handler never sends a 504 after the downstream response has started
// streaming to the client. The claim is atomic because the handler goroutine
// and the timeout path race for the first write.
type deadlineWriter struct {
	http.ResponseWriter
	claimed atomic.Bool
}

// tryClaimWrite claims the right to write the timeout response. Fails if the
// handler already started writing.
func (dw *deadlineWriter) tryClaimWrite() bool {
	return dw.claimed.CompareAndSwap(false, true)
}

func (dw *deadlineWriter) WriteHeader(code int) {
	dw.claimed.Store(true)
	dw.ResponseWriter.WriteHeader(code)
}

func (dw *deadlineWriter) Write(b []byte) (int, error) {
	dw.claimed.Store(true)
	return dw.ResponseWriter.Write(b)
}
