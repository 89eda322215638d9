package middleware

import (
	"context"
	"net/http"
	"time"
)

// Deadline puts a deadline of d on each request's context. Work the handler
// blocks on, such as waiting for a busy artifact or running code, gives up
// with context.DeadlineExceeded once it passes, so the handler still gets to
// answer before the server's write timeout closes the connection.
func Deadline(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
