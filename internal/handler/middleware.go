package handler

import (
	"context"
	"net/http"
	"time"
)

// RequestTimeout bounds each request's context. It only sets the deadline;
// handlers map the resulting context.DeadlineExceeded to 504 themselves.
func RequestTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
