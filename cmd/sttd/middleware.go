package main

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// requestIDMiddleware stamps every health-endpoint request with a UUID,
// returned as X-Request-ID and included in the access log line, so a
// request seen in a load balancer's log can be correlated with this
// process's own.
func requestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			id := uuid.NewString()
			w.Header().Set("X-Request-ID", id)

			start := time.Now()
			next.ServeHTTP(w, req)
			logger.Debug("health request", "request_id", id, "path", req.URL.Path, "duration_ms", time.Since(start).Milliseconds())
		})
	}
}
