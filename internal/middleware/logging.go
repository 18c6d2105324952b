package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/chat-relay/backend/internal/observability"
)

// Logging writes one line per request through logger.
func Logging(logger observability.Logger) func(http.Handler) http.Handler {
	log := observability.Component(logger, "http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			entry := log.WithFields(map[string]interface{}{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     status,
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start).String(),
				"request_id": chimw.GetReqID(r.Context()),
			})
			if status >= http.StatusInternalServerError {
				entry.Warnf("%s %s -> %d", r.Method, r.URL.Path, status)
				return
			}
			entry.Debugf("%s %s -> %d", r.Method, r.URL.Path, status)
		})
	}
}
