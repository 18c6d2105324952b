package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/zhouzirui/chat-relay/backend/internal/observability"
	"github.com/zhouzirui/chat-relay/backend/pkg/utils"
)

// Recover turns a handler panic into a JSON 500 response.
func Recover(logger observability.Logger) func(http.Handler) http.Handler {
	log := observability.Component(logger, "http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.WithFields(map[string]interface{}{
					"panic": fmt.Sprint(rec),
					"stack": string(debug.Stack()),
				}).Errorf("panic recovered in %s %s", r.Method, r.URL.Path)
				utils.RespondError(w, http.StatusInternalServerError, "Internal server error", fmt.Sprint(rec))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
