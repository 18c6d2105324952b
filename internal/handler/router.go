package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/chat-relay/backend/internal/config"
	"github.com/zhouzirui/chat-relay/backend/internal/handler/chat"
	"github.com/zhouzirui/chat-relay/backend/internal/handler/health"
	"github.com/zhouzirui/chat-relay/backend/internal/handler/history"
	"github.com/zhouzirui/chat-relay/backend/internal/handler/ws"
	middlewarePkg "github.com/zhouzirui/chat-relay/backend/internal/middleware"
	"github.com/zhouzirui/chat-relay/backend/internal/observability"
	chatService "github.com/zhouzirui/chat-relay/backend/internal/service/chat"
	"github.com/zhouzirui/chat-relay/backend/pkg/utils"
)

// RouterOptions 控制路由器的可选行为。
type RouterOptions struct {
	// Limiter 为 nil 时不限流。
	Limiter *middlewarePkg.RateLimiter
	// TrustProxy 为 true 时使用 X-Forwarded-For / X-Real-IP 作为客户端地址，
	// 仅应在可信反向代理之后开启。
	TrustProxy bool
}

// NewRouter 将 HTTP 路由绑定到核心服务。
func NewRouter(chatSvc *chatService.Service, logger observability.Logger, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	if opts.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(middlewarePkg.Logging(logger))
	r.Use(middlewarePkg.Recover(logger))
	r.Use(middlewarePkg.CORS)

	r.Method(http.MethodGet, "/health", health.New(config.ServiceName))

	r.Route("/api", func(api chi.Router) {
		ws.New(chatSvc, logger).RegisterRoutes(api)

		api.Group(func(limited chi.Router) {
			limited.Use(opts.Limiter.Middleware)
			chat.New(chatSvc, logger).RegisterRoutes(limited)
			history.New(chatSvc, logger).RegisterRoutes(limited)
		})
	})

	r.NotFound(notFound)
	r.MethodNotAllowed(notFound)

	return r
}

func notFound(w http.ResponseWriter, r *http.Request) {
	utils.RespondError(w, http.StatusNotFound, "Not found", r.Method+" "+r.URL.Path+" does not exist")
}
