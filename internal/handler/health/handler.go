package health

import (
	"net/http"
	"time"

	"github.com/zhouzirui/chat-relay/backend/pkg/utils"
)

// Handler 健康检查处理器
type Handler struct {
	service string
	now     func() time.Time
}

// New 创建健康检查处理器
func New(service string) *Handler {
	return &Handler{service: service, now: time.Now}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"service":   h.service,
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}
