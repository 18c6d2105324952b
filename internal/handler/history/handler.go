package history

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/chat-relay/backend/internal/model/chat"
	"github.com/zhouzirui/chat-relay/backend/internal/observability"
	chatService "github.com/zhouzirui/chat-relay/backend/internal/service/chat"
	"github.com/zhouzirui/chat-relay/backend/pkg/utils"
)

// Handler 会话历史的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
	log     observability.Logger
}

// New 创建历史记录处理器
func New(chatSvc *chatService.Service, logger observability.Logger) *Handler {
	return &Handler{chatSvc: chatSvc, log: observability.Component(logger, "history")}
}

// RegisterRoutes 注册历史记录相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/history", h.handleGet)
	r.Delete("/history", h.handleClear)
}

// handleGet 返回会话的完整历史
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "Missing sessionId", "")
		return
	}

	messages, err := h.chatSvc.History(r.Context(), sessionID)
	if err != nil {
		h.log.WithErr(err).Errorf("read history for session=%s", sessionID)
		utils.RespondAppError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string][]chat.Message{"messages": messages})
}

// handleClear 清空会话历史
func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Bad request", "invalid request body")
		return
	}
	if payload.SessionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "Missing sessionId", "")
		return
	}

	if err := h.chatSvc.ClearHistory(r.Context(), payload.SessionID); err != nil {
		h.log.WithErr(err).Errorf("clear history for session=%s", payload.SessionID)
		utils.RespondAppError(w, err)
		return
	}

	h.log.Infof("cleared history for session=%s", payload.SessionID)
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "History cleared",
	})
}
