package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/chat-relay/backend/internal/model/chat"
	"github.com/zhouzirui/chat-relay/backend/internal/observability"
	chatService "github.com/zhouzirui/chat-relay/backend/internal/service/chat"
	"github.com/zhouzirui/chat-relay/backend/internal/workflow"
	"github.com/zhouzirui/chat-relay/backend/pkg/utils"
)

const defaultPollInterval = 500 * time.Millisecond

// Handler 聊天服务的HTTP处理器
type Handler struct {
	chatSvc      *chatService.Service
	log          observability.Logger
	pollInterval time.Duration
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service, logger observability.Logger) *Handler {
	return &Handler{
		chatSvc:      chatSvc,
		log:          observability.Component(logger, "chat"),
		pollInterval: defaultPollInterval,
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
	r.Post("/chat/workflow", h.handleSubmitWorkflow)
	r.Get("/chat/workflow/{id}", h.handleWorkflowStatus)
	r.Get("/chat/workflow/{id}/events", h.handleWorkflowEvents)
}

// decodeRequest 解析聊天请求体；返回 false 时错误响应已写出。
func decodeRequest(w http.ResponseWriter, r *http.Request) (chat.Request, bool) {
	var payload chat.Request
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Bad request", "invalid request body")
		return payload, false
	}
	if payload.Message == "" || payload.SessionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "Missing message or sessionId", "")
		return payload, false
	}
	return payload, true
}

// handleChat 同步处理一轮对话
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	payload, ok := decodeRequest(w, r)
	if !ok {
		return
	}

	reply, err := h.chatSvc.Send(r.Context(), payload)
	if err != nil {
		h.log.WithErr(err).Errorf("chat failed for session=%s", payload.SessionID)
		utils.RespondAppError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, reply)
}

// handleSubmitWorkflow 以持久化工作流的方式提交一轮对话
func (h *Handler) handleSubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	payload, ok := decodeRequest(w, r)
	if !ok {
		return
	}

	inst, err := h.chatSvc.Submit(r.Context(), payload)
	if err != nil {
		h.log.WithErr(err).Errorf("workflow submit failed for session=%s", payload.SessionID)
		utils.RespondAppError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"workflowId": inst.ID,
		"status":     "processing",
	})
}

// handleWorkflowStatus 返回工作流实例记录
func (h *Handler) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	inst, err := h.chatSvc.WorkflowStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, inst)
}

// handleWorkflowEvents 以SSE推送工作流实例的状态变化，直到进入终态或客户端断开。
func (h *Handler) handleWorkflowEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	inst, err := h.chatSvc.WorkflowStatus(ctx, id)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "Internal server error", "streaming unsupported")
		return
	}
	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	if err := h.streamStatus(ctx, w, flusher, inst); err != nil && !errors.Is(err, context.Canceled) {
		h.log.WithErr(err).Warnf("workflow events stream for %s ended", id)
	}
}

func (h *Handler) streamStatus(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, inst workflow.Instance) error {
	last := inst.Status
	if err := utils.SendSSEEvent(w, flusher, "status", statusEvent(inst)); err != nil {
		return err
	}

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for !last.Terminal() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		current, err := h.chatSvc.WorkflowStatus(ctx, inst.ID)
		if err != nil {
			_ = utils.SendSSEEvent(w, flusher, "error", utils.ErrorBody{Error: "Internal server error", Message: err.Error()})
			return err
		}
		if current.Status == last {
			continue
		}
		last = current.Status
		inst = current
		if err := utils.SendSSEEvent(w, flusher, "status", statusEvent(inst)); err != nil {
			return err
		}
	}

	return utils.SendSSEEvent(w, flusher, "done", inst)
}

func statusEvent(inst workflow.Instance) map[string]any {
	return map[string]any{
		"workflowId": inst.ID,
		"status":     inst.Status,
		"updatedAt":  inst.UpdatedAt,
	}
}
