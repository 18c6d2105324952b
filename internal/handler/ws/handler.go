package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/chat-relay/backend/internal/apperr"
	"github.com/zhouzirui/chat-relay/backend/internal/model/chat"
	"github.com/zhouzirui/chat-relay/backend/internal/observability"
	chatService "github.com/zhouzirui/chat-relay/backend/internal/service/chat"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
)

// Handler WebSocket聊天处理器，每个入站帧走与 POST /chat 相同的流程。
type Handler struct {
	chatSvc  *chatService.Service
	log      observability.Logger
	upgrader websocket.Upgrader
}

// New 创建WebSocket处理器
func New(chatSvc *chatService.Service, logger observability.Logger) *Handler {
	return &Handler{
		chatSvc: chatSvc,
		log:     observability.Component(logger, "websocket"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type errorData struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithErr(err).Warnf("upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go h.pingLoop(ctx, conn)

	h.send(conn, outgoingMessage{Type: "connected"})

	for {
		var req chat.Request
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithErr(err).Warnf("read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		h.handleFrame(ctx, conn, req)
	}
}

func (h *Handler) handleFrame(ctx context.Context, conn *websocket.Conn, req chat.Request) {
	if req.Message == "" || req.SessionID == "" {
		h.send(conn, outgoingMessage{
			Type:      "error",
			SessionID: req.SessionID,
			Data:      errorData{Error: "Missing message or sessionId"},
		})
		return
	}

	reply, err := h.chatSvc.Send(ctx, req)
	if err != nil {
		h.log.WithErr(err).Errorf("chat failed for session=%s", req.SessionID)
		label := "Internal server error"
		if errors.Is(err, apperr.ErrBadRequest) {
			label = "Bad request"
		}
		h.send(conn, outgoingMessage{
			Type:      "error",
			SessionID: req.SessionID,
			Data:      errorData{Error: label, Message: err.Error()},
		})
		return
	}

	h.send(conn, outgoingMessage{Type: "reply", SessionID: req.SessionID, Data: reply})
}

// send 只在读循环中调用，写操作不会并发。
func (h *Handler) send(conn *websocket.Conn, msg outgoingMessage) {
	msg.Timestamp = chat.NowMillis()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		h.log.WithErr(err).Warnf("failed to send %s frame", msg.Type)
	}
}

func (h *Handler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
