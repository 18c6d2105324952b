package utils

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/zhouzirui/chat-relay/backend/internal/apperr"
	"github.com/zhouzirui/chat-relay/backend/internal/observability"
)

var (
	logMu  sync.RWMutex
	logger = observability.Component(nil, "http")
)

// SetLogger 设置响应写入失败时使用的日志器，nil 表示丢弃。
func SetLogger(l observability.Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	logger = observability.Component(l, "http")
}

func currentLogger() observability.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}

// ErrorBody 所有错误响应的JSON结构
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		currentLogger().WithErr(err).Warnf("failed to encode response")
	}
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, errLabel, message string) {
	RespondJSON(w, status, ErrorBody{Error: errLabel, Message: message})
}

// RespondAppError 根据错误类型确定状态码并写出错误响应，服务端错误统一使用 "Internal server error"。
func RespondAppError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	label := "Internal server error"
	switch status {
	case http.StatusBadRequest:
		label = "Bad request"
	case http.StatusNotFound:
		label = "Not found"
	}
	RespondError(w, status, label, err.Error())
}
