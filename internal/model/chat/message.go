package chat

import "time"

// Role identifies the author of a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one immutable turn of a session transcript.
// Timestamp is Unix milliseconds, which is what the browser client expects.
type Message struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// NewMessage stamps a message with the current time.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content, Timestamp: NowMillis()}
}

// NowMillis returns the current wall clock in Unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
