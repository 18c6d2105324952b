package chat

// Request carries one user turn for a session.
type Request struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId,omitempty"`
}

// Reply is returned once the assistant answer has been stored.
type Reply struct {
	Response  string `json:"response"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}
