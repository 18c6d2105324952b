package workflow

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusErrored  Status = "errored"
)

// Terminal reports whether the instance will not run again.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusErrored
}

// Instance is the persisted record of one workflow run.
type Instance struct {
	ID        string          `json:"id"`
	Workflow  string          `json:"workflow"`
	Params    json.RawMessage `json:"params"`
	Status    Status          `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type stepRecord struct {
	Name        string          `json:"name"`
	Output      json.RawMessage `json:"output"`
	CompletedAt time.Time       `json:"completedAt"`
}

// stepLog lists completed steps in completion order.
type stepLog struct {
	Steps []stepRecord `json:"steps"`
}

func (l *stepLog) lookup(name string) (json.RawMessage, bool) {
	for _, rec := range l.Steps {
		if rec.Name == name {
			return rec.Output, true
		}
	}
	return nil, false
}
