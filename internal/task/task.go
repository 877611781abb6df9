// Package task models backend long-running jobs as observed by the client.
package task

import (
	"encoding/json"
	"fmt"
)

// Status represents the server-authoritative lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions can follow s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is one backend job snapshot
type Task struct {
	ID                string          `json:"taskId"`
	Status            Status          `json:"status"`
	ProgressPercent   float64         `json:"progressPercent"`
	CurrentStageLabel *string         `json:"currentStageLabel"`
	Result            json.RawMessage `json:"result,omitempty"`
	ErrorMessage      string          `json:"errorMessage,omitempty"`
}

// Stage returns the current stage label or "".
func (t Task) Stage() string {
	if t.CurrentStageLabel == nil {
		return ""
	}
	return *t.CurrentStageLabel
}

// Normalize clamps the progress gauge into [0,100] and drops fields that do
// not belong to the status.
func (t Task) Normalize() Task {
	switch {
	case t.ProgressPercent < 0:
		t.ProgressPercent = 0
	case t.ProgressPercent > 100:
		t.ProgressPercent = 100
	}
	if t.Status == StatusCompleted {
		t.ProgressPercent = 100
	} else {
		t.Result = nil
	}
	if t.Status != StatusFailed {
		t.ErrorMessage = ""
	}
	return t
}

// Failure is a terminal failure reported by the backend. It is delivered to
// callers once and never retried automatically.
type Failure struct {
	TaskID  string
	Status  Status
	Message string
}

func (f *Failure) Error() string {
	if f.Status == StatusCancelled {
		return fmt.Sprintf("task %s was cancelled", f.TaskID)
	}
	if f.Message == "" {
		return fmt.Sprintf("task %s failed", f.TaskID)
	}
	return fmt.Sprintf("task %s failed: %s", f.TaskID, f.Message)
}

// FailureOf builds the Failure for a failed or cancelled snapshot.
func FailureOf(t Task) *Failure {
	return &Failure{TaskID: t.ID, Status: t.Status, Message: t.ErrorMessage}
}

// SubmitRequest is the body of POST /tasks
type SubmitRequest struct {
	Type  string         `json:"type"` // e.g. contract_review, contract_generation, litigation_analysis
	Input map[string]any `json:"input,omitempty"`
}

// SubmitResponse is the answer to POST /tasks
type SubmitResponse struct {
	TaskID string `json:"taskId"`
}
