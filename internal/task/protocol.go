package task

import (
	"encoding/json"
	"fmt"
)

// Push channel message types for WS /tasks/{taskId}
const (
	MessageProgress  = "progress"
	MessageCompleted = "completed"
	MessageFailed    = "failed"
	MessageCancelled = "cancelled"
	MessagePong      = "pong"
	MessagePing      = "ping"
)

// ServerMessage is a frame sent by the backend over the push channel
type ServerMessage struct {
	Type              string          `json:"type"`
	TaskID            string          `json:"taskId,omitempty"`
	Status            Status          `json:"status,omitempty"`
	ProgressPercent   *float64        `json:"progressPercent,omitempty"`
	CurrentStageLabel *string         `json:"currentStageLabel,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	ErrorMessage      string          `json:"errorMessage,omitempty"`
}

// ClientMessage is a frame sent by the client over the push channel
type ClientMessage struct {
	Type string `json:"type"`
}

// Ping is the heartbeat frame.
var Ping = ClientMessage{Type: MessagePing}

// DecodeServerMessage parses one push frame. Frames without a known type are
// rejected so the caller can log and skip them.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{}, fmt.Errorf("failed to unmarshal frame: %w", err)
	}
	switch msg.Type {
	case MessageProgress, MessageCompleted, MessageFailed, MessageCancelled, MessagePong:
	case "":
		return ServerMessage{}, fmt.Errorf("frame has no type")
	default:
		return ServerMessage{}, fmt.Errorf("unknown frame type %q", msg.Type)
	}
	if msg.Status != "" && !msg.Status.Valid() {
		return ServerMessage{}, fmt.Errorf("unknown task status %q", msg.Status)
	}
	return msg, nil
}

// Snapshot converts a push frame into a normalized Task for taskID.
// The frame type decides the status when the frame carries none.
func (m ServerMessage) Snapshot(taskID string) Task {
	t := Task{
		ID:                taskID,
		Status:            m.Status,
		CurrentStageLabel: m.CurrentStageLabel,
		Result:            m.Result,
		ErrorMessage:      m.ErrorMessage,
	}
	if m.ProgressPercent != nil {
		t.ProgressPercent = *m.ProgressPercent
	}

	switch m.Type {
	case MessageCompleted:
		t.Status = StatusCompleted
	case MessageFailed:
		t.Status = StatusFailed
	case MessageCancelled:
		t.Status = StatusCancelled
	case MessageProgress:
		if t.Status == "" || t.Status.Terminal() {
			t.Status = StatusProcessing
		}
	}
	return t.Normalize()
}

// DecodeTask parses a GET /tasks/{taskId} body.
func DecodeTask(taskID string, data []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	if !t.Status.Valid() {
		return Task{}, fmt.Errorf("unknown task status %q", t.Status)
	}
	if t.ID == "" {
		t.ID = taskID
	}
	return t.Normalize(), nil
}

// FrameFor builds the push frame that announces t.
func FrameFor(t Task) ServerMessage {
	msg := ServerMessage{TaskID: t.ID, Status: t.Status}
	switch t.Status {
	case StatusCompleted:
		msg.Type = MessageCompleted
		msg.Result = t.Result
	case StatusFailed:
		msg.Type = MessageFailed
		msg.ErrorMessage = t.ErrorMessage
	case StatusCancelled:
		msg.Type = MessageCancelled
	default:
		msg.Type = MessageProgress
		progress := t.ProgressPercent
		msg.ProgressPercent = &progress
		msg.CurrentStageLabel = t.CurrentStageLabel
	}
	return msg
}
