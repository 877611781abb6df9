package monitor

import (
	"encoding/json"

	"LexTrack/internal/task"
)

// ConnectionState is the per-handle transport state. It is never persisted.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
	Polling
	Terminal
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Polling:
		return "polling"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Callbacks receives task events. All callbacks of one Handle run on that
// handle's goroutine, one at a time. Nil fields are skipped.
type Callbacks struct {
	OnProgress     func(task.Task)
	OnCompleted    func(result json.RawMessage)
	OnFailed       func(err error)
	OnConnected    func()
	OnDisconnected func()
	OnStateChange  func(ConnectionState)
}
