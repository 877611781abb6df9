package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// Session is the durable state of one in-progress page flow
type Session struct {
	Key       string         `json:"-"`
	CreatedAt time.Time      `json:"-"`
	ExpiresAt time.Time      `json:"-"`
	Payload   map[string]any `json:"-"`
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// record is the stored layout: {"createdAt": <unix millis>, "payload": {...}}
type record struct {
	CreatedAt int64          `json:"createdAt"`
	Payload   map[string]any `json:"payload"`
}

func encode(createdAt time.Time, payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(record{CreatedAt: createdAt.UnixMilli(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	return data, nil
}

func decode(data []byte) (record, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{}, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if rec.CreatedAt <= 0 {
		return record{}, fmt.Errorf("session has no createdAt")
	}
	if rec.Payload == nil {
		return record{}, fmt.Errorf("session has no payload object")
	}
	return rec, nil
}
