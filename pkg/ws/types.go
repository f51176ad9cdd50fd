package ws

import (
	"encoding/json"

	"persona-chat/backend/pkg/errors"
)

// Event names shared by the SSE and WebSocket transports
const (
	EventDelta  = "delta"
	EventFinish = "finish"
	EventError  = "error"
	EventPong   = "pong"
)

// Client request types
const (
	TypeChat     = "chat"
	TypeContinue = "continue"
	TypePing     = "ping"
)

// Message is one WebSocket frame in either direction
type Message struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Delta carries a chunk of smoothed text
type Delta struct {
	Text string `json:"text"`
}

// Error is the payload of an error event
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorFrom renders appErr as an error event payload.
func ErrorFrom(appErr *errors.AppError) Error {
	return Error{Code: appErr.Code, Message: appErr.Message}
}

// Encode builds a frame with content marshalled as JSON.
func Encode(messageType string, content any) ([]byte, error) {
	var raw json.RawMessage
	if content != nil {
		b, err := json.Marshal(content)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Message{Type: messageType, Content: raw})
}
