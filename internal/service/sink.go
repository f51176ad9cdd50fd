package service

import "persona-chat/backend/internal/models"

// TurnSink receives the output of a generation as it happens. Delta is
// called with smoothed text, Finish once with the persisted result. An error
// from either aborts the turn.
type TurnSink interface {
	Delta(text string) error
	Finish(result *TurnResult) error
}

// TurnResult is what a finished turn wrote
type TurnResult struct {
	// UserMessage is nil for regenerations and continuations.
	UserMessage *models.Message `json:"userMessage,omitempty"`
	Message     *models.Message `json:"message"`
	// Continued is set when Message was extended in place.
	Continued bool `json:"continued,omitempty"`
}

// SinkFuncs adapts plain functions to TurnSink
type SinkFuncs struct {
	OnDelta  func(string) error
	OnFinish func(*TurnResult) error
}

func (s SinkFuncs) Delta(text string) error {
	if s.OnDelta == nil {
		return nil
	}
	return s.OnDelta(text)
}

func (s SinkFuncs) Finish(result *TurnResult) error {
	if s.OnFinish == nil {
		return nil
	}
	return s.OnFinish(result)
}
