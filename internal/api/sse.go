package api

import (
	"persona-chat/backend/internal/service"
	"persona-chat/backend/pkg/logger"
	"persona-chat/backend/pkg/ws"

	"github.com/gin-gonic/gin"
)

// eventStream writes a turn as server-sent events. Headers go out with the
// first event so errors raised before any output still render as JSON.
type eventStream struct {
	c       *gin.Context
	started bool
}

func newEventStream(c *gin.Context) *eventStream {
	return &eventStream{c: c}
}

func (s *eventStream) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

func (s *eventStream) event(name string, data any) error {
	s.start()
	s.c.SSEvent(name, data)
	s.c.Writer.Flush()
	return s.c.Request.Context().Err()
}

func (s *eventStream) Delta(text string) error {
	return s.event(ws.EventDelta, ws.Delta{Text: text})
}

func (s *eventStream) Finish(result *service.TurnResult) error {
	return s.event(ws.EventFinish, result)
}

// fail reports err: as a JSON error when nothing was streamed yet, as a
// terminal error event otherwise.
func (s *eventStream) fail(err error) {
	if err == nil {
		return
	}
	appErr := service.HTTPError(err)
	// ErrorHandler logs it, and renders JSON only while nothing was written
	s.c.Error(appErr)
	if !s.started {
		return
	}
	if s.c.Request.Context().Err() != nil {
		logger.FromGin(s.c).Info("client went away mid-stream", "error_code", appErr.Code)
		return
	}
	s.event(ws.EventError, ws.ErrorFrom(appErr))
}
