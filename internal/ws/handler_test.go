package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"persona-chat/backend/internal/models"
	"persona-chat/backend/internal/service"
	apperrors "persona-chat/backend/pkg/errors"
	"persona-chat/backend/pkg/logger"
	"persona-chat/backend/pkg/middleware"
	wire "persona-chat/backend/pkg/ws"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTurns struct {
	generate func(ctx context.Context, req service.TurnRequest, sink service.TurnSink) (*service.TurnResult, error)
	cont     func(ctx context.Context, req service.ContinueRequest, sink service.TurnSink) (*service.TurnResult, error)
}

func (f *fakeTurns) GenerateTurn(ctx context.Context, req service.TurnRequest, sink service.TurnSink) (*service.TurnResult, error) {
	return f.generate(ctx, req, sink)
}

func (f *fakeTurns) ContinueTurn(ctx context.Context, req service.ContinueRequest, sink service.TurnSink) (*service.TurnResult, error) {
	return f.cont(ctx, req, sink)
}

// owners maps chat ids to their owner; a nil map lets anyone in.
type fakeAccess struct {
	owners map[string]string
}

func (f fakeAccess) Authorize(_ context.Context, chatID, userID string) error {
	if f.owners != nil && f.owners[chatID] != userID {
		return service.ErrChatNotFound
	}
	return nil
}

type fakeLimiter struct {
	mu     sync.Mutex
	budget int
	keys   []string
}

func (f *fakeLimiter) Allow(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	if f.budget <= 0 {
		return false
	}
	f.budget--
	return true
}

func startServer(t *testing.T, turns TurnService, opts ...func(*HubOptions)) (*Hub, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return startServerCtx(t, ctx, turns, opts...)
}

// startServerCtx serves the hub until ctx is done. The caller is picked
// from the user query parameter, defaulting to user-1.
func startServerCtx(t *testing.T, ctx context.Context, turns TurnService, opts ...func(*HubOptions)) (*Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	o := HubOptions{
		Turns:          turns,
		Chats:          fakeAccess{},
		AllowedOrigins: []string{"*"},
		Logger:         logger.Discard(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	hub := NewHub(o)
	go hub.Run(ctx)

	r := gin.New()
	r.Use(apperrors.ErrorHandler())
	r.GET("/chats/:chatId/ws", func(c *gin.Context) {
		user := c.DefaultQuery("user", "user-1")
		c.Set(middleware.UserIDKey, user)
		ServeWs(hub, c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func readFrame(t *testing.T, conn *websocket.Conn) wire.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var m wire.Message
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestChatStreamsDeltasAndFinish(t *testing.T) {
	var got service.TurnRequest
	turns := &fakeTurns{generate: func(_ context.Context, req service.TurnRequest, sink service.TurnSink) (*service.TurnResult, error) {
		got = req
		require.NoError(t, sink.Delta("Hello "))
		require.NoError(t, sink.Delta("there."))
		result := &service.TurnResult{Message: &models.Message{ID: "m-2", Role: models.RoleAssistant}}
		require.NoError(t, sink.Finish(result))
		return result, nil
	}}
	_, url := startServer(t, turns)
	conn := dial(t, url+"/chats/chat-1/ws")

	sendFrame(t, conn, `{"type":"chat","content":{"parentId":"p-1","parts":[{"type":"text","text":"hi"}]}}`)

	m := readFrame(t, conn)
	assert.Equal(t, wire.EventDelta, m.Type)
	assert.JSONEq(t, `{"text":"Hello "}`, string(m.Content))
	m = readFrame(t, conn)
	assert.JSONEq(t, `{"text":"there."}`, string(m.Content))

	m = readFrame(t, conn)
	assert.Equal(t, wire.EventFinish, m.Type)
	var result service.TurnResult
	require.NoError(t, json.Unmarshal(m.Content, &result))
	assert.Equal(t, "m-2", result.Message.ID)

	assert.Equal(t, "chat-1", got.ChatID)
	assert.Equal(t, "user-1", got.UserID)
	require.NotNil(t, got.ParentID)
	assert.Equal(t, "p-1", *got.ParentID)
	assert.Equal(t, "hi", got.Parts[0].Text)
}

func TestFinishReachesOtherTabs(t *testing.T) {
	turns := &fakeTurns{cont: func(_ context.Context, _ service.ContinueRequest, sink service.TurnSink) (*service.TurnResult, error) {
		result := &service.TurnResult{Message: &models.Message{ID: "m-9"}, Continued: true}
		return result, sink.Finish(result)
	}}
	hub, url := startServer(t, turns)
	a := dial(t, url+"/chats/chat-1/ws")
	b := dial(t, url+"/chats/chat-1/ws")
	other := dial(t, url+"/chats/chat-2/ws")

	require.Eventually(t, func() bool { return hub.Count() == 3 }, 2*time.Second, 10*time.Millisecond)

	sendFrame(t, a, `{"type":"continue"}`)

	assert.Equal(t, wire.EventFinish, readFrame(t, a).Type)
	assert.Equal(t, wire.EventFinish, readFrame(t, b).Type)

	sendFrame(t, other, `{"type":"ping"}`)
	assert.Equal(t, wire.EventPong, readFrame(t, other).Type)
}

func TestErrorsAreFramed(t *testing.T) {
	turns := &fakeTurns{generate: func(context.Context, service.TurnRequest, service.TurnSink) (*service.TurnResult, error) {
		return nil, service.ErrChatNotFound
	}}
	_, url := startServer(t, turns)
	conn := dial(t, url+"/chats/chat-1/ws")

	sendFrame(t, conn, `{"type":"chat","content":{}}`)
	m := readFrame(t, conn)
	assert.Equal(t, wire.EventError, m.Type)
	assert.JSONEq(t, `{"code":"CHAT_NOT_FOUND","message":"Chat not found"}`, string(m.Content))

	sendFrame(t, conn, `{"type":"dance"}`)
	m = readFrame(t, conn)
	assert.Equal(t, wire.EventError, m.Type)
	assert.Contains(t, string(m.Content), "VALIDATION_ERROR")
}

func TestDisconnectCancelsTurn(t *testing.T) {
	cancelled := make(chan struct{})
	turns := &fakeTurns{generate: func(ctx context.Context, _ service.TurnRequest, sink service.TurnSink) (*service.TurnResult, error) {
		sink.Delta("partial ")
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	}}
	_, url := startServer(t, turns)
	conn := dial(t, url+"/chats/chat-1/ws")

	sendFrame(t, conn, `{"type":"chat","content":{}}`)
	assert.Equal(t, wire.EventDelta, readFrame(t, conn).Type)
	conn.Close()

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("turn was not cancelled after disconnect")
	}
}

func TestForeignChatIsNotFound(t *testing.T) {
	called := false
	turns := &fakeTurns{generate: func(context.Context, service.TurnRequest, service.TurnSink) (*service.TurnResult, error) {
		called = true
		return nil, nil
	}}
	_, url := startServer(t, turns, func(o *HubOptions) {
		o.Chats = fakeAccess{owners: map[string]string{"chat-a": "owner"}}
	})

	conn, resp, err := websocket.DefaultDialer.Dial(url+"/chats/chat-a/ws?user=intruder", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Nil(t, conn)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), apperrors.CodeChatNotFound)

	owner := dial(t, url+"/chats/chat-a/ws?user=owner")
	sendFrame(t, owner, `{"type":"ping"}`)
	assert.Equal(t, wire.EventPong, readFrame(t, owner).Type)
	assert.False(t, called)
}

func TestFinishStaysWithTheOwner(t *testing.T) {
	turns := &fakeTurns{cont: func(_ context.Context, _ service.ContinueRequest, sink service.TurnSink) (*service.TurnResult, error) {
		result := &service.TurnResult{Message: &models.Message{ID: "m-private", Parts: models.TextParts("owner only")}}
		return result, sink.Finish(result)
	}}
	hub, url := startServer(t, turns)
	a := dial(t, url+"/chats/chat-a/ws?user=owner")
	b := dial(t, url+"/chats/chat-a/ws?user=owner")
	other := dial(t, url+"/chats/chat-a/ws?user=someone-else")

	require.Eventually(t, func() bool { return hub.Count() == 3 }, 2*time.Second, 10*time.Millisecond)

	sendFrame(t, a, `{"type":"continue"}`)
	assert.Equal(t, wire.EventFinish, readFrame(t, a).Type)
	assert.Equal(t, wire.EventFinish, readFrame(t, b).Type)

	// the broadcast pass is done once b has it, so other's first frame is the pong
	sendFrame(t, other, `{"type":"ping"}`)
	assert.Equal(t, wire.EventPong, readFrame(t, other).Type)
}

func TestTurnsAreRateLimitedPerUser(t *testing.T) {
	called := false
	turns := &fakeTurns{generate: func(context.Context, service.TurnRequest, service.TurnSink) (*service.TurnResult, error) {
		called = true
		return nil, nil
	}}
	limiter := &fakeLimiter{}
	_, url := startServer(t, turns, func(o *HubOptions) { o.Limiter = limiter })
	conn := dial(t, url+"/chats/chat-1/ws")

	sendFrame(t, conn, `{"type":"chat","content":{"parts":[{"type":"text","text":"hi"}]}}`)
	m := readFrame(t, conn)
	assert.Equal(t, wire.EventError, m.Type)
	assert.Contains(t, string(m.Content), apperrors.CodeRateLimitExceeded)

	// still usable afterwards
	sendFrame(t, conn, `{"type":"ping"}`)
	assert.Equal(t, wire.EventPong, readFrame(t, conn).Type)

	assert.False(t, called)
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.Equal(t, []string{"user:user-1"}, limiter.keys)
}

func TestStoppedHubClosesSockets(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub, url := startServerCtx(t, ctx, &fakeTurns{})
	conn := dial(t, url+"/chats/chat-1/ws")
	require.Eventually(t, func() bool { return hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.False(t, isTimeout(err))

	// late sockets are dropped instead of blocking on the stopped hub
	late := dial(t, url+"/chats/chat-1/ws")
	late.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = late.ReadMessage()
	require.Error(t, err)
	assert.False(t, isTimeout(err))
	assert.Equal(t, 0, hub.Count())
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
