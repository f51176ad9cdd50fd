package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"persona-chat/backend/internal/service"
	apperrors "persona-chat/backend/pkg/errors"
	"persona-chat/backend/pkg/logger"
	"persona-chat/backend/pkg/middleware"
	wire "persona-chat/backend/pkg/ws"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// errClientGone aborts a turn whose socket closed mid-stream
var errClientGone = errors.New("websocket client disconnected")

// TurnService runs generations for a socket
type TurnService interface {
	GenerateTurn(ctx context.Context, req service.TurnRequest, sink service.TurnSink) (*service.TurnResult, error)
	ContinueTurn(ctx context.Context, req service.ContinueRequest, sink service.TurnSink) (*service.TurnResult, error)
}

// ChatAccess fails with service.ErrChatNotFound unless the user owns the chat
type ChatAccess interface {
	Authorize(ctx context.Context, chatID, userID string) error
}

// TurnLimiter spends one generation token for key
type TurnLimiter interface {
	Allow(key string) bool
}

// HubOptions wires a Hub
type HubOptions struct {
	Turns TurnService
	Chats ChatAccess
	// Limiter is checked before every turn; nil admits all.
	Limiter TurnLimiter
	// AllowedOrigins of "*" accepts any origin.
	AllowedOrigins []string
	Logger         *logger.Logger
}

type broadcast struct {
	chatID string
	origin *Client
	data   []byte
}

// Hub tracks connected sockets so a finished turn reaches every tab open
// on the same chat.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan broadcast
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	turns      TurnService
	chats      ChatAccess
	limiter    TurnLimiter
	upgrader   websocket.Upgrader
	log        *logger.Logger
	mu         sync.Mutex
}

func NewHub(opts HubOptions) *Hub {
	log := opts.Logger
	if log == nil {
		log = logger.GetGlobal()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan broadcast),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		turns:      opts.Turns,
		chats:      opts.Chats,
		limiter:    opts.Limiter,
		upgrader: websocket.Upgrader{
			CheckOrigin:      originChecker(opts.AllowedOrigins),
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		log: log,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// Run serves registrations and broadcasts until ctx is done. Sockets still
// open at that point are closed.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for client := range h.clients {
			client.cancel()
		}
		h.clients = make(map[*Client]bool)
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			client.log.Debug("websocket client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()
			client.log.Debug("websocket client unregistered")

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if client == msg.origin || client.ChatID != msg.chatID || client.UserID != msg.origin.UserID {
					continue
				}
				select {
				case client.Send <- msg.data:
				default:
					client.log.Warn("dropping broadcast for slow websocket client")
				}
			}
			h.mu.Unlock()
		}
	}
}

// join registers client unless the hub has stopped.
func (h *Hub) join(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Client is one socket bound to a chat
type Client struct {
	ID     string
	ChatID string
	UserID string
	Conn   *websocket.Conn
	Send   chan []byte
	Hub    *Hub

	ctx    context.Context
	cancel context.CancelFunc
	log    *logger.Logger

	busyMu sync.Mutex
	busy   bool
}

func (c *Client) ReadPump() {
	defer func() {
		c.cancel()
		c.Hub.leave(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read failed", "error", err.Error())
			}
			return
		}

		var message wire.Message
		if err := json.Unmarshal(data, &message); err != nil {
			c.sendError(apperrors.NewValidationError("malformed frame"))
			continue
		}
		c.handleMessage(message)
	}
}

func (c *Client) handleMessage(message wire.Message) {
	switch message.Type {
	case wire.TypePing:
		c.sendMessage(wire.EventPong, nil)
	case wire.TypeChat:
		var req service.TurnRequest
		if err := json.Unmarshal(message.Content, &req); err != nil {
			c.sendError(apperrors.NewValidationError("malformed chat request"))
			return
		}
		req.ChatID, req.UserID = c.ChatID, c.UserID
		c.startTurn(func(ctx context.Context, sink service.TurnSink) (*service.TurnResult, error) {
			return c.Hub.turns.GenerateTurn(ctx, req, sink)
		})
	case wire.TypeContinue:
		var req service.ContinueRequest
		if len(message.Content) > 0 {
			if err := json.Unmarshal(message.Content, &req); err != nil {
				c.sendError(apperrors.NewValidationError("malformed continue request"))
				return
			}
		}
		req.ChatID, req.UserID = c.ChatID, c.UserID
		c.startTurn(func(ctx context.Context, sink service.TurnSink) (*service.TurnResult, error) {
			return c.Hub.turns.ContinueTurn(ctx, req, sink)
		})
	default:
		c.sendError(apperrors.NewValidationError(fmt.Sprintf("unknown message type %q", message.Type)))
	}
}

// startTurn runs one generation in the background; a socket runs at most
// one at a time.
func (c *Client) startTurn(run func(context.Context, service.TurnSink) (*service.TurnResult, error)) {
	c.busyMu.Lock()
	if c.busy {
		c.busyMu.Unlock()
		c.sendError(apperrors.NewConflictError(apperrors.CodeTurnInProgress, "A turn is already in progress"))
		return
	}
	if c.Hub.limiter != nil && !c.Hub.limiter.Allow(middleware.UserKey(c.UserID)) {
		c.busyMu.Unlock()
		c.log.Warn("websocket turn rate limited")
		c.sendError(apperrors.NewTooManyRequestsError(apperrors.CodeRateLimitExceeded, "Too many requests. Please try again later."))
		return
	}
	c.busy = true
	c.busyMu.Unlock()

	go func() {
		defer func() {
			c.busyMu.Lock()
			c.busy = false
			c.busyMu.Unlock()
		}()

		sink := service.SinkFuncs{
			OnDelta: func(text string) error {
				return c.sendMessage(wire.EventDelta, wire.Delta{Text: text})
			},
			OnFinish: func(result *service.TurnResult) error {
				data, err := wire.Encode(wire.EventFinish, result)
				if err != nil {
					return err
				}
				if err := c.send(data); err != nil {
					return err
				}
				select {
				case c.Hub.broadcast <- broadcast{chatID: c.ChatID, origin: c, data: data}:
				case <-c.ctx.Done():
				case <-c.Hub.done:
				}
				return nil
			},
		}

		ctx := logger.NewContext(c.ctx, c.log)
		if _, err := run(ctx, sink); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.sendError(service.HTTPError(err))
		}
	}()
}

func (c *Client) sendMessage(messageType string, content any) error {
	data, err := wire.Encode(messageType, content)
	if err != nil {
		c.log.LogError(err, "encoding websocket frame", "type", messageType)
		return err
	}
	return c.send(data)
}

func (c *Client) send(data []byte) error {
	select {
	case c.Send <- data:
		return nil
	case <-c.ctx.Done():
		return errClientGone
	}
}

func (c *Client) sendError(appErr *apperrors.AppError) {
	c.sendMessage(wire.EventError, wire.ErrorFrom(appErr))
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs upgrades the request into a turn socket for the chat in the
// route. Auth must have run; a chat the caller does not own is 404.
func ServeWs(hub *Hub, c *gin.Context) {
	chatID := c.Param("chatId")
	userID := middleware.UserID(c)

	if err := hub.chats.Authorize(c.Request.Context(), chatID, userID); err != nil {
		c.Error(service.HTTPError(err))
		return
	}

	conn, err := hub.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.FromGin(c).Warn("websocket upgrade failed", "error", err.Error())
		return
	}
	conn.EnableWriteCompression(true)

	// The socket outlives the request, so it gets its own context
	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		ID:     uuid.NewString(),
		ChatID: chatID,
		UserID: userID,
		Conn:   conn,
		Send:   make(chan []byte, 256),
		Hub:    hub,
		ctx:    ctx,
		cancel: cancel,
	}
	client.log = logger.FromGin(c).WithChatID(chatID).With("client_id", client.ID)

	if !hub.join(client) {
		cancel()
		conn.Close()
		return
	}
	client.log.Info("websocket connection established")

	go client.WritePump()
	go client.ReadPump()
}
