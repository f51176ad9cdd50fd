package api

import (
	"context"
	"net/http"
	"strconv"

	"persona-chat/backend/internal/models"
	"persona-chat/backend/internal/service"
	"persona-chat/backend/internal/thread"
	"persona-chat/backend/pkg/errors"
	"persona-chat/backend/pkg/logger"
	"persona-chat/backend/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// ChatReader serves chat creation and the read side of the tree
type ChatReader interface {
	CreateChat(ctx context.Context, userID string, req models.CreateChatRequest) (*models.Chat, []models.Message, error)
	GetThread(ctx context.Context, q service.ThreadQuery) (*service.ThreadView, error)
	GetBranches(ctx context.Context, chatID, userID string) (map[string][]thread.BranchEntry, error)
	GetBranchPreview(ctx context.Context, chatID, userID, parentID string) ([]thread.BranchPreview, error)
}

// TurnRunner runs generations
type TurnRunner interface {
	GenerateTurn(ctx context.Context, req service.TurnRequest, sink service.TurnSink) (*service.TurnResult, error)
	ContinueTurn(ctx context.Context, req service.ContinueRequest, sink service.TurnSink) (*service.TurnResult, error)
}

// ChatController handles the chat endpoints
type ChatController struct {
	chats ChatReader
	turns TurnRunner
}

// NewChatController creates a new chat controller
func NewChatController(chats ChatReader, turns TurnRunner) *ChatController {
	return &ChatController{chats: chats, turns: turns}
}

// RegisterRoutes registers the chat routes on an authenticated group.
// generation guards the two streaming endpoints.
func (h *ChatController) RegisterRoutes(rg *gin.RouterGroup, generation ...gin.HandlerFunc) {
	guarded := func(handler gin.HandlerFunc) []gin.HandlerFunc {
		return append(append([]gin.HandlerFunc{}, generation...), handler)
	}

	chats := rg.Group("/chats")
	{
		chats.POST("", h.CreateChat)
		chats.GET("/:chatId/messages", h.GetThread)
		chats.POST("/:chatId/chat", guarded(h.GenerateTurn)...)
		chats.POST("/:chatId/continue", guarded(h.ContinueTurn)...)
		chats.GET("/:chatId/branches", h.GetBranches)
		chats.GET("/:chatId/branches/:parentId", h.GetBranchPreview)
	}
}

// CreateChat creates a chat and its greeting in one transaction
func (h *ChatController) CreateChat(c *gin.Context) {
	var req models.CreateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewValidationError("Invalid request format").WithDetails(err.Error()))
		return
	}

	chat, messages, err := h.chats.CreateChat(c.Request.Context(), middleware.UserID(c), req)
	if err != nil {
		c.Error(service.HTTPError(err))
		return
	}

	logger.FromGin(c).Info("chat created", "chat_id", chat.ID, "persona_id", chat.PersonaID)
	c.JSON(http.StatusCreated, gin.H{
		"chat":     chat,
		"messages": messages,
	})
}

// GetThread returns one branch of the chat, root side first
func (h *ChatController) GetThread(c *gin.Context) {
	q := service.ThreadQuery{
		ChatID: c.Param("chatId"),
		UserID: middleware.UserID(c),
	}
	if id := c.Query("messageId"); id != "" {
		q.MessageID = &id
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			c.Error(errors.NewValidationError("limit must be a positive integer"))
			return
		}
		q.Limit = limit
	}
	if raw := c.Query("strict"); raw != "" {
		strict, err := strconv.ParseBool(raw)
		if err != nil {
			c.Error(errors.NewValidationError("strict must be a boolean"))
			return
		}
		q.Strict = strict
	}

	view, err := h.chats.GetThread(c.Request.Context(), q)
	if err != nil {
		c.Error(service.HTTPError(err))
		return
	}
	c.JSON(http.StatusOK, view)
}

// GenerateTurn streams a new assistant reply as server-sent events
func (h *ChatController) GenerateTurn(c *gin.Context) {
	var req service.TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewValidationError("Invalid request format").WithDetails(err.Error()))
		return
	}
	req.ChatID = c.Param("chatId")
	req.UserID = middleware.UserID(c)

	stream := newEventStream(c)
	_, err := h.turns.GenerateTurn(c.Request.Context(), req, stream)
	stream.fail(err)
}

// ContinueTurn streams an in-place extension of an assistant message
func (h *ChatController) ContinueTurn(c *gin.Context) {
	var req service.ContinueRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(errors.NewValidationError("Invalid request format").WithDetails(err.Error()))
			return
		}
	}
	req.ChatID = c.Param("chatId")
	req.UserID = middleware.UserID(c)

	stream := newEventStream(c)
	_, err := h.turns.ContinueTurn(c.Request.Context(), req, stream)
	stream.fail(err)
}

// GetBranches returns the parent to children map, roots under "root"
func (h *ChatController) GetBranches(c *gin.Context) {
	branches, err := h.chats.GetBranches(c.Request.Context(), c.Param("chatId"), middleware.UserID(c))
	if err != nil {
		c.Error(service.HTTPError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"branches": branches})
}

// GetBranchPreview lists the children of one parent with preview text
func (h *ChatController) GetBranchPreview(c *gin.Context) {
	previews, err := h.chats.GetBranchPreview(c.Request.Context(), c.Param("chatId"), middleware.UserID(c), c.Param("parentId"))
	if err != nil {
		c.Error(service.HTTPError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"branches": previews})
}
