package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"persona-chat/backend/pkg/health"
	"persona-chat/backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sockets int

func (s sockets) Count() int { return int(s) }

func healthRouter(checker *health.Checker) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHealthHandler(checker, sockets(2), "1.2.0").RegisterRoutes(r)
	return r
}

func TestHealth(t *testing.T) {
	checker := health.NewChecker(logger.Discard(), 0)
	checker.RegisterDatabaseCheck(func(context.Context) error { return nil })
	checker.RegisterRedisCheck(func(context.Context) error { return errors.New("refused") })
	checker.RunChecks(context.Background())

	w := do(healthRouter(checker), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "1.2.0", resp.Version)
	assert.Equal(t, 2, resp.WebSockets)
	assert.Equal(t, health.StatusDegraded, resp.Components["redis"].Status)
}

func TestHealthDatabaseDown(t *testing.T) {
	checker := health.NewChecker(logger.Discard(), 0)
	checker.RegisterDatabaseCheck(func(context.Context) error { return errors.New("refused") })
	checker.RunChecks(context.Background())

	r := healthRouter(checker)
	assert.Equal(t, http.StatusServiceUnavailable, do(r, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/health/live", "").Code)
}
