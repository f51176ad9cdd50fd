package api

import (
	"net/http"
	"runtime"
	"time"

	"persona-chat/backend/pkg/health"

	"github.com/gin-gonic/gin"
)

// ConnectionCounter reports open WebSocket connections
type ConnectionCounter interface {
	Count() int
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	checker *health.Checker
	sockets ConnectionCounter
	version string
}

// HealthResponse represents the health check response structure
type HealthResponse struct {
	Status     string                       `json:"status"`
	Timestamp  time.Time                    `json:"timestamp"`
	Version    string                       `json:"version"`
	Components map[string]*health.Component `json:"components"`
	WebSockets int                          `json:"websockets"`
	Memory     MemoryStats                  `json:"memory"`
}

// MemoryStats is a coarse view of runtime.MemStats
type MemoryStats struct {
	AllocMB  uint64 `json:"allocMb"`
	SysMB    uint64 `json:"sysMb"`
	GCCycles uint32 `json:"gcCycles"`
}

// NewHealthHandler creates a health handler. sockets may be nil.
func NewHealthHandler(checker *health.Checker, sockets ConnectionCounter, version string) *HealthHandler {
	return &HealthHandler{checker: checker, sockets: sockets, version: version}
}

// Health reports component status; 503 while a critical component is down
func (h *HealthHandler) Health(c *gin.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := HealthResponse{
		Status:     "ok",
		Timestamp:  time.Now().UTC(),
		Version:    h.version,
		Components: h.checker.GetStatus(),
		Memory: MemoryStats{
			AllocMB:  mem.Alloc / 1024 / 1024,
			SysMB:    mem.Sys / 1024 / 1024,
			GCCycles: mem.NumGC,
		},
	}
	if h.sockets != nil {
		resp.WebSockets = h.sockets.Count()
	}

	code := http.StatusOK
	if !h.checker.IsSystemHealthy() {
		resp.Status, code = "unavailable", http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

// Live answers as long as the process serves HTTP
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RegisterRoutes registers health check related routes
func (h *HealthHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health", h.Health)
	r.GET("/health/live", h.Live)
}
