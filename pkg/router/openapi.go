package router

import (
	"fmt"
	"net/http"

	"persona-chat/backend/pkg/validator"

	"github.com/gin-gonic/gin"
)

// addOpenAPIValidation validates the API group against the embedded
// document and serves the document under /api/docs.
func (r *Router) addOpenAPIValidation(group *gin.RouterGroup) error {
	r.Engine.GET("/api/docs/openapi.yaml", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/yaml", validator.Document())
	})

	if !r.Config.Observability.OpenAPIEnabled {
		r.Logger.Info("OpenAPI validation disabled")
		return nil
	}

	v, err := validator.NewOpenAPIValidator()
	if err != nil {
		return fmt.Errorf("initializing OpenAPI validator: %w", err)
	}
	group.Use(v.Middleware())
	r.Logger.Info("OpenAPI validation enabled", "url", "/api/docs/openapi.yaml")
	return nil
}
