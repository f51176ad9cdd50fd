package observability

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	metrics "github.com/slok/go-http-metrics/metrics/prometheus"
	"github.com/slok/go-http-metrics/middleware"
	ginmiddleware "github.com/slok/go-http-metrics/middleware/gin"
)

// HTTPMetrics records request duration, size and in-flight counts per route
// template, so ids in paths do not blow up label cardinality.
func HTTPMetrics(reg prometheus.Registerer) gin.HandlerFunc {
	mdlw := middleware.New(middleware.Config{
		Recorder: metrics.NewRecorder(metrics.Config{
			Registry: reg,
			Prefix:   "persona_chat",
		}),
		GroupedStatus: true,
	})

	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ginmiddleware.Handler(route, mdlw)(c)
	}
}
