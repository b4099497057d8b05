package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SetupRouter registers every route on a fresh engine. Operator routes are
// only mounted when admin is non-nil.
func SetupRouter(h *Handler, admin *AdminHandler, gatherer prometheus.Gatherer, log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(RecoveryMiddleware(log))
	r.Use(LoggerMiddleware(log.Named("access")))
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	{
		api.POST("/webhooks/payment", h.ReceivePaymentEvent)
		api.GET("/payouts/attempts/:key", h.GetPaymentAttempt)
		api.GET("/health/queues", h.QueueHealth)
	}

	if admin != nil {
		ops := api.Group("/admin", admin.RequireToken())
		ops.POST("/groups/:id/cycles/:cycle/payout/rearm", admin.RearmPayout)
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return r
}
