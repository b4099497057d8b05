package handler

import (
	"context"
	"errors"

	"tontinepay/internal/config"
	"tontinepay/internal/infrastructure/metrics"
	"tontinepay/internal/job"
	"tontinepay/internal/model"
	"tontinepay/internal/repository"
	"tontinepay/internal/service"
	"tontinepay/pkg/response"
	"tontinepay/pkg/signature"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"go.uber.org/zap"
)

type queueHealthChecker interface {
	HealthCheck(ctx context.Context) (map[string]job.QueueHealth, error)
}

// Handler holds the dependencies of every endpoint.
type Handler struct {
	events  *service.EventProcessor
	ledger  *service.LedgerService
	workers queueHealthChecker
	webhook config.WebhookConfig
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewHandler(events *service.EventProcessor, ledger *service.LedgerService, workers queueHealthChecker,
	webhook config.WebhookConfig, m *metrics.Metrics, log *zap.Logger) *Handler {
	return &Handler{
		events:  events,
		ledger:  ledger,
		workers: workers,
		webhook: webhook,
		metrics: m,
		log:     log.Named("http"),
	}
}

// ReceivePaymentEvent verifies, validates and enqueues a payment-confirmation
// webhook. Business logic runs later in the payment-events queue.
// POST /api/v1/webhooks/payment
func (h *Handler) ReceivePaymentEvent(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		h.metrics.EventReceived("bad_request")
		response.ParamError(c, "unreadable body")
		return
	}

	if !signature.Verify(raw, c.GetHeader(h.webhook.SignatureHeader), h.webhook.Secret) {
		h.metrics.EventReceived("unauthorized")
		h.log.Warn("rejected payment event with bad signature", zap.String("client_ip", c.ClientIP()))
		response.Unauthorized(c, "invalid signature")
		return
	}

	var event model.PaymentEvent
	if err := binding.JSON.BindBody(raw, &event); err != nil {
		h.metrics.EventReceived("bad_request")
		response.ParamError(c, "invalid payload: "+err.Error())
		return
	}

	handle, err := h.events.Submit(c.Request.Context(), &event)
	if err != nil {
		h.metrics.EventReceived("error")
		h.log.Error("enqueue payment event", zap.String("reference", event.ExternalReference), zap.Error(err))
		response.ServerError(c, "internal error")
		return
	}

	if handle.Created {
		h.metrics.EventReceived("accepted")
	} else {
		h.metrics.EventReceived("duplicate")
	}
	response.Success(c, gin.H{
		"job_id":    handle.JobNo,
		"duplicate": !handle.Created,
	})
}

// GetPaymentAttempt returns the ledger row of one payout.
// GET /api/v1/payouts/attempts/:key
func (h *Handler) GetPaymentAttempt(c *gin.Context) {
	attempt, err := h.ledger.Get(c.Request.Context(), c.Param("key"))
	if err != nil {
		if errors.Is(err, repository.ErrAttemptNotFound) {
			response.NotFound(c, response.CodeAttemptNotFound, "payment attempt not found")
			return
		}
		h.log.Error("load payment attempt", zap.Error(err))
		response.ServerError(c, "internal error")
		return
	}

	response.Success(c, gin.H{
		"idempotency_key": attempt.IdempotencyKey,
		"group_id":        attempt.GroupID,
		"cycle_number":    attempt.CycleNumber,
		"status":          attempt.Status,
		"terminal":        attempt.IsTerminal(),
		"attempt_count":   attempt.AttemptCount,
		"max_attempts":    attempt.MaxAttempts,
		"receipt":         attempt.Receipt,
		"rail_fee":        attempt.RailFee,
		"error_message":   attempt.ErrorMessage,
		"updated_at":      attempt.UpdatedAt,
	})
}

// QueueHealth reports per-queue job counts and worker liveness.
// GET /api/v1/health/queues
func (h *Handler) QueueHealth(c *gin.Context) {
	health, err := h.workers.HealthCheck(c.Request.Context())
	if err != nil {
		h.log.Error("queue health check", zap.Error(err))
		response.ServerError(c, "health check failed")
		return
	}
	response.Success(c, gin.H{"queues": health})
}
