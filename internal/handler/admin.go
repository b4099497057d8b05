package handler

import (
	"crypto/subtle"
	"errors"
	"strconv"
	"strings"

	"tontinepay/internal/repository"
	"tontinepay/internal/service"
	"tontinepay/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AdminHandler serves operator endpoints.
type AdminHandler struct {
	recovery *service.PayoutRecovery
	token    string
	log      *zap.Logger
}

// NewAdminHandler guards its routes with token.
func NewAdminHandler(recovery *service.PayoutRecovery, token string, log *zap.Logger) *AdminHandler {
	return &AdminHandler{
		recovery: recovery,
		token:    token,
		log:      log.Named("admin"),
	}
}

// RequireToken accepts requests carrying "Authorization: Bearer <token>".
func (h *AdminHandler) RequireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if h.token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
			response.Unauthorized(c, "admin token required")
			return
		}
		c.Next()
	}
}

// RearmPayout gives a payout that failed for good a fresh attempt budget.
// POST /api/v1/admin/groups/:id/cycles/:cycle/payout/rearm
func (h *AdminHandler) RearmPayout(c *gin.Context) {
	groupID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || groupID <= 0 {
		response.ParamError(c, "invalid group id")
		return
	}
	cycle, err := strconv.Atoi(c.Param("cycle"))
	if err != nil || cycle <= 0 {
		response.ParamError(c, "invalid cycle")
		return
	}

	result, err := h.recovery.Rearm(c.Request.Context(), groupID, cycle)
	switch {
	case err == nil:
		h.log.Info("payout re-armed", zap.Int64("group_id", groupID), zap.Int("cycle", cycle), zap.String("client_ip", c.ClientIP()))
		response.Success(c, result)
	case errors.Is(err, repository.ErrGroupNotFound), errors.Is(err, repository.ErrAttemptNotFound):
		response.NotFound(c, response.CodeNotFound, err.Error())
	case errors.Is(err, service.ErrPayoutAlreadyPaid):
		response.Conflict(c, response.CodePayoutAlreadyPaid, err.Error())
	case errors.Is(err, service.ErrNothingToRearm):
		response.Conflict(c, response.CodeNothingToRearm, err.Error())
	case errors.Is(err, service.ErrAttemptInProgress):
		response.Conflict(c, response.CodeAttemptInProgress, err.Error())
	default:
		h.log.Error("re-arm payout", zap.Int64("group_id", groupID), zap.Int("cycle", cycle), zap.Error(err))
		response.ServerError(c, "internal error")
	}
}
