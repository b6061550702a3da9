package audit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"cmdgate/internal/constants"
	"cmdgate/internal/logger"
	"cmdgate/internal/users"
	"cmdgate/pkg/errors"
)

type Handler struct {
	recorder Recorder
	logger   logger.Logger
}

func NewHandler(recorder Recorder, log logger.Logger) *Handler {
	return &Handler{
		recorder: recorder,
		logger:   log,
	}
}

func (h *Handler) RegisterRoutes(v1 *gin.RouterGroup) {
	v1.GET("/audit/logs", h.GetAuditLogs)
}

// GetAuditLogs godoc
// @Summary      Query the audit trail
// @Description  Newest first; admins may filter by user, members see only their own events
// @Tags         audit
// @Produce      json
// @Param        user_id  query     string  false  "Filter by user (admins only)"
// @Param        limit    query     int     false  "Maximum results"
// @Success      200      {array}   Event
// @Failure      500      {object}  errors.ErrorResponse
// @Router       /audit/logs [get]
func (h *Handler) GetAuditLogs(c *gin.Context) {
	actor := users.ActorFrom(c)

	userID := c.Query("user_id")
	if !actor.IsAdmin() {
		userID = actor.ID
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 || limit > constants.MaxLimit {
		limit = constants.DefaultLimit
	}

	events, err := h.recorder.List(c.Request.Context(), userID, limit)
	if err != nil {
		h.logger.ErrorwCtx(c.Request.Context(), "Failed to list audit events", "error", err)
		c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
		return
	}

	c.JSON(http.StatusOK, events)
}
