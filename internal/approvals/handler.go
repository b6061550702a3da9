package approvals

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"cmdgate/internal/logger"
	"cmdgate/internal/users"
	"cmdgate/pkg/errors"
)

type Handler struct {
	service *Service
	logger  logger.Logger
}

func NewHandler(service *Service, log logger.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  log,
	}
}

func (h *Handler) RegisterRoutes(v1 *gin.RouterGroup) {
	v1.POST("/commands/:id/votes", h.CastVote)

	approvals := v1.Group("/approvals")
	{
		approvals.GET("/pending", h.PendingApprovals)
		approvals.GET("/escalations", h.PendingEscalations)
	}
}

func (h *Handler) handleError(c *gin.Context, err error) {
	h.logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)

	c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
}

// CastVote godoc
// @Summary      Vote on a command awaiting approval
// @Description  Record an approve/reject decision; one vote per admin per command, a repeat vote is a no-op
// @Tags         approvals
// @Accept       json
// @Produce      json
// @Param        id       path      string           true  "Command ID"
// @Param        request  body      CastVoteRequest  true  "Decision"
// @Success      200      {object}  VoteResult
// @Failure      400      {object}  errors.ErrorResponse
// @Failure      403      {object}  errors.ErrorResponse
// @Failure      404      {object}  errors.ErrorResponse
// @Failure      409      {object}  errors.ErrorResponse
// @Router       /commands/{id}/votes [post]
func (h *Handler) CastVote(c *gin.Context) {
	var req CastVoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	result, err := h.service.CastVote(c.Request.Context(), users.ActorFrom(c), c.Param("id"), req.Decision)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// PendingApprovals godoc
// @Summary      List the approval queue
// @Description  Commands awaiting approval, oldest first, with vote tallies and rule detail
// @Tags         approvals
// @Produce      json
// @Success      200  {array}   PendingCommand
// @Failure      403  {object}  errors.ErrorResponse
// @Router       /approvals/pending [get]
func (h *Handler) PendingApprovals(c *gin.Context) {
	pending, err := h.service.PendingApprovals(c.Request.Context(), users.ActorFrom(c))
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, pending)
}

// PendingEscalations godoc
// @Summary      List escalated commands
// @Description  Commands awaiting approval longer than the timeout (default one hour)
// @Tags         approvals
// @Produce      json
// @Param        timeout_minutes  query     int  false  "Escalation window in minutes"
// @Success      200  {array}   PendingCommand
// @Failure      403  {object}  errors.ErrorResponse
// @Router       /approvals/escalations [get]
func (h *Handler) PendingEscalations(c *gin.Context) {
	var timeout time.Duration
	if raw := c.Query("timeout_minutes"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes <= 0 {
			c.JSON(http.StatusBadRequest, errors.ToErrorResponse(
				errors.ErrValidation.WithDetail("message", "timeout_minutes must be a positive integer")))
			return
		}
		timeout = time.Duration(minutes) * time.Minute
	}

	escalated, err := h.service.PendingEscalations(c.Request.Context(), users.ActorFrom(c), timeout)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, escalated)
}
