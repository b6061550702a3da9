package commands

import (
	"net/http"
	"strconv"

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
	commands := v1.Group("/commands")
	{
		commands.POST("", h.SubmitCommand)
		commands.GET("", h.ListCommands)
		commands.GET("/:id", h.GetCommand)
		commands.POST("/:id/resubmit", h.ResubmitCommand)
	}
}

func (h *Handler) handleError(c *gin.Context, err error) {
	h.logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)

	c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
}

// SubmitCommand godoc
// @Summary      Submit a command for gating
// @Description  Match the command against the rule set and execute, reject or queue it for approval
// @Tags         commands
// @Accept       json
// @Produce      json
// @Param        request  body      SubmitCommandRequest  true  "Command text"
// @Success      200      {object}  SubmissionResult
// @Failure      400      {object}  errors.ErrorResponse
// @Failure      402      {object}  errors.ErrorResponse
// @Failure      409      {object}  errors.ErrorResponse
// @Router       /commands [post]
func (h *Handler) SubmitCommand(c *gin.Context) {
	var req SubmitCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	result, err := h.service.Submit(c.Request.Context(), users.ActorFrom(c), req.Command)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// ListCommands godoc
// @Summary      List commands
// @Description  Own commands for members; all commands (optionally filtered by status) for admins
// @Tags         commands
// @Produce      json
// @Param        status  query     string  false  "Filter by status (admins only)"
// @Param        limit   query     int     false  "Maximum results"
// @Success      200     {array}   Command
// @Failure      500     {object}  errors.ErrorResponse
// @Router       /commands [get]
func (h *Handler) ListCommands(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	commands, err := h.service.List(c.Request.Context(), users.ActorFrom(c), Status(c.Query("status")), limit)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, commands)
}

// GetCommand godoc
// @Summary      Get a command by ID
// @Tags         commands
// @Produce      json
// @Param        id   path      string  true  "Command ID"
// @Success      200  {object}  Command
// @Failure      403  {object}  errors.ErrorResponse
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /commands/{id} [get]
func (h *Handler) GetCommand(c *gin.Context) {
	cmd, err := h.service.Get(c.Request.Context(), users.ActorFrom(c), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, cmd)
}

// ResubmitCommand godoc
// @Summary      Resubmit a pending command
// @Description  Re-check the approval tally for an earlier command; never re-runs rule matching
// @Tags         commands
// @Produce      json
// @Param        id   path      string  true  "Command ID"
// @Success      200  {object}  SubmissionResult
// @Failure      403  {object}  errors.ErrorResponse
// @Failure      404  {object}  errors.ErrorResponse
// @Failure      409  {object}  errors.ErrorResponse
// @Router       /commands/{id}/resubmit [post]
func (h *Handler) ResubmitCommand(c *gin.Context) {
	result, err := h.service.Resubmit(c.Request.Context(), users.ActorFrom(c), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
