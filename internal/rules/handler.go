package rules

import (
	"net/http"

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
	rules := v1.Group("/rules")
	{
		rules.GET("", h.ListRules)
		rules.POST("", h.CreateRule)
		rules.POST("/test", h.TestPattern)
		rules.GET("/:id", h.GetRule)
		rules.PUT("/:id", h.UpdateRule)
		rules.DELETE("/:id", h.DeleteRule)
	}
}

func (h *Handler) handleError(c *gin.Context, err error) {
	h.logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)

	c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
}

// ConflictErrorResponse is returned when a rule pattern overlaps
// existing rules and force was not set.
type ConflictErrorResponse struct {
	Error    map[string]interface{} `json:"error"`
	Conflict *ConflictReport        `json:"conflict"`
}

func (h *Handler) handleConflict(c *gin.Context, report *ConflictReport, err error) {
	if report == nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusConflict, ConflictErrorResponse{
		Error:    errors.ToErrorResponse(err),
		Conflict: report,
	})
}

// ListRules godoc
// @Summary      List gating rules
// @Description  Get all rules in match order (priority descending, oldest first)
// @Tags         rules
// @Produce      json
// @Success      200  {array}   Rule
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /rules [get]
func (h *Handler) ListRules(c *gin.Context) {
	rules, err := h.service.List(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, rules)
}

// CreateRule godoc
// @Summary      Create a gating rule
// @Description  Create a rule; rejected with the conflict report when the pattern overlaps existing rules, unless force is set
// @Tags         rules
// @Accept       json
// @Produce      json
// @Param        rule  body      CreateRuleRequest  true  "Rule data"
// @Success      201   {object}  Rule
// @Failure      400   {object}  errors.ErrorResponse
// @Failure      403   {object}  errors.ErrorResponse
// @Failure      409   {object}  ConflictErrorResponse
// @Router       /rules [post]
func (h *Handler) CreateRule(c *gin.Context) {
	var req CreateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	rule, report, err := h.service.Create(c.Request.Context(), users.ActorFrom(c), req)
	if err != nil {
		h.handleConflict(c, report, err)
		return
	}

	c.JSON(http.StatusCreated, rule)
}

// GetRule godoc
// @Summary      Get a rule by ID
// @Tags         rules
// @Produce      json
// @Param        id   path      string  true  "Rule ID"
// @Success      200  {object}  Rule
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /rules/{id} [get]
func (h *Handler) GetRule(c *gin.Context) {
	rule, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// UpdateRule godoc
// @Summary      Update a rule
// @Tags         rules
// @Accept       json
// @Produce      json
// @Param        id    path      string             true  "Rule ID"
// @Param        rule  body      UpdateRuleRequest  true  "Updated fields"
// @Success      200   {object}  Rule
// @Failure      400   {object}  errors.ErrorResponse
// @Failure      403   {object}  errors.ErrorResponse
// @Failure      404   {object}  errors.ErrorResponse
// @Failure      409   {object}  ConflictErrorResponse
// @Router       /rules/{id} [put]
func (h *Handler) UpdateRule(c *gin.Context) {
	var req UpdateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	rule, report, err := h.service.Update(c.Request.Context(), users.ActorFrom(c), c.Param("id"), req)
	if err != nil {
		h.handleConflict(c, report, err)
		return
	}

	c.JSON(http.StatusOK, rule)
}

// DeleteRule godoc
// @Summary      Delete a rule
// @Tags         rules
// @Param        id  path  string  true  "Rule ID"
// @Success      204
// @Failure      403  {object}  errors.ErrorResponse
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /rules/{id} [delete]
func (h *Handler) DeleteRule(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), users.ActorFrom(c), c.Param("id")); err != nil {
		h.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// TestPattern godoc
// @Summary      Dry-run a rule pattern
// @Description  Validate a pattern, optionally match it against a sample command, and report probe-corpus overlap with existing rules
// @Tags         rules
// @Accept       json
// @Produce      json
// @Param        request  body      TestPatternRequest  true  "Pattern to test"
// @Success      200      {object}  TestPatternResult
// @Failure      400      {object}  errors.ErrorResponse
// @Router       /rules/test [post]
func (h *Handler) TestPattern(c *gin.Context) {
	var req TestPatternRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	result, err := h.service.TestPattern(c.Request.Context(), req)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
