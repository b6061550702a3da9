package users

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"cmdgate/internal/logger"
	pkgerrors "cmdgate/pkg/errors"
	"cmdgate/pkg/logging"
)

const actorContextKey = "actor"

// IdentityMiddleware resolves the caller from the X-User-ID header.
// Token validation happens upstream; by the time a request reaches this
// service the header carries a verified user id.
func IdentityMiddleware(repo Repository, log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				pkgerrors.ToErrorResponse(pkgerrors.ErrUnauthorized.WithDetail("message", "missing X-User-ID header")))
			return
		}

		user, err := repo.GetByID(c.Request.Context(), userID)
		if err != nil {
			if pkgerrors.IsNotFound(err) {
				c.AbortWithStatusJSON(http.StatusUnauthorized,
					pkgerrors.ToErrorResponse(pkgerrors.ErrUnauthorized.WithDetail("message", "unknown user")))
				return
			}
			log.ErrorwCtx(c.Request.Context(), "Failed to resolve caller", "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError,
				pkgerrors.ToErrorResponse(pkgerrors.ErrInternal))
			return
		}

		c.Set(actorContextKey, user)
		c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), user.ID))
		c.Next()
	}
}

// ActorFrom returns the resolved caller for the request, or nil when the
// identity middleware did not run.
func ActorFrom(c *gin.Context) *User {
	v, ok := c.Get(actorContextKey)
	if !ok {
		return nil
	}
	user, ok := v.(*User)
	if !ok {
		return nil
	}
	return user
}
