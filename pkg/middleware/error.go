package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"nightowl-rewards/pkg/errutil"
)

// Error renders errors attached to the gin context with c.Error as JSON,
// mapping domain errors to their HTTP status.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		var be errutil.BaseError
		if errors.As(last.Err, &be) {
			c.JSON(be.Code.HTTPStatus(), be.JSON())
			return
		}

		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"code":    errutil.StatusInternal,
				"message": last.Error(),
			},
		})
	}
}
