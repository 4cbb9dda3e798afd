package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ontask/pkg/errutil"
)

// Error renders the last error attached to the context. Coded errors keep
// their status; anything else is a 500 with no detail.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		var v errutil.BaseError
		if errors.As(last.Err, &v) {
			if v.Code.HTTPStatus() >= http.StatusInternalServerError {
				zap.L().Error("[HTTP] request failed", zap.String("path", c.FullPath()), zap.Error(last.Err))
			}
			c.JSON(v.Code.HTTPStatus(), v)
			return
		}

		zap.L().Error("[HTTP] unexpected error", zap.String("path", c.FullPath()), zap.Error(last.Err))
		c.JSON(http.StatusInternalServerError, errutil.BaseError{
			Code:    errutil.StatusInternal,
			Message: "internal server error",
		})
	}
}
