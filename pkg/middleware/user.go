package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"ontask/pkg/errutil"
)

// UserHeader carries the email of the authenticated instructor. The
// reverse proxy in front of the service sets it.
const UserHeader = "X-ONTASK-USER"

const userKey = "ontask.user"

// RequireUser rejects requests without UserHeader.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		email := strings.TrimSpace(c.GetHeader(UserHeader))
		if email == "" {
			_ = c.Error(errutil.Unauthorized("missing "+UserHeader+" header", nil))
			c.Abort()
			return
		}
		c.Set(userKey, strings.ToLower(email))
		c.Next()
	}
}

// UserEmail returns the email stored by RequireUser.
func UserEmail(c *gin.Context) string {
	v, ok := c.Get(userKey)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
