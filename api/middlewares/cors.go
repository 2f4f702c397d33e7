package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AllowAllCORS permits any origin. Auth is out of scope here; deployments put
// their own gateway in front.
func AllowAllCORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, X-User-Id")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
