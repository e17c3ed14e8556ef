// Package httpx writes the JSON envelopes shared by all handlers.
package httpx

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func OK(c *gin.Context, v any) {
	c.JSON(http.StatusOK, v)
}

// Err writes {"error": msg}. msg is a string or a list of field errors.
func Err(c *gin.Context, code int, msg any) {
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}
