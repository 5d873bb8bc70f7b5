package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/seedworks/seed/internal/apperr"
)

// Errors renders the last error a handler recorded with c.Error as
// {"message": ...} using the status of its apperr kind. Unclassified errors
// render as 500 with their text.
func Errors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		c.AbortWithStatusJSON(apperr.Status(err), apperr.Body(err))
	}
}

// NoRoute and NoMethod render the router's fallbacks in the same shape.
func NoRoute(c *gin.Context) {
	err := apperr.NotFound("")
	c.AbortWithStatusJSON(apperr.Status(err), apperr.Body(err))
}

func NoMethod(c *gin.Context) {
	err := apperr.MethodNotAllowed("")
	c.AbortWithStatusJSON(apperr.Status(err), apperr.Body(err))
}
