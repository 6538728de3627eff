package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"pricewatch/internal/apperror"
)

type res struct {
	Success bool `json:"success"`
	Error   any  `json:"error"`
	Data    any  `json:"data"`
}

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error renders the first error a handler attached with c.Error.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if errors.Is(c.Request.Context().Err(), context.DeadlineExceeded) && !c.Writer.Written() {
			c.AbortWithStatusJSON(http.StatusGatewayTimeout, res{Error: apperror.ErrTimeout.Error()})
			return
		}

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors[0]

		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			fields := make([]fieldError, 0, len(ve))
			for _, fe := range ve {
				fields = append(fields, fieldError{Field: fe.Field(), Message: fe.Error()})
			}
			c.AbortWithStatusJSON(http.StatusBadRequest, res{Error: fields})
			return
		}

		var ae apperror.Error
		if errors.As(err, &ae) {
			c.AbortWithStatusJSON(ae.StatusCode, res{Error: ae.Error()})
			return
		}

		if errors.Is(err, context.DeadlineExceeded) {
			c.AbortWithStatusJSON(http.StatusGatewayTimeout, res{Error: apperror.ErrTimeout.Error()})
			return
		}

		c.AbortWithStatusJSON(http.StatusInternalServerError, res{Error: err.Error()})
	}
}

// Timeout puts a deadline on the request context. Handlers pass that context
// to every blocking call, so an expired deadline surfaces as an error that
// Error turns into a 504.
func Timeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// Logger logs one line per request.
func Logger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("err", c.Errors[0].Error()))
		}
		log.Debug("http", fields...)
	}
}
