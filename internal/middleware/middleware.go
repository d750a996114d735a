package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	CorrelationHeader = "X-Correlation-ID"
	CorrelationKey    = "correlation_id"
)

// needed to ensure we have the id for tracking every request for its lifetime
func CorrelationID() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		correlationID := ctx.GetHeader(CorrelationHeader)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		ctx.Set(CorrelationKey, correlationID)
		ctx.Header(CorrelationHeader, correlationID)
		ctx.Next()
	}
}

// RequestLogger logs one line per request once the handler chain returns.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()

		fields := []zap.Field{
			zap.String("method", ctx.Request.Method),
			zap.String("path", ctx.FullPath()),
			zap.Int("status", ctx.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String(CorrelationKey, ctx.GetString(CorrelationKey)),
		}
		switch {
		case ctx.Writer.Status() >= 500:
			logger.Error("request failed", fields...)
		case len(ctx.Errors) > 0:
			logger.Warn("request completed with errors", append(fields, zap.String("errors", ctx.Errors.String()))...)
		default:
			logger.Info("request completed", fields...)
		}
	}
}
