package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type BrokerStatus interface {
	IsConnected() bool
}

// ReplyListener reports whether responses from workers are being consumed.
type ReplyListener interface {
	Listening() bool
}

type HealthHandler struct {
	broker  BrokerStatus
	redis   redis.Cmdable
	replies ReplyListener
}

// NewHealthHandler builds the handler. replies may be nil.
func NewHealthHandler(broker BrokerStatus, redis redis.Cmdable, replies ReplyListener) *HealthHandler {
	return &HealthHandler{broker: broker, redis: redis, replies: replies}
}

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)

	if h.broker.IsConnected() {
		checks["rabbitmq"] = "healthy"
	} else {
		checks["rabbitmq"] = "unhealthy"
	}

	if h.replies != nil {
		if h.replies.Listening() {
			checks["reply_consumer"] = "healthy"
		} else {
			checks["reply_consumer"] = "unhealthy"
		}
	}

	if err := h.redis.Ping(ctx).Err(); err == nil {
		checks["redis"] = "healthy"
	} else {
		checks["redis"] = "unhealthy"
	}

	overallStatus := "healthy"
	for _, status := range checks {
		if status == "unhealthy" {
			overallStatus = "unhealthy"
			break
		}
	}

	statusCode := http.StatusOK
	if overallStatus == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":    overallStatus,
		"timestamp": time.Now().Format(time.RFC3339),
		"checks":    checks,
	})
}
