package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/franzego/notifyrelay/internal/models"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type NotificationService interface {
	Create(ctx context.Context, n *models.Notification) error
	Get(ctx context.Context, id string) (models.Notification, error)
	List(ctx context.Context) ([]models.Notification, error)
	Update(ctx context.Context, id string, n models.Notification) (models.Notification, error)
	Delete(ctx context.Context, id string) error
	ProcessPending(ctx context.Context) (models.ProcessSummary, error)
}

type NotificationHandler struct {
	service     NotificationService
	logger      *zap.Logger
	batchBudget time.Duration
}

// NewNotificationHandler builds the handler. batchBudget bounds how long
// process-pending keeps starting new attempts; zero means no bound.
func NewNotificationHandler(service NotificationService, logger *zap.Logger, batchBudget time.Duration) *NotificationHandler {
	return &NotificationHandler{service: service, logger: logger, batchBudget: batchBudget}
}

// Register mounts the notification routes on rg.
func (h *NotificationHandler) Register(rg *gin.RouterGroup) {
	rg.POST("", h.Create)
	rg.GET("", h.List)
	rg.POST("/process-pending", h.ProcessPending)
	rg.GET("/:id", h.Get)
	rg.PUT("/:id", h.Update)
	rg.DELETE("/:id", h.Delete)
}

func (h *NotificationHandler) Create(c *gin.Context) {
	var req models.Notification
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.APIResponse{
			Success: false,
			Error:   err.Error(),
			Message: "Invalid Request Body",
		})
		return
	}
	if err := h.service.Create(c.Request.Context(), &req); err != nil {
		h.fail(c, err, "failed to create notification")
		return
	}
	c.JSON(http.StatusCreated, models.APIResponse{
		Success: true,
		Message: "Notification created",
		Data:    req,
	})
}

func (h *NotificationHandler) Get(c *gin.Context) {
	n, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "failed to load notification")
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{Success: true, Message: "OK", Data: n})
}

func (h *NotificationHandler) List(c *gin.Context) {
	all, err := h.service.List(c.Request.Context())
	if err != nil {
		h.fail(c, err, "failed to list notifications")
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{Success: true, Message: "OK", Data: all})
}

func (h *NotificationHandler) Update(c *gin.Context) {
	var req models.Notification
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.APIResponse{
			Success: false,
			Error:   err.Error(),
			Message: "Invalid Request Body",
		})
		return
	}
	n, err := h.service.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.fail(c, err, "failed to update notification")
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{Success: true, Message: "Notification updated", Data: n})
}

func (h *NotificationHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err, "failed to delete notification")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *NotificationHandler) ProcessPending(c *gin.Context) {
	ctx := c.Request.Context()
	if h.batchBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.batchBudget)
		defer cancel()
	}
	summary, err := h.service.ProcessPending(ctx)
	if err != nil {
		h.fail(c, err, "failed to process pending notifications")
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Pending notifications processed",
		Data:    summary,
	})
}

func (h *NotificationHandler) fail(c *gin.Context, err error, msg string) {
	code, message := statusFor(err)
	if code == http.StatusInternalServerError {
		h.logger.Error(msg, zap.String("correlation_id", c.GetString("correlation_id")), zap.Error(err))
	}
	c.JSON(code, models.APIResponse{
		Success: false,
		Error:   err.Error(),
		Message: message,
	})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest, "Validation failed"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "Notification not found"
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}
