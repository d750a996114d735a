package services

import (
	"context"
	"fmt"

	"github.com/franzego/notifyrelay/internal/dispatch"
	"github.com/franzego/notifyrelay/internal/models"
	"go.uber.org/zap"
)

type Store interface {
	Add(ctx context.Context, n *models.Notification) error
	Get(ctx context.Context, id string) (models.Notification, error)
	Update(ctx context.Context, n models.Notification) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]models.Notification, error)
}

type PendingProcessor interface {
	ProcessPending(ctx context.Context) ([]dispatch.Result, error)
}

// NotificationService owns notification records and hands pending ones to
// the dispatcher.
type NotificationService struct {
	store     Store
	processor PendingProcessor
	logger    *zap.Logger
}

func NewNotificationService(store Store, processor PendingProcessor, logger *zap.Logger) *NotificationService {
	return &NotificationService{store: store, processor: processor, logger: logger}
}

// Create validates n and stores it as Pending. The generated id is written
// back into n.
func (s *NotificationService) Create(ctx context.Context, n *models.Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	n.Normalize()
	n.Status = models.StatusPending
	if err := s.store.Add(ctx, n); err != nil {
		return err
	}
	s.logger.Info("notification created",
		zap.String("notification_id", n.ID),
		zap.String("channel", n.Channel),
	)
	return nil
}

func (s *NotificationService) Get(ctx context.Context, id string) (models.Notification, error) {
	return s.store.Get(ctx, id)
}

func (s *NotificationService) List(ctx context.Context) ([]models.Notification, error) {
	return s.store.List(ctx)
}

// Update replaces the notification stored under id. A blank status keeps the
// stored one.
func (s *NotificationService) Update(ctx context.Context, id string, n models.Notification) (models.Notification, error) {
	if err := n.Validate(); err != nil {
		return models.Notification{}, err
	}
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return models.Notification{}, err
	}
	n.ID = id
	n.Normalize()
	if n.Status == "" {
		n.Status = current.Status
	}
	if err := s.store.Update(ctx, n); err != nil {
		return models.Notification{}, err
	}
	return n, nil
}

func (s *NotificationService) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("notification deleted", zap.String("notification_id", id))
	return nil
}

// ProcessPending dispatches every pending notification and reports how each
// attempt ended.
func (s *NotificationService) ProcessPending(ctx context.Context) (models.ProcessSummary, error) {
	results, err := s.processor.ProcessPending(ctx)
	if err != nil {
		return models.ProcessSummary{}, fmt.Errorf("process pending: %w", err)
	}
	summary := dispatch.Summarize(results)
	s.logger.Info("pending notifications processed",
		zap.Int("total", summary.Total),
		zap.Int("delivered", summary.Delivered),
		zap.Int("timed_out", summary.TimedOut),
		zap.Int("errored", summary.Errored),
		zap.Int("skipped", summary.Skipped),
	)
	return summary, nil
}
