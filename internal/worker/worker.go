package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/franzego/notifyrelay/internal/channels"
	"github.com/franzego/notifyrelay/internal/models"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ResponsePublisher sends a response to an envelope's reply destination.
type ResponsePublisher interface {
	PublishResponse(ctx context.Context, replyTo string, resp models.Response) error
}

// Ledger records decided outcomes by correlation id.
type Ledger interface {
	Recall(ctx context.Context, correlationID string) (models.Status, bool, error)
	Remember(ctx context.Context, correlationID string, status models.Status) error
}

// Worker consumes envelopes from one channel queue, decides an outcome,
// answers on the reply destination and only then acks.
type Worker struct {
	channel     string
	sender      channels.Sender
	publisher   ResponsePublisher
	ledger      Ledger
	limiter     *rate.Limiter
	concurrency int
	logger      *zap.Logger
	onDecided   func(channel, status string)
}

// NewWorker constructs a worker. ledger, limiter and onDecided are optional.
func NewWorker(
	channel string,
	sender channels.Sender,
	publisher ResponsePublisher,
	ledger Ledger,
	limiter *rate.Limiter,
	concurrency int,
	logger *zap.Logger,
	onDecided func(channel, status string),
) *Worker {
	if onDecided == nil {
		onDecided = func(string, string) {}
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		channel:     channel,
		sender:      sender,
		publisher:   publisher,
		ledger:      ledger,
		limiter:     limiter,
		concurrency: concurrency,
		logger:      logger,
		onDecided:   onDecided,
	}
}

// Run processes deliveries with up to concurrency handlers until ctx is
// cancelled or the delivery channel closes.
func (w *Worker) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.logger.Info("worker started", zap.String("channel", w.channel), zap.Int("concurrency", w.concurrency))

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					if err := w.Handle(ctx, d); err != nil {
						w.logger.Error("failed to handle delivery",
							zap.Int("handler", id),
							zap.String("correlation_id", d.CorrelationId),
							zap.Error(err),
						)
					}
				}
			}
		}(i)
	}
	wg.Wait()

	w.logger.Info("worker stopping", zap.String("channel", w.channel))
}

// Handle runs one message through received, evaluated, responded, acknowledged.
// Transport failures leave the message unacknowledged for redelivery.
func (w *Worker) Handle(ctx context.Context, d amqp.Delivery) error {
	log := w.logger.With(zap.String("correlation_id", d.CorrelationId))

	var n models.Notification
	if err := json.Unmarshal(d.Body, &n); err != nil {
		if rejErr := d.Reject(false); rejErr != nil {
			log.Error("failed to reject malformed envelope", zap.Error(rejErr))
		}
		return fmt.Errorf("decode envelope: %w", err)
	}
	log = log.With(zap.String("notification_id", n.ID))
	log.Info("received notification", zap.String("recipient", n.Recipient))

	status, err := w.evaluate(ctx, d.CorrelationId, n, log)
	if err != nil {
		return w.requeue(d, err, log)
	}
	n.Status = status

	if d.ReplyTo == "" {
		log.Warn("envelope has no reply destination, acknowledging without response")
	} else {
		resp := models.Response{Notification: n, CorrelationID: d.CorrelationId}
		if err := w.publisher.PublishResponse(ctx, d.ReplyTo, resp); err != nil {
			return w.requeue(d, err, log)
		}
		log.Info("sent response", zap.String("status", string(status)))
	}

	if err := d.Ack(false); err != nil {
		return fmt.Errorf("ack delivery: %w", err)
	}
	return nil
}

func (w *Worker) evaluate(ctx context.Context, correlationID string, n models.Notification, log *zap.Logger) (models.Status, error) {
	if w.ledger != nil && correlationID != "" {
		status, found, err := w.ledger.Recall(ctx, correlationID)
		if err != nil {
			log.Warn("outcome ledger unavailable", zap.Error(err))
		} else if found {
			log.Info("redelivered envelope, replaying recorded outcome", zap.String("status", string(status)))
			return status, nil
		}
	}

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	outcome := w.sender.AttemptDelivery(ctx, n)
	status := outcome.Status()
	if outcome.Delivered {
		log.Info("message delivered")
	} else {
		log.Warn("message failed", zap.String("reason", outcome.Reason))
	}
	w.onDecided(w.channel, string(status))

	if w.ledger != nil && correlationID != "" {
		if err := w.ledger.Remember(ctx, correlationID, status); err != nil {
			log.Warn("failed to record outcome", zap.Error(err))
		}
	}
	return status, nil
}

func (w *Worker) requeue(d amqp.Delivery, cause error, log *zap.Logger) error {
	if err := d.Nack(false, true); err != nil {
		log.Error("failed to nack delivery", zap.Error(err))
	}
	return cause
}
