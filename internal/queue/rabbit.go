package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/franzego/notifyrelay/internal/config"
	"github.com/franzego/notifyrelay/internal/models"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("rabbitmq client closed")

// RabbitMqClient holds one connection per process and hands out channels
// from a small pool. Long-lived consumers get their own dedicated channel.
type RabbitMqClient struct {
	conn     *amqp.Connection
	config   config.RabbitMQConfig
	channels chan *amqp.Channel
	logger   *zap.Logger

	mu        sync.Mutex
	consumers []*amqp.Channel
	closed    bool
}

func NewRabbitMqService(cfg config.RabbitMQConfig, logger *zap.Logger) (*RabbitMqClient, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	size := cfg.ChannelPoolSize
	if size <= 0 {
		size = 1
	}
	return &RabbitMqClient{
		conn:     conn,
		config:   cfg,
		channels: make(chan *amqp.Channel, size),
		logger:   logger,
	}, nil
}

func (r *RabbitMqClient) IsConnected() bool {
	return r.conn != nil && !r.conn.IsClosed()
}

func (r *RabbitMqClient) CloseConnection() {
	r.mu.Lock()
	r.closed = true
	consumers := r.consumers
	r.consumers = nil
	r.mu.Unlock()

	for _, ch := range consumers {
		_ = ch.Close()
	}
	for {
		select {
		case ch := <-r.channels:
			_ = ch.Close()
		default:
			if err := r.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				r.logger.Warn("closing rabbitmq connection", zap.Error(err))
			}
			return
		}
	}
}

// WithChannel runs fn on a pooled channel. The channel goes back to the pool
// only when fn succeeds; after an error the broker may have closed it.
func (r *RabbitMqClient) WithChannel(fn func(ch *amqp.Channel) error) error {
	ch, err := r.acquire()
	if err != nil {
		return err
	}
	if err := fn(ch); err != nil {
		_ = ch.Close()
		return err
	}
	r.release(ch)
	return nil
}

func (r *RabbitMqClient) acquire() (*amqp.Channel, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	for {
		select {
		case ch := <-r.channels:
			if !ch.IsClosed() {
				return ch, nil
			}
		default:
			ch, err := r.conn.Channel()
			if err != nil {
				return nil, fmt.Errorf("open channel: %w", err)
			}
			return ch, nil
		}
	}
}

func (r *RabbitMqClient) release(ch *amqp.Channel) {
	if ch.IsClosed() {
		return
	}
	select {
	case r.channels <- ch:
	default:
		_ = ch.Close()
	}
}

// DeclareQueue declares a durable channel queue with priority support.
func (r *RabbitMqClient) DeclareQueue(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.WithChannel(func(ch *amqp.Channel) error {
		return declareQueue(ch, name, r.config.MaxPriority)
	})
}

func declareQueue(ch *amqp.Channel, name string, maxPriority int) error {
	_, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // auto-deleted
		false, // exclusive
		false, // no-wait
		queueArgs(maxPriority),
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return nil
}

func queueArgs(maxPriority int) amqp.Table {
	return amqp.Table{"x-max-priority": int32(maxPriority)}
}

// Publish sends an envelope to the default exchange, routed by queue name.
func (r *RabbitMqClient) Publish(ctx context.Context, queueName string, env models.Envelope) error {
	err := r.WithChannel(func(ch *amqp.Channel) error {
		return ch.PublishWithContext(ctx, "", queueName, false, false, envelopePublishing(env))
	})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// PublishResponse answers an envelope on its reply destination.
func (r *RabbitMqClient) PublishResponse(ctx context.Context, replyTo string, resp models.Response) error {
	msg, err := responsePublishing(resp)
	if err != nil {
		return err
	}
	err = r.WithChannel(func(ch *amqp.Channel) error {
		return ch.PublishWithContext(ctx, "", replyTo, false, false, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to publish response: %w", err)
	}
	return nil
}

// ConsumeReplies declares the reply queue and starts an auto-ack consumer on
// a dedicated channel. An empty name yields a server-named exclusive queue
// that lives as long as this connection.
func (r *RabbitMqClient) ConsumeReplies(name string) (string, <-chan amqp.Delivery, error) {
	ch, err := r.dedicatedChannel()
	if err != nil {
		return "", nil, err
	}
	exclusive := name == ""
	q, err := ch.QueueDeclare(name, !exclusive, exclusive, exclusive, false, nil)
	if err != nil {
		_ = ch.Close()
		return "", nil, fmt.Errorf("declare reply queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, exclusive, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return "", nil, fmt.Errorf("consume reply queue: %w", err)
	}
	return q.Name, deliveries, nil
}

// Consume starts a manual-ack consumer on a channel queue with the given prefetch.
func (r *RabbitMqClient) Consume(queueName string, prefetch int) (<-chan amqp.Delivery, error) {
	ch, err := r.dedicatedChannel()
	if err != nil {
		return nil, err
	}
	if err := declareQueue(ch, queueName, r.config.MaxPriority); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("set prefetch: %w", err)
		}
	}
	deliveries, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume %s: %w", queueName, err)
	}
	return deliveries, nil
}

func (r *RabbitMqClient) dedicatedChannel() (*amqp.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	r.consumers = append(r.consumers, ch)
	return ch, nil
}

func envelopePublishing(env models.Envelope) amqp.Publishing {
	msg := amqp.Publishing{
		ContentType:   env.ContentType,
		Body:          env.Body,
		Priority:      env.Priority,
		CorrelationId: env.CorrelationID,
		ReplyTo:       env.ReplyTo,
		Timestamp:     time.Now(),
	}
	if env.Persistent {
		msg.DeliveryMode = amqp.Persistent
	}
	return msg
}

func responsePublishing(resp models.Response) (amqp.Publishing, error) {
	by, err := json.Marshal(resp.Notification)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal response: %w", err)
	}
	return amqp.Publishing{
		ContentType:   "application/json",
		Body:          by,
		CorrelationId: resp.CorrelationID,
		Timestamp:     time.Now(),
	}, nil
}
