package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/franzego/notifyrelay/internal/models"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ErrRepliesClosed is returned by Run when the broker closes the reply
// consumer, typically because the connection was lost.
var ErrRepliesClosed = errors.New("reply consumer closed")

// Matcher pairs responses arriving on the shared reply queue with the
// dispatch attempt that issued their correlation id.
type Matcher struct {
	mu      sync.Mutex
	waiters map[string]chan models.Response

	logger    *zap.Logger
	onDropped func(reason string)
	listening atomic.Bool
}

// NewMatcher constructs a Matcher. onDropped is optional.
func NewMatcher(logger *zap.Logger, onDropped func(reason string)) *Matcher {
	if onDropped == nil {
		onDropped = func(string) {}
	}
	return &Matcher{
		waiters:   make(map[string]chan models.Response),
		logger:    logger,
		onDropped: onDropped,
	}
}

// Waiter is interest in one correlation id.
type Waiter struct {
	id string
	ch chan models.Response
	m  *Matcher
}

// Register arms a waiter for correlationID. It must be called before the
// matching envelope is published.
func (m *Matcher) Register(correlationID string) (*Waiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.waiters[correlationID]; exists {
		return nil, fmt.Errorf("%w: %s", models.ErrDuplicateCorrelation, correlationID)
	}
	ch := make(chan models.Response, 1)
	m.waiters[correlationID] = ch
	return &Waiter{id: correlationID, ch: ch, m: m}, nil
}

// Await registers correlationID and waits for its response.
func (m *Matcher) Await(ctx context.Context, correlationID string, timeout time.Duration) (models.Response, error) {
	w, err := m.Register(correlationID)
	if err != nil {
		return models.Response{}, err
	}
	return w.Wait(ctx, timeout)
}

// Wait blocks until the response arrives, timeout elapses or ctx is done.
// On timeout it returns models.ErrReplyTimeout and the id is retired, so a
// late response is dropped.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) (models.Response, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case resp := <-w.ch:
		return resp, nil
	case <-timer.C:
		err = models.ErrReplyTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}

	if w.m.retire(w.id) {
		return models.Response{}, err
	}
	// Resolved between the deadline and retirement; Deliver buffers before releasing the lock.
	return <-w.ch, nil
}

// Cancel withdraws interest without waiting.
func (w *Waiter) Cancel() {
	w.m.retire(w.id)
}

func (m *Matcher) retire(correlationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.waiters[correlationID]; !ok {
		return false
	}
	delete(m.waiters, correlationID)
	return true
}

// Deliver inspects one reply and resolves its waiter if there is one.
// Malformed and unmatched replies are dropped.
func (m *Matcher) Deliver(correlationID string, body []byte) bool {
	log := m.logger.With(zap.String("correlation_id", correlationID))

	var n models.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		log.Warn("dropping malformed response", zap.Error(fmt.Errorf("%w: %v", models.ErrMalformedResponse, err)))
		m.onDropped("malformed")
		return false
	}

	m.mu.Lock()
	ch, ok := m.waiters[correlationID]
	if ok {
		delete(m.waiters, correlationID)
		ch <- models.Response{Notification: n, CorrelationID: correlationID}
	}
	m.mu.Unlock()

	if !ok {
		log.Warn("dropping unmatched response", zap.String("notification_id", n.ID))
		m.onDropped("unmatched")
	}
	return ok
}

// Run feeds replies from the broker into Deliver until ctx is done or the
// delivery channel closes. A closed channel yields ErrRepliesClosed; from
// then on no attempt can be answered.
func (m *Matcher) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	m.listening.Store(true)
	defer m.listening.Store(false)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				m.logger.Error("reply consumer closed", zap.Int("pending", m.Pending()))
				return ErrRepliesClosed
			}
			m.Deliver(d.CorrelationId, d.Body)
		}
	}
}

// Listening reports whether Run is consuming replies.
func (m *Matcher) Listening() bool {
	return m.listening.Load()
}

// Pending reports how many correlation ids are currently awaited.
func (m *Matcher) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
