package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/franzego/notifyrelay/internal/config"
	"github.com/franzego/notifyrelay/internal/models"
	"github.com/franzego/notifyrelay/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Broker is the part of the RabbitMQ client the dispatcher needs.
type Broker interface {
	DeclareQueue(ctx context.Context, name string) error
	Publish(ctx context.Context, queueName string, env models.Envelope) error
}

// Store enumerates pending work and records confirmed outcomes.
type Store interface {
	ListPending(ctx context.Context) ([]models.Notification, error)
	SetStatus(ctx context.Context, id string, status models.Status) error
}

type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeError     Outcome = "error"
	// OutcomeSkipped marks a notification that was never attempted because
	// the batch context ended first.
	OutcomeSkipped   Outcome = "skipped"
)

// Result describes one dispatch attempt.
type Result struct {
	NotificationID string        `json:"notification_id"`
	CorrelationID  string        `json:"correlation_id,omitempty"`
	Queue          string        `json:"queue"`
	Outcome        Outcome       `json:"outcome"`
	Status         models.Status `json:"status,omitempty"`
	Err            error         `json:"-"`
}

// Hooks carries optional metric callbacks.
type Hooks struct {
	OnAttempt func(queue, outcome string)
	OnReply   func(queue string, latency time.Duration)
}

type Dispatcher struct {
	broker      Broker
	store       Store
	matcher     *Matcher
	router      queue.Router
	replyTo     string
	timeout     time.Duration
	maxInFlight int
	logger      *zap.Logger
	hooks       Hooks
}

func NewDispatcher(
	broker Broker,
	store Store,
	matcher *Matcher,
	router queue.Router,
	replyTo string,
	cfg config.DispatchConfig,
	logger *zap.Logger,
	hooks Hooks,
) *Dispatcher {
	if hooks.OnAttempt == nil {
		hooks.OnAttempt = func(string, string) {}
	}
	if hooks.OnReply == nil {
		hooks.OnReply = func(string, time.Duration) {}
	}
	return &Dispatcher{
		broker:      broker,
		store:       store,
		matcher:     matcher,
		router:      router,
		replyTo:     replyTo,
		timeout:     cfg.ReplyTimeout,
		maxInFlight: cfg.MaxInFlight,
		logger:      logger,
		hooks:       hooks,
	}
}

// ProcessPending dispatches every pending notification concurrently. It only
// fails when the pending list cannot be read; per-attempt failures are
// reported in the results.
//
// Once ctx is done no new attempt starts and the remaining notifications are
// reported as skipped, still Pending. Attempts already published run to their
// reply timeout so a worker's answer is not thrown away.
func (d *Dispatcher) ProcessPending(ctx context.Context) ([]Result, error) {
	pending, err := d.store.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending notifications: %w", err)
	}

	results := make([]Result, len(pending))
	var g errgroup.Group
	if d.maxInFlight > 0 {
		g.SetLimit(d.maxInFlight)
	}
	attemptCtx := context.WithoutCancel(ctx)
	for i, n := range pending {
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i] = Result{
					NotificationID: n.ID,
					Queue:          d.router.QueueFor(n.Channel),
					Outcome:        OutcomeSkipped,
				}
				return nil
			}
			results[i], _ = d.Dispatch(attemptCtx, n)
			return nil
		})
	}
	_ = g.Wait()

	if skipped := Summarize(results).Skipped; skipped > 0 {
		d.logger.Warn("batch deadline reached, notifications left pending",
			zap.Int("skipped", skipped),
			zap.Error(ctx.Err()),
		)
	}

	return results, nil
}

// Dispatch runs one exchange for n: declare the channel queue, arm the reply
// waiter, publish, then wait for the worker's answer. A timeout is not an
// error; the notification stays pending for a later attempt.
func (d *Dispatcher) Dispatch(ctx context.Context, n models.Notification) (Result, error) {
	queueName := d.router.QueueFor(n.Channel)
	res := Result{NotificationID: n.ID, Queue: queueName}
	log := d.logger.With(
		zap.String("notification_id", n.ID),
		zap.String("queue", queueName),
	)

	fail := func(err error) (Result, error) {
		res.Outcome = OutcomeError
		res.Err = err
		d.hooks.OnAttempt(queueName, string(OutcomeError))
		log.Error("dispatch attempt failed", zap.Error(err))
		return res, err
	}

	if err := n.Validate(); err != nil {
		return fail(err)
	}
	if err := d.broker.DeclareQueue(ctx, queueName); err != nil {
		return fail(err)
	}

	env, err := BuildEnvelope(n, d.replyTo)
	if err != nil {
		return fail(err)
	}
	res.CorrelationID = env.CorrelationID
	log = log.With(zap.String("correlation_id", env.CorrelationID))

	waiter, err := d.matcher.Register(env.CorrelationID)
	if err != nil {
		return fail(err)
	}

	start := time.Now()
	if err := d.broker.Publish(ctx, queueName, env); err != nil {
		waiter.Cancel()
		return fail(err)
	}

	resp, err := waiter.Wait(ctx, d.timeout)
	if errors.Is(err, models.ErrReplyTimeout) {
		res.Outcome = OutcomeTimeout
		d.hooks.OnAttempt(queueName, string(OutcomeTimeout))
		log.Warn("response timeout occurred, no response received", zap.Duration("timeout", d.timeout))
		return res, nil
	}
	if err != nil {
		return fail(err)
	}

	d.hooks.OnReply(queueName, time.Since(start))
	d.hooks.OnAttempt(queueName, string(OutcomeDelivered))
	res.Outcome = OutcomeDelivered
	res.Status = resp.Notification.Status
	log.Info("received response",
		zap.String("status", string(resp.Notification.Status)),
		zap.String("message", resp.Notification.Message),
	)

	if err := d.record(ctx, n, resp.Notification.Status); err != nil {
		res.Err = err
		log.Error("failed to record outcome", zap.Error(err))
		return res, err
	}
	return res, nil
}

// record stores only confirmed outcomes.
func (d *Dispatcher) record(ctx context.Context, n models.Notification, status models.Status) error {
	if status != models.StatusSuccess && status != models.StatusFailed {
		d.logger.Warn("response carried no delivery outcome, leaving notification pending",
			zap.String("notification_id", n.ID),
			zap.String("status", string(status)),
		)
		return nil
	}
	if err := d.store.SetStatus(ctx, n.ID, status); err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// Summarize counts results by outcome.
func Summarize(results []Result) models.ProcessSummary {
	s := models.ProcessSummary{Total: len(results)}
	for _, r := range results {
		switch r.Outcome {
		case OutcomeDelivered:
			s.Delivered++
		case OutcomeTimeout:
			s.TimedOut++
		case OutcomeSkipped:
			s.Skipped++
		default:
			s.Errored++
		}
	}
	return s
}
