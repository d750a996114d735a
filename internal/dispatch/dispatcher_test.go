package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/franzego/notifyrelay/internal/channels"
	"github.com/franzego/notifyrelay/internal/config"
	"github.com/franzego/notifyrelay/internal/models"
	"github.com/franzego/notifyrelay/internal/queue"
	"github.com/franzego/notifyrelay/internal/store"
	"github.com/franzego/notifyrelay/internal/worker"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const replyQueue = "amq.gen-test-reply"

var testRabbit = config.RabbitMQConfig{
	EmailQueue:   "email_notification_queue",
	PushQueue:    "push_notification_queue",
	DefaultQueue: "default_notification_queue",
}

// memBroker records declarations and publishes and hands each envelope to
// the consumer registered for its queue.
type memBroker struct {
	mu         sync.Mutex
	declared   map[string]int
	published  map[string][]models.Envelope
	pendingAt  []int
	consumers  map[string]func(models.Envelope)
	failFor    map[string]error
	declareErr error
	matcher    *Matcher
}

func newMemBroker(m *Matcher) *memBroker {
	return &memBroker{
		declared:  make(map[string]int),
		published: make(map[string][]models.Envelope),
		consumers: make(map[string]func(models.Envelope)),
		failFor:   make(map[string]error),
		matcher:   m,
	}
}

func (b *memBroker) DeclareQueue(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.declareErr != nil {
		return b.declareErr
	}
	b.declared[name]++
	return nil
}

func (b *memBroker) Publish(_ context.Context, queueName string, env models.Envelope) error {
	var n models.Notification
	_ = json.Unmarshal(env.Body, &n)

	b.mu.Lock()
	if err := b.failFor[n.ID]; err != nil {
		b.mu.Unlock()
		return err
	}
	b.published[queueName] = append(b.published[queueName], env)
	b.pendingAt = append(b.pendingAt, b.matcher.Pending())
	consume := b.consumers[queueName]
	b.mu.Unlock()

	if consume != nil {
		go consume(env)
	}
	return nil
}

func (b *memBroker) queueSize(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[name])
}

// replyPublisher routes worker responses straight into the matcher.
type replyPublisher struct {
	matcher *Matcher
}

func (p replyPublisher) PublishResponse(_ context.Context, replyTo string, resp models.Response) error {
	if replyTo != replyQueue {
		return errors.New("unexpected reply destination " + replyTo)
	}
	body, err := json.Marshal(resp.Notification)
	if err != nil {
		return err
	}
	p.matcher.Deliver(resp.CorrelationID, body)
	return nil
}

type nopAcknowledger struct{}

func (nopAcknowledger) Ack(uint64, bool) error        { return nil }
func (nopAcknowledger) Nack(uint64, bool, bool) error { return nil }
func (nopAcknowledger) Reject(uint64, bool) error     { return nil }

// attachWorker consumes queueName with a real delivery worker.
func attachWorker(b *memBroker, queueName, channel string, failureRate float64) {
	sender := channels.ForChannel(channel, channels.NewSimulatedTransport(failureRate, zap.NewNop()))
	w := worker.NewWorker(channel, sender, replyPublisher{matcher: b.matcher}, nil, nil, 1, zap.NewNop(), nil)
	b.mu.Lock()
	b.consumers[queueName] = func(env models.Envelope) {
		_ = w.Handle(context.Background(), amqp.Delivery{
			Acknowledger:  nopAcknowledger{},
			Body:          env.Body,
			CorrelationId: env.CorrelationID,
			ReplyTo:       env.ReplyTo,
			Priority:      env.Priority,
		})
	}
	b.mu.Unlock()
}

// answerAll makes every queue answer immediately with status.
func answerAll(b *memBroker, status models.Status) {
	respond := func(env models.Envelope) {
		var n models.Notification
		_ = json.Unmarshal(env.Body, &n)
		n.Status = status
		body, _ := json.Marshal(n)
		b.matcher.Deliver(env.CorrelationID, body)
	}
	b.mu.Lock()
	for _, q := range []string{testRabbit.EmailQueue, testRabbit.PushQueue, testRabbit.DefaultQueue} {
		b.consumers[q] = respond
	}
	b.mu.Unlock()
}

func newRedisStore(t *testing.T) *store.RedisStore {
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return store.NewRedisStore(rdb)
}

func addPending(t *testing.T, st *store.RedisStore, channel, priority string) models.Notification {
	t.Helper()
	n := &models.Notification{
		Message:   "Your invoice is ready",
		Channel:   channel,
		Recipient: "client@example.com",
		Timezone:  "Europe/Warsaw",
		Priority:  priority,
		Status:    models.StatusPending,
	}
	require.NoError(t, st.Add(context.Background(), n))
	return *n
}

func newTestDispatcher(st Store, timeout time.Duration, hooks Hooks) (*Dispatcher, *memBroker) {
	m := NewMatcher(zap.NewNop(), nil)
	b := newMemBroker(m)
	d := NewDispatcher(b, st, m, queue.NewRouter(testRabbit), replyQueue,
		config.DispatchConfig{ReplyTimeout: timeout, MaxInFlight: 8}, zap.NewNop(), hooks)
	return d, b
}

func TestDispatch_EmailEndToEnd(t *testing.T) {
	st := newRedisStore(t)
	d, b := newTestDispatcher(st, 2*time.Second, Hooks{})
	attachWorker(b, testRabbit.EmailQueue, "email", 0.5)

	n := addPending(t, st, "email", "5")

	res, err := d.Dispatch(context.Background(), n)
	require.NoError(t, err)

	assert.Equal(t, OutcomeDelivered, res.Outcome)
	assert.Equal(t, testRabbit.EmailQueue, res.Queue)
	assert.Contains(t, []models.Status{models.StatusSuccess, models.StatusFailed}, res.Status)

	require.Equal(t, 1, b.queueSize(testRabbit.EmailQueue))
	env := b.published[testRabbit.EmailQueue][0]
	assert.Equal(t, uint8(5), env.Priority)
	assert.Equal(t, replyQueue, env.ReplyTo)
	assert.True(t, env.Persistent)
	assert.Equal(t, res.CorrelationID, env.CorrelationID)
	assert.Equal(t, 1, b.declared[testRabbit.EmailQueue])

	stored, err := st.Get(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Status, stored.Status)
}

func TestDispatch_WaiterArmedBeforePublish(t *testing.T) {
	st := newRedisStore(t)
	d, b := newTestDispatcher(st, time.Second, Hooks{})
	answerAll(b, models.StatusSuccess)

	n := addPending(t, st, "push", "")
	_, err := d.Dispatch(context.Background(), n)
	require.NoError(t, err)

	assert.Equal(t, []int{1}, b.pendingAt)
	assert.Equal(t, uint8(1), b.published[testRabbit.PushQueue][0].Priority)
}

func TestDispatch_UnknownChannelRoutesToDefaultQueue(t *testing.T) {
	st := newRedisStore(t)
	d, b := newTestDispatcher(st, 2*time.Second, Hooks{})
	attachWorker(b, testRabbit.DefaultQueue, "sms", 0)

	n := addPending(t, st, "sms", "3")
	res, err := d.Dispatch(context.Background(), n)
	require.NoError(t, err)

	assert.Equal(t, OutcomeDelivered, res.Outcome)
	assert.Equal(t, models.StatusSuccess, res.Status)
	assert.Equal(t, 1, b.queueSize(testRabbit.DefaultQueue))
	assert.Equal(t, 0, b.queueSize(testRabbit.EmailQueue))
	assert.Equal(t, 0, b.queueSize(testRabbit.PushQueue))
}

func TestDispatch_OutcomeKeepsEditsMadeInFlight(t *testing.T) {
	st := newRedisStore(t)
	d, b := newTestDispatcher(st, time.Second, Hooks{})
	n := addPending(t, st, "email", "2")

	b.mu.Lock()
	b.consumers[testRabbit.EmailQueue] = func(env models.Envelope) {
		edited := n
		edited.Message = "edited"
		edited.Recipient = "other@example.com"
		_ = st.Update(context.Background(), edited)

		var sent models.Notification
		_ = json.Unmarshal(env.Body, &sent)
		sent.Status = models.StatusSuccess
		body, _ := json.Marshal(sent)
		b.matcher.Deliver(env.CorrelationID, body)
	}
	b.mu.Unlock()

	res, err := d.Dispatch(context.Background(), n)
	require.NoError(t, err)
	require.Equal(t, OutcomeDelivered, res.Outcome)

	stored, err := st.Get(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, stored.Status)
	assert.Equal(t, "edited", stored.Message)
	assert.Equal(t, "other@example.com", stored.Recipient)
}

func TestDispatch_OutcomeForDeletedNotification(t *testing.T) {
	st := newRedisStore(t)
	d, b := newTestDispatcher(st, time.Second, Hooks{})
	n := addPending(t, st, "push", "")

	b.mu.Lock()
	b.consumers[testRabbit.PushQueue] = func(env models.Envelope) {
		_ = st.Delete(context.Background(), n.ID)
		body, _ := json.Marshal(models.Notification{ID: n.ID, Status: models.StatusSuccess})
		b.matcher.Deliver(env.CorrelationID, body)
	}
	b.mu.Unlock()

	res, err := d.Dispatch(context.Background(), n)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Equal(t, OutcomeDelivered, res.Outcome)

	_, err = st.Get(context.Background(), n.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDispatch_TimeoutLeavesNotificationPending(t *testing.T) {
	st := newRedisStore(t)
	var outcomes []string
	d, b := newTestDispatcher(st, 50*time.Millisecond, Hooks{
		OnAttempt: func(_, outcome string) { outcomes = append(outcomes, outcome) },
	})

	n := addPending(t, st, "email", "1")
	res, err := d.Dispatch(context.Background(), n)

	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeout, res.Outcome)
	assert.Equal(t, 1, b.queueSize(testRabbit.EmailQueue))
	assert.Equal(t, []string{"timeout"}, outcomes)

	stored, err := st.Get(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Equal(t, 0, d.matcher.Pending())
}

func TestDispatch_ValidationFailsBeforeBrokerIO(t *testing.T) {
	st := newRedisStore(t)
	d, b := newTestDispatcher(st, time.Second, Hooks{})

	res, err := d.Dispatch(context.Background(), models.Notification{ID: "x", Channel: "email"})

	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Empty(t, b.declared)
	assert.Empty(t, b.published)
}

func TestDispatch_DeclareErrorIsReported(t *testing.T) {
	st := newRedisStore(t)
	d, b := newTestDispatcher(st, time.Second, Hooks{})
	b.declareErr = errors.New("channel/connection is not open")

	n := addPending(t, st, "email", "1")
	res, err := d.Dispatch(context.Background(), n)

	assert.Error(t, err)
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Empty(t, b.published)
}

func TestProcessPending_OnePublishFailureDoesNotAffectOthers(t *testing.T) {
	st := newRedisStore(t)
	d, b := newTestDispatcher(st, time.Second, Hooks{})
	answerAll(b, models.StatusSuccess)

	var ids []string
	for _, ch := range []string{"email", "push", "sms", "email", "push"} {
		ids = append(ids, addPending(t, st, ch, "2").ID)
	}
	broken := ids[2]
	b.failFor[broken] = errors.New("failed to publish message: channel closed")

	results, err := d.ProcessPending(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 5)

	for _, r := range results {
		if r.NotificationID == broken {
			assert.Equal(t, OutcomeError, r.Outcome)
			assert.Error(t, r.Err)
			continue
		}
		assert.Equal(t, OutcomeDelivered, r.Outcome, "notification %s", r.NotificationID)
		assert.Equal(t, models.StatusSuccess, r.Status)
	}

	summary := Summarize(results)
	assert.Equal(t, models.ProcessSummary{Total: 5, Delivered: 4, Errored: 1}, summary)

	pending, err := st.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, broken, pending[0].ID)
	assert.Equal(t, 0, d.matcher.Pending())
}

func TestProcessPending_SkipsSettledNotifications(t *testing.T) {
	st := newRedisStore(t)
	d, b := newTestDispatcher(st, time.Second, Hooks{})
	answerAll(b, models.StatusFailed)

	n := addPending(t, st, "email", "")
	done := &models.Notification{Message: "m", Channel: "email", Recipient: "r", Timezone: "UTC", Status: models.StatusSuccess}
	require.NoError(t, st.Add(context.Background(), done))

	results, err := d.ProcessPending(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, n.ID, results[0].NotificationID)

	stored, err := st.Get(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
}

func TestProcessPending_ExpiredContextSkipsWithoutBrokerIO(t *testing.T) {
	st := newRedisStore(t)
	d, b := newTestDispatcher(st, time.Second, Hooks{})
	answerAll(b, models.StatusSuccess)
	for i := 0; i < 3; i++ {
		addPending(t, st, "email", "")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := d.ProcessPending(ctx)

	require.NoError(t, err)
	assert.Equal(t, models.ProcessSummary{Total: 3, Skipped: 3}, Summarize(results))
	assert.Equal(t, 0, b.queueSize(testRabbit.EmailQueue))
	assert.Empty(t, b.declared)

	pending, err := st.ListPending(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestProcessPending_DeadlineLetsInFlightAttemptFinish(t *testing.T) {
	st := newRedisStore(t)
	m := NewMatcher(zap.NewNop(), nil)
	b := newMemBroker(m)
	d := NewDispatcher(b, st, m, queue.NewRouter(testRabbit), replyQueue,
		config.DispatchConfig{ReplyTimeout: time.Second, MaxInFlight: 1}, zap.NewNop(), Hooks{})
	for i := 0; i < 3; i++ {
		addPending(t, st, "push", "")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.mu.Lock()
	b.consumers[testRabbit.PushQueue] = func(env models.Envelope) {
		// the batch deadline passes while the first attempt awaits its reply
		cancel()
		var n models.Notification
		_ = json.Unmarshal(env.Body, &n)
		n.Status = models.StatusSuccess
		body, _ := json.Marshal(n)
		b.matcher.Deliver(env.CorrelationID, body)
	}
	b.mu.Unlock()

	results, err := d.ProcessPending(ctx)
	require.NoError(t, err)

	assert.Equal(t, models.ProcessSummary{Total: 3, Delivered: 1, Skipped: 2}, Summarize(results))
	assert.Equal(t, 1, b.queueSize(testRabbit.PushQueue))

	pending, err := st.ListPending(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

type failingStore struct{}

func (failingStore) ListPending(context.Context) ([]models.Notification, error) {
	return nil, errors.New("redis: connection refused")
}

func (failingStore) SetStatus(context.Context, string, models.Status) error { return nil }

func TestProcessPending_ListError(t *testing.T) {
	d, _ := newTestDispatcher(failingStore{}, time.Second, Hooks{})

	_, err := d.ProcessPending(context.Background())
	assert.Error(t, err)
}

func TestScheduler_RedispatchesTimedOutNotifications(t *testing.T) {
	st := newRedisStore(t)
	d, b := newTestDispatcher(st, 30*time.Millisecond, Hooks{})
	n := addPending(t, st, "push", "9")

	// first round: no worker, the attempt times out
	results, err := d.ProcessPending(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeTimeout, results[0].Outcome)

	attachWorker(b, testRabbit.PushQueue, "push", 0)
	d.timeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewScheduler(d, 20*time.Millisecond, zap.NewNop()).Run(ctx)

	assert.Eventually(t, func() bool {
		stored, err := st.Get(context.Background(), n.ID)
		return err == nil && stored.Status == models.StatusSuccess
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.GreaterOrEqual(t, b.queueSize(testRabbit.PushQueue), 2)
}
