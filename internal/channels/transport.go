package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/franzego/notifyrelay/pkg/circuitbreaker"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var ErrSimulatedFailure = errors.New("simulated delivery failure")

// SimulatedTransport stands in for a real provider: each delivery fails with
// probability failureRate.
type SimulatedTransport struct {
	failureRate float64
	logger      *zap.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewSimulatedTransport(failureRate float64, logger *zap.Logger) *SimulatedTransport {
	seed := uint64(time.Now().UnixNano())
	return &SimulatedTransport{
		failureRate: failureRate,
		logger:      logger,
		rnd:         rand.New(rand.NewPCG(seed, seed>>1)),
	}
}

func (t *SimulatedTransport) Deliver(_ context.Context, channel string, _ any) error {
	t.mu.Lock()
	roll := t.rnd.Float64()
	t.mu.Unlock()

	if roll < t.failureRate {
		t.logger.Debug("simulating failed delivery", zap.String("channel", channel))
		return ErrSimulatedFailure
	}
	return nil
}

// HTTPTransport posts payloads to a delivery gateway at {baseURL}/{channel},
// guarded by a circuit breaker.
type HTTPTransport struct {
	baseURL    string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
}

func NewHTTPTransport(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPTransport {
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cb: circuitbreaker.NewCircuitBreaker("delivery-gateway", logger),
	}
}

func (t *HTTPTransport) Deliver(ctx context.Context, channel string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = t.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			fmt.Sprintf("%s/%s", t.baseURL, channel), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil, nil
		}
		return nil, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	})
	return err
}
