package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/franzego/notifyrelay/internal/channels"
	"github.com/franzego/notifyrelay/internal/config"
	"github.com/franzego/notifyrelay/internal/metrics"
	"github.com/franzego/notifyrelay/internal/queue"
	"github.com/franzego/notifyrelay/internal/store"
	"github.com/franzego/notifyrelay/internal/worker"
	redisinit "github.com/franzego/notifyrelay/pkg/redis"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger, err := zap.NewProduction()
	if cfg.Log.Development {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck
	logger = logger.With(zap.String("channel", cfg.Worker.Channel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clientRabbit, err := queue.NewRabbitMqService(cfg.RabbitMQ, logger)
	if err != nil {
		logger.Fatal("failed to connect to rabbitmq", zap.Error(err))
	}
	defer clientRabbit.CloseConnection()

	queueName := queue.NewRouter(cfg.RabbitMQ).QueueFor(cfg.Worker.Channel)
	deliveries, err := clientRabbit.Consume(queueName, cfg.Worker.Prefetch)
	if err != nil {
		logger.Fatal("failed to consume", zap.String("queue", queueName), zap.Error(err))
	}

	var transport channels.Transport
	if cfg.Worker.GatewayURL != "" {
		transport = channels.NewHTTPTransport(cfg.Worker.GatewayURL, cfg.Worker.GatewayTimeout, logger)
	} else {
		transport = channels.NewSimulatedTransport(cfg.Worker.FailureRate, logger)
	}
	sender := channels.ForChannel(cfg.Worker.Channel, transport)

	// the ledger is optional; without redis a redelivered envelope is delivered again
	var ledger worker.Ledger
	if rdb, err := redisinit.InitRedis(cfg.Redis, logger); err != nil {
		logger.Warn("redelivery ledger disabled", zap.Error(err))
	} else {
		defer rdb.Close()
		ledger = store.NewRedisLedger(rdb, cfg.Worker.DedupeTTL)
	}

	var limiter *rate.Limiter
	if cfg.Worker.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Worker.RateLimit), cfg.Worker.RateLimit)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	srv := &http.Server{Addr: ":" + cfg.Server.Port, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	w := worker.NewWorker(
		cfg.Worker.Channel,
		sender,
		clientRabbit,
		ledger,
		limiter,
		cfg.Worker.Prefetch,
		logger,
		m.WorkerHook(),
	)
	logger.Info("consuming", zap.String("queue", queueName))
	w.Run(ctx, deliveries)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.Timeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
