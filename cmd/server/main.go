package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/franzego/notifyrelay/internal/config"
	"github.com/franzego/notifyrelay/internal/dispatch"
	"github.com/franzego/notifyrelay/internal/handlers"
	"github.com/franzego/notifyrelay/internal/metrics"
	"github.com/franzego/notifyrelay/internal/middleware"
	"github.com/franzego/notifyrelay/internal/queue"
	"github.com/franzego/notifyrelay/internal/services"
	"github.com/franzego/notifyrelay/internal/store"
	redisinit "github.com/franzego/notifyrelay/pkg/redis"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const responseSlack = 5 * time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := newLogger(cfg.Log)
	defer logger.Sync() //nolint:errcheck

	rdb, err := redisinit.InitRedis(cfg.Redis, logger)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	clientRabbit, err := queue.NewRabbitMqService(cfg.RabbitMQ, logger)
	if err != nil {
		logger.Fatal("failed to connect to rabbitmq", zap.Error(err))
	}
	defer clientRabbit.CloseConnection()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	onAttempt, onReply, onDropped := m.DispatchHooks()

	// one reply queue per producer instance, read by a single consumer
	replyTo, replies, err := clientRabbit.ConsumeReplies(cfg.RabbitMQ.ReplyQueue)
	if err != nil {
		logger.Fatal("failed to start reply consumer", zap.Error(err))
	}
	logger.Info("listening for responses", zap.String("reply_queue", replyTo))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// without a reply consumer no attempt can be confirmed; exit so the
	// supervisor restarts the process with a fresh connection
	matcher := dispatch.NewMatcher(logger, onDropped)
	go func() {
		if err := matcher.Run(ctx, replies); err != nil {
			logger.Error("reply consumer stopped, shutting down", zap.Error(err))
			select {
			case quit <- syscall.SIGTERM:
			default:
			}
		}
	}()

	notifications := store.NewRedisStore(rdb)
	dispatcher := dispatch.NewDispatcher(
		clientRabbit,
		notifications,
		matcher,
		queue.NewRouter(cfg.RabbitMQ),
		replyTo,
		cfg.Dispatch,
		logger,
		dispatch.Hooks{OnAttempt: onAttempt, OnReply: onReply},
	)
	if cfg.Dispatch.Interval > 0 {
		go dispatch.NewScheduler(dispatcher, cfg.Dispatch.Interval, logger).Run(ctx)
	}

	svc := services.NewNotificationService(notifications, dispatcher, logger)

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.CorrelationID(), middleware.RequestLogger(logger))

	r.GET("/health", handlers.NewHealthHandler(clientRabbit, rdb, matcher).HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	// process-pending stops starting attempts after server.timeout; the ones
	// in flight need at most one more reply timeout plus the status write
	handlers.NewNotificationHandler(svc, logger, cfg.Server.Timeout).Register(r.Group("/api/v1/notifications"))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout + cfg.Dispatch.ReplyTimeout + responseSlack,
	}
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.Timeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	cancel()

	logger.Info("server stopped")
}

func newLogger(cfg config.LogConfig) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Development {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return logger
}
