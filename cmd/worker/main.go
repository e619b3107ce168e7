// Command worker claims due deliveries and attempts them.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/callhook/internal/cache"
	"github.com/austindbirch/callhook/internal/config"
	"github.com/austindbirch/callhook/internal/coordinator"
	"github.com/austindbirch/callhook/internal/db"
	"github.com/austindbirch/callhook/internal/deliverylog"
	"github.com/austindbirch/callhook/internal/dispatcher"
	"github.com/austindbirch/callhook/internal/executor"
	"github.com/austindbirch/callhook/internal/health"
	"github.com/austindbirch/callhook/internal/logging"
	"github.com/austindbirch/callhook/internal/metrics"
	"github.com/austindbirch/callhook/internal/queue"
	"github.com/austindbirch/callhook/internal/retry"
	"github.com/austindbirch/callhook/internal/secrets"
	"github.com/austindbirch/callhook/internal/store/postgres"
	"github.com/austindbirch/callhook/internal/subscription"
	"github.com/austindbirch/callhook/internal/tracing"
)

const serviceName = "callhook-worker"

func main() {
	cfg := config.FromEnv()
	logger := logging.New(serviceName)
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))
	logging.SetDefaultService(serviceName)

	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Plain().WithError(err).Fatal("worker stopped with error")
	}
	logger.Plain().Info("worker stopped")
}

func run(ctx context.Context, cfg config.Config, logger *logging.Logger) error {
	shutdownTracing, err := tracing.Init(ctx, serviceName, tracing.Options{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	key, err := secrets.ParseKey(cfg.Secrets.EncryptionKey)
	if err != nil {
		return fmt.Errorf("secrets key: %w", err)
	}
	sealer, err := secrets.NewSealer(key)
	if err != nil {
		return fmt.Errorf("secrets sealer: %w", err)
	}

	// Each worker slot holds at most one connection; leave room for claims.
	pool, err := db.Connect(ctx, cfg.DSN(), db.Options{MaxConns: max(cfg.DB.MaxConns, int32(cfg.Worker.Concurrency)+2)})
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()
	st := postgres.New(pool, sealer)

	checker := health.NewChecker(2 * time.Second).Add("postgres", st)

	var subCache subscription.Cache
	if cfg.Redis.Enabled {
		rdb, err := cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Plain().WithError(err).Warn("redis unavailable; subscription cache disabled")
		} else {
			defer rdb.Close()
			c := cache.New(rdb, cfg.Redis.CacheTTL)
			subCache = c
			checker.Add("redis", c)
		}
	}
	registry := subscription.NewRegistry(st, subCache, logger)

	var pub coordinator.Publisher
	if cfg.NSQ.Enabled {
		prod, err := queue.NewProducer(cfg.NSQ.NsqdTCPAddr, queue.Topics{
			Deliveries: cfg.NSQ.DeliveriesTopic,
			DLQ:        cfg.NSQ.DLQTopic,
		}, logger)
		if err != nil {
			return fmt.Errorf("nsq producer: %w", err)
		}
		defer prod.Stop()
		pub = prod
		checker.Add("nsq", prod)
	}

	exec := executor.New(executor.Options{
		SignatureHeader: cfg.Signing.SignatureHeader,
		TimestampHeader: cfg.Signing.TimestampHeader,
		DeliveryHeader:  cfg.Signing.DeliveryHeader,
		EventHeader:     cfg.Signing.EventHeader,
		UserAgent:       cfg.Worker.UserAgent,
	})
	coord := coordinator.New(st, registry, exec,
		retry.NewScheduler(retry.WithJitter(cfg.Retry.JitterPercent)),
		deliverylog.New(st, logger), pub, logger,
		coordinator.Options{
			Lease:         cfg.Worker.LeaseDuration,
			PublishDLQ:    cfg.Worker.PublishDLQ && cfg.NSQ.Enabled,
			PersistBudget: config.PersistBudget,
		})
	disp := dispatcher.New(st, coord, logger, dispatcher.Options{
		Concurrency:     cfg.Worker.Concurrency,
		PollInterval:    cfg.Worker.PollInterval,
		Lease:           cfg.Worker.LeaseDuration,
		BacklogInterval: cfg.Worker.BacklogInterval,
	})

	if cfg.NSQ.Enabled {
		consumer, err := queue.Consume(queue.ConsumerOptions{
			Topic:          cfg.NSQ.DeliveriesTopic,
			Channel:        cfg.NSQ.WorkerChannel,
			NsqdTCPAddr:    cfg.NSQ.NsqdTCPAddr,
			LookupHTTPAddr: cfg.NSQ.LookupHTTPAddr,
			MaxInFlight:    cfg.Worker.Concurrency,
		}, logger, disp.HandleTask)
		if err != nil {
			// Polling still finds every due delivery; wake-ups only cut latency.
			logger.Plain().WithError(err).Warn("nsq consumer unavailable; relying on polling")
		} else {
			defer func() {
				consumer.Stop()
				<-consumer.StopChan
			}()
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.Handle("/healthz", health.HTTPHandler(checker))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{
		Addr:              cfg.Worker.HTTPPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return disp.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
