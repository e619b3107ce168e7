// Command ingest serves the event ingestion endpoint and the tenant admin API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/callhook/internal/api"
	"github.com/austindbirch/callhook/internal/auth"
	"github.com/austindbirch/callhook/internal/cache"
	"github.com/austindbirch/callhook/internal/config"
	"github.com/austindbirch/callhook/internal/coordinator"
	"github.com/austindbirch/callhook/internal/db"
	"github.com/austindbirch/callhook/internal/deliverylog"
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

const serviceName = "callhook-ingest"

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
		logger.Plain().WithError(err).Fatal("ingest stopped with error")
	}
	logger.Plain().Info("ingest stopped")
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

	pool, err := db.Connect(ctx, cfg.DSN(), db.Options{MaxConns: cfg.DB.MaxConns})
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()
	st := postgres.New(pool, sealer)
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("db migrate: %w", err)
	}

	checker := health.NewChecker(2 * time.Second).Add("postgres", st)

	var subCache subscription.Cache
	if cfg.Redis.Enabled {
		rdb, err := cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			// The registry falls through to Postgres, so a missing cache only costs latency.
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

	// Ingest never attempts automatic deliveries, but manual redelivery and
	// test sends run inline from the API.
	exec := executor.New(executor.Options{
		SignatureHeader: cfg.Signing.SignatureHeader,
		TimestampHeader: cfg.Signing.TimestampHeader,
		DeliveryHeader:  cfg.Signing.DeliveryHeader,
		EventHeader:     cfg.Signing.EventHeader,
		UserAgent:       cfg.Worker.UserAgent,
	})
	dlog := deliverylog.New(st, logger)
	coord := coordinator.New(st, registry, exec, retry.NewScheduler(retry.WithJitter(cfg.Retry.JitterPercent)), dlog, pub, logger, coordinator.Options{
		Lease:         cfg.Worker.LeaseDuration,
		PublishDLQ:    cfg.Worker.PublishDLQ,
		PersistBudget: config.PersistBudget,
	})

	defaults, err := apiDefaults(cfg.Retry)
	if err != nil {
		return err
	}
	authn, err := authenticator(cfg.Auth)
	if err != nil {
		return err
	}
	srv, err := api.New(st, coord, dlog, registry, authn, logger, api.Options{
		Rules: subscription.Rules{
			AllowInsecureURLs: cfg.AllowInsecureURLs,
			MaxTimeout:        cfg.Retry.MaxTimeout,
			ReservedHeaders: subscription.DefaultReservedHeaders(
				cfg.Signing.SignatureHeader, cfg.Signing.TimestampHeader,
				cfg.Signing.DeliveryHeader, cfg.Signing.EventHeader),
		},
		Defaults:    defaults,
		MaxPageSize: cfg.API.MaxPageSize,
		RateLimit:   cfg.API.RateLimitRPS,
		Burst:       cfg.API.RateLimitBurst,
	})
	if err != nil {
		return fmt.Errorf("api server: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.Handle("/healthz", health.HTTPHandler(checker))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", srv.Handler())
	httpSrv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("ingest gRPC health listening")
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		logger.Plain().WithField("addr", cfg.HTTPPort).Info("ingest HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		health.Watch(gctx, checker, hs, "callhook.Ingest", 10*time.Second)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Plain().Info("shutting down ingest")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		hs.Shutdown()
		grpcSrv.GracefulStop()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// apiDefaults turns the configured retry defaults into subscription defaults.
func apiDefaults(r config.Retry) (api.Defaults, error) {
	kind, err := retry.ParseKind(r.DefaultPolicy)
	if err != nil {
		return api.Defaults{}, fmt.Errorf("RETRY_DEFAULT_POLICY: %w", err)
	}
	var p retry.Policy
	switch kind {
	case retry.KindNone:
		p = retry.None()
	case retry.KindFixed:
		p = retry.Fixed(r.DefaultInterval)
	case retry.KindExponential:
		p = retry.Exponential(r.DefaultBase, r.DefaultCap)
	}
	if err := p.Validate(); err != nil {
		return api.Defaults{}, fmt.Errorf("default retry policy: %w", err)
	}
	return api.Defaults{RetryPolicy: p, MaxAttempts: r.DefaultMaxAttempts, Timeout: r.DefaultTimeout}, nil
}

// authenticator builds the request authenticator. With auth disabled the
// tenant is read from the trusted x-tenant-id header.
func authenticator(a config.Auth) (*auth.Authenticator, error) {
	public := auth.WithPublicPaths("/v1/ping", "/healthz", "/metrics")
	if !a.Enabled {
		return auth.NewAuthenticator(nil, auth.WithTrustedTenantHeader(), public), nil
	}
	if a.JWKSURL != "" {
		keys := auth.NewJWKSCache(a.JWKSURL, &http.Client{Timeout: 5 * time.Second})
		return auth.NewAuthenticator(auth.NewValidator(keys, a.Issuer, a.Audience), public), nil
	}
	v, err := auth.NewJWTValidator(a.PublicKeyPEM, a.Issuer, a.Audience)
	if err != nil {
		return nil, fmt.Errorf("jwt validator: %w", err)
	}
	return auth.NewAuthenticator(v, public), nil
}
