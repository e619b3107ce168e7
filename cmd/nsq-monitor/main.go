// Command nsq-monitor exports nsqd queue depths for the callhook topics as
// prometheus gauges.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/callhook/internal/config"
	"github.com/austindbirch/callhook/internal/health"
	"github.com/austindbirch/callhook/internal/logging"
	"github.com/austindbirch/callhook/internal/metrics"
	"github.com/austindbirch/callhook/internal/queue"
)

const serviceName = "callhook-nsq-monitor"

func main() {
	cfg := config.FromEnv()
	logger := logging.New(serviceName)
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))
	logging.SetDefaultService(serviceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg.NSQ, logger); err != nil {
		logger.Plain().WithError(err).Fatal("nsq monitor stopped with error")
	}
}

type monitor struct {
	client *http.Client
	addr   string
	topics []string
	log    *logging.Logger
}

func newMonitor(cfg config.NSQ, log *logging.Logger) *monitor {
	return &monitor{
		client: &http.Client{Timeout: 5 * time.Second},
		addr:   cfg.NsqdHTTPAddr,
		topics: []string{cfg.DeliveriesTopic, cfg.DLQTopic},
		log:    log,
	}
}

// poll refreshes the gauges for the watched topics. A topic nsqd has not seen
// yet keeps its previous values.
func (m *monitor) poll(ctx context.Context) error {
	stats, err := queue.FetchStats(ctx, m.client, m.addr)
	if err != nil {
		metrics.RecordQueueScrapeError()
		return err
	}
	for _, name := range m.topics {
		topic, ok := stats.Topic(name)
		if !ok {
			continue
		}
		metrics.UpdateQueueTopic(topic.TopicName, topic.Depth)
		for _, ch := range topic.Channels {
			metrics.UpdateQueueChannel(topic.TopicName, ch.ChannelName, ch.Depth, ch.InFlightCount, ch.DeferredCount)
		}
	}
	return nil
}

func (m *monitor) loop(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = 15 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if err := m.poll(ctx); err != nil && ctx.Err() == nil {
			m.log.Plain().WithError(err).Warn("nsq stats poll failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Ping reports whether nsqd answers its HTTP ping.
func (m *monitor) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+m.addr+"/ping", nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nsqd ping returned status %d", resp.StatusCode)
	}
	return nil
}

func run(ctx context.Context, cfg config.NSQ, logger *logging.Logger) error {
	m := newMonitor(cfg, logger)

	reg := prometheus.NewRegistry()
	metrics.MustRegisterQueue(reg)

	checker := health.NewChecker(2*time.Second).Add("nsqd", m)
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.HTTPHandler(checker))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{
		Addr:              cfg.MonitorHTTPPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Plain().WithFields(map[string]any{
			"addr":     httpSrv.Addr,
			"nsqd":     m.addr,
			"interval": cfg.StatsInterval.String(),
		}).Info("nsq monitor starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return m.loop(gctx, cfg.StatsInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
