package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsNotifiedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callhook_events_notified_total",
			Help: "Total number of events accepted by the coordinator.",
		},
		[]string{"event_type"},
	)

	DeliveriesCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callhook_deliveries_created_total",
			Help: "Total number of deliveries created (duplicates excluded).",
		},
		[]string{"event_type"},
	)

	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callhook_attempts_total",
			Help: "Total number of delivery attempts by outcome class and kind.",
		},
		[]string{"class", "kind"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callhook_deliveries_total",
			Help: "Total number of deliveries that reached a terminal status.",
		},
		[]string{"status"},
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "callhook_delivery_latency_seconds",
			Help:    "Latency of webhook attempts.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"class"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callhook_retries_total",
			Help: "Total number of scheduled retries by reason.",
		},
		[]string{"reason"}, // http_5xx, http_429, timeout, network, ...
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callhook_dead_letters_total",
			Help: "Total number of deliveries that ended failed.",
		},
		[]string{"reason"},
	)

	LogAppendFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "callhook_log_append_failures_total",
			Help: "Attempt records that could not be written to the delivery log.",
		},
	)

	StatePersistFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "callhook_state_persist_failures_total",
			Help: "Delivery status writes that failed after an attempt.",
		},
	)

	RegistryLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callhook_registry_lookups_total",
			Help: "Subscription lookups by cache result.",
		},
		[]string{"result"}, // hit, miss, error
	)

	RateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "callhook_api_rate_limited_total",
			Help: "Admin API requests rejected by the per-tenant limiter.",
		},
	)

	DueBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "callhook_due_backlog",
			Help: "Deliveries whose next attempt is due.",
		},
	)

	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "callhook_inflight_attempts",
			Help: "Attempts currently being executed by this worker.",
		},
	)

	// Queue gauges are exported by nsq-monitor only.
	QueueTopicDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "callhook_nsq_topic_depth",
			Help: "Messages buffered on an NSQ topic.",
		},
		[]string{"topic"},
	)

	QueueChannelDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "callhook_nsq_channel_depth",
			Help: "Messages waiting on an NSQ channel.",
		},
		[]string{"topic", "channel"},
	)

	QueueChannelInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "callhook_nsq_channel_in_flight",
			Help: "Messages delivered to consumers but not yet finished.",
		},
		[]string{"topic", "channel"},
	)

	QueueChannelDeferred = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "callhook_nsq_channel_deferred",
			Help: "Deferred messages on an NSQ channel.",
		},
		[]string{"topic", "channel"},
	)

	QueueScrapeErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "callhook_nsq_scrape_errors_total",
			Help: "Failed polls of the nsqd stats endpoint.",
		},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsNotifiedTotal,
		DeliveriesCreatedTotal,
		AttemptsTotal,
		DeliveriesTotal,
		DeliveryLatency,
		RetriesTotal,
		DeadLettersTotal,
		LogAppendFailuresTotal,
		StatePersistFailuresTotal,
		RegistryLookupsTotal,
		RateLimitedTotal,
		DueBacklog,
		InFlight,
	)
}

// MustRegisterQueue registers the NSQ gauges.
func MustRegisterQueue(reg prometheus.Registerer) {
	reg.MustRegister(
		QueueTopicDepth,
		QueueChannelDepth,
		QueueChannelInFlight,
		QueueChannelDeferred,
		QueueScrapeErrorsTotal,
	)
}

func RecordEventNotified(eventType string, created int) {
	EventsNotifiedTotal.WithLabelValues(eventType).Inc()
	if created > 0 {
		DeliveriesCreatedTotal.WithLabelValues(eventType).Add(float64(created))
	}
}

// RecordAttempt counts one network attempt and observes its latency.
func RecordAttempt(class, kind string, latency time.Duration) {
	AttemptsTotal.WithLabelValues(class, kind).Inc()
	DeliveryLatency.WithLabelValues(class).Observe(latency.Seconds())
}

func RecordDelivery(status string) {
	DeliveriesTotal.WithLabelValues(status).Inc()
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordDeadLetter(reason string) {
	DeadLettersTotal.WithLabelValues(reason).Inc()
}

func RecordLogAppendFailure() { LogAppendFailuresTotal.Inc() }

func RecordStatePersistFailure() { StatePersistFailuresTotal.Inc() }

func RecordRegistryLookup(result string) {
	RegistryLookupsTotal.WithLabelValues(result).Inc()
}

func RecordRateLimited() { RateLimitedTotal.Inc() }

func UpdateDueBacklog(n int64) { DueBacklog.Set(float64(n)) }

func UpdateInFlight(n int64) { InFlight.Set(float64(n)) }

func UpdateQueueTopic(topic string, depth int64) {
	QueueTopicDepth.WithLabelValues(topic).Set(float64(depth))
}

func UpdateQueueChannel(topic, channel string, depth, inFlight, deferred int64) {
	QueueChannelDepth.WithLabelValues(topic, channel).Set(float64(depth))
	QueueChannelInFlight.WithLabelValues(topic, channel).Set(float64(inFlight))
	QueueChannelDeferred.WithLabelValues(topic, channel).Set(float64(deferred))
}

func RecordQueueScrapeError() { QueueScrapeErrorsTotal.Inc() }
