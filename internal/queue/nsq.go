// Package queue carries delivery wake-up tasks and dead letters over NSQ.
// NSQ never owns delivery state: a lost message only delays a delivery until
// the next storage poll.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/callhook/internal/delivery"
	"github.com/austindbirch/callhook/internal/logging"
)

// Topics names the NSQ topics in use.
type Topics struct {
	Deliveries string
	DLQ        string
}

// Producer publishes tasks and dead letters to nsqd.
type Producer struct {
	prod   *nsq.Producer
	topics Topics
}

// NewProducer connects to nsqd at addr.
func NewProducer(addr string, topics Topics, log *logging.Logger) (*Producer, error) {
	prod, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	if log != nil {
		prod.SetLogger(nsqLogger{log}, nsq.LogLevelWarning)
	}
	return &Producer{prod: prod, topics: topics}, nil
}

// PublishTask announces that a delivery is due.
func (p *Producer) PublishTask(_ context.Context, t delivery.Task) error {
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := p.prod.Publish(p.topics.Deliveries, b); err != nil {
		return fmt.Errorf("nsq publish: %w", err)
	}
	return nil
}

// PublishTasks publishes ts in one MPUB.
func (p *Producer) PublishTasks(_ context.Context, ts []delivery.Task) error {
	if len(ts) == 0 {
		return nil
	}
	bodies := make([][]byte, 0, len(ts))
	for _, t := range ts {
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode task: %w", err)
		}
		bodies = append(bodies, b)
	}
	if err := p.prod.MultiPublish(p.topics.Deliveries, bodies); err != nil {
		return fmt.Errorf("nsq multi publish: %w", err)
	}
	return nil
}

// PublishDeadLetter sends a terminally failed delivery to the DLQ topic.
func (p *Producer) PublishDeadLetter(_ context.Context, dl delivery.DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := p.prod.Publish(p.topics.DLQ, b); err != nil {
		return fmt.Errorf("nsq publish dlq: %w", err)
	}
	return nil
}

// Ping checks the nsqd connection.
func (p *Producer) Ping(context.Context) error { return p.prod.Ping() }

func (p *Producer) Stop() { p.prod.Stop() }

// ConsumerOptions configures a wake-up consumer.
type ConsumerOptions struct {
	Topic          string
	Channel        string
	NsqdTCPAddr    string
	LookupHTTPAddr string
	MaxInFlight    int
}

// Consume delivers decoded tasks to handle. Messages are always finished:
// the task is only a hint and storage is re-read before any attempt.
func Consume(opts ConsumerOptions, log *logging.Logger, handle func(context.Context, delivery.Task)) (*nsq.Consumer, error) {
	conf := nsq.NewConfig()
	if opts.MaxInFlight > 0 {
		conf.MaxInFlight = opts.MaxInFlight
	}
	conf.LookupdPollInterval = 15 * time.Second
	consumer, err := nsq.NewConsumer(opts.Topic, opts.Channel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer: %w", err)
	}
	if log == nil {
		log = logging.Discard()
	}
	consumer.SetLogger(nsqLogger{log}, nsq.LogLevelWarning)
	consumer.AddHandler(taskHandler(log, handle))

	// Connecting to nsqd directly creates the channel before the first publish.
	if opts.NsqdTCPAddr != "" {
		if err := consumer.ConnectToNSQD(opts.NsqdTCPAddr); err != nil {
			consumer.Stop()
			return nil, fmt.Errorf("connect to nsqd: %w", err)
		}
	}
	if opts.LookupHTTPAddr != "" {
		if err := consumer.ConnectToNSQLookupd(opts.LookupHTTPAddr); err != nil {
			log.Plain().WithError(err).Warn("connect to nsqlookupd failed")
		}
	}
	return consumer, nil
}

func taskHandler(log *logging.Logger, handle func(context.Context, delivery.Task)) nsq.Handler {
	return nsq.HandlerFunc(func(m *nsq.Message) error {
		var t delivery.Task
		if err := json.Unmarshal(m.Body, &t); err != nil {
			log.Plain().WithError(err).Warn("bad task payload")
			return nil
		}
		handle(context.Background(), t)
		return nil
	})
}

// nsqLogger routes go-nsq's log lines into the structured logger.
type nsqLogger struct{ l *logging.Logger }

func (n nsqLogger) Output(_ int, s string) error {
	n.l.Plain().WithField("component", "nsq").Warn(strings.TrimSpace(s))
	return nil
}
