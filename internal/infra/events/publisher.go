// Package events delivers domain events (session opened/ended, wallet
// credited/refunded) to Kafka for downstream analytics. Publishing never
// blocks enforcement: events are queued and written by a background loop,
// and dropped with a warning when the queue is full.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/stepgate/stepgate/internal/domain"
	"github.com/stepgate/stepgate/internal/infra/observability"
)

// ErrQueueFull is returned by Publish when the event had to be dropped.
var ErrQueueFull = errors.New("event queue full")

var eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: observability.Namespace,
	Subsystem: "events",
	Name:      "published_total",
	Help:      "Events handed to the broker, by outcome.",
}, []string{"outcome"})

// Config configures the Kafka publisher.
type Config struct {
	Topic        string
	QueueSize    int
	WriteTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{Topic: "stepgate.events", QueueSize: 256, WriteTimeout: 5 * time.Second}
}

// KafkaPublisher implements domain.EventPublisher.
type KafkaPublisher struct {
	writer messageWriter
	cfg    Config
	queue  chan domain.Event
	done   chan struct{}
}

var _ domain.EventPublisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a publisher writing through writer.
func NewKafkaPublisher(writer messageWriter, cfg Config) *KafkaPublisher {
	def := DefaultConfig()
	if cfg.Topic == "" {
		cfg.Topic = def.Topic
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &KafkaPublisher{
		writer: writer,
		cfg:    cfg,
		queue:  make(chan domain.Event, cfg.QueueSize),
		done:   make(chan struct{}),
	}
}

// Publish queues e for delivery.
func (p *KafkaPublisher) Publish(_ context.Context, e domain.Event) error {
	select {
	case p.queue <- e:
		return nil
	default:
		eventsPublished.WithLabelValues("dropped").Inc()
		log.Warn().Str("type", e.Type).Msg("Event queue full, dropping event")
		return ErrQueueFull
	}
}

// Start drains the queue until ctx is cancelled, then flushes what is left.
// It should be called in a goroutine.
func (p *KafkaPublisher) Start(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case e := <-p.queue:
			p.write(context.Background(), e)
		case <-ctx.Done():
			for {
				select {
				case e := <-p.queue:
					p.write(context.Background(), e)
				default:
					return
				}
			}
		}
	}
}

// Wait blocks until Start returns.
func (p *KafkaPublisher) Wait() {
	<-p.done
}

func (p *KafkaPublisher) write(ctx context.Context, e domain.Event) {
	msg, err := Encode(e)
	if err != nil {
		eventsPublished.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("type", e.Type).Msg("Event encode failed")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, p.cfg.Topic, msg); err != nil {
		eventsPublished.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("type", e.Type).Str("topic", p.cfg.Topic).Msg("Event write failed")
		return
	}
	eventsPublished.WithLabelValues("ok").Inc()
}

// Encode converts an event to a Kafka message keyed by session, falling back
// to the event type, so a session's events stay ordered within a partition.
func Encode(e domain.Event) (kafka.Message, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, err
	}
	key := e.SessionID
	if key == "" {
		key = e.Type
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(e.Type)},
		},
	}, nil
}

// ─── No-op ──────────────────────────────────────────────────────────────────

// Nop discards events. Used when no broker is configured.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, domain.Event) error { return nil }
