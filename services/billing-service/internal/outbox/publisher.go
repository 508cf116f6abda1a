package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/merchantbilling/libs/kafkax"
	otelx "github.com/md-rashed-zaman/merchantbilling/libs/otel"
	"github.com/segmentio/kafka-go"
)

// Source hands out unpublished records. Implemented by Repository and the in-memory store.
type Source interface {
	Drain(ctx context.Context, limit int, deliver func(context.Context, []Record) error) (int, error)
}

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type PublisherConfig struct {
	PollEvery time.Duration
	BatchSize int
}

type Publisher struct {
	source    Source
	writer    MessageWriter
	logger    *slog.Logger
	pollEvery time.Duration
	batchSize int
	onPublish func(n int)
}

func NewPublisher(source Source, writer MessageWriter, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Publisher{source: source, writer: writer, logger: logger, pollEvery: cfg.PollEvery, batchSize: cfg.BatchSize}
}

// OnPublish registers a callback invoked with the size of each delivered batch.
func (p *Publisher) OnPublish(fn func(n int)) { p.onPublish = fn }

// NewKafkaWriter builds a writer keyed by aggregate id so per-merchant order is kept.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.PublishBatch(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("outbox publish failed", "err", err)
			}
		}
	}
}

// PublishBatch delivers at most one batch and returns how many records went out.
func (p *Publisher) PublishBatch(ctx context.Context) (int, error) {
	n, err := p.source.Drain(ctx, p.batchSize, func(ctx context.Context, records []Record) error {
		msgs := make([]kafka.Message, 0, len(records))
		for _, r := range records {
			msgCtx := otelx.ContextWithTraceContext(ctx, r.Traceparent, r.Tracestate)
			msgs = append(msgs, kafkax.NewMessage(msgCtx, r.EventType, kafkax.Envelope{
				EventID:       r.EventID,
				EventType:     r.EventType,
				AggregateType: r.AggregateType,
				AggregateID:   r.AggregateID,
				OccurredAt:    r.CreatedAt,
			}, r.Payload))
		}
		return p.writer.WriteMessages(ctx, msgs...)
	})
	if err == nil && n > 0 && p.onPublish != nil {
		p.onPublish(n)
	}
	return n, err
}
