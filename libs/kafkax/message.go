// Package kafkax holds the Kafka conventions shared by publishers: header names,
// trace propagation and broker configuration.
package kafkax

import (
	"context"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	HeaderEventID       = "event_id"
	HeaderEventType     = "event_type"
	HeaderAggregateType = "aggregate_type"
	HeaderAggregateID   = "aggregate_id"
	HeaderOccurredAt    = "occurred_at"
	HeaderContentType   = "content-type"
)

// Envelope identifies the domain event a message carries.
type Envelope struct {
	EventID       string
	EventType     string
	AggregateType string
	AggregateID   string
	OccurredAt    time.Time
}

// NewMessage builds a JSON message on topic keyed by the aggregate id, so all events
// of one aggregate land on one partition in order. The trace context of ctx is
// injected as W3C headers.
func NewMessage(ctx context.Context, topic string, env Envelope, payload []byte) kafka.Message {
	headers := headerCarrier{
		{Key: HeaderEventID, Value: []byte(env.EventID)},
		{Key: HeaderEventType, Value: []byte(env.EventType)},
		{Key: HeaderAggregateType, Value: []byte(env.AggregateType)},
		{Key: HeaderAggregateID, Value: []byte(env.AggregateID)},
		{Key: HeaderContentType, Value: []byte("application/json")},
	}
	if !env.OccurredAt.IsZero() {
		headers.Set(HeaderOccurredAt, env.OccurredAt.UTC().Format(time.RFC3339Nano))
	}
	otel.GetTextMapPropagator().Inject(ctx, &headers)
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(env.AggregateID),
		Value:   payload,
		Headers: headers,
		Time:    env.OccurredAt,
	}
}

// HeaderValue returns the first header named key, or "".
func HeaderValue(headers []kafka.Header, key string) string {
	return headerCarrier(headers).Get(key)
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

type headerCarrier []kafka.Header

var _ propagation.TextMapCarrier = (*headerCarrier)(nil)

func (c headerCarrier) Get(key string) string {
	for _, h := range c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	for i := range *c {
		if (*c)[i].Key == key {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, kafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = h.Key
	}
	return keys
}
