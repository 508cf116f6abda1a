package outbox

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is the envelope written to the outbox table in the same transaction as the
// state change. The Kafka topic equals EventType.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// Topic for a subscription transition, e.g. billing.subscription.renewed.v1.
func Topic(action string) string {
	return fmt.Sprintf("billing.subscription.%s.v1", action)
}

// NewEvent marshals payload as JSON.
func NewEvent(aggregateType, aggregateID, eventType string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{AggregateType: aggregateType, AggregateID: aggregateID, EventType: eventType, Payload: raw}, nil
}

// Record is a stored outbox row.
type Record struct {
	ID            int64
	EventID       string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Traceparent   string
	Tracestate    string
	CreatedAt     time.Time
}
