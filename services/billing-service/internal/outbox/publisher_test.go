package outbox

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/md-rashed-zaman/merchantbilling/libs/kafkax"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceSource struct {
	pending   []Record
	published []Record
}

func (s *sliceSource) Drain(ctx context.Context, limit int, deliver func(context.Context, []Record) error) (int, error) {
	n := min(limit, len(s.pending))
	if n == 0 {
		return 0, nil
	}
	batch := s.pending[:n]
	if err := deliver(ctx, batch); err != nil {
		return 0, err
	}
	s.published = append(s.published, batch...)
	s.pending = s.pending[n:]
	return n, nil
}

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func TestPublishBatchWritesTopicAndHeaders(t *testing.T) {
	src := &sliceSource{pending: []Record{
		{ID: 1, EventID: "e1", AggregateID: "sub-1", EventType: Topic("created"), Payload: []byte(`{}`)},
		{ID: 2, EventID: "e2", AggregateID: "sub-1", EventType: Topic("renewed"), Payload: []byte(`{}`)},
		{ID: 3, EventID: "e3", AggregateID: "sub-2", EventType: Topic("cancelled"), Payload: []byte(`{}`)},
	}}
	w := &recordingWriter{}
	var reported int
	p := NewPublisher(src, w, slog.Default(), PublisherConfig{BatchSize: 2})
	p.OnPublish(func(n int) { reported += n })

	n, err := p.PublishBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "billing.subscription.created.v1", w.msgs[0].Topic)
	assert.Equal(t, "sub-1", string(w.msgs[0].Key))
	assert.Equal(t, "e1", kafkax.HeaderValue(w.msgs[0].Headers, kafkax.HeaderEventID))

	n, err = p.PublishBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, reported)
}

func TestPublishBatchKeepsRecordsOnWriteFailure(t *testing.T) {
	src := &sliceSource{pending: []Record{{ID: 1, EventID: "e1", EventType: Topic("created")}}}
	p := NewPublisher(src, &recordingWriter{err: errors.New("broker down")}, slog.Default(), PublisherConfig{})

	_, err := p.PublishBatch(context.Background())
	require.Error(t, err)
	assert.Len(t, src.pending, 1)
	assert.Empty(t, src.published)
}

func TestNewEvent(t *testing.T) {
	evt, err := NewEvent("subscription", "sub-1", Topic("upgraded"), map[string]string{"tier": "pro"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"tier":"pro"}`, string(evt.Payload))
	assert.Equal(t, "billing.subscription.upgraded.v1", evt.EventType)
}
