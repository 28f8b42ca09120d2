package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepgate/stepgate/internal/domain"
)

type stubWriter struct {
	mu     sync.Mutex
	topics []string
	msgs   []kafka.Message
	err    error
}

func (s *stubWriter) WriteMessages(_ context.Context, topic string, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for _, m := range msgs {
		s.topics = append(s.topics, topic)
		s.msgs = append(s.msgs, m)
	}
	return nil
}

func TestKafkaPublisher_DeliversQueuedEvents(t *testing.T) {
	w := &stubWriter{}
	p := NewKafkaPublisher(w, Config{Topic: "test.events"})
	ctx, cancel := context.WithCancel(context.Background())
	go p.Start(ctx)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, p.Publish(ctx, domain.Event{Type: domain.EventSessionOpened, SessionID: "s1", OccurredAt: at, Minutes: 10, Balance: 20}))
	require.NoError(t, p.Publish(ctx, domain.Event{Type: domain.EventWalletCredited, OccurredAt: at, Minutes: 20}))

	cancel()
	p.Wait()

	require.Len(t, w.msgs, 2)
	assert.Equal(t, []string{"test.events", "test.events"}, w.topics)
	assert.Equal(t, "s1", string(w.msgs[0].Key))
	assert.Equal(t, domain.EventWalletCredited, string(w.msgs[1].Key), "events without session key by type")

	var got domain.Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, int64(10), got.Minutes)
	assert.Equal(t, int64(20), got.Balance)
}

func TestKafkaPublisher_DropsWhenFull(t *testing.T) {
	p := NewKafkaPublisher(&stubWriter{}, Config{QueueSize: 1})
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, domain.Event{Type: "a"}))
	err := p.Publish(ctx, domain.Event{Type: "b"})
	assert.True(t, errors.Is(err, ErrQueueFull))
}

func TestKafkaPublisher_WriteErrorDoesNotStopLoop(t *testing.T) {
	w := &stubWriter{err: errors.New("broker down")}
	p := NewKafkaPublisher(w, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	go p.Start(ctx)

	require.NoError(t, p.Publish(ctx, domain.Event{Type: "a"}))
	cancel()
	p.Wait()
	assert.Empty(t, w.msgs)
}

func TestEncode_Headers(t *testing.T) {
	msg, err := Encode(domain.Event{Type: domain.EventSessionEnded, SessionID: "s9"})
	require.NoError(t, err)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "event-type", msg.Headers[0].Key)
	assert.Equal(t, domain.EventSessionEnded, string(msg.Headers[0].Value))
}
