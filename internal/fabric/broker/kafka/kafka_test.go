package kafka

import (
	"context"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/keylinehq/keyline/internal/fabric/broker"
	"github.com/keylinehq/keyline/internal/fabric/topology"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafkago.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) produced() []kafkago.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafkago.Message(nil), w.messages...)
}

type fakeReader struct {
	incoming chan kafkago.Message

	mu        sync.Mutex
	committed []kafkago.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	select {
	case msg := <-r.incoming:
		return msg, nil
	case <-ctx.Done():
		return kafkago.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafkago.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func newTestRegistry(t *testing.T) *topology.Registry {
	t.Helper()
	registry, err := topology.New(topology.Declarations{
		Exchanges: []topology.Exchange{
			{Name: "keyline.event", Kind: topology.Topic},
		},
		Queues: []topology.Queue{
			{Name: "deviceconsume"},
			{Name: "auditconsume"},
		},
		Bindings: []topology.Binding{
			{Exchange: "keyline.event", Queue: "deviceconsume", RoutingKey: "device.publish.*"},
			{Exchange: "keyline.event", Queue: "auditconsume", RoutingKey: "#"},
		},
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return registry
}

func newTestBroker(t *testing.T, reader *fakeReader) (*Broker, *fakeWriter) {
	t.Helper()
	writer := &fakeWriter{}
	b := &Broker{
		registry: newTestRegistry(t),
		cfg:      Config{Brokers: []string{"localhost:9092"}, GroupPrefix: "keyline"},
		writer:   writer,
		logf:     t.Logf,
	}
	b.newReader = func(string) messageReader { return reader }
	return b, writer
}

func headerValue(msg kafkago.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func waitProduced(t *testing.T, writer *fakeWriter, want int) []kafkago.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := writer.produced(); len(msgs) >= want {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("produced messages never reached %d", want)
	return nil
}

func TestPublishProducesToEveryMatchedTopic(t *testing.T) {
	b, writer := newTestBroker(t, &fakeReader{incoming: make(chan kafkago.Message)})

	err := b.Publish(context.Background(), broker.Publishing{
		Exchange:   "keyline.event",
		RoutingKey: "device.publish.revoke",
		Body:       []byte("revoke"),
		Task:       "device.publish.revoke",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	msgs := writer.produced()
	if len(msgs) != 2 {
		t.Fatalf("produced = %d messages, want 2", len(msgs))
	}
	topics := map[string]bool{}
	for _, msg := range msgs {
		topics[msg.Topic] = true
		if got := headerValue(msg, attemptHeader); got != "1" {
			t.Fatalf("attempt header = %q, want %q", got, "1")
		}
		if got := headerValue(msg, taskHeader); got != "device.publish.revoke" {
			t.Fatalf("task header = %q, want %q", got, "device.publish.revoke")
		}
	}
	if !topics["auditconsume"] || !topics["deviceconsume"] {
		t.Fatalf("topics = %v, want auditconsume and deviceconsume", topics)
	}
}

func TestPublishUnknownExchangeRejected(t *testing.T) {
	b, _ := newTestBroker(t, &fakeReader{incoming: make(chan kafkago.Message)})
	err := b.Publish(context.Background(), broker.Publishing{Exchange: "ghost", RoutingKey: "x"})
	if err == nil {
		t.Fatal("expected unknown exchange to fail")
	}
}

func TestConsumeDeliversWithAttemptFromHeader(t *testing.T) {
	reader := &fakeReader{incoming: make(chan kafkago.Message, 1)}
	b, _ := newTestBroker(t, reader)

	reader.incoming <- kafkago.Message{
		Topic: "deviceconsume",
		Value: []byte("revoke"),
		Headers: []kafkago.Header{
			{Key: attemptHeader, Value: []byte("3")},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deliveries, err := b.Consume(ctx, "deviceconsume")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	select {
	case delivery := <-deliveries:
		if delivery.Attempt != 3 {
			t.Fatalf("attempt = %d, want 3", delivery.Attempt)
		}
		if string(delivery.Body) != "revoke" {
			t.Fatalf("body = %q, want %q", delivery.Body, "revoke")
		}
		if err := delivery.Acker.Ack(context.Background()); err != nil {
			t.Fatalf("ack: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	if got := reader.commitCount(); got != 1 {
		t.Fatalf("committed = %d, want 1", got)
	}
}

func TestConsumeUndeclaredQueueRejected(t *testing.T) {
	b, _ := newTestBroker(t, &fakeReader{incoming: make(chan kafkago.Message)})
	if _, err := b.Consume(context.Background(), "ghost"); err == nil {
		t.Fatal("expected undeclared queue to fail")
	}
}

func TestRetryCommitsAndReproducesWithNextAttempt(t *testing.T) {
	reader := &fakeReader{incoming: make(chan kafkago.Message, 1)}
	b, writer := newTestBroker(t, reader)

	reader.incoming <- kafkago.Message{
		Topic: "deviceconsume",
		Value: []byte("revoke"),
		Headers: []kafkago.Header{
			{Key: attemptHeader, Value: []byte("1")},
			{Key: taskHeader, Value: []byte("device.publish.revoke")},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deliveries, err := b.Consume(ctx, "deviceconsume")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	delivery := <-deliveries
	if err := delivery.Acker.Retry(context.Background(), 0, "transient"); err != nil {
		t.Fatalf("retry: %v", err)
	}

	msgs := waitProduced(t, writer, 1)
	if msgs[0].Topic != "deviceconsume" {
		t.Fatalf("topic = %q, want %q", msgs[0].Topic, "deviceconsume")
	}
	if got := headerValue(msgs[0], attemptHeader); got != "2" {
		t.Fatalf("attempt header = %q, want %q", got, "2")
	}
	if got := headerValue(msgs[0], reasonHeader); got != "transient" {
		t.Fatalf("reason header = %q, want %q", got, "transient")
	}
	if got := reader.commitCount(); got != 1 {
		t.Fatalf("committed = %d, want 1", got)
	}
}

func TestDeadProducesToDeadLetterTopic(t *testing.T) {
	reader := &fakeReader{incoming: make(chan kafkago.Message, 1)}
	b, writer := newTestBroker(t, reader)

	reader.incoming <- kafkago.Message{
		Topic: "deviceconsume",
		Value: []byte("poison"),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deliveries, err := b.Consume(ctx, "deviceconsume")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	delivery := <-deliveries
	if err := delivery.Acker.Dead(context.Background(), "handler exhausted"); err != nil {
		t.Fatalf("dead: %v", err)
	}

	msgs := writer.produced()
	if len(msgs) != 1 {
		t.Fatalf("produced = %d messages, want 1", len(msgs))
	}
	if msgs[0].Topic != "deviceconsume.dead" {
		t.Fatalf("topic = %q, want %q", msgs[0].Topic, "deviceconsume.dead")
	}
	if got := headerValue(msgs[0], reasonHeader); got != "handler exhausted" {
		t.Fatalf("reason header = %q, want %q", got, "handler exhausted")
	}
	if got := reader.commitCount(); got != 1 {
		t.Fatalf("committed = %d, want 1", got)
	}

	if err := delivery.Acker.Ack(context.Background()); err == nil {
		t.Fatal("expected second settle to fail")
	}
}
