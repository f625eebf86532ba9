// Package kafka adapts the broker interface to Kafka. Exchange and
// routing-key semantics are resolved on the producer side against the
// topology registry; each queue maps to one topic consumed by one consumer
// group. Kafka has no native redelivery or dead-lettering, so retries are
// re-produced to the same topic with an attempt header and dead letters go
// to a <queue>.dead topic.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/keylinehq/keyline/internal/fabric/broker"
	"github.com/keylinehq/keyline/internal/fabric/topology"
)

const (
	attemptHeader = "fabric-attempt"
	taskHeader    = "fabric-task"
	reasonHeader  = "fabric-reason"

	deadTopicSuffix = ".dead"

	fetchBackoff = time.Second
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Config carries the connection settings for one broker.
type Config struct {
	// Brokers lists the bootstrap addresses.
	Brokers []string
	// GroupPrefix namespaces consumer groups; the group for a queue is
	// "<prefix>.<queue>".
	GroupPrefix string
	// Logf receives transport diagnostics. Defaults to log.Printf.
	Logf func(format string, args ...any)
}

// Broker publishes and consumes fabric messages over Kafka topics.
type Broker struct {
	registry *topology.Registry
	cfg      Config
	writer   messageWriter

	newReader func(queue string) messageReader
	logf      func(format string, args ...any)

	mu      sync.Mutex
	readers []messageReader
	closed  bool
	pending sync.WaitGroup
}

// New builds a Kafka-backed broker routing through registry.
func New(registry *topology.Registry, cfg Config) (*Broker, error) {
	if registry == nil {
		return nil, fmt.Errorf("topology registry is required")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker address is required")
	}
	if strings.TrimSpace(cfg.GroupPrefix) == "" {
		cfg.GroupPrefix = "keyline"
	}
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}

	writer := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	b := &Broker{
		registry: registry,
		cfg:      cfg,
		writer:   writer,
		logf:     logf,
	}
	b.newReader = func(queue string) messageReader {
		return kafkago.NewReader(kafkago.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    queue,
			GroupID:  cfg.GroupPrefix + "." + queue,
			MinBytes: 10e3,
			MaxBytes: 10e6,
		})
	}
	return b, nil
}

// Declare creates one topic per declared queue plus its dead-letter topic.
// Existing topics are left untouched.
func (b *Broker) Declare(ctx context.Context) error {
	if b == nil {
		return fmt.Errorf("broker is not configured")
	}
	client := &kafkago.Client{Addr: kafkago.TCP(b.cfg.Brokers...)}
	topics := make([]kafkago.TopicConfig, 0, 2*len(b.registry.Queues()))
	for _, queue := range b.registry.Queues() {
		topics = append(topics,
			kafkago.TopicConfig{Topic: queue, NumPartitions: 1, ReplicationFactor: 1},
			kafkago.TopicConfig{Topic: queue + deadTopicSuffix, NumPartitions: 1, ReplicationFactor: 1},
		)
	}
	resp, err := client.CreateTopics(ctx, &kafkago.CreateTopicsRequest{Topics: topics})
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	for topic, topicErr := range resp.Errors {
		if topicErr != nil && !errors.Is(topicErr, kafkago.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", topic, topicErr)
		}
	}
	return nil
}

// Publish resolves the exchange and routing key against the topology and
// produces one message per matched queue.
func (b *Broker) Publish(ctx context.Context, pub broker.Publishing) error {
	if b == nil {
		return fmt.Errorf("broker is not configured")
	}
	queues, err := b.registry.Match(pub.Exchange, pub.RoutingKey)
	if err != nil {
		return fmt.Errorf("route publication: %w", err)
	}
	for _, queue := range queues {
		if err := b.produce(ctx, queue, pub.Body, pub.Task, 1, ""); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) produce(ctx context.Context, topic string, body []byte, task string, attempt int, reason string) error {
	headers := []kafkago.Header{
		{Key: attemptHeader, Value: []byte(strconv.Itoa(attempt))},
	}
	if task != "" {
		headers = append(headers, kafkago.Header{Key: taskHeader, Value: []byte(task)})
	}
	if reason != "" {
		headers = append(headers, kafkago.Header{Key: reasonHeader, Value: []byte(reason)})
	}
	msg := kafkago.Message{
		Topic:   topic,
		Value:   body,
		Headers: headers,
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	return nil
}

// Consume starts a fetch loop for one queue and returns its delivery
// channel. The loop stops when ctx is canceled or the broker closes.
func (b *Broker) Consume(ctx context.Context, queue string) (<-chan broker.Delivery, error) {
	if b == nil {
		return nil, fmt.Errorf("broker is not configured")
	}
	if !b.registry.HasQueue(queue) {
		return nil, fmt.Errorf("queue %s is not declared", queue)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("broker is closed")
	}
	reader := b.newReader(queue)
	b.readers = append(b.readers, reader)
	b.mu.Unlock()

	deliveries := make(chan broker.Delivery)
	go b.fetchLoop(ctx, queue, reader, deliveries)
	return deliveries, nil
}

func (b *Broker) fetchLoop(ctx context.Context, queue string, reader messageReader, deliveries chan<- broker.Delivery) {
	defer close(deliveries)
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, kafkago.ErrGroupClosed) {
				return
			}
			b.logf("[FABRIC] fetch from %s: %v", queue, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(fetchBackoff):
			}
			continue
		}
		delivery := broker.Delivery{
			Queue:   queue,
			Body:    msg.Value,
			Attempt: attemptFrom(msg),
		}
		delivery.Acker = &kafkaAcker{broker: b, reader: reader, msg: msg, queue: queue}
		select {
		case deliveries <- delivery:
		case <-ctx.Done():
			return
		}
	}
}

func attemptFrom(msg kafkago.Message) int {
	for _, h := range msg.Headers {
		if h.Key != attemptHeader {
			continue
		}
		if attempt, err := strconv.Atoi(string(h.Value)); err == nil && attempt > 0 {
			return attempt
		}
	}
	return 1
}

func taskFrom(msg kafkago.Message) string {
	for _, h := range msg.Headers {
		if h.Key == taskHeader {
			return string(h.Value)
		}
	}
	return ""
}

// Close stops the writer and every reader, then waits for in-flight retry
// re-produces to finish.
func (b *Broker) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	readers := b.readers
	b.readers = nil
	b.mu.Unlock()

	b.pending.Wait()

	var firstErr error
	for _, reader := range readers {
		if err := reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := b.writer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

type kafkaAcker struct {
	broker *Broker
	reader messageReader
	msg    kafkago.Message
	queue  string

	mu      sync.Mutex
	settled bool
}

func (a *kafkaAcker) settle() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.settled {
		return fmt.Errorf("delivery already settled")
	}
	a.settled = true
	return nil
}

func (a *kafkaAcker) Ack(ctx context.Context) error {
	if err := a.settle(); err != nil {
		return err
	}
	if err := a.reader.CommitMessages(ctx, a.msg); err != nil {
		return fmt.Errorf("commit %s offset: %w", a.queue, err)
	}
	return nil
}

// Retry commits the consumed offset and re-produces the message with an
// incremented attempt header after the delay. The delay is best-effort.
func (a *kafkaAcker) Retry(ctx context.Context, delay time.Duration, reason string) error {
	if err := a.settle(); err != nil {
		return err
	}
	if err := a.reader.CommitMessages(ctx, a.msg); err != nil {
		return fmt.Errorf("commit %s offset: %w", a.queue, err)
	}
	attempt := attemptFrom(a.msg) + 1
	task := taskFrom(a.msg)
	body := a.msg.Value

	a.broker.pending.Add(1)
	redeliver := func() {
		defer a.broker.pending.Done()
		produceCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.broker.produce(produceCtx, a.queue, body, task, attempt, reason); err != nil {
			a.broker.logf("[FABRIC] redeliver to %s (attempt %d): %v", a.queue, attempt, err)
		}
	}
	if delay <= 0 {
		go redeliver()
	} else {
		time.AfterFunc(delay, redeliver)
	}
	return nil
}

// Dead commits the consumed offset and produces the message to the queue's
// dead-letter topic with the failure reason attached.
func (a *kafkaAcker) Dead(ctx context.Context, reason string) error {
	if err := a.settle(); err != nil {
		return err
	}
	if err := a.broker.produce(ctx, a.queue+deadTopicSuffix, a.msg.Value, taskFrom(a.msg), attemptFrom(a.msg), reason); err != nil {
		return err
	}
	if err := a.reader.CommitMessages(ctx, a.msg); err != nil {
		return fmt.Errorf("commit %s offset: %w", a.queue, err)
	}
	return nil
}

var _ broker.Broker = (*Broker)(nil)
