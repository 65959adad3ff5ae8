package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/opensource-finance/talon/internal/domain"
)

// KafkaBus implements EventBus on Kafka topics talon.<tenant>.<topic>.
// Messages are keyed by tenant; subscribers share one consumer group, so each
// message is handled by one replica. Request-reply is not available.
type KafkaBus struct {
	brokers []string
	groupID string
	writer  messageWriter

	newReader func(topic string) messageReader

	mu     sync.Mutex
	subs   map[*kafkaSubscription]struct{}
	closed bool
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type kafkaSubscription struct {
	bus    *KafkaBus
	topic  string
	reader messageReader
	cancel context.CancelFunc
	done   chan struct{}
}

const readRetryDelay = time.Second

// NewKafkaBus creates a Kafka-backed bus. Connections are opened lazily.
func NewKafkaBus(cfg domain.EventBusConfig) (*KafkaBus, error) {
	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	groupID := cfg.KafkaGroupID
	if groupID == "" {
		groupID = "talon"
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}

	return newKafkaBus(brokers, groupID, writer, func(topic string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers: brokers,
			GroupID: groupID,
			Topic:   topic,
			ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
				slog.Error(fmt.Sprintf(msg, args...), "component", "kafka_reader")
			}),
		})
	}), nil
}

func newKafkaBus(brokers []string, groupID string, w messageWriter, newReader func(string) messageReader) *KafkaBus {
	return &KafkaBus{
		brokers:   brokers,
		groupID:   groupID,
		writer:    w,
		newReader: newReader,
		subs:      make(map[*kafkaSubscription]struct{}),
	}
}

// Publish writes the message envelope keyed by tenant.
func (b *KafkaBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return errTenantRequired
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	msg := newMessage(ctx, tenantID, topic, payload)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = b.writer.WriteMessages(ctx, kafka.Message{
		Topic: subject(tenantID, topic),
		Key:   []byte(tenantID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "message_id", Value: []byte(msg.ID)},
		},
		Time: time.Unix(0, msg.Timestamp),
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe starts a consumer-group reader for the tenant's topic.
func (b *KafkaBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, errTenantRequired
	}
	if tenantID == AllTenants {
		return nil, fmt.Errorf("kafka bus needs explicit tenants, got %q", AllTenants)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		bus:    b,
		topic:  topic,
		reader: b.newReader(subject(tenantID, topic)),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	b.subs[sub] = struct{}{}

	go sub.consume(subCtx, handler)
	return sub, nil
}

// Request is not supported on Kafka.
func (b *KafkaBus) Request(context.Context, string, string, []byte) ([]byte, error) {
	return nil, ErrRequestUnsupported
}

// Ping dials the first reachable broker.
func (b *KafkaBus) Ping(ctx context.Context) error {
	var lastErr error
	for _, broker := range b.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}

// Close stops the readers and flushes the writer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*kafkaSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*kafkaSubscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return b.writer.Close()
}

func (s *kafkaSubscription) consume(ctx context.Context, handler domain.MessageHandler) {
	defer close(s.done)
	defer s.reader.Close()

	for {
		m, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			slog.Error("failed to read kafka message", "topic", s.topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(readRetryDelay):
			}
			continue
		}

		var msg domain.Message
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			slog.Error("failed to unmarshal kafka message",
				"topic", m.Topic,
				"partition", m.Partition,
				"offset", m.Offset,
				"error", err,
			)
			continue
		}

		if err := handler(ctx, &msg); err != nil {
			slog.Error("handler error", "topic", s.topic, "message_id", msg.ID, "error", err)
		}
	}
}

func (s *kafkaSubscription) stop() {
	s.cancel()
	<-s.done
}

// Unsubscribe stops the reader and leaves the consumer group.
func (s *kafkaSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	_, active := s.bus.subs[s]
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	if active {
		s.stop()
	}
	return nil
}

// Topic returns the subscribed topic.
func (s *kafkaSubscription) Topic() string {
	return s.topic
}
