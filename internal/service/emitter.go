package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// ─────────────────────────────────────────────────────────────
// EventEmitter — job lifecycle events
// ─────────────────────────────────────────────────────────────

// Lifecycle event names.
const (
	EventExportCompleted = "export:completed"
	EventExportFailed    = "export:failed"
	EventPullCompleted   = "pull:completed"
	EventPullFailed      = "pull:failed"
	EventPullRescheduled = "pull:rescheduled"
	EventIngestCompleted = "ingest:completed"
)

// EventEmitter publishes job lifecycle events. Emit never fails the job;
// implementations log their own errors.
type EventEmitter interface {
	Emit(ctx context.Context, event string, data any)
}

// NoopEmitter drops every event.
type NoopEmitter struct{}

func (NoopEmitter) Emit(context.Context, string, any) {}

// MockEmitter is a test-friendly EventEmitter that records all calls.
type MockEmitter struct {
	mu     sync.Mutex
	Events []EmittedEvent
}

// EmittedEvent holds a single recorded emission for test assertions.
type EmittedEvent struct {
	Event string
	Data  any
}

func (m *MockEmitter) Emit(_ context.Context, event string, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, EmittedEvent{Event: event, Data: data})
}

// Names returns the recorded event names in emission order.
func (m *MockEmitter) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Events))
	for i, e := range m.Events {
		out[i] = e.Event
	}
	return out
}

// ── Kafka ──────────────────────────────────────────────────

// KafkaEmitter writes each event as a JSON message keyed by event name.
type KafkaEmitter struct {
	writer *kafka.Writer
	log    *zap.Logger
}

type jobEvent struct {
	Event     string    `json:"event"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// NewKafkaEmitter creates an emitter publishing to topic on brokers.
func NewKafkaEmitter(brokers []string, topic string, log *zap.Logger) *KafkaEmitter {
	return &KafkaEmitter{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			BatchTimeout:           50 * time.Millisecond,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
		log: log.Named("events"),
	}
}

func (k *KafkaEmitter) Emit(ctx context.Context, event string, data any) {
	payload, err := json.Marshal(jobEvent{Event: event, Data: data, Timestamp: time.Now().UTC()})
	if err != nil {
		k.log.Error("encode event", zap.String("event", event), zap.Error(err))
		return
	}
	msg := kafka.Message{
		Key:     []byte(event),
		Value:   payload,
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(event)}},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		k.log.Warn("publish event", zap.String("event", event), zap.Error(err))
		return
	}
	k.log.Debug("published event", zap.String("event", event))
}

// Close flushes and closes the writer.
func (k *KafkaEmitter) Close() error { return k.writer.Close() }
