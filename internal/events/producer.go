package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/porterhq/dispatch/internal/pkg/ulid"
)

// Publisher is the event bus producer handle shared across the process.
// Publishes are thread-safe; delivery is at-least-once with per-key ordering.
type Publisher interface {
	Publish(ctx context.Context, partitionKey, eventType, correlationID string, payload any) error
	Ping(ctx context.Context) error
	Close()
}

// Producer publishes events to Kafka via franz-go.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer creates the process-wide Kafka producer and verifies broker
// connectivity.
func NewProducer(brokers []string, clientID, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.RequestRetries(5),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping kafka: %w", err)
	}

	return &Producer{client: client, topic: topic}, nil
}

// Publish wraps the payload in an envelope and produces it synchronously.
// The partition key (porter id or user id) gives consumers per-porter
// ordering. Retries transient failures a bounded number of times; callers
// on best-effort paths log and swallow the returned error.
func (p *Producer) Publish(ctx context.Context, partitionKey, eventType, correlationID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	envelope := Envelope{
		ID:            ulid.New(),
		Type:          eventType,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Payload:       body,
	}

	value, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal %s envelope: %w", eventType, err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(partitionKey),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(eventType)},
			{Key: "correlation_id", Value: []byte(correlationID)},
		},
	}

	return retry.Do(
		func() error {
			return p.client.ProduceSync(ctx, record).FirstErr()
		},
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
}

// Ping verifies broker connectivity.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes buffered records and releases the client.
func (p *Producer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = p.client.Flush(ctx)
	p.client.Close()
}
