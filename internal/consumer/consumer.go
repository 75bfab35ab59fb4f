package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/porterhq/dispatch/internal/events"
)

// Consumer polls the upstream topics in a consumer group and feeds each
// record through Handlers. Offsets autocommit after processing, giving
// at-least-once delivery; the handlers are idempotent.
type Consumer struct {
	client   *kgo.Client
	handlers *Handlers
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a group consumer for the upstream topics.
func New(brokers []string, groupID string, topics []string, handlers *Handlers, logger *slog.Logger) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.AutoCommitMarks(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	return &Consumer{client: client, handlers: handlers, logger: logger}, nil
}

// Start launches the poll loop.
func (c *Consumer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
	c.logger.Info("event consumer started")
}

// Stop cancels the poll loop and closes the client, committing marked
// offsets.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.client.Close()
	c.logger.Info("event consumer stopped")
}

func (c *Consumer) run(ctx context.Context) {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.Any("error", err),
			)
		})

		fetches.EachRecord(func(record *kgo.Record) {
			c.process(ctx, record)
			c.client.MarkCommitRecords(record)
		})
	}
}

// process handles one record. Failures are logged and the record is
// skipped; the upstream is replayable and the handlers idempotent, so a
// persistent failure surfaces in the logs rather than wedging the
// partition.
func (c *Consumer) process(ctx context.Context, record *kgo.Record) {
	var envelope events.Envelope
	if err := json.Unmarshal(record.Value, &envelope); err != nil {
		c.logger.Error("failed to unmarshal event envelope",
			slog.String("topic", record.Topic),
			slog.Any("error", err),
		)
		return
	}

	handleCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := c.handlers.Handle(handleCtx, &envelope); err != nil {
		c.logger.Error("failed to handle event",
			slog.String("event_type", envelope.Type),
			slog.String("event_id", envelope.ID),
			slog.String("correlation_id", envelope.CorrelationID),
			slog.Any("error", err),
		)
	}
}
