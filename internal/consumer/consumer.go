package consumer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/couponforge/issuance-engine/internal/model"
)

// DLQPublisher is the subset of publisher.Publisher the consumer needs
// to route malformed or unrecognized records to the dead-letter topic.
type DLQPublisher interface {
	PublishRaw(ctx context.Context, topic string, key, value []byte) error
}

// Consumer polls a Kafka consumer group, applies each record through
// a Processor, and commits offsets only after every record in the
// fetch has been applied — mirroring the at-least-once,
// commit-after-process contract spec'd for the materializer.
type Consumer struct {
	client    *kgo.Client
	processor *Processor
	dlq       DLQPublisher
	dlqTopic  string
}

// Config configures the underlying kgo consumer group client.
type Config struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
}

// New constructs a Consumer. dlq may be nil in tests that never
// exercise the malformed-record path.
func New(cfg Config, processor *Processor, dlq DLQPublisher, dlqTopic string) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("consumer: no seed brokers configured")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	)
	if err != nil {
		return nil, fmt.Errorf("consumer: new client: %w", err)
	}
	return &Consumer{client: client, processor: processor, dlq: dlq, dlqTopic: dlqTopic}, nil
}

// Run polls and processes fetches until ctx is canceled. Per spec §4.E
// step 3, offsets are committed only when every record in the fetch
// was either materialized or dead-lettered; a record whose Apply
// failed for a non-DLQ (transient) reason withholds the commit for the
// whole fetch, so the batch is redelivered rather than silently
// dropped.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.client.Close()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				log.Error().Err(fe.Err).Str("topic", fe.Topic).Int32("partition", fe.Partition).
					Msg("fetch error")
			}
		}

		clean := c.processFetches(ctx, fetches)
		c.client.AllowRebalance()

		if !clean {
			log.Warn().Msg("skipping offset commit: fetch had a transient materialization failure, batch will be redelivered")
			continue
		}

		if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
			log.Error().Err(err).Msg("failed to commit offsets")
		}
	}
}

// processFetches applies every record in fetches and reports whether
// the fetch is safe to commit past: false if any record failed to
// materialize for a reason other than being dead-lettered.
func (c *Consumer) processFetches(ctx context.Context, fetches kgo.Fetches) bool {
	clean := true
	fetches.EachRecord(func(record *kgo.Record) {
		outcome, event, cause := c.applyValue(ctx, record.Value)
		switch outcome {
		case outcomeDeadLettered:
			c.sendToDLQ(ctx, record, cause)
		case outcomeFailed:
			log.Error().Err(cause).Str("event_id", event.EventID).Str("event_type", string(event.Type)).
				Msg("failed to materialize event")
			clean = false
		}
	})
	return clean
}

// recordOutcome classifies the result of applying one record's bytes,
// independent of the kgo.Record/kgo.Fetches plumbing, so the decision
// logic can be unit tested without a live broker.
type recordOutcome int

const (
	outcomeMaterialized recordOutcome = iota
	outcomeDeadLettered
	outcomeFailed
)

// applyValue decodes and applies one record's raw value, classifying
// the result: malformed payloads and unrecognized event types are
// dead-lettered (committed past); any other Apply error is a
// transient failure the caller must not commit past.
func (c *Consumer) applyValue(ctx context.Context, value []byte) (recordOutcome, model.IssuanceEvent, error) {
	event, err := Decode(value)
	if err != nil {
		return outcomeDeadLettered, model.IssuanceEvent{}, err
	}

	if err := c.processor.Apply(ctx, event); err != nil {
		if errors.Is(err, ErrUnknownEventType) {
			return outcomeDeadLettered, event, err
		}
		return outcomeFailed, event, err
	}
	return outcomeMaterialized, event, nil
}

func (c *Consumer) sendToDLQ(ctx context.Context, record *kgo.Record, cause error) {
	log.Warn().Err(cause).Bytes("key", record.Key).Msg("routing record to dead-letter topic")
	if c.dlq == nil {
		return
	}
	if err := c.dlq.PublishRaw(ctx, c.dlqTopic, record.Key, record.Value); err != nil {
		log.Error().Err(err).Msg("failed to publish to dead-letter topic")
	}
}
