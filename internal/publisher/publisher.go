// Package publisher durably appends coupon issuance events to a
// partitioned Kafka topic, keyed by event_id so that all records for
// one coupon event share a partition and therefore a total order.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/couponforge/issuance-engine/internal/model"
)

// Publisher wraps a *kgo.Client configured for ordered, acknowledged,
// idempotent production. One Publisher handle is shared per process;
// franz-go's client is internally safe for concurrent use.
type Publisher struct {
	client *kgo.Client
	topic  string
}

// NewPublisher constructs a Publisher configured per spec §4.D:
// acks=all, at most one in-flight produce request per broker
// (preserves ordering under retry), idempotent writes (franz-go's
// default unless explicitly disabled — left enabled here), bounded
// retries, and snappy compression. topic must match the topic the
// materializer consumer group is configured to read from.
func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("publisher: no seed brokers configured")
	}
	if topic == "" {
		return nil, fmt.Errorf("publisher: no topic configured")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.MaxProduceRequestsInflightPerBroker(1),
		kgo.RequestRetries(5),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("publisher: new client: %w", err)
	}

	return &Publisher{client: client, topic: topic}, nil
}

// Publish synchronously appends one event, partitioned by event_id.
// The caller decides policy on failure (see coordinator.publishIssued):
// admission has already committed by the time Publish is called, so a
// publish failure is surfaced to the caller but never retroactively
// fails the issuance.
func (p *Publisher) Publish(ctx context.Context, event model.IssuanceEvent) error {
	record, err := p.encodeRecord(event)
	if err != nil {
		return err
	}

	result := p.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("publisher: produce %s: %w", event.Type, err)
	}
	return nil
}

// encodeRecord builds the Kafka record for one event: JSON-encoded
// value, event_id as the partition key. Factored out so the envelope
// shape can be tested without a live broker.
func (p *Publisher) encodeRecord(event model.IssuanceEvent) (*kgo.Record, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("publisher: marshal event: %w", err)
	}
	return &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.EventID),
		Value: payload,
	}, nil
}

// PublishRaw republishes an already-encoded record verbatim to an
// arbitrary topic, used by the consumer to forward malformed or
// unrecognized records to the dead-letter topic without re-decoding
// them.
func (p *Publisher) PublishRaw(ctx context.Context, topic string, key, value []byte) error {
	record := &kgo.Record{Topic: topic, Key: key, Value: value}
	result := p.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("publisher: produce raw to %s: %w", topic, err)
	}
	return nil
}

// Ping verifies broker connectivity, used by the health handler.
func (p *Publisher) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("publisher: ping: %w", err)
	}
	return nil
}

// Close releases the underlying Kafka client.
func (p *Publisher) Close() {
	if p.client != nil {
		p.client.Close()
	}
}
