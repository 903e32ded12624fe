package bus

import (
	"context"
	"time"
)

// Message is a single delivery to a subscriber handler
type Message struct {
	Topic   string
	Key     string
	Payload []byte
	Headers map[string]string
	// RecordID is the stream record id when delivered through a consumer group
	RecordID string
	// Delivery is the 1-based delivery attempt for consumer-group deliveries
	Delivery int
}

// Handler processes a delivered message. Returning an error triggers
// redelivery when a consumer group is in use.
type Handler func(ctx context.Context, msg Message) error

// PublishOptions controls a single publish
type PublishOptions struct {
	// Key is a partitioning hint; per-key order is guaranteed in the stream.
	Key string
	// MirrorToStream appends a copy of the payload to the named append-only stream.
	MirrorToStream string
	Headers        map[string]string
}

// SubscribeOptions controls a subscription
type SubscribeOptions struct {
	// ConsumerGroup switches the subscription from plain broadcast to
	// acknowledged reads of the topic's mirrored stream.
	ConsumerGroup string
	// FromBeginning starts a new group at the head of the stream instead
	// of the tail. Ignored without ConsumerGroup.
	FromBeginning bool
}

// Bus is the symmetric publish/subscribe port. Both adapters honor the
// same contract: publish fan-out, optional stream mirroring, consumer
// groups with redelivery and a DLQ per topic.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error
	Subscribe(ctx context.Context, topic string, handler Handler, opts SubscribeOptions) error
	Unsubscribe(ctx context.Context, topic string) error
	Ping(ctx context.Context) error
	Close() error
}

// StreamTopic names the append-only mirror of a topic
func StreamTopic(topic string) string {
	return "stream:" + topic
}

// DLQTopic names the dead-letter topic for a topic
func DLQTopic(topic string) string {
	return "dlq:" + topic
}

const (
	// DefaultMaxRedeliveries is how many times a consumer-group record is
	// retried before moving to the DLQ.
	DefaultMaxRedeliveries = 3
	// DefaultClaimInterval is the visibility timeout for pending records.
	DefaultClaimInterval = 30 * time.Second
)
