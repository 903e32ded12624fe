package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/google/uuid"

	"github.com/lyzr/conductor/common/logger"
	redisw "github.com/lyzr/conductor/common/redis"
)

// frame is the wire format on pub/sub channels. Stream mirrors store the
// payload bytes directly so the append-only copy is byte-exact.
type frame struct {
	Key     string            `json:"key,omitempty"`
	Payload []byte            `json:"payload"`
	Headers map[string]string `json:"headers,omitempty"`
}

// RedisBus adapts the bus port onto Redis: PUBLISH/SUBSCRIBE for fan-out,
// XADD for stream mirroring, XREADGROUP/XACK for consumer groups, and
// XAUTOCLAIM for visibility-timeout redelivery.
type RedisBus struct {
	client          *redisw.Client
	log             *logger.Logger
	maxRedeliveries int64
	claimInterval   time.Duration

	mu      sync.Mutex
	closed  bool
	cancels map[string][]context.CancelFunc
	pubsubs []*goredis.PubSub
}

// RedisOption configures a RedisBus
type RedisOption func(*RedisBus)

// WithMaxRedeliveries sets the redelivery budget before DLQ routing
func WithMaxRedeliveries(n int) RedisOption {
	return func(b *RedisBus) {
		if n >= 0 {
			b.maxRedeliveries = int64(n)
		}
	}
}

// WithClaimInterval sets the visibility timeout for pending records
func WithClaimInterval(d time.Duration) RedisOption {
	return func(b *RedisBus) {
		if d > 0 {
			b.claimInterval = d
		}
	}
}

// NewRedisBus creates a Redis-backed bus on an existing client
func NewRedisBus(client *redisw.Client, log *logger.Logger, opts ...RedisOption) *RedisBus {
	b := &RedisBus{
		client:          client,
		log:             log,
		maxRedeliveries: DefaultMaxRedeliveries,
		claimInterval:   DefaultClaimInterval,
		cancels:         make(map[string][]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish fans out on the pub/sub channel and mirrors to a stream when asked.
// Either both writes succeed or the caller gets an error; no silent loss.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error {
	f := frame{Key: opts.Key, Payload: payload, Headers: opts.Headers}
	encoded, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode frame for %s: %w", topic, err)
	}

	if opts.MirrorToStream != "" {
		values := map[string]interface{}{
			"key":     opts.Key,
			"payload": string(payload),
		}
		if len(opts.Headers) > 0 {
			hdr, err := json.Marshal(opts.Headers)
			if err != nil {
				return fmt.Errorf("failed to encode headers for %s: %w", topic, err)
			}
			values["headers"] = string(hdr)
		}
		if _, err := b.client.AddToStream(ctx, opts.MirrorToStream, values); err != nil {
			return err
		}
	}

	return b.client.PublishEvent(ctx, topic, string(encoded))
}

// Subscribe registers a handler. Without a consumer group this is plain
// pub/sub broadcast; with one, the topic's mirrored stream is consumed
// with acknowledgements, redelivery and DLQ routing.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, handler Handler, opts SubscribeOptions) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("redis bus is closed")
	}
	subCtx, cancel := context.WithCancel(ctx)
	b.cancels[topic] = append(b.cancels[topic], cancel)
	b.mu.Unlock()

	if opts.ConsumerGroup == "" {
		return b.subscribeBroadcast(subCtx, topic, handler)
	}
	return b.subscribeGroup(subCtx, topic, handler, opts)
}

func (b *RedisBus) subscribeBroadcast(ctx context.Context, topic string, handler Handler) error {
	ps := b.client.GetUnderlying().Subscribe(ctx, topic)
	// Force the subscription to be established before returning
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	b.mu.Lock()
	b.pubsubs = append(b.pubsubs, ps)
	b.mu.Unlock()

	b.log.Info("subscribed to topic", "topic", topic)

	go func() {
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var f frame
				if err := json.Unmarshal([]byte(m.Payload), &f); err != nil {
					b.log.Error("failed to decode frame", "topic", topic, "error", err)
					continue
				}
				msg := Message{Topic: topic, Key: f.Key, Payload: f.Payload, Headers: f.Headers}
				if err := handler(ctx, msg); err != nil {
					b.log.Error("message handler error", "topic", topic, "key", f.Key, "error", err)
				}
			}
		}
	}()
	return nil
}

func (b *RedisBus) subscribeGroup(ctx context.Context, topic string, handler Handler, opts SubscribeOptions) error {
	stream := StreamTopic(topic)
	start := "$"
	if opts.FromBeginning {
		start = "0"
	}
	if err := b.client.CreateStreamGroup(ctx, stream, opts.ConsumerGroup, start); err != nil {
		return err
	}

	consumer := fmt.Sprintf("%s-%s", opts.ConsumerGroup, uuid.NewString()[:8])
	b.log.Info("joined consumer group", "topic", topic, "group", opts.ConsumerGroup, "consumer", consumer)

	go b.readLoop(ctx, topic, stream, opts.ConsumerGroup, consumer, handler)
	go b.claimLoop(ctx, topic, stream, opts.ConsumerGroup, consumer, handler)
	return nil
}

func (b *RedisBus) readLoop(ctx context.Context, topic, stream, group, consumer string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := b.client.ReadFromStreamGroup(ctx, group, consumer, stream, 10, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			time.Sleep(time.Second)
			continue
		}
		for _, s := range streams {
			for _, m := range s.Messages {
				b.handleStreamMessage(ctx, topic, stream, group, m, 1, handler)
			}
		}
	}
}

// claimLoop reclaims records whose consumer died or whose handler failed,
// implementing the visibility timeout. Records past the redelivery budget
// move to the DLQ.
func (b *RedisBus) claimLoop(ctx context.Context, topic, stream, group, consumer string, handler Handler) {
	ticker := time.NewTicker(b.claimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		msgs, err := b.client.AutoClaimStream(ctx, stream, group, consumer, b.claimInterval, 10)
		if err != nil || len(msgs) == 0 {
			continue
		}

		ids := make([]string, 0, len(msgs))
		for _, m := range msgs {
			ids = append(ids, m.ID)
		}
		counts, err := b.client.PendingStreamEntries(ctx, stream, group, ids)
		if err != nil {
			counts = map[string]int64{}
		}

		for _, m := range msgs {
			delivery := counts[m.ID]
			if delivery <= 0 {
				delivery = 2
			}
			if delivery > b.maxRedeliveries {
				b.deadLetter(ctx, topic, stream, group, m)
				continue
			}
			b.handleStreamMessage(ctx, topic, stream, group, m, int(delivery), handler)
		}
	}
}

func (b *RedisBus) handleStreamMessage(ctx context.Context, topic, stream, group string, m goredis.XMessage, delivery int, handler Handler) {
	msg := decodeStreamMessage(topic, m)
	msg.Delivery = delivery

	if err := handler(ctx, msg); err != nil {
		// Leave unacked; the claim loop redelivers after the visibility timeout
		b.log.Warn("handler failed, leaving record pending", "topic", topic, "record_id", m.ID, "delivery", delivery, "error", err)
		return
	}
	if err := b.client.AckStreamMessage(ctx, stream, group, m.ID); err != nil {
		b.log.Error("failed to ack record", "topic", topic, "record_id", m.ID, "error", err)
	}
}

func (b *RedisBus) deadLetter(ctx context.Context, topic, stream, group string, m goredis.XMessage) {
	msg := decodeStreamMessage(topic, m)
	dlq := DLQTopic(topic)
	b.log.Error("record exhausted redeliveries, moving to DLQ", "topic", topic, "dlq", dlq, "record_id", m.ID)

	if err := b.Publish(ctx, dlq, msg.Payload, PublishOptions{
		Key:            msg.Key,
		MirrorToStream: StreamTopic(dlq),
		Headers:        msg.Headers,
	}); err != nil {
		b.log.Error("DLQ publish failed", "dlq", dlq, "error", err)
		return
	}
	if err := b.client.AckStreamMessage(ctx, stream, group, m.ID); err != nil {
		b.log.Error("failed to ack dead-lettered record", "record_id", m.ID, "error", err)
	}
}

func decodeStreamMessage(topic string, m goredis.XMessage) Message {
	msg := Message{Topic: topic, RecordID: m.ID}
	if v, ok := m.Values["key"].(string); ok {
		msg.Key = v
	}
	if v, ok := m.Values["payload"].(string); ok {
		msg.Payload = []byte(v)
	}
	if v, ok := m.Values["headers"].(string); ok && v != "" {
		var headers map[string]string
		if err := json.Unmarshal([]byte(v), &headers); err == nil {
			msg.Headers = headers
		}
	}
	return msg
}

// Unsubscribe cancels all subscriptions for the topic
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cancel := range b.cancels[topic] {
		cancel()
	}
	delete(b.cancels, topic)
	return nil
}

// Ping checks Redis connectivity
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx)
}

// Close cancels all subscriptions and closes the connection
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, cancels := range b.cancels {
		for _, cancel := range cancels {
			cancel()
		}
	}
	b.cancels = make(map[string][]context.CancelFunc)
	pubsubs := b.pubsubs
	b.pubsubs = nil
	b.mu.Unlock()

	for _, ps := range pubsubs {
		_ = ps.Close()
	}
	return b.client.Close()
}
