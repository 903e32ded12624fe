package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lyzr/conductor/common/logger"
)

const (
	natsKeyHeader     = "Conductor-Key"
	natsHeaderPrefix  = "Conductor-Hdr-"
	natsReconnectWait = 2 * time.Second
)

// NATSBus adapts the bus port onto NATS: core pub/sub for fan-out and
// JetStream for stream mirroring and consumer groups. Payload bytes pass
// through untouched; key and headers travel as NATS message headers.
type NATSBus struct {
	nc              *nats.Conn
	js              nats.JetStreamContext
	log             *logger.Logger
	maxRedeliveries int
	ackWait         time.Duration

	mu       sync.Mutex
	closed   bool
	subs     map[string][]*nats.Subscription
	ensured  map[string]bool
}

// NATSOption configures a NATSBus
type NATSOption func(*NATSBus)

// WithNATSMaxRedeliveries sets the redelivery budget before DLQ routing
func WithNATSMaxRedeliveries(n int) NATSOption {
	return func(b *NATSBus) {
		if n >= 0 {
			b.maxRedeliveries = n
		}
	}
}

// WithNATSAckWait sets the visibility timeout for unacknowledged records
func WithNATSAckWait(d time.Duration) NATSOption {
	return func(b *NATSBus) {
		if d > 0 {
			b.ackWait = d
		}
	}
}

// NewNATSBus connects to NATS and initializes a JetStream context
func NewNATSBus(url string, log *logger.Logger, opts ...NATSOption) (*NATSBus, error) {
	nc, err := nats.Connect(url,
		nats.ReconnectWait(natsReconnectWait),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to initialize JetStream: %w", err)
	}

	b := &NATSBus{
		nc:              nc,
		js:              js,
		log:             log,
		maxRedeliveries: DefaultMaxRedeliveries,
		ackWait:         DefaultClaimInterval,
		subs:            make(map[string][]*nats.Subscription),
		ensured:         make(map[string]bool),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Publish fans out on the topic subject and mirrors to JetStream when asked
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error {
	header := nats.Header{}
	if opts.Key != "" {
		header.Set(natsKeyHeader, opts.Key)
	}
	for k, v := range opts.Headers {
		header.Set(natsHeaderPrefix+k, v)
	}

	if opts.MirrorToStream != "" {
		if err := b.ensureStream(opts.MirrorToStream); err != nil {
			return err
		}
		msg := &nats.Msg{Subject: opts.MirrorToStream, Header: header, Data: payload}
		// MsgId scoped by key keeps per-key order under JetStream dedupe windows
		if _, err := b.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
			return fmt.Errorf("failed to mirror to stream %s: %w", opts.MirrorToStream, err)
		}
	}

	msg := &nats.Msg{Subject: topic, Header: header, Data: payload}
	if err := b.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a handler; with a consumer group it becomes a durable
// JetStream queue subscription on the topic's mirrored stream.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler Handler, opts SubscribeOptions) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("nats bus is closed")
	}
	b.mu.Unlock()

	if opts.ConsumerGroup == "" {
		sub, err := b.nc.Subscribe(topic, func(m *nats.Msg) {
			msg := b.decode(topic, m)
			if err := handler(ctx, msg); err != nil {
				b.log.Error("message handler error", "topic", topic, "key", msg.Key, "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		b.track(topic, sub)
		return nil
	}

	streamSubject := StreamTopic(topic)
	if err := b.ensureStream(streamSubject); err != nil {
		return err
	}

	deliver := nats.DeliverNew()
	if opts.FromBeginning {
		deliver = nats.DeliverAll()
	}

	sub, err := b.js.QueueSubscribe(streamSubject, opts.ConsumerGroup, func(m *nats.Msg) {
		msg := b.decode(topic, m)
		delivery := 1
		if meta, err := m.Metadata(); err == nil {
			delivery = int(meta.NumDelivered)
			msg.RecordID = fmt.Sprintf("%d-%d", meta.Sequence.Stream, meta.Sequence.Consumer)
		}
		msg.Delivery = delivery

		if err := handler(ctx, msg); err != nil {
			if delivery > b.maxRedeliveries {
				b.deadLetter(ctx, topic, msg)
				_ = m.Ack()
				return
			}
			b.log.Warn("handler failed, nacking record", "topic", topic, "delivery", delivery, "error", err)
			_ = m.Nak()
			return
		}
		_ = m.Ack()
	},
		nats.Durable(sanitizeName(opts.ConsumerGroup)),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(b.ackWait),
		nats.MaxDeliver(b.maxRedeliveries+1),
		deliver,
	)
	if err != nil {
		return fmt.Errorf("failed to join consumer group %s on %s: %w", opts.ConsumerGroup, topic, err)
	}
	b.track(topic, sub)
	return nil
}

func (b *NATSBus) deadLetter(ctx context.Context, topic string, msg Message) {
	dlq := DLQTopic(topic)
	b.log.Error("record exhausted redeliveries, moving to DLQ", "topic", topic, "dlq", dlq)
	if err := b.Publish(ctx, dlq, msg.Payload, PublishOptions{
		Key:            msg.Key,
		MirrorToStream: StreamTopic(dlq),
		Headers:        msg.Headers,
	}); err != nil {
		b.log.Error("DLQ publish failed", "dlq", dlq, "error", err)
	}
}

func (b *NATSBus) decode(topic string, m *nats.Msg) Message {
	msg := Message{Topic: topic, Payload: m.Data}
	if m.Header != nil {
		msg.Key = m.Header.Get(natsKeyHeader)
		for k := range m.Header {
			if strings.HasPrefix(k, natsHeaderPrefix) {
				if msg.Headers == nil {
					msg.Headers = make(map[string]string)
				}
				msg.Headers[strings.TrimPrefix(k, natsHeaderPrefix)] = m.Header.Get(k)
			}
		}
	}
	return msg
}

func (b *NATSBus) ensureStream(subject string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ensured[subject] {
		return nil
	}

	name := sanitizeName(subject)
	_, err := b.js.StreamInfo(name)
	if err != nil {
		_, err = b.js.AddStream(&nats.StreamConfig{
			Name:      name,
			Subjects:  []string{subject},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
		})
		if err != nil {
			return fmt.Errorf("failed to ensure stream %s: %w", name, err)
		}
	}
	b.ensured[subject] = true
	return nil
}

func (b *NATSBus) track(topic string, sub *nats.Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], sub)
}

// Unsubscribe drains all subscriptions for the topic
func (b *NATSBus) Unsubscribe(ctx context.Context, topic string) error {
	b.mu.Lock()
	subs := b.subs[topic]
	delete(b.subs, topic)
	b.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			b.log.Warn("failed to drain subscription", "topic", topic, "error", err)
		}
	}
	return nil
}

// Ping checks NATS connectivity
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.nc.IsConnected() {
		return fmt.Errorf("nats connection is down")
	}
	return nil
}

// Close drains and closes the connection
func (b *NATSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	return nil
}

// sanitizeName maps topic names onto the JetStream name charset
func sanitizeName(s string) string {
	r := strings.NewReplacer(":", "-", ".", "-", "*", "-", ">", "-", " ", "-")
	return r.Replace(s)
}
