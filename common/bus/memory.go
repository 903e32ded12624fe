package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/lyzr/conductor/common/logger"
)

// MemoryBus is an in-process bus for tests and single-node development.
// It honors the full port contract including stream mirroring, consumer
// groups with redelivery, and DLQ routing.
type MemoryBus struct {
	log             *logger.Logger
	maxRedeliveries int

	closed atomic.Bool

	mu      sync.Mutex
	subs    map[string][]*memorySub
	streams map[string]*memoryStream
	groups  map[string]*memoryGroup
}

type memorySub struct {
	id    string
	topic string
	ch    chan Message
	done  chan struct{}
}

type streamRecord struct {
	id      string
	key     string
	payload []byte
	headers map[string]string
}

type memoryStream struct {
	records []streamRecord
	nextSeq int64
}

type memoryDelivery struct {
	record   streamRecord
	attempts int
}

// memoryGroup tracks one (stream, consumerGroup) cohort. Records are fed
// into queue in stream order; members pull the first record whose key is
// not in flight, which keeps per-key dispatch sequential.
type memoryGroup struct {
	topic    string
	cursor   int
	queue    []*memoryDelivery
	inflight map[string]bool
	cond     *sync.Cond
	members  int
}

// NewMemoryBus creates an in-memory bus
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		log:             log,
		maxRedeliveries: DefaultMaxRedeliveries,
		subs:            make(map[string][]*memorySub),
		streams:         make(map[string]*memoryStream),
		groups:          make(map[string]*memoryGroup),
	}
}

// SetMaxRedeliveries overrides the redelivery budget before DLQ routing
func (b *MemoryBus) SetMaxRedeliveries(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n >= 0 {
		b.maxRedeliveries = n
	}
}

// Publish fans the payload out to broadcast subscribers and, when
// requested, appends a copy to the named stream.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error {
	if b.closed.Load() {
		return fmt.Errorf("memory bus is closed")
	}
	b.mu.Lock()

	msg := Message{
		Topic:   topic,
		Key:     opts.Key,
		Payload: payload,
		Headers: opts.Headers,
	}

	subs := append([]*memorySub(nil), b.subs[topic]...)

	var record streamRecord
	if opts.MirrorToStream != "" {
		stream := b.streamLocked(opts.MirrorToStream)
		stream.nextSeq++
		record = streamRecord{
			id:      fmt.Sprintf("%d-0", stream.nextSeq),
			key:     opts.Key,
			payload: append([]byte(nil), payload...),
			headers: opts.Headers,
		}
		stream.records = append(stream.records, record)

		for gk, g := range b.groups {
			if groupStream(gk) != opts.MirrorToStream {
				continue
			}
			g.cond.L.Lock()
			b.feedGroupLocked(opts.MirrorToStream, g)
			g.cond.Broadcast()
			g.cond.L.Unlock()
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		default:
			b.log.Warn("memory bus subscriber full, dropping", "topic", topic)
		}
	}
	return nil
}

// Subscribe registers a handler for the topic. With a consumer group the
// subscription reads the topic's mirrored stream with redelivery and DLQ.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, handler Handler, opts SubscribeOptions) error {
	if opts.ConsumerGroup != "" {
		return b.subscribeGroup(ctx, topic, handler, opts)
	}

	if b.closed.Load() {
		return fmt.Errorf("memory bus is closed")
	}
	b.mu.Lock()
	sub := &memorySub{
		id:    uuid.NewString(),
		topic: topic,
		ch:    make(chan Message, 1000),
		done:  make(chan struct{}),
	}
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case msg := <-sub.ch:
				if err := handler(ctx, msg); err != nil {
					b.log.Error("message handler error", "topic", topic, "key", msg.Key, "error", err)
				}
			}
		}
	}()

	return nil
}

func (b *MemoryBus) subscribeGroup(ctx context.Context, topic string, handler Handler, opts SubscribeOptions) error {
	streamName := StreamTopic(topic)
	gk := groupKey(streamName, opts.ConsumerGroup)

	if b.closed.Load() {
		return fmt.Errorf("memory bus is closed")
	}
	b.mu.Lock()
	g, exists := b.groups[gk]
	if !exists {
		stream := b.streamLocked(streamName)
		g = &memoryGroup{
			topic:    topic,
			inflight: make(map[string]bool),
			cond:     sync.NewCond(&sync.Mutex{}),
		}
		if opts.FromBeginning {
			g.cursor = 0
		} else {
			g.cursor = len(stream.records)
		}
		b.groups[gk] = g
		g.cond.L.Lock()
		b.feedGroupLocked(streamName, g)
		g.cond.L.Unlock()
	}
	g.members++
	b.mu.Unlock()

	go b.runGroupMember(ctx, topic, g, handler)
	return nil
}

// feedGroupLocked moves newly appended records into the group queue.
// Caller holds both b.mu and g.cond.L.
func (b *MemoryBus) feedGroupLocked(streamName string, g *memoryGroup) {
	stream := b.streamLocked(streamName)
	for g.cursor < len(stream.records) {
		g.queue = append(g.queue, &memoryDelivery{record: stream.records[g.cursor]})
		g.cursor++
	}
}

func (b *MemoryBus) runGroupMember(ctx context.Context, topic string, g *memoryGroup, handler Handler) {
	for {
		g.cond.L.Lock()
		var d *memoryDelivery
		for {
			if ctx.Err() != nil || b.closed.Load() {
				g.cond.L.Unlock()
				return
			}
			d = g.claimLocked()
			if d != nil {
				break
			}
			g.cond.Wait()
		}
		g.cond.L.Unlock()

		d.attempts++
		err := handler(ctx, Message{
			Topic:    topic,
			Key:      d.record.key,
			Payload:  d.record.payload,
			Headers:  d.record.headers,
			RecordID: d.record.id,
			Delivery: d.attempts,
		})

		g.cond.L.Lock()
		delete(g.inflight, d.record.key)
		if err != nil {
			if d.attempts > b.maxRedeliveries {
				g.cond.L.Unlock()
				b.deadLetter(ctx, topic, d.record)
				g.cond.L.Lock()
			} else {
				b.log.Warn("redelivering record", "topic", topic, "record_id", d.record.id, "attempt", d.attempts, "error", err)
				g.queue = append([]*memoryDelivery{d}, g.queue...)
			}
		}
		g.cond.Broadcast()
		g.cond.L.Unlock()
	}
}

// claimLocked returns the earliest queued delivery whose key is idle
func (g *memoryGroup) claimLocked() *memoryDelivery {
	for i, d := range g.queue {
		if g.inflight[d.record.key] {
			continue
		}
		g.queue = append(g.queue[:i], g.queue[i+1:]...)
		g.inflight[d.record.key] = true
		return d
	}
	return nil
}

func (b *MemoryBus) deadLetter(ctx context.Context, topic string, r streamRecord) {
	dlq := DLQTopic(topic)
	b.log.Error("record exhausted redeliveries, moving to DLQ", "topic", topic, "dlq", dlq, "record_id", r.id)
	if err := b.Publish(ctx, dlq, r.payload, PublishOptions{
		Key:            r.key,
		MirrorToStream: StreamTopic(dlq),
		Headers:        r.headers,
	}); err != nil {
		b.log.Error("DLQ publish failed", "dlq", dlq, "error", err)
	}
}

// Unsubscribe removes all broadcast subscribers of the topic
func (b *MemoryBus) Unsubscribe(ctx context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[topic] {
		close(sub.done)
	}
	delete(b.subs, topic)
	return nil
}

// Ping reports bus liveness
func (b *MemoryBus) Ping(ctx context.Context) error {
	if b.closed.Load() {
		return fmt.Errorf("memory bus is closed")
	}
	return nil
}

// Close tears down all subscriptions and group members
func (b *MemoryBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	for _, subs := range b.subs {
		for _, sub := range subs {
			close(sub.done)
		}
	}
	groups := make([]*memoryGroup, 0, len(b.groups))
	for _, g := range b.groups {
		groups = append(groups, g)
	}
	b.mu.Unlock()

	for _, g := range groups {
		g.cond.L.Lock()
		g.cond.Broadcast()
		g.cond.L.Unlock()
	}
	return nil
}

// StreamLen reports the number of records in a stream, for tests and introspection
func (b *MemoryBus) StreamLen(stream string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[stream]
	if !ok {
		return 0
	}
	return len(s.records)
}

func (b *MemoryBus) streamLocked(name string) *memoryStream {
	s, ok := b.streams[name]
	if !ok {
		s = &memoryStream{}
		b.streams[name] = s
	}
	return s
}

func groupKey(stream, group string) string {
	return stream + "|" + group
}

func groupStream(gk string) string {
	for i := len(gk) - 1; i >= 0; i-- {
		if gk[i] == '|' {
			return gk[:i]
		}
	}
	return gk
}
