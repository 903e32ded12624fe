package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lyzr/conductor/common/bus"
	"github.com/lyzr/conductor/common/envelope"
	"github.com/lyzr/conductor/common/logger"
	"github.com/lyzr/conductor/common/metrics"
	"github.com/lyzr/conductor/common/registry"
)

const (
	// ResultsTopic carries result envelopes keyed by workflow_id
	ResultsTopic = "orchestrator:results"
	// DefaultHandlerTTL removes handlers whose workflow never completes
	DefaultHandlerTTL = time.Hour
)

// TaskTopic names the task channel for an agent type
func TaskTopic(agentType string) string {
	return "agent:tasks:" + agentType
}

// ResultHandler receives the result envelope for one workflow
type ResultHandler func(result *envelope.Result)

type handlerEntry struct {
	handler      ResultHandler
	registeredAt time.Time
	timer        *time.Timer
}

// Dispatcher publishes task envelopes on per-type channels and routes
// result envelopes back to per-workflow handlers through one shared
// consumer-group subscription.
type Dispatcher struct {
	pub      bus.Bus
	sub      bus.Bus
	reg      registry.AgentRegistry
	log      *logger.Logger
	met      *metrics.Metrics
	group    string
	ttl      time.Duration
	errCount atomic.Int64

	mu        sync.Mutex
	handlers  map[string]*handlerEntry
	connected bool
	closed    bool
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithHandlerTTL overrides the handler expiration
func WithHandlerTTL(ttl time.Duration) Option {
	return func(d *Dispatcher) {
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// WithMetrics attaches dispatch instrumentation
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.met = m
	}
}

// New creates a dispatcher. Publisher and subscriber are separate bus
// connections; they may point at the same in-memory bus in tests.
func New(pub, sub bus.Bus, reg registry.AgentRegistry, group string, log *logger.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		pub:      pub,
		sub:      sub,
		reg:      reg,
		log:      log,
		group:    group,
		ttl:      DefaultHandlerTTL,
		handlers: make(map[string]*handlerEntry),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Connect opens the single shared subscription on the results topic
func (d *Dispatcher) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.connected {
		d.mu.Unlock()
		return nil
	}
	d.connected = true
	d.mu.Unlock()

	err := d.sub.Subscribe(ctx, ResultsTopic, d.handleResultMessage, bus.SubscribeOptions{
		ConsumerGroup: d.group,
	})
	if err != nil {
		d.mu.Lock()
		d.connected = false
		d.mu.Unlock()
		return fmt.Errorf("failed to subscribe to %s: %w", ResultsTopic, err)
	}

	d.log.Info("dispatcher connected", "results_topic", ResultsTopic, "group", d.group)
	return nil
}

// DispatchTask validates the envelope and publishes it on the agent
// type's task channel, keyed by workflow id with a stream mirror.
func (d *Dispatcher) DispatchTask(ctx context.Context, task *envelope.Task) error {
	if err := envelope.ValidateTask(task); err != nil {
		return err
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task envelope: %w", err)
	}

	topic := TaskTopic(task.AgentType)
	err = d.pub.Publish(ctx, topic, payload, bus.PublishOptions{
		Key:            task.WorkflowID,
		MirrorToStream: bus.StreamTopic(topic),
	})
	if err != nil {
		return fmt.Errorf("failed to publish task to %s: %w", topic, err)
	}

	if d.met != nil {
		d.met.TasksDispatched.WithLabelValues(task.AgentType).Inc()
	}
	d.log.Debug("task dispatched",
		"topic", topic, "workflow_id", task.WorkflowID, "task_id", task.TaskID)
	return nil
}

// OnResult registers the result handler for a workflow. Re-registering
// replaces the previous handler and restarts its expiration; exactly one
// timer exists per workflow.
func (d *Dispatcher) OnResult(workflowID string, handler ResultHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.handlers[workflowID]; ok {
		prev.timer.Stop()
	}

	entry := &handlerEntry{
		handler:      handler,
		registeredAt: time.Now(),
	}
	entry.timer = time.AfterFunc(d.ttl, func() {
		d.expireHandler(workflowID)
	})
	d.handlers[workflowID] = entry

	if d.met != nil {
		d.met.HandlersActive.Set(float64(len(d.handlers)))
	}
}

// OffResult removes the workflow's handler and timer. No-op if absent.
func (d *Dispatcher) OffResult(workflowID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(workflowID)
}

// HandlerCount returns the number of registered result handlers
func (d *Dispatcher) HandlerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handlers)
}

// ErrorCount returns how many result messages failed to parse
func (d *Dispatcher) ErrorCount() int64 {
	return d.errCount.Load()
}

// RegisteredAgents lists the live agents. Registry read failures yield
// an empty list; dispatching must not fail on registry reads.
func (d *Dispatcher) RegisteredAgents(ctx context.Context) []registry.Entry {
	entries, err := d.reg.List(ctx)
	if err != nil || entries == nil {
		return []registry.Entry{}
	}
	return entries
}

// Disconnect cancels all timers, clears the handler table and closes
// both bus connections.
func (d *Dispatcher) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for id, entry := range d.handlers {
		entry.timer.Stop()
		delete(d.handlers, id)
	}
	if d.met != nil {
		d.met.HandlersActive.Set(0)
	}
	d.mu.Unlock()

	if err := d.sub.Unsubscribe(ctx, ResultsTopic); err != nil {
		d.log.Warn("failed to unsubscribe from results topic", "error", err)
	}

	var firstErr error
	if err := d.sub.Close(); err != nil {
		firstErr = err
	}
	if err := d.pub.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	d.log.Info("dispatcher disconnected")
	return firstErr
}

// handleResultMessage is the single consumer-group handler. It never
// returns an error for malformed or unroutable messages: redelivering
// them cannot help, so they are counted and dropped.
func (d *Dispatcher) handleResultMessage(ctx context.Context, msg bus.Message) error {
	result, err := envelope.DecodeResult(msg.Payload)
	if err != nil {
		d.errCount.Add(1)
		if d.met != nil {
			d.met.ResultParseErrors.Inc()
		}
		d.log.Warn("discarding unparseable result message", "error", err)
		return nil
	}

	if d.met != nil {
		d.met.ResultsReceived.WithLabelValues(string(result.Status)).Inc()
	}

	d.mu.Lock()
	entry, ok := d.handlers[result.WorkflowID]
	d.mu.Unlock()
	if !ok {
		d.log.Debug("discarding result for unknown workflow", "workflow_id", result.WorkflowID)
		return nil
	}

	d.invoke(entry.handler, result)

	// Remove only the entry that was invoked: the handler may have
	// re-registered for the next stage while we ran.
	if result.Status.IsTerminal() {
		d.mu.Lock()
		if cur, ok := d.handlers[result.WorkflowID]; ok && cur == entry {
			d.removeLocked(result.WorkflowID)
		}
		d.mu.Unlock()
	}
	return nil
}

// invoke shields the subscription from handler panics
func (d *Dispatcher) invoke(handler ResultHandler, result *envelope.Result) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("result handler panicked",
				"workflow_id", result.WorkflowID, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	handler(result)
}

func (d *Dispatcher) expireHandler(workflowID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[workflowID]; !ok {
		return
	}
	d.removeLocked(workflowID)
	if d.met != nil {
		d.met.HandlersExpired.Inc()
	}
	d.log.Warn("result handler expired", "workflow_id", workflowID, "ttl", d.ttl)
}

func (d *Dispatcher) removeLocked(workflowID string) {
	if entry, ok := d.handlers[workflowID]; ok {
		entry.timer.Stop()
		delete(d.handlers, workflowID)
		if d.met != nil {
			d.met.HandlersActive.Set(float64(len(d.handlers)))
		}
	}
}
