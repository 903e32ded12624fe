package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/conductor/common/bus"
	"github.com/lyzr/conductor/common/envelope"
	"github.com/lyzr/conductor/common/logger"
	"github.com/lyzr/conductor/common/registry"
	"github.com/lyzr/conductor/common/trace"
)

func testLogger() *logger.Logger {
	return logger.New("error", "json")
}

func newTestDispatcher(t *testing.T, opts ...Option) (*Dispatcher, *bus.MemoryBus) {
	t.Helper()
	mb := bus.NewMemoryBus(testLogger())
	d := New(mb, mb, registry.NewMemoryRegistry(), "orchestrator-group", testLogger(), opts...)
	require.NoError(t, d.Connect(context.Background()))
	t.Cleanup(func() { _ = d.Disconnect(context.Background()) })
	return d, mb
}

func testResult(workflowID string, status envelope.Status) *envelope.Result {
	return &envelope.Result{
		TaskID:     "task-1",
		WorkflowID: workflowID,
		AgentID:    "planner-abc12345",
		AgentType:  "planner",
		Status:     status,
		Result:     envelope.ResultBody{Data: map[string]any{"ok": true}},
		Stage:      "planning",
		Timestamp:  time.Now().UTC(),
		Version:    envelope.EnvelopeVersion,
	}
}

func publishResult(t *testing.T, mb *bus.MemoryBus, r *envelope.Result) {
	t.Helper()
	payload, err := json.Marshal(r)
	require.NoError(t, err)
	require.NoError(t, mb.Publish(context.Background(), ResultsTopic, payload, bus.PublishOptions{
		Key:            r.WorkflowID,
		MirrorToStream: bus.StreamTopic(ResultsTopic),
	}))
}

func TestDispatchTaskPublishesToAgentTopic(t *testing.T) {
	d, mb := newTestDispatcher(t)
	ctx := context.Background()

	got := make(chan bus.Message, 1)
	require.NoError(t, mb.Subscribe(ctx, TaskTopic("planner"), func(ctx context.Context, msg bus.Message) error {
		got <- msg
		return nil
	}, bus.SubscribeOptions{}))

	task := envelope.NewTask("0e6f4a2b-1c3d-4e5f-8a9b-0c1d2e3f4a5b", "planner", "planning",
		map[string]any{"goal": "x"}, trace.New())
	require.NoError(t, d.DispatchTask(ctx, task))

	select {
	case msg := <-got:
		assert.Equal(t, task.WorkflowID, msg.Key)
		var decoded envelope.Task
		require.NoError(t, json.Unmarshal(msg.Payload, &decoded))
		assert.Equal(t, task.TaskID, decoded.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("task never reached the agent topic")
	}

	// The task channel is mirrored for group consumption
	assert.Equal(t, 1, mb.StreamLen(bus.StreamTopic(TaskTopic("planner"))))
}

func TestDispatchTaskRejectsInvalidEnvelope(t *testing.T) {
	d, _ := newTestDispatcher(t)

	task := envelope.NewTask("not-a-uuid", "planner", "planning", nil, trace.New())
	err := d.DispatchTask(context.Background(), task)
	require.Error(t, err)
	var ve *envelope.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestResultRoutedToHandler(t *testing.T) {
	d, mb := newTestDispatcher(t)

	got := make(chan *envelope.Result, 1)
	d.OnResult("wf-1", func(r *envelope.Result) { got <- r })

	publishResult(t, mb, testResult("wf-1", envelope.StatusSuccess))

	select {
	case r := <-got:
		assert.Equal(t, "wf-1", r.WorkflowID)
		assert.True(t, r.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never received the result")
	}

	// Terminal results remove the handler automatically
	assert.Eventually(t, func() bool { return d.HandlerCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestNonTerminalResultKeepsHandler(t *testing.T) {
	d, mb := newTestDispatcher(t)

	got := make(chan *envelope.Result, 2)
	d.OnResult("wf-1", func(r *envelope.Result) { got <- r })

	publishResult(t, mb, testResult("wf-1", envelope.StatusRunning))

	select {
	case r := <-got:
		assert.Equal(t, envelope.StatusRunning, r.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never received the progress result")
	}
	assert.Equal(t, 1, d.HandlerCount())
}

func TestUnknownWorkflowResultDropped(t *testing.T) {
	d, mb := newTestDispatcher(t)

	invoked := make(chan struct{}, 1)
	d.OnResult("wf-known", func(r *envelope.Result) { invoked <- struct{}{} })

	publishResult(t, mb, testResult("wf-unknown", envelope.StatusSuccess))
	publishResult(t, mb, testResult("wf-known", envelope.StatusSuccess))

	select {
	case <-invoked:
	case <-time.After(2 * time.Second):
		t.Fatal("known workflow result was not delivered")
	}
	assert.Equal(t, int64(0), d.ErrorCount())
}

func TestMalformedResultCountedAndDropped(t *testing.T) {
	d, mb := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, mb.Publish(ctx, ResultsTopic, []byte("not json"), bus.PublishOptions{
		Key:            "junk",
		MirrorToStream: bus.StreamTopic(ResultsTopic),
	}))

	assert.Eventually(t, func() bool { return d.ErrorCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The record must not reach the DLQ: it was consumed, not redelivered
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, mb.StreamLen(bus.StreamTopic(bus.DLQTopic(ResultsTopic))))
}

func TestOnResultReRegisterReplacesHandler(t *testing.T) {
	d, mb := newTestDispatcher(t)

	var mu sync.Mutex
	var calls []string
	d.OnResult("wf-1", func(r *envelope.Result) {
		mu.Lock()
		calls = append(calls, "first")
		mu.Unlock()
	})
	d.OnResult("wf-1", func(r *envelope.Result) {
		mu.Lock()
		calls = append(calls, "second")
		mu.Unlock()
	})
	assert.Equal(t, 1, d.HandlerCount())

	publishResult(t, mb, testResult("wf-1", envelope.StatusSuccess))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 1 && calls[0] == "second"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandlerTTLExpiry(t *testing.T) {
	d, _ := newTestDispatcher(t, WithHandlerTTL(50*time.Millisecond))

	d.OnResult("wf-1", func(r *envelope.Result) {})
	assert.Equal(t, 1, d.HandlerCount())

	assert.Eventually(t, func() bool { return d.HandlerCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandlerPanicDoesNotKillSubscription(t *testing.T) {
	d, mb := newTestDispatcher(t)

	d.OnResult("wf-1", func(r *envelope.Result) { panic("handler bug") })
	publishResult(t, mb, testResult("wf-1", envelope.StatusSuccess))

	// The panicked handler is removed (terminal result), and the
	// subscription keeps serving other workflows.
	got := make(chan *envelope.Result, 1)
	d.OnResult("wf-2", func(r *envelope.Result) { got <- r })
	publishResult(t, mb, testResult("wf-2", envelope.StatusSuccess))

	select {
	case r := <-got:
		assert.Equal(t, "wf-2", r.WorkflowID)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription died after a handler panic")
	}
}

func TestOffResultIsIdempotent(t *testing.T) {
	d, _ := newTestDispatcher(t)

	d.OnResult("wf-1", func(r *envelope.Result) {})
	d.OffResult("wf-1")
	d.OffResult("wf-1")
	assert.Equal(t, 0, d.HandlerCount())
}

func TestRegisteredAgentsEmptyOnFailure(t *testing.T) {
	mb := bus.NewMemoryBus(testLogger())
	d := New(mb, mb, failingRegistry{}, "g", testLogger())

	agents := d.RegisteredAgents(context.Background())
	require.NotNil(t, agents)
	assert.Empty(t, agents)
}

type failingRegistry struct{}

func (failingRegistry) Register(ctx context.Context, entry registry.Entry) error { return nil }
func (failingRegistry) Deregister(ctx context.Context, agentID string) error     { return nil }
func (failingRegistry) Get(ctx context.Context, agentID string) (registry.Entry, error) {
	return registry.Entry{}, errors.New("registry down")
}
func (failingRegistry) List(ctx context.Context) ([]registry.Entry, error) {
	return nil, errors.New("registry down")
}
func (failingRegistry) Types(ctx context.Context) ([]string, error) {
	return nil, errors.New("registry down")
}
