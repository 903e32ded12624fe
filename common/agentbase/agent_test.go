package agentbase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/conductor/common/breaker"
	"github.com/lyzr/conductor/common/bus"
	"github.com/lyzr/conductor/common/dispatch"
	"github.com/lyzr/conductor/common/envelope"
	"github.com/lyzr/conductor/common/logger"
	"github.com/lyzr/conductor/common/registry"
	"github.com/lyzr/conductor/common/retry"
	"github.com/lyzr/conductor/common/trace"
)

type agentHarness struct {
	agent   *Agent
	bus     *bus.MemoryBus
	reg     *registry.MemoryRegistry
	results chan *envelope.Result
}

func noDelayRetry() retry.Options {
	return retry.Options{MaxAttempts: 1, InitialDelay: time.Millisecond}
}

func startAgent(t *testing.T, opts Options) *agentHarness {
	t.Helper()
	ctx := context.Background()

	mb := bus.NewMemoryBus(logger.New("error", "json"))
	reg := registry.NewMemoryRegistry()

	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = noDelayRetry()
	}
	if opts.Breaker == nil {
		opts.Breaker = breaker.New("test-execute", breaker.Options{FailureThreshold: 1000})
	}

	agent, err := New(mb, mb, reg, logger.New("error", "json"), opts)
	require.NoError(t, err)
	require.NoError(t, agent.Start(ctx))
	t.Cleanup(func() { _ = agent.Stop(context.Background()) })

	results := make(chan *envelope.Result, 16)
	require.NoError(t, mb.Subscribe(ctx, dispatch.ResultsTopic, func(ctx context.Context, msg bus.Message) error {
		r, err := envelope.DecodeResult(msg.Payload)
		if err != nil {
			return nil
		}
		results <- r
		return nil
	}, bus.SubscribeOptions{}))

	return &agentHarness{agent: agent, bus: mb, reg: reg, results: results}
}

func (h *agentHarness) sendTask(t *testing.T, task *envelope.Task) {
	t.Helper()
	payload, err := json.Marshal(task)
	require.NoError(t, err)
	h.sendRaw(t, task.AgentType, task.WorkflowID, payload)
}

func (h *agentHarness) sendRaw(t *testing.T, agentType, key string, payload []byte) {
	t.Helper()
	topic := dispatch.TaskTopic(agentType)
	require.NoError(t, h.bus.Publish(context.Background(), topic, payload, bus.PublishOptions{
		Key:            key,
		MirrorToStream: bus.StreamTopic(topic),
	}))
}

func (h *agentHarness) awaitResult(t *testing.T) *envelope.Result {
	t.Helper()
	select {
	case r := <-h.results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a result envelope")
		return nil
	}
}

func taskFor(agentType string) *envelope.Task {
	return envelope.NewTask("7c2e4f6a-8b1d-4c3e-9f5a-2b4d6e8f0a1c", agentType, "planning",
		map[string]any{"goal": "test"}, trace.New())
}

func TestNewRequiresTypeAndExecute(t *testing.T) {
	mb := bus.NewMemoryBus(logger.New("error", "json"))
	reg := registry.NewMemoryRegistry()
	log := logger.New("error", "json")

	_, err := New(mb, mb, reg, log, Options{Execute: func(ctx context.Context, task *envelope.Task) (map[string]any, error) {
		return nil, nil
	}})
	assert.Error(t, err)

	_, err = New(mb, mb, reg, log, Options{AgentType: "planner"})
	assert.Error(t, err)
}

func TestAgentIDShape(t *testing.T) {
	h := startAgent(t, Options{
		AgentType: "planner",
		Execute: func(ctx context.Context, task *envelope.Task) (map[string]any, error) {
			return nil, nil
		},
	})

	assert.Regexp(t, `^planner-[0-9a-f]{8}$`, h.agent.ID())
}

func TestStartRegistersAgent(t *testing.T) {
	h := startAgent(t, Options{
		AgentType:    "planner",
		Version:      "1.0.0",
		Capabilities: []string{"plan"},
		Execute: func(ctx context.Context, task *envelope.Task) (map[string]any, error) {
			return nil, nil
		},
	})

	entry, err := h.reg.Get(context.Background(), h.agent.ID())
	require.NoError(t, err)
	assert.Equal(t, "planner", entry.AgentType)
	assert.Equal(t, "ready", entry.Status)
	assert.Equal(t, []string{"plan"}, entry.Capabilities)
}

func TestSuccessfulTaskProducesSuccessResult(t *testing.T) {
	h := startAgent(t, Options{
		AgentType: "planner",
		Execute: func(ctx context.Context, task *envelope.Task) (map[string]any, error) {
			return map[string]any{"plan": "done", "confidence": 0.95}, nil
		},
	})

	task := taskFor("planner")
	h.sendTask(t, task)

	r := h.awaitResult(t)
	assert.Equal(t, envelope.StatusSuccess, r.Status)
	assert.True(t, r.Success)
	assert.Equal(t, task.TaskID, r.TaskID)
	assert.Equal(t, task.WorkflowID, r.WorkflowID)
	assert.Equal(t, h.agent.ID(), r.AgentID)
	assert.Equal(t, "planning", r.Stage)
	assert.Equal(t, "done", r.Result.Data["plan"])
	assert.Nil(t, r.Error)

	tasks, errs, lastTask := h.agent.Stats()
	assert.Equal(t, int64(1), tasks)
	assert.Equal(t, int64(0), errs)
	assert.False(t, lastTask.IsZero())
}

func TestFailingTaskProducesFailedResult(t *testing.T) {
	h := startAgent(t, Options{
		AgentType: "planner",
		Execute: func(ctx context.Context, task *envelope.Task) (map[string]any, error) {
			return nil, errors.New("model unavailable")
		},
	})

	h.sendTask(t, taskFor("planner"))

	r := h.awaitResult(t)
	assert.Equal(t, envelope.StatusFailed, r.Status)
	assert.False(t, r.Success)
	require.NotNil(t, r.Error)
	assert.Equal(t, "EXECUTION_ERROR", r.Error.Code)
	assert.True(t, r.Error.Retryable)
}

func TestTimedOutTaskProducesTimeoutResult(t *testing.T) {
	h := startAgent(t, Options{
		AgentType: "planner",
		Execute: func(ctx context.Context, task *envelope.Task) (map[string]any, error) {
			select {
			case <-time.After(time.Second):
				return map[string]any{}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})

	task := taskFor("planner")
	task.Constraints.TimeoutMS = 20
	h.sendTask(t, task)

	r := h.awaitResult(t)
	assert.Equal(t, envelope.StatusTimeout, r.Status)
	require.NotNil(t, r.Error)
	assert.Equal(t, "TIMEOUT", r.Error.Code)
}

func TestMalformedTaskProducesValidationError(t *testing.T) {
	h := startAgent(t, Options{
		AgentType: "planner",
		Execute: func(ctx context.Context, task *envelope.Task) (map[string]any, error) {
			t.Error("execute must not run for malformed envelopes")
			return nil, nil
		},
	})

	// Salvageable identifiers inside an otherwise invalid envelope
	h.sendRaw(t, "planner", "wf-x", []byte(`{"task_id":"t-9","workflow_id":"wf-9","workflow_context":{"current_stage":"coding"}}`))

	r := h.awaitResult(t)
	assert.Equal(t, envelope.StatusFailed, r.Status)
	require.NotNil(t, r.Error)
	assert.Equal(t, "VALIDATION_ERROR", r.Error.Code)
	assert.False(t, r.Error.Retryable)
	assert.Equal(t, "t-9", r.TaskID)
	assert.Equal(t, "wf-9", r.WorkflowID)
	assert.Equal(t, "coding", r.Stage)
}

func TestMalformedTaskWithoutIDs(t *testing.T) {
	h := startAgent(t, Options{
		AgentType: "planner",
		Execute: func(ctx context.Context, task *envelope.Task) (map[string]any, error) {
			return nil, nil
		},
	})

	h.sendRaw(t, "planner", "junk", []byte("not even json"))

	r := h.awaitResult(t)
	assert.Equal(t, "unknown", r.TaskID)
	assert.Equal(t, "unknown", r.WorkflowID)
	assert.Equal(t, "planner", r.Stage, "stage falls back to the agent type")
}

func TestRetryRecoversTransientFailure(t *testing.T) {
	calls := 0
	h := startAgent(t, Options{
		AgentType: "planner",
		Retry:     retry.Options{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Execute: func(ctx context.Context, task *envelope.Task) (map[string]any, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("transient")
			}
			return map[string]any{"ok": true}, nil
		},
	})

	h.sendTask(t, taskFor("planner"))

	r := h.awaitResult(t)
	assert.Equal(t, envelope.StatusSuccess, r.Status)
	assert.Equal(t, 3, calls)
}

func TestOpenBreakerMarksResultNonRetryable(t *testing.T) {
	brk := breaker.New("planner-execute", breaker.Options{FailureThreshold: 1, OpenDuration: time.Hour})
	// Trip the breaker before the task arrives
	_ = brk.Execute(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	require.Equal(t, breaker.StateOpen, brk.State())

	h := startAgent(t, Options{
		AgentType: "planner",
		Breaker:   brk,
		Execute: func(ctx context.Context, task *envelope.Task) (map[string]any, error) {
			t.Error("execute must not run with an open breaker")
			return nil, nil
		},
	})

	h.sendTask(t, taskFor("planner"))

	r := h.awaitResult(t)
	assert.Equal(t, envelope.StatusFailed, r.Status)
	require.NotNil(t, r.Error)
	assert.Equal(t, "CIRCUIT_OPEN", r.Error.Code)
	assert.False(t, r.Error.Retryable)
}

func TestHealthThresholds(t *testing.T) {
	h := startAgent(t, Options{
		AgentType: "planner",
		Execute: func(ctx context.Context, task *envelope.Task) (map[string]any, error) {
			return nil, errors.New("always fails")
		},
	})

	assert.Equal(t, HealthHealthy, h.agent.Health())

	for i := 0; i < 6; i++ {
		task := taskFor("planner")
		task.WorkflowID = fmt.Sprintf("7c2e4f6a-8b1d-4c3e-9f5a-2b4d6e8f0a%02d", i+10)
		h.sendTask(t, task)
		h.awaitResult(t)
	}

	// Six errors cross the healthy line
	assert.Eventually(t, func() bool { return h.agent.Health() == HealthDegraded }, 2*time.Second, 10*time.Millisecond)
}

func TestStopDeregisters(t *testing.T) {
	ctx := context.Background()
	mb := bus.NewMemoryBus(logger.New("error", "json"))
	reg := registry.NewMemoryRegistry()

	agent, err := New(mb, mb, reg, logger.New("error", "json"), Options{
		AgentType: "planner",
		Retry:     noDelayRetry(),
		Execute: func(ctx context.Context, task *envelope.Task) (map[string]any, error) {
			return nil, nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, agent.Start(ctx))
	require.NoError(t, agent.Stop(ctx))

	_, err = reg.Get(ctx, agent.ID())
	assert.Error(t, err)
}
