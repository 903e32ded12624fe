package service

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/conductor/common/bus"
	"github.com/lyzr/conductor/common/dispatch"
	"github.com/lyzr/conductor/common/envelope"
	"github.com/lyzr/conductor/common/gates"
	"github.com/lyzr/conductor/common/logger"
	redisw "github.com/lyzr/conductor/common/redis"
	"github.com/lyzr/conductor/common/registry"
	"github.com/lyzr/conductor/common/store"
	"github.com/lyzr/conductor/common/workflow"
)

type svcHarness struct {
	t   *testing.T
	svc *WorkflowService
	mb  *bus.MemoryBus
	st  store.WorkflowStore
	reg *registry.MemoryRegistry
}

func newSvcHarness(t *testing.T, opts ...Option) *svcHarness {
	t.Helper()
	ctx := context.Background()
	log := logger.New("error", "json")

	mb := bus.NewMemoryBus(log)
	reg := registry.NewMemoryRegistry()
	d := dispatch.New(mb, mb, reg, "orchestrator-group", log)
	require.NoError(t, d.Connect(ctx))
	t.Cleanup(func() { _ = d.Disconnect(context.Background()) })

	st := store.NewMemoryStore()
	return &svcHarness{
		t:   t,
		svc: NewWorkflowService(st, d, mb, gates.NewService(log), log, opts...),
		mb:  mb,
		st:  st,
		reg: reg,
	}
}

func (h *svcHarness) registerAgents(types ...string) {
	h.t.Helper()
	for _, agentType := range types {
		require.NoError(h.t, h.reg.Register(context.Background(), registry.Entry{
			AgentID:   agentType + "-test0001",
			AgentType: agentType,
			Status:    "healthy",
		}))
	}
}

// respond wires a fake agent for one agent type. Returning nil leaves
// the task unanswered.
func (h *svcHarness) respond(agentType string, fn func(task *envelope.Task) *envelope.Result) {
	h.t.Helper()
	ctx := context.Background()
	require.NoError(h.t, h.mb.Subscribe(ctx, dispatch.TaskTopic(agentType), func(ctx context.Context, msg bus.Message) error {
		var task envelope.Task
		if err := json.Unmarshal(msg.Payload, &task); err != nil {
			return nil
		}
		r := fn(&task)
		if r == nil {
			return nil
		}
		payload, err := json.Marshal(r)
		if err != nil {
			return nil
		}
		return h.mb.Publish(ctx, dispatch.ResultsTopic, payload, bus.PublishOptions{
			Key:            r.WorkflowID,
			MirrorToStream: bus.StreamTopic(dispatch.ResultsTopic),
		})
	}, bus.SubscribeOptions{}))
}

// lifecycleEvents fans all workflow lifecycle topics into one channel
func (h *svcHarness) lifecycleEvents() chan Event {
	h.t.Helper()
	ctx := context.Background()
	events := make(chan Event, 32)
	for _, topic := range []string{TopicCreated, TopicStarted, TopicCompleted, TopicFailed} {
		require.NoError(h.t, h.mb.Subscribe(ctx, topic, func(ctx context.Context, msg bus.Message) error {
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				return nil
			}
			events <- ev
			return nil
		}, bus.SubscribeOptions{}))
	}
	return events
}

func (h *svcHarness) record(workflowID string) *store.Record {
	h.t.Helper()
	rec, err := h.st.Get(context.Background(), workflowID)
	require.NoError(h.t, err)
	return rec
}

func agentSuccess(task *envelope.Task, data map[string]any) *envelope.Result {
	return &envelope.Result{
		TaskID:     task.TaskID,
		WorkflowID: task.WorkflowID,
		AgentID:    task.AgentType + "-test0001",
		AgentType:  task.AgentType,
		Success:    true,
		Status:     envelope.StatusSuccess,
		Result:     envelope.ResultBody{Data: data, Metrics: envelope.ResultMetrics{DurationMS: 5}},
		Stage:      task.WorkflowContext.CurrentStage,
		Timestamp:  time.Now().UTC(),
		Version:    envelope.EnvelopeVersion,
	}
}

func agentFailure(task *envelope.Task, code, message string) *envelope.Result {
	r := agentSuccess(task, nil)
	r.Success = false
	r.Status = envelope.StatusFailed
	r.Error = &envelope.ResultError{Code: code, Message: message, Retryable: true}
	return r
}

func noRetries() *int {
	n := 0
	return &n
}

func twoStageDefinition() *workflow.Definition {
	def := &workflow.Definition{
		Name:       "code-review",
		Version:    "1.0.0",
		StartStage: "planning",
		Stages: map[string]*workflow.StageConfig{
			"planning": {AgentType: "planner", OnSuccess: "review", MaxRetries: noRetries()},
			"review":   {AgentType: "reviewer", MaxRetries: noRetries()},
		},
	}
	def.ApplyDefaults()
	return def
}

func TestWorkflowRunsToCompletion(t *testing.T) {
	h := newSvcHarness(t)
	h.registerAgents("planner", "reviewer")
	h.respond("planner", func(task *envelope.Task) *envelope.Result {
		return agentSuccess(task, map[string]any{"plan": "refactor the parser"})
	})
	h.respond("reviewer", func(task *envelope.Task) *envelope.Result {
		return agentSuccess(task, map[string]any{"verdict": "ship"})
	})
	events := h.lifecycleEvents()

	ctx := context.Background()
	id, err := h.svc.CreateWorkflow(ctx, twoStageDefinition(), "code-review", map[string]any{"repo": "conductor"})
	require.NoError(t, err)

	rec := h.record(id)
	assert.Equal(t, StateInitiated, rec.Status)
	assert.Equal(t, "planning", rec.CurrentStage)

	require.NoError(t, h.svc.StartWorkflow(ctx, id))

	assert.Eventually(t, func() bool {
		return h.record(id).Status == StateSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	rec = h.record(id)
	assert.Equal(t, 100, rec.Progress)
	require.NotNil(t, rec.CompletedAt)
	assert.Equal(t, 0, h.svc.ActiveCount(), "settled workflows leave the machine table")

	seen := map[string]bool{}
	for len(seen) < 3 {
		select {
		case ev := <-events:
			seen[ev.Event] = true
			if ev.Event == "completed" {
				assert.Equal(t, StateSucceeded, ev.Status)
				assert.Equal(t, 100, ev.Progress)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing lifecycle events, saw %v", seen)
		}
	}
	assert.True(t, seen["created"] && seen["started"] && seen["completed"])
}

func TestCreateRejectsUnregisteredAgentTypes(t *testing.T) {
	h := newSvcHarness(t)
	h.registerAgents("planner") // reviewer missing

	_, err := h.svc.CreateWorkflow(context.Background(), twoStageDefinition(), "code-review", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reviewer")
}

func TestStartRequiresInitiatedState(t *testing.T) {
	h := newSvcHarness(t)
	h.registerAgents("planner", "reviewer")
	h.respond("planner", func(task *envelope.Task) *envelope.Result { return nil })

	ctx := context.Background()
	id, err := h.svc.CreateWorkflow(ctx, twoStageDefinition(), "code-review", nil)
	require.NoError(t, err)

	require.NoError(t, h.svc.StartWorkflow(ctx, id))
	assert.Error(t, h.svc.StartWorkflow(ctx, id))
}

func TestFailureRoutesThroughOnFailureStage(t *testing.T) {
	h := newSvcHarness(t)
	h.registerAgents("coder", "janitor")
	h.respond("coder", func(task *envelope.Task) *envelope.Result {
		return agentFailure(task, "EXECUTION_ERROR", "build broke")
	})
	var cleaned atomic.Int32
	h.respond("janitor", func(task *envelope.Task) *envelope.Result {
		cleaned.Add(1)
		return agentSuccess(task, map[string]any{"restored": true})
	})

	def := &workflow.Definition{
		Name:       "deploy",
		Version:    "1.0.0",
		StartStage: "coding",
		Stages: map[string]*workflow.StageConfig{
			"coding":  {AgentType: "coder", OnFailure: "cleanup", MaxRetries: noRetries()},
			"cleanup": {AgentType: "janitor", MaxRetries: noRetries()},
		},
	}
	def.ApplyDefaults()

	ctx := context.Background()
	id, err := h.svc.CreateWorkflow(ctx, def, "deploy", nil)
	require.NoError(t, err)
	require.NoError(t, h.svc.StartWorkflow(ctx, id))

	assert.Eventually(t, func() bool {
		return h.record(id).Status == StateSucceeded
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), cleaned.Load(), "failure transitions into the remediation stage")
}

func TestStageRetriesUntilSuccess(t *testing.T) {
	h := newSvcHarness(t)
	h.registerAgents("planner")
	var attempts atomic.Int32
	h.respond("planner", func(task *envelope.Task) *envelope.Result {
		if attempts.Add(1) < 3 {
			return agentFailure(task, "EXECUTION_ERROR", "transient")
		}
		return agentSuccess(task, map[string]any{"plan": "ok"})
	})

	retries := 2
	def := &workflow.Definition{
		Name:          "plan-only",
		Version:       "1.0.0",
		StartStage:    "planning",
		RetryStrategy: workflow.RetryImmediate,
		Stages: map[string]*workflow.StageConfig{
			"planning": {AgentType: "planner", MaxRetries: &retries},
		},
	}
	def.ApplyDefaults()

	ctx := context.Background()
	id, err := h.svc.CreateWorkflow(ctx, def, "plan-only", nil)
	require.NoError(t, err)
	require.NoError(t, h.svc.StartWorkflow(ctx, id))

	assert.Eventually(t, func() bool {
		return h.record(id).Status == StateSucceeded
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestQualityGateDemotesStageResult(t *testing.T) {
	h := newSvcHarness(t)
	h.registerAgents("reviewer")
	h.respond("reviewer", func(task *envelope.Task) *envelope.Result {
		return agentSuccess(task, map[string]any{"coverage": 50.0})
	})

	policyPath := filepath.Join(t.TempDir(), "gates.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte(
		"- name: review\n  metric: coverage\n  operator: \">=\"\n  threshold: 90\n  blocking: true\n"), 0o644))
	require.NoError(t, h.svc.gates.LoadPolicyFile(policyPath))

	def := &workflow.Definition{
		Name:       "review-only",
		Version:    "1.0.0",
		StartStage: "review",
		Stages: map[string]*workflow.StageConfig{
			"review": {AgentType: "reviewer", MaxRetries: noRetries()},
		},
	}
	def.ApplyDefaults()

	ctx := context.Background()
	id, err := h.svc.CreateWorkflow(ctx, def, "review-only", nil)
	require.NoError(t, err)
	require.NoError(t, h.svc.StartWorkflow(ctx, id))

	assert.Eventually(t, func() bool {
		return h.record(id).Status == StateFailed
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, h.record(id).Error, "blocking quality gates failed: review")
}

func TestCancelWorkflow(t *testing.T) {
	h := newSvcHarness(t)
	h.registerAgents("planner", "reviewer")
	h.respond("planner", func(task *envelope.Task) *envelope.Result { return nil })

	ctx := context.Background()
	id, err := h.svc.CreateWorkflow(ctx, twoStageDefinition(), "code-review", nil)
	require.NoError(t, err)
	require.NoError(t, h.svc.StartWorkflow(ctx, id))

	require.NoError(t, h.svc.CancelWorkflow(ctx, id, "operator abort"))

	rec := h.record(id)
	assert.Equal(t, StateCancelled, rec.Status)
	assert.Equal(t, 0, h.svc.ActiveCount())

	assert.Error(t, h.svc.CancelWorkflow(ctx, id, "again"), "cancelled workflows have no machine")
}

func TestDuplicateStageResultDropped(t *testing.T) {
	h := newSvcHarness(t)
	h.registerAgents("planner", "reviewer")
	h.respond("planner", func(task *envelope.Task) *envelope.Result {
		// Publish the result twice to simulate an at-least-once bus
		r := agentSuccess(task, map[string]any{"plan": "x"})
		payload, _ := json.Marshal(r)
		_ = h.mb.Publish(context.Background(), dispatch.ResultsTopic, payload, bus.PublishOptions{
			Key:            r.WorkflowID,
			MirrorToStream: bus.StreamTopic(dispatch.ResultsTopic),
		})
		return r
	})
	var reviews atomic.Int32
	h.respond("reviewer", func(task *envelope.Task) *envelope.Result {
		reviews.Add(1)
		return agentSuccess(task, nil)
	})

	ctx := context.Background()
	id, err := h.svc.CreateWorkflow(ctx, twoStageDefinition(), "code-review", nil)
	require.NoError(t, err)
	require.NoError(t, h.svc.StartWorkflow(ctx, id))

	assert.Eventually(t, func() bool {
		return h.record(id).Status == StateSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), reviews.Load(), "the duplicate result must not re-dispatch the next stage")
}

func TestDataFlowShapesStageInputs(t *testing.T) {
	h := newSvcHarness(t)
	h.registerAgents("planner", "reviewer")
	h.respond("planner", func(task *envelope.Task) *envelope.Result {
		return agentSuccess(task, map[string]any{"plan": "refactor the parser"})
	})
	reviewerInputs := make(chan map[string]any, 1)
	h.respond("reviewer", func(task *envelope.Task) *envelope.Result {
		reviewerInputs <- task.Payload
		return agentSuccess(task, nil)
	})

	def := twoStageDefinition()
	def.DataFlow = &workflow.DataFlow{
		InputMapping: map[string]string{"plan": "stages.planning.plan"},
		PassThrough:  []string{"repo"},
	}

	ctx := context.Background()
	id, err := h.svc.CreateWorkflow(ctx, def, "code-review", map[string]any{"repo": "conductor", "secret": "hidden"})
	require.NoError(t, err)
	require.NoError(t, h.svc.StartWorkflow(ctx, id))

	select {
	case inputs := <-reviewerInputs:
		assert.Equal(t, "refactor the parser", inputs["plan"])
		assert.Equal(t, "conductor", inputs["repo"])
		assert.NotContains(t, inputs, "secret", "only pass-through keys cross stages")
	case <-time.After(5 * time.Second):
		t.Fatal("reviewer never received a task")
	}
}

func TestStatusCacheWrites(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	rdb := redisw.NewClient(rc, logger.New("error", "json"))

	h := newSvcHarness(t, WithStatusCache(rdb))
	h.registerAgents("planner", "reviewer")
	for _, agentType := range []string{"planner", "reviewer"} {
		h.respond(agentType, func(task *envelope.Task) *envelope.Result {
			return agentSuccess(task, nil)
		})
	}

	ctx := context.Background()
	id, err := h.svc.CreateWorkflow(ctx, twoStageDefinition(), "code-review", nil)
	require.NoError(t, err)
	require.NoError(t, h.svc.StartWorkflow(ctx, id))

	assert.Eventually(t, func() bool {
		return h.record(id).Status == StateSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	snapshot, err := mr.Get("workflow:status:" + id)
	require.NoError(t, err)
	assert.Contains(t, snapshot, `"status":"succeeded"`)
	assert.Positive(t, mr.TTL("workflow:status:"+id))
}
