package agentbase

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/conductor/common/breaker"
	"github.com/lyzr/conductor/common/bus"
	"github.com/lyzr/conductor/common/dispatch"
	"github.com/lyzr/conductor/common/envelope"
	"github.com/lyzr/conductor/common/logger"
	"github.com/lyzr/conductor/common/metrics"
	"github.com/lyzr/conductor/common/registry"
	"github.com/lyzr/conductor/common/retry"
	"github.com/lyzr/conductor/common/trace"
)

// Health of an agent process, derived from its error counter
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// ExecuteFunc is the user-supplied task body. The returned data becomes
// result.data; a returned error becomes a failed result.
type ExecuteFunc func(ctx context.Context, task *envelope.Task) (map[string]any, error)

// Options configures an agent runtime
type Options struct {
	AgentType    string
	Version      string
	Capabilities []string
	Execute      ExecuteFunc
	// Breaker guards outbound calls made by Execute. Nil means a breaker
	// with default settings.
	Breaker *breaker.Breaker
	// Retry wraps Execute; zero value means the standard preset.
	Retry   retry.Options
	Metrics *metrics.Metrics
}

// Agent is the reusable runtime every agent process embeds: it consumes
// its type's task channel, runs user logic and publishes canonical
// results.
type Agent struct {
	agentID   string
	agentType string
	version   string
	caps      []string

	pub     bus.Bus
	sub     bus.Bus
	reg     registry.AgentRegistry
	log     *logger.Logger
	met     *metrics.Metrics
	execute ExecuteFunc
	brk     *breaker.Breaker
	retry   retry.Options

	tasksProcessed atomic.Int64
	errorsCount    atomic.Int64
	lastTaskAt     atomic.Int64 // unix nanos
}

// New creates an agent runtime. Publisher and subscriber are separate
// bus connections per the shared-resource rules.
func New(pub, sub bus.Bus, reg registry.AgentRegistry, log *logger.Logger, opts Options) (*Agent, error) {
	if opts.AgentType == "" {
		return nil, fmt.Errorf("agent type is required")
	}
	if opts.Execute == nil {
		return nil, fmt.Errorf("execute function is required")
	}

	brk := opts.Breaker
	if brk == nil {
		brk = breaker.New(opts.AgentType+"-execute", breaker.Options{})
	}
	ro := opts.Retry
	if ro.MaxAttempts == 0 {
		ro = retry.Standard()
	}

	agentID := fmt.Sprintf("%s-%s", opts.AgentType, uuid.NewString()[:8])

	return &Agent{
		agentID:   agentID,
		agentType: opts.AgentType,
		version:   opts.Version,
		caps:      opts.Capabilities,
		pub:       pub,
		sub:       sub,
		reg:       reg,
		log:       log.WithAgent(agentID, opts.AgentType),
		met:       opts.Metrics,
		execute:   opts.Execute,
		brk:       brk,
		retry:     ro,
	}, nil
}

// ID returns the generated agent id
func (a *Agent) ID() string {
	return a.agentID
}

// Start registers the agent and subscribes to its task channel. New
// tasks only; the group does not replay the stream history.
func (a *Agent) Start(ctx context.Context) error {
	entry := registry.Entry{
		AgentID:      a.agentID,
		AgentType:    a.agentType,
		Version:      a.version,
		Capabilities: a.caps,
		Status:       "ready",
		RegisteredAt: time.Now().UTC(),
	}
	if err := a.reg.Register(ctx, entry); err != nil {
		return fmt.Errorf("failed to register agent: %w", err)
	}

	topic := dispatch.TaskTopic(a.agentType)
	group := fmt.Sprintf("agent-%s-group", a.agentType)
	err := a.sub.Subscribe(ctx, topic, a.handleTask, bus.SubscribeOptions{
		ConsumerGroup: group,
		FromBeginning: false,
	})
	if err != nil {
		if derr := a.reg.Deregister(ctx, a.agentID); derr != nil {
			a.log.Warn("failed to deregister after subscribe failure", "error", derr)
		}
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	a.log.Info("agent started", "agent_type", a.agentType, "topic", topic, "group", group)
	return nil
}

// Stop deregisters first so dispatchers stop routing to this agent,
// then unsubscribes and closes the connections.
func (a *Agent) Stop(ctx context.Context) error {
	if err := a.reg.Deregister(ctx, a.agentID); err != nil {
		a.log.Warn("failed to deregister agent", "error", err)
	}

	topic := dispatch.TaskTopic(a.agentType)
	if err := a.sub.Unsubscribe(ctx, topic); err != nil {
		a.log.Warn("failed to unsubscribe", "topic", topic, "error", err)
	}

	var firstErr error
	if err := a.sub.Close(); err != nil {
		firstErr = err
	}
	if err := a.pub.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	a.log.Info("agent stopped",
		"tasks_processed", a.tasksProcessed.Load(), "errors", a.errorsCount.Load())
	return firstErr
}

// Health derives the agent's health from its error counter
func (a *Agent) Health() Health {
	errs := a.errorsCount.Load()
	switch {
	case errs < 6:
		return HealthHealthy
	case errs <= 10:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

// Stats returns the runtime counters
func (a *Agent) Stats() (tasksProcessed, errorsCount int64, lastTaskAt time.Time) {
	if n := a.lastTaskAt.Load(); n > 0 {
		lastTaskAt = time.Unix(0, n)
	}
	return a.tasksProcessed.Load(), a.errorsCount.Load(), lastTaskAt
}

// handleTask never returns an error: every failure mode becomes a
// failed result envelope so the consumer group does not redeliver work
// the agent has already answered.
func (a *Agent) handleTask(ctx context.Context, msg bus.Message) error {
	started := time.Now()
	a.lastTaskAt.Store(started.UnixNano())

	task, err := envelope.DecodeTask(msg.Payload)
	if err != nil {
		a.errorsCount.Add(1)
		a.log.Warn("rejecting invalid task envelope", "error", err)
		a.publishFailure(ctx, msg.Payload, "VALIDATION_ERROR", err)
		return nil
	}

	ctx = trace.WithContext(ctx, task.Trace)
	log := a.log.WithWorkflowID(task.WorkflowID).WithTrace(task.Trace.TraceID, task.Trace.SpanID)
	log.Info("task received", "task_id", task.TaskID, "stage", task.WorkflowContext.CurrentStage)

	data, execErr := a.runExecute(ctx, task)

	result := a.buildResult(task, data, execErr, time.Since(started))
	if err := a.publishResult(ctx, result); err != nil {
		a.errorsCount.Add(1)
		log.Error("failed to publish result", "task_id", task.TaskID, "error", err)
		return nil
	}

	a.tasksProcessed.Add(1)
	if execErr != nil {
		a.errorsCount.Add(1)
	}
	if a.met != nil {
		a.met.AgentTasks.WithLabelValues(a.agentType, string(result.Status)).Inc()
		if execErr != nil {
			a.met.AgentErrors.WithLabelValues(a.agentType).Inc()
		}
	}
	log.Info("task completed", "task_id", task.TaskID, "status", result.Status,
		"duration_ms", time.Since(started).Milliseconds())
	return nil
}

// runExecute wraps the user body in the retry policy and the breaker,
// honoring the envelope's timeout as the attempt deadline.
func (a *Agent) runExecute(ctx context.Context, task *envelope.Task) (map[string]any, error) {
	opts := a.retry
	if task.Constraints.TimeoutMS > 0 {
		opts.Timeout = time.Duration(task.Constraints.TimeoutMS) * time.Millisecond
	}

	return retry.DoValue(ctx, func(ctx context.Context) (map[string]any, error) {
		var data map[string]any
		err := a.brk.Execute(ctx, func(ctx context.Context) error {
			var execErr error
			data, execErr = a.execute(ctx, task)
			return execErr
		})
		return data, err
	}, opts)
}

func (a *Agent) buildResult(task *envelope.Task, data map[string]any, execErr error, elapsed time.Duration) *envelope.Result {
	stage := task.WorkflowContext.CurrentStage
	if stage == "" {
		stage = a.agentType
	}

	result := &envelope.Result{
		TaskID:     task.TaskID,
		WorkflowID: task.WorkflowID,
		AgentID:    a.agentID,
		AgentType:  a.agentType,
		Status:     envelope.StatusSuccess,
		Result: envelope.ResultBody{
			Data:    data,
			Metrics: envelope.ResultMetrics{DurationMS: elapsed.Milliseconds()},
		},
		Stage:     stage,
		Timestamp: time.Now().UTC(),
		Version:   envelope.EnvelopeVersion,
	}

	if execErr != nil {
		result.Status = envelope.StatusFailed
		if retry.IsTimeout(execErr) {
			result.Status = envelope.StatusTimeout
		}
		result.Error = &envelope.ResultError{
			Code:      errorCode(execErr),
			Message:   execErr.Error(),
			Retryable: !breaker.IsOpen(execErr),
		}
	}

	result.Normalize()
	return result
}

// publishFailure answers an envelope that never validated. Identifiers
// are salvaged from the raw payload when present.
func (a *Agent) publishFailure(ctx context.Context, raw []byte, code string, cause error) {
	var partial struct {
		TaskID     string `json:"task_id"`
		WorkflowID string `json:"workflow_id"`
		Workflow   struct {
			CurrentStage string `json:"current_stage"`
		} `json:"workflow_context"`
	}
	_ = json.Unmarshal(raw, &partial)
	if partial.TaskID == "" {
		partial.TaskID = "unknown"
	}
	if partial.WorkflowID == "" {
		partial.WorkflowID = "unknown"
	}
	stage := partial.Workflow.CurrentStage
	if stage == "" {
		stage = a.agentType
	}

	result := &envelope.Result{
		TaskID:     partial.TaskID,
		WorkflowID: partial.WorkflowID,
		AgentID:    a.agentID,
		AgentType:  a.agentType,
		Status:     envelope.StatusFailed,
		Error: &envelope.ResultError{
			Code:      code,
			Message:   cause.Error(),
			Retryable: false,
		},
		Stage:     stage,
		Timestamp: time.Now().UTC(),
		Version:   envelope.EnvelopeVersion,
	}
	result.Normalize()

	if err := a.publishResult(ctx, result); err != nil {
		a.log.Error("failed to publish validation failure", "error", err)
	}
}

func (a *Agent) publishResult(ctx context.Context, result *envelope.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result envelope: %w", err)
	}
	return a.pub.Publish(ctx, dispatch.ResultsTopic, payload, bus.PublishOptions{
		Key:            result.WorkflowID,
		MirrorToStream: bus.StreamTopic(dispatch.ResultsTopic),
	})
}

func errorCode(err error) string {
	switch {
	case retry.IsTimeout(err):
		return "TIMEOUT"
	case breaker.IsOpen(err):
		return "CIRCUIT_OPEN"
	default:
		return "EXECUTION_ERROR"
	}
}
