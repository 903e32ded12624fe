package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/lyzr/conductor/common/bus"
	"github.com/lyzr/conductor/common/decision"
	"github.com/lyzr/conductor/common/dispatch"
	"github.com/lyzr/conductor/common/envelope"
	"github.com/lyzr/conductor/common/gates"
	"github.com/lyzr/conductor/common/jsonpath"
	"github.com/lyzr/conductor/common/logger"
	"github.com/lyzr/conductor/common/metrics"
	redisw "github.com/lyzr/conductor/common/redis"
	"github.com/lyzr/conductor/common/store"
	"github.com/lyzr/conductor/common/trace"
	"github.com/lyzr/conductor/common/workflow"
)

// Workflow states
const (
	StateInitiated = "initiated"
	StateRunning   = "running"
	StateCancelled = "cancelled"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
)

// Lifecycle event topics
const (
	TopicCreated   = "workflow.created"
	TopicStarted   = "workflow.started"
	TopicCompleted = "workflow.completed"
	TopicFailed    = "workflow.failed"
)

// statusTTL bounds the Redis status hot path
const statusTTL = 24 * time.Hour

// Event is a workflow lifecycle notification
type Event struct {
	Event      string    `json:"event"`
	WorkflowID string    `json:"workflow_id"`
	Status     string    `json:"status"`
	Stage      string    `json:"stage,omitempty"`
	Progress   int       `json:"progress"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// WorkflowService owns per-workflow state machines. It reacts to agent
// results, advances stages through the engine, persists state and emits
// lifecycle events.
type WorkflowService struct {
	st        store.WorkflowStore
	disp      *dispatch.Dispatcher
	pub       bus.Bus
	gates     *gates.Service
	decisions *decision.Service
	mapper    *jsonpath.Mapper
	rdb       *redisw.Client
	log       *logger.Logger
	met       *metrics.Metrics

	mu       sync.Mutex
	machines map[string]*machine
}

// Option configures the workflow service
type Option func(*WorkflowService)

// WithStatusCache enables the Redis status hot path
func WithStatusCache(rdb *redisw.Client) Option {
	return func(s *WorkflowService) {
		s.rdb = rdb
	}
}

// WithDecisionService enables decision-gate evaluation on stage results
func WithDecisionService(d *decision.Service) Option {
	return func(s *WorkflowService) {
		s.decisions = d
	}
}

// WithMetrics attaches instrumentation
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *WorkflowService) {
		s.met = m
	}
}

// NewWorkflowService creates the service
func NewWorkflowService(st store.WorkflowStore, disp *dispatch.Dispatcher, pub bus.Bus, gateSvc *gates.Service, log *logger.Logger, opts ...Option) *WorkflowService {
	s := &WorkflowService{
		st:       st,
		disp:     disp,
		pub:      pub,
		gates:    gateSvc,
		mapper:   jsonpath.New(log),
		log:      log,
		machines: make(map[string]*machine),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// machine is one workflow's state machine. Its lock serializes every
// transition; results for one workflow arrive in bus order.
type machine struct {
	mu           sync.Mutex
	svc          *WorkflowService
	engine       *workflow.Engine
	wctx         *workflow.Context
	state        string
	workflowType string
	root         trace.Context
	attempts     map[string]int
	lastError    *workflow.ResultError
	log          *logger.Logger
}

// CreateWorkflow validates the definition against the live registry,
// persists the initial record and publishes workflow.created.
func (s *WorkflowService) CreateWorkflow(ctx context.Context, def *workflow.Definition, workflowType string, input map[string]any) (string, error) {
	eng, err := workflow.NewEngine(def)
	if err != nil {
		return "", err
	}

	registered := make([]string, 0)
	for _, entry := range s.disp.RegisteredAgents(ctx) {
		registered = append(registered, entry.AgentType)
	}
	if v := eng.ValidateExecution(registered); !v.Valid {
		return "", fmt.Errorf("unresolvable agent types: %s", strings.Join(v.MissingAgents, ", "))
	}

	workflowID := uuid.NewString()
	wctx := eng.NewContext(workflowID, input)

	now := time.Now().UTC()
	rec := &store.Record{
		WorkflowID:   workflowID,
		WorkflowType: workflowType,
		Status:       StateInitiated,
		CurrentStage: wctx.CurrentStage,
		InputData:    input,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.st.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to persist workflow: %w", err)
	}

	m := &machine{
		svc:          s,
		engine:       eng,
		wctx:         wctx,
		state:        StateInitiated,
		workflowType: workflowType,
		root:         trace.New(),
		attempts:     make(map[string]int),
		log:          s.log.WithWorkflowID(workflowID),
	}

	s.mu.Lock()
	s.machines[workflowID] = m
	s.mu.Unlock()

	s.publishEvent(ctx, TopicCreated, Event{
		Event:      "created",
		WorkflowID: workflowID,
		Status:     StateInitiated,
		Stage:      wctx.CurrentStage,
	})
	m.log.Info("workflow created", "workflow_type", workflowType, "start_stage", wctx.CurrentStage)
	return workflowID, nil
}

// StartWorkflow dispatches the initial stage's task
func (s *WorkflowService) StartWorkflow(ctx context.Context, workflowID string) error {
	m, err := s.machine(workflowID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateInitiated {
		return fmt.Errorf("cannot start workflow in state %s", m.state)
	}
	m.state = StateRunning

	if err := m.dispatchStageLocked(ctx, m.wctx.CurrentStage); err != nil {
		m.state = StateFailed
		return err
	}

	s.updateStatus(ctx, m, StateRunning)
	s.publishEvent(ctx, TopicStarted, Event{
		Event:      "started",
		WorkflowID: workflowID,
		Status:     StateRunning,
		Stage:      m.wctx.CurrentStage,
	})
	if s.met != nil {
		s.met.WorkflowsStarted.Inc()
	}
	m.log.Info("workflow started", "stage", m.wctx.CurrentStage)
	return nil
}

// CancelWorkflow transitions the workflow to cancelled and unregisters
// the dispatcher handler. In-flight stage results are ignored.
func (s *WorkflowService) CancelWorkflow(ctx context.Context, workflowID, reason string) error {
	m, err := s.machine(workflowID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.state == StateSucceeded || m.state == StateFailed || m.state == StateCancelled {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("cannot cancel workflow in state %s", state)
	}
	m.state = StateCancelled
	stage := m.wctx.CurrentStage
	m.mu.Unlock()

	s.disp.OffResult(workflowID)
	s.removeMachine(workflowID)

	s.updateStatus(ctx, m, StateCancelled)
	s.publishEvent(ctx, TopicFailed, Event{
		Event:      "cancelled",
		WorkflowID: workflowID,
		Status:     StateCancelled,
		Stage:      stage,
		Reason:     reason,
	})
	if s.met != nil {
		s.met.WorkflowsCompleted.WithLabelValues(StateCancelled).Inc()
	}
	m.log.Info("workflow cancelled", "reason", reason)
	return nil
}

// GetWorkflow reads the persisted record
func (s *WorkflowService) GetWorkflow(ctx context.Context, workflowID string) (*store.Record, error) {
	return s.st.Get(ctx, workflowID)
}

// ListWorkflows reads persisted records, optionally filtered by status
func (s *WorkflowService) ListWorkflows(ctx context.Context, status string, limit int) ([]*store.Record, error) {
	return s.st.List(ctx, status, limit)
}

func (s *WorkflowService) machine(workflowID string) (*machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[workflowID]
	if !ok {
		return nil, fmt.Errorf("no active workflow: %s", workflowID)
	}
	return m, nil
}

func (s *WorkflowService) removeMachine(workflowID string) {
	s.mu.Lock()
	delete(s.machines, workflowID)
	s.mu.Unlock()
}

// ActiveCount returns the number of live state machines
func (s *WorkflowService) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.machines)
}

// onResult is the dispatcher callback for one workflow
func (m *machine) onResult(result *envelope.Result) {
	ctx := context.Background()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRunning {
		m.log.Debug("ignoring result in state", "state", m.state, "stage", result.Stage)
		return
	}

	// The dispatcher drops the invoked handler after any terminal result,
	// duplicates included; stay armed until the workflow settles.
	m.svc.disp.OnResult(m.wctx.WorkflowID, m.onResult)

	stage := result.Stage
	cfg, ok := m.wctx.Definition.Stages[stage]
	if !ok {
		m.log.Warn("result for unknown stage", "stage", stage)
		return
	}

	if cr := m.engine.ValidateConstraints(m.wctx); !cr.Valid {
		m.failLocked(ctx, &workflow.ResultError{
			Code:    "workflow_timeout",
			Message: strings.Join(cr.Errors, "; "),
		})
		return
	}

	outcome := outcomeOf(result.Status)

	// Blocking quality-gate failures demote a successful stage result.
	if outcome == workflow.OutcomeSuccess && m.svc.gates != nil {
		if policy := m.svc.gates.Policy(stage); len(policy) > 0 {
			eval := m.svc.gates.Evaluate(policy, result.Result.Data)
			if !eval.Passed {
				outcome = workflow.OutcomeFailure
				result.Error = &envelope.ResultError{
					Code:    "quality_gate",
					Message: failedGateSummary(eval),
				}
			}
		}
	}

	// Failed attempts retry with backoff until the stage budget runs out.
	if outcome == workflow.OutcomeFailure || outcome == workflow.OutcomeTimeout {
		attempt := m.attempts[stage] + 1
		m.attempts[stage] = attempt
		if cfg.MaxRetries != nil && attempt <= *cfg.MaxRetries {
			backoff := m.engine.RetryBackoff(attempt, m.wctx.Definition.RetryStrategy)
			m.log.Info("retrying stage", "stage", stage, "attempt", attempt, "backoff", backoff)
			time.AfterFunc(backoff, func() {
				m.redispatch(stage)
			})
			return
		}
	}

	m.evaluateDecisionGate(stage, result)

	sr := &workflow.StageResult{
		Outcome:    outcome,
		Output:     result.Result.Data,
		Attempts:   m.attempts[stage] + 1,
		DurationMS: result.Result.Metrics.DurationMS,
	}
	if result.Error != nil {
		sr.Error = result.Error.Message
		m.lastError = &workflow.ResultError{
			Code:        result.Error.Code,
			Message:     result.Error.Message,
			Recoverable: result.Error.Retryable,
		}
	}
	if err := m.engine.RecordStageResult(m.wctx, stage, sr); err != nil {
		m.log.Warn("dropping duplicate stage result", "stage", stage, "error", err)
		return
	}
	if m.svc.met != nil {
		m.svc.met.StageDuration.WithLabelValues(stage, result.AgentType).
			Observe(float64(sr.DurationMS) / 1000)
	}

	m.advanceLocked(ctx, stage, outcome)
}

// advanceLocked computes the next stage and dispatches it, walking over
// skip-conditioned stages, or settles the workflow.
func (m *machine) advanceLocked(ctx context.Context, stage, outcome string) {
	next := m.engine.NextStage(stage, outcome)

	// Bounded by the stage count so a skip chain cannot loop forever.
	for range m.wctx.Definition.Stages {
		if next == "" {
			break
		}
		skip, err := m.engine.ShouldSkipStage(m.wctx, next)
		if err != nil {
			m.log.Warn("skip condition failed, running stage", "stage", next, "error", err)
			break
		}
		if !skip {
			break
		}
		m.log.Info("skipping stage", "stage", next)
		if err := m.engine.RecordStageResult(m.wctx, next, &workflow.StageResult{Outcome: workflow.OutcomeSkipped}); err != nil {
			m.log.Warn("failed to record skipped stage", "stage", next, "error", err)
			break
		}
		next = m.engine.NextStage(next, workflow.OutcomeSuccess)
	}

	if next == "" {
		if outcome == workflow.OutcomeSuccess {
			m.completeLocked(ctx)
		} else {
			m.failLocked(ctx, m.lastError)
		}
		return
	}

	m.wctx.CurrentStage = next
	if err := m.dispatchStageLocked(ctx, next); err != nil {
		m.failLocked(ctx, &workflow.ResultError{Code: "dispatch_error", Message: err.Error()})
		return
	}
	m.svc.updateStatus(ctx, m, StateRunning)
}

// dispatchStageLocked builds the task for a stage, applying the
// definition's data-flow input mapping, and publishes it.
func (m *machine) dispatchStageLocked(ctx context.Context, stage string) error {
	cfg, ok := m.wctx.Definition.Stages[stage]
	if !ok {
		return fmt.Errorf("stage %q does not exist", stage)
	}

	inputs, err := m.stageInputsLocked(stage)
	if err != nil {
		return err
	}

	task := envelope.NewTask(m.wctx.WorkflowID, cfg.AgentType, stage, inputs, m.root.Child())
	task.Constraints.TimeoutMS = cfg.TimeoutMS
	if cfg.MaxRetries != nil {
		task.Constraints.MaxRetries = *cfg.MaxRetries
	}
	task.WorkflowContext.WorkflowType = m.workflowType
	task.WorkflowContext.StageInputs = inputs

	// The dispatcher drops the handler after each terminal result;
	// re-arm it before every dispatch.
	m.svc.disp.OnResult(m.wctx.WorkflowID, m.onResult)

	if err := m.svc.disp.DispatchTask(ctx, task); err != nil {
		return err
	}
	m.log.Info("stage dispatched", "stage", stage, "agent_type", cfg.AgentType)
	return nil
}

// stageInputsLocked builds the stage's input document: mapped values
// from the data-flow input mapping, then pass-through keys merged on
// top as a JSON merge patch.
func (m *machine) stageInputsLocked(stage string) (map[string]any, error) {
	df := m.wctx.Definition.DataFlow
	if df == nil || (len(df.InputMapping) == 0 && len(df.PassThrough) == 0) {
		// No data flow declared: stages see the workflow input plus the
		// stage's static config.
		return mergeMaps(m.wctx.InputData, m.wctx.Definition.Stages[stage].Config), nil
	}

	source := map[string]any{
		"input":  m.wctx.InputData,
		"stages": stageOutputs(m.wctx),
	}

	mapped := m.svc.mapper.ApplyOutputMapping(source, df.InputMapping)
	if mapped == nil {
		mapped = map[string]any{}
	}

	if len(df.PassThrough) > 0 {
		pass := make(map[string]any, len(df.PassThrough))
		for _, key := range df.PassThrough {
			if v, ok := m.wctx.InputData[key]; ok {
				pass[key] = v
			}
		}
		if len(pass) > 0 {
			base, err := json.Marshal(mapped)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal mapped inputs: %w", err)
			}
			patch, err := json.Marshal(pass)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal pass-through inputs: %w", err)
			}
			merged, err := jsonpatch.MergePatch(base, patch)
			if err != nil {
				return nil, fmt.Errorf("failed to merge pass-through inputs: %w", err)
			}
			mapped = map[string]any{}
			if err := json.Unmarshal(merged, &mapped); err != nil {
				return nil, fmt.Errorf("failed to decode merged inputs: %w", err)
			}
		}
	}

	return mergeMaps(mapped, m.wctx.Definition.Stages[stage].Config), nil
}

// evaluateDecisionGate classifies the stage's proposed action when the
// stage participates in decision gating.
func (m *machine) evaluateDecisionGate(stage string, result *envelope.Result) {
	d := m.svc.decisions
	if d == nil || !d.ShouldEvaluateDecision(stage, m.workflowType) {
		return
	}

	confidence := 1.0
	if c, ok := result.Result.Data["confidence"].(float64); ok {
		confidence = c
	}

	out := d.EvaluateStage(stage, m.workflowType, confidence)
	if out.ShouldEscalate {
		m.log.Warn("decision gate escalation",
			"stage", stage, "category", out.Category, "confidence", confidence, "route", out.EscalationRoute)
	} else if out.RequiresHumanApproval {
		m.log.Info("decision gate requires human approval",
			"stage", stage, "category", out.Category, "confidence", confidence)
	}
}

// redispatch retries a stage after its backoff delay
func (m *machine) redispatch(stage string) {
	ctx := context.Background()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return
	}
	if err := m.dispatchStageLocked(ctx, stage); err != nil {
		m.failLocked(ctx, &workflow.ResultError{Code: "dispatch_error", Message: err.Error()})
	}
}

func (m *machine) completeLocked(ctx context.Context) {
	m.state = StateSucceeded
	m.settleLocked(ctx, StateSucceeded, TopicCompleted, nil)
}

func (m *machine) failLocked(ctx context.Context, lastErr *workflow.ResultError) {
	m.state = StateFailed
	m.settleLocked(ctx, StateFailed, TopicFailed, lastErr)
}

// settleLocked builds the terminal result, persists it and emits the
// closing lifecycle event.
func (m *machine) settleLocked(ctx context.Context, state, topic string, lastErr *workflow.ResultError) {
	result := m.engine.BuildResult(m.wctx, state)
	result.LastError = lastErr

	rec := &store.Record{
		WorkflowID:   m.wctx.WorkflowID,
		WorkflowType: m.workflowType,
		Status:       state,
		CurrentStage: m.wctx.CurrentStage,
		Progress:     result.Progress,
		Output:       result.Output,
		CompletedAt:  &result.CompletedAt,
	}
	if lastErr != nil {
		rec.Error = lastErr.Message
	}
	if err := m.svc.st.Update(ctx, rec); err != nil {
		m.log.Error("failed to persist terminal workflow state", "error", err)
	}

	m.svc.disp.OffResult(m.wctx.WorkflowID)
	m.svc.removeMachine(m.wctx.WorkflowID)
	m.svc.cacheStatus(ctx, m.wctx.WorkflowID, state, m.wctx.CurrentStage, result.Progress)

	event := Event{
		Event:      "completed",
		WorkflowID: m.wctx.WorkflowID,
		Status:     state,
		Stage:      m.wctx.CurrentStage,
		Progress:   result.Progress,
	}
	if lastErr != nil {
		event.Event = "failed"
		event.Reason = lastErr.Message
	}
	m.svc.publishEvent(ctx, topic, event)

	if m.svc.met != nil {
		m.svc.met.WorkflowsCompleted.WithLabelValues(state).Inc()
	}
	m.log.Info("workflow settled", "status", state, "progress", result.Progress)
}

// updateStatus persists the hot fields and refreshes the status cache
func (s *WorkflowService) updateStatus(ctx context.Context, m *machine, state string) {
	progress := m.engine.Progress(m.wctx.CompletedStages())
	if err := s.st.UpdateStatus(ctx, m.wctx.WorkflowID, state, m.wctx.CurrentStage, progress); err != nil {
		m.log.Warn("failed to update workflow status", "error", err)
	}
	s.cacheStatus(ctx, m.wctx.WorkflowID, state, m.wctx.CurrentStage, progress)
}

// cacheStatus writes the status snapshot to Redis for cheap polling
func (s *WorkflowService) cacheStatus(ctx context.Context, workflowID, state, stage string, progress int) {
	if s.rdb == nil {
		return
	}
	snapshot, err := json.Marshal(map[string]any{
		"workflow_id": workflowID,
		"status":      state,
		"stage":       stage,
		"progress":    progress,
		"updated_at":  time.Now().UTC(),
	})
	if err != nil {
		return
	}
	pipe := s.rdb.NewPipeline()
	pipe.SetWithExpiry(ctx, "workflow:status:"+workflowID, string(snapshot), statusTTL)
	pipe.PublishEvent(ctx, "workflow.status", string(snapshot))
	if err := pipe.Exec(ctx); err != nil {
		s.log.Warn("failed to cache workflow status", "workflow_id", workflowID, "error", err)
	}
}

func (s *WorkflowService) publishEvent(ctx context.Context, topic string, event Event) {
	event.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(event)
	if err != nil {
		s.log.Error("failed to marshal workflow event", "topic", topic, "error", err)
		return
	}
	err = s.pub.Publish(ctx, topic, payload, bus.PublishOptions{
		Key:            event.WorkflowID,
		MirrorToStream: bus.StreamTopic(topic),
	})
	if err != nil {
		s.log.Warn("failed to publish workflow event", "topic", topic, "error", err)
	}
	if s.met != nil {
		s.met.BusPublishes.WithLabelValues(topic).Inc()
	}
}

func outcomeOf(status envelope.Status) string {
	switch status {
	case envelope.StatusSuccess:
		return workflow.OutcomeSuccess
	case envelope.StatusTimeout:
		return workflow.OutcomeTimeout
	default:
		return workflow.OutcomeFailure
	}
}

func stageOutputs(wctx *workflow.Context) map[string]any {
	out := make(map[string]any, len(wctx.StageResults))
	for name, sr := range wctx.StageResults {
		out[name] = sr.Output
	}
	return out
}

func mergeMaps(base, overlay map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

func failedGateSummary(eval gates.Evaluation) string {
	var names []string
	for _, r := range eval.Results {
		if !r.Passed && r.Blocking {
			names = append(names, r.GateName)
		}
	}
	return "blocking quality gates failed: " + strings.Join(names, ", ")
}
