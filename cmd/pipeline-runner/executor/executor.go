package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/conductor/common/bus"
	"github.com/lyzr/conductor/common/dispatch"
	"github.com/lyzr/conductor/common/envelope"
	"github.com/lyzr/conductor/common/gates"
	"github.com/lyzr/conductor/common/logger"
	"github.com/lyzr/conductor/common/metrics"
	"github.com/lyzr/conductor/common/trace"
)

// UpdatesTopic carries pipeline lifecycle events
const UpdatesTopic = "pipeline:updates"

// Lifecycle event names
const (
	EventExecutionStarted   = "execution_started"
	EventStageStarted       = "stage_started"
	EventStageCompleted     = "stage_completed"
	EventStageFailed        = "stage_failed"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
)

// ErrorCodeQualityGate marks a stage failed by a blocking gate
const ErrorCodeQualityGate = "quality_gate"

// Executor schedules pipeline DAGs over the agent dispatcher
type Executor struct {
	dispatcher   *dispatch.Dispatcher
	pub          bus.Bus
	log          *logger.Logger
	met          *metrics.Metrics
	maxParallel  int
	stageTimeout time.Duration

	mu     sync.Mutex
	active map[string]*execState
	wg     sync.WaitGroup
}

// execState is the mutable scheduling state of one execution. All
// fields are guarded by mu; cond signals scheduling changes.
type execState struct {
	mu       sync.Mutex
	cond     *sync.Cond
	pipeline *Pipeline
	exec     *Execution
	disp     *dispatch.Dispatcher

	paused       bool
	cancelled    bool
	cancelReason string
	aborted      bool
	running      int
	// pending routes result envelopes to the waiting stage by task id
	pending map[string]chan *envelope.Result
}

// Options configures an Executor
type Options struct {
	MaxParallelStages int
	StageTimeout      time.Duration
	Metrics           *metrics.Metrics
}

// New creates a pipeline executor
func New(dispatcher *dispatch.Dispatcher, pub bus.Bus, log *logger.Logger, opts Options) *Executor {
	if opts.MaxParallelStages <= 0 {
		opts.MaxParallelStages = 4
	}
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = 5 * time.Minute
	}
	return &Executor{
		dispatcher:   dispatcher,
		pub:          pub,
		log:          log,
		met:          opts.Metrics,
		maxParallel:  opts.MaxParallelStages,
		stageTimeout: opts.StageTimeout,
		active:       make(map[string]*execState),
	}
}

// Start validates the pipeline, records an execution and schedules it.
// The returned execution is a snapshot; poll Get for progress.
func (e *Executor) Start(ctx context.Context, p *Pipeline, trig Trigger) (*Execution, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	exec := &Execution{
		ID:           uuid.NewString(),
		PipelineID:   p.ID,
		WorkflowID:   p.WorkflowID,
		Status:       ExecQueued,
		StageResults: make(map[string]*StageResult),
		TriggeredBy:  trig.TriggeredBy,
		Trigger:      trig.Trigger,
		Branch:       trig.Branch,
		CommitSHA:    trig.CommitSHA,
		StartedAt:    time.Now().UTC(),
	}

	state := &execState{
		pipeline: p,
		exec:     exec,
		disp:     e.dispatcher,
		pending:  make(map[string]chan *envelope.Result),
	}
	state.cond = sync.NewCond(&state.mu)

	e.mu.Lock()
	e.active[exec.ID] = state
	e.mu.Unlock()

	e.dispatcher.OnResult(p.WorkflowID, state.route)
	e.publishEvent(ctx, exec, EventExecutionStarted, "", "")

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx, state)
	}()

	return e.snapshot(state), nil
}

// Get returns a snapshot of an execution. Finished executions remain
// readable until Cleanup; cancelled ones leave the table immediately.
func (e *Executor) Get(executionID string) (*Execution, error) {
	e.mu.Lock()
	state, ok := e.active[executionID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("execution not found: %s", executionID)
	}
	return e.snapshot(state), nil
}

// Pause stops scheduling new stages; in-flight stages run to completion
func (e *Executor) Pause(executionID string) error {
	state, err := e.state(executionID)
	if err != nil {
		return err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.exec.Status != ExecRunning {
		return fmt.Errorf("cannot pause execution in status %s", state.exec.Status)
	}
	state.paused = true
	state.exec.Status = ExecPaused
	e.log.Info("execution paused", "execution_id", executionID)
	return nil
}

// Resume re-enters the scheduler
func (e *Executor) Resume(executionID string) error {
	state, err := e.state(executionID)
	if err != nil {
		return err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.exec.Status != ExecPaused {
		return fmt.Errorf("cannot resume execution in status %s", state.exec.Status)
	}
	state.paused = false
	state.exec.Status = ExecRunning
	state.cond.Broadcast()
	e.log.Info("execution resumed", "execution_id", executionID)
	return nil
}

// Cancel marks the execution cancelled and removes it from the active
// table. In-flight stages finish but their results are not recorded.
func (e *Executor) Cancel(ctx context.Context, executionID, reason string) error {
	state, err := e.state(executionID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	if state.exec.CompletedAt != nil {
		status := state.exec.Status
		state.mu.Unlock()
		return fmt.Errorf("cannot cancel execution in status %s", status)
	}
	state.cancelled = true
	state.cancelReason = reason
	state.paused = false
	state.exec.Status = ExecCancelled
	now := time.Now().UTC()
	state.exec.CompletedAt = &now
	state.cond.Broadcast()
	exec := state.exec
	state.mu.Unlock()

	e.mu.Lock()
	delete(e.active, executionID)
	e.mu.Unlock()

	e.dispatcher.OffResult(exec.WorkflowID)
	e.publishEvent(ctx, exec, EventExecutionFailed, "", reason)
	e.log.Info("execution cancelled", "execution_id", executionID, "reason", reason)
	return nil
}

// Cleanup waits for all in-flight executions and clears the table
func (e *Executor) Cleanup() {
	e.wg.Wait()
	e.mu.Lock()
	e.active = make(map[string]*execState)
	e.mu.Unlock()
}

func (e *Executor) state(executionID string) (*execState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.active[executionID]
	if !ok {
		return nil, fmt.Errorf("execution not found: %s", executionID)
	}
	return state, nil
}

func (e *Executor) run(ctx context.Context, state *execState) {
	state.mu.Lock()
	state.exec.Status = ExecRunning
	mode := state.pipeline.ExecutionMode
	state.mu.Unlock()

	if mode == ModeParallel {
		e.runParallel(ctx, state)
	} else {
		e.runSequential(ctx, state)
	}

	e.finish(ctx, state)
}

// runSequential walks stages in topological order. Stages whose
// dependencies are unsatisfied are skipped; a failure aborts unless the
// stage continues on failure.
func (e *Executor) runSequential(ctx context.Context, state *execState) {
	order, err := state.pipeline.topologicalOrder()
	if err != nil {
		// Validate caught cycles already; this is unreachable in practice.
		e.log.Error("topological sort failed", "error", err)
		return
	}

	for _, id := range order {
		state.mu.Lock()
		for state.paused && !state.cancelled {
			state.cond.Wait()
		}
		if state.cancelled || state.aborted {
			e.markSkippedLocked(state, id)
			state.mu.Unlock()
			continue
		}
		eligible, satisfiable := e.eligibilityLocked(state, id)
		if !eligible || !satisfiable {
			e.markSkippedLocked(state, id)
			state.mu.Unlock()
			continue
		}
		state.mu.Unlock()

		result := e.runStage(ctx, state, state.pipeline.stage(id))
		if result != nil && result.Status == StageFailed && !state.pipeline.stage(id).ContinueOnFailure {
			state.mu.Lock()
			state.aborted = true
			state.mu.Unlock()
		}
	}
}

// runParallel launches every eligible stage concurrently, bounded by
// max_parallel_stages, re-evaluating eligibility on each completion.
func (e *Executor) runParallel(ctx context.Context, state *execState) {
	state.mu.Lock()
	defer state.mu.Unlock()

	for {
		if state.cancelled {
			return
		}
		if state.paused {
			state.cond.Wait()
			continue
		}

		if state.aborted {
			for _, st := range state.pipeline.Stages {
				e.markSkippedLocked(state, st.ID)
			}
		}

		launched := 0
		remaining := 0
		for i := range state.pipeline.Stages {
			st := &state.pipeline.Stages[i]
			if _, done := state.exec.StageResults[st.ID]; done {
				continue
			}
			remaining++
			if state.running >= e.maxParallel {
				continue
			}
			eligible, satisfiable := e.eligibilityLocked(state, st.ID)
			if !satisfiable {
				e.markSkippedLocked(state, st.ID)
				remaining--
				continue
			}
			if !eligible {
				continue
			}

			state.running++
			launched++
			// Reserve the slot so a second scheduling pass cannot pick
			// the same stage.
			state.exec.StageResults[st.ID] = &StageResult{StageID: st.ID, Status: StageRunning, StartedAt: time.Now().UTC()}
			go func(stage *Stage) {
				result := e.runStage(ctx, state, stage)
				state.mu.Lock()
				state.running--
				if result != nil && result.Status == StageFailed && !stage.ContinueOnFailure {
					state.aborted = true
				}
				state.cond.Broadcast()
				state.mu.Unlock()
			}(st)
		}

		if remaining == 0 && state.running == 0 {
			return
		}
		if launched == 0 {
			if state.running == 0 {
				// Stages remain but none can ever become eligible.
				for _, st := range state.pipeline.Stages {
					e.markSkippedLocked(state, st.ID)
				}
				return
			}
			state.cond.Wait()
		}
	}
}

// eligibilityLocked reports whether a stage can run now (eligible) and
// whether it can ever run (satisfiable). Optional dependencies are
// ignored.
func (e *Executor) eligibilityLocked(state *execState, stageID string) (eligible, satisfiable bool) {
	st := state.pipeline.stage(stageID)
	if st == nil {
		return false, false
	}
	if r, done := state.exec.StageResults[stageID]; done && r.Status != StageRunning {
		return false, true
	}

	for _, dep := range st.Dependencies {
		if !dep.Required {
			continue
		}
		depResult, done := state.exec.StageResults[dep.StageID]
		if !done || depResult.Status == StageRunning {
			return false, true
		}

		cond := dep.Condition
		if cond == "" {
			cond = CondSuccess
		}
		switch cond {
		case CondAny:
			// any terminal status satisfies
		case CondSuccess:
			if depResult.Status != StageSuccess {
				return false, false
			}
		case CondFailure:
			if depResult.Status != StageFailed {
				return false, false
			}
		}
	}
	return true, true
}

func (e *Executor) markSkippedLocked(state *execState, stageID string) {
	if _, done := state.exec.StageResults[stageID]; done {
		return
	}
	now := time.Now().UTC()
	state.exec.StageResults[stageID] = &StageResult{
		StageID:     stageID,
		Status:      StageSkipped,
		StartedAt:   now,
		CompletedAt: now,
	}
}

// runStage dispatches the stage's task, waits for its result and
// applies quality gates. The returned result is also recorded on the
// execution unless it was cancelled meanwhile.
func (e *Executor) runStage(ctx context.Context, state *execState, st *Stage) *StageResult {
	started := time.Now().UTC()
	exec := state.exec

	e.publishEvent(ctx, exec, EventStageStarted, st.ID, "")

	params := make(map[string]any, len(st.Parameters)+1)
	for k, v := range st.Parameters {
		params[k] = v
	}
	if st.Action != "" {
		params["action"] = st.Action
	}

	stageName := st.Name
	if stageName == "" {
		stageName = st.ID
	}
	task := envelope.NewTask(exec.WorkflowID, st.AgentType, stageName, params, trace.New())

	timeout := e.stageTimeout
	if st.TimeoutMS > 0 {
		timeout = time.Duration(st.TimeoutMS) * time.Millisecond
	}
	task.Constraints.TimeoutMS = timeout.Milliseconds()

	ch := make(chan *envelope.Result, 1)
	state.mu.Lock()
	state.pending[task.TaskID] = ch
	state.mu.Unlock()
	defer func() {
		state.mu.Lock()
		delete(state.pending, task.TaskID)
		state.mu.Unlock()
	}()

	result := &StageResult{StageID: st.ID, Status: StageRunning, StartedAt: started}

	if err := e.dispatcher.DispatchTask(ctx, task); err != nil {
		result.Status = StageFailed
		result.Error = err.Error()
		result.ErrorCode = "dispatch_error"
		return e.completeStage(ctx, state, st, result)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		e.applyResult(result, st, res)
	case <-timer.C:
		result.Status = StageFailed
		result.Error = fmt.Sprintf("stage timed out after %s", timeout)
		result.ErrorCode = "timeout"
	case <-ctx.Done():
		result.Status = StageFailed
		result.Error = ctx.Err().Error()
		result.ErrorCode = "cancelled"
	}

	return e.completeStage(ctx, state, st, result)
}

// applyResult maps a result envelope onto the stage result, running
// quality gates on success.
func (e *Executor) applyResult(result *StageResult, st *Stage, res *envelope.Result) {
	result.Output = res.Result.Data
	result.Artifacts = res.Result.Artifacts
	result.Metrics = res.Result.Metrics

	if res.Status != envelope.StatusSuccess {
		result.Status = StageFailed
		if res.Error != nil {
			result.Error = res.Error.Message
			result.ErrorCode = res.Error.Code
		} else {
			result.Error = fmt.Sprintf("agent reported status %s", res.Status)
		}
		return
	}

	if len(st.QualityGates) > 0 {
		eval := gates.EvaluateAll(st.QualityGates, res.Result.Data)
		if !eval.Passed {
			result.Status = StageFailed
			result.ErrorCode = ErrorCodeQualityGate
			result.Error = failedGateSummary(eval)
			if e.met != nil {
				for _, gr := range eval.Results {
					if !gr.Passed {
						e.met.GateFailures.WithLabelValues(gr.GateName, fmt.Sprintf("%t", gr.Blocking)).Inc()
					}
				}
			}
			return
		}
	}

	result.Status = StageSuccess
}

func (e *Executor) completeStage(ctx context.Context, state *execState, st *Stage, result *StageResult) *StageResult {
	result.CompletedAt = time.Now().UTC()

	state.mu.Lock()
	cancelled := state.cancelled
	if !cancelled {
		state.exec.StageResults[st.ID] = result
	}
	exec := state.exec
	state.mu.Unlock()

	if cancelled {
		e.log.Debug("dropping stage result of cancelled execution",
			"execution_id", exec.ID, "stage_id", st.ID)
		return result
	}

	if e.met != nil {
		e.met.StageDuration.WithLabelValues(st.ID, st.AgentType).
			Observe(result.CompletedAt.Sub(result.StartedAt).Seconds())
	}

	event := EventStageCompleted
	if result.Status == StageFailed {
		event = EventStageFailed
	}
	e.publishEvent(ctx, exec, event, st.ID, result.Error)
	return result
}

// finish computes the terminal status and emits the closing event
func (e *Executor) finish(ctx context.Context, state *execState) {
	state.mu.Lock()
	if state.cancelled {
		state.mu.Unlock()
		return
	}

	status := ExecSuccess
	for _, r := range state.exec.StageResults {
		if r.Status == StageFailed {
			stage := state.pipeline.stage(r.StageID)
			if stage == nil || !stage.ContinueOnFailure {
				status = ExecFailed
				break
			}
		}
	}

	state.exec.Status = status
	now := time.Now().UTC()
	state.exec.CompletedAt = &now
	exec := state.exec
	state.mu.Unlock()

	// The execution stays in the table with its terminal status so
	// callers can read the outcome; Cleanup drains finished entries.
	e.dispatcher.OffResult(exec.WorkflowID)

	event := EventExecutionCompleted
	if status == ExecFailed {
		event = EventExecutionFailed
	}
	e.publishEvent(ctx, exec, event, "", "")
	e.log.Info("execution finished", "execution_id", exec.ID, "status", status)
}

// route delivers a result envelope to the stage waiting on its task id.
// Results for unknown tasks are dropped; a cancelled execution no
// longer listens.
func (s *execState) route(result *envelope.Result) {
	if !result.Status.IsTerminal() {
		return
	}
	s.mu.Lock()
	// The dispatcher drops the invoked handler after any terminal
	// result, so with several stages in flight on one workflow the
	// first answer would strip the registration the rest rely on.
	// Re-arm while the execution is live; finish and Cancel tear the
	// registration down for good.
	if !s.cancelled && s.exec.CompletedAt == nil {
		s.disp.OnResult(s.exec.WorkflowID, s.route)
	}
	ch, ok := s.pending[result.TaskID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- result:
	default:
	}
}

func (e *Executor) snapshot(state *execState) *Execution {
	state.mu.Lock()
	defer state.mu.Unlock()

	cp := *state.exec
	cp.StageResults = make(map[string]*StageResult, len(state.exec.StageResults))
	for id, r := range state.exec.StageResults {
		rc := *r
		cp.StageResults[id] = &rc
	}
	return &cp
}

func failedGateSummary(eval gates.Evaluation) string {
	var names []string
	for _, gr := range eval.Results {
		if !gr.Passed && gr.Blocking {
			names = append(names, gr.GateName)
		}
	}
	return "blocking quality gates failed: " + strings.Join(names, ", ")
}

// Event is one pipeline lifecycle notification on pipeline:updates
type Event struct {
	Event       string    `json:"event"`
	ExecutionID string    `json:"execution_id"`
	PipelineID  string    `json:"pipeline_id"`
	WorkflowID  string    `json:"workflow_id"`
	StageID     string    `json:"stage_id,omitempty"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func (e *Executor) publishEvent(ctx context.Context, exec *Execution, event, stageID, reason string) {
	payload, err := json.Marshal(Event{
		Event:       event,
		ExecutionID: exec.ID,
		PipelineID:  exec.PipelineID,
		WorkflowID:  exec.WorkflowID,
		StageID:     stageID,
		Status:      exec.Status,
		Reason:      reason,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		e.log.Error("failed to marshal pipeline event", "event", event, "error", err)
		return
	}

	err = e.pub.Publish(ctx, UpdatesTopic, payload, bus.PublishOptions{
		Key:            exec.WorkflowID,
		MirrorToStream: bus.StreamTopic(UpdatesTopic),
	})
	if err != nil {
		e.log.Warn("failed to publish pipeline event", "event", event, "error", err)
	}
	if e.met != nil {
		e.met.BusPublishes.WithLabelValues(UpdatesTopic).Inc()
	}
}
