package workflow

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Engine holds an immutable, validated definition and answers routing,
// progress, and constraint questions for executions of it.
type Engine struct {
	def        *Definition
	conditions *ConditionEvaluator
	now        func() time.Time
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithClock injects the engine clock, for tests
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine validates the definition and builds an engine over it
func NewEngine(def *Definition, opts ...EngineOption) (*Engine, error) {
	if def == nil {
		return nil, fmt.Errorf("nil workflow definition")
	}
	def.ApplyDefaults()
	if err := def.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		def:        def,
		conditions: NewConditionEvaluator(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Definition returns the engine's definition
func (e *Engine) Definition() *Definition {
	return e.def
}

// NextStage computes the stage following current for the given outcome.
// Empty string means the workflow terminates here.
func (e *Engine) NextStage(current, outcome string) string {
	stage, ok := e.def.Stages[current]
	if !ok {
		return ""
	}
	switch outcome {
	case OutcomeSuccess:
		return stage.OnSuccess
	default:
		// failure, timeout and anything unrecognized route through on_failure
		return stage.OnFailure
	}
}

// ParallelEligibleStages returns stages marked parallel whose dependencies
// are satisfied and which have not completed, capped at max_parallel_stages.
func (e *Engine) ParallelEligibleStages(ctx *Context) []string {
	var eligible []string
	for name, stage := range e.def.Stages {
		if !stage.Parallel {
			continue
		}
		if _, done := ctx.StageResults[name]; done {
			continue
		}
		if !e.dependenciesSatisfied(ctx, name) {
			continue
		}
		eligible = append(eligible, name)
	}
	sort.Strings(eligible)
	if len(eligible) > e.def.MaxParallelStages {
		eligible = eligible[:e.def.MaxParallelStages]
	}
	return eligible
}

func (e *Engine) dependenciesSatisfied(ctx *Context, name string) bool {
	for _, dep := range e.def.dependenciesOf(name) {
		result, ok := ctx.StageResults[dep]
		if !ok || result.Outcome != OutcomeSuccess {
			return false
		}
	}
	return true
}

// RetryBackoff computes the delay before retry attempt n under a strategy
func (e *Engine) RetryBackoff(attempt int, strategy string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	const ceiling = 60_000
	var ms float64
	switch strategy {
	case RetryLinear:
		ms = math.Min(1000*float64(attempt), ceiling)
	case RetryImmediate:
		ms = 0
	default:
		ms = math.Min(1000*math.Pow(2, float64(attempt-1)), ceiling)
	}
	return time.Duration(ms) * time.Millisecond
}

// Progress computes completion percent from completed stage names.
// Stage weights are honored when any stage declares one; otherwise
// stages contribute evenly.
func (e *Engine) Progress(completed []string) int {
	total := len(e.def.Stages)
	if total == 0 {
		return 0
	}

	weighted := false
	for _, stage := range e.def.Stages {
		if stage.Weight > 0 {
			weighted = true
			break
		}
	}

	weightOf := func(name string) float64 {
		stage, ok := e.def.Stages[name]
		if !ok {
			return 0
		}
		if weighted {
			if stage.Weight > 0 {
				return stage.Weight
			}
			return 0
		}
		return 1
	}

	var sumAll, sumDone float64
	for name := range e.def.Stages {
		sumAll += weightOf(name)
	}
	seen := make(map[string]bool)
	for _, name := range completed {
		if seen[name] {
			continue
		}
		seen[name] = true
		sumDone += weightOf(name)
	}

	if sumAll == 0 {
		return 0
	}
	progress := int(math.Round(100 * sumDone / sumAll))
	if progress < 0 {
		return 0
	}
	if progress > 100 {
		return 100
	}
	return progress
}

// ConstraintResult reports context-level invariant checks
type ConstraintResult struct {
	Valid  bool
	Errors []string
}

// ValidateConstraints checks elapsed time against the global timeout and
// the coherence of the execution context.
func (e *Engine) ValidateConstraints(ctx *Context) ConstraintResult {
	var errs []string

	if ctx.Metadata.StartedAt.IsZero() {
		errs = append(errs, "workflow has not started")
	} else {
		elapsed := e.now().Sub(ctx.Metadata.StartedAt)
		if elapsed > time.Duration(e.def.GlobalTimeoutMS)*time.Millisecond {
			errs = append(errs, fmt.Sprintf("global timeout exceeded: elapsed %s > %dms", elapsed, e.def.GlobalTimeoutMS))
		}
	}

	if ctx.CurrentStage != "" {
		if _, ok := e.def.Stages[ctx.CurrentStage]; !ok {
			errs = append(errs, fmt.Sprintf("current stage %q does not exist", ctx.CurrentStage))
		}
	}

	return ConstraintResult{Valid: len(errs) == 0, Errors: errs}
}

// NewContext creates the initial execution context for a workflow
func (e *Engine) NewContext(workflowID string, input map[string]any) *Context {
	if workflowID == "" {
		workflowID = uuid.NewString()
	}
	return &Context{
		WorkflowID:   workflowID,
		Definition:   e.def,
		CurrentStage: e.def.StartStage,
		StageResults: make(map[string]*StageResult),
		InputData:    input,
		Metadata:     ContextMetadata{StartedAt: e.now().UTC()},
	}
}

// RecordStageResult writes a stage result exactly once. A second write
// for the same stage means two completion paths raced and is rejected.
func (e *Engine) RecordStageResult(ctx *Context, stage string, result *StageResult) error {
	if _, ok := e.def.Stages[stage]; !ok {
		return fmt.Errorf("stage %q does not exist", stage)
	}
	if _, exists := ctx.StageResults[stage]; exists {
		return fmt.Errorf("stage %q already has a recorded result", stage)
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = e.now().UTC()
	}
	ctx.StageResults[stage] = result
	return nil
}

// ShouldSkipStage evaluates the stage's skip condition against the
// workflow input and prior stage outputs.
func (e *Engine) ShouldSkipStage(ctx *Context, stage string) (bool, error) {
	cfg, ok := e.def.Stages[stage]
	if !ok || cfg.SkipCondition == "" {
		return false, nil
	}

	results := make(map[string]any, len(ctx.StageResults))
	for name, r := range ctx.StageResults {
		results[name] = map[string]any{
			"outcome": r.Outcome,
			"output":  r.Output,
		}
	}
	return e.conditions.Evaluate(cfg.SkipCondition, ctx.InputData, results)
}

// BuildResult assembles the terminal workflow result, applying the
// definition's output mapping over stage outputs.
func (e *Engine) BuildResult(ctx *Context, status string) *Result {
	result := &Result{
		WorkflowID:   ctx.WorkflowID,
		Status:       status,
		CurrentStage: ctx.CurrentStage,
		Progress:     e.Progress(ctx.CompletedStages()),
		StageResults: ctx.StageResults,
		StartedAt:    ctx.Metadata.StartedAt,
		CompletedAt:  e.now().UTC(),
	}

	if e.def.DataFlow != nil && len(e.def.DataFlow.OutputMapping) > 0 {
		output := make(map[string]any, len(e.def.DataFlow.OutputMapping))
		for key, ref := range e.def.DataFlow.OutputMapping {
			output[key] = e.lookupStageField(ctx, ref)
		}
		result.Output = output
	}
	return result
}

// lookupStageField resolves "stage.field" against recorded stage outputs.
// This is a direct dotted lookup, not a JSONPath.
func (e *Engine) lookupStageField(ctx *Context, ref string) any {
	parts := strings.SplitN(ref, ".", 2)
	if len(parts) != 2 {
		return nil
	}
	sr, ok := ctx.StageResults[parts[0]]
	if !ok || sr.Output == nil {
		return nil
	}
	return sr.Output[parts[1]]
}

// ExecutionValidation reports whether every referenced agent type is
// resolvable in the registry.
type ExecutionValidation struct {
	Valid         bool              `json:"valid"`
	MissingAgents []string          `json:"missing_agents,omitempty"`
	Suggestions   map[string]string `json:"suggestions,omitempty"`
}

// ValidateExecution checks the definition's agent types against the set
// of registered types, offering did-you-mean suggestions for near misses.
func (e *Engine) ValidateExecution(registered []string) ExecutionValidation {
	available := make(map[string]bool, len(registered))
	for _, t := range registered {
		available[t] = true
	}

	v := ExecutionValidation{Valid: true}
	for _, agentType := range e.def.AgentTypes() {
		if available[agentType] {
			continue
		}
		v.Valid = false
		v.MissingAgents = append(v.MissingAgents, agentType)
		if closest := closestMatch(agentType, registered); closest != "" {
			if v.Suggestions == nil {
				v.Suggestions = make(map[string]string)
			}
			v.Suggestions[agentType] = closest
		}
	}
	sort.Strings(v.MissingAgents)
	return v
}

// closestMatch returns the registered type within edit distance 3
func closestMatch(want string, candidates []string) string {
	best, bestDist := "", 4
	for _, c := range candidates {
		if d := editDistance(want, c); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func editDistance(a, b string) int {
	la, lb := len(a), len(b)
	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
