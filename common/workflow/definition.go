package workflow

import (
	"fmt"
	"regexp"
	"time"
)

// Stage outcomes
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
	OutcomeSkipped = "skipped"
)

// Retry strategies
const (
	RetryExponential = "exponential"
	RetryLinear      = "linear"
	RetryImmediate   = "immediate"
)

// Failure policies
const (
	OnFailureStop     = "stop"
	OnFailureContinue = "continue"
	OnFailureSkip     = "skip"
)

// Defaults for omitted definition fields
const (
	DefaultGlobalTimeoutMS   = 3_600_000
	DefaultStageTimeoutMS    = 300_000
	DefaultMaxRetries        = 3
	DefaultMaxParallelStages = 4
)

var semverRe = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?$`)

// DataFlow maps values between stages by JSONPath
type DataFlow struct {
	InputMapping  map[string]string `yaml:"input_mapping,omitempty" json:"input_mapping,omitempty"`
	OutputMapping map[string]string `yaml:"output_mapping,omitempty" json:"output_mapping,omitempty"`
	PassThrough   []string          `yaml:"pass_through,omitempty" json:"pass_through,omitempty"`
}

// StageConfig describes one vertex of the workflow graph
type StageConfig struct {
	Name          string         `yaml:"name" json:"name"`
	AgentType     string         `yaml:"agent_type" json:"agent_type"`
	Config        map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
	TimeoutMS     int64          `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	MaxRetries    *int           `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	OnSuccess     string         `yaml:"on_success,omitempty" json:"on_success,omitempty"`
	OnFailure     string         `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
	Parallel      bool           `yaml:"parallel,omitempty" json:"parallel,omitempty"`
	SkipCondition string         `yaml:"skip_condition,omitempty" json:"skip_condition,omitempty"`
	Weight        float64        `yaml:"weight,omitempty" json:"weight,omitempty"`
}

// Definition is the immutable workflow graph loaded from file
type Definition struct {
	Name              string                  `yaml:"name" json:"name"`
	Version           string                  `yaml:"version" json:"version"`
	Description       string                  `yaml:"description,omitempty" json:"description,omitempty"`
	StartStage        string                  `yaml:"start_stage" json:"start_stage"`
	Stages            map[string]*StageConfig `yaml:"stages" json:"stages"`
	GlobalTimeoutMS   int64                   `yaml:"global_timeout_ms,omitempty" json:"global_timeout_ms,omitempty"`
	MaxParallelStages int                     `yaml:"max_parallel_stages,omitempty" json:"max_parallel_stages,omitempty"`
	RetryStrategy     string                  `yaml:"retry_strategy,omitempty" json:"retry_strategy,omitempty"`
	OnFailure         string                  `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
	DataFlow          *DataFlow               `yaml:"data_flow,omitempty" json:"data_flow,omitempty"`
}

// ApplyDefaults fills omitted fields in place
func (d *Definition) ApplyDefaults() {
	if d.GlobalTimeoutMS <= 0 {
		d.GlobalTimeoutMS = DefaultGlobalTimeoutMS
	}
	if d.MaxParallelStages <= 0 {
		d.MaxParallelStages = DefaultMaxParallelStages
	}
	if d.RetryStrategy == "" {
		d.RetryStrategy = RetryExponential
	}
	if d.OnFailure == "" {
		d.OnFailure = OnFailureStop
	}
	for name, stage := range d.Stages {
		if stage.Name == "" {
			stage.Name = name
		}
		if stage.TimeoutMS <= 0 {
			stage.TimeoutMS = DefaultStageTimeoutMS
		}
		if stage.MaxRetries == nil {
			retries := DefaultMaxRetries
			stage.MaxRetries = &retries
		}
	}
}

// Validate checks the structural invariants of the definition
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if d.Version != "" && !semverRe.MatchString(d.Version) {
		return fmt.Errorf("workflow version %q is not semver", d.Version)
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf("workflow %s has no stages", d.Name)
	}
	if d.StartStage == "" {
		return fmt.Errorf("workflow %s has no start_stage", d.Name)
	}
	if _, ok := d.Stages[d.StartStage]; !ok {
		return fmt.Errorf("start_stage %q does not exist", d.StartStage)
	}

	switch d.RetryStrategy {
	case RetryExponential, RetryLinear, RetryImmediate:
	default:
		return fmt.Errorf("unknown retry_strategy %q", d.RetryStrategy)
	}
	switch d.OnFailure {
	case OnFailureStop, OnFailureContinue, OnFailureSkip:
	default:
		return fmt.Errorf("unknown on_failure policy %q", d.OnFailure)
	}

	for name, stage := range d.Stages {
		if stage.Name != "" && stage.Name != name {
			return fmt.Errorf("stage %q declares mismatched name %q", name, stage.Name)
		}
		if stage.AgentType == "" {
			return fmt.Errorf("stage %q has no agent_type", name)
		}
		if stage.TimeoutMS < 0 {
			return fmt.Errorf("stage %q has negative timeout_ms", name)
		}
		if stage.MaxRetries != nil && *stage.MaxRetries < 0 {
			return fmt.Errorf("stage %q has negative max_retries", name)
		}
		if stage.Weight < 0 {
			return fmt.Errorf("stage %q has negative weight", name)
		}
		for _, target := range []string{stage.OnSuccess, stage.OnFailure} {
			if target == "" {
				continue
			}
			if _, ok := d.Stages[target]; !ok {
				return fmt.Errorf("stage %q references missing stage %q", name, target)
			}
		}
	}
	return nil
}

// StageNames returns all stage names
func (d *Definition) StageNames() []string {
	names := make([]string, 0, len(d.Stages))
	for name := range d.Stages {
		names = append(names, name)
	}
	return names
}

// AgentTypes returns the distinct agent types referenced by stages
func (d *Definition) AgentTypes() []string {
	seen := make(map[string]bool)
	var types []string
	for _, stage := range d.Stages {
		if !seen[stage.AgentType] {
			seen[stage.AgentType] = true
			types = append(types, stage.AgentType)
		}
	}
	return types
}

// dependenciesOf returns the stages whose success transitions into name
func (d *Definition) dependenciesOf(name string) []string {
	var deps []string
	for other, stage := range d.Stages {
		if stage.OnSuccess == name {
			deps = append(deps, other)
		}
	}
	return deps
}

// StageResult is one stage's recorded completion
type StageResult struct {
	Outcome    string         `json:"outcome"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	Attempts   int            `json:"attempts"`
	DurationMS int64          `json:"duration_ms"`
	Timestamp  time.Time      `json:"timestamp"`
}

// ContextMetadata tracks execution timing
type ContextMetadata struct {
	StartedAt time.Time `json:"started_at"`
}

// Context is the mutable per-execution state; the workflow service is
// its exclusive owner.
type Context struct {
	WorkflowID   string                  `json:"workflow_id"`
	Definition   *Definition             `json:"definition"`
	CurrentStage string                  `json:"current_stage"`
	StageResults map[string]*StageResult `json:"stage_results"`
	InputData    map[string]any          `json:"input_data,omitempty"`
	Metadata     ContextMetadata         `json:"metadata"`
}

// CompletedStages lists stages with a recorded result
func (c *Context) CompletedStages() []string {
	stages := make([]string, 0, len(c.StageResults))
	for name := range c.StageResults {
		stages = append(stages, name)
	}
	return stages
}

// Result is the terminal outcome of one workflow execution
type Result struct {
	WorkflowID   string                  `json:"workflow_id"`
	Status       string                  `json:"status"`
	CurrentStage string                  `json:"current_stage"`
	Progress     int                     `json:"progress"`
	Output       map[string]any          `json:"output,omitempty"`
	StageResults map[string]*StageResult `json:"stage_results"`
	StartedAt    time.Time               `json:"started_at"`
	CompletedAt  time.Time               `json:"completed_at"`
	LastError    *ResultError            `json:"last_error,omitempty"`
}

// ResultError is the user-visible failure payload
type ResultError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}
