package executor

import (
	"fmt"
	"time"

	"github.com/lyzr/conductor/common/envelope"
	"github.com/lyzr/conductor/common/gates"
)

// Execution modes
const (
	ModeSequential = "sequential"
	ModeParallel   = "parallel"
)

// Dependency conditions
const (
	CondSuccess = "success"
	CondFailure = "failure"
	CondAny     = "any"
)

// Execution statuses
const (
	ExecQueued    = "queued"
	ExecRunning   = "running"
	ExecPaused    = "paused"
	ExecSuccess   = "success"
	ExecFailed    = "failed"
	ExecCancelled = "cancelled"
)

// Stage statuses
const (
	StagePending = "pending"
	StageRunning = "running"
	StageSuccess = "success"
	StageFailed  = "failed"
	StageSkipped = "skipped"
)

// Dependency links a stage to a prerequisite stage
type Dependency struct {
	StageID   string `yaml:"stage_id" json:"stage_id"`
	Required  bool   `yaml:"required" json:"required"`
	Condition string `yaml:"condition" json:"condition"`
}

// Stage is one node of the pipeline DAG
type Stage struct {
	ID                string         `yaml:"id" json:"id"`
	Name              string         `yaml:"name" json:"name"`
	AgentType         string         `yaml:"agent_type" json:"agent_type"`
	Action            string         `yaml:"action" json:"action"`
	Parameters        map[string]any `yaml:"parameters" json:"parameters,omitempty"`
	Dependencies      []Dependency   `yaml:"dependencies" json:"dependencies,omitempty"`
	QualityGates      []gates.Gate   `yaml:"quality_gates" json:"quality_gates,omitempty"`
	TimeoutMS         int64          `yaml:"timeout_ms" json:"timeout_ms"`
	ContinueOnFailure bool           `yaml:"continue_on_failure" json:"continue_on_failure"`
	Artifacts         []string       `yaml:"artifacts" json:"artifacts,omitempty"`
}

// Pipeline is a deployment-style DAG overlaid on a workflow
type Pipeline struct {
	ID            string  `yaml:"id" json:"id"`
	Name          string  `yaml:"name" json:"name"`
	Version       string  `yaml:"version" json:"version"`
	WorkflowID    string  `yaml:"workflow_id" json:"workflow_id"`
	ExecutionMode string  `yaml:"execution_mode" json:"execution_mode"`
	Stages        []Stage `yaml:"stages" json:"stages"`
}

// StageResult records one stage's outcome on the execution
type StageResult struct {
	StageID     string                 `json:"stage_id"`
	Status      string                 `json:"status"`
	Output      map[string]any         `json:"output,omitempty"`
	Artifacts   []string               `json:"artifacts,omitempty"`
	Metrics     envelope.ResultMetrics `json:"metrics"`
	Error       string                 `json:"error,omitempty"`
	ErrorCode   string                 `json:"error_code,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
}

// Trigger describes what started an execution
type Trigger struct {
	TriggeredBy string `json:"triggered_by"`
	Trigger     string `json:"trigger"`
	Branch      string `json:"branch,omitempty"`
	CommitSHA   string `json:"commit_sha,omitempty"`
}

// Execution is the runtime record of one pipeline run
type Execution struct {
	ID           string                  `json:"id"`
	PipelineID   string                  `json:"pipeline_id"`
	WorkflowID   string                  `json:"workflow_id"`
	Status       string                  `json:"status"`
	StageResults map[string]*StageResult `json:"stage_results"`
	TriggeredBy  string                  `json:"triggered_by"`
	Trigger      string                  `json:"trigger"`
	Branch       string                  `json:"branch,omitempty"`
	CommitSHA    string                  `json:"commit_sha,omitempty"`
	StartedAt    time.Time               `json:"started_at"`
	CompletedAt  *time.Time              `json:"completed_at,omitempty"`
}

// Validate checks the pipeline shape: ids, modes, dependency references
// and acyclicity.
func (p *Pipeline) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("pipeline has no id")
	}
	if p.WorkflowID == "" {
		return fmt.Errorf("pipeline %s has no workflow_id", p.ID)
	}
	if p.ExecutionMode != ModeSequential && p.ExecutionMode != ModeParallel {
		return fmt.Errorf("pipeline %s has unknown execution_mode %q", p.ID, p.ExecutionMode)
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipeline %s has no stages", p.ID)
	}

	byID := make(map[string]*Stage, len(p.Stages))
	for i := range p.Stages {
		st := &p.Stages[i]
		if st.ID == "" {
			return fmt.Errorf("pipeline %s: stage %d has no id", p.ID, i)
		}
		if _, dup := byID[st.ID]; dup {
			return fmt.Errorf("pipeline %s: duplicate stage id %q", p.ID, st.ID)
		}
		if st.AgentType == "" {
			return fmt.Errorf("pipeline %s: stage %q has no agent_type", p.ID, st.ID)
		}
		byID[st.ID] = st
	}

	for _, st := range p.Stages {
		for _, dep := range st.Dependencies {
			if _, ok := byID[dep.StageID]; !ok {
				return fmt.Errorf("pipeline %s: stage %q depends on unknown stage %q", p.ID, st.ID, dep.StageID)
			}
			if dep.StageID == st.ID {
				return fmt.Errorf("pipeline %s: stage %q depends on itself", p.ID, st.ID)
			}
			switch dep.Condition {
			case CondSuccess, CondFailure, CondAny, "":
			default:
				return fmt.Errorf("pipeline %s: stage %q has unknown dependency condition %q", p.ID, st.ID, dep.Condition)
			}
		}
	}

	if _, err := p.topologicalOrder(); err != nil {
		return err
	}
	return nil
}

// topologicalOrder returns stage ids with dependencies first, or an
// error on a cycle.
func (p *Pipeline) topologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(p.Stages))
	dependents := make(map[string][]string)
	order := make([]string, 0, len(p.Stages))

	// Stable seed order: declaration order for ties.
	var queue []string
	for _, st := range p.Stages {
		indegree[st.ID] = len(st.Dependencies)
		for _, dep := range st.Dependencies {
			dependents[dep.StageID] = append(dependents[dep.StageID], st.ID)
		}
	}
	for _, st := range p.Stages {
		if indegree[st.ID] == 0 {
			queue = append(queue, st.ID)
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(p.Stages) {
		return nil, fmt.Errorf("pipeline %s has a dependency cycle", p.ID)
	}
	return order, nil
}

// stage returns the stage with the given id
func (p *Pipeline) stage(id string) *Stage {
	for i := range p.Stages {
		if p.Stages[i].ID == id {
			return &p.Stages[i]
		}
	}
	return nil
}
