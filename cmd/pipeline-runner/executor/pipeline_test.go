package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPipeline() *Pipeline {
	return &Pipeline{
		ID:            "pipe-1",
		Name:          "release",
		WorkflowID:    "7c2e4f6a-8b1d-4c3e-9f5a-2b4d6e8f0a1c",
		ExecutionMode: ModeSequential,
		Stages: []Stage{
			{ID: "build", AgentType: "builder"},
			{ID: "test", AgentType: "tester", Dependencies: []Dependency{
				{StageID: "build", Required: true, Condition: CondSuccess},
			}},
			{ID: "deploy", AgentType: "deployer", Dependencies: []Dependency{
				{StageID: "test", Required: true, Condition: CondSuccess},
			}},
		},
	}
}

func TestPipelineValidateAcceptsWellFormed(t *testing.T) {
	assert.NoError(t, validPipeline().Validate())
}

func TestPipelineValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Pipeline)
		wantErr string
	}{
		{"missing id", func(p *Pipeline) { p.ID = "" }, "no id"},
		{"missing workflow id", func(p *Pipeline) { p.WorkflowID = "" }, "no workflow_id"},
		{"unknown mode", func(p *Pipeline) { p.ExecutionMode = "turbo" }, "execution_mode"},
		{"no stages", func(p *Pipeline) { p.Stages = nil }, "no stages"},
		{"stage without id", func(p *Pipeline) { p.Stages[0].ID = "" }, "has no id"},
		{"duplicate stage id", func(p *Pipeline) { p.Stages[1].ID = "build" }, "duplicate stage id"},
		{"stage without agent type", func(p *Pipeline) { p.Stages[2].AgentType = "" }, "agent_type"},
		{"unknown dependency", func(p *Pipeline) { p.Stages[1].Dependencies[0].StageID = "ghost" }, "unknown stage"},
		{"self dependency", func(p *Pipeline) { p.Stages[1].Dependencies[0].StageID = "test" }, "depends on itself"},
		{"bad condition", func(p *Pipeline) { p.Stages[1].Dependencies[0].Condition = "sometimes" }, "dependency condition"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validPipeline()
			tc.mutate(p)
			err := p.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestPipelineValidateRejectsCycle(t *testing.T) {
	p := validPipeline()
	p.Stages[0].Dependencies = []Dependency{{StageID: "deploy", Required: true}}

	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestTopologicalOrderDependenciesFirst(t *testing.T) {
	p := validPipeline()

	order, err := p.topologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"build", "test", "deploy"}, order)
}

func TestTopologicalOrderDeclarationOrderForTies(t *testing.T) {
	p := &Pipeline{
		ID:            "pipe-1",
		WorkflowID:    "7c2e4f6a-8b1d-4c3e-9f5a-2b4d6e8f0a1c",
		ExecutionMode: ModeParallel,
		Stages: []Stage{
			{ID: "lint", AgentType: "linter"},
			{ID: "build", AgentType: "builder"},
			{ID: "docs", AgentType: "writer"},
			{ID: "publish", AgentType: "publisher", Dependencies: []Dependency{
				{StageID: "build", Required: true},
				{StageID: "lint", Required: true},
			}},
		},
	}

	order, err := p.topologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"lint", "build", "docs", "publish"}, order)
}

func TestStageLookup(t *testing.T) {
	p := validPipeline()

	st := p.stage("test")
	require.NotNil(t, st)
	assert.Equal(t, "tester", st.AgentType)

	assert.Nil(t, p.stage("nope"))
}
