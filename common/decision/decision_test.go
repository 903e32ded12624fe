package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateTechnicalRefactorBoundaries(t *testing.T) {
	svc := NewService("")

	// At the threshold: approved, inclusive boundary
	out := svc.Evaluate(TechnicalRefactor, 0.85)
	assert.True(t, out.Approved)
	assert.False(t, out.RequiresHumanApproval)
	assert.False(t, out.ShouldEscalate)

	// Just below: human approval, no escalation yet
	out = svc.Evaluate(TechnicalRefactor, 0.84)
	assert.False(t, out.Approved)
	assert.True(t, out.RequiresHumanApproval)
	assert.False(t, out.ShouldEscalate)

	// Exactly at the escalation floor: still no escalation
	out = svc.Evaluate(TechnicalRefactor, 0.80)
	assert.False(t, out.ShouldEscalate)

	// Below the floor: escalates with the configured route
	out = svc.Evaluate(TechnicalRefactor, 0.79)
	assert.True(t, out.ShouldEscalate)
	assert.Equal(t, "human_review", out.EscalationRoute)
}

func TestEvaluateOtherCategoriesNeverAutoApprove(t *testing.T) {
	svc := NewService("")

	for _, cat := range []Category{CostImpacting, SecurityAffecting, ArchitecturalChange, DataMigration} {
		out := svc.Evaluate(cat, 1.0)
		assert.False(t, out.Approved, "category %s", cat)
		assert.True(t, out.RequiresHumanApproval, "category %s", cat)
	}
}

func TestThresholds(t *testing.T) {
	assert.Equal(t, 0.85, Threshold(TechnicalRefactor))
	assert.Equal(t, 0.92, Threshold(CostImpacting))
	assert.Equal(t, 1.00, Threshold(SecurityAffecting))
	assert.Equal(t, 0.90, Threshold(ArchitecturalChange))
	assert.Equal(t, 0.95, Threshold(DataMigration))
	// Unknown categories inherit the refactor threshold
	assert.Equal(t, 0.85, Threshold(Category("mystery")))
}

func TestCustomEscalationRoute(t *testing.T) {
	svc := NewService("oncall_review")
	out := svc.Evaluate(TechnicalRefactor, 0.5)
	assert.Equal(t, "oncall_review", out.EscalationRoute)
}

func TestCategoryFor(t *testing.T) {
	assert.Equal(t, ArchitecturalChange, CategoryFor("scaffolding", ""))
	assert.Equal(t, ArchitecturalChange, CategoryFor("integration", "app"))
	assert.Equal(t, CostImpacting, CategoryFor("deployment", "app"))
	assert.Equal(t, TechnicalRefactor, CategoryFor("deployment", "library"))
	assert.Equal(t, DataMigration, CategoryFor("migration", ""))
	assert.Equal(t, TechnicalRefactor, CategoryFor("coding", ""))
}

func TestShouldEvaluateDecision(t *testing.T) {
	svc := NewService("")

	assert.True(t, svc.ShouldEvaluateDecision("scaffolding", ""))
	assert.True(t, svc.ShouldEvaluateDecision("deployment", "app"))
	assert.True(t, svc.ShouldEvaluateDecision("integration", ""))
	assert.True(t, svc.ShouldEvaluateDecision("migration", ""))
	assert.False(t, svc.ShouldEvaluateDecision("planning", ""))
}

func TestShouldEvaluateClarification(t *testing.T) {
	svc := NewService("")

	assert.True(t, svc.ShouldEvaluateClarification("initialization"))
	assert.True(t, svc.ShouldEvaluateClarification("requirements_analysis"))
	assert.False(t, svc.ShouldEvaluateClarification("coding"))
}

func TestEvaluateClarificationAmbiguity(t *testing.T) {
	svc := NewService("")
	criteria := []string{"all endpoints return JSON"}

	res := svc.EvaluateClarification("The service should maybe support batch uploads", criteria, 0.9)
	assert.True(t, res.NeedsClarification)
	require.Len(t, res.Triggers, 1)
	assert.Equal(t, "ambiguous term: maybe", res.Triggers[0])
}

func TestEvaluateClarificationWholeWordMatching(t *testing.T) {
	svc := NewService("")
	criteria := []string{"criterion"}

	// "awesome" contains "some" but is not a whole-word match
	res := svc.EvaluateClarification("Build an awesome mighty dashboard with clear goals", criteria, 0.9)
	assert.False(t, res.NeedsClarification)
}

func TestEvaluateClarificationTriggers(t *testing.T) {
	svc := NewService("")

	res := svc.EvaluateClarification("too short", nil, 0.5)
	assert.True(t, res.NeedsClarification)
	assert.Contains(t, res.Triggers, "no acceptance criteria")
	assert.Contains(t, res.Triggers, "requirements too short")
	assert.Contains(t, res.Triggers, "low confidence")

	// Confidence exactly at the floor passes
	res = svc.EvaluateClarification("Implement the documented retry semantics in full", []string{"c"}, 0.70)
	assert.False(t, res.NeedsClarification)
}

func TestEvaluateStage(t *testing.T) {
	svc := NewService("")

	out := svc.EvaluateStage("deployment", "app", 0.95)
	assert.Equal(t, CostImpacting, out.Category)
	assert.True(t, out.RequiresHumanApproval)

	out = svc.EvaluateStage("deployment", "library", 0.95)
	assert.Equal(t, TechnicalRefactor, out.Category)
	assert.True(t, out.Approved)
}
