package decision

import (
	"strings"
)

// Category classifies a proposed action by its blast radius
type Category string

const (
	TechnicalRefactor   Category = "technical_refactor"
	CostImpacting       Category = "cost_impacting"
	SecurityAffecting   Category = "security_affecting"
	ArchitecturalChange Category = "architectural_change"
	DataMigration       Category = "data_migration"
)

// escalation is triggered below this confidence, inclusive boundary:
// exactly 0.80 does not escalate
const escalationFloor = 0.80

// clarificationConfidenceFloor triggers a clarification round
const clarificationConfidenceFloor = 0.70

// minRequirementsLength is the shortest requirements text accepted
// without asking for clarification
const minRequirementsLength = 20

// thresholds maps each category to its required confidence
var thresholds = map[Category]float64{
	TechnicalRefactor:   0.85,
	CostImpacting:       0.92,
	SecurityAffecting:   1.00,
	ArchitecturalChange: 0.90,
	DataMigration:       0.95,
}

// ambiguityLexicon holds tokens that mark requirements as vague
var ambiguityLexicon = []string{
	"maybe", "might", "could", "probably", "possibly",
	"several", "few", "some", "various", "etc",
	"somehow", "roughly", "approximately",
}

// Outcome is the decision for one proposed action
type Outcome struct {
	Category              Category `json:"category"`
	Confidence            float64  `json:"confidence"`
	Threshold             float64  `json:"threshold"`
	Approved              bool     `json:"approved"`
	RequiresHumanApproval bool     `json:"requires_human_approval"`
	ShouldEscalate        bool     `json:"should_escalate"`
	EscalationRoute       string   `json:"escalation_route,omitempty"`
	Reason                string   `json:"reason"`
}

// ClarificationResult reports whether a requirements text needs a
// clarification round before work starts, and why.
type ClarificationResult struct {
	NeedsClarification bool     `json:"needs_clarification"`
	Triggers           []string `json:"triggers,omitempty"`
}

// Service applies decision-gate policy to proposed actions
type Service struct {
	escalationRoute string
}

// NewService creates a decision service. The escalation route is where
// low-confidence actions are sent for review.
func NewService(escalationRoute string) *Service {
	if escalationRoute == "" {
		escalationRoute = "human_review"
	}
	return &Service{escalationRoute: escalationRoute}
}

// Threshold returns the required confidence for a category. Unknown
// categories get the technical_refactor threshold.
func Threshold(category Category) float64 {
	if t, ok := thresholds[category]; ok {
		return t
	}
	return thresholds[TechnicalRefactor]
}

// Evaluate classifies the action and decides approval. Only
// technical_refactor can auto-approve; every other category requires a
// human regardless of confidence. Thresholds are inclusive.
func (s *Service) Evaluate(category Category, confidence float64) Outcome {
	threshold := Threshold(category)

	out := Outcome{
		Category:   category,
		Confidence: confidence,
		Threshold:  threshold,
	}

	if confidence < escalationFloor {
		out.ShouldEscalate = true
		out.EscalationRoute = s.escalationRoute
	}

	switch category {
	case CostImpacting, SecurityAffecting, ArchitecturalChange, DataMigration:
		out.RequiresHumanApproval = true
		out.Reason = "category requires human approval"
	default:
		if confidence >= threshold {
			out.Approved = true
			out.Reason = "confidence meets threshold"
		} else {
			out.RequiresHumanApproval = true
			out.Reason = "confidence below threshold"
		}
	}
	return out
}

// EvaluateStage classifies by stage and workflow type, then decides
func (s *Service) EvaluateStage(stage, workflowType string, confidence float64) Outcome {
	return s.Evaluate(CategoryFor(stage, workflowType), confidence)
}

// ShouldEvaluateDecision reports whether the stage passes through the
// decision gate at all.
func (s *Service) ShouldEvaluateDecision(stage, workflowType string) bool {
	switch stage {
	case "scaffolding", "deployment", "integration", "migration":
		return true
	}
	return false
}

// ShouldEvaluateClarification reports whether the stage's requirements
// go through clarification checks.
func (s *Service) ShouldEvaluateClarification(stage string) bool {
	switch stage {
	case "initialization", "requirements_analysis":
		return true
	}
	return false
}

// CategoryFor assigns a decision category by stage and workflow type
func CategoryFor(stage, workflowType string) Category {
	switch stage {
	case "scaffolding", "integration":
		return ArchitecturalChange
	case "deployment":
		if workflowType == "app" {
			return CostImpacting
		}
		return TechnicalRefactor
	case "migration":
		return DataMigration
	default:
		return TechnicalRefactor
	}
}

// EvaluateClarification checks a requirements text for ambiguity.
// Any single trigger is enough.
func (s *Service) EvaluateClarification(requirements string, acceptanceCriteria []string, confidence float64) ClarificationResult {
	var triggers []string

	lower := strings.ToLower(requirements)
	for _, token := range ambiguityLexicon {
		if containsToken(lower, token) {
			triggers = append(triggers, "ambiguous term: "+token)
		}
	}

	if len(acceptanceCriteria) == 0 {
		triggers = append(triggers, "no acceptance criteria")
	}
	if len(strings.TrimSpace(requirements)) < minRequirementsLength {
		triggers = append(triggers, "requirements too short")
	}
	if confidence < clarificationConfidenceFloor {
		triggers = append(triggers, "low confidence")
	}

	return ClarificationResult{
		NeedsClarification: len(triggers) > 0,
		Triggers:           triggers,
	}
}

// containsToken matches a whole word, so "might" does not fire on
// "mighty" or "some" on "awesome".
func containsToken(text, token string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], token)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(token)
		beforeOK := start == 0 || !isWordChar(text[start-1])
		afterOK := end == len(text) || !isWordChar(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}
