package gates

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
)

// Gate is a typed predicate over a result document
type Gate struct {
	Name      string  `yaml:"name" json:"name"`
	Metric    string  `yaml:"metric" json:"metric"`
	Operator  string  `yaml:"operator" json:"operator"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
	Blocking  bool    `yaml:"blocking" json:"blocking"`
}

// GateResult is one gate's evaluation outcome
type GateResult struct {
	GateName    string  `json:"gate_name"`
	Passed      bool    `json:"passed"`
	ActualValue any     `json:"actual_value"`
	Threshold   float64 `json:"threshold"`
	Blocking    bool    `json:"blocking"`
}

// Evaluation aggregates gate results. Passed is true iff every blocking
// gate passed; non-blocking failures are recorded but do not fail it.
type Evaluation struct {
	Passed  bool         `json:"passed"`
	Results []GateResult `json:"results"`
}

// Evaluate resolves the gate's metric by dot-path in data and applies
// the operator. Missing or non-numeric values fail the gate.
func Evaluate(gate Gate, data map[string]any) GateResult {
	result := GateResult{
		GateName:  gate.Name,
		Threshold: gate.Threshold,
		Blocking:  gate.Blocking,
	}

	value, ok := resolveMetric(data, gate.Metric)
	result.ActualValue = value
	if !ok {
		return result
	}

	actual, ok := coerceNumber(value)
	if !ok {
		return result
	}
	result.ActualValue = actual

	switch gate.Operator {
	case "==":
		result.Passed = actual == gate.Threshold
	case "!=":
		result.Passed = actual != gate.Threshold
	case "<":
		result.Passed = actual < gate.Threshold
	case "<=":
		result.Passed = actual <= gate.Threshold
	case ">":
		result.Passed = actual > gate.Threshold
	case ">=":
		result.Passed = actual >= gate.Threshold
	}
	return result
}

// EvaluateAll runs every gate and aggregates blocking outcomes
func EvaluateAll(gateList []Gate, data map[string]any) Evaluation {
	eval := Evaluation{Passed: true}
	for _, gate := range gateList {
		r := Evaluate(gate, data)
		eval.Results = append(eval.Results, r)
		if gate.Blocking && !r.Passed {
			eval.Passed = false
		}
	}
	return eval
}

// resolveMetric looks the dot-path up in the result document
func resolveMetric(data map[string]any, path string) (any, bool) {
	doc, err := json.Marshal(data)
	if err != nil {
		return nil, false
	}
	v := gjson.GetBytes(doc, path)
	if !v.Exists() || v.Type == gjson.Null {
		return nil, false
	}
	return v.Value(), true
}

// coerceNumber accepts numbers, numeric strings and booleans
func coerceNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// DefaultPolicy is the gate table used when no policy file is configured
func DefaultPolicy() map[string][]Gate {
	return map[string][]Gate{
		"coverage": {
			{Name: "coverage", Metric: "line_coverage", Operator: ">=", Threshold: 80, Blocking: true},
		},
		"security": {
			{Name: "security", Metric: "critical_vulns", Operator: "==", Threshold: 0, Blocking: true},
		},
		"contracts": {
			{Name: "contracts", Metric: "api_breaking_changes", Operator: "==", Threshold: 0, Blocking: true},
		},
		"performance": {
			{Name: "performance", Metric: "p95_latency_ms", Operator: "<", Threshold: 500, Blocking: false},
		},
	}
}

// validateGate rejects malformed gates at policy load time
func validateGate(g Gate) error {
	if g.Name == "" {
		return fmt.Errorf("gate has no name")
	}
	if g.Metric == "" {
		return fmt.Errorf("gate %q has no metric", g.Name)
	}
	switch g.Operator {
	case "==", "!=", "<", "<=", ">", ">=":
	default:
		return fmt.Errorf("gate %q has unknown operator %q", g.Name, g.Operator)
	}
	return nil
}
