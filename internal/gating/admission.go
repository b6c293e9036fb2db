// ABOUTME: Runtime tool exclusion evaluated with an OPA rego policy
// ABOUTME: The policy's data.tool_admission.excluded set is removed from the computed bundle

package gating

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// AdmissionQuery is the rule every admission policy must define.
const AdmissionQuery = "data.tool_admission.excluded"

// DefaultAdmissionPolicy excludes timeline edit tools that have nothing to act on.
const DefaultAdmissionPolicy = `
package tool_admission

import future.keywords.contains
import future.keywords.if
import future.keywords.in

timeline_cards := object.get(input.artifacts, "timeline_card", 0)

excluded contains "reorder_timeline_cards" if {
	timeline_cards < 2
}

excluded contains tool if {
	some tool in ["update_timeline_card", "delete_timeline_card"]
	timeline_cards == 0
}
`

// AdmissionInput is the state visible to the policy.
type AdmissionInput struct {
	Phase      string
	Subphase   string
	Waiting    string
	Objectives map[string]string
	Artifacts  map[string]int
}

func (in AdmissionInput) value() map[string]any {
	objectives := make(map[string]any, len(in.Objectives))
	for k, v := range in.Objectives {
		objectives[k] = v
	}
	artifacts := make(map[string]any, len(in.Artifacts))
	for k, v := range in.Artifacts {
		artifacts[k] = v
	}
	return map[string]any{
		"phase":      in.Phase,
		"subphase":   in.Subphase,
		"waiting":    in.Waiting,
		"objectives": objectives,
		"artifacts":  artifacts,
	}
}

// AdmissionPolicy is a prepared rego query.
type AdmissionPolicy struct {
	query rego.PreparedEvalQuery
}

// NewAdmissionPolicy compiles the policy module.
func NewAdmissionPolicy(ctx context.Context, module string) (*AdmissionPolicy, error) {
	r := rego.New(
		rego.Query(AdmissionQuery),
		rego.Module("tool_admission.rego", module),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &AdmissionPolicy{query: query}, nil
}

// LoadAdmissionPolicy compiles the policy stored at path.
func LoadAdmissionPolicy(ctx context.Context, path string) (*AdmissionPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading admission policy: %w", err)
	}
	return NewAdmissionPolicy(ctx, string(data))
}

// Excluded evaluates the policy. An undefined result excludes nothing.
func (p *AdmissionPolicy) Excluded(ctx context.Context, in AdmissionInput) (map[string]bool, error) {
	results, err := p.query.Eval(ctx, rego.EvalInput(in.value()))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	out := make(map[string]bool)
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return out, nil
	}

	items, ok := results[0].Expressions[0].Value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("policy returned %T, want a set of tool names", results[0].Expressions[0].Value)
	}
	for _, item := range items {
		name, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("policy returned non-string tool %v", item)
		}
		out[name] = true
	}
	return out, nil
}
