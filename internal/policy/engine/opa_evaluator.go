package engine

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const acceptanceQuery = "data.credportal.acceptance.accepted"

// Default Rego policy. proof-of-fitness requires a numeric age of at least 18;
// any other flow is accepted as soon as a non-empty presentation verified.
const defaultRegoPolicy = `package credportal.acceptance

default accepted = false

accepted if {
	input.request_type == "proof-of-fitness"
	to_number(input.attributes.age) >= 18
}

accepted if {
	input.request_type != "proof-of-fitness"
	count(input.attributes) > 0
}
`

// OPAEvaluator evaluates acceptance policies using OPA Rego.
type OPAEvaluator struct {
	policies []string
}

// NewOPAEvaluator returns an OPA-based acceptance evaluator over the given
// Rego modules. With no modules the built-in default policy applies.
func NewOPAEvaluator(policies ...string) *OPAEvaluator {
	if len(policies) == 0 {
		policies = []string{defaultRegoPolicy}
	}
	return &OPAEvaluator{policies: policies}
}

// HealthCheck verifies that the in-process OPA Rego engine can compile and
// evaluate the configured policies. Returns nil on success.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	compiler, err := e.compile()
	if err != nil {
		return fmt.Errorf("compile acceptance policy: %w", err)
	}
	minimalInput := map[string]interface{}{
		"request_type": "",
		"attributes":   map[string]interface{}{},
	}
	q := rego.New(
		rego.Query(acceptanceQuery),
		rego.Compiler(compiler),
		rego.Input(minimalInput),
	)
	rs, err := q.Eval(ctx)
	if err != nil {
		return fmt.Errorf("eval acceptance policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return fmt.Errorf("policy query returned no result")
	}
	return nil
}

// Accepted evaluates the acceptance policy. An undefined result counts as not
// accepted; evaluation errors surface so the caller can decide.
func (e *OPAEvaluator) Accepted(ctx context.Context, requestType string, attrs map[string]string) (bool, error) {
	compiler, err := e.compile()
	if err != nil {
		return false, fmt.Errorf("compile acceptance policy: %w", err)
	}

	attributes := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		attributes[k] = v
	}
	input := map[string]interface{}{
		"request_type": requestType,
		"attributes":   attributes,
	}

	q := rego.New(
		rego.Query(acceptanceQuery),
		rego.Compiler(compiler),
		rego.Input(input),
	)
	rs, err := q.Eval(ctx)
	if err != nil {
		return false, fmt.Errorf("eval acceptance policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	accepted, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, nil
	}
	return accepted, nil
}

func (e *OPAEvaluator) compile() (*ast.Compiler, error) {
	modules := make(map[string]string, len(e.policies))
	for i, policy := range e.policies {
		modules[fmt.Sprintf("policy_%d.rego", i)] = policy
	}
	return ast.CompileModules(modules)
}
