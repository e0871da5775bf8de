package witness

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/carapace-labs/carapace/pkg/canonicalize"
	"github.com/carapace-labs/carapace/pkg/contracts"
)

// CELApprover is a policy-service approver: it evaluates a CEL expression
// over the witnessed action and returns the boolean verdict. Evaluation
// errors deny (fail closed).
//
// The expression sees three variables:
//
//	action    — the action as a map (type, payload, risk, ...)
//	risk      — the declared risk as a double (0 when absent)
//	timestamp — evaluation time, unix seconds
type CELApprover struct {
	program cel.Program
	source  string
}

// NewCELApprover compiles the expression once; the compiled program is
// reused for every evaluation.
func NewCELApprover(expr string) (*CELApprover, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.DynType),
		cel.Variable("risk", cel.DoubleType),
		cel.Variable("timestamp", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("witness: cel environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("witness: cel compile: %w", issues.Err())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("witness: cel program: %w", err)
	}

	return &CELApprover{program: program, source: expr}, nil
}

// Approve implements Approver.
func (a *CELApprover) Approve(ctx context.Context, action contracts.Action) (bool, error) {
	actionMap, err := toMap(action)
	if err != nil {
		return false, fmt.Errorf("witness: cel input: %w", err)
	}

	input := map[string]any{
		"action":    actionMap,
		"risk":      action.RiskValue(),
		"timestamp": action.Timestamp.Unix(),
	}

	out, _, err := a.program.ContextEval(ctx, input)
	if err != nil {
		return false, fmt.Errorf("witness: cel eval: %w", err)
	}

	verdict, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("witness: policy %q returned %T, want bool", a.source, out.Value())
	}
	return verdict, nil
}

func toMap(action contracts.Action) (map[string]any, error) {
	raw, err := canonicalize.JCS(action)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
