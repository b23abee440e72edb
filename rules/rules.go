// Package rules evaluates per-product purchase eligibility expressions using
// CEL. An expression sees the actor and the purchase being attempted and
// returns a boolean; a false result refuses the purchase before any lock is
// taken.
package rules

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"

	"github.com/sharedcode/flashsale"
)

// Evaluator struct contains the CEL expression & the cel program used to evaluate expression vs. input variables.
type Evaluator struct {
	Expression string
	program    cel.Program
}

// NewEvaluator compiles an eligibility expression. The expression can refer to:
//
//	actor    (string) - the buyer identity
//	quantity (int)    - requested units
//	price    (int)    - unit price
//	total    (int)    - quantity * price
//	stock    (int)    - the product's durable stock at evaluation time
//
// Example: "quantity <= 2 && total < 500000".
func NewEvaluator(name string, expression string) (*Evaluator, error) {
	if name == "" {
		return nil, fmt.Errorf("name can't be emptry string")
	}
	if expression == "" {
		return nil, fmt.Errorf("expression can't be emptry string")
	}

	env, err := cel.NewEnv(
		cel.Variable("actor", cel.StringType),
		cel.Variable("quantity", cel.IntType),
		cel.Variable("price", cel.IntType),
		cel.Variable("total", cel.IntType),
		cel.Variable("stock", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %v", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("error compiling CEL expression: %v", issues.Err())
	}
	p, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("error creating Program: %v", err)
	}
	return &Evaluator{
		Expression: expression,
		program:    p,
	}, nil
}

// Allow evaluates the expression against the attempted purchase. Implements
// inventory.RuleEvaluator.
func (e *Evaluator) Allow(ctx context.Context, actor string, p *flashsale.Product, quantity int64) (bool, error) {
	out, _, err := e.program.ContextEval(ctx, map[string]any{
		"actor":    actor,
		"quantity": quantity,
		"price":    p.Price,
		"total":    quantity * p.Price,
		"stock":    p.Stock,
	})
	if err != nil {
		return false, fmt.Errorf("error evaluating CEL expression: %v", err)
	}
	nv, err := out.ConvertToNative(reflect.TypeOf(true))
	if err != nil {
		return false, fmt.Errorf("error ConvertToNative, got err: %v", err)
	}
	v, ok := nv.(bool)
	if !ok {
		return false, fmt.Errorf("eligibility expression did not evaluate to bool, got: %v", nv)
	}
	return v, nil
}
