package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/seqflow/pkg/schema"
)

// ExprEngine evaluates expr-lang conditions such as
// `detail.status == "QC_COMPLETE"`. Compiled programs are cached per
// expression string; undefined variables resolve to nil rather than
// failing compilation, so conditions can reference optional detail
// fields safely.
type ExprEngine struct {
	programs sync.Map // expression string -> *vm.Program
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{}
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs the expression with the data map as its environment.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}
	if data == nil {
		data = map[string]any{}
	}

	prg, err := e.compile(expression, data)
	if err != nil {
		return nil, err
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

func (e *ExprEngine) compile(expression string, env map[string]any) (*vm.Program, error) {
	if cached, ok := e.programs.Load(expression); ok {
		return cached.(*vm.Program), nil
	}
	prg, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	// Concurrent compiles of the same expression race benignly; the
	// losing program is equivalent and gets dropped.
	actual, _ := e.programs.LoadOrStore(expression, prg)
	return actual.(*vm.Program), nil
}

var _ Engine = (*ExprEngine)(nil)
