package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
)

// Evaluator defines the interface for evaluating transition conditions.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
}

// Script is a compiled expression.
type Script struct {
	Source  string
	program *vm.Program
}

// ScriptService compiles expressions once and runs them against a variable
// environment.
type ScriptService interface {
	Compile(source string) (*Script, error)
	Run(script *Script, env map[string]interface{}) (interface{}, error)
}

// ExprEvaluator implements Evaluator and ScriptService with expr-lang/expr.
type ExprEvaluator struct {
	cache     map[string]*vm.Program
	mu        sync.RWMutex
	functions map[string]interface{}
}

var (
	_ Evaluator     = (*ExprEvaluator)(nil)
	_ ScriptService = (*ExprEvaluator)(nil)
)

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:     make(map[string]*vm.Program),
		functions: make(map[string]interface{}),
	}
}

// AddFunction exposes fn to every expression under name. Variables with the
// same name shadow it.
func (e *ExprEvaluator) AddFunction(name string, fn interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.functions[name] = fn
}

// Compile parses and compiles source, reusing a cached program when the same
// source was compiled before.
func (e *ExprEvaluator) Compile(source string) (*Script, error) {
	e.mu.RLock()
	program, ok := e.cache[source]
	e.mu.RUnlock()
	if ok {
		return &Script{Source: source, program: program}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[source]; !ok {
		opts, err := compileOptions(source)
		if err == nil {
			program, err = expr.Compile(source, opts...)
		}
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", source, err)
		}
		e.cache[source] = program
	}
	return &Script{Source: source, program: program}, nil
}

// compileOptions disables the builtins named by bare identifiers in source, so
// variables such as count or max resolve from the environment. Builtins
// called as functions stay available.
func compileOptions(source string) ([]expr.Option, error) {
	tree, err := parser.Parse(source)
	if err != nil {
		return nil, err
	}
	v := &identifiers{seen: make(map[string]bool)}
	ast.Walk(&tree.Node, v)

	opts := []expr.Option{expr.AllowUndefinedVariables()}
	for _, name := range v.names {
		opts = append(opts, expr.DisableBuiltin(name))
	}
	return opts, nil
}

type identifiers struct {
	seen  map[string]bool
	names []string
}

func (v *identifiers) Visit(node *ast.Node) {
	id, ok := (*node).(*ast.IdentifierNode)
	if !ok || v.seen[id.Value] {
		return
	}
	v.seen[id.Value] = true
	v.names = append(v.names, id.Value)
}

// Run executes a compiled script. env is never modified.
func (e *ExprEvaluator) Run(script *Script, env map[string]interface{}) (interface{}, error) {
	if script == nil || script.program == nil {
		return nil, fmt.Errorf("script is not compiled")
	}
	return expr.Run(script.program, e.environment(env))
}

// Evaluate compiles expression (cached) and runs it against env.
// The expression must evaluate to a boolean; otherwise, an error is returned.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	script, err := e.Compile(expression)
	if err != nil {
		return false, err
	}

	result, err := e.Run(script, env)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

func (e *ExprEvaluator) environment(env map[string]interface{}) map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	merged := make(map[string]interface{}, len(env)+len(e.functions))
	for k, fn := range e.functions {
		merged[k] = fn
	}
	for k, v := range env {
		merged[k] = v
	}
	return merged
}
