package rules

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestExprEvaluator tests the ExprEvaluator implementation.
func TestExprEvaluator(t *testing.T) {
	evaluator := NewExprEvaluator()

	tests := []struct {
		name       string
		expression string
		env        map[string]interface{}
		wantResult bool
		wantErr    bool
		errMsg     string
	}{
		{
			name:       "Valid true expression",
			expression: "age > 18",
			env:        map[string]interface{}{"age": 25},
			wantResult: true,
		},
		{
			name:       "Valid false expression",
			expression: "age < 18",
			env:        map[string]interface{}{"age": 25},
			wantResult: false,
		},
		{
			name:       "Non-boolean result",
			expression: "age + 5",
			env:        map[string]interface{}{"age": 25},
			wantErr:    true,
			errMsg:     "expression 'age + 5' did not evaluate to a boolean, got int",
		},
		{
			name:       "Invalid expression",
			expression: "age >>> 18",
			env:        map[string]interface{}{"age": 25},
			wantErr:    true,
			errMsg:     "unexpected token",
		},
		{
			name:       "Nested field access",
			expression: "order.total >= 100",
			env:        map[string]interface{}{"order": map[string]interface{}{"total": 150}},
			wantResult: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(tt.expression, tt.env)
			if tt.wantErr {
				assert.Error(t, err, "Evaluate() should return an error")
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg, "Error message should match")
				}
				assert.False(t, result)
			} else {
				assert.NoError(t, err, "Evaluate() should not return an error")
				assert.Equal(t, tt.wantResult, result, "Evaluate() result should match")
			}
		})
	}

	t.Run("Caching works", func(t *testing.T) {
		env := map[string]interface{}{"score": 15}

		result1, err1 := evaluator.Evaluate("score > 10", env)
		assert.NoError(t, err1)
		assert.True(t, result1)

		result2, err2 := evaluator.Evaluate("score > 10", map[string]interface{}{"score": 5})
		assert.NoError(t, err2)
		assert.False(t, result2)

		evaluator.mu.RLock()
		_, cached := evaluator.cache["score > 10"]
		evaluator.mu.RUnlock()
		assert.True(t, cached)
	})

	t.Run("Concurrent evaluation", func(t *testing.T) {
		var wg sync.WaitGroup
		numGoroutines := 100
		env := map[string]interface{}{"value": 42}

		wg.Add(numGoroutines)
		for i := 0; i < numGoroutines; i++ {
			go func() {
				defer wg.Done()
				result, err := evaluator.Evaluate("value > 0", env)
				assert.NoError(t, err)
				assert.True(t, result)
			}()
		}
		wg.Wait()
	})

	t.Run("Env is not modified", func(t *testing.T) {
		e := NewExprEvaluator()
		e.AddFunction("upper", strings.ToUpper)
		env := map[string]interface{}{"x": 1}

		_, err := e.Evaluate("x == 1", env)
		require.NoError(t, err)
		assert.Len(t, env, 1)
	})
}

func TestExprEvaluatorRun(t *testing.T) {
	e := NewExprEvaluator()

	script, err := e.Compile("price * quantity")
	require.NoError(t, err)
	assert.Equal(t, "price * quantity", script.Source)

	result, err := e.Run(script, map[string]interface{}{"price": 3, "quantity": 4})
	require.NoError(t, err)
	assert.Equal(t, 12, result)

	t.Run("Undefined variables are nil", func(t *testing.T) {
		script, err := e.Compile("missing == nil")
		require.NoError(t, err)
		result, err := e.Run(script, map[string]interface{}{})
		require.NoError(t, err)
		assert.Equal(t, true, result)
	})

	t.Run("Uncompiled script", func(t *testing.T) {
		_, err := e.Run(&Script{Source: "1"}, nil)
		assert.Error(t, err)
	})
}

// BenchmarkEvaluate benchmarks the performance of Evaluate with caching.
func BenchmarkEvaluate(b *testing.B) {
	evaluator := NewExprEvaluator()
	env := map[string]interface{}{"x": 10}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, _ = evaluator.Evaluate("x > 5", env)
	}
}

func TestExprEvaluatorBuiltinNames(t *testing.T) {
	evaluator := NewExprEvaluator()

	t.Run("Variable shadows builtin in condition", func(t *testing.T) {
		ok, err := evaluator.Evaluate("count > 2", map[string]interface{}{"count": 3})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Variable shadows builtin in expression", func(t *testing.T) {
		script, err := evaluator.Compile("count * 2")
		require.NoError(t, err)
		result, err := evaluator.Run(script, map[string]interface{}{"count": 3})
		require.NoError(t, err)
		assert.Equal(t, 6, result)
	})

	t.Run("Builtin calls still work", func(t *testing.T) {
		ok, err := evaluator.Evaluate("len(items) == 2 && max(1, 3) == 3", map[string]interface{}{"items": []interface{}{"a", "b"}})
		require.NoError(t, err)
		assert.True(t, ok)
	})
}
