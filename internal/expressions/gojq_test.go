package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/rendis/enact/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoJQEngine_Name(t *testing.T) {
	assert.Equal(t, "jq", NewGoJQEngine().Name())
}

func TestGoJQ_SelectField(t *testing.T) {
	e := NewGoJQEngine()
	props := map[string]any{"run_id": "run-7", "workflow": "blast"}

	out, err := e.Evaluate(context.Background(), ".run_id", props)
	require.NoError(t, err)
	assert.Equal(t, "run-7", out)
}

func TestGoJQ_NestedAndTypedValues(t *testing.T) {
	e := NewGoJQEngine()
	props := map[string]any{
		"run":   map[string]string{"id": "run-9"},
		"depth": int64(2),
		"tags":  []string{"a", "b"},
	}

	out, err := e.Evaluate(context.Background(), ".run.id", props)
	require.NoError(t, err)
	assert.Equal(t, "run-9", out)

	out, err = e.Evaluate(context.Background(), ".depth + 1", props)
	require.NoError(t, err)
	assert.Equal(t, 3, out)

	out, err = e.Evaluate(context.Background(), ".tags | length", props)
	require.NoError(t, err)
	assert.Equal(t, 2, out)
}

func TestGoJQ_NullAndMultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), ".missing", map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = e.Evaluate(context.Background(), ".[]", map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Len(t, out, 2)

	all, err := e.EvaluateAll(context.Background(), "empty", nil)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()

	err := e.Check("")
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	err = e.Check(".foo[")
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(context.Background(), `error("nope")`, map[string]any{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))
}

func TestGoJQ_NoEnvAccess(t *testing.T) {
	t.Setenv("ENACT_SECRET", "hunter2")
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), "$ENV.ENACT_SECRET", map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_Concurrent(t *testing.T) {
	e := NewGoJQEngine()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), ".n", map[string]any{"n": n})
			assert.NoError(t, err)
			assert.Equal(t, n, out)
		}(i)
	}
	wg.Wait()
}
