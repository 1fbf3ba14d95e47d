package reference

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/enact/pkg/schema"
)

func TestMemoryService_RegisterResolve(t *testing.T) {
	s := NewMemoryService()
	ctx := context.Background()

	h, err := s.Register(ctx, "ACGT", 0, nil)
	require.NoError(t, err)

	v, err := s.Resolve(ctx, h, nil)
	require.NoError(t, err)
	assert.Equal(t, "ACGT", v)

	depth, ok := s.Depth(h)
	require.True(t, ok)
	assert.Equal(t, 0, depth)
}

func TestMemoryService_EmptyList(t *testing.T) {
	s := NewMemoryService()
	ctx := context.Background()

	h1, err := s.RegisterEmptyList(ctx, 2, nil)
	require.NoError(t, err)
	h2, err := s.RegisterEmptyList(ctx, 2, nil)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	v, err := s.Resolve(ctx, h1, nil)
	require.NoError(t, err)
	assert.Empty(t, v)
	depth, _ := s.Depth(h1)
	assert.Equal(t, 2, depth)
}

func TestMemoryService_Errors(t *testing.T) {
	s := NewMemoryService()
	ctx := context.Background()

	_, err := s.Resolve(ctx, "ref:missing", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	_, err = s.Register(ctx, nil, -1, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestContext_Get(t *testing.T) {
	props := map[string]any{"run_id": "run-1"}
	rc := NewContext(props)
	props["run_id"] = "mutated"

	v, ok := rc.Get("run_id")
	require.True(t, ok)
	assert.Equal(t, "run-1", v)

	var nilCtx *Context
	_, ok = nilCtx.Get("run_id")
	assert.False(t, ok)
}
