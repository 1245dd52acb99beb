package actions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/pkg/schema"
)

// stubAction is a minimal Action for registry and executor tests.
type stubAction struct {
	typ  schema.ActionType
	desc string
	out  any
	err  error
	run  func(ctx context.Context, input ActionInput) (any, error)
}

func (s *stubAction) Type() schema.ActionType         { return s.typ }
func (s *stubAction) OutputKey(map[string]any) string { return "stubResult" }
func (s *stubAction) Description() string             { return s.desc }
func (s *stubAction) Execute(ctx context.Context, input ActionInput) (any, error) {
	if s.run != nil {
		return s.run(ctx, input)
	}
	return s.out, s.err
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{typ: schema.ActionHTTP, desc: "calls"}))
	assert.True(t, reg.Has(schema.ActionHTTP))
	assert.False(t, reg.Has(schema.ActionEmail))

	err := reg.Register(&stubAction{typ: schema.ActionHTTP})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	assert.Error(t, reg.Register(nil))
	assert.Error(t, reg.Register(&stubAction{}))
}

func TestRegistry_GetMissingIsConfigurationError(t *testing.T) {
	_, err := NewRegistry().Get(schema.ActionTelegram)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))
}

func TestRegistry_ListSorted(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{typ: schema.ActionTransform}))
	require.NoError(t, reg.Register(&stubAction{typ: schema.ActionEmail, desc: "mail"}))

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, schema.ActionEmail, list[0].Type)
	assert.Equal(t, "mail", list[0].Description)
	assert.Equal(t, schema.ActionTransform, list[1].Type)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{typ: schema.ActionHTTP}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Get(schema.ActionHTTP)
			assert.NoError(t, err)
			reg.List()
		}()
	}
	wg.Wait()
}

func TestRegisterBuiltins(t *testing.T) {
	reg := NewRegistry()
	b, err := RegisterBuiltins(reg, BuiltinConfig{})
	require.NoError(t, err)
	defer b.Close()

	for _, typ := range []schema.ActionType{schema.ActionHTTP, schema.ActionEmail, schema.ActionTelegram, schema.ActionDatabase, schema.ActionTransform} {
		assert.True(t, reg.Has(typ), typ)
	}
	_, err = RegisterBuiltins(reg, BuiltinConfig{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}
