package swr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyCodec_EncodeDecodeRoundTrip(t *testing.T) {
	codec := KeyCodec{}

	key, err := codec.Encode([]any{"users", float64(7)})
	require.NoError(t, err)

	args, err := codec.Decode(key)
	require.NoError(t, err)
	assert.Equal(t, []any{"users", float64(7)}, args)
}

func TestKeyCodec_MapKeysAreDeterministic(t *testing.T) {
	codec := KeyCodec{}

	a, err := codec.Encode([]any{map[string]any{"b": 1, "a": 2, "c": 3}})
	require.NoError(t, err)
	b, err := codec.Encode([]any{map[string]any{"c": 3, "a": 2, "b": 1}})
	require.NoError(t, err)

	assert.Equal(t, a, b, "encoding the same map contents in a different insertion order must yield the same key")
}

func TestNormalizeArgs_ScalarIsWrapped(t *testing.T) {
	resolved, err := NormalizeArgs("solo")
	require.NoError(t, err)
	assert.Equal(t, []any{"solo"}, resolved)
}

func TestNormalizeArgs_TupleIsPassedThrough(t *testing.T) {
	resolved, err := NormalizeArgs([]any{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, resolved)
}

func TestNormalizeArgs_NilIsNotReady(t *testing.T) {
	_, err := NormalizeArgs(nil)
	assert.ErrorIs(t, err, ErrKeyNotReady)
}

func TestNormalizeArgs_FactoryIsResolved(t *testing.T) {
	resolved, err := NormalizeArgs(func() any { return []any{"dep", 1} })
	require.NoError(t, err)
	assert.Equal(t, []any{"dep", 1}, resolved)
}

func TestNormalizeArgs_PanickingFactoryIsNotReady(t *testing.T) {
	_, err := NormalizeArgs(func() any { panic("dependency unavailable") })
	assert.ErrorIs(t, err, ErrKeyNotReady)
}
