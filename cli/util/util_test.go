package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskToken(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  string
	}{
		{"empty", "", ""},
		{"short", "abc", "****"},
		{"eight chars", "abcdefgh", "****"},
		{"long", "abcd1234efgh", "abcd****efgh"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MaskToken(tt.token))
		})
	}
}

func TestParseJSONObject(t *testing.T) {
	t.Run("empty is an empty object", func(t *testing.T) {
		obj, err := ParseJSONObject("  ")
		require.NoError(t, err)
		assert.Empty(t, obj)
		assert.NotNil(t, obj)
	})

	t.Run("object", func(t *testing.T) {
		obj, err := ParseJSONObject(`{"x": 1, "name": "alice"}`)
		require.NoError(t, err)
		assert.Equal(t, 1.0, obj["x"])
		assert.Equal(t, "alice", obj["name"])
	})

	t.Run("array is rejected", func(t *testing.T) {
		_, err := ParseJSONObject(`[1]`)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected a JSON object")
	})

	t.Run("null is rejected", func(t *testing.T) {
		_, err := ParseJSONObject(`null`)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "got null")
	})
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "hello", TruncateString("hello", 10))
	assert.Equal(t, "he...", TruncateString("hello world", 5))
	assert.Equal(t, "hel", TruncateString("hello", 3))
}
