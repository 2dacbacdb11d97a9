package uuid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNew verifies generated ids are valid v4 and unique.
func TestNew(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		require.True(t, IsValid(id), "invalid uuid %q", id)
		require.False(t, seen[id])
		seen[id] = true
	}
}

// TestNewTemp verifies temporary identifiers are recognized.
func TestNewTemp(t *testing.T) {
	id := NewTemp()
	assert.True(t, strings.HasPrefix(id, TempPrefix))
	assert.True(t, IsTemp(id))
}

// TestIsTemp covers edge cases of temporary id detection.
func TestIsTemp(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"tmp-" + New(), true},
		{New(), false},
		{"tmp-", false},
		{"tmp-not-a-uuid", false},
		{"ticket-9f2a", false},
		{"", false},
		{NewActionKey(), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsTemp(tt.in), "IsTemp(%q)", tt.in)
	}
}

// TestNewFromString verifies parsing and version checks.
func TestNewFromString(t *testing.T) {
	_, err := NewFromString(New())
	assert.NoError(t, err)

	_, err = NewFromString("garbage")
	assert.Error(t, err)

	// v1 uuid
	_, err = NewFromString("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	assert.Error(t, err)
}
