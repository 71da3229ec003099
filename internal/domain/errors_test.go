package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{name: "shorter than limit", in: "abc", n: 5, want: "abc"},
		{name: "exact limit", in: "abcde", n: 5, want: "abcde"},
		{name: "cut", in: "abcdef", n: 3, want: "abc"},
		{name: "zero limit keeps input", in: "abc", n: 0, want: "abc"},
		{name: "does not split rune", in: "aé", n: 2, want: "a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Truncate(tt.in, tt.n))
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusScheduled.Terminal())
	assert.False(t, StatusRunning.Terminal())
}
