package signaling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffSchedule(t *testing.T) {
	b := NewBackoff()

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for i, expected := range want {
		d, ok := b.Next()
		require.True(t, ok, "attempt %d should be allowed", i+1)
		assert.Equal(t, expected, d)
	}

	_, ok := b.Next()
	assert.False(t, ok, "sixth attempt must be refused")
	assert.Equal(t, 5, b.Attempt())
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff()
	for i := 0; i < 3; i++ {
		b.Next()
	}
	require.Equal(t, 3, b.Attempt())

	b.Reset()
	assert.Equal(t, 0, b.Attempt())

	d, ok := b.Next()
	require.True(t, ok)
	assert.Equal(t, time.Second, d)
}

func TestBackoffDelayNeverExceedsCap(t *testing.T) {
	b := NewBackoff()
	for {
		d, ok := b.Next()
		if !ok {
			break
		}
		assert.LessOrEqual(t, d, 30*time.Second)
	}
}
