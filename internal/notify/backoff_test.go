package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{6, 160 * time.Second},
		{7, 300 * time.Second},
		{100, 300 * time.Second},
		{5000, 300 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DefaultBackoff.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoffIsMonotonicAndCapped(t *testing.T) {
	prev := time.Duration(0)
	for n := 1; n <= 64; n++ {
		d := DefaultBackoff.Delay(n)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, DefaultBackoff.Max)
		prev = d
	}
}

func TestBackoffCustomPolicy(t *testing.T) {
	p := BackoffPolicy{Base: time.Second, Max: 10 * time.Second, Multiplier: 3}
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 3*time.Second, p.Delay(2))
	assert.Equal(t, 9*time.Second, p.Delay(3))
	assert.Equal(t, 10*time.Second, p.Delay(4))

	flat := BackoffPolicy{Base: time.Second, Multiplier: 0.5}
	assert.Equal(t, time.Second, flat.Delay(5), "multipliers below 1 are treated as 1")
}
