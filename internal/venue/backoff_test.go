package venue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_GrowsAndCapsAtMaxDelay(t *testing.T) {
	cfg := ReconnectConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		MaxAttempts:  10,
	}
	b := NewBackoff(cfg)

	var last time.Duration
	for i := 0; i < 10; i++ {
		d := b.Next()
		assert.LessOrEqual(t, d, cfg.MaxDelay)
		last = d
	}
	assert.Equal(t, cfg.MaxDelay, last, "delay must have capped out by the 10th attempt")
}

func TestBackoff_ExceededMax(t *testing.T) {
	cfg := ReconnectConfig{InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2, MaxAttempts: 3}
	b := NewBackoff(cfg)
	assert.False(t, b.ExceededMax())
	b.Next()
	b.Next()
	b.Next()
	assert.True(t, b.ExceededMax())
}

func TestBackoff_ResetClearsAttempts(t *testing.T) {
	cfg := ReconnectConfig{InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2, MaxAttempts: 2}
	b := NewBackoff(cfg)
	b.Next()
	b.Next()
	assert.True(t, b.ExceededMax())
	b.Reset()
	assert.False(t, b.ExceededMax())
	assert.Equal(t, 0, b.Attempts())
}

func TestBackoff_JitterStaysNonNegative(t *testing.T) {
	cfg := ReconnectConfig{InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 1, JitterFraction: 5, MaxAttempts: 100}
	b := NewBackoff(cfg)
	for i := 0; i < 50; i++ {
		assert.GreaterOrEqual(t, b.Next(), time.Duration(0))
	}
}
