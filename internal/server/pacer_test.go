package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordingPacer(delays *[]time.Duration) *Pacer {
	return &Pacer{
		delay: PaceDelay,
		wait: func(_ context.Context, d time.Duration) error {
			*delays = append(*delays, d)
			return nil
		},
	}
}

func TestPaceDelayBands(t *testing.T) {
	tests := []struct {
		depth int
		want  time.Duration
	}{
		{100, time.Millisecond},
		{31, time.Millisecond},
		{30, 2 * time.Millisecond},
		{21, 2 * time.Millisecond},
		{20, 10 * time.Millisecond},
		{11, 10 * time.Millisecond},
		{10, 20 * time.Millisecond},
		{0, 20 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PaceDelay(tt.depth), "depth %d", tt.depth)
	}
}

func TestPaceDelayNonIncreasing(t *testing.T) {
	prev := PaceDelay(0)
	for depth := 1; depth <= 64; depth++ {
		d := PaceDelay(depth)
		assert.LessOrEqual(t, d, prev, "depth %d", depth)
		prev = d
	}
	assert.Equal(t, FlushDelay, PaceDelay(1000))
}

func TestPacerDrainUsesRemainingDepth(t *testing.T) {
	var delays []time.Duration
	p := recordingPacer(&delays)
	p.Push("abcdefghijklmnopqrstuvwxyz0123456789", "m1")

	var got []rune
	err := p.Drain(context.Background(), false, func(r rune, id string) error {
		assert.Equal(t, "m1", id)
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "abcdefghijklmnopqrstuvwxyz0123456789", string(got))
	require.Len(t, delays, 36)
	// 35 remain after the first pop
	assert.Equal(t, time.Millisecond, delays[0])
	assert.Equal(t, 20*time.Millisecond, delays[len(delays)-1])
	assert.Equal(t, 0, p.Len())
}

func TestPacerFinalDrainUsesMinimalDelay(t *testing.T) {
	var delays []time.Duration
	p := recordingPacer(&delays)
	p.Push("héllo", "")

	n := 0
	require.NoError(t, p.Drain(context.Background(), true, func(rune, string) error {
		n++
		return nil
	}))
	assert.Equal(t, 5, n)
	for _, d := range delays {
		assert.Equal(t, FlushDelay, d)
	}
}

func TestPacerStopsOnEmitError(t *testing.T) {
	var delays []time.Duration
	p := recordingPacer(&delays)
	p.Push("abc", "m")

	boom := errors.New("client gone")
	err := p.Drain(context.Background(), false, func(r rune, _ string) error {
		if r == 'b' {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
}

func TestSleepContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := sleepContext(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
