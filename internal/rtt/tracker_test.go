package rtt

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTracker_EmptyIsZero(t *testing.T) {
	tr := NewTracker(DefaultWarmup)

	assert.Equal(t, Stats{}, tr.Stats())
	assert.Equal(t, 0.0, tr.MinGap(0.4))
}

func TestTracker_WarmupDiscardsFirstSamples(t *testing.T) {
	tr := NewTracker(3)

	for i, s := range []float64{0.9, 0.8, 0.7} {
		kept := tr.Observe(s)
		assert.False(t, kept, "sample %d should be discarded", i+1)
		assert.Equal(t, Stats{}, tr.Stats(), "stats must stay zero during warm-up")
	}

	assert.True(t, tr.Observe(0.1))
	assert.Equal(t, 1, tr.Len())
	assert.InDelta(t, 0.1, tr.Stats().Mean, 1e-12)
}

func TestTracker_ResetRestartsWarmup(t *testing.T) {
	tr := NewTracker(2)
	for i := 0; i < 5; i++ {
		tr.Observe(0.2)
	}
	assert.Equal(t, 3, tr.Len())

	tr.Reset()
	assert.Equal(t, 0, tr.Len())
	assert.False(t, tr.Observe(0.3))
	assert.False(t, tr.Observe(0.3))
	assert.True(t, tr.Observe(0.3))
}

func TestTracker_ZeroWarmup(t *testing.T) {
	tr := NewTracker(-1)

	assert.Equal(t, 0, tr.Warmup())
	assert.True(t, tr.Observe(0.5))
}

func TestQuantile(t *testing.T) {
	tests := []struct {
		sorted []float64
		p      float64
		want   float64
	}{
		{[]float64{5}, 0.25, 5},
		{[]float64{1, 3}, 0.5, 2},
		{[]float64{1, 2, 3, 4, 5}, 0.25, 2},
		{[]float64{1, 2, 3, 4, 5}, 0.75, 4},
		{[]float64{0.1, 0.2, 0.3, 0.4}, 0.75, 0.325},
		{[]float64{1, 2, 3}, 1, 3},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, quantile(tt.sorted, tt.p), 1e-12, "%v at %v", tt.sorted, tt.p)
	}
}

func TestTracker_Stats(t *testing.T) {
	tr := NewTracker(0)
	samples := []float64{0.4, 0.1, 0.3, 0.2}
	for _, s := range samples {
		tr.Observe(s)
	}

	st := tr.Stats()

	assert.InDelta(t, 0.25, st.Mean, 1e-12)
	// population std of {0.1,0.2,0.3,0.4}
	assert.InDelta(t, math.Sqrt(0.0125), st.Std, 1e-12)
	assert.Equal(t, 0.1, st.Min)
	// numpy.percentile: q1 = 0.175, q3 = 0.325
	assert.InDelta(t, 0.15, st.IQR, 1e-12)

	assert.InDelta(t, 0.3, tr.MinGap(0.4), 1e-12)
}

func TestTracker_ConstantWindow(t *testing.T) {
	tr := NewTracker(0)
	for i := 0; i < 6; i++ {
		tr.Observe(0.05)
	}

	st := tr.Stats()
	assert.InDelta(t, 0.05, st.Mean, 1e-12)
	assert.InDelta(t, 0.0, st.Std, 1e-9)
	assert.InDelta(t, 0.0, st.IQR, 1e-12)
	assert.Equal(t, 0.0, tr.MinGap(0.05))
}
