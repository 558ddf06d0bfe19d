// Package rtt keeps the per-episode round-trip-time history used to derive
// distributional delay features.
package rtt

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// DefaultWarmup is the number of leading samples discarded per episode. The
// first RTT reports after connection setup are frequently unrepresentative
// spikes.
const DefaultWarmup = 3

// Stats summarizes the current window. All fields are zero for an empty window.
type Stats struct {
	Mean float64
	Std  float64 // population standard deviation
	IQR  float64 // Q3 - Q1
	Min  float64
}

// Tracker is an append-only RTT history for one episode.
//
// Not safe for concurrent use; it is owned by a single translator.
type Tracker struct {
	warmup   int
	observed int
	samples  []float64
}

// NewTracker creates a tracker that discards the first warmup samples of
// every episode. A negative warmup is treated as zero.
func NewTracker(warmup int) *Tracker {
	if warmup < 0 {
		warmup = 0
	}
	return &Tracker{warmup: warmup}
}

// Reset clears the window and the warm-up counter.
func (t *Tracker) Reset() {
	t.observed = 0
	t.samples = t.samples[:0]
}

// Observe offers a sample. It is stored only once more than warmup samples
// have been offered since the last Reset. Returns true if the sample was kept.
func (t *Tracker) Observe(sample float64) bool {
	t.observed++
	if t.observed <= t.warmup {
		return false
	}
	t.samples = append(t.samples, sample)
	return true
}

// Len returns the number of stored samples.
func (t *Tracker) Len() int {
	return len(t.samples)
}

// Warmup returns the configured warm-up threshold.
func (t *Tracker) Warmup() int {
	return t.warmup
}

// Stats returns mean, standard deviation, interquartile range and minimum of
// the stored samples.
func (t *Tracker) Stats() Stats {
	if len(t.samples) == 0 {
		return Stats{}
	}

	sorted := make([]float64, len(t.samples))
	copy(sorted, t.samples)
	sort.Float64s(sorted)

	mean, std := stat.PopMeanStdDev(sorted, nil)
	q1 := quantile(sorted, 0.25)
	q3 := quantile(sorted, 0.75)

	return Stats{
		Mean: mean,
		Std:  std,
		IQR:  q3 - q1,
		Min:  sorted[0],
	}
}

// quantile interpolates linearly between closest ranks over (n-1)*p, the
// default of numpy.percentile. gonum's LinInterp uses n*p and yields a
// wider IQR on small windows.
func quantile(sorted []float64, p float64) float64 {
	n := len(sorted)
	h := float64(n-1) * p
	lo := int(math.Floor(h))
	if lo+1 >= n {
		return sorted[n-1]
	}
	return sorted[lo] + (h-float64(lo))*(sorted[lo+1]-sorted[lo])
}

// MinGap returns sample minus the window minimum, i.e. the queueing part of
// the delay. Zero for an empty window.
func (t *Tracker) MinGap(sample float64) float64 {
	if len(t.samples) == 0 {
		return 0
	}
	lowest := t.samples[0]
	for _, s := range t.samples[1:] {
		if s < lowest {
			lowest = s
		}
	}
	return sample - lowest
}
