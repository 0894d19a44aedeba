// Package stats holds the small online-statistics primitives the
// pipelines build on: running mean/variance accumulators and bounded-age
// time windows.
package stats

import "math"

// Running accumulates online statistics over a stream of values in O(1)
// time and space per update. Variance uses Σx/Σx² accumulation.
type Running struct {
	n     int
	sum   float64
	sumSq float64
	min   float64
	max   float64
}

// Update folds one value into the accumulator.
func (r *Running) Update(v float64) {
	if r.n == 0 {
		r.min = v
		r.max = v
	} else {
		r.min = math.Min(r.min, v)
		r.max = math.Max(r.max, v)
	}
	r.n++
	r.sum += v
	r.sumSq += v * v
}

// Count returns the number of observed values.
func (r *Running) Count() int { return r.n }

// Mean returns the arithmetic mean, or 0 when empty.
func (r *Running) Mean() float64 {
	if r.n == 0 {
		return 0
	}
	return r.sum / float64(r.n)
}

// Variance returns the population variance. Defined only for n ≥ 2;
// returns 0 otherwise.
func (r *Running) Variance() float64 {
	if r.n < 2 {
		return 0
	}
	m := r.Mean()
	v := r.sumSq/float64(r.n) - m*m
	if v < 0 {
		// Σx² accumulation can go fractionally negative near zero variance.
		return 0
	}
	return v
}

// Std returns the population standard deviation, 0 when n < 2.
func (r *Running) Std() float64 { return math.Sqrt(r.Variance()) }

// Min returns the smallest observed value, 0 when empty.
func (r *Running) Min() float64 { return r.min }

// Max returns the largest observed value, 0 when empty.
func (r *Running) Max() float64 { return r.max }
