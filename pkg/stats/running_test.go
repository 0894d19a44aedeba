package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunningEmpty(t *testing.T) {
	var r Running
	require.Equal(t, 0, r.Count())
	require.Equal(t, 0.0, r.Mean())
	require.Equal(t, 0.0, r.Variance())
	require.Equal(t, 0.0, r.Std())
}

func TestRunningSingleValue(t *testing.T) {
	var r Running
	r.Update(42)
	require.Equal(t, 1, r.Count())
	require.Equal(t, 42.0, r.Mean())
	require.Equal(t, 42.0, r.Min())
	require.Equal(t, 42.0, r.Max())
	// Variance is undefined below two samples.
	require.Equal(t, 0.0, r.Variance())
}

func TestRunningStats(t *testing.T) {
	var r Running
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		r.Update(v)
	}
	require.Equal(t, 8, r.Count())
	require.Equal(t, 5.0, r.Mean())
	require.InDelta(t, 4.0, r.Variance(), 1e-9)
	require.InDelta(t, 2.0, r.Std(), 1e-9)
	require.Equal(t, 2.0, r.Min())
	require.Equal(t, 9.0, r.Max())
}

func TestRunningNegativeValues(t *testing.T) {
	var r Running
	for _, v := range []float64{-3, -1, 1, 3} {
		r.Update(v)
	}
	require.Equal(t, 0.0, r.Mean())
	require.Equal(t, -3.0, r.Min())
	require.Equal(t, 3.0, r.Max())
	require.InDelta(t, 5.0, r.Variance(), 1e-9)
}

func TestRunningVarianceNeverNegative(t *testing.T) {
	var r Running
	// Identical values can drive Σx²/n - mean² fractionally below zero.
	for i := 0; i < 1000; i++ {
		r.Update(0.1)
	}
	require.GreaterOrEqual(t, r.Variance(), 0.0)
	require.False(t, math.IsNaN(r.Std()))
}
