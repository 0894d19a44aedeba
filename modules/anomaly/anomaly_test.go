package anomaly

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetstream/fleetstream/pkg/telemetry"
)

func tempSample(v float64) telemetry.Sample {
	return telemetry.Sample{
		DeviceID:   "dev-1",
		DeviceType: "hvac",
		MetricType: telemetry.SensorTemperature,
		Value:      v,
	}
}

func TestDetectorWarmUp(t *testing.T) {
	d := NewDetector(3.0, 10, nil)

	// During warm-up no Z-score exists, so even a wild value passes.
	for i := 0; i < 10; i++ {
		res := d.Process(tempSample(20 + float64(i%3)))
		require.False(t, res.IsAnomaly, "sample %d", i)
		require.False(t, res.HasScore, "sample %d", i)
	}

	// Warmed up: a normal value scores but does not fire.
	res := d.Process(tempSample(21))
	require.True(t, res.HasScore)
	require.False(t, res.IsAnomaly)

	// An extreme value fires.
	res = d.Process(tempSample(100))
	require.True(t, res.HasScore)
	require.True(t, res.IsAnomaly)
	require.Len(t, res.Alerts, 1)
	require.Equal(t, telemetry.AlertStatisticalAnomaly, res.Alerts[0].Name)
	require.Equal(t, telemetry.SeverityCritical, res.Alerts[0].Severity)
}

func TestDetectorZeroVarianceSeries(t *testing.T) {
	d := NewDetector(3.0, 10, nil)

	// A constant series has zero std; the Z-score check must stay off
	// rather than divide by zero.
	for i := 0; i < 20; i++ {
		res := d.Process(tempSample(20))
		require.False(t, res.IsAnomaly)
		require.False(t, res.HasScore)
	}
}

func TestDetectorUsesPreUpdateStats(t *testing.T) {
	d := NewDetector(3.0, 2, nil)
	d.Process(tempSample(10))
	d.Process(tempSample(12))

	// Score is computed against the stats before this sample is folded
	// in: mean 11, std 1, so value 14 scores z=3 exactly, which does not
	// exceed the strict threshold.
	res := d.Process(tempSample(14))
	require.True(t, res.HasScore)
	require.InDelta(t, 3.0, res.ZScore, 1e-9)
	require.False(t, res.IsAnomaly)
}

func TestDetectorSeverityScalesWithScore(t *testing.T) {
	d := NewDetector(3.0, 2, nil)
	d.Process(tempSample(10))
	d.Process(tempSample(12))
	d.Process(tempSample(10))
	d.Process(tempSample(12))

	// Mean 11, std 1: z in (3, 4.5) warns, z >= 4.5 is critical.
	res := d.Process(tempSample(15.1))
	require.True(t, res.IsAnomaly)
	require.Len(t, res.Alerts, 1)
	require.Equal(t, telemetry.SeverityWarning, res.Alerts[0].Severity)

	d.Reset()
	d.Process(tempSample(10))
	d.Process(tempSample(12))
	res = d.Process(tempSample(20))
	require.True(t, res.IsAnomaly)
	require.Equal(t, telemetry.SeverityCritical, res.Alerts[0].Severity)
}

func TestDetectorAbsoluteBoundsFireDuringWarmUp(t *testing.T) {
	d := NewDetector(3.0, 10, map[string]Bounds{
		telemetry.SensorTemperature: {Min: -50, Max: 150},
	})

	// First ever sample, well before statistical warm-up.
	res := d.Process(tempSample(200))
	require.True(t, res.IsAnomaly)
	require.Len(t, res.Alerts, 1)
	require.Equal(t, telemetry.AlertAbsoluteBound, res.Alerts[0].Name)
	require.Equal(t, telemetry.SeverityCritical, res.Alerts[0].Severity)

	res = d.Process(tempSample(-51))
	require.True(t, res.IsAnomaly)

	// In-bounds values pass.
	res = d.Process(tempSample(25))
	require.False(t, res.IsAnomaly)
}

func TestDetectorSeriesAreIndependent(t *testing.T) {
	d := NewDetector(3.0, 2, nil)

	for i := 0; i < 5; i++ {
		d.Process(tempSample(20 + float64(i%2)))
	}
	other := telemetry.Sample{DeviceID: "dev-2", MetricType: telemetry.SensorTemperature, Value: 100}

	// dev-2 has no history; its first extreme value cannot be scored.
	res := d.Process(other)
	require.False(t, res.IsAnomaly)
	require.Equal(t, 1, res.SampleCount)

	require.Equal(t, 5, d.SeriesStats("dev-1", telemetry.SensorTemperature).Count())
	require.Equal(t, 1, d.SeriesStats("dev-2", telemetry.SensorTemperature).Count())
	require.Nil(t, d.SeriesStats("dev-3", telemetry.SensorTemperature))
}

func TestDetectorReset(t *testing.T) {
	d := NewDetector(3.0, 2, nil)
	for i := 0; i < 5; i++ {
		d.Process(tempSample(float64(i)))
	}
	d.Reset()
	require.Nil(t, d.SeriesStats("dev-1", telemetry.SensorTemperature))

	res := d.Process(tempSample(1e9))
	require.False(t, res.IsAnomaly)
}

func TestDetectorManyDevices(t *testing.T) {
	d := NewDetector(3.0, 5, nil)
	for dev := 0; dev < 100; dev++ {
		for i := 0; i < 10; i++ {
			s := telemetry.Sample{
				DeviceID:   fmt.Sprintf("dev-%d", dev),
				MetricType: telemetry.SensorPressure,
				Value:      1000 + float64(i%4),
			}
			require.False(t, d.Process(s).IsAnomaly)
		}
	}
}
