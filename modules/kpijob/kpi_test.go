package kpijob

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetstream/fleetstream/pkg/store"
)

var (
	windowStart = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	windowEnd   = windowStart.Add(5 * time.Minute)
	created     = windowEnd.Add(time.Second)
)

func scalarRow(deviceID, sensorID, sensorType string, v float64, ts time.Time) store.TelemetryRow {
	return store.TelemetryRow{
		DeviceID:   deviceID,
		DeviceType: "hvac",
		SensorID:   sensorID,
		SensorType: sensorType,
		Time:       ts,
		Value:      []byte(fmt.Sprintf(`{"value": %g}`, v)),
	}
}

func kpiMap(rows []store.KPIRow) map[string]float64 {
	m := make(map[string]float64, len(rows))
	for _, r := range rows {
		m[r.KPIName] = r.KPIValue
	}
	return m
}

func TestComputeKPIsTemperature(t *testing.T) {
	rows := []store.TelemetryRow{
		scalarRow("dev-1", "s-1", "temperature", 20, windowStart.Add(1*time.Minute)),
		scalarRow("dev-1", "s-1", "temperature", 22, windowStart.Add(2*time.Minute)),
		scalarRow("dev-1", "s-1", "temperature", 24, windowStart.Add(3*time.Minute)),
	}

	kpis, maxTime := computeKPIs(rows, windowStart, created)
	require.Equal(t, windowStart.Add(3*time.Minute), maxTime)

	m := kpiMap(kpis)
	require.InDelta(t, 22.0, m["temperature_avg"], 1e-9)
	require.InDelta(t, 20.0, m["temperature_min"], 1e-9)
	require.InDelta(t, 24.0, m["temperature_max"], 1e-9)
	require.InDelta(t, 3.0, m["temperature_count"], 1e-9)
	require.InDelta(t, 2.0, m["temperature_std_dev"], 1e-9) // sample stdev of {20,22,24}
	require.InDelta(t, 4.0, m["temperature_range"], 1e-9)
	require.InDelta(t, 4.0, m["temperature_rate_of_change"], 1e-9) // last - first

	for _, row := range kpis {
		require.Equal(t, "dev-1", row.DeviceID)
		require.Equal(t, "hvac", row.DeviceType)
		require.Equal(t, windowStart, row.WindowStart)
		require.Equal(t, maxTime, row.WindowEnd)
		require.Equal(t, 3, row.SampleCount)
		require.Equal(t, created, row.CreatedAt)
	}
}

func TestComputeKPIsVibration(t *testing.T) {
	var rows []store.TelemetryRow
	for i := 1; i <= 5; i++ {
		rows = append(rows, scalarRow("dev-1", "s-1", "vibration", float64(i), windowStart.Add(time.Duration(i)*time.Second)))
	}

	kpis, _ := computeKPIs(rows, windowStart, created)
	m := kpiMap(kpis)

	wantRMS := math.Sqrt(11) // √((1+4+9+16+25)/5)
	require.InDelta(t, wantRMS, m["vibration_rms"], 1e-9)
	require.InDelta(t, 5.0/wantRMS, m["vibration_crest_factor"], 1e-9)
	require.InDelta(t, 3.0, m["vibration_avg"], 1e-9)
	require.InDelta(t, math.Sqrt(2.5), m["vibration_std_dev"], 1e-9)
}

func TestComputeKPIsVibrationVectors(t *testing.T) {
	rows := []store.TelemetryRow{
		{
			DeviceID:   "dev-1",
			DeviceType: "pump",
			SensorID:   "s-1",
			SensorType: "vibration",
			Time:       windowStart.Add(time.Second),
			Value:      []byte(`{"x": 3, "y": 4, "z": 0}`),
		},
	}
	kpis, _ := computeKPIs(rows, windowStart, created)
	m := kpiMap(kpis)
	require.InDelta(t, 5.0, m["vibration_avg"], 1e-9)
	require.InDelta(t, 5.0, m["vibration_rms"], 1e-9)
}

func TestComputeKPIsPowerEnergy(t *testing.T) {
	rows := []store.TelemetryRow{
		scalarRow("dev-1", "s-1", "power", 100, windowStart.Add(1*time.Minute)),
		scalarRow("dev-1", "s-1", "power", 150, windowStart.Add(2*time.Minute)),
		scalarRow("dev-1", "s-1", "power", 120, windowStart.Add(3*time.Minute)),
	}
	kpis, _ := computeKPIs(rows, windowStart, created)
	m := kpiMap(kpis)
	require.InDelta(t, 370.0, m["power_energy"], 1e-9)
}

func TestComputeKPIsSingleSampleSkipsSpread(t *testing.T) {
	rows := []store.TelemetryRow{
		scalarRow("dev-1", "s-1", "temperature", 20, windowStart.Add(time.Minute)),
	}
	kpis, _ := computeKPIs(rows, windowStart, created)
	m := kpiMap(kpis)

	require.Contains(t, m, "temperature_avg")
	require.Contains(t, m, "temperature_count")
	require.NotContains(t, m, "temperature_std_dev")
	require.NotContains(t, m, "temperature_range")
	require.NotContains(t, m, "temperature_rate_of_change")
}

func TestComputeKPIsGroupsPerSensor(t *testing.T) {
	rows := []store.TelemetryRow{
		scalarRow("dev-1", "s-1", "temperature", 20, windowStart.Add(1*time.Minute)),
		scalarRow("dev-1", "s-2", "humidity", 50, windowStart.Add(2*time.Minute)),
		scalarRow("dev-2", "s-1", "temperature", 30, windowStart.Add(3*time.Minute)),
	}
	kpis, maxTime := computeKPIs(rows, windowStart, created)
	require.Equal(t, windowStart.Add(3*time.Minute), maxTime)

	byDevice := map[string]map[string]float64{}
	for _, r := range kpis {
		if byDevice[r.DeviceID] == nil {
			byDevice[r.DeviceID] = map[string]float64{}
		}
		byDevice[r.DeviceID][r.KPIName] = r.KPIValue
	}
	require.InDelta(t, 20.0, byDevice["dev-1"]["temperature_avg"], 1e-9)
	require.InDelta(t, 50.0, byDevice["dev-1"]["humidity_avg"], 1e-9)
	require.InDelta(t, 30.0, byDevice["dev-2"]["temperature_avg"], 1e-9)
}

func TestComputeKPIsDeterministicOrder(t *testing.T) {
	rows := []store.TelemetryRow{
		scalarRow("dev-1", "s-1", "temperature", 20, windowStart.Add(1*time.Minute)),
		scalarRow("dev-1", "s-1", "temperature", 24, windowStart.Add(2*time.Minute)),
	}
	first, _ := computeKPIs(rows, windowStart, created)
	require.NotEmpty(t, first)
	for i := 0; i < 10; i++ {
		again, _ := computeKPIs(rows, windowStart, created)
		require.Equal(t, first, again)
	}
}

func TestComputeKPIsSkipsRawValues(t *testing.T) {
	rows := []store.TelemetryRow{
		{
			DeviceID:   "dev-1",
			SensorID:   "s-1",
			SensorType: "door",
			Time:       windowStart.Add(time.Minute),
			Value:      []byte(`{"state": "open"}`),
		},
	}
	kpis, maxTime := computeKPIs(rows, windowStart, created)
	require.Empty(t, kpis)
	// Unusable rows still advance the watermark, or the job would stall
	// on them forever.
	require.Equal(t, windowStart.Add(time.Minute), maxTime)
}

func TestComputeKPIsEmpty(t *testing.T) {
	kpis, maxTime := computeKPIs(nil, windowStart, created)
	require.Empty(t, kpis)
	require.True(t, maxTime.IsZero())
}
