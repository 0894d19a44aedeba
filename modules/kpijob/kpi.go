// Package kpijob is the watermark-driven batch job that derives per-device
// KPIs from persisted telemetry. Each run covers (watermark, now]; the
// watermark only advances when every KPI row for the run was written, so
// a partial failure reprocesses the window instead of skipping it.
package kpijob

import (
	"math"
	"sort"
	"time"

	"github.com/fleetstream/fleetstream/pkg/store"
	"github.com/fleetstream/fleetstream/pkg/telemetry"
)

type seriesKey struct {
	deviceID   string
	deviceType string
	sensorID   string
	sensorType string
}

type series struct {
	key    seriesKey
	values []float64
}

// scalarOf extracts the numeric reading the KPIs operate on. Vibration
// vectors reduce to their magnitude; raw payloads have no scalar and the
// row is skipped.
func scalarOf(sensorType string, raw []byte) (float64, bool) {
	var v telemetry.SensorValue
	if err := v.UnmarshalJSON(raw); err != nil {
		return 0, false
	}
	if sensorType == telemetry.SensorVibration {
		if r, ok := v.RMS(); ok {
			return r, true
		}
	}
	return v.Scalar()
}

// computeKPIs turns the window's rows into KPI rows, grouped per sensor.
// Returns the KPI rows and the newest row timestamp seen, which becomes
// both the rows' window end and the next watermark. Rows arrive ordered
// by (device, sensor, time), so each group's values are already in time
// order.
func computeKPIs(rows []store.TelemetryRow, windowStart, now time.Time) ([]store.KPIRow, time.Time) {
	var maxTime time.Time
	var order []seriesKey
	groups := make(map[seriesKey]*series)

	for _, row := range rows {
		if row.Time.After(maxTime) {
			maxTime = row.Time
		}
		v, ok := scalarOf(row.SensorType, row.Value)
		if !ok {
			continue
		}
		key := seriesKey{
			deviceID:   row.DeviceID,
			deviceType: row.DeviceType,
			sensorID:   row.SensorID,
			sensorType: row.SensorType,
		}
		g, ok := groups[key]
		if !ok {
			g = &series{key: key}
			groups[key] = g
			order = append(order, key)
		}
		g.values = append(g.values, v)
	}

	var out []store.KPIRow
	for _, key := range order {
		g := groups[key]
		kpis := seriesKPIs(key.sensorType, g.values)
		names := make([]string, 0, len(kpis))
		for name := range kpis {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			out = append(out, store.KPIRow{
				CreatedAt:   now,
				DeviceID:    key.deviceID,
				DeviceType:  key.deviceType,
				KPIName:     key.sensorType + "_" + name,
				KPIValue:    kpis[name],
				WindowStart: windowStart,
				WindowEnd:   maxTime,
				SampleCount: len(g.values),
			})
		}
	}
	return out, maxTime
}

// seriesKPIs computes the KPI set for one sensor's window of values.
func seriesKPIs(sensorType string, values []float64) map[string]float64 {
	n := len(values)
	if n == 0 {
		return nil
	}

	sum, min, max := 0.0, values[0], values[0]
	for _, v := range values {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	mean := sum / float64(n)

	kpis := map[string]float64{
		"avg":   mean,
		"min":   min,
		"max":   max,
		"count": float64(n),
	}

	if n >= 2 {
		// Sample standard deviation.
		var sq float64
		for _, v := range values {
			d := v - mean
			sq += d * d
		}
		kpis["std_dev"] = math.Sqrt(sq / float64(n-1))
		kpis["range"] = max - min
	}

	switch sensorType {
	case telemetry.SensorVibration:
		var sumSq float64
		for _, v := range values {
			sumSq += v * v
		}
		rms := math.Sqrt(sumSq / float64(n))
		kpis["rms"] = rms
		if rms > 0 {
			peak := math.Abs(max)
			if a := math.Abs(min); a > peak {
				peak = a
			}
			kpis["crest_factor"] = peak / rms
		}
	case telemetry.SensorTemperature:
		if n >= 2 {
			kpis["rate_of_change"] = values[n-1] - values[0]
		}
	case telemetry.SensorPower:
		kpis["energy"] = sum
	}
	return kpis
}
