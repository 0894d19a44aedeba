// Package anomaly detects anomalous readings with a Z-score method:
// a value more than threshold standard deviations from the rolling mean
// of its (device, metric) series is anomalous. Absolute bounds catch
// out-of-physical-range values even before the statistics warm up.
package anomaly

import (
	"fmt"

	"github.com/fleetstream/fleetstream/pkg/pipeline"
	"github.com/fleetstream/fleetstream/pkg/stats"
	"github.com/fleetstream/fleetstream/pkg/telemetry"
)

// Bounds is an absolute [Min, Max] guard for one metric type.
type Bounds struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Result is the derived data for one processed sample.
type Result struct {
	DeviceID    string
	MetricType  string
	Value       float64
	IsAnomaly   bool
	SampleCount int

	// Set only once enough samples exist to compute a Z-score.
	HasScore bool
	ZScore   float64
	Mean     float64
	Std      float64

	Alerts []pipeline.Alert
}

type seriesKey struct {
	deviceID   string
	metricType string
}

// Detector keeps running statistics per (device, metric) and flags
// anomalies. Owned by one worker; not safe for concurrent use.
type Detector struct {
	threshold  float64
	minSamples int
	bounds     map[string]Bounds

	series map[seriesKey]*stats.Running
}

// NewDetector builds a detector. threshold is the Z-score limit,
// minSamples the warm-up count before statistical detection starts.
func NewDetector(threshold float64, minSamples int, bounds map[string]Bounds) *Detector {
	if bounds == nil {
		bounds = map[string]Bounds{}
	}
	return &Detector{
		threshold:  threshold,
		minSamples: minSamples,
		bounds:     bounds,
		series:     make(map[seriesKey]*stats.Running),
	}
}

// Process evaluates one sample. Order matters: the absolute-bound guard
// runs first and fires even during warm-up; the Z-score check uses the
// statistics as they were before this sample; the sample is always
// folded in afterwards.
func (d *Detector) Process(s telemetry.Sample) Result {
	res := Result{
		DeviceID:   s.DeviceID,
		MetricType: s.MetricType,
		Value:      s.Value,
	}

	if b, ok := d.bounds[s.MetricType]; ok && (s.Value < b.Min || s.Value > b.Max) {
		lo := b.Min
		res.Alerts = append(res.Alerts, pipeline.Alert{
			Name:      telemetry.AlertAbsoluteBound,
			Message:   fmt.Sprintf("%s value %g outside bounds [%g, %g]", s.MetricType, s.Value, b.Min, b.Max),
			Severity:  telemetry.SeverityCritical,
			Source:    s.DeviceID,
			Value:     s.Value,
			Threshold: &lo,
		})
		res.IsAnomaly = true
	}

	key := seriesKey{deviceID: s.DeviceID, metricType: s.MetricType}
	st, ok := d.series[key]
	if !ok {
		st = &stats.Running{}
		d.series[key] = st
	}

	if st.Count() >= d.minSamples && st.Std() > 0 {
		mean, std := st.Mean(), st.Std()
		z := s.Value - mean
		if z < 0 {
			z = -z
		}
		z /= std

		res.HasScore = true
		res.ZScore = z
		res.Mean = mean
		res.Std = std

		if z > d.threshold {
			severity := telemetry.SeverityWarning
			if z >= d.threshold*1.5 {
				severity = telemetry.SeverityCritical
			}
			th := d.threshold
			res.Alerts = append(res.Alerts, pipeline.Alert{
				Name:      telemetry.AlertStatisticalAnomaly,
				Message:   fmt.Sprintf("%s value %.2f is %.1f std devs from mean %.2f", s.MetricType, s.Value, z, mean),
				Severity:  severity,
				Source:    s.DeviceID,
				Value:     s.Value,
				Threshold: &th,
			})
			res.IsAnomaly = true
		}
	}

	st.Update(s.Value)
	res.SampleCount = st.Count()

	return res
}

// SeriesStats exposes the running statistics for one series, for tests
// and debugging. Returns nil when the series is unknown.
func (d *Detector) SeriesStats(deviceID, metricType string) *stats.Running {
	return d.series[seriesKey{deviceID: deviceID, metricType: metricType}]
}

// Reset drops all accumulated state.
func (d *Detector) Reset() {
	d.series = make(map[seriesKey]*stats.Running)
}
