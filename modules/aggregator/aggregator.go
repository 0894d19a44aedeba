// Package aggregator computes rolling per-(device, metric) window
// statistics over the telemetry stream, plus global reading totals.
// State is in-memory only: the aggregator is restartable but not
// persistent.
package aggregator

import (
	"time"

	"github.com/fleetstream/fleetstream/pkg/stats"
	"github.com/fleetstream/fleetstream/pkg/telemetry"
)

// Result is the rolling view after one sample.
type Result struct {
	DeviceID   string
	MetricType string
	Window     time.Duration

	Count         int
	Sum           float64
	Mean          float64
	Min           float64
	Max           float64
	RatePerSecond float64

	TotalReadings       int
	DeviceTotalReadings int
}

// Summary is the global view across all tracked devices and metrics.
type Summary struct {
	TotalDevices  int
	TotalReadings int
	ByMetric      map[string]int
	ByDevice      map[string]int
}

type windowKey struct {
	deviceID   string
	metricType string
}

// Aggregator keeps one time window per (device, metric). Owned by one
// worker; not safe for concurrent use.
type Aggregator struct {
	window  time.Duration
	windows map[windowKey]*stats.Window

	byMetric map[string]int
	byDevice map[string]int
}

func New(window time.Duration) *Aggregator {
	return &Aggregator{
		window:   window,
		windows:  make(map[windowKey]*stats.Window),
		byMetric: make(map[string]int),
		byDevice: make(map[string]int),
	}
}

// Process folds one sample into its window and returns the rolling
// aggregates. A zero sample timestamp means "now".
func (a *Aggregator) Process(s telemetry.Sample) Result {
	key := windowKey{deviceID: s.DeviceID, metricType: s.MetricType}
	w, ok := a.windows[key]
	if !ok {
		w = stats.NewWindow(a.window)
		a.windows[key] = w
	}

	w.Add(s.Value, s.Timestamp)
	a.byMetric[s.MetricType]++
	a.byDevice[s.DeviceID]++

	res := Result{
		DeviceID:            s.DeviceID,
		MetricType:          s.MetricType,
		Window:              a.window,
		Count:               w.Count(),
		Sum:                 w.Sum(),
		Mean:                w.Mean(),
		Min:                 w.Min(),
		Max:                 w.Max(),
		TotalReadings:       a.byMetric[s.MetricType],
		DeviceTotalReadings: a.byDevice[s.DeviceID],
	}
	if secs := a.window.Seconds(); secs > 0 {
		res.RatePerSecond = float64(res.Count) / secs
	}
	return res
}

// Summary reports totals across everything seen since start.
func (a *Aggregator) Summary() Summary {
	total := 0
	byMetric := make(map[string]int, len(a.byMetric))
	for k, v := range a.byMetric {
		byMetric[k] = v
		total += v
	}
	byDevice := make(map[string]int, len(a.byDevice))
	for k, v := range a.byDevice {
		byDevice[k] = v
	}
	return Summary{
		TotalDevices:  len(a.byDevice),
		TotalReadings: total,
		ByMetric:      byMetric,
		ByDevice:      byDevice,
	}
}

// Reset drops all accumulated state.
func (a *Aggregator) Reset() {
	a.windows = make(map[windowKey]*stats.Window)
	a.byMetric = make(map[string]int)
	a.byDevice = make(map[string]int)
}
