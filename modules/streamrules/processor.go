// Package streamrules runs the stateful per-sensor checks over the
// telemetry stream: threshold breaches against the configured bound
// table, rapid value changes, and stuck sensors. Alerts go back out on
// the alerts topic.
package streamrules

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fleetstream/fleetstream/pkg/telemetry"
)

type sensorKey struct {
	deviceID string
	sensorID string
}

// Result is what one record produced: the alerts to publish and whether
// a threshold lookup matched (for the checks counter).
type Result struct {
	Alerts           []telemetry.Alert
	ThresholdChecked bool
}

// Processor holds the per-sensor state for the stream checks. Owned by
// one worker; not safe for concurrent use.
type Processor struct {
	thresholds *telemetry.ThresholdSet

	rateThreshold float64
	stuckCount    int

	last   map[sensorKey]float64
	recent map[sensorKey][]float64

	now   func() time.Time
	newID func() string
}

func NewProcessor(thresholds *telemetry.ThresholdSet, rateThreshold float64, stuckCount int) *Processor {
	return &Processor{
		thresholds:    thresholds,
		rateThreshold: rateThreshold,
		stuckCount:    stuckCount,
		last:          make(map[sensorKey]float64),
		recent:        make(map[sensorKey][]float64),
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

// Process runs all checks against one record. Records without a scalar
// interpretation carry nothing to check.
func (p *Processor) Process(rec telemetry.Record) Result {
	v, ok := rec.AnalyticsValue()
	if !ok {
		return Result{}
	}
	key := sensorKey{deviceID: rec.DeviceID, sensorID: rec.SensorID}

	var res Result
	if a, checked := p.checkThreshold(rec, v); checked {
		res.ThresholdChecked = true
		if a != nil {
			res.Alerts = append(res.Alerts, *a)
		}
	}
	if a := p.checkRate(key, rec, v); a != nil {
		res.Alerts = append(res.Alerts, *a)
	}
	if a := p.checkStuck(key, rec, v); a != nil {
		res.Alerts = append(res.Alerts, *a)
	}
	p.last[key] = v
	return res
}

func (p *Processor) checkThreshold(rec telemetry.Record, v float64) (*telemetry.Alert, bool) {
	t, ok := p.thresholds.Lookup(rec.DeviceType, rec.SensorType)
	if !ok {
		return nil, false
	}
	alertType, severity, breached := t.Check(v)
	if !breached {
		return nil, true
	}
	limit := t.Limit()
	a := p.newAlert(rec, alertType, severity,
		fmt.Sprintf("%s reading %g breached configured bounds", rec.SensorType, v), limit, v)
	return &a, true
}

func (p *Processor) checkRate(key sensorKey, rec telemetry.Record, v float64) *telemetry.Alert {
	prev, ok := p.last[key]
	if !ok {
		return nil
	}
	delta := v - prev
	if delta < 0 {
		delta = -delta
	}
	if delta <= p.rateThreshold {
		return nil
	}
	rt := p.rateThreshold
	a := p.newAlert(rec, telemetry.AlertRapidChange, telemetry.SeverityWarning,
		fmt.Sprintf("%s changed by %g in one reading", rec.SensorType, delta), &rt, v)
	return &a
}

func (p *Processor) checkStuck(key sensorKey, rec telemetry.Record, v float64) *telemetry.Alert {
	recent := append(p.recent[key], v)
	if len(recent) > p.stuckCount {
		recent = recent[len(recent)-p.stuckCount:]
	}
	if len(recent) < p.stuckCount || !allEqual(recent) {
		p.recent[key] = recent
		return nil
	}
	// Reset so the sensor must report another full run of identical
	// readings before the alert repeats.
	p.recent[key] = nil
	a := p.newAlert(rec, telemetry.AlertStuckSensor, telemetry.SeverityWarning,
		fmt.Sprintf("%s reported %d identical readings", rec.SensorType, p.stuckCount), nil, v)
	return &a
}

func (p *Processor) newAlert(rec telemetry.Record, alertType string, severity telemetry.Severity, message string, threshold *float64, v float64) telemetry.Alert {
	value := v
	return telemetry.Alert{
		AlertID:    p.newID(),
		DeviceID:   rec.DeviceID,
		DeviceType: rec.DeviceType,
		AlertType:  alertType,
		Severity:   severity,
		Message:    message,
		Threshold:  threshold,
		Value:      &value,
		CreatedAt:  p.now().UTC(),
	}
}

func allEqual(vs []float64) bool {
	for _, v := range vs[1:] {
		if v != vs[0] {
			return false
		}
	}
	return true
}
