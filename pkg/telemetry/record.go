package telemetry

import (
	"time"

	"github.com/pkg/errors"
)

// Sensor types with dedicated handling. The sensor_type field is an open
// set; anything with a scalar payload works without being listed here.
const (
	SensorVibration   = "vibration"
	SensorTemperature = "temperature"
	SensorHumidity    = "humidity"
	SensorPressure    = "pressure"
	SensorPower       = "power"
)

// Record is the canonical in-memory form of one telemetry reading.
// Records are created by ingestion and never mutated.
type Record struct {
	DeviceID   string
	DeviceType string
	SensorID   string
	SensorType string
	Timestamp  time.Time
	Unit       string
	Value      SensorValue
}

type recordJSON struct {
	DeviceID   string      `json:"deviceId"`
	DeviceType string      `json:"deviceType"`
	SensorID   string      `json:"sensorId"`
	SensorType string      `json:"sensorType"`
	Timestamp  string      `json:"timestamp"`
	Unit       string      `json:"unit"`
	Value      SensorValue `json:"value"`
}

// ErrBadTimestamp reports a record that is valid except for an
// unparseable timestamp. DecodeRecord still returns the record (with a
// zero Timestamp) so callers that can substitute their own clock, like
// the aggregator, may proceed; persistence treats it as malformed.
var ErrBadTimestamp = errors.New("unparseable telemetry timestamp")

// DecodeRecord parses the wire form of a telemetry record. Timestamps are
// ISO-8601; a trailing Z and numeric offsets are both accepted.
func DecodeRecord(b []byte) (Record, error) {
	var w recordJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return Record{}, errors.Wrap(err, "decoding telemetry record")
	}
	if w.DeviceID == "" {
		return Record{}, errors.New("telemetry record missing deviceId")
	}
	rec := Record{
		DeviceID:   w.DeviceID,
		DeviceType: w.DeviceType,
		SensorID:   w.SensorID,
		SensorType: w.SensorType,
		Unit:       w.Unit,
		Value:      w.Value,
	}
	ts, err := time.Parse(time.RFC3339, w.Timestamp)
	if err != nil {
		return rec, errors.Wrapf(ErrBadTimestamp, "%q", w.Timestamp)
	}
	rec.Timestamp = ts.UTC()
	return rec, nil
}

// Encode renders the wire form of the record.
func (r Record) Encode() ([]byte, error) {
	return json.Marshal(recordJSON{
		DeviceID:   r.DeviceID,
		DeviceType: r.DeviceType,
		SensorID:   r.SensorID,
		SensorType: r.SensorType,
		Timestamp:  r.Timestamp.UTC().Format(time.RFC3339Nano),
		Unit:       r.Unit,
		Value:      r.Value,
	})
}

// ScalarValue extracts the single numeric reading of a scalar sensor.
func (r Record) ScalarValue() (float64, bool) {
	return r.Value.Scalar()
}

// VibrationRMS derives √(x²+y²+z²) for vibration sensors. Returns false
// for any other sensor type.
func (r Record) VibrationRMS() (float64, bool) {
	if r.SensorType != SensorVibration {
		return 0, false
	}
	return r.Value.RMS()
}

// AnalyticsValue is the scalar the analytics pipelines operate on:
// the RMS for vibration sensors, the plain reading for everything else.
func (r Record) AnalyticsValue() (float64, bool) {
	if r.SensorType == SensorVibration {
		return r.VibrationRMS()
	}
	return r.ScalarValue()
}

// Sample is the flat view of a record consumed by the stateful pipelines:
// one device, one metric, one scalar. MetricType is the record's sensor
// type; Value is the record's analytics value.
type Sample struct {
	DeviceID   string
	DeviceType string
	MetricType string
	Value      float64
	Timestamp  time.Time
}

// Sample flattens the record for pipeline consumption. Records with no
// scalar interpretation (raw payloads, vectors on non-vibration sensors)
// return false and are dropped by callers.
func (r Record) Sample() (Sample, bool) {
	v, ok := r.AnalyticsValue()
	if !ok {
		return Sample{}, false
	}
	return Sample{
		DeviceID:   r.DeviceID,
		DeviceType: r.DeviceType,
		MetricType: r.SensorType,
		Value:      v,
		Timestamp:  r.Timestamp,
	}, true
}
