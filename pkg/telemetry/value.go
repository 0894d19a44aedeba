package telemetry

import (
	"math"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ValueKind discriminates the sensor value union.
type ValueKind int

const (
	// ValueScalar is a single numeric reading ({"value": n} or {"reading": n}).
	ValueScalar ValueKind = iota
	// ValueVector is a three-axis reading ({"x": n, "y": n, "z": n}).
	ValueVector
	// ValueRaw is anything else. Kept only so unknown payloads round-trip
	// to the store unchanged; no extractor understands it.
	ValueRaw
)

// SensorValue is the polymorphic value carried by a telemetry record.
// Scalar sensors produce a single reading, vibration sensors produce a
// three-axis vector, everything else is preserved as raw JSON.
type SensorValue struct {
	Kind    ValueKind
	Reading float64
	X, Y, Z float64
	Raw     map[string]interface{}
}

// Scalar returns the scalar reading, if this value has one.
func (v SensorValue) Scalar() (float64, bool) {
	if v.Kind != ValueScalar {
		return 0, false
	}
	return v.Reading, true
}

// RMS returns the root mean square of a vector value, √(x²+y²+z²).
func (v SensorValue) RMS() (float64, bool) {
	if v.Kind != ValueVector {
		return 0, false
	}
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z), true
}

type scalarValueJSON struct {
	Value   *float64 `json:"value,omitempty"`
	Reading *float64 `json:"reading,omitempty"`
}

type vectorValueJSON struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	Z *float64 `json:"z"`
}

// UnmarshalJSON routes on payload shape: a "value" or "reading" key makes a
// scalar, any of "x"/"y"/"z" makes a vector (absent axes default to 0),
// anything else is kept raw.
func (v *SensorValue) UnmarshalJSON(b []byte) error {
	var scalar scalarValueJSON
	if err := json.Unmarshal(b, &scalar); err == nil {
		if scalar.Value != nil {
			*v = SensorValue{Kind: ValueScalar, Reading: *scalar.Value}
			return nil
		}
		if scalar.Reading != nil {
			*v = SensorValue{Kind: ValueScalar, Reading: *scalar.Reading}
			return nil
		}
	}

	var vector vectorValueJSON
	if err := json.Unmarshal(b, &vector); err == nil {
		if vector.X != nil || vector.Y != nil || vector.Z != nil {
			*v = SensorValue{Kind: ValueVector}
			if vector.X != nil {
				v.X = *vector.X
			}
			if vector.Y != nil {
				v.Y = *vector.Y
			}
			if vector.Z != nil {
				v.Z = *vector.Z
			}
			return nil
		}
	}

	raw := map[string]interface{}{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return errors.Wrap(err, "decoding sensor value")
	}
	*v = SensorValue{Kind: ValueRaw, Raw: raw}
	return nil
}

func (v SensorValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case ValueScalar:
		return json.Marshal(map[string]float64{"value": v.Reading})
	case ValueVector:
		return json.Marshal(map[string]float64{"x": v.X, "y": v.Y, "z": v.Z})
	default:
		return json.Marshal(v.Raw)
	}
}
