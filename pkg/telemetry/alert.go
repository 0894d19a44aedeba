package telemetry

import (
	"time"

	"github.com/pkg/errors"
)

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Built-in alert types. Rule-engine alerts additionally use the rule name
// as their type.
const (
	AlertThresholdBreach    = "threshold_breach"
	AlertRapidChange        = "rapid_change"
	AlertStuckSensor        = "stuck_sensor"
	AlertStatisticalAnomaly = "statistical_anomaly"
	AlertAbsoluteBound      = "absolute_bound_violation"
)

// Alert is the wire and persisted form of an alert. Identity is
// (AlertID, CreatedAt); persistence is idempotent under that key.
type Alert struct {
	AlertID    string
	DeviceID   string
	DeviceType string
	AlertType  string
	Severity   Severity
	Message    string
	Threshold  *float64
	Value      *float64
	CreatedAt  time.Time
}

type alertJSON struct {
	AlertID    string   `json:"alertId"`
	DeviceID   string   `json:"deviceId"`
	DeviceType string   `json:"deviceType"`
	AlertType  string   `json:"alertType"`
	Severity   string   `json:"severity"`
	Message    string   `json:"message"`
	Threshold  *float64 `json:"threshold,omitempty"`
	Value      *float64 `json:"value,omitempty"`
	CreatedAt  string   `json:"createdAt"`
}

// DecodeAlert parses the wire form of an alert record.
func DecodeAlert(b []byte) (Alert, error) {
	var w alertJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return Alert{}, errors.Wrap(err, "decoding alert record")
	}
	if w.AlertID == "" {
		return Alert{}, errors.New("alert record missing alertId")
	}
	ts, err := time.Parse(time.RFC3339, w.CreatedAt)
	if err != nil {
		return Alert{}, errors.Wrap(err, "parsing alert createdAt")
	}
	return Alert{
		AlertID:    w.AlertID,
		DeviceID:   w.DeviceID,
		DeviceType: w.DeviceType,
		AlertType:  w.AlertType,
		Severity:   Severity(w.Severity),
		Message:    w.Message,
		Threshold:  w.Threshold,
		Value:      w.Value,
		CreatedAt:  ts.UTC(),
	}, nil
}

// Encode renders the wire form of the alert.
func (a Alert) Encode() ([]byte, error) {
	return json.Marshal(alertJSON{
		AlertID:    a.AlertID,
		DeviceID:   a.DeviceID,
		DeviceType: a.DeviceType,
		AlertType:  a.AlertType,
		Severity:   string(a.Severity),
		Message:    a.Message,
		Threshold:  a.Threshold,
		Value:      a.Value,
		CreatedAt:  a.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}
