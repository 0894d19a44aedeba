package telemetry

// Threshold is a per-(device type, sensor type) bound set. DeviceType may
// be empty, meaning the threshold applies to the sensor type on any
// device. All bounds are optional.
type Threshold struct {
	SensorType   string
	DeviceType   string
	WarningLow   *float64
	WarningHigh  *float64
	CriticalLow  *float64
	CriticalHigh *float64
}

// Check tests a value against the bounds. Comparisons are strict;
// critical supersedes warning when both would fire. Returns the alert
// type and severity, or ok=false when nothing fires.
func (t Threshold) Check(v float64) (alertType string, severity Severity, ok bool) {
	switch {
	case t.CriticalHigh != nil && v > *t.CriticalHigh:
		return AlertThresholdBreach, SeverityCritical, true
	case t.CriticalLow != nil && v < *t.CriticalLow:
		return AlertThresholdBreach, SeverityCritical, true
	case t.WarningHigh != nil && v > *t.WarningHigh:
		return AlertThresholdBreach, SeverityWarning, true
	case t.WarningLow != nil && v < *t.WarningLow:
		return AlertThresholdBreach, SeverityWarning, true
	}
	return "", "", false
}

// Limit is the bound attached to a breach alert: the first non-nil of
// critical high, warning high, critical low, warning low.
func (t Threshold) Limit() *float64 {
	for _, b := range []*float64{t.CriticalHigh, t.WarningHigh, t.CriticalLow, t.WarningLow} {
		if b != nil {
			return b
		}
	}
	return nil
}

// ThresholdSet resolves thresholds with (device type, sensor type)
// precedence over (sensor type). Read-mostly: built once at startup.
type ThresholdSet struct {
	byKey map[string]Threshold
}

func NewThresholdSet(thresholds []Threshold) *ThresholdSet {
	s := &ThresholdSet{byKey: make(map[string]Threshold, len(thresholds))}
	for _, t := range thresholds {
		s.byKey[thresholdKey(t.DeviceType, t.SensorType)] = t
	}
	return s
}

// Lookup returns the most specific threshold for the pair, or ok=false.
func (s *ThresholdSet) Lookup(deviceType, sensorType string) (Threshold, bool) {
	if t, ok := s.byKey[thresholdKey(deviceType, sensorType)]; ok {
		return t, true
	}
	t, ok := s.byKey[thresholdKey("", sensorType)]
	return t, ok
}

// Len reports the number of configured thresholds.
func (s *ThresholdSet) Len() int { return len(s.byKey) }

func thresholdKey(deviceType, sensorType string) string {
	if deviceType == "" {
		return sensorType
	}
	return deviceType + ":" + sensorType
}
