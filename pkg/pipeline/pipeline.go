// Package pipeline defines the types shared by the stateful analytics
// pipelines: a pipeline is a pure, stateful function from one telemetry
// sample to derived data plus zero or more findings.
package pipeline

import "github.com/fleetstream/fleetstream/pkg/telemetry"

// Alert is a finding emitted by a pipeline. It is not yet a wire alert:
// workers decide whether to log it, count it, or publish it onto the
// alerts topic.
type Alert struct {
	Name     string
	Message  string
	Severity telemetry.Severity
	Source   string
	Value    float64

	// Threshold is the configured bound that fired, when there is one.
	Threshold *float64
}
