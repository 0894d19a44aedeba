// Package rules implements the configurable predicate rule engine used by
// the alerter worker. Rules are tagged variants (threshold, range,
// custom) evaluated in insertion order against telemetry samples.
package rules

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/fleetstream/fleetstream/pkg/pipeline"
	"github.com/fleetstream/fleetstream/pkg/telemetry"
)

// Operator is a threshold comparison operator.
type Operator string

const (
	OpGT Operator = ">"
	OpGE Operator = ">="
	OpLT Operator = "<"
	OpLE Operator = "<="
	OpEQ Operator = "=="
)

func (op Operator) compare(v, t float64) bool {
	switch op {
	case OpGT:
		return v > t
	case OpGE:
		return v >= t
	case OpLT:
		return v < t
	case OpLE:
		return v <= t
	case OpEQ:
		return v == t
	}
	return false
}

func (op Operator) valid() bool {
	switch op {
	case OpGT, OpGE, OpLT, OpLE, OpEQ:
		return true
	}
	return false
}

// Predicate is a custom rule condition.
type Predicate func(telemetry.Sample) bool

type thresholdCond struct {
	metricType string
	op         Operator
	threshold  float64
}

type rangeCond struct {
	metricType string
	min, max   float64
}

type customCond struct {
	fn Predicate
}

// condition is the variant tag. Evaluation never panics out: a buggy
// custom predicate must not drop the record.
type condition interface {
	match(telemetry.Sample) bool
}

func (c thresholdCond) match(s telemetry.Sample) bool {
	return s.MetricType == c.metricType && c.op.compare(s.Value, c.threshold)
}

func (c rangeCond) match(s telemetry.Sample) bool {
	return s.MetricType == c.metricType && (s.Value < c.min || s.Value > c.max)
}

func (c customCond) match(s telemetry.Sample) bool {
	return c.fn(s)
}

// Rule is one named predicate with alert metadata.
type Rule struct {
	Name     string
	Message  string
	Severity telemetry.Severity
	Enabled  bool
	cond     condition
}

func (r *Rule) evaluate(s telemetry.Sample) (pipeline.Alert, bool) {
	if !r.Enabled {
		return pipeline.Alert{}, false
	}
	matched := false
	func() {
		defer func() {
			// A panicking predicate means no alert, never a dropped record.
			_ = recover()
		}()
		matched = r.cond.match(s)
	}()
	if !matched {
		return pipeline.Alert{}, false
	}
	a := pipeline.Alert{
		Name:     r.Name,
		Message:  r.Message,
		Severity: r.Severity,
		Source:   s.DeviceID,
		Value:    s.Value,
	}
	if tc, ok := r.cond.(thresholdCond); ok {
		t := tc.threshold
		a.Threshold = &t
	}
	return a, true
}

// Engine evaluates an ordered rule set. It is owned by a single worker
// and is not safe for concurrent mutation.
type Engine struct {
	rules []*Rule
}

func NewEngine() *Engine { return &Engine{} }

// AddRule appends a custom-predicate rule.
func (e *Engine) AddRule(name, message string, severity telemetry.Severity, fn Predicate) {
	e.rules = append(e.rules, &Rule{
		Name:     name,
		Message:  message,
		Severity: severity,
		Enabled:  true,
		cond:     customCond{fn: fn},
	})
}

// AddThresholdRule appends a rule firing when the sample's metric matches
// and its value compares true against the threshold. An unknown operator
// is rejected here, not at evaluation time.
func (e *Engine) AddThresholdRule(name, metricType string, threshold float64, op Operator, severity telemetry.Severity, message string) error {
	if !op.valid() {
		return errors.Errorf("unknown operator: %q", op)
	}
	if message == "" {
		message = fmt.Sprintf("%s %s %g", metricType, op, threshold)
	}
	e.rules = append(e.rules, &Rule{
		Name:     name,
		Message:  message,
		Severity: severity,
		Enabled:  true,
		cond:     thresholdCond{metricType: metricType, op: op, threshold: threshold},
	})
	return nil
}

// AddRangeRule appends a rule firing when the value falls outside
// [min, max].
func (e *Engine) AddRangeRule(name, metricType string, min, max float64, severity telemetry.Severity, message string) {
	if message == "" {
		message = fmt.Sprintf("%s outside range [%g, %g]", metricType, min, max)
	}
	e.rules = append(e.rules, &Rule{
		Name:     name,
		Message:  message,
		Severity: severity,
		Enabled:  true,
		cond:     rangeCond{metricType: metricType, min: min, max: max},
	})
}

// Evaluate runs every enabled rule against the sample, in insertion
// order, returning at most one alert per rule.
func (e *Engine) Evaluate(s telemetry.Sample) []pipeline.Alert {
	var alerts []pipeline.Alert
	for _, r := range e.rules {
		if a, ok := r.evaluate(s); ok {
			alerts = append(alerts, a)
		}
	}
	return alerts
}

// Enable turns a rule on by name. Unknown names are ignored.
func (e *Engine) Enable(name string) { e.setEnabled(name, true) }

// Disable turns a rule off by name. Unknown names are ignored.
func (e *Engine) Disable(name string) { e.setEnabled(name, false) }

func (e *Engine) setEnabled(name string, enabled bool) {
	for _, r := range e.rules {
		if r.Name == name {
			r.Enabled = enabled
			return
		}
	}
}

// Remove deletes all rules with the given name.
func (e *Engine) Remove(name string) {
	kept := e.rules[:0]
	for _, r := range e.rules {
		if r.Name != name {
			kept = append(kept, r)
		}
	}
	e.rules = kept
}

// Len reports the number of configured rules, enabled or not.
func (e *Engine) Len() int { return len(e.rules) }
