package alerter

import (
	"flag"

	"github.com/pkg/errors"

	"github.com/fleetstream/fleetstream/modules/worker"
	"github.com/fleetstream/fleetstream/pkg/rules"
	"github.com/fleetstream/fleetstream/pkg/telemetry"
)

// RuleConfig is one declarative rule. Type selects the variant:
// "threshold" uses Operator/Threshold, "range" uses Min/Max.
type RuleConfig struct {
	Name       string  `yaml:"name"`
	Type       string  `yaml:"type"`
	MetricType string  `yaml:"metric_type"`
	Operator   string  `yaml:"operator"`
	Threshold  float64 `yaml:"threshold"`
	Min        float64 `yaml:"min"`
	Max        float64 `yaml:"max"`
	Severity   string  `yaml:"severity"`
	Message    string  `yaml:"message"`
}

type Config struct {
	Worker worker.Config `yaml:"worker"`

	// AlertsTopic receives the alerts the rule engine raises.
	AlertsTopic string `yaml:"alerts_topic"`

	// Rules replaces the default rule set when non-empty.
	Rules []RuleConfig `yaml:"rules"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Worker.RegisterFlagsAndApplyDefaults(prefix, f, worker.Defaults{
		Name:        "alerter",
		Topic:       "iot.telemetry",
		Group:       "analytics-alerter",
		MetricsPort: 8084,
		MinReplicas: 1,
		MaxReplicas: 2,
		Lag:         100,
	})
	f.StringVar(&cfg.AlertsTopic, prefix+".alerts-topic", "iot.alerts", "Topic alerts are published to.")
}

// DefaultRules is the rule set used when the config names none.
func DefaultRules() []RuleConfig {
	return []RuleConfig{
		{Name: "high_temperature", Type: "threshold", MetricType: telemetry.SensorTemperature, Operator: ">", Threshold: 80, Severity: string(telemetry.SeverityWarning), Message: "Temperature above 80"},
		{Name: "critical_temperature", Type: "threshold", MetricType: telemetry.SensorTemperature, Operator: ">", Threshold: 100, Severity: string(telemetry.SeverityCritical), Message: "Temperature above 100"},
		{Name: "humidity_out_of_range", Type: "range", MetricType: telemetry.SensorHumidity, Min: 20, Max: 80, Severity: string(telemetry.SeverityWarning), Message: "Humidity outside [20, 80]"},
		{Name: "low_pressure", Type: "threshold", MetricType: telemetry.SensorPressure, Operator: "<", Threshold: 900, Severity: string(telemetry.SeverityWarning), Message: "Pressure below 900"},
	}
}

// BuildEngine compiles the configured rules (or the defaults) into an
// engine. Bad rule definitions fail startup, not evaluation.
func BuildEngine(ruleCfgs []RuleConfig) (*rules.Engine, error) {
	if len(ruleCfgs) == 0 {
		ruleCfgs = DefaultRules()
	}
	eng := rules.NewEngine()
	for _, rc := range ruleCfgs {
		sev := telemetry.Severity(rc.Severity)
		switch rc.Type {
		case "threshold":
			if err := eng.AddThresholdRule(rc.Name, rc.MetricType, rc.Threshold, rules.Operator(rc.Operator), sev, rc.Message); err != nil {
				return nil, errors.Wrapf(err, "rule %q", rc.Name)
			}
		case "range":
			eng.AddRangeRule(rc.Name, rc.MetricType, rc.Min, rc.Max, sev, rc.Message)
		default:
			return nil, errors.Errorf("rule %q: unknown type %q", rc.Name, rc.Type)
		}
	}
	return eng, nil
}
