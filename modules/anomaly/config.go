package anomaly

import (
	"flag"

	"github.com/fleetstream/fleetstream/modules/worker"
)

type Config struct {
	Worker worker.Config `yaml:"worker"`

	Threshold      float64           `yaml:"threshold"`
	MinSamples     int               `yaml:"min_samples"`
	AbsoluteBounds map[string]Bounds `yaml:"absolute_bounds"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Worker.RegisterFlagsAndApplyDefaults(prefix, f, worker.Defaults{
		Name:        "anomaly-detector",
		Topic:       "iot.telemetry",
		Group:       "analytics-anomaly",
		MetricsPort: 8082,
		MinReplicas: 0,
		MaxReplicas: 5,
		Lag:         100,
	})

	f.Float64Var(&cfg.Threshold, prefix+".threshold", 3.0, "Z-score threshold for anomaly detection.")
	f.IntVar(&cfg.MinSamples, prefix+".min-samples", 10, "Samples required per series before statistical detection starts.")

	cfg.AbsoluteBounds = map[string]Bounds{
		"temperature": {Min: -50, Max: 150},
		"humidity":    {Min: 0, Max: 100},
		"pressure":    {Min: 800, Max: 1200},
	}
}
