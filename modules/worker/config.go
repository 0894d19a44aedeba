package worker

import (
	"flag"
	"fmt"
	"time"

	"github.com/grafana/dskit/backoff"

	"github.com/fleetstream/fleetstream/pkg/ingest"
)

// Defaults parameterise RegisterFlagsAndApplyDefaults per worker, since
// every worker has its own name, topic, group and port.
type Defaults struct {
	Name        string
	Topic       string
	Group       string
	MetricsPort int
	MinReplicas int
	MaxReplicas int
	Lag         int
}

// Config is the shared configuration of every pipeline worker.
type Config struct {
	Name        string `yaml:"name"`
	MetricsPort int    `yaml:"metrics_port"`

	Kafka ingest.Config `yaml:"kafka"`

	// FilterField/FilterValues restrict which records the worker touches.
	// An empty field means process everything.
	FilterField  string   `yaml:"filter_field"`
	FilterValues []string `yaml:"filter_values"`

	// Scaling hints consumed by external autoscaling; the worker itself
	// only reports them.
	MinReplicas  int `yaml:"min_replicas"`
	MaxReplicas  int `yaml:"max_replicas"`
	LagThreshold int `yaml:"lag_threshold"`

	Retry             backoff.Config `yaml:"retry"`
	LagExportInterval time.Duration  `yaml:"lag_export_interval"`

	// PollTimeout bounds one consume poll. It is the upper bound on how
	// late a batch handler's time-based flush can fire on an idle topic.
	PollTimeout time.Duration `yaml:"poll_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet, d Defaults) {
	cfg.Name = d.Name
	cfg.MinReplicas = d.MinReplicas
	cfg.MaxReplicas = d.MaxReplicas
	cfg.LagThreshold = d.Lag

	f.IntVar(&cfg.MetricsPort, prefix+".metrics-port", d.MetricsPort, "Port for the /metrics and /health endpoints.")
	f.StringVar(&cfg.FilterField, prefix+".filter-field", "", "Record field to filter on (sensor_type, device_type or device_id).")
	f.DurationVar(&cfg.LagExportInterval, prefix+".lag-export-interval", 15*time.Second, "How often to export consumer group lag. 0 disables.")
	f.DurationVar(&cfg.PollTimeout, prefix+".poll-timeout", time.Second, "Upper bound on one consume poll.")

	cfg.Kafka.RegisterFlagsAndApplyDefaults(prefix+".kafka", f)
	cfg.Kafka.Topic = d.Topic
	cfg.Kafka.ConsumerGroup = d.Group

	cfg.Retry.MinBackoff = 100 * time.Millisecond
	cfg.Retry.MaxBackoff = 5 * time.Second
	cfg.Retry.MaxRetries = 10
}

func (cfg *Config) Validate() error {
	if cfg.Name == "" {
		return fmt.Errorf("worker name is required")
	}
	if cfg.MetricsPort <= 0 {
		return fmt.Errorf("metrics port must be positive, got %d", cfg.MetricsPort)
	}
	if cfg.PollTimeout <= 0 {
		return fmt.Errorf("poll timeout must be positive, got %s", cfg.PollTimeout)
	}
	if cfg.FilterField != "" {
		switch cfg.FilterField {
		case "sensor_type", "device_type", "device_id":
		default:
			return fmt.Errorf("unsupported filter field %q", cfg.FilterField)
		}
		if len(cfg.FilterValues) == 0 {
			return fmt.Errorf("filter_field set without filter_values")
		}
	}
	return cfg.Kafka.Validate()
}
