package app

import (
	"flag"
	"fmt"

	dslog "github.com/grafana/dskit/log"

	"github.com/fleetstream/fleetstream/modules/aggregator"
	"github.com/fleetstream/fleetstream/modules/alerter"
	"github.com/fleetstream/fleetstream/modules/alertwriter"
	"github.com/fleetstream/fleetstream/modules/anomaly"
	"github.com/fleetstream/fleetstream/modules/kpijob"
	"github.com/fleetstream/fleetstream/modules/streamrules"
	"github.com/fleetstream/fleetstream/modules/telemetrywriter"
	"github.com/fleetstream/fleetstream/pkg/store"
)

// Deployable targets. Each worker target runs one pipeline; All runs
// every stream worker in a single process. KPIJob runs one batch pass
// and exits.
const (
	Anomaly         = "anomaly"
	Aggregator      = "aggregator"
	Alerter         = "alerter"
	StreamRules     = "stream-rules"
	AlertWriter     = "alert-writer"
	TelemetryWriter = "telemetry-writer"
	KPIJob          = "kpi-job"
	All             = "all"
)

// Config is the root configuration of the binary. One file configures
// every target; the target selects which parts are used.
type Config struct {
	Target    string      `yaml:"target"`
	LogLevel  dslog.Level `yaml:"log_level"`
	LogFormat string      `yaml:"log_format"`

	Store store.Config `yaml:"store"`

	Anomaly         anomaly.Config         `yaml:"anomaly"`
	Aggregator      aggregator.Config      `yaml:"aggregator"`
	Alerter         alerter.Config         `yaml:"alerter"`
	StreamRules     streamrules.Config     `yaml:"stream_rules"`
	AlertWriter     alertwriter.Config     `yaml:"alert_writer"`
	TelemetryWriter telemetrywriter.Config `yaml:"telemetry_writer"`
	KPIJob          kpijob.Config          `yaml:"kpi_job"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Target = All
	f.StringVar(&c.Target, "target", All, "Target to run. Options: anomaly, aggregator, alerter, stream-rules, alert-writer, telemetry-writer, kpi-job, all.")
	_ = c.LogLevel.Set("info")
	c.LogLevel.RegisterFlags(f)
	f.StringVar(&c.LogFormat, "log.format", "logfmt", "Log format: logfmt or json.")

	c.Store.RegisterFlagsAndApplyDefaults(addPrefix(prefix, "store"), f)

	c.Anomaly.RegisterFlagsAndApplyDefaults(addPrefix(prefix, "anomaly"), f)
	c.Aggregator.RegisterFlagsAndApplyDefaults(addPrefix(prefix, "aggregator"), f)
	c.Alerter.RegisterFlagsAndApplyDefaults(addPrefix(prefix, "alerter"), f)
	c.StreamRules.RegisterFlagsAndApplyDefaults(addPrefix(prefix, "stream-rules"), f)
	c.AlertWriter.RegisterFlagsAndApplyDefaults(addPrefix(prefix, "alert-writer"), f)
	c.TelemetryWriter.RegisterFlagsAndApplyDefaults(addPrefix(prefix, "telemetry-writer"), f)
	c.KPIJob.RegisterFlagsAndApplyDefaults(addPrefix(prefix, "kpi-job"), f)
}

func (c *Config) Validate() error {
	switch c.Target {
	case Anomaly, Aggregator, Alerter, StreamRules, AlertWriter, TelemetryWriter, KPIJob, All:
		return nil
	}
	return fmt.Errorf("unknown target %q", c.Target)
}

func addPrefix(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
