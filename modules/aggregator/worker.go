package aggregator

import (
	"context"
	"flag"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fleetstream/fleetstream/modules/worker"
	"github.com/fleetstream/fleetstream/pkg/telemetry"
)

var (
	metricAggregationMean = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "analytics_aggregation_mean",
		Help: "Rolling mean value.",
	}, []string{"device_id", "metric_type"})

	metricAggregationCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "analytics_aggregation_count",
		Help: "Rolling count of readings.",
	}, []string{"device_id", "metric_type"})
)

type Config struct {
	Worker worker.Config `yaml:"worker"`

	Window time.Duration `yaml:"window"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Worker.RegisterFlagsAndApplyDefaults(prefix, f, worker.Defaults{
		Name:        "aggregator",
		Topic:       "iot.telemetry",
		Group:       "analytics-aggregator",
		MetricsPort: 8083,
		MinReplicas: 0,
		MaxReplicas: 3,
		Lag:         200,
	})
	f.DurationVar(&cfg.Window, prefix+".window", 5*time.Minute, "Rolling aggregation window.")
}

type handler struct {
	agg    *Aggregator
	logger log.Logger
}

// NewWorker returns the aggregation worker.
func NewWorker(cfg Config, logger log.Logger, reg prometheus.Registerer) (*worker.Worker, error) {
	h := &handler{
		agg:    New(cfg.Window),
		logger: logger,
	}
	return worker.New(cfg.Worker, h, logger, reg)
}

func (h *handler) Process(_ context.Context, msg worker.Message) error {
	rec, err := telemetry.DecodeRecord(msg.Value)
	if err != nil && !errors.Is(err, telemetry.ErrBadTimestamp) {
		return errors.Wrapf(worker.ErrMalformed, "aggregator: %s", err)
	}
	// A bad timestamp falls through with a zero Timestamp, which the
	// window replaces with the current time.
	sample, ok := rec.Sample()
	if !ok {
		return nil
	}

	res := h.agg.Process(sample)

	metricAggregationMean.WithLabelValues(res.DeviceID, res.MetricType).Set(res.Mean)
	metricAggregationCount.WithLabelValues(res.DeviceID, res.MetricType).Set(float64(res.Count))
	return nil
}
