package streamrules

import (
	"context"
	"flag"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fleetstream/fleetstream/modules/worker"
	"github.com/fleetstream/fleetstream/pkg/ingest"
	"github.com/fleetstream/fleetstream/pkg/store"
	"github.com/fleetstream/fleetstream/pkg/telemetry"
)

var (
	metricThresholdChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iot_threshold_checks_total",
		Help: "Total threshold checks performed.",
	}, []string{"sensor_type"})

	metricAlertsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iot_alerts_generated_total",
		Help: "Total alerts generated by the stream checks.",
	}, []string{"alert_type", "severity"})
)

type Config struct {
	Worker worker.Config `yaml:"worker"`

	AlertsTopic   string  `yaml:"alerts_topic"`
	RateThreshold float64 `yaml:"rate_threshold"`
	StuckCount    int     `yaml:"stuck_count"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Worker.RegisterFlagsAndApplyDefaults(prefix, f, worker.Defaults{
		Name:        "stream-rules",
		Topic:       "iot.telemetry",
		Group:       "iot-stream-rules",
		MetricsPort: 8085,
		MinReplicas: 1,
		MaxReplicas: 3,
		Lag:         200,
	})
	f.StringVar(&cfg.AlertsTopic, prefix+".alerts-topic", "iot.alerts", "Topic alerts are published to.")
	f.Float64Var(&cfg.RateThreshold, prefix+".rate-threshold", 10.0, "Absolute change between consecutive readings that raises a rapid change alert.")
	f.IntVar(&cfg.StuckCount, prefix+".stuck-count", 5, "Consecutive identical readings that raise a stuck sensor alert.")
}

type handler struct {
	cfg      Config
	storeCfg store.Config
	proc     *Processor
	pub      *ingest.AlertPublisher
	logger   log.Logger
	reg      prometheus.Registerer
}

// NewWorker returns the stream rules worker. Thresholds are loaded from
// the store during startup.
func NewWorker(cfg Config, storeCfg store.Config, logger log.Logger, reg prometheus.Registerer) (*worker.Worker, error) {
	h := &handler{
		cfg:      cfg,
		storeCfg: storeCfg,
		logger:   logger,
		reg:      reg,
	}
	return worker.New(cfg.Worker, h, logger, reg)
}

func (h *handler) Setup(ctx context.Context) error {
	thresholds, err := h.loadThresholds(ctx)
	if err != nil {
		return err
	}
	h.proc = NewProcessor(telemetry.NewThresholdSet(thresholds), h.cfg.RateThreshold, h.cfg.StuckCount)
	level.Info(h.logger).Log("msg", "thresholds loaded", "count", len(thresholds))

	pubCfg := h.cfg.Worker.Kafka
	pubCfg.Topic = h.cfg.AlertsTopic
	pub, err := ingest.NewAlertPublisher(pubCfg, h.cfg.Worker.Name, h.logger, h.reg)
	if err != nil {
		return errors.Wrap(err, "creating alert publisher")
	}
	h.pub = pub
	return nil
}

// loadThresholds retries until the database answers; a worker without
// its bound table cannot do useful work.
func (h *handler) loadThresholds(ctx context.Context) ([]telemetry.Threshold, error) {
	db, err := store.New(h.storeCfg, h.logger)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var thresholds []telemetry.Threshold
	bo := backoff.New(ctx, h.cfg.Worker.Retry)
	for bo.Ongoing() {
		thresholds, err = db.LoadThresholds(ctx)
		if err == nil {
			return thresholds, nil
		}
		level.Warn(h.logger).Log("msg", "loading thresholds failed, retrying", "err", err)
		bo.Wait()
	}
	if err == nil {
		err = bo.Err()
	}
	return nil, errors.Wrap(err, "loading thresholds")
}

func (h *handler) Teardown(_ context.Context) error {
	if h.pub != nil {
		h.pub.Close()
	}
	return nil
}

func (h *handler) Process(ctx context.Context, msg worker.Message) error {
	rec, err := telemetry.DecodeRecord(msg.Value)
	if err != nil && !errors.Is(err, telemetry.ErrBadTimestamp) {
		return errors.Wrapf(worker.ErrMalformed, "stream rules: %s", err)
	}

	res := h.proc.Process(rec)
	if res.ThresholdChecked {
		metricThresholdChecks.WithLabelValues(rec.SensorType).Inc()
	}
	for _, a := range res.Alerts {
		metricAlertsGenerated.WithLabelValues(a.AlertType, string(a.Severity)).Inc()
		level.Warn(h.logger).Log(
			"msg", "stream alert",
			"alert_type", a.AlertType,
			"severity", a.Severity,
			"device_id", a.DeviceID,
			"value", a.Value,
		)
		if err := h.pub.Publish(ctx, a); err != nil {
			return err
		}
	}
	return nil
}
