package kpijob

import (
	"context"
	"flag"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/fleetstream/fleetstream/pkg/store"
)

var (
	metricKPIsComputed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iot_kpis_computed_total",
		Help: "Total KPI values computed.",
	}, []string{"kpi_name"})

	metricJobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "iot_kpi_job_duration_seconds",
		Help:    "Wall time of one KPI job run.",
		Buckets: prometheus.DefBuckets,
	})
)

type Config struct {
	JobName        string `yaml:"job_name"`
	PushgatewayURL string `yaml:"pushgateway_url"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.JobName, prefix+".job-name", "kpi_5min", "Watermark name of this job.")
	f.StringVar(&cfg.PushgatewayURL, prefix+".pushgateway-url", "", "Pushgateway to push job metrics to after a run. Empty disables pushing.")
}

// Job computes KPIs for the telemetry persisted since the last successful
// run. Meant to be invoked by a scheduler, one run per invocation.
type Job struct {
	cfg    Config
	db     *store.Store
	logger log.Logger
	now    func() time.Time
}

func New(cfg Config, db *store.Store, logger log.Logger) *Job {
	return &Job{
		cfg:    cfg,
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// Run executes one pass: read the watermark, compute and upsert KPIs for
// (watermark, now], then advance the watermark to the newest processed
// row. Any failure leaves the watermark where it was.
func (j *Job) Run(ctx context.Context) error {
	started := j.now()
	defer func() {
		metricJobDuration.Observe(j.now().Sub(started).Seconds())
		j.pushMetrics()
	}()

	watermark, err := j.db.Watermark(ctx, j.cfg.JobName)
	if err != nil {
		return err
	}
	now := j.now().UTC()

	rows, err := j.db.SelectTelemetryRange(ctx, watermark, now)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		level.Info(j.logger).Log("msg", "no telemetry since watermark", "watermark", watermark)
		return nil
	}

	kpis, maxTime := computeKPIs(rows, watermark, now)
	for _, row := range kpis {
		if err := j.db.UpsertKPI(ctx, row); err != nil {
			return errors.Wrapf(err, "kpi %s for device %s", row.KPIName, row.DeviceID)
		}
		metricKPIsComputed.WithLabelValues(row.KPIName).Inc()
	}

	if err := j.db.AdvanceWatermark(ctx, j.cfg.JobName, maxTime); err != nil {
		return err
	}
	level.Info(j.logger).Log("msg", "kpi run complete", "rows", len(rows), "kpis", len(kpis), "watermark", maxTime)
	return nil
}

// pushMetrics ships the job's metrics to the Pushgateway, best effort: a
// short-lived job is gone before a scraper would find it.
func (j *Job) pushMetrics() {
	if j.cfg.PushgatewayURL == "" {
		return
	}
	err := push.New(j.cfg.PushgatewayURL, j.cfg.JobName).
		Gatherer(prometheus.DefaultGatherer).
		Push()
	if err != nil {
		level.Warn(j.logger).Log("msg", "pushing job metrics failed", "err", err)
	}
}
