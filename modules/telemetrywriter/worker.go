// Package telemetrywriter persists raw telemetry in batches. Offsets are
// committed only after the batch containing them is stored, so a crash
// between buffer and flush replays the records instead of losing them.
package telemetrywriter

import (
	"context"
	"flag"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fleetstream/fleetstream/modules/worker"
	"github.com/fleetstream/fleetstream/pkg/store"
	"github.com/fleetstream/fleetstream/pkg/telemetry"
)

var (
	metricTelemetryReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iot_telemetry_received_total",
		Help: "Total telemetry records consumed.",
	}, []string{"device_type", "sensor_type"})

	metricTelemetryStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iot_telemetry_stored_total",
		Help: "Total telemetry records persisted.",
	}, []string{"device_type"})
)

type Config struct {
	Worker worker.Config `yaml:"worker"`

	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Worker.RegisterFlagsAndApplyDefaults(prefix, f, worker.Defaults{
		Name:        "telemetry-writer",
		Topic:       "iot.telemetry",
		Group:       "iot-telemetry-writer",
		MetricsPort: 8087,
		MinReplicas: 1,
		MaxReplicas: 4,
		Lag:         500,
	})
	f.IntVar(&cfg.BatchSize, prefix+".batch-size", 100, "Records buffered before a flush.")
	f.DurationVar(&cfg.FlushInterval, prefix+".flush-interval", time.Second, "Longest a non-empty buffer waits before flushing.")
}

type handler struct {
	cfg      Config
	storeCfg store.Config
	db       *store.Store
	logger   log.Logger

	buf       []telemetry.Record
	lastFlush time.Time
	now       func() time.Time
}

// NewWorker returns the telemetry persistence worker.
func NewWorker(cfg Config, storeCfg store.Config, logger log.Logger, reg prometheus.Registerer) (*worker.Worker, error) {
	h := &handler{
		cfg:      cfg,
		storeCfg: storeCfg,
		logger:   logger,
		now:      time.Now,
	}
	return worker.New(cfg.Worker, h, logger, reg)
}

func (h *handler) Setup(ctx context.Context) error {
	db, err := store.New(h.storeCfg, h.logger)
	if err != nil {
		return err
	}
	bo := backoff.New(ctx, h.cfg.Worker.Retry)
	for bo.Ongoing() {
		if err = db.Ping(ctx); err == nil {
			break
		}
		level.Warn(h.logger).Log("msg", "database not reachable yet", "err", err)
		bo.Wait()
	}
	if err != nil {
		db.Close()
		return errors.Wrap(err, "connecting to database")
	}
	h.db = db
	h.lastFlush = h.now()
	return nil
}

func (h *handler) Teardown(_ context.Context) error {
	if h.db != nil {
		return h.db.Close()
	}
	return nil
}

func (h *handler) Process(_ context.Context, msg worker.Message) error {
	rec, err := telemetry.DecodeRecord(msg.Value)
	if err != nil {
		// Persistence needs the original timestamp, so a bad one is
		// malformed here even though the analytics workers tolerate it.
		return errors.Wrapf(worker.ErrMalformed, "telemetry writer: %s", err)
	}
	metricTelemetryReceived.WithLabelValues(rec.DeviceType, rec.SensorType).Inc()
	h.buf = append(h.buf, rec)
	return nil
}

// Flush writes the buffer when it is full or has aged past the flush
// interval. On failure the buffer is kept so the next cycle retries the
// same batch.
func (h *handler) Flush(ctx context.Context) (bool, error) {
	if len(h.buf) == 0 {
		h.lastFlush = h.now()
		return false, nil
	}
	if len(h.buf) < h.cfg.BatchSize && h.now().Sub(h.lastFlush) < h.cfg.FlushInterval {
		return false, nil
	}

	if err := h.db.InsertTelemetryBatch(ctx, h.buf); err != nil {
		worker.ProcessingErrors.WithLabelValues(h.cfg.Worker.Name, "store").Inc()
		return false, err
	}
	for _, rec := range h.buf {
		metricTelemetryStored.WithLabelValues(rec.DeviceType).Inc()
	}
	level.Debug(h.logger).Log("msg", "flushed telemetry batch", "records", len(h.buf))
	h.buf = h.buf[:0]
	h.lastFlush = h.now()
	return true, nil
}
