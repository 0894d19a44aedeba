// Package alertwriter persists alerts from the alerts topic. Writes are
// idempotent upserts, so redelivered alerts are safe; a circuit breaker
// keeps a struggling database from being hammered by retries.
package alertwriter

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
	"github.com/sony/gobreaker"

	"github.com/fleetstream/fleetstream/modules/worker"
	"github.com/fleetstream/fleetstream/pkg/store"
	"github.com/fleetstream/fleetstream/pkg/telemetry"
)

var (
	metricAlertsStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iot_alerts_stored_total",
		Help: "Total alerts persisted.",
	}, []string{"alert_type", "severity"})

	metricAlertsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "iot_alerts_active",
		Help: "Alert types currently raised per device.",
	}, []string{"device_id", "alert_type"})
)

type Config struct {
	Worker worker.Config `yaml:"worker"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Worker.RegisterFlagsAndApplyDefaults(prefix, f, worker.Defaults{
		Name:        "alert-writer",
		Topic:       "iot.alerts",
		Group:       "iot-alert-writer",
		MetricsPort: 8086,
		MinReplicas: 1,
		MaxReplicas: 2,
		Lag:         100,
	})
}

type handler struct {
	cfg      Config
	storeCfg store.Config
	db       *store.Store
	breaker  *gobreaker.CircuitBreaker
	logger   log.Logger
}

// NewWorker returns the alert persistence worker.
func NewWorker(cfg Config, storeCfg store.Config, logger log.Logger, reg prometheus.Registerer) (*worker.Worker, error) {
	h := &handler{
		cfg:      cfg,
		storeCfg: storeCfg,
		logger:   logger,
	}
	h.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    cfg.Worker.Name,
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			level.Warn(logger).Log("msg", "store circuit breaker state change", "breaker", name, "from", from, "to", to)
		},
	})
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
	return nil
}

func (h *handler) Teardown(_ context.Context) error {
	if h.db != nil {
		return h.db.Close()
	}
	return nil
}

func (h *handler) Process(ctx context.Context, msg worker.Message) error {
	a, err := telemetry.DecodeAlert(msg.Value)
	if err != nil {
		return errors.Wrapf(worker.ErrMalformed, "alert writer: %s", err)
	}

	// Store failures (including an open breaker) are transient: the
	// offset stays unmarked and the alert is redelivered.
	if _, err := h.breaker.Execute(func() (interface{}, error) {
		return nil, h.db.UpsertAlert(ctx, a)
	}); err != nil {
		worker.ProcessingErrors.WithLabelValues(h.cfg.Worker.Name, "store").Inc()
		return err
	}

	metricAlertsStored.WithLabelValues(a.AlertType, string(a.Severity)).Inc()
	metricAlertsActive.WithLabelValues(a.DeviceID, a.AlertType).Set(1)
	return nil
}
