// Package alerter evaluates the configurable rule engine against the
// telemetry stream and publishes the resulting alerts.
package alerter

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fleetstream/fleetstream/modules/worker"
	"github.com/fleetstream/fleetstream/pkg/ingest"
	"github.com/fleetstream/fleetstream/pkg/rules"
	"github.com/fleetstream/fleetstream/pkg/telemetry"
)

type handler struct {
	cfg    Config
	engine *rules.Engine
	pub    *ingest.AlertPublisher
	logger log.Logger
	reg    prometheus.Registerer
	now    func() time.Time
}

// NewWorker returns the rule-engine worker.
func NewWorker(cfg Config, logger log.Logger, reg prometheus.Registerer) (*worker.Worker, error) {
	eng, err := BuildEngine(cfg.Rules)
	if err != nil {
		return nil, errors.Wrap(err, "building rule engine")
	}
	h := &handler{
		cfg:    cfg,
		engine: eng,
		logger: logger,
		reg:    reg,
		now:    time.Now,
	}
	return worker.New(cfg.Worker, h, logger, reg)
}

func (h *handler) Setup(_ context.Context) error {
	pubCfg := h.cfg.Worker.Kafka
	pubCfg.Topic = h.cfg.AlertsTopic
	pub, err := ingest.NewAlertPublisher(pubCfg, h.cfg.Worker.Name, h.logger, h.reg)
	if err != nil {
		return errors.Wrap(err, "creating alert publisher")
	}
	h.pub = pub
	level.Info(h.logger).Log("msg", "rule engine ready", "rules", h.engine.Len(), "alerts_topic", h.cfg.AlertsTopic)
	return nil
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
		return errors.Wrapf(worker.ErrMalformed, "alerter: %s", err)
	}
	sample, ok := rec.Sample()
	if !ok {
		return nil
	}

	for _, a := range h.engine.Evaluate(sample) {
		worker.AlertsTriggered.WithLabelValues(h.cfg.Worker.Name, string(a.Severity), a.Name).Inc()
		level.Warn(h.logger).Log(
			"msg", "rule alert",
			"rule", a.Name,
			"severity", a.Severity,
			"device_id", a.Source,
			"value", a.Value,
		)

		value := a.Value
		out := telemetry.Alert{
			AlertID:    uuid.NewString(),
			DeviceID:   sample.DeviceID,
			DeviceType: sample.DeviceType,
			AlertType:  a.Name,
			Severity:   a.Severity,
			Message:    a.Message,
			Threshold:  a.Threshold,
			Value:      &value,
			CreatedAt:  h.now().UTC(),
		}
		// A publish failure is transient: the record stays unmarked and
		// the rules re-evaluate it on redelivery.
		if err := h.pub.Publish(ctx, out); err != nil {
			return err
		}
	}
	return nil
}
