package anomaly

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fleetstream/fleetstream/modules/worker"
	"github.com/fleetstream/fleetstream/pkg/telemetry"
)

var metricAnomaliesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "analytics_anomalies_detected_total",
	Help: "Total anomalies detected.",
}, []string{"device_id", "metric_type"})

type handler struct {
	detector *Detector
	name     string
	logger   log.Logger
}

// NewWorker returns the anomaly detection worker.
func NewWorker(cfg Config, logger log.Logger, reg prometheus.Registerer) (*worker.Worker, error) {
	h := &handler{
		detector: NewDetector(cfg.Threshold, cfg.MinSamples, cfg.AbsoluteBounds),
		name:     cfg.Worker.Name,
		logger:   logger,
	}
	return worker.New(cfg.Worker, h, logger, reg)
}

func (h *handler) Process(_ context.Context, msg worker.Message) error {
	rec, err := telemetry.DecodeRecord(msg.Value)
	if err != nil && !errors.Is(err, telemetry.ErrBadTimestamp) {
		// Detection does not use the timestamp, but a structurally broken
		// record is still skipped.
		return errors.Wrapf(worker.ErrMalformed, "anomaly: %s", err)
	}
	sample, ok := rec.Sample()
	if !ok {
		// No scalar interpretation; nothing to detect on.
		return nil
	}

	res := h.detector.Process(sample)

	if res.IsAnomaly {
		metricAnomaliesDetected.WithLabelValues(res.DeviceID, res.MetricType).Inc()
	}
	for _, a := range res.Alerts {
		worker.AlertsTriggered.WithLabelValues(h.name, string(a.Severity), a.Name).Inc()
		level.Warn(h.logger).Log(
			"msg", "anomaly alert",
			"rule", a.Name,
			"severity", a.Severity,
			"device_id", a.Source,
			"metric_type", res.MetricType,
			"value", a.Value,
		)
	}
	return nil
}
