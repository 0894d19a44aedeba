// Package worker is the shared pipeline worker runtime: consumer
// lifecycle, record filtering, per-message metrics and graceful
// shutdown. Every stateful worker in the engine runs inside it.
package worker

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/multierror"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fleetstream/fleetstream/pkg/ingest"
)

// ErrMalformed marks a record that can never be processed: it is
// counted, logged and skipped, and its offset advances. Everything else
// is treated as transient: the record is retried with backoff, and if
// the retries run out the worker fails without committing the offset,
// so the log redelivers the record after a restart.
var ErrMalformed = errors.New("malformed record")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Message is one consumed event-log record.
type Message struct {
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Partition int32
	Offset    int64
}

// Handler processes one message. Processing must be idempotent: under
// at-least-once delivery the same message may arrive twice.
type Handler interface {
	Process(ctx context.Context, msg Message) error
}

// Starter is implemented by handlers that need setup before the consume
// loop starts (loading thresholds, connecting producers).
type Starter interface {
	Setup(ctx context.Context) error
}

// Stopper is implemented by handlers with teardown work.
type Stopper interface {
	Teardown(ctx context.Context) error
}

// BatchHandler is implemented by handlers that buffer records and flush
// them in batches. The runtime defers offset marks to flush boundaries:
// a record's offset is only committed once a flush containing it
// succeeded.
type BatchHandler interface {
	Handler
	// Flush writes the buffer out if a flush trigger (size or time) is
	// met. Returns whether the buffer is now empty.
	Flush(ctx context.Context) (flushed bool, err error)
}

// Worker hosts one pipeline: it owns the consumer, the metrics endpoint
// and the handler state, and runs as a dskit service
// (New → Starting → Running → Stopping → Terminated).
type Worker struct {
	services.Service

	cfg     Config
	handler Handler
	batch   BatchHandler // nil unless handler buffers

	client *kgo.Client
	adm    *kadm.Client
	srv    *metricsServer

	// records processed but not yet marked, batch mode only
	pending []*kgo.Record

	logger log.Logger
	reg    prometheus.Registerer
}

// New builds a worker around the handler. If the handler implements
// BatchHandler, offsets are committed per flush instead of per record.
func New(cfg Config, handler Handler, logger log.Logger, reg prometheus.Registerer) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config for worker %s", cfg.Name)
	}
	w := &Worker{
		cfg:     cfg,
		handler: handler,
		logger:  log.With(logger, "worker", cfg.Name),
		reg:     reg,
	}
	if b, ok := handler.(BatchHandler); ok {
		w.batch = b
	}
	w.Service = services.NewBasicService(w.starting, w.running, w.stopping)
	return w, nil
}

func (w *Worker) starting(ctx context.Context) error {
	w.srv = newMetricsServer(w.cfg.MetricsPort, prometheus.DefaultGatherer, w.logger)
	if err := w.srv.start(); err != nil {
		return err
	}
	level.Info(w.logger).Log("msg", "metrics endpoint up", "port", w.cfg.MetricsPort)

	if s, ok := w.handler.(Starter); ok {
		if err := s.Setup(ctx); err != nil {
			return errors.Wrap(err, "handler setup")
		}
	}

	metrics := ingest.NewReaderClientMetrics(w.cfg.Name, w.reg)
	client, err := ingest.NewGroupReaderClient(w.cfg.Kafka, metrics, w.logger)
	if err != nil {
		return err
	}
	w.client = client
	w.adm = kadm.NewClient(client)

	bo := backoff.New(ctx, w.cfg.Retry)
	for bo.Ongoing() {
		if err := client.Ping(ctx); err == nil {
			break
		} else {
			level.Warn(w.logger).Log("msg", "broker not reachable yet", "err", err)
		}
		bo.Wait()
	}
	if err := bo.Err(); err != nil {
		return errors.Wrap(err, "connecting to kafka")
	}

	level.Info(w.logger).Log("msg", "consuming", "topic", w.cfg.Kafka.Topic, "group", w.cfg.Kafka.ConsumerGroup)
	return nil
}

func (w *Worker) running(ctx context.Context) error {
	if w.cfg.LagExportInterval > 0 {
		go ingest.ExportGroupLagMetrics(ctx, w.adm, w.cfg.Kafka, w.cfg.LagExportInterval, w.logger)
	}

	for ctx.Err() == nil {
		fetches := w.pollOnce(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := fetches.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			level.Error(w.logger).Log("msg", "fetch error", "err", collectFetchErrs(fetches))
			continue
		}

		var procErr error
		fetches.EachRecord(func(rec *kgo.Record) {
			if procErr != nil {
				return
			}
			procErr = w.handleRecord(ctx, rec)
		})
		if procErr != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Failing the worker keeps the record's offset uncommitted:
			// the restarted worker resumes from the last commit and the
			// log redelivers it.
			return procErr
		}

		if w.batch != nil {
			w.maybeFlush(ctx)
		}
	}
	return nil
}

// pollOnce bounds a single poll so an idle topic still wakes the loop
// up and a batch handler's time-based flush trigger gets evaluated.
func (w *Worker) pollOnce(ctx context.Context) kgo.Fetches {
	pollCtx, cancel := context.WithTimeout(ctx, w.cfg.PollTimeout)
	defer cancel()
	return w.client.PollFetches(pollCtx)
}

func (w *Worker) stopping(_ error) error {
	level.Info(w.logger).Log("msg", "stopping")

	// Last chance for buffered handlers to drain.
	if w.batch != nil {
		w.maybeFlush(context.Background())
	}

	if s, ok := w.handler.(Stopper); ok {
		if err := s.Teardown(context.Background()); err != nil {
			level.Warn(w.logger).Log("msg", "handler teardown failed", "err", err)
		}
	}

	if w.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.client.CommitMarkedOffsets(ctx); err != nil {
			level.Warn(w.logger).Log("msg", "final offset commit failed", "err", err)
		}
		w.client.Close()
	}

	if w.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.srv.shutdown(ctx); err != nil {
			level.Warn(w.logger).Log("msg", "metrics server shutdown failed", "err", err)
		}
	}

	level.Info(w.logger).Log("msg", "stopped")
	return nil
}

func (w *Worker) handleRecord(ctx context.Context, rec *kgo.Record) error {
	if !w.matchesFilter(rec.Value) {
		w.client.MarkCommitRecords(rec)
		return nil
	}

	metricMessagesProcessed.WithLabelValues(w.cfg.Name).Inc()

	msg := Message{
		Key:       rec.Key,
		Value:     rec.Value,
		Timestamp: rec.Timestamp,
		Partition: rec.Partition,
		Offset:    rec.Offset,
	}

	err := w.processWithRetry(ctx, msg)
	switch {
	case err == nil:
		if w.batch != nil {
			w.pending = append(w.pending, rec)
		} else {
			w.client.MarkCommitRecords(rec)
		}
	case errors.Is(err, ErrMalformed):
		// Poisoned record: skip it so the partition keeps moving.
		level.Warn(w.logger).Log("msg", "skipping malformed record", "partition", rec.Partition, "offset", rec.Offset, "err", err)
		w.client.MarkCommitRecords(rec)
	default:
		// Retries exhausted. Marks are per-partition high-water marks, so
		// skipping ahead would let a later record's mark commit past this
		// one and lose it.
		level.Error(w.logger).Log("msg", "record processing failed, stopping worker", "partition", rec.Partition, "offset", rec.Offset, "err", err)
		return errors.Wrapf(err, "processing record at partition %d offset %d", rec.Partition, rec.Offset)
	}
	return nil
}

func (w *Worker) processWithRetry(ctx context.Context, msg Message) error {
	bo := backoff.New(ctx, w.cfg.Retry)
	var err error
	for bo.Ongoing() {
		err = w.handler.Process(ctx, msg)
		if err == nil || errors.Is(err, ErrMalformed) {
			return err
		}
		metricPipelineErrors.WithLabelValues(w.cfg.Name).Inc()
		bo.Wait()
	}
	if err == nil {
		err = bo.Err()
	}
	return err
}

func (w *Worker) maybeFlush(ctx context.Context) {
	flushed, err := w.batch.Flush(ctx)
	if err != nil {
		metricPipelineErrors.WithLabelValues(w.cfg.Name).Inc()
		level.Error(w.logger).Log("msg", "batch flush failed", "err", err)
		return
	}
	if flushed && len(w.pending) > 0 {
		w.client.MarkCommitRecords(w.pending...)
		w.pending = w.pending[:0]
	}
}

// filterProbe decodes just enough of a record to apply the filter.
type filterProbe struct {
	DeviceID   string `json:"deviceId"`
	DeviceType string `json:"deviceType"`
	SensorType string `json:"sensorType"`
}

func (w *Worker) matchesFilter(value []byte) bool {
	if w.cfg.FilterField == "" {
		return true
	}
	var probe filterProbe
	if err := json.Unmarshal(value, &probe); err != nil {
		// Let the handler deal with (and count) the malformed record.
		return true
	}
	var field string
	switch w.cfg.FilterField {
	case "sensor_type":
		field = probe.SensorType
	case "device_type":
		field = probe.DeviceType
	case "device_id":
		field = probe.DeviceID
	}
	for _, v := range w.cfg.FilterValues {
		if field == v {
			return true
		}
	}
	return false
}

func collectFetchErrs(fetches kgo.Fetches) error {
	mErr := multierror.New()
	fetches.EachError(func(_ string, _ int32, err error) {
		mErr.Add(err)
	})
	return mErr.Err()
}
