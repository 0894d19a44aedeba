// Package app assembles the configured target out of the pipeline
// workers and runs it until signalled.
package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fleetstream/fleetstream/modules/aggregator"
	"github.com/fleetstream/fleetstream/modules/alerter"
	"github.com/fleetstream/fleetstream/modules/alertwriter"
	"github.com/fleetstream/fleetstream/modules/anomaly"
	"github.com/fleetstream/fleetstream/modules/kpijob"
	"github.com/fleetstream/fleetstream/modules/streamrules"
	"github.com/fleetstream/fleetstream/modules/telemetrywriter"
	"github.com/fleetstream/fleetstream/modules/worker"
	"github.com/fleetstream/fleetstream/pkg/store"
	"github.com/fleetstream/fleetstream/pkg/util/log"
)

// App is one running instance of the configured target.
type App struct {
	cfg Config

	workers []*worker.Worker
}

func New(cfg Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{cfg: cfg}
	if cfg.Target == KPIJob {
		// Batch target; nothing long-running to build.
		return a, nil
	}

	reg := prometheus.DefaultRegisterer
	for _, target := range expandTarget(cfg.Target) {
		var (
			w   *worker.Worker
			err error
		)
		switch target {
		case Anomaly:
			w, err = anomaly.NewWorker(cfg.Anomaly, log.Logger, reg)
		case Aggregator:
			w, err = aggregator.NewWorker(cfg.Aggregator, log.Logger, reg)
		case Alerter:
			w, err = alerter.NewWorker(cfg.Alerter, log.Logger, reg)
		case StreamRules:
			w, err = streamrules.NewWorker(cfg.StreamRules, cfg.Store, log.Logger, reg)
		case AlertWriter:
			w, err = alertwriter.NewWorker(cfg.AlertWriter, cfg.Store, log.Logger, reg)
		case TelemetryWriter:
			w, err = telemetrywriter.NewWorker(cfg.TelemetryWriter, cfg.Store, log.Logger, reg)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "building %s", target)
		}
		a.workers = append(a.workers, w)
	}
	return a, nil
}

func expandTarget(target string) []string {
	if target != All {
		return []string{target}
	}
	return []string{Anomaly, Aggregator, Alerter, StreamRules, AlertWriter, TelemetryWriter}
}

// Run blocks until the target finishes: a signal for stream workers, the
// end of the pass for the KPI job.
func (a *App) Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if a.cfg.Target == KPIJob {
		return a.runKPIJob(ctx)
	}

	svcs := make([]services.Service, 0, len(a.workers))
	for _, w := range a.workers {
		svcs = append(svcs, w)
	}
	m, err := services.NewManager(svcs...)
	if err != nil {
		return errors.Wrap(err, "creating service manager")
	}

	// A worker failing takes the whole process down so the orchestrator
	// restarts it, instead of limping along partially.
	failed := make(chan struct{})
	m.AddListener(services.NewManagerListener(nil, nil, func(services.Service) {
		close(failed)
	}))

	if err := services.StartManagerAndAwaitHealthy(ctx, m); err != nil {
		return errors.Wrap(err, "starting workers")
	}
	level.Info(log.Logger).Log("msg", "running", "target", a.cfg.Target, "workers", len(a.workers))

	select {
	case <-ctx.Done():
		level.Info(log.Logger).Log("msg", "shutdown signal received")
	case <-failed:
		level.Error(log.Logger).Log("msg", "worker failed, shutting down")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := services.StopManagerAndAwaitStopped(stopCtx, m); err != nil {
		return errors.Wrap(err, "stopping workers")
	}

	for _, w := range a.workers {
		if err := w.FailureCase(); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) runKPIJob(ctx context.Context) error {
	db, err := store.New(a.cfg.Store, log.Logger)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Ping(ctx); err != nil {
		return errors.Wrap(err, "connecting to database")
	}
	return kpijob.New(a.cfg.KPIJob, db, log.Logger).Run(ctx)
}
