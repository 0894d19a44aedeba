package ingest

import (
	"context"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
)

var metricPartitionLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "fleetstream",
	Subsystem: "ingest",
	Name:      "group_partition_lag",
	Help:      "Consumer group lag of a partition, in records.",
}, []string{"group", "partition"})

// ExportGroupLagMetrics periodically queries broker state and exports the
// consumer group's per-partition lag. External autoscaling converts this
// lag into replicas; a slow handler shows up here first. Blocks until ctx
// is cancelled, so run it in its own goroutine.
func ExportGroupLagMetrics(ctx context.Context, adm *kadm.Client, cfg Config, interval time.Duration, logger log.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lag, err := groupLag(ctx, adm, cfg.Topic, cfg.ConsumerGroup)
			if err != nil {
				level.Warn(logger).Log("msg", "consumer lag query failed", "group", cfg.ConsumerGroup, "err", err)
				continue
			}
			for _, l := range lag.Sorted() {
				if l.Topic != cfg.Topic {
					continue
				}
				metricPartitionLag.WithLabelValues(cfg.ConsumerGroup, strconv.Itoa(int(l.Partition))).Set(float64(l.Lag))
			}
		}
	}
}

// groupLag works even when the group has no live members or commits yet:
// lag falls back to the distance from the start of the log.
func groupLag(ctx context.Context, adm *kadm.Client, topic, group string) (kadm.GroupLag, error) {
	offsets, err := adm.FetchOffsets(ctx, group)
	if err != nil && !errors.Is(err, kerr.GroupIDNotFound) {
		return nil, errors.Wrap(err, "fetching group offsets")
	}
	if err := offsets.Error(); err != nil {
		return nil, errors.Wrap(err, "group offset response")
	}

	startOffsets, err := adm.ListStartOffsets(ctx, topic)
	if err != nil {
		return nil, err
	}
	endOffsets, err := adm.ListEndOffsets(ctx, topic)
	if err != nil {
		return nil, err
	}

	described := kadm.DescribedGroup{State: "Empty"}
	return kadm.CalculateGroupLagWithStartOffsets(described, offsets, startOffsets, endOffsets), nil
}
