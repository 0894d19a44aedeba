package worker

import (
	"context"
	"flag"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.uber.org/atomic"

	"github.com/fleetstream/fleetstream/pkg/ingest"
)

func newFakeCluster(t *testing.T, topic string) (*kfake.Cluster, string) {
	t.Helper()
	fake, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(1, topic))
	require.NoError(t, err)
	t.Cleanup(fake.Close)
	return fake, fake.ListenAddrs()[0]
}

func countCommits(fake *kfake.Cluster) *atomic.Int32 {
	commits := atomic.NewInt32(0)
	fake.ControlKey(int16(kmsg.OffsetCommit), func(kmsg.Request) (kmsg.Response, error, bool) {
		commits.Inc()
		return nil, nil, false
	})
	return commits
}

func testConfig(t *testing.T, name, address, topic string, port int) Config {
	t.Helper()
	cfg := Config{}
	f := flag.NewFlagSet("", flag.PanicOnError)
	cfg.RegisterFlagsAndApplyDefaults(name, f, Defaults{
		Name:        name,
		Topic:       topic,
		Group:       name + "-group",
		MetricsPort: port,
	})
	cfg.Kafka.Address = address
	cfg.Kafka.StartFrom = ingest.StartEarliest
	cfg.Kafka.FetchMaxWait = 250 * time.Millisecond
	cfg.LagExportInterval = 0
	cfg.Retry.MaxRetries = 2
	return cfg
}

func produce(ctx context.Context, t *testing.T, address, topic string, values ...string) {
	t.Helper()
	client, err := kgo.NewClient(
		kgo.SeedBrokers(address),
		kgo.DefaultProduceTopic(topic),
	)
	require.NoError(t, err)
	defer client.Close()

	for _, v := range values {
		require.NoError(t, client.ProduceSync(ctx, &kgo.Record{Value: []byte(v)}).FirstErr())
	}
}

type recordingHandler struct {
	mu        sync.Mutex
	processed []string
}

func (h *recordingHandler) Process(_ context.Context, msg Message) error {
	if string(msg.Value) == "malformed" {
		return errors.Wrap(ErrMalformed, "test")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.processed = append(h.processed, string(msg.Value))
	return nil
}

func (h *recordingHandler) values() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.processed...)
}

func startWorker(ctx context.Context, t *testing.T, cfg Config, h Handler) *Worker {
	t.Helper()
	w, err := New(cfg, h, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(ctx, w))
	t.Cleanup(func() {
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), w))
	})
	return w
}

func TestWorkerProcessesAndCommits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	const topic = "worker-test-topic"
	fake, address := newFakeCluster(t, topic)
	commits := countCommits(fake)

	h := &recordingHandler{}
	startWorker(ctx, t, testConfig(t, "worker-commit-test", address, topic, 19201), h)

	produce(ctx, t, address, topic, "one", "two", "three")

	require.Eventually(t, func() bool {
		return len(h.values()) == 3
	}, time.Minute, 100*time.Millisecond)
	require.ElementsMatch(t, []string{"one", "two", "three"}, h.values())

	// Marked offsets are committed by the autocommit loop.
	require.Eventually(t, func() bool {
		return commits.Load() > 0
	}, time.Minute, 100*time.Millisecond)
}

func TestWorkerSkipsMalformedRecords(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	const topic = "worker-malformed-topic"
	fake, address := newFakeCluster(t, topic)
	commits := countCommits(fake)

	h := &recordingHandler{}
	startWorker(ctx, t, testConfig(t, "worker-malformed-test", address, topic, 19202), h)

	// The malformed record must not wedge the partition.
	produce(ctx, t, address, topic, "before", "malformed", "after")

	require.Eventually(t, func() bool {
		return len(h.values()) == 2
	}, time.Minute, 100*time.Millisecond)
	require.ElementsMatch(t, []string{"before", "after"}, h.values())

	require.Eventually(t, func() bool {
		return commits.Load() > 0
	}, time.Minute, 100*time.Millisecond)
}

func TestWorkerFiltersRecords(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	const topic = "worker-filter-topic"
	_, address := newFakeCluster(t, topic)

	cfg := testConfig(t, "worker-filter-test", address, topic, 19203)
	cfg.FilterField = "sensor_type"
	cfg.FilterValues = []string{"temperature"}

	h := &recordingHandler{}
	startWorker(ctx, t, cfg, h)

	temp := `{"deviceId": "dev-1", "sensorType": "temperature", "value": {"value": 21}}`
	hum := `{"deviceId": "dev-1", "sensorType": "humidity", "value": {"value": 50}}`
	produce(ctx, t, address, topic, hum, temp, hum)

	require.Eventually(t, func() bool {
		return len(h.values()) == 1
	}, time.Minute, 100*time.Millisecond)
	require.Equal(t, []string{temp}, h.values())
}

// poisonedHandler fails one record with a non-malformed error, forever.
type poisonedHandler struct {
	recordingHandler
}

func (h *poisonedHandler) Process(ctx context.Context, msg Message) error {
	if string(msg.Value) == "poison" {
		return errors.New("downstream unavailable")
	}
	return h.recordingHandler.Process(ctx, msg)
}

func TestWorkerFailsInsteadOfSkippingTransientErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	const topic = "worker-poison-topic"
	_, address := newFakeCluster(t, topic)

	cfg := testConfig(t, "worker-poison-test", address, topic, 19205)
	h := &poisonedHandler{}
	w, err := New(cfg, h, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(ctx, w))

	produce(ctx, t, address, topic, "ok-1", "poison", "ok-2")

	// Once retries run out the worker must fail rather than commit past
	// the record.
	require.Eventually(t, func() bool {
		return w.State() == services.Failed
	}, time.Minute, 100*time.Millisecond)
	require.Error(t, w.FailureCase())
	require.NotContains(t, h.values(), "ok-2")

	// A replacement in the same group gets the failed record redelivered.
	cfg2 := testConfig(t, "worker-poison-replacement", address, topic, 19206)
	cfg2.Kafka.ConsumerGroup = cfg.Kafka.ConsumerGroup
	h2 := &recordingHandler{}
	startWorker(ctx, t, cfg2, h2)

	require.Eventually(t, func() bool {
		vals := h2.values()
		return slices.Contains(vals, "poison") && slices.Contains(vals, "ok-2")
	}, time.Minute, 100*time.Millisecond)
}

type batchingHandler struct {
	recordingHandler
	flushAt int

	mu      sync.Mutex
	buf     []string
	flushed [][]string
}

func (h *batchingHandler) Process(ctx context.Context, msg Message) error {
	if err := h.recordingHandler.Process(ctx, msg); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf = append(h.buf, string(msg.Value))
	return nil
}

func (h *batchingHandler) Flush(context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.buf) < h.flushAt {
		return false, nil
	}
	h.flushed = append(h.flushed, h.buf)
	h.buf = nil
	return true, nil
}

func (h *batchingHandler) batches() [][]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]string(nil), h.flushed...)
}

func TestWorkerBatchCommitsOnFlush(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	const topic = "worker-batch-topic"
	fake, address := newFakeCluster(t, topic)
	commits := countCommits(fake)

	h := &batchingHandler{flushAt: 3}
	startWorker(ctx, t, testConfig(t, "worker-batch-test", address, topic, 19204), h)

	produce(ctx, t, address, topic, "a", "b", "c")

	require.Eventually(t, func() bool {
		return len(h.batches()) == 1
	}, time.Minute, 100*time.Millisecond)
	require.ElementsMatch(t, []string{"a", "b", "c"}, h.batches()[0])

	require.Eventually(t, func() bool {
		return commits.Load() > 0
	}, time.Minute, 100*time.Millisecond)
}

// timedBatchingHandler flushes on age alone, never on size.
type timedBatchingHandler struct {
	recordingHandler
	interval time.Duration

	mu      sync.Mutex
	buf     []string
	last    time.Time
	flushed [][]string
}

func (h *timedBatchingHandler) Process(ctx context.Context, msg Message) error {
	if err := h.recordingHandler.Process(ctx, msg); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf = append(h.buf, string(msg.Value))
	return nil
}

func (h *timedBatchingHandler) Flush(context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.buf) == 0 {
		h.last = time.Now()
		return false, nil
	}
	if h.last.IsZero() || time.Since(h.last) < h.interval {
		if h.last.IsZero() {
			h.last = time.Now()
		}
		return false, nil
	}
	h.flushed = append(h.flushed, h.buf)
	h.buf = nil
	h.last = time.Now()
	return true, nil
}

func (h *timedBatchingHandler) batches() [][]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]string(nil), h.flushed...)
}

func TestWorkerTimeBasedFlushFiresWithoutTraffic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	const topic = "worker-timed-flush-topic"
	fake, address := newFakeCluster(t, topic)
	commits := countCommits(fake)

	cfg := testConfig(t, "worker-timed-flush-test", address, topic, 19207)
	cfg.PollTimeout = 300 * time.Millisecond

	h := &timedBatchingHandler{interval: 500 * time.Millisecond}
	startWorker(ctx, t, cfg, h)

	// A single record, then silence. The bounded poll alone must surface
	// the time trigger.
	produce(ctx, t, address, topic, "solo")

	require.Eventually(t, func() bool {
		return len(h.batches()) == 1
	}, time.Minute, 100*time.Millisecond)
	require.Equal(t, []string{"solo"}, h.batches()[0])

	require.Eventually(t, func() bool {
		return commits.Load() > 0
	}, time.Minute, 100*time.Millisecond)
}
