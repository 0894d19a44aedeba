package ingest

import (
	"context"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fleetstream/fleetstream/pkg/telemetry"
)

// AlertPublisher produces alerts onto the alerts topic, keyed by device
// ID so per-device ordering survives partitioning.
type AlertPublisher struct {
	client *kgo.Client
}

func NewAlertPublisher(cfg Config, component string, logger log.Logger, reg prometheus.Registerer) (*AlertPublisher, error) {
	client, err := NewWriterClient(cfg, NewWriterClientMetrics(component, reg), logger)
	if err != nil {
		return nil, err
	}
	return &AlertPublisher{client: client}, nil
}

// Publish sends one alert and waits for broker acknowledgement.
func (p *AlertPublisher) Publish(ctx context.Context, a telemetry.Alert) error {
	value, err := a.Encode()
	if err != nil {
		return errors.Wrap(err, "encoding alert")
	}
	rec := &kgo.Record{
		Key:   []byte(a.DeviceID),
		Value: value,
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return errors.Wrap(err, "publishing alert")
	}
	return nil
}

// Close flushes and releases the producer.
func (p *AlertPublisher) Close() {
	p.client.Close()
}
