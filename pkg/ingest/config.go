// Package ingest wraps the franz-go Kafka client with the options and
// metrics every fleetstream worker shares: JSON-keyed topics, consumer
// groups with configurable start-from policy, and Prometheus client
// instrumentation.
package ingest

import (
	"flag"
	"fmt"
	"time"
)

// Start-from policies for consumers.
const (
	StartEarliest  = "earliest"  // replay from the beginning
	StartLatest    = "latest"    // new messages only
	StartCommitted = "committed" // resume from the group's committed offset
)

// Config describes one Kafka client: where the brokers are, which topic
// to consume or produce, and how a consumer group starts.
type Config struct {
	Address       string        `yaml:"address"`
	Topic         string        `yaml:"topic"`
	ConsumerGroup string        `yaml:"consumer_group"`
	StartFrom     string        `yaml:"start_from"`
	ClientID      string        `yaml:"client_id"`
	FetchMaxWait  time.Duration `yaml:"fetch_max_wait"`

	AutoCreateTopics bool `yaml:"auto_create_topics"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Address, prefix+".address", "localhost:9092", "Kafka bootstrap address.")
	f.StringVar(&cfg.Topic, prefix+".topic", "", "Topic to consume from or produce to.")
	f.StringVar(&cfg.ConsumerGroup, prefix+".consumer-group", "", "Consumer group for offset tracking.")
	f.StringVar(&cfg.StartFrom, prefix+".start-from", StartCommitted, "Where a fresh consumer group starts: earliest, latest or committed.")
	f.StringVar(&cfg.ClientID, prefix+".client-id", "", "Kafka client ID.")
	f.DurationVar(&cfg.FetchMaxWait, prefix+".fetch-max-wait", time.Second, "Maximum time a fetch waits for data before returning empty.")
	f.BoolVar(&cfg.AutoCreateTopics, prefix+".auto-create-topics", false, "Allow auto-creation of missing topics.")
}

func (cfg *Config) Validate() error {
	if cfg.Address == "" {
		return fmt.Errorf("kafka address is required")
	}
	if cfg.Topic == "" {
		return fmt.Errorf("kafka topic is required")
	}
	switch cfg.StartFrom {
	case StartEarliest, StartLatest, StartCommitted:
	default:
		return fmt.Errorf("invalid start_from %q: must be earliest, latest or committed", cfg.StartFrom)
	}
	return nil
}
