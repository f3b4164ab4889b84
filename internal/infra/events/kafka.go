package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"sealog/internal/domain"

	"github.com/twmb/franz-go/pkg/kgo"
)

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
	Timeout  time.Duration
}

// KafkaSink publishes events as JSON keyed by tenant so that a tenant's
// events stay ordered within one partition.
type KafkaSink struct {
	client  producer
	timeout time.Duration
}

func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "sealogd"
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ClientID(cfg.ClientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, err
	}
	return newKafkaSink(client, cfg.Timeout), nil
}

func newKafkaSink(client producer, timeout time.Duration) *KafkaSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KafkaSink{client: client, timeout: timeout}
}

func (k *KafkaSink) Publish(ctx context.Context, event domain.Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	record := &kgo.Record{
		Key:   []byte(event.TenantID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(event.Kind)},
			{Key: "severity", Value: []byte(event.Severity)},
		},
	}
	return k.client.ProduceSync(ctx, record).FirstErr()
}

func (k *KafkaSink) Close() {
	k.client.Close()
}
