package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

type KafkaProducer interface {
	Produce(ctx context.Context, record *kgo.Record, fn func(*kgo.Record, error))
}

// TopicEnsurer creates topics that do not exist yet.
type TopicEnsurer interface {
	EnsureTopics(ctx context.Context, topics ...string) error
}

type KafkaConfig struct {
	Logger   *slog.Logger
	Producer KafkaProducer

	// Topics, if set, is asked to create a destination's topic before the first publish to it.
	Topics TopicEnsurer

	// TopicPrefix is prepended to the destination to form the topic name.
	TopicPrefix string

	// Key is the record key of every produced message.
	Key string
}

func (c *KafkaConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Producer == nil {
		return errors.New("kafka producer is required")
	}
	if c.Key == "" {
		c.Key = defaultEnvelopePartitionKey
	}
	return nil
}

// Kafka publishes each message as a single record and waits for the produce acknowledgement.
type Kafka struct {
	log *slog.Logger
	cfg KafkaConfig

	mu      sync.Mutex
	ensured map[string]struct{}
}

func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate kafka sink config: %w", err)
	}
	return &Kafka{log: cfg.Logger, cfg: cfg, ensured: make(map[string]struct{})}, nil
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Publish(ctx context.Context, destination string, data []byte) error {
	if destination == "" {
		return errors.New("destination topic is required")
	}
	rec := &kgo.Record{
		Topic: k.cfg.TopicPrefix + destination,
		Key:   []byte(k.cfg.Key),
		Value: data,
	}
	if err := k.ensureTopic(ctx, rec.Topic); err != nil {
		return err
	}

	done := make(chan error, 1)
	k.cfg.Producer.Produce(ctx, rec, func(r *kgo.Record, err error) {
		if err == nil {
			k.log.Debug("produced aggregated record",
				"topic", r.Topic, "partition", r.Partition, "offset", r.Offset, "bytes", len(r.Value),
			)
		}
		done <- err
	})

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("kafka produce to %s: %w", rec.Topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("kafka produce to %s: %w", rec.Topic, ctx.Err())
	}
}

// ensureTopic creates topic once per sink. A failed attempt is retried on the next publish.
func (k *Kafka) ensureTopic(ctx context.Context, topic string) error {
	if k.cfg.Topics == nil {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.ensured[topic]; ok {
		return nil
	}
	if err := k.cfg.Topics.EnsureTopics(ctx, topic); err != nil {
		return fmt.Errorf("ensure kafka topic %s: %w", topic, err)
	}
	k.ensured[topic] = struct{}{}
	k.log.Info("kafka topic ready", "topic", topic)
	return nil
}
