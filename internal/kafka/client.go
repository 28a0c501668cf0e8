package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kversion"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/aws"
)

const (
	defaultLinger = 10 * time.Millisecond

	// Broker defaults, supported by brokers since 2.4.
	defaultPartitions        = -1
	defaultReplicationFactor = -1
)

type Config struct {
	Brokers []string
	AuthIAM bool

	// CreateTopics makes EnsureTopics create missing topics explicitly. When false the client relies
	// on broker-side auto creation and EnsureTopics is a no-op.
	CreateTopics bool

	// Optional with defaults.
	Linger            time.Duration
	Partitions        int32
	ReplicationFactor int16
}

func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("brokers are required")
	}
	if c.Linger == 0 {
		c.Linger = defaultLinger
	}
	if c.Linger < 0 {
		return errors.New("linger must be >= 0")
	}
	if c.Partitions == 0 {
		c.Partitions = defaultPartitions
	}
	if c.Partitions < -1 {
		return errors.New("partitions must be > 0, or -1 for the broker default")
	}
	if c.ReplicationFactor == 0 {
		c.ReplicationFactor = defaultReplicationFactor
	}
	if c.ReplicationFactor < -1 {
		return errors.New("replication factor must be > 0, or -1 for the broker default")
	}
	return nil
}

// Client produces aggregated records to per-stream topics.
type Client struct {
	cfg    Config
	client *kgo.Client
	admin  *kadm.Client
}

func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(cfg.Linger),
		kgo.MaxVersions(kversion.V2_8_0()),
	}
	if !cfg.CreateTopics {
		opts = append(opts, kgo.AllowAutoTopicCreation())
	}

	if cfg.AuthIAM {
		mechanism, err := iamMechanism(ctx)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.SASL(mechanism), kgo.DialTLS())
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Client{cfg: *cfg, client: client, admin: kadm.NewClient(client)}, nil
}

// iamMechanism authenticates to MSK with credentials from the default AWS chain, refreshed on
// every connection.
func iamMechanism(ctx context.Context) (sasl.Mechanism, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return aws.ManagedStreamingIAM(func(ctx context.Context) (aws.Auth, error) {
		creds, err := awsCfg.Credentials.Retrieve(ctx)
		if err != nil {
			return aws.Auth{}, err
		}
		return aws.Auth{
			AccessKey:    creds.AccessKeyID,
			SecretKey:    creds.SecretAccessKey,
			SessionToken: creds.SessionToken,
			UserAgent:    "kinesis-aggregator",
		}, nil
	}), nil
}

func (k *Client) Close() {
	k.client.Close()
}

func (k *Client) Produce(
	ctx context.Context,
	record *kgo.Record,
	fn func(*kgo.Record, error),
) {
	k.client.Produce(ctx, record, fn)
}

// Flush blocks until every buffered record has been produced or ctx is done.
func (k *Client) Flush(ctx context.Context) error {
	return k.client.Flush(ctx)
}

// EnsureTopics creates the given topics with the configured partitions and replication factor.
// Topics that already exist are not an error. It does nothing unless CreateTopics is set.
func (k *Client) EnsureTopics(ctx context.Context, topics ...string) error {
	if !k.cfg.CreateTopics || len(topics) == 0 {
		return nil
	}
	resps, err := k.admin.CreateTopics(ctx, k.cfg.Partitions, k.cfg.ReplicationFactor, nil, topics...)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	return topicErrors(resps)
}

func topicErrors(resps kadm.CreateTopicResponses) error {
	var errs []error
	for _, topic := range resps.Sorted() {
		if topic.Err == nil || errors.Is(topic.Err, kerr.TopicAlreadyExists) {
			continue
		}
		errs = append(errs, fmt.Errorf("create topic %s: %w", topic.Topic, topic.Err))
	}
	return errors.Join(errs...)
}
