package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/malbeclabs/kinesis-aggregator/internal/wire"
)

const defaultEnvelopePartitionKey = "aggregated"

type KinesisClient interface {
	PutRecord(ctx context.Context, params *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error)
}

type KinesisConfig struct {
	Logger *slog.Logger
	Client KinesisClient

	// EnvelopePartitionKey is the partition key of the outer put record call. The per-record
	// partition keys travel inside the aggregated message.
	EnvelopePartitionKey string

	// Frame wraps each message in the magic/checksum envelope understood by KPL-aware consumers.
	Frame bool
}

func (c *KinesisConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Client == nil {
		return errors.New("kinesis client is required")
	}
	if c.EnvelopePartitionKey == "" {
		c.EnvelopePartitionKey = defaultEnvelopePartitionKey
	}
	return nil
}

// Kinesis publishes each message as a single put record call against the destination stream.
// A destination beginning with "arn:" is sent as a stream ARN, anything else as a stream name.
type Kinesis struct {
	log *slog.Logger
	cfg KinesisConfig
}

func NewKinesis(cfg KinesisConfig) (*Kinesis, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate kinesis sink config: %w", err)
	}
	return &Kinesis{log: cfg.Logger, cfg: cfg}, nil
}

func (k *Kinesis) Name() string { return "kinesis" }

func (k *Kinesis) Publish(ctx context.Context, destination string, data []byte) error {
	if destination == "" {
		return errors.New("destination stream is required")
	}
	if k.cfg.Frame {
		data = wire.Frame(data)
	}

	input := &kinesis.PutRecordInput{
		PartitionKey: aws.String(k.cfg.EnvelopePartitionKey),
		Data:         data,
	}
	if strings.HasPrefix(destination, "arn:") {
		input.StreamARN = aws.String(destination)
	} else {
		input.StreamName = aws.String(destination)
	}

	out, err := k.cfg.Client.PutRecord(ctx, input)
	if err != nil {
		return fmt.Errorf("kinesis put record to %s: %w", destination, err)
	}
	k.log.Debug("put aggregated record",
		"stream", destination,
		"shard", aws.ToString(out.ShardId),
		"sequenceNumber", aws.ToString(out.SequenceNumber),
		"bytes", len(data),
	)
	return nil
}
