package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const aggregatedContentType = "application/x-protobuf"

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Config struct {
	Logger     *slog.Logger
	Client     S3Client
	BucketName string

	// Optional configuration.
	BucketPathPrefix string
	Clock            clockwork.Clock
	NewID            func() string
}

func (c *S3Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Client == nil {
		return errors.New("s3 client is required")
	}
	if c.BucketName == "" {
		return errors.New("bucket name is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	return nil
}

// S3 archives each message as its own object, partitioned by destination, date and hour.
type S3 struct {
	log *slog.Logger
	cfg S3Config
}

func NewS3(cfg S3Config) (*S3, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate s3 sink config: %w", err)
	}
	return &S3{log: cfg.Logger, cfg: cfg}, nil
}

func (s *S3) Name() string { return "s3" }

func (s *S3) Publish(ctx context.Context, destination string, data []byte) error {
	if destination == "" {
		return errors.New("destination is required")
	}
	key := buildObjectKey(s.cfg.BucketPathPrefix, destination, s.cfg.Clock, s.cfg.NewID())

	_, err := s.cfg.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.BucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(aggregatedContentType),
	})
	if err != nil {
		return fmt.Errorf("s3 put object %s: %w", key, err)
	}
	s.log.Debug("archived aggregated record", "bucket", s.cfg.BucketName, "key", key, "bytes", len(data))
	return nil
}

func buildObjectKey(prefix, destination string, clock clockwork.Clock, id string) string {
	ts := clock.Now().UTC()

	key := "streams/" + destination +
		"/date=" + ts.Format("2006-01-02") +
		"/hour=" + ts.Format("15") +
		"/" + ts.Format("20060102T150405Z") + "-" + id + ".agg"

	if prefix != "" {
		key = prefix + "/" + key
	}
	return key
}
