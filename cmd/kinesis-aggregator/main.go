package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/malbeclabs/kinesis-aggregator/internal/aggregator"
	"github.com/malbeclabs/kinesis-aggregator/internal/extension"
	"github.com/malbeclabs/kinesis-aggregator/internal/kafka"
	"github.com/malbeclabs/kinesis-aggregator/internal/lifecycle"
	"github.com/malbeclabs/kinesis-aggregator/internal/metrics"
	"github.com/malbeclabs/kinesis-aggregator/internal/reporter"
	"github.com/malbeclabs/kinesis-aggregator/internal/server"
	"github.com/malbeclabs/kinesis-aggregator/internal/sink"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	_ "net/http/pprof"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr           = "127.0.0.1:8000"
	defaultMetricsAddr          = ":2112"
	defaultMaxBufferSize        = 1_000_000
	defaultSink                 = "kinesis"
	defaultPublishTimeout       = 5 * time.Second
	defaultDrainTimeout         = 10 * time.Second
	defaultFlushTimeout         = 30 * time.Second
	defaultFlushConcurrency     = 4
	defaultEnvelopePartitionKey = "aggregated"
	defaultExtensionName        = "kinesis-aggregator"
	defaultAppEnv               = "production"

	sinkKinesis = "kinesis"
	sinkKafka   = "kafka"
	sinkS3      = "s3"
	sinkLog     = "log"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)

	// Start pprof server
	if cfg.EnablePprof {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			err := http.ListenAndServe("localhost:6060", nil)
			if err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	// Start prometheus metrics server
	if cfg.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				log.Error("Failed to start prometheus metrics server listener", "error", err)
				os.Exit(1)
			}
			log.Info("Prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("Failed to start prometheus metrics server", "error", err)
				os.Exit(1)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var crashReporter *reporter.Reporter
	if cfg.SentryDSN != "" {
		crashReporter, err = reporter.New(reporter.Config{
			Logger:      log,
			DSN:         cfg.SentryDSN,
			Environment: cfg.AppEnv,
			Release:     version,
		})
		if err != nil {
			return fmt.Errorf("failed to create crash reporter: %w", err)
		}
	}
	report := func(errorType string, err error) {
		if crashReporter == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = crashReporter.Report(ctx, errorType, err)
	}

	// Register with the Lambda runtime before anything else so init failures can be reported.
	var runner *extension.Runner
	if cfg.LambdaExtension {
		client, err := extension.NewClient(extension.ClientConfig{
			RuntimeAPI:    cfg.LambdaRuntimeAPI,
			ExtensionName: cfg.LambdaExtensionName,
		})
		if err != nil {
			return fmt.Errorf("failed to create extension client: %w", err)
		}
		runner, err = extension.NewRunner(extension.RunnerConfig{Logger: log, API: client})
		if err != nil {
			return fmt.Errorf("failed to create extension runner: %w", err)
		}
		if err := runner.Register(ctx); err != nil {
			report("ExtensionRegisterFailed", err)
			return err
		}
	}

	ctrl, closeSink, err := setup(ctx, log, cfg)
	if err != nil {
		if runner != nil {
			runner.ReportInitError(ctx, err)
		}
		report("InitFailed", err)
		return err
	}
	defer closeSink()

	if runner != nil {
		go func() {
			if err := runner.Run(ctx, ctrl); err != nil {
				log.Error("lambda extension failed", "error", err)
				ctrl.Stop(time.Time{})
			}
		}()
	}

	if err := ctrl.Run(ctx); err != nil {
		report("ShutdownFailed", err)
		return err
	}
	log.Info("shutdown complete")
	return nil
}

// setup builds the sink, engine, ingestion endpoint and lifecycle controller. The returned func
// releases the sink's resources.
func setup(ctx context.Context, log *slog.Logger, cfg Config) (*lifecycle.Controller, func(), error) {
	snk, closeSink, err := newSink(ctx, log, cfg)
	if err != nil {
		return nil, nil, err
	}

	engine, err := aggregator.New(aggregator.Config{
		Logger:           log,
		Sink:             snk,
		MaxBufferSize:    cfg.MaxBufferSize,
		PublishTimeout:   cfg.PublishTimeout,
		FlushConcurrency: cfg.FlushConcurrency,
	})
	if err != nil {
		closeSink()
		return nil, nil, fmt.Errorf("failed to create aggregation engine: %w", err)
	}

	srv, err := server.New(log, server.Config{
		Engine:          engine,
		ShutdownTimeout: cfg.DrainTimeout,
	})
	if err != nil {
		closeSink()
		return nil, nil, fmt.Errorf("failed to create server: %w", err)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		closeSink()
		return nil, nil, fmt.Errorf("failed to create listener: %w", err)
	}
	log.Info("listening on", "address", listener.Addr().String(), "sink", snk.Name(), "maxBufferSize", cfg.MaxBufferSize)

	ctrl, err := lifecycle.New(lifecycle.Config{
		Logger:       log,
		Server:       srv,
		Flusher:      engine,
		Listener:     listener,
		DrainTimeout: cfg.DrainTimeout,
		FlushTimeout: cfg.FlushTimeout,
	})
	if err != nil {
		_ = listener.Close()
		closeSink()
		return nil, nil, fmt.Errorf("failed to create lifecycle controller: %w", err)
	}
	return ctrl, closeSink, nil
}

func newSink(ctx context.Context, log *slog.Logger, cfg Config) (sink.Sink, func(), error) {
	nop := func() {}

	switch cfg.Sink {
	case sinkLog:
		s, err := sink.NewLog(log, slog.LevelInfo)
		return s, nop, err

	case sinkKafka:
		client, err := kafka.NewClient(ctx, &kafka.Config{
			Brokers:           cfg.KafkaBrokers,
			AuthIAM:           cfg.KafkaAuthIAMEnabled,
			CreateTopics:      cfg.KafkaCreateTopics,
			Partitions:        int32(cfg.KafkaTopicPartitions),
			ReplicationFactor: int16(cfg.KafkaTopicReplication),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create kafka client: %w", err)
		}
		s, err := sink.NewKafka(sink.KafkaConfig{
			Logger:      log,
			Producer:    client,
			Topics:      client,
			TopicPrefix: cfg.KafkaTopicPrefix,
			Key:         cfg.EnvelopePartitionKey,
		})
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return s, func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.FlushTimeout)
			defer cancel()
			if err := client.Flush(ctx); err != nil {
				log.Warn("failed to flush kafka client", "error", err)
			}
			client.Close()
		}, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	switch cfg.Sink {
	case sinkKinesis:
		client := kinesis.NewFromConfig(awsCfg, func(o *kinesis.Options) {
			if cfg.AWSEndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWSEndpointURL)
			}
		})
		s, err := sink.NewKinesis(sink.KinesisConfig{
			Logger:               log,
			Client:               client,
			EnvelopePartitionKey: cfg.EnvelopePartitionKey,
			Frame:                cfg.KinesisKPLFraming,
		})
		return s, nop, err

	case sinkS3:
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.AWSEndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWSEndpointURL)
				o.UsePathStyle = true
			}
		})
		s, err := sink.NewS3(sink.S3Config{
			Logger:           log,
			Client:           client,
			BucketName:       cfg.S3Bucket,
			BucketPathPrefix: cfg.S3Prefix,
		})
		return s, nop, err
	}

	return nil, nil, fmt.Errorf("unknown sink %q", cfg.Sink)
}

type Config struct {
	ShowVersion bool
	Verbose     bool
	EnablePprof bool
	MetricsAddr string

	ListenAddr       string
	MaxBufferSize    int64
	PublishTimeout   time.Duration
	DrainTimeout     time.Duration
	FlushTimeout     time.Duration
	FlushConcurrency int

	Sink                 string
	EnvelopePartitionKey string
	KinesisKPLFraming    bool
	AWSEndpointURL       string

	KafkaBrokers          []string
	KafkaAuthIAMEnabled   bool
	KafkaTopicPrefix      string
	KafkaCreateTopics     bool
	KafkaTopicPartitions  int
	KafkaTopicReplication int

	S3Bucket string
	S3Prefix string

	LambdaExtension     bool
	LambdaRuntimeAPI    string
	LambdaExtensionName string

	SentryDSN string
	AppEnv    string
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
func getenvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
func getenvInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return i, nil
}
func getenvInt64(key string, def int64) (int64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return i, nil
}
func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return d, nil
}
func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func loadConfig(args []string) (Config, error) {
	var cfg Config
	var kafkaBrokersCSV string

	maxBufferSize, err := getenvInt64("MAX_BUFFER_SIZE", defaultMaxBufferSize)
	if err != nil {
		return Config{}, err
	}
	flushConcurrency, err := getenvInt("FLUSH_CONCURRENCY", defaultFlushConcurrency)
	if err != nil {
		return Config{}, err
	}
	publishTimeout, err := getenvDuration("PUBLISH_TIMEOUT", defaultPublishTimeout)
	if err != nil {
		return Config{}, err
	}
	drainTimeout, err := getenvDuration("DRAIN_TIMEOUT", defaultDrainTimeout)
	if err != nil {
		return Config{}, err
	}
	flushTimeout, err := getenvDuration("FLUSH_TIMEOUT", defaultFlushTimeout)
	if err != nil {
		return Config{}, err
	}
	kafkaTopicPartitions, err := getenvInt("KAFKA_TOPIC_PARTITIONS", 0)
	if err != nil {
		return Config{}, err
	}
	kafkaTopicReplication, err := getenvInt("KAFKA_TOPIC_REPLICATION", 0)
	if err != nil {
		return Config{}, err
	}
	runtimeAPI := os.Getenv("AWS_LAMBDA_RUNTIME_API")

	fs := flag.NewFlagSet("kinesis-aggregator", flag.ContinueOnError)
	fs.BoolVar(&cfg.ShowVersion, "version", false, "show version and exit")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "verbose mode - show debug logs")
	fs.BoolVar(&cfg.EnablePprof, "enable-pprof", false, "enable pprof server")

	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", getenv("METRICS_ADDR", defaultMetricsAddr), "address to listen on for prometheus metrics (env: METRICS_ADDR)")
	fs.StringVar(&cfg.ListenAddr, "listen-addr", getenv("LISTEN_ADDR", defaultListenAddr), "address of the ingestion endpoint (env: LISTEN_ADDR)")
	fs.Int64Var(&cfg.MaxBufferSize, "max-buffer-size", maxBufferSize, "per-stream declared size that triggers a flush (env: MAX_BUFFER_SIZE)")
	fs.DurationVar(&cfg.PublishTimeout, "publish-timeout", publishTimeout, "timeout of a single sink publish (env: PUBLISH_TIMEOUT)")
	fs.DurationVar(&cfg.DrainTimeout, "drain-timeout", drainTimeout, "time allowed for in-flight requests on shutdown (env: DRAIN_TIMEOUT)")
	fs.DurationVar(&cfg.FlushTimeout, "flush-timeout", flushTimeout, "time allowed for the final flush (env: FLUSH_TIMEOUT)")
	fs.IntVar(&cfg.FlushConcurrency, "flush-concurrency", flushConcurrency, "concurrent publishes during a full flush (env: FLUSH_CONCURRENCY)")

	fs.StringVar(&cfg.Sink, "sink", getenv("SINK", defaultSink), "sink to publish to: kinesis, kafka, s3 or log (env: SINK)")
	fs.StringVar(&cfg.EnvelopePartitionKey, "envelope-partition-key", getenv("KINESIS_ENVELOPE_PARTITION_KEY", defaultEnvelopePartitionKey), "partition key of published messages (env: KINESIS_ENVELOPE_PARTITION_KEY)")
	fs.BoolVar(&cfg.KinesisKPLFraming, "kinesis-kpl-framing", getenvBool("KINESIS_KPL_FRAMING", false), "wrap kinesis messages in the KPL magic/checksum envelope (env: KINESIS_KPL_FRAMING)")
	fs.StringVar(&cfg.AWSEndpointURL, "aws-endpoint-url", getenv("AWS_ENDPOINT_URL", ""), "override the AWS service endpoint (env: AWS_ENDPOINT_URL)")

	fs.StringVar(&kafkaBrokersCSV, "kafka-brokers", getenv("KAFKA_BROKERS", ""), "kafka brokers csv (env: KAFKA_BROKERS)")
	fs.BoolVar(&cfg.KafkaAuthIAMEnabled, "kafka-auth-iam-enabled", getenvBool("KAFKA_AUTH_IAM_ENABLED", false), "kafka IAM auth (env: KAFKA_AUTH_IAM_ENABLED)")
	fs.StringVar(&cfg.KafkaTopicPrefix, "kafka-topic-prefix", getenv("KAFKA_TOPIC_PREFIX", ""), "prefix added to stream names to form kafka topics (env: KAFKA_TOPIC_PREFIX)")
	fs.BoolVar(&cfg.KafkaCreateTopics, "kafka-create-topics", getenvBool("KAFKA_CREATE_TOPICS", false), "create stream topics before the first publish instead of relying on broker auto creation (env: KAFKA_CREATE_TOPICS)")
	fs.IntVar(&cfg.KafkaTopicPartitions, "kafka-topic-partitions", kafkaTopicPartitions, "partitions of created topics; 0 uses the broker default (env: KAFKA_TOPIC_PARTITIONS)")
	fs.IntVar(&cfg.KafkaTopicReplication, "kafka-topic-replication", kafkaTopicReplication, "replication factor of created topics; 0 uses the broker default (env: KAFKA_TOPIC_REPLICATION)")

	fs.StringVar(&cfg.S3Bucket, "s3-bucket", getenv("S3_BUCKET", ""), "s3 bucket (env: S3_BUCKET)")
	fs.StringVar(&cfg.S3Prefix, "s3-prefix", getenv("S3_PREFIX", ""), "s3 key prefix (env: S3_PREFIX)")

	fs.BoolVar(&cfg.LambdaExtension, "lambda-extension", getenvBool("LAMBDA_EXTENSION", runtimeAPI != ""), "run as a lambda extension (env: LAMBDA_EXTENSION; default: set when AWS_LAMBDA_RUNTIME_API is)")
	fs.StringVar(&cfg.LambdaExtensionName, "lambda-extension-name", getenv("LAMBDA_EXTENSION_NAME", defaultExtensionName), "lambda extension name (env: LAMBDA_EXTENSION_NAME)")

	fs.StringVar(&cfg.SentryDSN, "sentry-dsn", getenv("SENTRY_DSN", ""), "crash report DSN (env: SENTRY_DSN)")
	fs.StringVar(&cfg.AppEnv, "app-env", getenv("APP_ENV", defaultAppEnv), "environment reported with crashes (env: APP_ENV)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if cfg.ShowVersion {
		return cfg, nil
	}

	cfg.KafkaBrokers = splitCSV(kafkaBrokersCSV)
	cfg.LambdaRuntimeAPI = runtimeAPI

	if cfg.MaxBufferSize <= 0 {
		return Config{}, fmt.Errorf("max buffer size must be > 0 (set MAX_BUFFER_SIZE or --max-buffer-size)")
	}
	switch cfg.Sink {
	case sinkKinesis, sinkLog:
	case sinkKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return Config{}, fmt.Errorf("kafka brokers is empty (set KAFKA_BROKERS or --kafka-brokers)")
		}
		if cfg.KafkaTopicPartitions < 0 || cfg.KafkaTopicPartitions > math.MaxInt32 {
			return Config{}, fmt.Errorf("kafka topic partitions out of range: %d", cfg.KafkaTopicPartitions)
		}
		if cfg.KafkaTopicReplication < 0 || cfg.KafkaTopicReplication > math.MaxInt16 {
			return Config{}, fmt.Errorf("kafka topic replication out of range: %d", cfg.KafkaTopicReplication)
		}
	case sinkS3:
		if cfg.S3Bucket == "" {
			return Config{}, fmt.Errorf("s3 bucket is empty (set S3_BUCKET or --s3-bucket)")
		}
	default:
		return Config{}, fmt.Errorf("unknown sink %q (expected kinesis, kafka, s3 or log)", cfg.Sink)
	}
	if cfg.LambdaExtension && cfg.LambdaRuntimeAPI == "" {
		return Config{}, errors.New("lambda extension mode requires AWS_LAMBDA_RUNTIME_API")
	}

	return cfg, nil
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
