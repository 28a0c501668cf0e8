package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	FlushReasonSizeExceeded = "size_exceeded"
	FlushReasonSizeReached  = "size_reached"
	FlushReasonExplicit     = "explicit"
	FlushReasonFlushAll     = "flush_all"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kinesis_aggregator_build_info",
		Help: "Build information of the kinesis aggregator",
	}, []string{"version", "commit", "date"})

	IngestRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kinesis_aggregator_ingest_requests_total", Help: "Total put record requests by result.",
	}, []string{"result"})

	RecordsInserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kinesis_aggregator_records_inserted_total", Help: "Total records inserted into stream buffers.",
	})
	DeclaredBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kinesis_aggregator_declared_bytes_total", Help: "Total declared size of inserted records.",
	})

	Flushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kinesis_aggregator_flushes_total", Help: "Total stream buffer flushes by reason.",
	}, []string{"reason"})
	FlushedRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kinesis_aggregator_flushed_records_total", Help: "Total records carried by flushed messages.",
	})
	EncodedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kinesis_aggregator_encoded_bytes_total", Help: "Total bytes of encoded aggregated messages.",
	})

	PublishOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kinesis_aggregator_publish_outcomes_total", Help: "Sink publish outcomes.",
	}, []string{"sink", "result"})
	PublishDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kinesis_aggregator_publish_duration_seconds",
		Help:    "Duration of sink publish calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"sink"})

	BufferedStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kinesis_aggregator_buffered_streams", Help: "Number of streams with a non-empty buffer.",
	})

	ExtensionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kinesis_aggregator_extension_events_total", Help: "Lambda extension events received by type.",
	}, []string{"type"})
)
