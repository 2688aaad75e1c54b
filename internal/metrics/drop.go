package metrics

import "hyperflow/logger"

// DropMetric names the metric emitted when a record is dropped on purpose.
type DropMetric string

const (
	// DropMetricKafkaQueue counts records the Kafka mirror discarded because
	// its queue was full.
	DropMetricKafkaQueue DropMetric = "kafka_records_dropped"
	// DropMetricArchiveBuffer counts records the Parquet archiver discarded
	// because its per-kind buffer reached capacity.
	DropMetricArchiveBuffer DropMetric = "archive_records_dropped"
)

// EmitDropMetric emits one dropped record. Empty metadata is omitted.
func EmitDropMetric(log *logger.Log, metric DropMetric, sink, kind, coin string) {
	fields := logger.Fields{}
	if sink != "" {
		fields["sink"] = sink
	}
	if kind != "" {
		fields["kind"] = kind
	}
	if coin != "" {
		fields["coin"] = coin
	}

	EmitMetric(log, "sink_drops", string(metric), 1, "counter", fields)
}
