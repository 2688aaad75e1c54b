package metrics

import "hyperflow/logger"

// WriterStats summarises one sink after a flush round.
type WriterStats struct {
	RecordsWritten int64
	FilesUploaded  int64
	BytesUploaded  int64
	ErrorsCount    int64
}

// ReportWriter emits the writer counters as metrics and one summary line.
func ReportWriter(log *logger.Log, component string, stats WriterStats) {
	if log == nil {
		log = logger.GetLogger()
	}

	errorRate := float64(0)
	if attempts := stats.FilesUploaded + stats.ErrorsCount; attempts > 0 {
		errorRate = float64(stats.ErrorsCount) / float64(attempts)
	}

	EmitMetric(log, component, "records_written", stats.RecordsWritten, "counter", nil)
	EmitMetric(log, component, "files_uploaded", stats.FilesUploaded, "counter", nil)
	EmitMetric(log, component, "bytes_uploaded", stats.BytesUploaded, "counter", nil)
	EmitMetric(log, component, "errors_count", stats.ErrorsCount, "counter", nil)
	EmitMetric(log, component, "error_rate", errorRate, "gauge", nil)

	entry := log.WithComponent(component).WithFields(logger.Fields{
		"records_written": stats.RecordsWritten,
		"files_uploaded":  stats.FilesUploaded,
		"bytes_uploaded":  stats.BytesUploaded,
		"errors_count":    stats.ErrorsCount,
		"error_rate":      errorRate,
	})
	if stats.ErrorsCount > 0 {
		entry.Warn(component + " metrics")
		return
	}
	entry.Info(component + " metrics")
}
