// Prometheus collectors for the ingestion pipeline:
//
//	hyperflow_stream_frames_total{channel}
//	hyperflow_records_forwarded_total{kind,source}
//	hyperflow_records_filtered_total{feed}
//	hyperflow_poll_errors_total{kind}
//	hyperflow_reconnects_total
//	hyperflow_flushes_total{result}
//	hyperflow_channel_state
//
// They live in a private registry served by Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	streamFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hyperflow_stream_frames_total",
		Help: "Inbound WebSocket frames by channel",
	}, []string{"channel"})

	recordsForwarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hyperflow_records_forwarded_total",
		Help: "Records handed to the sink",
	}, []string{"kind", "source"})

	recordsFiltered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hyperflow_records_filtered_total",
		Help: "Records dropped by the instrument filter",
	}, []string{"feed"})

	pollErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hyperflow_poll_errors_total",
		Help: "Failed REST polls",
	}, []string{"kind"})

	reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hyperflow_reconnects_total",
		Help: "Streaming channel reconnect cycles",
	})

	flushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hyperflow_flushes_total",
		Help: "Sink flush and upload attempts",
	}, []string{"result"})

	channelState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hyperflow_channel_state",
		Help: "Streaming channel state (0 disconnected, 1 connecting, 2 connected, 3 subscribed, 4 degraded)",
	})
)

func init() {
	registry.MustRegister(
		streamFrames,
		recordsForwarded,
		recordsFiltered,
		pollErrors,
		reconnects,
		flushes,
		channelState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

func IncrementFrame(channel string) {
	streamFrames.WithLabelValues(channel).Inc()
}

func IncrementForwarded(kind, source string) {
	recordsForwarded.WithLabelValues(kind, source).Inc()
}

func IncrementFiltered(feed string) {
	recordsFiltered.WithLabelValues(feed).Inc()
}

func IncrementPollError(kind string) {
	pollErrors.WithLabelValues(kind).Inc()
}

func IncrementReconnect() {
	reconnects.Inc()
}

func IncrementFlush(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	flushes.WithLabelValues(result).Inc()
}

func SetChannelState(state int) {
	channelState.Set(float64(state))
}
