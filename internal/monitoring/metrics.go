package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors for the sync engine. Registered once at package
// init; scraped via /metrics.
var (
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lens_connections_total",
		Help: "Total WebSocket connections established",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lens_connections_active",
		Help: "Current active WebSocket connections",
	})

	connectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lens_connections_failed_total",
		Help: "Total failed connection attempts",
	})

	connectionRateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lens_connections_rate_limited_total",
		Help: "Connections rejected by rate limiting, by scope",
	}, []string{"scope"})

	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lens_messages_sent_total",
		Help: "Total messages sent to clients",
	})

	messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lens_messages_received_total",
		Help: "Total messages received from clients",
	})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lens_bytes_sent_total",
		Help: "Total bytes sent to clients",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lens_bytes_received_total",
		Help: "Total bytes received from clients",
	})

	emitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lens_emits_total",
		Help: "Emit operations processed, by result",
	}, []string{"result"})

	updatesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lens_updates_sent_total",
		Help: "Entity update messages fanned out to subscribers",
	})

	slowClientEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lens_slow_client_evictions_total",
		Help: "Clients evicted for not draining their send queue",
	})

	oplogEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lens_oplog_entries",
		Help: "Current operation log entry count",
	})

	oplogBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lens_oplog_bytes",
		Help: "Current operation log byte total",
	})

	oplogEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lens_oplog_evictions_total",
		Help: "Operation log entries evicted by the shared budget",
	})

	reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lens_reconnect_results_total",
		Help: "Reconnect subscription resolutions, by status",
	}, []string{"status"})

	operationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lens_operations_total",
		Help: "Executed operations, by kind and outcome",
	}, []string{"kind", "status"})

	ingestMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lens_ingest_messages_total",
		Help: "Ingest bridge messages, by result",
	}, []string{"result"})

	ingestQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lens_ingest_queue_depth",
		Help: "Current ingest worker pool queue depth",
	})
)

func init() {
	prometheus.MustRegister(
		connectionsTotal,
		connectionsActive,
		connectionsFailed,
		connectionRateLimited,
		messagesSent,
		messagesReceived,
		bytesSent,
		bytesReceived,
		emitsTotal,
		updatesSent,
		slowClientEvictions,
		oplogEntries,
		oplogBytes,
		oplogEvictions,
		reconnects,
		operationsTotal,
		ingestMessages,
		ingestQueueDepth,
	)
}

// HandleMetrics serves the Prometheus scrape endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

func IncrementConnections()               { connectionsTotal.Inc(); connectionsActive.Inc() }
func DecrementConnections()               { connectionsActive.Dec() }
func IncrementConnectionsFailed()         { connectionsFailed.Inc() }
func IncrementConnectionRateLimit(s string) { connectionRateLimited.WithLabelValues(s).Inc() }

func RecordMessageSent(bytes int) {
	messagesSent.Inc()
	bytesSent.Add(float64(bytes))
}

func RecordMessageReceived(bytes int) {
	messagesReceived.Inc()
	bytesReceived.Add(float64(bytes))
}

// RecordEmit counts one emit with its result: changed, unchanged, error.
func RecordEmit(result string) { emitsTotal.WithLabelValues(result).Inc() }

func RecordUpdateSent()           { updatesSent.Inc() }
func IncrementSlowClientEviction() { slowClientEvictions.Inc() }

// RecordOplogStats refreshes the log gauges from a stats snapshot.
func RecordOplogStats(entries, bytes int) {
	oplogEntries.Set(float64(entries))
	oplogBytes.Set(float64(bytes))
}

func RecordOplogEviction(n int) { oplogEvictions.Add(float64(n)) }

func RecordReconnectResult(status string) { reconnects.WithLabelValues(status).Inc() }

// RecordOperation counts one executed operation: kind is query, mutation,
// or subscription; status is ok or error.
func RecordOperation(kind, status string) { operationsTotal.WithLabelValues(kind, status).Inc() }

func RecordIngest(result string)   { ingestMessages.WithLabelValues(result).Inc() }
func SetIngestQueueDepth(n int)    { ingestQueueDepth.Set(float64(n)) }
