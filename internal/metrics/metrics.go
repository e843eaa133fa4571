package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Command Metrics
	CommandsQueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imapengine_commands_queued_total",
		Help: "Total commands submitted by verb",
	}, []string{"verb"})

	CommandsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imapengine_commands_sent_total",
		Help: "Total commands fully written to the server by verb",
	}, []string{"verb"})

	CommandsAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imapengine_commands_abandoned_total",
		Help: "Commands whose literal was refused before it was sent",
	})

	CommandQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imapengine_command_queue_depth",
		Help: "Commands waiting for transmission",
	})

	// Response Metrics
	Responses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imapengine_responses_total",
		Help: "Total server responses by kind and status",
	}, []string{"kind", "status"})

	ContinuationWaits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imapengine_continuation_waits_total",
		Help: "Times transmission paused for a continuation request",
	})

	ContinuationWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "imapengine_continuation_wait_seconds",
		Help:    "Time between sending a literal announcement and the server's continuation",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8), // 1ms to ~16s
	})

	// Wire Metrics
	BytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imapengine_bytes_read_total",
		Help: "Bytes received from the server",
	})

	BytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imapengine_bytes_written_total",
		Help: "Bytes written to the server",
	})

	// Connection Metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imapengine_active_connections",
		Help: "Number of open engine connections",
	})

	Disconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imapengine_disconnects_total",
		Help: "Connection terminations by cause",
	}, []string{"cause"})

	DialAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imapengine_dial_attempts_total",
		Help: "Connection attempts by security mode and result",
	}, []string{"security", "result"})

	// Error Metrics
	ProtocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imapengine_protocol_errors_total",
		Help: "Framing violations, malformed lines and tag mismatches",
	}, []string{"type"})

	// Watch Metrics
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imapengine_events_published_total",
		Help: "Untagged events published to the notification channel",
	}, []string{"label", "result"})
)

// RecordQueued records a command submission.
func RecordQueued(verb string) {
	CommandsQueued.WithLabelValues(verb).Inc()
	CommandQueueDepth.Inc()
}

// RecordSent records a command leaving the queue. complete is false when the
// command was abandoned after a refused literal.
func RecordSent(verb string, complete bool) {
	CommandQueueDepth.Dec()
	if complete {
		CommandsSent.WithLabelValues(verb).Inc()
	} else {
		CommandsAbandoned.Inc()
	}
}

// RecordResponse records a classified server response.
func RecordResponse(kind, status string) {
	if status == "" {
		status = "none"
	}
	Responses.WithLabelValues(kind, status).Inc()
}

// RecordContinuation records a satisfied continuation wait.
func RecordContinuation(waitSeconds float64) {
	ContinuationWaits.Inc()
	ContinuationWaitDuration.Observe(waitSeconds)
}

// RecordConnection records a new engine connection.
func RecordConnection() {
	ActiveConnections.Inc()
}

// ReleaseConnection records a connection ending.
func ReleaseConnection(cause string) {
	ActiveConnections.Dec()
	Disconnects.WithLabelValues(cause).Inc()
}

// RecordDial records a connection attempt.
func RecordDial(security string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	DialAttempts.WithLabelValues(security, result).Inc()
}

// RecordProtocolError records a framing violation, malformed line or tag
// mismatch.
func RecordProtocolError(errorType string) {
	ProtocolErrors.WithLabelValues(errorType).Inc()
}

// RecordPublish records a notification publish attempt.
func RecordPublish(label string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	EventsPublished.WithLabelValues(label, result).Inc()
}
