// Package metrics keeps process-wide counters and renders them in the
// Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

var startTime = time.Now()

// Handshake metrics
var (
	HandshakesStarted       atomic.Int64
	HandshakesCompleted     atomic.Int64
	HandshakesTimedOut      atomic.Int64
	HandshakesWrongIdentity atomic.Int64
)

// Signing metrics
var (
	SigningRequests atomic.Int64
	SigningRetries  atomic.Int64
	SigningFailures atomic.Int64
	SigningInFlight atomic.Int64
)

// Relay metrics
var (
	RelayPublishAccepted atomic.Int64
	RelayPublishRejected atomic.Int64
	RelayConnectErrors   atomic.Int64
	OverflowedSubs       atomic.Int64
)

// Pipeline metrics
var (
	TasksComplete atomic.Int64
	TasksError    atomic.Int64
	TasksSkipped  atomic.Int64
)

// RecordPublish counts a single relay's answer to a publish
func RecordPublish(accepted bool) {
	if accepted {
		RelayPublishAccepted.Add(1)
	} else {
		RelayPublishRejected.Add(1)
	}
}

type sample struct {
	name  string
	help  string
	kind  string
	value int64
}

func samples() []sample {
	return []sample{
		{"nostr_handshakes_started_total", "Handshakes begun", "counter", HandshakesStarted.Load()},
		{"nostr_handshakes_completed_total", "Handshakes resolved to a remote signer", "counter", HandshakesCompleted.Load()},
		{"nostr_handshakes_timeout_total", "Handshakes that timed out", "counter", HandshakesTimedOut.Load()},
		{"nostr_handshakes_wrong_identity_total", "Handshakes answered by an unexpected identity", "counter", HandshakesWrongIdentity.Load()},
		{"nostr_signing_requests_total", "Signing attempts dispatched to the remote signer", "counter", SigningRequests.Load()},
		{"nostr_signing_retries_total", "Signing attempts that were retries", "counter", SigningRetries.Load()},
		{"nostr_signing_failures_total", "Signing requests that exhausted their retries", "counter", SigningFailures.Load()},
		{"nostr_signing_in_flight", "Signing requests currently awaiting the signer", "gauge", SigningInFlight.Load()},
		{"nostr_relay_publish_accepted_total", "Relay publishes acknowledged with OK true", "counter", RelayPublishAccepted.Load()},
		{"nostr_relay_publish_rejected_total", "Relay publishes rejected, timed out or failed", "counter", RelayPublishRejected.Load()},
		{"nostr_relay_connect_errors_total", "Failed relay connection attempts", "counter", RelayConnectErrors.Load()},
		{"nostr_subscriptions_overflowed_total", "Subscriptions closed because their handler fell behind", "counter", OverflowedSubs.Load()},
		{"nostr_tasks_complete_total", "Publish tasks completed", "counter", TasksComplete.Load()},
		{"nostr_tasks_error_total", "Publish tasks that ended in error", "counter", TasksError.Load()},
		{"nostr_tasks_skipped_total", "Publish tasks skipped because already checkpointed", "counter", TasksSkipped.Load()},
	}
}

// WritePrometheus writes every counter plus a few runtime gauges
func WritePrometheus(w io.Writer) {
	fmt.Fprintf(w, "# HELP process_uptime_seconds Time since process started\n")
	fmt.Fprintf(w, "# TYPE process_uptime_seconds gauge\n")
	fmt.Fprintf(w, "process_uptime_seconds %.0f\n\n", time.Since(startTime).Seconds())

	fmt.Fprintf(w, "# HELP go_goroutines Number of active goroutines\n")
	fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
	fmt.Fprintf(w, "go_goroutines %d\n\n", runtime.NumGoroutine())

	for _, s := range samples() {
		fmt.Fprintf(w, "# HELP %s %s\n", s.name, s.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", s.name, s.kind)
		fmt.Fprintf(w, "%s %d\n\n", s.name, s.value)
	}
}

// Handler serves Prometheus-compatible metrics
func Handler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	WritePrometheus(w)
}
