// Package metrics exports prometheus counters for remote calls, link drops and
// firmware runs. Collectors register on the default registry on first use.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodelink",
			Subsystem: "remote",
			Name:      "calls_total",
			Help:      "Remote calls by module, name and outcome.",
		},
		[]string{"module", "name", "outcome"},
	)
	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nodelink",
			Subsystem: "remote",
			Name:      "call_duration_seconds",
			Help:      "Remote call duration in seconds, until response or timeout.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"module", "name", "outcome"},
	)
	dropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodelink",
			Subsystem: "channel",
			Name:      "dropped_frames_total",
			Help:      "Inbound frames dropped by the channel.",
		},
		[]string{"reason"},
	)
	otapNodes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodelink",
			Subsystem: "otap",
			Name:      "node_outcomes_total",
			Help:      "Firmware run results per node, by phase and failure code.",
		},
		[]string{"phase", "result", "code"},
	)
	otapSegments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nodelink",
			Subsystem: "otap",
			Name:      "segments_sent_total",
			Help:      "Firmware segments put on the link, retransmissions included.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(calls, callDuration, dropped, otapNodes, otapSegments)
	})
}

// RecordCall counts one finished remote call. outcome is a short label such as
// "ok", "timeout", "busy" or "remote_error".
func RecordCall(module, name, outcome string, duration time.Duration) {
	RegisterMetrics()
	calls.WithLabelValues(module, name, outcome).Inc()
	callDuration.WithLabelValues(module, name, outcome).Observe(duration.Seconds())
}

func RecordDrop(reason string) {
	RegisterMetrics()
	dropped.WithLabelValues(reason).Inc()
}

// RecordNode counts a node leaving a run in phase, successfully or with code.
func RecordNode(phase string, ok bool, code uint8) {
	RegisterMetrics()
	result, codeLabel := "done", ""
	if !ok {
		result, codeLabel = "failed", strconv.Itoa(int(code))
	}
	otapNodes.WithLabelValues(phase, result, codeLabel).Inc()
}

func RecordSegment() {
	RegisterMetrics()
	otapSegments.Inc()
}
