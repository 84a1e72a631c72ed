// Package metrics defines Prometheus instrumentation for the session runtime.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsActive is a gauge of active wrapped sessions in this process.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "klaas",
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of currently active wrapped sessions",
		},
	)

	// RelayBytesTotal counts bytes exchanged with the relay by direction.
	RelayBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "klaas",
			Subsystem: "relay",
			Name:      "bytes_total",
			Help:      "Total bytes exchanged with the relay",
		},
		[]string{"direction"},
	)

	// ReconnectsTotal counts reconnection attempts by result.
	ReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "klaas",
			Subsystem: "relay",
			Name:      "reconnects_total",
			Help:      "Total reconnection attempts by result",
		},
		[]string{"result"},
	)

	// QueueDropsTotal counts outgoing messages dropped from the queue.
	QueueDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "klaas",
			Subsystem: "relay",
			Name:      "queue_drops_total",
			Help:      "Outgoing messages dropped from the reconnect queue",
		},
		[]string{"reason"},
	)

	// PanicsTotal counts recovered goroutine panics by goroutine name.
	PanicsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "klaas",
			Subsystem: "runtime",
			Name:      "panics_total",
			Help:      "Recovered goroutine panics by goroutine name",
		},
		[]string{"goroutine"},
	)

	// PTYBytesTotal counts bytes moved through the PTY by direction.
	PTYBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "klaas",
			Subsystem: "pty",
			Name:      "bytes_total",
			Help:      "Total bytes moved through the PTY",
		},
		[]string{"direction"},
	)
)

// Direction label values.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Reconnect result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Queue drop reason label values.
const (
	ReasonOverflow = "overflow"
	ReasonExpired  = "expired"
)
