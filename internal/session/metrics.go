package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReconnectAttempts counts scheduled reconnect attempts.
	// Labels: trigger (auto, manual)
	ReconnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "concierge",
			Subsystem: "session",
			Name:      "reconnect_attempts_total",
			Help:      "Total reconnect attempts by trigger",
		},
		[]string{"trigger"},
	)

	// TerminalFailures counts transitions into the failed state.
	TerminalFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "concierge",
			Subsystem: "session",
			Name:      "terminal_failures_total",
			Help:      "Total transitions into the terminal failed state",
		},
	)

	// ConnectionState reports the current state (one-hot per label).
	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "concierge",
			Subsystem: "session",
			Name:      "connection_state",
			Help:      "Current connection state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)
)

func recordState(s State) {
	for _, candidate := range []State{StateIdle, StateConnecting, StateConnected, StateReconnecting, StateFailed} {
		v := 0.0
		if candidate == s {
			v = 1.0
		}
		ConnectionState.WithLabelValues(string(candidate)).Set(v)
	}
}
