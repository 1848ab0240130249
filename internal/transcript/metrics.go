package transcript

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsFolded counts events applied to transcript state.
	// Labels: kind (assistant_text, user_echo, local_user, turn_complete, ...)
	EventsFolded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "concierge",
			Subsystem: "transcript",
			Name:      "events_folded_total",
			Help:      "Total events folded into transcript state by kind",
		},
		[]string{"kind"},
	)

	// DuplicatesDropped counts live events discarded because their
	// server event id was already present in the historical set.
	DuplicatesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "concierge",
			Subsystem: "transcript",
			Name:      "duplicates_dropped_total",
			Help:      "Total live events dropped as duplicates of historical events",
		},
	)

	// QueueDrops counts events discarded because the fold queue was
	// full. The transport does not guarantee at-least-once delivery at
	// this layer.
	QueueDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "concierge",
			Subsystem: "transcript",
			Name:      "queue_drops_total",
			Help:      "Total events dropped due to a full fold queue",
		},
	)

	// HistoryPages counts fetched history pages by result.
	// Labels: result (success, error)
	HistoryPages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "concierge",
			Subsystem: "transcript",
			Name:      "history_pages_total",
			Help:      "Total history page fetches by result",
		},
		[]string{"result"},
	)
)
