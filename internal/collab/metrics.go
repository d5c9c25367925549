package collab

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tbourn/incident-sync/internal/domain"
)

var (
	// transportMode is 1 while push-primary, 0 while poll-fallback.
	transportMode = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collab_transport_mode",
		Help: "Current transport mode (1 = push-primary, 0 = poll-fallback).",
	})

	modeChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_mode_changes_total",
		Help: "Transport mode flips by destination mode.",
	}, []string{"mode"})

	activeTopics = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collab_active_topics",
		Help: "Topics with at least one active subscriber.",
	})

	// snapshotFetches counts poll snapshots by result: ok, error, dropped.
	snapshotFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_snapshot_fetches_total",
		Help: "Snapshot fetches by result.",
	}, []string{"result"})

	merges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_merges_total",
		Help: "Reconciler merges by outcome.",
	}, []string{"outcome"})

	outboxItems = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "collab_outbox_items",
		Help: "Outbox items by status.",
	}, []string{"status"})

	outboxDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_outbox_deliveries_total",
		Help: "Outbox delivery passes per item by result.",
	}, []string{"result"})

	reconciliationConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_reconciliation_conflicts_total",
		Help: "Provisional entries marked unconfirmed after the grace window.",
	})

	typingActors = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collab_typing_actors",
		Help: "Remote actors currently typing across all topics.",
	})
)

func init() {
	prometheus.MustRegister(
		transportMode, modeChanges, activeTopics, snapshotFetches, merges,
		outboxItems, outboxDeliveries, reconciliationConflicts, typingActors,
	)
}

func observeMode(m domain.Mode) {
	if m == domain.ModePushPrimary {
		transportMode.Set(1)
	} else {
		transportMode.Set(0)
	}
}
