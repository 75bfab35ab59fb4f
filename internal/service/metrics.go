package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	offerDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_offer_decisions_total",
			Help: "Offer acceptance outcomes by result",
		},
		[]string{"outcome"},
	)

	eventPublishFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_event_publish_failures_total",
			Help: "Best-effort event publications that failed after the state change committed",
		},
		[]string{"event_type"},
	)

	locationUpdatesShedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_location_updates_shed_total",
			Help: "Location updates rejected by the per-porter rate limit",
		},
	)

	snapshotWriteFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_location_snapshot_failures_total",
			Help: "Durable location snapshot writes that were swallowed",
		},
	)
)
