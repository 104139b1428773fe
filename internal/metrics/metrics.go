// Package metrics expose les métriques Prometheus de feedwatch.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "feedwatch"

var (
	// PollsTotal compte les cycles de poll par résultat (ok, error).
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Total number of feed polls",
		},
		[]string{"result"},
	)

	NewItemsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "new_items_total",
			Help:      "Total number of new feed items discovered",
		},
	)

	MetadataFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metadata_fetch_total",
			Help:      "Total number of torrent metadata fetches",
		},
		[]string{"result"},
	)

	DownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Total number of downloads by final state",
		},
		[]string{"state"},
	)

	CoordinatorEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coordinator_events_total",
			Help:      "Total number of registry mutation events applied",
		},
		[]string{"kind"},
	)

	SnapshotSaveTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_save_total",
			Help:      "Total number of registry snapshot saves",
		},
		[]string{"trigger", "result"},
	)

	SnapshotSaveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_save_duration_seconds",
			Help:      "Duration of registry snapshot saves in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"trigger"},
	)

	Subscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Number of registered subscriptions",
		},
	)

	RunningPollers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_pollers",
			Help:      "Number of running feed pollers",
		},
	)
)

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordPoll records a poll outcome and the number of new items it produced.
func RecordPoll(err error, newItems int) {
	PollsTotal.WithLabelValues(resultLabel(err)).Inc()
	if newItems > 0 {
		NewItemsTotal.Add(float64(newItems))
	}
}

func RecordMetadataFetch(err error) {
	MetadataFetchTotal.WithLabelValues(resultLabel(err)).Inc()
}

func RecordSnapshotSave(trigger string, err error, seconds float64) {
	SnapshotSaveTotal.WithLabelValues(trigger, resultLabel(err)).Inc()
	SnapshotSaveDuration.WithLabelValues(trigger).Observe(seconds)
}
