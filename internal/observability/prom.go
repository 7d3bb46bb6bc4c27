package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ServiceName = "hippovolume"
)

var (
	StudiesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: prometheus.BuildFQName(ServiceName, "study", "processed_total"),
		Help: "Studies handled by the pipeline, by outcome and failed stage",
	}, []string{"outcome", "stage"})
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    prometheus.BuildFQName(ServiceName, "pipeline", "stage_duration_seconds"),
		Help:    "Duration of pipeline stages in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"stage"})
	LastVolume = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: prometheus.BuildFQName(ServiceName, "measurement", "last_volume_voxels"),
		Help: "Hippocampal volume of the last processed study in voxels",
	}, []string{"part"})
	FilesSeen = promauto.NewCounter(prometheus.CounterOpts{
		Name: prometheus.BuildFQName(ServiceName, "watcher", "files_seen_total"),
		Help: "New or modified files seen under the routing directory",
	})
	StudiesPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: prometheus.BuildFQName(ServiceName, "watcher", "studies_pending"),
		Help: "Studies waiting for their quiet period to elapse",
	})
)
