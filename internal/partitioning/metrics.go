package partitioning

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// partitionsPresent is the number of attached partitions per table
	partitionsPresent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "db_partitions_present",
		Help: "Number of database partitions present",
	}, []string{"table"})

	// partitionsMissing is the number of partitions the strategy still wants
	partitionsMissing = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "db_partitions_missing",
		Help: "Number of database partitions currently expected, but not present",
	}, []string{"table"})

	// partitionsExtra is the number of partitions waiting to be detached
	partitionsExtra = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "db_partitions_extra",
		Help: "Number of database partitions currently attached but eligible for detaching",
	}, []string{"table"})

	// partitionsDropped counts detached partitions dropped by the dropper
	partitionsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "db_partitions_dropped_total",
		Help: "Total detached partitions dropped, by database",
	}, []string{"database"})

	syncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "db_partitions_sync_duration_seconds",
		Help:    "Partition sync duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"table"})
)

// reportPartitionCounts refreshes the partition gauges of one table
func reportPartitionCounts(table string, present, missing, extra int) {
	partitionsPresent.WithLabelValues(table).Set(float64(present))
	partitionsMissing.WithLabelValues(table).Set(float64(missing))
	partitionsExtra.WithLabelValues(table).Set(float64(extra))
}
