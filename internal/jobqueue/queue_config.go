/*
Package jobqueue configuration - tunable parameters for the River job queue.

The queue runs three kinds of jobs:
  - partition_sync: periodic, creates missing partitions and detaches extra ones
  - detached_partition_drop: periodic, drops detached partitions past their retention
  - check_constraint_validation: on demand, validates a partitioning constraint
    added by "partitions prepare --async"

Sync and drop jobs are cheap when there is nothing to do and take a lease per
table, so several workers on several hosts can run them safely. Constraint
validation scans the whole table and is the only long running job.
*/
package jobqueue

import (
	"time"

	"github.com/riverqueue/river"
)

// QueueConfig holds all configurable parameters for the job queue
type QueueConfig struct {
	MaxWorkers int

	// MaxAttempts for periodic jobs. A failed sync is simply picked up by the
	// next period.
	PeriodicMaxAttempts int
	// MaxAttempts for constraint validation, which is only enqueued once
	ValidationMaxAttempts int

	SyncInterval time.Duration
	DropInterval time.Duration
	// Analyze runs ANALYZE on partitioned tables during periodic syncs
	Analyze bool

	JobTimeout        time.Duration
	ValidationTimeout time.Duration
}

// DefaultQueueConfig returns the default configuration
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxWorkers:            2,
		PeriodicMaxAttempts:   1,
		ValidationMaxAttempts: 5,
		SyncInterval:          6 * time.Hour,
		DropInterval:          time.Hour,
		Analyze:               true,
		JobTimeout:            10 * time.Minute,
		ValidationTimeout:     -1, // no timeout
	}
}

// RiverQueueConfig converts our config to River's queue configuration format
func (c *QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	workers := c.MaxWorkers
	if workers <= 0 {
		workers = 1
	}
	return map[string]river.QueueConfig{
		river.QueueDefault: {
			MaxWorkers: workers,
		},
	}
}
