package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/zerolog/log"

	"github.com/livereview/lrmaint/internal/partitioning"
)

// PartitionMaintainer syncs and drops partitions on every configured database
type PartitionMaintainer interface {
	SyncPartitions(ctx context.Context, onlyOn string, analyze bool) error
	DropDetachedPartitions(ctx context.Context) error
}

// PartitionSyncJobArgs represents the arguments for a partition sync job
type PartitionSyncJobArgs struct {
	OnlyOn  string `json:"only_on,omitempty"`
	Analyze bool   `json:"analyze"`
}

// Kind returns the job kind for River
func (PartitionSyncJobArgs) Kind() string {
	return "partition_sync"
}

// DetachedPartitionDropJobArgs represents the arguments for a drop job
type DetachedPartitionDropJobArgs struct{}

// Kind returns the job kind for River
func (DetachedPartitionDropJobArgs) Kind() string {
	return "detached_partition_drop"
}

// ConstraintValidationJobArgs names a NOT VALID check constraint to validate
type ConstraintValidationJobArgs struct {
	Database   string `json:"database"`
	Table      string `json:"table"`
	Constraint string `json:"constraint"`
}

// Kind returns the job kind for River
func (ConstraintValidationJobArgs) Kind() string {
	return "check_constraint_validation"
}

// PartitionSyncWorker handles partition sync jobs
type PartitionSyncWorker struct {
	river.WorkerDefaults[PartitionSyncJobArgs]
	partitions PartitionMaintainer
	config     *QueueConfig
}

func (w *PartitionSyncWorker) Timeout(*river.Job[PartitionSyncJobArgs]) time.Duration {
	return w.config.JobTimeout
}

func (w *PartitionSyncWorker) Work(ctx context.Context, job *river.Job[PartitionSyncJobArgs]) error {
	start := time.Now()
	if err := w.partitions.SyncPartitions(ctx, job.Args.OnlyOn, job.Args.Analyze); err != nil {
		// Only configuration errors reach this point
		return river.JobCancel(err)
	}
	log.Info().
		Int64("job_id", job.ID).
		Str("connection_name", job.Args.OnlyOn).
		Dur("duration", time.Since(start)).
		Msg("Partition sync finished")
	return nil
}

// DetachedPartitionDropWorker handles detached partition drop jobs
type DetachedPartitionDropWorker struct {
	river.WorkerDefaults[DetachedPartitionDropJobArgs]
	partitions PartitionMaintainer
	config     *QueueConfig
}

func (w *DetachedPartitionDropWorker) Timeout(*river.Job[DetachedPartitionDropJobArgs]) time.Duration {
	return w.config.JobTimeout
}

func (w *DetachedPartitionDropWorker) Work(ctx context.Context, job *river.Job[DetachedPartitionDropJobArgs]) error {
	if err := w.partitions.DropDetachedPartitions(ctx); err != nil {
		return fmt.Errorf("drop detached partitions: %w", err)
	}
	return nil
}

// ConstraintValidationWorker validates partitioning constraints in the
// background
type ConstraintValidationWorker struct {
	river.WorkerDefaults[ConstraintValidationJobArgs]
	conns  map[string]partitioning.Conn
	config *QueueConfig
}

func (w *ConstraintValidationWorker) Timeout(*river.Job[ConstraintValidationJobArgs]) time.Duration {
	return w.config.ValidationTimeout
}

func (w *ConstraintValidationWorker) Work(ctx context.Context, job *river.Job[ConstraintValidationJobArgs]) error {
	args := job.Args
	conn, ok := w.conns[args.Database]
	if !ok {
		return river.JobCancel(fmt.Errorf("unknown database %q", args.Database))
	}

	logger := log.With().
		Int64("job_id", job.ID).
		Str("connection_name", args.Database).
		Str("table_name", args.Table).
		Str("constraint_name", args.Constraint).
		Logger()

	logger.Info().Msg("Validating partitioning constraint")
	if err := partitioning.ValidateConstraint(ctx, conn, args.Table, args.Constraint); err != nil {
		logger.Error().Err(err).Int("attempt", job.Attempt).Msg("Constraint validation failed")
		return err
	}
	logger.Info().Msg("Partitioning constraint validated")
	return nil
}

// Dependencies are the services the workers run against
type Dependencies struct {
	Partitions PartitionMaintainer
	Conns      map[string]partitioning.Conn
}

// JobQueue manages the River job queue
type JobQueue struct {
	client *river.Client[pgx.Tx]
	config *QueueConfig
}

var _ partitioning.ValidationQueue = (*JobQueue)(nil)

// NewJobQueue creates a new job queue instance
func NewJobQueue(pool *pgxpool.Pool, deps Dependencies, config *QueueConfig) (*JobQueue, error) {
	if config == nil {
		config = DefaultQueueConfig()
	}

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:       config.RiverQueueConfig(),
		Workers:      newWorkers(deps, config),
		PeriodicJobs: periodicJobs(config),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{
		client: client,
		config: config,
	}, nil
}

// NewInsertOnlyJobQueue creates a queue that can enqueue jobs but works none
func NewInsertOnlyJobQueue(pool *pgxpool.Pool, config *QueueConfig) (*JobQueue, error) {
	if config == nil {
		config = DefaultQueueConfig()
	}

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}
	return &JobQueue{client: client, config: config}, nil
}

func newWorkers(deps Dependencies, config *QueueConfig) *river.Workers {
	workers := river.NewWorkers()
	river.AddWorker(workers, &PartitionSyncWorker{partitions: deps.Partitions, config: config})
	river.AddWorker(workers, &DetachedPartitionDropWorker{partitions: deps.Partitions, config: config})
	river.AddWorker(workers, &ConstraintValidationWorker{conns: deps.Conns, config: config})
	return workers
}

func periodicJobs(config *QueueConfig) []*river.PeriodicJob {
	opts := &river.InsertOpts{MaxAttempts: config.PeriodicMaxAttempts}
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(config.SyncInterval),
			func() (river.JobArgs, *river.InsertOpts) {
				return PartitionSyncJobArgs{Analyze: config.Analyze}, opts
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(config.DropInterval),
			func() (river.JobArgs, *river.InsertOpts) {
				return DetachedPartitionDropJobArgs{}, opts
			},
			nil,
		),
	}
}

// Migrate creates or upgrades the River tables
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("failed to create River migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("failed to migrate River schema: %w", err)
	}
	for _, v := range res.Versions {
		log.Info().Int("version", v.Version).Msg("Applied River migration")
	}
	return nil
}

// Start starts the job queue workers
func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

// Stop stops the job queue workers
func (jq *JobQueue) Stop(ctx context.Context) error {
	return jq.client.Stop(ctx)
}

// QueuePartitionSync queues an immediate partition sync
func (jq *JobQueue) QueuePartitionSync(ctx context.Context, onlyOn string, analyze bool) error {
	_, err := jq.client.Insert(ctx, PartitionSyncJobArgs{OnlyOn: onlyOn, Analyze: analyze},
		&river.InsertOpts{MaxAttempts: jq.config.PeriodicMaxAttempts})
	if err != nil {
		return fmt.Errorf("failed to queue partition sync job: %w", err)
	}
	return nil
}

// EnqueueConstraintValidation queues validation of a partitioning constraint
func (jq *JobQueue) EnqueueConstraintValidation(ctx context.Context, database, table, constraint string) error {
	args := ConstraintValidationJobArgs{Database: database, Table: table, Constraint: constraint}

	res, err := jq.client.Insert(ctx, args, &river.InsertOpts{MaxAttempts: jq.config.ValidationMaxAttempts})
	if err != nil {
		return fmt.Errorf("failed to queue constraint validation job: %w", err)
	}

	log.Info().
		Int64("job_id", res.Job.ID).
		Str("connection_name", database).
		Str("table_name", table).
		Str("constraint_name", constraint).
		Msg("Queued partitioning constraint validation")
	return nil
}
