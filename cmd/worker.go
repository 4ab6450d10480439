package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/livereview/lrmaint/internal/api"
	"github.com/livereview/lrmaint/internal/database"
	"github.com/livereview/lrmaint/internal/jobqueue"
)

// WorkerCommand returns the worker command
func WorkerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Run the maintenance jobs and the ops server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the ops server, overrides the configuration",
			},
			&cli.BoolFlag{
				Name:  "no-server",
				Usage: "Do not start the ops server",
			},
		},
		Action: runWorker,
	}
}

func runWorker(c *cli.Context) error {
	cfg, closeLog, err := loadConfig(c, "worker", true)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbs, err := openDatabases(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDatabases(dbs)

	registry, err := newRegistry(cfg, dbs)
	if err != nil {
		return err
	}

	pool, err := database.NewPool(ctx, cfg.Databases[cfg.Jobs.Database])
	if err != nil {
		return fmt.Errorf("jobs database %s: %w", cfg.Jobs.Database, err)
	}
	defer pool.Close()

	queueCfg := jobqueue.DefaultQueueConfig()
	queueCfg.MaxWorkers = cfg.Jobs.Workers
	queueCfg.SyncInterval = cfg.Jobs.SyncInterval
	queueCfg.DropInterval = cfg.Jobs.DropInterval
	queueCfg.Analyze = cfg.Partitioning.Analyze

	queue, err := jobqueue.NewJobQueue(pool, jobqueue.Dependencies{
		Partitions: registry,
		Conns:      partitioningConns(dbs),
	}, queueCfg)
	if err != nil {
		return err
	}
	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("failed to start job queue: %w", err)
	}
	log.Info().
		Dur("sync_interval", queueCfg.SyncInterval).
		Dur("drop_interval", queueCfg.DropInterval).
		Int("workers", queueCfg.MaxWorkers).
		Msg("Job queue started")

	if c.Bool("no-server") {
		<-ctx.Done()
	} else {
		port := cfg.Server.Port
		if c.IsSet("port") {
			port = c.Int("port")
		}

		repo, err := newRepository(cfg.Tracer)
		if err != nil {
			log.Warn().Err(err).Msg("Tracing endpoint disabled")
		}
		pingers := make(map[string]api.Pinger, len(dbs))
		for name, db := range dbs {
			pingers[name] = db
		}

		server := api.NewServer(port, api.Dependencies{
			Databases:  pingers,
			Tables:     registry.Tables(),
			Queue:      queue,
			Repository: repo,
		})
		if err := server.Start(ctx); err != nil {
			log.Error().Err(err).Msg("Ops server stopped")
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := queue.Stop(stopCtx); err != nil {
		return fmt.Errorf("failed to stop job queue: %w", err)
	}
	log.Info().Msg("Worker stopped")
	return nil
}
