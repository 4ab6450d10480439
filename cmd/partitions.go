package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/livereview/lrmaint/internal/config"
	"github.com/livereview/lrmaint/internal/database"
	"github.com/livereview/lrmaint/internal/jobqueue"
	"github.com/livereview/lrmaint/internal/partitioning"
)

// PartitionsCommand returns the partitions command
func PartitionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "partitions",
		Usage: "Maintain partitioned tables",
		Subcommands: []*cli.Command{
			{
				Name:  "sync",
				Usage: "Create missing partitions and detach extra ones",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "only-on",
						Usage: "Only sync on this database",
					},
					&cli.BoolFlag{
						Name:  "no-analyze",
						Usage: "Skip ANALYZE of partitioned tables",
					},
				},
				Action: runPartitionsSync,
			},
			{
				Name:   "drop-detached",
				Usage:  "Drop detached partitions whose retention has passed",
				Action: runPartitionsDropDetached,
			},
			{
				Name:  "setup",
				Usage: "Create the partitions schema, bookkeeping tables and job queue tables",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "skip-jobs",
						Usage: "Do not migrate the job queue tables",
					},
				},
				Action: runPartitionsSetup,
			},
			{
				Name:   "list",
				Usage:  "List the configured partitioned tables",
				Action: runPartitionsList,
			},
			{
				Name:  "prepare",
				Usage: "Add and validate the check constraint a table needs before conversion",
				Flags: append(convertFlags(),
					&cli.BoolFlag{
						Name:  "async",
						Usage: "Validate the constraint in a background job",
					},
				),
				Action: runPartitionsPrepare,
			},
			{
				Name:  "convert",
				Usage: "Convert a prepared table into the first partition of a new partitioned table",
				Flags: append(convertFlags(),
					&cli.StringFlag{
						Name:  "parent",
						Usage: "Name of the new partitioned table",
					},
					&cli.StringFlag{
						Name:  "archived-name",
						Usage: "Swap the new table in under the original name and keep the original under this one",
					},
					&cli.StringFlag{
						Name:  "primary-key",
						Usage: "Primary key column used when swapping names",
						Value: "id",
					},
					&cli.StringSliceFlag{
						Name:  "lock",
						Usage: "Tables to lock first, in order, when attaching",
					},
				),
				Action: runPartitionsConvert,
			},
			{
				Name:   "revert-prepare",
				Usage:  "Remove the check constraint added by prepare",
				Flags:  convertFlags(),
				Action: runPartitionsRevertPrepare,
			},
		},
	}
}

func convertFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "database",
			Aliases: []string{"d"},
			Usage:   "Database the table lives on",
			Value:   "main",
		},
		&cli.StringFlag{
			Name:     "table",
			Aliases:  []string{"t"},
			Usage:    "Table to convert",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "column",
			Usage:    "Partitioning column",
			Required: true,
		},
		&cli.Int64Flag{
			Name:  "zero-value",
			Usage: "Partitioning value every existing row has",
			Value: 100,
		},
	}
}

// withRegistry loads configuration, connects and runs fn with the registry
func withRegistry(c *cli.Context, run string, fn func(ctx context.Context, cfg *config.Config, registry *partitioning.Registry) error) error {
	cfg, closeLog, err := loadConfig(c, run, true)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx := c.Context
	dbs, err := openDatabases(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDatabases(dbs)

	registry, err := newRegistry(cfg, dbs)
	if err != nil {
		return err
	}
	return fn(ctx, cfg, registry)
}

func runPartitionsSync(c *cli.Context) error {
	return withRegistry(c, "partitions sync", func(ctx context.Context, cfg *config.Config, registry *partitioning.Registry) error {
		analyze := cfg.Partitioning.Analyze && !c.Bool("no-analyze")
		if err := registry.SyncPartitions(ctx, c.String("only-on"), analyze); err != nil {
			return fmt.Errorf("failed to sync partitions: %w", err)
		}
		log.Info().Int("tables", len(registry.Tables())).Msg("Partition sync finished")
		return nil
	})
}

func runPartitionsDropDetached(c *cli.Context) error {
	return withRegistry(c, "partitions drop-detached", func(ctx context.Context, _ *config.Config, registry *partitioning.Registry) error {
		return registry.DropDetachedPartitions(ctx)
	})
}

func runPartitionsSetup(c *cli.Context) error {
	return withRegistry(c, "partitions setup", func(ctx context.Context, cfg *config.Config, registry *partitioning.Registry) error {
		if err := registry.EnsureSchema(ctx); err != nil {
			return err
		}
		log.Info().Msg("Partitioning schema is in place")

		if c.Bool("skip-jobs") {
			return nil
		}
		pool, err := database.NewPool(ctx, cfg.Databases[cfg.Jobs.Database])
		if err != nil {
			return fmt.Errorf("jobs database %s: %w", cfg.Jobs.Database, err)
		}
		defer pool.Close()
		return jobqueue.Migrate(ctx, pool)
	})
}

func runPartitionsList(c *cli.Context) error {
	cfg, closeLog, err := loadConfig(c, "", true)
	if err != nil {
		return err
	}
	defer closeLog()

	tables, err := cfg.StrategyConfigs()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tDATABASE\tSTRATEGY\tKEY")
	for _, t := range tables {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Model.Table, t.Model.Database, t.Kind, t.PartitioningKey)
	}
	return w.Flush()
}

// withConvertTable connects to the table's database and runs fn
func withConvertTable(c *cli.Context, run string, fn func(ctx context.Context, cfg *config.Config, ct *partitioning.ConvertTable) error) error {
	cfg, closeLog, err := loadConfig(c, run, true)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx := c.Context
	name := c.String("database")
	dbCfg, ok := cfg.Databases[name]
	if !ok {
		return fmt.Errorf("database %q is not configured", name)
	}
	db, err := database.NewDB(ctx, dbCfg)
	if err != nil {
		return fmt.Errorf("database %s: %w", name, err)
	}
	defer closeDatabases(map[string]*sql.DB{name: db})

	ct := &partitioning.ConvertTable{
		Conn:               partitioning.NewPGConn(name, db),
		Table:              c.String("table"),
		PartitioningColumn: c.String("column"),
		ZeroValue:          c.Int64("zero-value"),
		LockRetry:          cfg.Partitioning.LockRetry,
	}
	return fn(ctx, cfg, ct)
}

func runPartitionsPrepare(c *cli.Context) error {
	return withConvertTable(c, "partitions prepare", func(ctx context.Context, cfg *config.Config, ct *partitioning.ConvertTable) error {
		async := c.Bool("async")
		if async {
			pool, err := database.NewPool(ctx, cfg.Databases[cfg.Jobs.Database])
			if err != nil {
				return fmt.Errorf("jobs database %s: %w", cfg.Jobs.Database, err)
			}
			defer pool.Close()

			queue, err := jobqueue.NewInsertOnlyJobQueue(pool, nil)
			if err != nil {
				return err
			}
			ct.Queue = queue
		}

		if err := ct.PrepareForPartitioning(ctx, async); err != nil {
			return fmt.Errorf("failed to prepare %s: %w", ct.Table, err)
		}
		log.Info().Str("table_name", ct.Table).Bool("async", async).Msg("Table prepared for partitioning")
		return nil
	})
}

func runPartitionsConvert(c *cli.Context) error {
	return withConvertTable(c, "partitions convert", func(ctx context.Context, _ *config.Config, ct *partitioning.ConvertTable) error {
		ct.ParentTable = c.String("parent")
		if ct.ParentTable == "" {
			ct.ParentTable = "p_" + ct.Table
		}
		ct.ArchivedName = c.String("archived-name")
		ct.PrimaryKeyColumn = c.String("primary-key")
		ct.LockTables = c.StringSlice("lock")

		if err := ct.Partition(ctx); err != nil {
			return fmt.Errorf("failed to convert %s: %w", ct.Table, err)
		}
		return nil
	})
}

func runPartitionsRevertPrepare(c *cli.Context) error {
	return withConvertTable(c, "partitions revert-prepare", func(ctx context.Context, _ *config.Config, ct *partitioning.ConvertTable) error {
		return ct.RevertPreparationForPartitioning(ctx)
	})
}
