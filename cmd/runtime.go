package cmd

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/livereview/lrmaint/internal/config"
	"github.com/livereview/lrmaint/internal/database"
	"github.com/livereview/lrmaint/internal/diff"
	"github.com/livereview/lrmaint/internal/logging"
	"github.com/livereview/lrmaint/internal/partitioning"
	"github.com/livereview/lrmaint/internal/providers/gitlab"
	"github.com/livereview/lrmaint/internal/tracer"
)

// loadConfig loads the configuration and installs the logger for run. The
// returned function closes the run log.
func loadConfig(c *cli.Context, run string, validate bool) (*config.Config, func(), error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if validate {
		if err := config.Validate(cfg); err != nil {
			return nil, nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}
	if level := c.String("log-level"); level != "" {
		cfg.Log.Level = level
	}

	closeLog, err := logging.Setup(cfg.Log, c.App.ErrWriter, run)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	return cfg, func() {
		if err := closeLog(); err != nil {
			fmt.Fprintf(c.App.ErrWriter, "failed to close log file: %s\n", err)
		}
	}, nil
}

// openDatabases connects to every configured database
func openDatabases(ctx context.Context, cfg *config.Config) (map[string]*sql.DB, error) {
	dbs := make(map[string]*sql.DB, len(cfg.Databases))
	for _, name := range cfg.DatabaseNames() {
		db, err := database.NewDB(ctx, cfg.Databases[name])
		if err != nil {
			closeDatabases(dbs)
			return nil, fmt.Errorf("database %s: %w", name, err)
		}
		dbs[name] = db
	}
	return dbs, nil
}

func closeDatabases(dbs map[string]*sql.DB) {
	for name, db := range dbs {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Str("connection_name", name).Msg("Failed to close database")
		}
	}
}

func partitioningConns(dbs map[string]*sql.DB) map[string]partitioning.Conn {
	conns := make(map[string]partitioning.Conn, len(dbs))
	for name, db := range dbs {
		conns[name] = partitioning.NewPGConn(name, db)
	}
	return conns
}

// newRegistry wires every configured table to the open databases
func newRegistry(cfg *config.Config, dbs map[string]*sql.DB) (*partitioning.Registry, error) {
	tables, err := cfg.StrategyConfigs()
	if err != nil {
		return nil, err
	}

	databases := make([]partitioning.Database, 0, len(dbs))
	for _, name := range cfg.DatabaseNames() {
		db, ok := dbs[name]
		if !ok {
			continue
		}
		databases = append(databases, partitioning.Database{
			Name:  name,
			Conn:  partitioning.NewPGConn(name, db),
			Lease: partitioning.NewPGLease(db),
		})
	}

	return partitioning.NewRegistry(databases, tables, cfg.ManagerOptions())
}

// newRepository builds the diff source the tracer compares commits with
func newRepository(cfg config.TracerConfig) (tracer.Repository, error) {
	switch cfg.Source {
	case "", "git":
		return diff.NewGitRepository(cfg.RepoPath), nil
	case "gitlab":
		repo, err := gitlab.NewCompareRepository(cfg.GitLab)
		if err != nil {
			return nil, err
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unsupported tracer source: %s", cfg.Source)
	}
}
