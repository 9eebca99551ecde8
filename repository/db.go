// Package repository opens the bun database used by the auth core and applies
// the embedded schema migrations.
package repository

import (
	"context"
	"database/sql"
	"time"

	goerrors "github.com/goliatone/go-errors"
	_ "github.com/jackc/pgx/v5/stdlib"
	auth "github.com/plinthio/go-auth"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/migrate"
)

const (
	migrationsTable     = "schema_migrations"
	migrationLocksTable = "schema_migration_locks"
)

// Open connects to the configured database. SQLite connections are limited
// to one so writers serialize instead of failing with a busy error.
func Open(ctx context.Context, cfg auth.DatabaseSettings, logger auth.Logger) (*bun.DB, error) {
	var (
		sqldb *sql.DB
		db    *bun.DB
		err   error
	)

	switch cfg.Driver {
	case auth.DriverSQLite, "":
		sqldb, err = sql.Open(sqliteshim.ShimName, cfg.DSN)
		if err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to open sqlite database")
		}
		sqldb.SetMaxOpenConns(1)
		db = bun.NewDB(sqldb, sqlitedialect.New())
	case auth.DriverPostgres:
		sqldb, err = sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to open postgres database")
		}
		db = bun.NewDB(sqldb, pgdialect.New())
	default:
		return nil, goerrors.New("unsupported database driver", goerrors.CategoryBadInput).
			WithMetadata(map[string]any{"driver": cfg.Driver})
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to reach database")
	}

	if cfg.Debug && logger != nil {
		db.AddQueryHook(queryLogger{logger: logger})
	}

	return db, nil
}

// NewManager opens the database, migrates it and returns the repository manager.
func NewManager(ctx context.Context, cfg auth.DatabaseSettings, logger auth.Logger) (auth.RepositoryManager, *bun.DB, error) {
	db, err := Open(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	if _, err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	repo := auth.NewRepositoryManager(db)
	if err := repo.Validate(); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return repo, db, nil
}

// MigrationDir returns the embedded migration directory for the dialect of db.
func MigrationDir(db *bun.DB) (string, error) {
	switch db.Dialect().Name() {
	case dialect.SQLite:
		return "sqlite", nil
	case dialect.PG:
		return "postgres", nil
	default:
		return "", goerrors.New("no migrations for database dialect", goerrors.CategoryInternal).
			WithMetadata(map[string]any{"dialect": db.Dialect().Name().String()})
	}
}

// NewMigrator returns a bun migrator over the embedded migrations of the
// dialect of db. Every file is a .tx.up.sql / .tx.down.sql pair, so each
// migration runs in its own transaction.
func NewMigrator(db *bun.DB) (*migrate.Migrator, error) {
	dir, err := MigrationDir(db)
	if err != nil {
		return nil, err
	}

	files, err := auth.DialectMigrations(dir)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to open migrations")
	}

	migrations := migrate.NewMigrations()
	if err := migrations.Discover(files); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to discover migrations").
			WithMetadata(map[string]any{"dialect": dir})
	}

	return migrate.NewMigrator(db, migrations,
		migrate.WithTableName(migrationsTable),
		migrate.WithLocksTableName(migrationLocksTable),
		migrate.WithMarkAppliedOnSuccess(true),
	), nil
}

// Migrate applies the pending embedded migrations and returns their names.
func Migrate(ctx context.Context, db *bun.DB) ([]string, error) {
	migrator, err := NewMigrator(db)
	if err != nil {
		return nil, err
	}
	if err := migrator.Init(ctx); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create migrations tables")
	}

	var group *migrate.MigrationGroup
	err = withMigrationLock(ctx, migrator, func() error {
		var err error
		group, err = migrator.Migrate(ctx)
		return err
	})
	if err != nil {
		return migrationNames(group), goerrors.Wrap(err, goerrors.CategoryInternal, "migration failed").
			WithMetadata(map[string]any{"applied": migrationNames(group)})
	}
	return migrationNames(group), nil
}

// Rollback reverts the last applied group of migrations and returns their names.
func Rollback(ctx context.Context, db *bun.DB) ([]string, error) {
	migrator, err := NewMigrator(db)
	if err != nil {
		return nil, err
	}
	if err := migrator.Init(ctx); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create migrations tables")
	}

	var group *migrate.MigrationGroup
	err = withMigrationLock(ctx, migrator, func() error {
		var err error
		group, err = migrator.Rollback(ctx)
		return err
	})
	if err != nil {
		return migrationNames(group), goerrors.Wrap(err, goerrors.CategoryInternal, "rollback failed")
	}
	return migrationNames(group), nil
}

func withMigrationLock(ctx context.Context, migrator *migrate.Migrator, fn func() error) error {
	if err := migrator.Lock(ctx); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryConflict, "migrations are locked by another process")
	}
	defer func() { _ = migrator.Unlock(ctx) }()
	return fn()
}

func migrationNames(group *migrate.MigrationGroup) []string {
	if group == nil || group.IsZero() {
		return nil
	}
	names := make([]string, 0, len(group.Migrations))
	for _, m := range group.Migrations {
		names = append(names, m.String())
	}
	return names
}

type queryLogger struct {
	logger auth.Logger
}

func (q queryLogger) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

func (q queryLogger) AfterQuery(_ context.Context, event *bun.QueryEvent) {
	if event.Err != nil && !goerrors.Is(event.Err, sql.ErrNoRows) {
		q.logger.Warn("query failed in %s: %s: %v", time.Since(event.StartTime), event.Query, event.Err)
		return
	}
	q.logger.Debug("query %s: %s", time.Since(event.StartTime), event.Query)
}
