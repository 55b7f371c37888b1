package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/examlink/sebconn/config"
	"github.com/examlink/sebconn/consts"
	"github.com/examlink/sebconn/logger"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

// ErrMigrationLocked is returned when another process holds the migration lock.
var ErrMigrationLocked = errors.New("could not acquire exclusive migration lock")

// Migrator applies the embedded schema migrations. It holds a dedicated
// connection so the session-level advisory lock is taken and released on the
// same backend.
type Migrator struct {
	m     *migrate.Migrate
	sqlDB *sql.DB
	conn  *sql.Conn
}

// NewMigrator connects to the write endpoint and prepares golang-migrate.
func NewMigrator(ctx context.Context, endpoint *config.DatabaseEndpointConfig) (*Migrator, error) {
	connString, err := ConnString(endpoint)
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrations, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}

	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}

	dbDriver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrationLogger{}

	return &Migrator{m: m, sqlDB: sqlDB}, nil
}

// Lock takes the advisory lock shared by the service and the admin tool.
func (mg *Migrator) Lock(ctx context.Context) error {
	conn, err := mg.sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to reserve connection for advisory lock: %w", err)
	}

	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var acquired bool
	if err := conn.QueryRowContext(queryCtx, "SELECT pg_try_advisory_lock($1)", consts.MigrationAdvisoryLockID).Scan(&acquired); err != nil {
		conn.Close()
		return fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return ErrMigrationLocked
	}

	mg.conn = conn
	logger.Info("Migrate: acquired exclusive database lock")
	return nil
}

// Unlock releases the advisory lock if held.
func (mg *Migrator) Unlock(ctx context.Context) {
	if mg.conn == nil {
		return
	}
	defer func() {
		mg.conn.Close()
		mg.conn = nil
	}()

	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var unlocked bool
	if err := mg.conn.QueryRowContext(queryCtx, "SELECT pg_advisory_unlock($1)", consts.MigrationAdvisoryLockID).Scan(&unlocked); err != nil {
		logger.Warn("Migrate: failed to release advisory lock", "error", err)
	} else if !unlocked {
		logger.Warn("Migrate: advisory lock was not held at release")
	}
}

// Up applies all pending migrations. No pending migration is not an error.
func (mg *Migrator) Up() error {
	if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Down reverts n migrations, or all of them when n <= 0.
func (mg *Migrator) Down(n int) error {
	var err error
	if n <= 0 {
		err = mg.m.Down()
	} else {
		err = mg.m.Steps(-n)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (mg *Migrator) Force(version int) error {
	return mg.m.Force(version)
}

// Version returns the applied version; ok is false when nothing is applied yet.
func (mg *Migrator) Version() (version uint, dirty bool, ok bool, err error) {
	version, dirty, err = mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, err
	}
	return version, dirty, true, nil
}

func (mg *Migrator) Close() {
	mg.Unlock(context.Background())
	if srcErr, dbErr := mg.m.Close(); srcErr != nil || dbErr != nil {
		logger.Debug("Migrate: close", "source_error", srcErr, "db_error", dbErr)
	}
	mg.sqlDB.Close()
}

// AutoMigrate brings the schema up to date at startup. A concurrent migration
// by another instance is waited out by retrying the lock.
func AutoMigrate(ctx context.Context, endpoint *config.DatabaseEndpointConfig) error {
	mg, err := NewMigrator(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer mg.Close()

	for {
		err := mg.Lock(ctx)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrMigrationLocked) {
			return err
		}
		logger.Info("Migrate: waiting for another instance to finish migrating")
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for migration lock: %w", ctx.Err())
		case <-time.After(time.Second):
		}
	}

	if err := mg.Up(); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	if version, dirty, ok, err := mg.Version(); err == nil && ok {
		logger.Info("Migrate: schema up to date", "version", version, "dirty", dirty)
	}
	return nil
}

type migrationLogger struct{}

func (l *migrationLogger) Printf(format string, v ...any) {
	logger.Info("Migrate: " + fmt.Sprintf(format, v...))
}

func (l *migrationLogger) Verbose() bool {
	return false
}
