// Package db is the PostgreSQL connection store. It keeps connection records,
// client events, exams with their indicator definitions and the client
// registry, with separate write and read pools.
package db

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/examlink/sebconn/config"
	"github.com/examlink/sebconn/consts"
	"github.com/examlink/sebconn/logger"
	"github.com/examlink/sebconn/pkg/metrics"
)

type Database struct {
	WritePool *pgxpool.Pool // Write operations pool
	ReadPool  *pgxpool.Pool // Read operations pool
}

// NewDatabaseFromConfig creates the write pool, the read pool (or reuses the
// write pool when no read endpoint is configured) and applies pending
// migrations unless auto_migrate is off.
func NewDatabaseFromConfig(ctx context.Context, dbConfig *config.DatabaseConfig) (*Database, error) {
	if dbConfig.Write == nil {
		return nil, fmt.Errorf("write database configuration is required")
	}

	writePool, err := createPoolFromEndpoint(ctx, dbConfig.Write, dbConfig.GetDebug(), "write")
	if err != nil {
		return nil, fmt.Errorf("failed to create write pool: %w", err)
	}

	readPool := writePool
	if dbConfig.Read != nil && len(dbConfig.Read.Hosts) > 0 {
		readPool, err = createPoolFromEndpoint(ctx, dbConfig.Read, dbConfig.GetDebug(), "read")
		if err != nil {
			writePool.Close()
			return nil, fmt.Errorf("failed to create read pool: %w", err)
		}
	} else {
		logger.Info("Database: no read endpoint configured, using write pool for reads")
	}

	db := &Database{
		WritePool: writePool,
		ReadPool:  readPool,
	}

	if dbConfig.GetAutoMigrate() {
		timeout, err := dbConfig.GetMigrationTimeout()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("invalid migration_timeout: %w", err)
		}
		migrateCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := AutoMigrate(migrateCtx, dbConfig.Write); err != nil {
			db.Close()
			return nil, err
		}
	}

	return db, nil
}

// ConnString builds a pgx connection string for one endpoint, picking a random
// host when several are configured.
func ConnString(endpoint *config.DatabaseEndpointConfig) (string, error) {
	if len(endpoint.Hosts) == 0 {
		return "", fmt.Errorf("at least one host must be specified")
	}

	host := endpoint.Hosts[rand.Intn(len(endpoint.Hosts))]
	if !strings.Contains(host, ":") {
		port, err := endpoint.GetPort()
		if err != nil {
			return "", err
		}
		host = host + ":" + port
	}

	sslMode := "disable"
	if endpoint.TLSMode {
		sslMode = "require"
	}

	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		endpoint.User, endpoint.Password, host, endpoint.Name, sslMode), nil
}

func createPoolFromEndpoint(ctx context.Context, endpoint *config.DatabaseEndpointConfig, logQueries bool, poolType string) (*pgxpool.Pool, error) {
	connString, err := ConnString(endpoint)
	if err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if logQueries {
		poolConfig.ConnConfig.Tracer = &queryTracer{}
	}

	if endpoint.MaxConns > 0 {
		poolConfig.MaxConns = int32(endpoint.MaxConns)
	}
	if endpoint.MinConns > 0 {
		poolConfig.MinConns = int32(endpoint.MinConns)
	}

	lifetime, err := endpoint.GetMaxConnLifetime()
	if err != nil {
		return nil, fmt.Errorf("invalid max_conn_lifetime: %w", err)
	}
	poolConfig.MaxConnLifetime = lifetime

	idleTime, err := endpoint.GetMaxConnIdleTime()
	if err != nil {
		return nil, fmt.Errorf("invalid max_conn_idle_time: %w", err)
	}
	poolConfig.MaxConnIdleTime = idleTime

	logger.Info("Database: connecting", "role", poolType,
		"host", poolConfig.ConnConfig.Host, "port", poolConfig.ConnConfig.Port,
		"database", poolConfig.ConnConfig.Database, "user", poolConfig.ConnConfig.User)

	dbPool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := dbPool.Ping(ctx); err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	logger.Info("Database: pool created", "role", poolType,
		"max_conns", dbPool.Config().MaxConns, "min_conns", dbPool.Config().MinConns,
		"max_lifetime", dbPool.Config().MaxConnLifetime, "max_idle", dbPool.Config().MaxConnIdleTime)

	return dbPool, nil
}

func (db *Database) Close() {
	if db.WritePool != nil {
		db.WritePool.Close()
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		db.ReadPool.Close()
	}
}

// Ping checks both pools.
func (db *Database) Ping(ctx context.Context) error {
	if err := db.WritePool.Ping(ctx); err != nil {
		return fmt.Errorf("write pool: %w", err)
	}
	if db.ReadPool != db.WritePool {
		if err := db.ReadPool.Ping(ctx); err != nil {
			return fmt.Errorf("read pool: %w", err)
		}
	}
	return nil
}

// StartPoolMetrics starts a goroutine that periodically collects connection pool metrics
func (db *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.collectPoolStats()
			}
		}
	}()
}

func (db *Database) collectPoolStats() {
	if db.WritePool != nil {
		stats := db.WritePool.Stat()
		metrics.DBPoolTotalConns.WithLabelValues("write").Set(float64(stats.TotalConns()))
		metrics.DBPoolIdleConns.WithLabelValues("write").Set(float64(stats.IdleConns()))
		metrics.DBPoolInUseConns.WithLabelValues("write").Set(float64(stats.AcquiredConns()))
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		stats := db.ReadPool.Stat()
		metrics.DBPoolTotalConns.WithLabelValues("read").Set(float64(stats.TotalConns()))
		metrics.DBPoolIdleConns.WithLabelValues("read").Set(float64(stats.IdleConns()))
		metrics.DBPoolInUseConns.WithLabelValues("read").Set(float64(stats.AcquiredConns()))
	}
}

// GetReadPoolWithContext returns the pool for a read. Reads issued right after
// a mutation carry consts.UseMasterDBKey and go to the write pool.
func (db *Database) GetReadPoolWithContext(ctx context.Context) *pgxpool.Pool {
	if useMaster, ok := ctx.Value(consts.UseMasterDBKey).(bool); ok && useMaster {
		return db.WritePool
	}
	return db.ReadPool
}

func (db *Database) role(pool *pgxpool.Pool) string {
	if pool == db.WritePool {
		return "write"
	}
	return "read"
}

func observe(operation, role string, start time.Time, err error) {
	metrics.DBQueryDuration.WithLabelValues(operation, role).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil && err != pgx.ErrNoRows {
		status = "failure"
	}
	metrics.DBQueriesTotal.WithLabelValues(operation, status, role).Inc()
}

// timedRow defers metric recording until Scan, when the query error is known.
type timedRow struct {
	row       pgx.Row
	operation string
	role      string
	start     time.Time
}

func (r *timedRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	observe(r.operation, r.role, r.start, err)
	return err
}

// TimedQueryRow runs a single-row read on the pool chosen for ctx.
func (db *Database) TimedQueryRow(ctx context.Context, operation string, sql string, args ...any) pgx.Row {
	pool := db.GetReadPoolWithContext(ctx)
	return &timedRow{
		row:       pool.QueryRow(ctx, sql, args...),
		operation: operation,
		role:      db.role(pool),
		start:     time.Now(),
	}
}

// TimedWriteQueryRow runs a single-row statement (INSERT/UPDATE ... RETURNING) on the write pool.
func (db *Database) TimedWriteQueryRow(ctx context.Context, operation string, sql string, args ...any) pgx.Row {
	return &timedRow{
		row:       db.WritePool.QueryRow(ctx, sql, args...),
		operation: operation,
		role:      "write",
		start:     time.Now(),
	}
}

func (db *Database) TimedQuery(ctx context.Context, operation string, sql string, args ...any) (pgx.Rows, error) {
	start := time.Now()
	pool := db.GetReadPoolWithContext(ctx)
	rows, err := pool.Query(ctx, sql, args...)
	observe(operation, db.role(pool), start, err)
	return rows, err
}

func (db *Database) TimedExec(ctx context.Context, operation string, sql string, args ...any) error {
	start := time.Now()
	_, err := db.WritePool.Exec(ctx, sql, args...)
	observe(operation, "write", start, err)
	return err
}

// queryTracer logs every statement at debug level when database.debug is set.
type queryTracer struct{}

type traceStartKey struct{}

type traceStart struct {
	sql   string
	start time.Time
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceStartKey{}, traceStart{sql: data.SQL, start: time.Now()})
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	ts, _ := ctx.Value(traceStartKey{}).(traceStart)
	sql := strings.Join(strings.Fields(ts.sql), " ")
	if data.Err != nil {
		logger.Debug("Database: query failed", "sql", sql, "duration", time.Since(ts.start), "error", data.Err)
		return
	}
	logger.Debug("Database: query", "sql", sql, "duration", time.Since(ts.start), "tag", data.CommandTag.String())
}
