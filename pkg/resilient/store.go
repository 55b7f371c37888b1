// Package resilient wraps a connection store backend with per-operation
// timeouts, retries on transient errors and read/write circuit breakers.
//
// Errors that carry a domain sentinel (not found, unique violation, unknown
// exam or client) pass through unchanged and never trip a breaker. Every
// other failure reaches the caller wrapped in consts.ErrStorageFailure.
package resilient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/examlink/sebconn/config"
	"github.com/examlink/sebconn/consts"
	"github.com/examlink/sebconn/logger"
	"github.com/examlink/sebconn/model"
	"github.com/examlink/sebconn/pkg/circuitbreaker"
	"github.com/examlink/sebconn/pkg/metrics"
	"github.com/examlink/sebconn/pkg/retry"
)

// Backend is implemented by db.Database and localdb.Store.
type Backend interface {
	CreateConnection(ctx context.Context, nc model.NewConnection) (*model.ConnectionRecord, error)
	SaveConnection(ctx context.Context, upd model.ConnectionUpdate) (*model.ConnectionRecord, error)
	ConnectionByToken(ctx context.Context, token string) (*model.ConnectionRecord, error)
	ConnectionCountsByStatus(ctx context.Context) (map[string]int64, error)
	InsertEvents(ctx context.Context, events []*model.ClientEvent) error
	EventsByConnection(ctx context.Context, connectionID int64, limit int) ([]model.ClientEvent, error)
	ExamByID(ctx context.Context, examID int64) (*model.Exam, error)
	IndicatorDefinitions(ctx context.Context, examID int64) ([]model.IndicatorDefinition, error)
	InstitutionByClientName(ctx context.Context, clientName string) (int64, error)
	Ping(ctx context.Context) error
	Close()
}

type timeoutType int

const (
	timeoutRead timeoutType = iota
	timeoutWrite
)

// Store is the resilient front of a Backend. It implements Backend itself.
type Store struct {
	backend      Backend
	readBreaker  *circuitbreaker.CircuitBreaker
	writeBreaker *circuitbreaker.CircuitBreaker
	readTimeout  time.Duration
	writeTimeout time.Duration
	readRetry    retry.BackoffConfig
	writeRetry   retry.BackoffConfig
}

// NewStore wraps backend using the timeouts from cfg.
func NewStore(backend Backend, cfg *config.DatabaseConfig) *Store {
	readTimeout, err := cfg.GetQueryTimeout()
	if err != nil {
		logger.Warn("Resilient: invalid query_timeout, using default 10s", "error", err)
		readTimeout = 10 * time.Second
	}
	writeTimeout, err := cfg.GetWriteTimeout()
	if err != nil {
		logger.Warn("Resilient: invalid write_timeout, using default 10s", "error", err)
		writeTimeout = 10 * time.Second
	}

	return &Store{
		backend:      backend,
		readBreaker:  newBreaker("store_read", "read", 8, 0.6),
		writeBreaker: newBreaker("store_write", "write", 5, 0.5),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		readRetry:    readRetryConfig,
		writeRetry:   writeRetryConfig,
	}
}

func newBreaker(name, role string, minRequests uint32, ratio float64) *circuitbreaker.CircuitBreaker {
	settings := circuitbreaker.DefaultSettings(name)
	settings.ReadyToTrip = func(counts circuitbreaker.Counts) bool {
		failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
		return counts.Requests >= minRequests && failureRatio >= ratio
	}
	settings.OnStateChange = func(name string, from circuitbreaker.State, to circuitbreaker.State) {
		logger.Warn("Resilient: store circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		metrics.DBCircuitBreakerState.WithLabelValues(role).Set(float64(to))
	}
	settings.IsSuccessful = func(err error) bool {
		return err == nil || isDomainError(err)
	}
	metrics.DBCircuitBreakerState.WithLabelValues(role).Set(0)
	return circuitbreaker.NewCircuitBreaker(settings)
}

// Backend returns the wrapped store.
func (s *Store) Backend() Backend {
	return s.backend
}

func (s *Store) ReadBreakerState() circuitbreaker.State {
	return s.readBreaker.State()
}

func (s *Store) WriteBreakerState() circuitbreaker.State {
	return s.writeBreaker.State()
}

// ReadBreaker and WriteBreaker are exposed for health checks.
func (s *Store) ReadBreaker() *circuitbreaker.CircuitBreaker  { return s.readBreaker }
func (s *Store) WriteBreaker() *circuitbreaker.CircuitBreaker { return s.writeBreaker }

func (s *Store) withTimeout(ctx context.Context, opType timeoutType) (context.Context, context.CancelFunc) {
	if opType == timeoutWrite {
		return context.WithTimeout(ctx, s.writeTimeout)
	}
	return context.WithTimeout(ctx, s.readTimeout)
}

// isDomainError reports errors that describe the data, not the store.
func isDomainError(err error) bool {
	return errors.Is(err, consts.ErrConnectionNotFound) ||
		errors.Is(err, consts.ErrDBUniqueViolation) ||
		errors.Is(err, consts.ErrExamNotFound) ||
		errors.Is(err, consts.ErrClientNotFound) ||
		errors.Is(err, consts.ErrDBNotFound) ||
		errors.Is(err, consts.ErrInvalidStateTransition)
}

// isRetryableError reports transient failures worth another attempt.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if circuitbreaker.IsRejection(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// https://www.postgresql.org/docs/current/errcodes-appendix.html
		switch pgErr.Code {
		case "40001", "40P01":
			return true
		case "53300":
			return true
		case "08000", "08001", "08003", "08004", "08006", "08007", "08P01":
			return true
		}
		return false
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// wrapStorageFailure tags non-domain errors with ErrStorageFailure once.
func wrapStorageFailure(op string, err error) error {
	if err == nil || isDomainError(err) || errors.Is(err, consts.ErrStorageFailure) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", consts.ErrStorageFailure, op, err)
}

func execute[T any](ctx context.Context, s *Store, op string, opType timeoutType, fn func(ctx context.Context) (T, error)) (T, error) {
	breaker, cfg, role := s.readBreaker, s.readRetry, "read"
	if opType == timeoutWrite {
		breaker, cfg, role = s.writeBreaker, s.writeRetry, "write"
	}
	cfg.OperationName = op

	var result T
	attempts := 0
	err := retry.WithRetry(ctx, func() error {
		attempts++
		opCtx, cancel := s.withTimeout(ctx, opType)
		defer cancel()

		res, err := circuitbreaker.Run(breaker, func() (T, error) {
			return fn(opCtx)
		})
		if err == nil {
			result = res
			return nil
		}
		if circuitbreaker.IsRejection(err) {
			metrics.DBCircuitBreakerRejections.WithLabelValues(role).Inc()
			return retry.Stop(err)
		}
		if !isRetryableError(err) {
			return retry.Stop(err)
		}
		logger.Debug("Resilient: retrying store operation", "operation", op, "attempt", attempts, "error", err)
		return err
	}, cfg)
	if attempts > 1 {
		metrics.DBRetries.WithLabelValues(op).Inc()
	}
	if err != nil {
		var zero T
		return zero, wrapStorageFailure(op, err)
	}
	return result, nil
}

func (s *Store) CreateConnection(ctx context.Context, nc model.NewConnection) (*model.ConnectionRecord, error) {
	return execute(ctx, s, "create_connection", timeoutWrite, func(ctx context.Context) (*model.ConnectionRecord, error) {
		return s.backend.CreateConnection(ctx, nc)
	})
}

func (s *Store) SaveConnection(ctx context.Context, upd model.ConnectionUpdate) (*model.ConnectionRecord, error) {
	return execute(ctx, s, "save_connection", timeoutWrite, func(ctx context.Context) (*model.ConnectionRecord, error) {
		return s.backend.SaveConnection(ctx, upd)
	})
}

func (s *Store) ConnectionByToken(ctx context.Context, token string) (*model.ConnectionRecord, error) {
	return execute(ctx, s, "connection_by_token", timeoutRead, func(ctx context.Context) (*model.ConnectionRecord, error) {
		return s.backend.ConnectionByToken(ctx, token)
	})
}

func (s *Store) ConnectionCountsByStatus(ctx context.Context) (map[string]int64, error) {
	return execute(ctx, s, "connection_counts", timeoutRead, func(ctx context.Context) (map[string]int64, error) {
		return s.backend.ConnectionCountsByStatus(ctx)
	})
}

func (s *Store) InsertEvents(ctx context.Context, events []*model.ClientEvent) error {
	_, err := execute(ctx, s, "insert_events", timeoutWrite, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.backend.InsertEvents(ctx, events)
	})
	return err
}

func (s *Store) EventsByConnection(ctx context.Context, connectionID int64, limit int) ([]model.ClientEvent, error) {
	return execute(ctx, s, "events_by_connection", timeoutRead, func(ctx context.Context) ([]model.ClientEvent, error) {
		return s.backend.EventsByConnection(ctx, connectionID, limit)
	})
}

func (s *Store) ExamByID(ctx context.Context, examID int64) (*model.Exam, error) {
	return execute(ctx, s, "exam_by_id", timeoutRead, func(ctx context.Context) (*model.Exam, error) {
		return s.backend.ExamByID(ctx, examID)
	})
}

func (s *Store) IndicatorDefinitions(ctx context.Context, examID int64) ([]model.IndicatorDefinition, error) {
	return execute(ctx, s, "indicator_definitions", timeoutRead, func(ctx context.Context) ([]model.IndicatorDefinition, error) {
		return s.backend.IndicatorDefinitions(ctx, examID)
	})
}

func (s *Store) InstitutionByClientName(ctx context.Context, clientName string) (int64, error) {
	return execute(ctx, s, "institution_by_client", timeoutRead, func(ctx context.Context) (int64, error) {
		return s.backend.InstitutionByClientName(ctx, clientName)
	})
}

// Ping bypasses the breakers so health checks see the backend itself.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx, timeoutRead)
	defer cancel()
	return s.backend.Ping(ctx)
}

func (s *Store) Close() {
	s.backend.Close()
}
