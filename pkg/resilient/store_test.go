package resilient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/examlink/sebconn/config"
	"github.com/examlink/sebconn/consts"
	"github.com/examlink/sebconn/model"
	"github.com/examlink/sebconn/pkg/circuitbreaker"
	"github.com/examlink/sebconn/pkg/retry"
)

// fakeBackend returns the queued errors in order, then succeeds.
type fakeBackend struct {
	mu          sync.Mutex
	errs        []error
	calls       int
	hadDeadline bool
}

func (f *fakeBackend) next(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	_, f.hadDeadline = ctx.Deadline()
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeBackend) CreateConnection(ctx context.Context, nc model.NewConnection) (*model.ConnectionRecord, error) {
	if err := f.next(ctx); err != nil {
		return nil, err
	}
	return &model.ConnectionRecord{ID: 1, ConnectionToken: nc.ConnectionToken, Status: model.StatusRequested}, nil
}

func (f *fakeBackend) SaveConnection(ctx context.Context, upd model.ConnectionUpdate) (*model.ConnectionRecord, error) {
	if err := f.next(ctx); err != nil {
		return nil, err
	}
	return &model.ConnectionRecord{ID: upd.ID, Status: upd.Status.OrElse(model.StatusRequested)}, nil
}

func (f *fakeBackend) ConnectionByToken(ctx context.Context, token string) (*model.ConnectionRecord, error) {
	if err := f.next(ctx); err != nil {
		return nil, err
	}
	return &model.ConnectionRecord{ID: 1, ConnectionToken: token}, nil
}

func (f *fakeBackend) ConnectionCountsByStatus(ctx context.Context) (map[string]int64, error) {
	return map[string]int64{"REQUESTED": 1}, f.next(ctx)
}

func (f *fakeBackend) InsertEvents(ctx context.Context, events []*model.ClientEvent) error {
	return f.next(ctx)
}

func (f *fakeBackend) EventsByConnection(ctx context.Context, connectionID int64, limit int) ([]model.ClientEvent, error) {
	return nil, f.next(ctx)
}

func (f *fakeBackend) ExamByID(ctx context.Context, examID int64) (*model.Exam, error) {
	if err := f.next(ctx); err != nil {
		return nil, err
	}
	return &model.Exam{ID: examID}, nil
}

func (f *fakeBackend) IndicatorDefinitions(ctx context.Context, examID int64) ([]model.IndicatorDefinition, error) {
	return nil, f.next(ctx)
}

func (f *fakeBackend) InstitutionByClientName(ctx context.Context, clientName string) (int64, error) {
	return 3, f.next(ctx)
}

func (f *fakeBackend) Ping(ctx context.Context) error { return f.next(ctx) }
func (f *fakeBackend) Close()                         {}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func newTestStore(backend Backend) *Store {
	s := NewStore(backend, &config.DatabaseConfig{})
	fast := retry.BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2, MaxRetries: 2}
	s.readRetry = fast
	s.writeRetry = fast
	return s
}

func TestDomainErrorsPassThrough(t *testing.T) {
	for _, sentinel := range []error{
		consts.ErrConnectionNotFound,
		consts.ErrDBUniqueViolation,
		consts.ErrExamNotFound,
		consts.ErrClientNotFound,
		consts.ErrInvalidStateTransition,
	} {
		t.Run(sentinel.Error(), func(t *testing.T) {
			backend := &fakeBackend{errs: []error{sentinel}}
			s := newTestStore(backend)

			_, err := s.ConnectionByToken(context.Background(), "tok")
			require.Error(t, err)
			assert.ErrorIs(t, err, sentinel)
			assert.NotErrorIs(t, err, consts.ErrStorageFailure)
			assert.Equal(t, 1, backend.callCount())

			counts := s.ReadBreaker().Counts()
			assert.Equal(t, uint32(0), counts.TotalFailures)
			assert.Equal(t, uint32(1), counts.TotalSuccesses)
		})
	}
}

func TestPermanentErrorIsStorageFailure(t *testing.T) {
	backend := &fakeBackend{errs: []error{errors.New("syntax error")}}
	s := newTestStore(backend)

	_, err := s.SaveConnection(context.Background(), model.ConnectionUpdate{ID: 1, Status: model.Some(model.StatusClosed)})
	require.Error(t, err)
	assert.ErrorIs(t, err, consts.ErrStorageFailure)
	assert.Contains(t, err.Error(), "syntax error")
	assert.Equal(t, 1, backend.callCount())
}

func TestTransientErrorsAreRetried(t *testing.T) {
	backend := &fakeBackend{errs: []error{
		&pgconn.PgError{Code: "40001"},
		timeoutErr{},
	}}
	s := newTestStore(backend)

	rec, err := s.CreateConnection(context.Background(), model.NewConnection{ConnectionToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "tok", rec.ConnectionToken)
	assert.Equal(t, 3, backend.callCount())
}

func TestRetriesExhausted(t *testing.T) {
	backend := &fakeBackend{errs: []error{
		&pgconn.PgError{Code: "08006"},
		&pgconn.PgError{Code: "08006"},
		&pgconn.PgError{Code: "08006"},
	}}
	s := newTestStore(backend)

	err := s.InsertEvents(context.Background(), []*model.ClientEvent{{ConnectionID: 1}})
	require.Error(t, err)
	assert.ErrorIs(t, err, consts.ErrStorageFailure)
	assert.Equal(t, 3, backend.callCount())
}

func TestOperationsCarryDeadline(t *testing.T) {
	backend := &fakeBackend{}
	s := newTestStore(backend)

	_, err := s.ExamByID(context.Background(), 5)
	require.NoError(t, err)
	assert.True(t, backend.hadDeadline)
}

func TestWriteBreakerOpens(t *testing.T) {
	var errs []error
	for i := 0; i < 20; i++ {
		errs = append(errs, errors.New("disk full"))
	}
	backend := &fakeBackend{errs: errs}
	s := newTestStore(backend)

	for i := 0; i < 5; i++ {
		_, err := s.SaveConnection(context.Background(), model.ConnectionUpdate{ID: 1})
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen, s.WriteBreakerState())
	assert.Equal(t, circuitbreaker.StateClosed, s.ReadBreakerState())

	calls := backend.callCount()
	_, err := s.SaveConnection(context.Background(), model.ConnectionUpdate{ID: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, consts.ErrStorageFailure)
	assert.True(t, circuitbreaker.IsRejection(err))
	assert.Equal(t, calls, backend.callCount())
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, isRetryableError(nil))
	assert.False(t, isRetryableError(context.DeadlineExceeded))
	assert.False(t, isRetryableError(circuitbreaker.ErrCircuitBreakerOpen))
	assert.False(t, isRetryableError(&pgconn.PgError{Code: "23505"}))
	assert.True(t, isRetryableError(&pgconn.PgError{Code: "40P01"}))
	assert.True(t, isRetryableError(&pgconn.PgError{Code: "53300"}))
	assert.True(t, isRetryableError(timeoutErr{}))
	assert.False(t, isRetryableError(errors.New("boom")))
}

func TestWrapStorageFailureOnce(t *testing.T) {
	err := wrapStorageFailure("op", errors.New("boom"))
	again := wrapStorageFailure("op", err)
	assert.Same(t, err, again)
	assert.Nil(t, wrapStorageFailure("op", nil))
}
