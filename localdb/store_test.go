package localdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/examlink/sebconn/consts"
	"github.com/examlink/sebconn/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "sebconn.db"))
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func createRunningExam(t *testing.T, store *Store, examType model.ExamType) *model.Exam {
	t.Helper()
	exam := &model.Exam{InstitutionID: 1, Name: "Algebra", Type: examType, Status: model.ExamRunning}
	require.NoError(t, store.CreateExam(context.Background(), exam))
	require.NotZero(t, exam.ID)
	return exam
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open(context.Background(), "  ")
	assert.Error(t, err)
}

func TestCreateConnection(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	rec, err := store.CreateConnection(ctx, model.NewConnection{
		InstitutionID:   1,
		ConnectionToken: "token-1",
		ClientAddress:   "10.0.0.1",
	})
	require.NoError(t, err)
	assert.NotZero(t, rec.ID)
	assert.Equal(t, model.StatusRequested, rec.Status)
	assert.Nil(t, rec.ExamID)
	assert.Nil(t, rec.UserSessionID)
	assert.Equal(t, "10.0.0.1", rec.ClientAddress)
	assert.WithinDuration(t, time.Now(), rec.CreationTime, 5*time.Second)

	_, err = store.CreateConnection(ctx, model.NewConnection{InstitutionID: 1, ConnectionToken: "token-1"})
	assert.ErrorIs(t, err, consts.ErrDBUniqueViolation)
}

func TestCreateConnectionUnknownExam(t *testing.T) {
	store := openTestStore(t)
	_, err := store.CreateConnection(context.Background(), model.NewConnection{
		InstitutionID:   1,
		ExamID:          model.Some(int64(999)),
		ConnectionToken: "token-2",
	})
	assert.ErrorIs(t, err, consts.ErrExamNotFound)
}

func TestSaveConnectionPartialUpdate(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	exam := createRunningExam(t, store, model.ExamTypeStandard)
	other := createRunningExam(t, store, model.ExamTypeStandard)

	rec, err := store.CreateConnection(ctx, model.NewConnection{InstitutionID: 1, ConnectionToken: "token-3"})
	require.NoError(t, err)

	saved, err := store.SaveConnection(ctx, model.ConnectionUpdate{
		ID:     rec.ID,
		ExamID: model.Some(exam.ID),
		Status: model.Some(model.StatusAuthenticated),
	})
	require.NoError(t, err)
	require.NotNil(t, saved.ExamID)
	assert.Equal(t, exam.ID, *saved.ExamID)
	assert.Equal(t, model.StatusAuthenticated, saved.Status)

	// A bound exam and user session are never overwritten.
	saved, err = store.SaveConnection(ctx, model.ConnectionUpdate{
		ID:            rec.ID,
		ExamID:        model.Some(other.ID),
		UserSessionID: model.Some("alice"),
	})
	require.NoError(t, err)
	assert.Equal(t, exam.ID, *saved.ExamID)
	assert.Equal(t, "alice", saved.UserSessionIDOrEmpty())
	assert.Equal(t, model.StatusAuthenticated, saved.Status)

	saved, err = store.SaveConnection(ctx, model.ConnectionUpdate{
		ID:                   rec.ID,
		UserSessionID:        model.Some("bob"),
		Status:               model.Some(model.StatusEstablished),
		VirtualClientAddress: model.Some("Algebra"),
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", saved.UserSessionIDOrEmpty())
	assert.Equal(t, model.StatusEstablished, saved.Status)
	require.NotNil(t, saved.VirtualClientAddress)
	assert.Equal(t, "Algebra", *saved.VirtualClientAddress)

	loaded, err := store.ConnectionByToken(ctx, "token-3")
	require.NoError(t, err)
	assert.Equal(t, saved, loaded)
}

func TestSaveConnectionNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.SaveConnection(context.Background(), model.ConnectionUpdate{
		ID:     42,
		Status: model.Some(model.StatusClosed),
	})
	assert.ErrorIs(t, err, consts.ErrConnectionNotFound)
}

func TestSaveConnectionExpectedStatus(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	rec, err := store.CreateConnection(ctx, model.NewConnection{InstitutionID: 1, ConnectionToken: "token-cas"})
	require.NoError(t, err)

	saved, err := store.SaveConnection(ctx, model.ConnectionUpdate{
		ID:             rec.ID,
		ExpectedStatus: model.Some(model.StatusRequested),
		Status:         model.Some(model.StatusClosed),
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, saved.Status)

	// A save based on the stale REQUESTED read must not reopen the connection.
	_, err = store.SaveConnection(ctx, model.ConnectionUpdate{
		ID:             rec.ID,
		ExpectedStatus: model.Some(model.StatusRequested),
		Status:         model.Some(model.StatusEstablished),
		UserSessionID:  model.Some("alice"),
	})
	assert.ErrorIs(t, err, consts.ErrInvalidStateTransition)

	loaded, err := store.ConnectionByToken(ctx, "token-cas")
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, loaded.Status)
	assert.Nil(t, loaded.UserSessionID)

	_, err = store.SaveConnection(ctx, model.ConnectionUpdate{
		ID:             rec.ID + 100,
		ExpectedStatus: model.Some(model.StatusRequested),
		Status:         model.Some(model.StatusClosed),
	})
	assert.ErrorIs(t, err, consts.ErrConnectionNotFound)
}

func TestConnectionByTokenNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.ConnectionByToken(context.Background(), "missing")
	assert.ErrorIs(t, err, consts.ErrConnectionNotFound)
}

func TestConnectionCountsByStatus(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	for _, token := range []string{"a", "b", "c"} {
		_, err := store.CreateConnection(ctx, model.NewConnection{InstitutionID: 1, ConnectionToken: token})
		require.NoError(t, err)
	}
	rec, err := store.ConnectionByToken(ctx, "c")
	require.NoError(t, err)
	_, err = store.SaveConnection(ctx, model.ConnectionUpdate{ID: rec.ID, Status: model.Some(model.StatusClosed)})
	require.NoError(t, err)

	counts, err := store.ConnectionCountsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"REQUESTED": 2, "CLOSED": 1}, counts)
}

func TestInsertAndListEvents(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	rec, err := store.CreateConnection(ctx, model.NewConnection{InstitutionID: 1, ConnectionToken: "events"})
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	events := []*model.ClientEvent{
		{ConnectionID: rec.ID, Type: model.EventInfoLog, ClientTime: now, ServerTime: now, Text: "first"},
		{ConnectionID: rec.ID, Type: model.EventErrorLog, ClientTime: now, ServerTime: now.Add(time.Second), NumValue: 3, Text: "second"},
	}
	require.NoError(t, store.InsertEvents(ctx, events))
	assert.NotZero(t, events[0].ID)
	assert.NotZero(t, events[1].ID)
	assert.NotEqual(t, events[0].ID, events[1].ID)

	listed, err := store.EventsByConnection(ctx, rec.ID, 10)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "second", listed[0].Text)
	assert.Equal(t, model.EventErrorLog, listed[0].Type)
	assert.Equal(t, 3.0, listed[0].NumValue)
	assert.True(t, now.Equal(listed[1].ServerTime))

	limited, err := store.EventsByConnection(ctx, rec.ID, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestInsertEventsRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	rec, err := store.CreateConnection(ctx, model.NewConnection{InstitutionID: 1, ConnectionToken: "rollback"})
	require.NoError(t, err)

	events := []*model.ClientEvent{
		{ConnectionID: rec.ID, Type: model.EventInfoLog, ClientTime: time.Now(), ServerTime: time.Now()},
		{ConnectionID: rec.ID + 100, Type: model.EventInfoLog, ClientTime: time.Now(), ServerTime: time.Now()},
	}
	assert.Error(t, store.InsertEvents(ctx, events))

	listed, err := store.EventsByConnection(ctx, rec.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestExamsAndIndicators(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	start := time.Now().Add(-time.Hour).UTC().Truncate(time.Microsecond)
	exam := &model.Exam{InstitutionID: 7, Name: "Physics", Type: model.ExamTypeVDI, Status: model.ExamUpcoming, StartTime: &start}
	require.NoError(t, store.CreateExam(ctx, exam))

	loaded, err := store.ExamByID(ctx, exam.ID)
	require.NoError(t, err)
	assert.Equal(t, "Physics", loaded.Name)
	assert.True(t, loaded.IsVDI())
	require.NotNil(t, loaded.StartTime)
	assert.True(t, start.Equal(*loaded.StartTime))
	assert.Nil(t, loaded.EndTime)

	require.NoError(t, store.UpdateExamStatus(ctx, exam.ID, model.ExamFinished))
	loaded, err = store.ExamByID(ctx, exam.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExamFinished, loaded.Status)

	assert.ErrorIs(t, store.UpdateExamStatus(ctx, 999, model.ExamRunning), consts.ErrExamNotFound)
	_, err = store.ExamByID(ctx, 999)
	assert.ErrorIs(t, err, consts.ErrExamNotFound)

	def := &model.IndicatorDefinition{
		ExamID:     exam.ID,
		Name:       "Errors",
		Type:       model.IndicatorErrorCount,
		Thresholds: []model.Threshold{{Value: 1, Color: "ffff00"}, {Value: 5, Color: "ff0000"}},
	}
	require.NoError(t, store.CreateIndicatorDefinition(ctx, def))
	assert.NotZero(t, def.ID)

	defs, err := store.IndicatorDefinitions(ctx, exam.ID)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, *def, defs[0])

	err = store.CreateIndicatorDefinition(ctx, &model.IndicatorDefinition{ExamID: 999, Name: "x", Type: model.IndicatorInfoCount})
	assert.ErrorIs(t, err, consts.ErrExamNotFound)
}

func TestRegisterClient(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, err := store.InstitutionByClientName(ctx, "seb-client")
	assert.ErrorIs(t, err, consts.ErrClientNotFound)

	require.NoError(t, store.RegisterClient(ctx, "seb-client", 3))
	id, err := store.InstitutionByClientName(ctx, "seb-client")
	require.NoError(t, err)
	assert.Equal(t, int64(3), id)

	require.NoError(t, store.RegisterClient(ctx, "seb-client", 4))
	id, err = store.InstitutionByClientName(ctx, "seb-client")
	require.NoError(t, err)
	assert.Equal(t, int64(4), id)
}
