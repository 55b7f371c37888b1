package db_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/examlink/sebconn/config"
	"github.com/examlink/sebconn/consts"
	"github.com/examlink/sebconn/db"
	"github.com/examlink/sebconn/model"
	"github.com/examlink/sebconn/testutils"
)

func TestConnString(t *testing.T) {
	tests := []struct {
		name     string
		endpoint config.DatabaseEndpointConfig
		want     string
		wantErr  bool
	}{
		{
			name:     "default port",
			endpoint: config.DatabaseEndpointConfig{Hosts: []string{"db1"}, User: "seb", Password: "pw", Name: "sebconn"},
			want:     "postgres://seb:pw@db1:5432/sebconn?sslmode=disable",
		},
		{
			name:     "explicit port and tls",
			endpoint: config.DatabaseEndpointConfig{Hosts: []string{"db1"}, Port: int64(6432), User: "seb", Name: "sebconn", TLSMode: true},
			want:     "postgres://seb:@db1:6432/sebconn?sslmode=require",
		},
		{
			name:     "host carries port",
			endpoint: config.DatabaseEndpointConfig{Hosts: []string{"db1:7000"}, User: "seb", Name: "sebconn"},
			want:     "postgres://seb:@db1:7000/sebconn?sslmode=disable",
		},
		{
			name:     "no hosts",
			endpoint: config.DatabaseEndpointConfig{},
			wantErr:  true,
		},
		{
			name:     "bad port",
			endpoint: config.DatabaseEndpointConfig{Hosts: []string{"db1"}, Port: "abc"},
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.ConnString(&tt.endpoint)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConnectionLifecyclePostgres(t *testing.T) {
	td := testutils.SetupTestDatabase(t)
	ctx := context.Background()

	start := time.Now().Add(-time.Hour)
	exam := &model.Exam{InstitutionID: 1, Name: "Midterm", Type: model.ExamTypeStandard, Status: model.ExamRunning, StartTime: &start}
	require.NoError(t, td.CreateExam(ctx, exam))

	rec, err := td.CreateConnection(ctx, model.NewConnection{
		InstitutionID:   1,
		ConnectionToken: "pg-token-1",
		ClientAddress:   "10.0.0.1",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusRequested, rec.Status)
	assert.False(t, rec.HasExam())

	_, err = td.CreateConnection(ctx, model.NewConnection{InstitutionID: 1, ConnectionToken: "pg-token-1"})
	assert.ErrorIs(t, err, consts.ErrDBUniqueViolation)

	rec, err = td.SaveConnection(ctx, model.ConnectionUpdate{
		ID:            rec.ID,
		ExamID:        model.Some(exam.ID),
		UserSessionID: model.Some("u1"),
		Status:        model.Some(model.StatusAuthenticated),
	})
	require.NoError(t, err)
	assert.Equal(t, exam.ID, rec.ExamIDOrZero())
	assert.Equal(t, "u1", rec.UserSessionIDOrEmpty())

	// Bound fields are not overwritten by later saves.
	rec, err = td.SaveConnection(ctx, model.ConnectionUpdate{
		ID:            rec.ID,
		ExamID:        model.Some(exam.ID + 100),
		UserSessionID: model.Some("u2"),
		Status:        model.Some(model.StatusEstablished),
	})
	require.NoError(t, err)
	assert.Equal(t, exam.ID, rec.ExamIDOrZero())
	assert.Equal(t, "u1", rec.UserSessionIDOrEmpty())
	assert.Equal(t, model.StatusEstablished, rec.Status)

	loaded, err := td.ConnectionByToken(ctx, "pg-token-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, loaded.ID)
	assert.Equal(t, model.StatusEstablished, loaded.Status)

	_, err = td.ConnectionByToken(ctx, "missing")
	assert.ErrorIs(t, err, consts.ErrConnectionNotFound)

	_, err = td.SaveConnection(ctx, model.ConnectionUpdate{ID: rec.ID + 1000, Status: model.Some(model.StatusClosed)})
	assert.ErrorIs(t, err, consts.ErrConnectionNotFound)

	// Guarded saves only apply while the status is the one the caller read.
	_, err = td.SaveConnection(ctx, model.ConnectionUpdate{
		ID:             rec.ID,
		ExpectedStatus: model.Some(model.StatusAuthenticated),
		Status:         model.Some(model.StatusClosed),
	})
	assert.ErrorIs(t, err, consts.ErrInvalidStateTransition)

	rec, err = td.SaveConnection(ctx, model.ConnectionUpdate{
		ID:             rec.ID,
		ExpectedStatus: model.Some(model.StatusEstablished),
		Status:         model.Some(model.StatusClosed),
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, rec.Status)

	_, err = td.SaveConnection(ctx, model.ConnectionUpdate{
		ID:             rec.ID,
		ExpectedStatus: model.Some(model.StatusEstablished),
		Status:         model.Some(model.StatusEstablished),
	})
	assert.ErrorIs(t, err, consts.ErrInvalidStateTransition)

	counts, err := td.ConnectionCountsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[string(model.StatusClosed)])
}

func TestCreateConnectionUnknownExamPostgres(t *testing.T) {
	td := testutils.SetupTestDatabase(t)

	_, err := td.CreateConnection(context.Background(), model.NewConnection{
		InstitutionID:   1,
		ExamID:          model.Some(int64(4242)),
		ConnectionToken: "pg-token-2",
	})
	assert.ErrorIs(t, err, consts.ErrExamNotFound)
}

func TestEventsPostgres(t *testing.T) {
	td := testutils.SetupTestDatabase(t)
	ctx := context.Background()

	rec, err := td.CreateConnection(ctx, model.NewConnection{InstitutionID: 1, ConnectionToken: "pg-events", ClientAddress: "10.0.0.1"})
	require.NoError(t, err)

	now := time.Now()
	events := []*model.ClientEvent{
		{ConnectionID: rec.ID, Type: model.EventErrorLog, ServerTime: now.Add(-time.Second), ClientTime: now, Text: "first"},
		{ConnectionID: rec.ID, Type: model.EventWarnLog, ServerTime: now, ClientTime: now, Text: strings.Repeat("x", 10)},
	}
	require.NoError(t, td.InsertEvents(ctx, events))
	for _, ev := range events {
		assert.NotZero(t, ev.ID)
	}

	stored, err := td.EventsByConnection(ctx, rec.ID, 0)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, model.EventWarnLog, stored[0].Type)
	assert.Equal(t, "first", stored[1].Text)

	err = td.InsertEvents(ctx, []*model.ClientEvent{{ConnectionID: rec.ID + 1000, Type: model.EventInfoLog, ServerTime: now}})
	assert.Error(t, err)
}

func TestExamsPostgres(t *testing.T) {
	td := testutils.SetupTestDatabase(t)
	ctx := context.Background()

	exam := &model.Exam{InstitutionID: 3, Name: "VDI final", Type: model.ExamTypeVDI, Status: model.ExamUpcoming}
	require.NoError(t, td.CreateExam(ctx, exam))

	def := &model.IndicatorDefinition{
		ExamID:     exam.ID,
		Name:       "Errors",
		Type:       model.IndicatorErrorCount,
		Thresholds: []model.Threshold{{Value: 1, Color: "orange"}, {Value: 5, Color: "red"}},
	}
	require.NoError(t, td.CreateIndicatorDefinition(ctx, def))
	assert.NotZero(t, def.ID)

	err := td.CreateIndicatorDefinition(ctx, &model.IndicatorDefinition{ExamID: 999, Name: "x", Type: model.IndicatorInfoCount})
	assert.ErrorIs(t, err, consts.ErrExamNotFound)

	require.NoError(t, td.UpdateExamStatus(ctx, exam.ID, model.ExamRunning))
	assert.ErrorIs(t, td.UpdateExamStatus(ctx, 999, model.ExamRunning), consts.ErrExamNotFound)

	loaded, err := td.ExamByID(ctx, exam.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExamRunning, loaded.Status)
	assert.True(t, loaded.IsVDI())

	_, err = td.ExamByID(ctx, 999)
	assert.ErrorIs(t, err, consts.ErrExamNotFound)

	defs, err := td.IndicatorDefinitions(ctx, exam.ID)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, def.Thresholds, defs[0].Thresholds)

	require.NoError(t, td.RegisterClient(ctx, "seb-client", 3))
	require.NoError(t, td.RegisterClient(ctx, "seb-client", 4))
	inst, err := td.InstitutionByClientName(ctx, "seb-client")
	require.NoError(t, err)
	assert.Equal(t, int64(4), inst)

	_, err = td.InstitutionByClientName(ctx, "nobody")
	assert.ErrorIs(t, err, consts.ErrClientNotFound)
}
