package testutils

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/examlink/sebconn/localdb"
	"github.com/examlink/sebconn/model"
)

// SetupSQLiteStore opens an empty store in a temporary directory.
func SetupSQLiteStore(t *testing.T) *localdb.Store {
	t.Helper()
	store, err := localdb.Open(context.Background(), filepath.Join(t.TempDir(), "sebconn-test.db"))
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

// SeedExam creates a RUNNING exam of examType for institutionID.
func SeedExam(t *testing.T, store *localdb.Store, institutionID int64, examType model.ExamType) *model.Exam {
	t.Helper()
	start := time.Now().Add(-time.Hour)
	exam := &model.Exam{
		InstitutionID: institutionID,
		Name:          "Exam " + string(examType),
		Type:          examType,
		Status:        model.ExamRunning,
		StartTime:     &start,
	}
	require.NoError(t, store.CreateExam(context.Background(), exam))
	return exam
}

// SeedFinishedExam creates an exam that no longer accepts connections.
func SeedFinishedExam(t *testing.T, store *localdb.Store, institutionID int64) *model.Exam {
	t.Helper()
	exam := &model.Exam{
		InstitutionID: institutionID,
		Name:          "Finished exam",
		Type:          model.ExamTypeStandard,
		Status:        model.ExamFinished,
	}
	require.NoError(t, store.CreateExam(context.Background(), exam))
	return exam
}

// SeedClient registers clientName for institutionID.
func SeedClient(t *testing.T, store *localdb.Store, clientName string, institutionID int64) {
	t.Helper()
	require.NoError(t, store.RegisterClient(context.Background(), clientName, institutionID))
}
