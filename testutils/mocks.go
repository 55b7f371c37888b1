package testutils

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/examlink/sebconn/server/exam"
)

// MockExamOracle is a testify mock of the exam runtime oracle.
type MockExamOracle struct {
	mock.Mock
}

func (m *MockExamOracle) IsExamRunning(ctx context.Context, examID int64) (bool, error) {
	args := m.Called(ctx, examID)
	return args.Bool(0), args.Error(1)
}

func (m *MockExamOracle) GetRunningExam(ctx context.Context, examID int64) (*exam.Descriptor, error) {
	args := m.Called(ctx, examID)
	d, _ := args.Get(0).(*exam.Descriptor)
	return d, args.Error(1)
}
