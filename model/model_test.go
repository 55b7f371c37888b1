package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOptional(t *testing.T) {
	o := Some(int64(5))
	v, ok := o.Get()
	assert.True(t, ok)
	assert.Equal(t, int64(5), v)
	assert.Equal(t, int64(5), *o.Ptr())

	n := None[string]()
	assert.False(t, n.IsSet())
	assert.Nil(t, n.Ptr())
	assert.Equal(t, "fallback", n.OrElse("fallback"))

	var p *int64
	assert.False(t, FromPtr(p).IsSet())
	x := int64(9)
	assert.Equal(t, int64(9), FromPtr(&x).OrElse(0))
}

func TestConnectionUpdateIsEmpty(t *testing.T) {
	assert.True(t, ConnectionUpdate{ID: 1}.IsEmpty())
	assert.False(t, ConnectionUpdate{ID: 1, Status: Some(StatusClosed)}.IsEmpty())
}

func TestConnectionRecordClone(t *testing.T) {
	exam := int64(3)
	session := "user-1"
	r := &ConnectionRecord{ID: 1, ExamID: &exam, UserSessionID: &session}
	c := r.Clone()
	*c.ExamID = 4
	*c.UserSessionID = "user-2"
	assert.Equal(t, int64(3), r.ExamIDOrZero())
	assert.Equal(t, "user-1", r.UserSessionIDOrEmpty())
}

func TestExamIsRunning(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name string
		exam *Exam
		want bool
	}{
		{name: "nil exam", exam: nil, want: false},
		{name: "status running", exam: &Exam{Status: ExamRunning}, want: true},
		{name: "status finished inside window", exam: &Exam{Status: ExamFinished, StartTime: &past, EndTime: &future}, want: false},
		{name: "upcoming inside window", exam: &Exam{Status: ExamUpcoming, StartTime: &past, EndTime: &future}, want: true},
		{name: "upcoming before start", exam: &Exam{Status: ExamUpcoming, StartTime: &future}, want: false},
		{name: "upcoming open ended", exam: &Exam{Status: ExamUpcoming, StartTime: &past}, want: true},
		{name: "upcoming no window", exam: &Exam{Status: ExamUpcoming}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.exam.IsRunning(now))
		})
	}
}

func TestParseEventType(t *testing.T) {
	assert.Equal(t, EventErrorLog, ParseEventType("ERROR_LOG"))
	assert.Equal(t, EventUnknown, ParseEventType("bogus"))
}
