package model

import "time"

// ExamType distinguishes ordinary exams from VDI deployments.
type ExamType string

const (
	ExamTypeStandard ExamType = "STANDARD"
	ExamTypeVDI      ExamType = "VDI"
)

// ExamStatus is the scheduling status of an exam.
type ExamStatus string

const (
	ExamUpcoming ExamStatus = "UP_COMING"
	ExamRunning  ExamStatus = "RUNNING"
	ExamFinished ExamStatus = "FINISHED"
)

// Exam is the runtime view of an exam as far as connection handling needs it.
type Exam struct {
	ID            int64      `json:"id"`
	InstitutionID int64      `json:"institution_id"`
	Name          string     `json:"name"`
	Type          ExamType   `json:"type"`
	Status        ExamStatus `json:"status"`
	StartTime     *time.Time `json:"start_time,omitempty"`
	EndTime       *time.Time `json:"end_time,omitempty"`
}

// IsVDI reports whether clients of this exam run in a virtual desktop.
func (e *Exam) IsVDI() bool {
	return e != nil && e.Type == ExamTypeVDI
}

// IsRunning reports whether the exam accepts connections at now. An exam
// marked RUNNING is running; an exam that is not FINISHED is running while
// now lies inside its time window.
func (e *Exam) IsRunning(now time.Time) bool {
	if e == nil {
		return false
	}
	switch e.Status {
	case ExamRunning:
		return true
	case ExamFinished:
		return false
	}
	if e.StartTime == nil {
		return false
	}
	if now.Before(*e.StartTime) {
		return false
	}
	return e.EndTime == nil || now.Before(*e.EndTime)
}

// IndicatorType names a monitoring indicator implementation.
type IndicatorType string

const (
	IndicatorErrorCount IndicatorType = "ERROR_COUNT"
	IndicatorWarnCount  IndicatorType = "WARN_COUNT"
	IndicatorInfoCount  IndicatorType = "INFO_COUNT"
	IndicatorLastPing   IndicatorType = "LAST_PING"
)

// Threshold marks a value from which an indicator is shown in Color.
type Threshold struct {
	Value float64 `json:"value"`
	Color string  `json:"color"`
}

// IndicatorDefinition configures an indicator for every connection of an exam.
type IndicatorDefinition struct {
	ID         int64         `json:"id"`
	ExamID     int64         `json:"exam_id"`
	Name       string        `json:"name"`
	Type       IndicatorType `json:"type"`
	Thresholds []Threshold   `json:"thresholds"`
}
