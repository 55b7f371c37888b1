package localdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/examlink/sebconn/consts"
	"github.com/examlink/sebconn/model"
)

func (s *Store) ExamByID(ctx context.Context, examID int64) (*model.Exam, error) {
	var exam model.Exam
	var typ, status string
	var startTime, endTime sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, institution_id, name, type, status, start_time, end_time
		FROM exams WHERE id = ?`, examID).
		Scan(&exam.ID, &exam.InstitutionID, &exam.Name, &typ, &status, &startTime, &endTime)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("exam %d: %w", examID, consts.ErrExamNotFound)
		}
		return nil, fmt.Errorf("failed to load exam %d: %w", examID, err)
	}
	exam.Type = model.ExamType(typ)
	exam.Status = model.ExamStatus(status)
	exam.StartTime = timePtr(startTime)
	exam.EndTime = timePtr(endTime)
	return &exam, nil
}

func (s *Store) IndicatorDefinitions(ctx context.Context, examID int64) ([]model.IndicatorDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, exam_id, name, type, thresholds
		FROM indicator_definitions WHERE exam_id = ? ORDER BY id`, examID)
	if err != nil {
		return nil, fmt.Errorf("failed to query indicator definitions: %w", err)
	}
	defer rows.Close()

	var defs []model.IndicatorDefinition
	for rows.Next() {
		var def model.IndicatorDefinition
		var typ, thresholds string
		if err := rows.Scan(&def.ID, &def.ExamID, &def.Name, &typ, &thresholds); err != nil {
			return nil, fmt.Errorf("failed to scan indicator definition: %w", err)
		}
		def.Type = model.IndicatorType(typ)
		if thresholds != "" {
			if err := json.Unmarshal([]byte(thresholds), &def.Thresholds); err != nil {
				return nil, fmt.Errorf("invalid thresholds for indicator %d: %w", def.ID, err)
			}
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *Store) InstitutionByClientName(ctx context.Context, clientName string) (int64, error) {
	var institutionID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT institution_id FROM client_registrations
		WHERE client_name = ? AND active = 1`, clientName).Scan(&institutionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("client %q: %w", clientName, consts.ErrClientNotFound)
		}
		return 0, fmt.Errorf("failed to resolve client: %w", err)
	}
	return institutionID, nil
}

func (s *Store) CreateExam(ctx context.Context, exam *model.Exam) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO exams (institution_id, name, type, status, start_time, end_time)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`,
		exam.InstitutionID, exam.Name, string(exam.Type), string(exam.Status),
		nullTime(exam.StartTime), nullTime(exam.EndTime)).Scan(&exam.ID)
	if err != nil {
		return fmt.Errorf("failed to create exam: %w", err)
	}
	return nil
}

func (s *Store) UpdateExamStatus(ctx context.Context, examID int64, status model.ExamStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE exams SET status = ? WHERE id = ?`, string(status), examID)
	if err != nil {
		return fmt.Errorf("failed to update exam status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("exam %d: %w", examID, consts.ErrExamNotFound)
	}
	return nil
}

func (s *Store) CreateIndicatorDefinition(ctx context.Context, def *model.IndicatorDefinition) error {
	thresholds, err := json.Marshal(def.Thresholds)
	if err != nil {
		return fmt.Errorf("failed to encode thresholds: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO indicator_definitions (exam_id, name, type, thresholds)
		VALUES (?, ?, ?, ?)
		RETURNING id`,
		def.ExamID, def.Name, string(def.Type), string(thresholds)).Scan(&def.ID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("exam %d: %w", def.ExamID, consts.ErrExamNotFound)
		}
		return fmt.Errorf("failed to create indicator definition: %w", err)
	}
	return nil
}

func (s *Store) RegisterClient(ctx context.Context, clientName string, institutionID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_registrations (client_name, institution_id, active)
		VALUES (?, ?, 1)
		ON CONFLICT (client_name) DO UPDATE SET institution_id = excluded.institution_id, active = 1`,
		clientName, institutionID)
	if err != nil {
		return fmt.Errorf("failed to register client: %w", err)
	}
	return nil
}
