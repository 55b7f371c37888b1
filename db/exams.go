package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/examlink/sebconn/consts"
	"github.com/examlink/sebconn/model"
)

// ExamByID loads the runtime view of an exam.
func (db *Database) ExamByID(ctx context.Context, examID int64) (*model.Exam, error) {
	var exam model.Exam
	var typ, status string
	err := db.TimedQueryRow(ctx, "exam_by_id", `
		SELECT id, institution_id, name, type, status, start_time, end_time
		FROM exams WHERE id = $1`, examID).
		Scan(&exam.ID, &exam.InstitutionID, &exam.Name, &typ, &status, &exam.StartTime, &exam.EndTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("exam %d: %w", examID, consts.ErrExamNotFound)
		}
		return nil, fmt.Errorf("failed to load exam %d: %w", examID, err)
	}
	exam.Type = model.ExamType(typ)
	exam.Status = model.ExamStatus(status)
	return &exam, nil
}

// IndicatorDefinitions returns the indicators configured for an exam.
func (db *Database) IndicatorDefinitions(ctx context.Context, examID int64) ([]model.IndicatorDefinition, error) {
	rows, err := db.TimedQuery(ctx, "indicator_definitions", `
		SELECT id, exam_id, name, type, thresholds
		FROM indicator_definitions WHERE exam_id = $1 ORDER BY id`, examID)
	if err != nil {
		return nil, fmt.Errorf("failed to query indicator definitions: %w", err)
	}
	defer rows.Close()

	var defs []model.IndicatorDefinition
	for rows.Next() {
		var def model.IndicatorDefinition
		var typ string
		var thresholds []byte
		if err := rows.Scan(&def.ID, &def.ExamID, &def.Name, &typ, &thresholds); err != nil {
			return nil, fmt.Errorf("failed to scan indicator definition: %w", err)
		}
		def.Type = model.IndicatorType(typ)
		if len(thresholds) > 0 {
			if err := json.Unmarshal(thresholds, &def.Thresholds); err != nil {
				return nil, fmt.Errorf("invalid thresholds for indicator %d: %w", def.ID, err)
			}
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// InstitutionByClientName resolves an active client registration to its institution.
func (db *Database) InstitutionByClientName(ctx context.Context, clientName string) (int64, error) {
	var institutionID int64
	err := db.TimedQueryRow(ctx, "institution_by_client", `
		SELECT institution_id FROM client_registrations
		WHERE client_name = $1 AND active`, clientName).Scan(&institutionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("client %q: %w", clientName, consts.ErrClientNotFound)
		}
		return 0, fmt.Errorf("failed to resolve client: %w", err)
	}
	return institutionID, nil
}

// CreateExam inserts an exam and sets its id.
func (db *Database) CreateExam(ctx context.Context, exam *model.Exam) error {
	err := db.TimedWriteQueryRow(ctx, "create_exam", `
		INSERT INTO exams (institution_id, name, type, status, start_time, end_time)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		exam.InstitutionID, exam.Name, string(exam.Type), string(exam.Status), exam.StartTime, exam.EndTime).
		Scan(&exam.ID)
	if err != nil {
		return fmt.Errorf("failed to create exam: %w", err)
	}
	return nil
}

// UpdateExamStatus changes the scheduling status of an exam.
func (db *Database) UpdateExamStatus(ctx context.Context, examID int64, status model.ExamStatus) error {
	var id int64
	err := db.TimedWriteQueryRow(ctx, "update_exam_status",
		`UPDATE exams SET status = $2 WHERE id = $1 RETURNING id`, examID, string(status)).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("exam %d: %w", examID, consts.ErrExamNotFound)
		}
		return fmt.Errorf("failed to update exam status: %w", err)
	}
	return nil
}

// CreateIndicatorDefinition adds an indicator to an exam and sets its id.
func (db *Database) CreateIndicatorDefinition(ctx context.Context, def *model.IndicatorDefinition) error {
	thresholds, err := json.Marshal(def.Thresholds)
	if err != nil {
		return fmt.Errorf("failed to encode thresholds: %w", err)
	}
	err = db.TimedWriteQueryRow(ctx, "create_indicator", `
		INSERT INTO indicator_definitions (exam_id, name, type, thresholds)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		def.ExamID, def.Name, string(def.Type), thresholds).Scan(&def.ID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("exam %d: %w", def.ExamID, consts.ErrExamNotFound)
		}
		return fmt.Errorf("failed to create indicator definition: %w", err)
	}
	return nil
}

// RegisterClient creates or reactivates a client registration.
func (db *Database) RegisterClient(ctx context.Context, clientName string, institutionID int64) error {
	err := db.TimedExec(ctx, "register_client", `
		INSERT INTO client_registrations (client_name, institution_id, active)
		VALUES ($1, $2, TRUE)
		ON CONFLICT (client_name) DO UPDATE SET institution_id = EXCLUDED.institution_id, active = TRUE`,
		clientName, institutionID)
	if err != nil {
		return fmt.Errorf("failed to register client: %w", err)
	}
	return nil
}
