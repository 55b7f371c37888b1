package localdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/examlink/sebconn/consts"
	"github.com/examlink/sebconn/model"
)

const connectionColumns = `id, institution_id, exam_id, connection_token, status, user_session_id,
	client_address, virtual_client_address, creation_time`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*model.ConnectionRecord, error) {
	var rec model.ConnectionRecord
	var status string
	var examID sql.NullInt64
	var userSessionID, virtualAddr sql.NullString
	var created int64
	if err := row.Scan(&rec.ID, &rec.InstitutionID, &examID, &rec.ConnectionToken, &status,
		&userSessionID, &rec.ClientAddress, &virtualAddr, &created); err != nil {
		return nil, err
	}
	rec.Status = model.ConnectionStatus(status)
	rec.ExamID = int64Ptr(examID)
	rec.UserSessionID = stringPtr(userSessionID)
	rec.VirtualClientAddress = stringPtr(virtualAddr)
	rec.CreationTime = fromUnix(created)
	return &rec, nil
}

func (s *Store) CreateConnection(ctx context.Context, nc model.NewConnection) (*model.ConnectionRecord, error) {
	start := time.Now()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO client_connections (institution_id, exam_id, status, connection_token, client_address, creation_time)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING `+connectionColumns,
		nc.InstitutionID, nc.ExamID.Ptr(), string(model.StatusRequested), nc.ConnectionToken, nc.ClientAddress, toUnix(time.Now()))

	rec, err := scanConnection(row)
	observe("create_connection", start, err)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("connection token already in use: %w", consts.ErrDBUniqueViolation)
		}
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("exam %d: %w", nc.ExamID.OrElse(0), consts.ErrExamNotFound)
		}
		return nil, fmt.Errorf("failed to insert connection: %w", err)
	}
	return rec, nil
}

// SaveConnection applies a partial update. exam_id and user_session_id are
// only written while still NULL. A set ExpectedStatus makes the update
// conditional on the stored status.
func (s *Store) SaveConnection(ctx context.Context, upd model.ConnectionUpdate) (*model.ConnectionRecord, error) {
	status := statusParam(upd.Status)
	expected := statusParam(upd.ExpectedStatus)

	start := time.Now()
	row := s.db.QueryRowContext(ctx, `
		UPDATE client_connections SET
			exam_id = COALESCE(exam_id, ?),
			status = COALESCE(?, status),
			user_session_id = COALESCE(user_session_id, ?),
			virtual_client_address = COALESCE(?, virtual_client_address)
		WHERE id = ? AND (? IS NULL OR status = ?)
		RETURNING `+connectionColumns,
		upd.ExamID.Ptr(), status, upd.UserSessionID.Ptr(), upd.VirtualClientAddress.Ptr(), upd.ID, expected, expected)

	rec, err := scanConnection(row)
	observe("save_connection", start, err)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.saveConflict(ctx, upd)
		}
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("exam %d: %w", upd.ExamID.OrElse(0), consts.ErrExamNotFound)
		}
		return nil, fmt.Errorf("failed to save connection %d: %w", upd.ID, err)
	}
	return rec, nil
}

func statusParam(st model.Optional[model.ConnectionStatus]) *string {
	v, ok := st.Get()
	if !ok {
		return nil
	}
	str := string(v)
	return &str
}

func (s *Store) saveConflict(ctx context.Context, upd model.ConnectionUpdate) error {
	expected, ok := upd.ExpectedStatus.Get()
	if !ok {
		return fmt.Errorf("connection id %d: %w", upd.ID, consts.ErrConnectionNotFound)
	}

	var current string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM client_connections WHERE id = ?`, upd.ID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("connection id %d: %w", upd.ID, consts.ErrConnectionNotFound)
		}
		return fmt.Errorf("failed to read status of connection %d: %w", upd.ID, err)
	}
	return fmt.Errorf("connection %d is %s, expected %s: %w", upd.ID, current, expected, consts.ErrInvalidStateTransition)
}

func (s *Store) ConnectionByToken(ctx context.Context, token string) (*model.ConnectionRecord, error) {
	start := time.Now()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM client_connections WHERE connection_token = ?`, token)

	rec, err := scanConnection(row)
	observe("connection_by_token", start, err)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, consts.ErrConnectionNotFound
		}
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	return rec, nil
}

func (s *Store) ConnectionCountsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, count(*) FROM client_connections GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count connections: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan connection count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
