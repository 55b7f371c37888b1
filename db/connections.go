package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/examlink/sebconn/consts"
	"github.com/examlink/sebconn/model"
)

const connectionColumns = `id, institution_id, exam_id, connection_token, status, user_session_id,
	client_address, virtual_client_address, creation_time`

func scanConnection(row pgx.Row) (*model.ConnectionRecord, error) {
	var rec model.ConnectionRecord
	var status string
	if err := row.Scan(&rec.ID, &rec.InstitutionID, &rec.ExamID, &rec.ConnectionToken, &status,
		&rec.UserSessionID, &rec.ClientAddress, &rec.VirtualClientAddress, &rec.CreationTime); err != nil {
		return nil, err
	}
	rec.Status = model.ConnectionStatus(status)
	return &rec, nil
}

// CreateConnection inserts a new connection in REQUESTED state.
func (db *Database) CreateConnection(ctx context.Context, nc model.NewConnection) (*model.ConnectionRecord, error) {
	row := db.TimedWriteQueryRow(ctx, "create_connection", `
		INSERT INTO client_connections (institution_id, exam_id, status, connection_token, client_address)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+connectionColumns,
		nc.InstitutionID, nc.ExamID.Ptr(), string(model.StatusRequested), nc.ConnectionToken, nc.ClientAddress)

	rec, err := scanConnection(row)
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

// SaveConnection applies a partial update and returns the stored record.
// exam_id and user_session_id are only written while still NULL. A set
// ExpectedStatus turns the update into a compare-and-set on status.
func (db *Database) SaveConnection(ctx context.Context, upd model.ConnectionUpdate) (*model.ConnectionRecord, error) {
	row := db.TimedWriteQueryRow(ctx, "save_connection", `
		UPDATE client_connections SET
			exam_id = COALESCE(exam_id, $2),
			status = COALESCE($3, status),
			user_session_id = COALESCE(user_session_id, $4),
			virtual_client_address = COALESCE($5, virtual_client_address)
		WHERE id = $1 AND ($6::text IS NULL OR status = $6::text)
		RETURNING `+connectionColumns,
		upd.ID, upd.ExamID.Ptr(), statusParam(upd.Status), upd.UserSessionID.Ptr(), upd.VirtualClientAddress.Ptr(),
		statusParam(upd.ExpectedStatus))

	rec, err := scanConnection(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, db.saveConflict(ctx, upd)
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
	s := string(v)
	return &s
}

// saveConflict tells a missing row apart from a status that moved on since
// the caller read it.
func (db *Database) saveConflict(ctx context.Context, upd model.ConnectionUpdate) error {
	expected, ok := upd.ExpectedStatus.Get()
	if !ok {
		return fmt.Errorf("connection id %d: %w", upd.ID, consts.ErrConnectionNotFound)
	}

	var current string
	err := db.TimedWriteQueryRow(ctx, "connection_status",
		`SELECT status FROM client_connections WHERE id = $1`, upd.ID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("connection id %d: %w", upd.ID, consts.ErrConnectionNotFound)
		}
		return fmt.Errorf("failed to read status of connection %d: %w", upd.ID, err)
	}
	return fmt.Errorf("connection %d is %s, expected %s: %w", upd.ID, current, expected, consts.ErrInvalidStateTransition)
}

// ConnectionByToken loads a connection record by its token.
func (db *Database) ConnectionByToken(ctx context.Context, token string) (*model.ConnectionRecord, error) {
	row := db.TimedQueryRow(ctx, "connection_by_token",
		`SELECT `+connectionColumns+` FROM client_connections WHERE connection_token = $1`, token)

	rec, err := scanConnection(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrConnectionNotFound
		}
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	return rec, nil
}

// ConnectionCountsByStatus returns the number of stored connections per status.
func (db *Database) ConnectionCountsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := db.TimedQuery(ctx, "connection_counts",
		`SELECT status, count(*) FROM client_connections GROUP BY status`)
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
