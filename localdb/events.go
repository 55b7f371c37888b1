package localdb

import (
	"context"
	"fmt"
	"time"

	"github.com/examlink/sebconn/model"
	"github.com/examlink/sebconn/pkg/metrics"
)

// InsertEvents stores a batch of events in one transaction and fills in their ids.
func (s *Store) InsertEvents(ctx context.Context, events []*model.ClientEvent) (err error) {
	if len(events) == 0 {
		return nil
	}

	start := time.Now()
	defer func() { observe("insert_events", start, err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin event transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO client_events (connection_id, type, client_time, server_time, num_value, text)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`)
	if err != nil {
		return fmt.Errorf("failed to prepare event insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if err := stmt.QueryRowContext(ctx, ev.ConnectionID, string(ev.Type), toUnix(ev.ClientTime),
			toUnix(ev.ServerTime), ev.NumValue, ev.Text).Scan(&ev.ID); err != nil {
			return fmt.Errorf("failed to insert %d events: %w", len(events), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit events: %w", err)
	}
	metrics.EventBatchSize.Observe(float64(len(events)))
	return nil
}

func (s *Store) EventsByConnection(ctx context.Context, connectionID int64, limit int) ([]model.ClientEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, connection_id, type, client_time, server_time, num_value, text
		FROM client_events
		WHERE connection_id = ?
		ORDER BY server_time DESC, id DESC
		LIMIT ?`, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []model.ClientEvent
	for rows.Next() {
		var ev model.ClientEvent
		var typ string
		var clientTime, serverTime int64
		if err := rows.Scan(&ev.ID, &ev.ConnectionID, &typ, &clientTime, &serverTime, &ev.NumValue, &ev.Text); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Type = model.EventType(typ)
		ev.ClientTime = fromUnix(clientTime)
		ev.ServerTime = fromUnix(serverTime)
		events = append(events, ev)
	}
	return events, rows.Err()
}
