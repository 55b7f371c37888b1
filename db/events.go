package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/examlink/sebconn/model"
	"github.com/examlink/sebconn/pkg/metrics"
)

// InsertEvents stores a batch of events in one transaction and fills in their
// ids and server times. Either all events are stored or none.
func (db *Database) InsertEvents(ctx context.Context, events []*model.ClientEvent) error {
	if len(events) == 0 {
		return nil
	}

	start := time.Now()
	err := pgx.BeginFunc(ctx, db.WritePool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, ev := range events {
			batch.Queue(`
				INSERT INTO client_events (connection_id, type, client_time, server_time, num_value, text)
				VALUES ($1, $2, $3, $4, $5, $6)
				RETURNING id`,
				ev.ConnectionID, string(ev.Type), ev.ClientTime, ev.ServerTime, ev.NumValue, ev.Text)
		}

		results := tx.SendBatch(ctx, batch)
		for _, ev := range events {
			if err := results.QueryRow().Scan(&ev.ID); err != nil {
				results.Close()
				return err
			}
		}
		return results.Close()
	})
	observe("insert_events", "write", start, err)
	if err != nil {
		return fmt.Errorf("failed to insert %d events: %w", len(events), err)
	}

	metrics.EventBatchSize.Observe(float64(len(events)))
	return nil
}

// EventsByConnection returns the most recent events of a connection, newest first.
func (db *Database) EventsByConnection(ctx context.Context, connectionID int64, limit int) ([]model.ClientEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.TimedQuery(ctx, "events_by_connection", `
		SELECT id, connection_id, type, client_time, server_time, num_value, text
		FROM client_events
		WHERE connection_id = $1
		ORDER BY server_time DESC, id DESC
		LIMIT $2`, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []model.ClientEvent
	for rows.Next() {
		var ev model.ClientEvent
		var typ string
		if err := rows.Scan(&ev.ID, &ev.ConnectionID, &typ, &ev.ClientTime, &ev.ServerTime, &ev.NumValue, &ev.Text); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Type = model.EventType(typ)
		events = append(events, ev)
	}
	return events, rows.Err()
}
