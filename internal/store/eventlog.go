package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// AppendEvent appends an event to the user's activity history. The per-user
// sequence is assigned inside a transaction so it is gapless and monotonic
// even with concurrent appenders.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *DomainEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE user_id = ?`, event.UserID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("next sequence for %s: %w", event.UserID, err)
	}

	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (user_id, name, campaign_id, node_id, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.UserID, event.Name, nullStr(event.CampaignID), nullStr(event.NodeID),
		rawOrNil(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("append event %s: %w", event.Name, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return tx.Commit()
}

// GetEventsByUser returns the user's events with sequence greater than since,
// in sequence order.
func (s *LibSQLStore) GetEventsByUser(ctx context.Context, userID string, since int64) ([]*DomainEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, campaign_id, node_id, payload, timestamp, sequence
		 FROM events WHERE user_id = ? AND sequence > ? ORDER BY sequence`,
		userID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListEvents returns events matching the filter, newest first.
func (s *LibSQLStore) ListEvents(ctx context.Context, filter EventFilter) ([]*DomainEvent, error) {
	query := `SELECT id, user_id, name, campaign_id, node_id, payload, timestamp, sequence FROM events`
	var where []string
	var args []any
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.CampaignID != "" {
		where = append(where, "campaign_id = ?")
		args = append(args, filter.CampaignID)
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*DomainEvent, error) {
	var events []*DomainEvent
	for rows.Next() {
		e := &DomainEvent{}
		var campaignID, nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Name, &campaignID, &nodeID, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.CampaignID = campaignID.String
		e.NodeID = nodeID.String
		if payload.Valid {
			e.Payload = []byte(payload.String)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func rawOrNil(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
