package transcript

import (
	"context"
	"database/sql"
	"time"
)

// Session is one recorded connection.
type Session struct {
	ID         int64      `json:"id" yaml:"id"`
	StartedAt  time.Time  `json:"started_at" yaml:"started_at"`
	RemoteAddr string     `json:"remote_addr" yaml:"remote_addr"`
	EndedAt    *time.Time `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
}

// Entry is one recorded chunk.
type Entry struct {
	ID         int64     `json:"id" yaml:"id"`
	SessionID  int64     `json:"session_id" yaml:"session_id"`
	Seq        int64     `json:"seq" yaml:"seq"`
	Direction  string    `json:"direction" yaml:"direction"`
	RecordedAt time.Time `json:"recorded_at" yaml:"recorded_at"`
	Data       string    `json:"data" yaml:"data"`
}

// QueryFilter defines filters for reading chunks
type QueryFilter struct {
	SessionID int64
	Direction string // "C" or "S"
	Limit     int
	Offset    int
}

// Sessions lists recorded sessions, newest first.
func (db *DB) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, started_at, remote_addr, ended_at FROM sessions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var ended sql.NullTime
		if err := rows.Scan(&s.ID, &s.StartedAt, &s.RemoteAddr, &ended); err != nil {
			return nil, err
		}
		if ended.Valid {
			t := ended.Time
			s.EndedAt = &t
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Query retrieves chunks in wire order.
func (db *DB) Query(ctx context.Context, filter QueryFilter) ([]Entry, error) {
	query := `SELECT id, session_id, seq, direction, recorded_at, data FROM wire_chunks WHERE 1=1`
	args := []interface{}{}

	if filter.SessionID > 0 {
		query += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.Direction != "" {
		query += " AND direction = ?"
		args = append(args, filter.Direction)
	}

	query += " ORDER BY session_id, seq"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	} else {
		query += " LIMIT 1000"
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var data []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Seq, &e.Direction, &e.RecordedAt, &data); err != nil {
			return nil, err
		}
		e.Data = string(data)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of chunks matching the filter
func (db *DB) Count(ctx context.Context, filter QueryFilter) (int, error) {
	query := `SELECT COUNT(*) FROM wire_chunks WHERE 1=1`
	args := []interface{}{}

	if filter.SessionID > 0 {
		query += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.Direction != "" {
		query += " AND direction = ?"
		args = append(args, filter.Direction)
	}

	var count int
	err := db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}
