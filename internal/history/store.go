package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS channel_history (
	id       BIGSERIAL PRIMARY KEY,
	channel  TEXT        NOT NULL,
	kind     TEXT        NOT NULL,
	mud      TEXT        NOT NULL,
	username TEXT        NOT NULL,
	visname  TEXT        NOT NULL,
	target   TEXT        NOT NULL DEFAULT '',
	message  TEXT        NOT NULL,
	at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS channel_history_channel_at_idx
	ON channel_history (channel, at DESC);
`

// Store archives channel traffic in Postgres.
type Store struct {
	db *sql.DB
}

// NewStore opens a connection pool against dsn and ensures the schema.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Insert archives one entry.
func (s *Store) Insert(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_history (channel, kind, mud, username, visname, target, message, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.Channel, e.Kind, e.Mud, e.User, e.Visname, e.Target, e.Message, e.At)
	if err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	return nil
}

// Recent returns up to limit entries for a channel, oldest first.
func (s *Store) Recent(ctx context.Context, channel string, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, kind, mud, username, visname, target, message, at
		 FROM channel_history
		 WHERE lower(channel) = lower($1)
		 ORDER BY at DESC
		 LIMIT $2`,
		channel, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Channel, &e.Kind, &e.Mud, &e.User, &e.Visname, &e.Target, &e.Message, &e.At); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: rows: %w", err)
	}

	// Newest-first from the index; flip to chronological.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Prune deletes entries older than the retention window.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM channel_history WHERE at < $1`,
		time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }
