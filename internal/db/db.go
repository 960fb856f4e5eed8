package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

type DB struct {
	*sql.DB
}

func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn}
	if err := db.ensureSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

// ensureSchema creates the tasks table on first boot. The worker owns this
// table; everything else in the database belongs to the backend.
func (db *DB) ensureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS tasks (
			id          TEXT PRIMARY KEY,
			status      TEXT NOT NULL DEFAULT 'queued',
			payload     JSONB,
			result_url  TEXT,
			error       TEXT,
			started_at  TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`
	if _, err := db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure tasks schema: %w", err)
	}
	return nil
}
