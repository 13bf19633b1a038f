// Package db owns the single Postgres connection the orchestrator
// keeps: the append-only audit trail of handshake RESET/DENY events.
// Chat content and session key material are never persisted here —
// that remains an explicit non-goal.
package db

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"
)

var logger = log.New(os.Stdout, "[DB] ", log.Ldate|log.Ltime|log.LUTC)

// Open connects to Postgres, verifies it's reachable, and ensures the
// audit table security.AuditLogger writes to exists.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("run audit trail migration: %w", err)
	}

	logger.Printf("connected to postgres")
	return db, nil
}

// migrate creates the audit_events table security.AuditLogger writes
// handshake RESET/DENY/session-active records into, if it does not
// already exist.
func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			id           BIGSERIAL PRIMARY KEY,
			event_id     UUID NOT NULL,
			event_type   TEXT NOT NULL,
			peer_id      TEXT NOT NULL,
			counterparty TEXT,
			reason       TEXT,
			prior_state  TEXT,
			severity     TEXT NOT NULL,
			metadata     JSONB,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_audit_events_peer_id ON audit_events (peer_id);
		CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events (created_at);
	`)
	return err
}
