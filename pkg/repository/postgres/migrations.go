package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// The schema is written to run unchanged on PostgreSQL and SQLite: $N
// placeholders, ON CONFLICT upserts, and no dialect-specific column
// types. updated_at is milliseconds since epoch; body_hash is base16
// SHA-256 of the serialized body.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS permission_user (
		id TEXT PRIMARY KEY,
		admin BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS resource (
		resource_type TEXT NOT NULL,
		resource_name TEXT NOT NULL,
		body TEXT NOT NULL,
		body_hash CHAR(64),
		updated_at BIGINT,
		PRIMARY KEY (resource_type, resource_name)
	)`,
	`CREATE TABLE IF NOT EXISTS permission (
		user_id TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_name TEXT NOT NULL,
		PRIMARY KEY (user_id, resource_type, resource_name),
		FOREIGN KEY (user_id) REFERENCES permission_user (id) ON DELETE CASCADE,
		FOREIGN KEY (resource_type, resource_name) REFERENCES resource (resource_type, resource_name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_permission_resource ON permission (resource_type, resource_name)`,
	`CREATE INDEX IF NOT EXISTS idx_permission_user ON permission (user_id)`,
}

// Migrate creates the permission tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}
