// Package postgres provides the PostgreSQL client and the notification
// repository of the wsgate gateway.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"
)

// schema creates the notification table and the indexes its pollers rely on
var schema = []string{
	`CREATE TABLE IF NOT EXISTS notifications (
		id           BIGSERIAL PRIMARY KEY,
		identity     TEXT        NOT NULL,
		kind         TEXT        NOT NULL,
		title        TEXT        NOT NULL DEFAULT '',
		body         TEXT        NOT NULL DEFAULT '',
		payload      JSONB       NOT NULL DEFAULT '{}',
		delivered    BOOLEAN     NOT NULL DEFAULT false,
		delivered_at TIMESTAMPTZ,
		read         BOOLEAN     NOT NULL DEFAULT false,
		read_at      TIMESTAMPTZ,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS notifications_undelivered_idx ON notifications (created_at) WHERE delivered = false`,
	`CREATE INDEX IF NOT EXISTS notifications_unread_idx ON notifications (identity) WHERE read = false`,
}

// Client wraps PostgreSQL database operations
type Client struct {
	db *sql.DB
}

// Config holds PostgreSQL connection configuration
type Config struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// NewClient creates a new PostgreSQL client
func NewClient(cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{db: db}, nil
}

// EnsureSchema creates missing tables and indexes. It is idempotent.
func (c *Client) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// NewClientWithDB wraps an already opened handle
func NewClientWithDB(db *sql.DB) *Client {
	return &Client{db: db}
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying sql.DB for advanced operations
func (c *Client) DB() *sql.DB {
	return c.db
}
