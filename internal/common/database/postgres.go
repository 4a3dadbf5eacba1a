// internal/common/database/postgres.go
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"omnisearch/internal/common/config"
	apperrors "omnisearch/internal/common/errors"

	_ "github.com/lib/pq"
)

// ConversationResultsDDL creates the table the Postgres result sink writes to.
const ConversationResultsDDL = `
CREATE TABLE IF NOT EXISTS conversation_results (
	run_id      TEXT        NOT NULL,
	dataset     TEXT        NOT NULL,
	question_id TEXT        NOT NULL,
	question    TEXT        NOT NULL,
	prediction  TEXT        NOT NULL,
	outcome     TEXT        NOT NULL,
	turns       INTEGER     NOT NULL,
	trace       JSONB       NOT NULL,
	error       TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (dataset, question_id)
)`

// PostgresClient wraps the SQL database connection
type PostgresClient struct {
	DB *sql.DB
}

// NewPostgres creates a new PostgreSQL client
func NewPostgres(cfg config.PostgresConfig) (*PostgresClient, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &PostgresClient{DB: db}, nil
}

// Ping tests the database connection
func (c *PostgresClient) Ping(ctx context.Context) error {
	if err := c.DB.PingContext(ctx); err != nil {
		return apperrors.NewDatabaseConnectionFailedError(err)
	}
	return nil
}

// Migrate creates the tables used by the result sink.
func (c *PostgresClient) Migrate(ctx context.Context) error {
	if _, err := c.DB.ExecContext(ctx, ConversationResultsDDL); err != nil {
		return fmt.Errorf("create conversation_results: %w", err)
	}
	return nil
}

// Close closes the database connection
func (c *PostgresClient) Close() error {
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}
