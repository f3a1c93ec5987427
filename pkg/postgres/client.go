// Package postgres wraps a lib/pq connection pool with versioned migrations.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/resilience"
)

type Client struct {
	DB *sql.DB
}

// New opens the pool and waits for the server to answer, retrying briefly so a
// builder started alongside its database does not fail on the first dial.
func New(cfg config.PostgresConfig) (*Client, error) {
	connector, err := pq.NewConnector(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	err = resilience.Retry(context.Background(), "postgres.ping", resilience.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
	}, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return db.PingContext(ctx)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &Client{DB: db}, nil
}

func (c *Client) Close() error {
	return c.DB.Close()
}

// Migrate applies the statements of one component in order. Each statement's
// position is its version; versions already recorded in schema_migrations are
// skipped, so appending a statement is how a schema evolves.
func (c *Client) Migrate(ctx context.Context, component string, statements ...string) error {
	_, err := c.DB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
	    component  TEXT NOT NULL,
	    version    INT NOT NULL,
	    applied_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	    PRIMARY KEY (component, version)
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	return c.InTx(ctx, func(tx *sql.Tx) error {
		// serialises concurrent migrators of the same component
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, component); err != nil {
			return fmt.Errorf("locking migrations for %s: %w", component, err)
		}
		var applied int
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM schema_migrations WHERE component = $1`, component,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("reading migration version for %s: %w", component, err)
		}
		for i := applied; i < len(statements); i++ {
			if _, err := tx.ExecContext(ctx, statements[i]); err != nil {
				return fmt.Errorf("%s migration %d: %w", component, i+1, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (component, version) VALUES ($1, $2)`, component, i+1,
			); err != nil {
				return fmt.Errorf("recording %s migration %d: %w", component, i+1, err)
			}
		}
		return nil
	})
}

func (c *Client) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rolling back after %w: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
