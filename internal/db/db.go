package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wenwu/saas-platform/panel-order-service/internal/config"
)

type Database struct {
	Pool   *pgxpool.Pool
	Schema string
}

func New(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*Database, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	// Every pooled connection resolves tables in the service schema
	poolConfig.ConnConfig.RuntimeParams["search_path"] = cfg.Schema + ",public"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	logger.Info("connected to PostgreSQL",
		"component", "db", "host", cfg.Host, "database", cfg.DBName, "schema", cfg.Schema)

	return &Database{
		Pool:   pool,
		Schema: cfg.Schema,
	}, nil
}

func (d *Database) Close() {
	if d.Pool != nil {
		d.Pool.Close()
	}
}

// EnsureSchema creates the service schema and tables when missing.
func (d *Database) EnsureSchema(ctx context.Context) error {
	schema := pgx.Identifier{d.Schema}.Sanitize()

	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + schema,
		`CREATE TABLE IF NOT EXISTS ` + schema + `.servers (
			id         BIGSERIAL PRIMARY KEY,
			title      TEXT NOT NULL,
			base_url   TEXT NOT NULL,
			username   TEXT NOT NULL,
			password   TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS ` + schema + `.plans (
			id            BIGSERIAL PRIMARY KEY,
			server_id     BIGINT NOT NULL REFERENCES ` + schema + `.servers(id),
			inbound_id    INTEGER NOT NULL,
			name          TEXT NOT NULL,
			country       TEXT NOT NULL DEFAULT '',
			volume_gb     BIGINT NOT NULL,
			duration_days INTEGER NOT NULL,
			multi_user    INTEGER NOT NULL DEFAULT 1,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS ` + schema + `.orders (
			id               BIGSERIAL PRIMARY KEY,
			user_ref         TEXT NOT NULL,
			plan_id          BIGINT NOT NULL REFERENCES ` + schema + `.plans(id),
			server_id        BIGINT NOT NULL REFERENCES ` + schema + `.servers(id),
			status           TEXT NOT NULL,
			receipt_ref      TEXT,
			grant_data       JSONB,
			expires_at       TIMESTAMPTZ,
			connection_uri   TEXT,
			rejection_reason TEXT,
			claim_token      TEXT,
			claimed_at       TIMESTAMPTZ,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			approved_at      TIMESTAMPTZ,
			rejected_at      TIMESTAMPTZ,
			expired_at       TIMESTAMPTZ,
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT orders_active_grant CHECK (
				(status = 'ACTIVE') = (grant_data IS NOT NULL AND expires_at IS NOT NULL)
			)
		)`,
		`CREATE INDEX IF NOT EXISTS orders_status_expires_idx ON ` + schema + `.orders (status, expires_at)`,
		`CREATE TABLE IF NOT EXISTS ` + schema + `.order_logs (
			id         TEXT PRIMARY KEY,
			order_id   BIGINT NOT NULL,
			action     TEXT NOT NULL,
			status     TEXT NOT NULL,
			message    TEXT NOT NULL DEFAULT '',
			metadata   JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS order_logs_order_idx ON ` + schema + `.order_logs (order_id, created_at DESC)`,
	}

	for _, stmt := range statements {
		if _, err := d.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
