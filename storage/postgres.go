package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/winder87-stack/-polymarket-copy-bot-sub001/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS copy_executions (
	id           TEXT PRIMARY KEY,
	tx_hash      TEXT NOT NULL,
	wallet       TEXT NOT NULL,
	condition_id TEXT NOT NULL,
	token_id     TEXT NOT NULL DEFAULT '',
	side         TEXT NOT NULL,
	status       TEXT NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	order_id     TEXT NOT NULL DEFAULT '',
	amount       NUMERIC NOT NULL DEFAULT 0,
	price        NUMERIC NOT NULL DEFAULT 0,
	latency_ms   BIGINT NOT NULL DEFAULT 0,
	closing      BOOLEAN NOT NULL DEFAULT FALSE,
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_copy_executions_created ON copy_executions (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_copy_executions_tx ON copy_executions (tx_hash);

CREATE TABLE IF NOT EXISTS copy_positions (
	id             TEXT PRIMARY KEY,
	condition_id   TEXT NOT NULL,
	side           TEXT NOT NULL,
	strategy       TEXT NOT NULL DEFAULT '',
	token_id       TEXT NOT NULL,
	amount         NUMERIC NOT NULL,
	entry_price    NUMERIC NOT NULL,
	order_id       TEXT NOT NULL,
	source         JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	closed_at      TIMESTAMPTZ,
	exit_price     NUMERIC,
	exit_reason    TEXT,
	realized_pnl   NUMERIC,
	close_order_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_copy_positions_open ON copy_positions (created_at) WHERE closed_at IS NULL;
`

// PoolConfig tunes the connection pool
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// PostgresStore is the Postgres-backed Journal
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a pool, pings it and applies the schema
func NewPostgres(ctx context.Context, cfg PoolConfig) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	config.MaxConns = 10
	if cfg.MaxConns > 0 {
		config.MaxConns = cfg.MaxConns
	}
	config.MinConns = 2
	if cfg.MinConns > 0 {
		config.MinConns = cfg.MinConns
	}
	config.MaxConnLifetime = 30 * time.Minute
	if cfg.MaxConnLifetime > 0 {
		config.MaxConnLifetime = cfg.MaxConnLifetime
	}
	config.MaxConnIdleTime = 5 * time.Minute
	if cfg.MaxConnIdleTime > 0 {
		config.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	config.HealthCheckPeriod = 30 * time.Second

	// Add query timeout to prevent slow queries from hanging
	config.ConnConfig.RuntimeParams["statement_timeout"] = "30000"
	config.ConnConfig.RuntimeParams["lock_timeout"] = "10000"

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Close releases database connections
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// SaveExecution appends one execution; a repeated id is ignored
func (s *PostgresStore) SaveExecution(ctx context.Context, rec ExecutionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO copy_executions
			(id, tx_hash, wallet, condition_id, token_id, side, status, reason, order_id,
			 amount, price, latency_ms, closing, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11::numeric, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.TxHash, rec.Wallet, rec.ConditionID, rec.TokenID, string(rec.Side), string(rec.Status),
		rec.Reason, rec.OrderID, rec.Amount.String(), rec.Price.String(), rec.LatencyMS, rec.Closing, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save execution: %w", err)
	}
	return nil
}

// ListExecutions returns the newest executions first
func (s *PostgresStore) ListExecutions(ctx context.Context, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tx_hash, wallet, condition_id, token_id, side, status, reason, order_id,
		       amount::text, price::text, latency_ms, closing, created_at
		FROM copy_executions
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions: %w", err)
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		var (
			rec           ExecutionRecord
			side, status  string
			amount, price string
		)
		if err := rows.Scan(&rec.ID, &rec.TxHash, &rec.Wallet, &rec.ConditionID, &rec.TokenID, &side, &status,
			&rec.Reason, &rec.OrderID, &amount, &price, &rec.LatencyMS, &rec.Closing, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		rec.Side = models.Side(side)
		rec.Status = models.ExecutionStatus(status)
		if rec.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("postgres: execution %s amount: %w", rec.ID, err)
		}
		if rec.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("postgres: execution %s price: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SavePositionOpen records a newly opened position
func (s *PostgresStore) SavePositionOpen(ctx context.Context, pos models.Position) error {
	source, err := json.Marshal(pos.Source)
	if err != nil {
		return fmt.Errorf("postgres: marshal position source: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO copy_positions
			(id, condition_id, side, strategy, token_id, amount, entry_price, order_id, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9::jsonb, $10)
		ON CONFLICT (id) DO NOTHING`,
		pos.ID, pos.Key.ConditionID, string(pos.Key.Side), pos.Key.Strategy, pos.TokenID,
		pos.Amount.String(), pos.EntryPrice.String(), pos.OrderID, string(source), pos.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save position: %w", err)
	}
	return nil
}

// SavePositionClose marks a position closed in one transaction
func (s *PostgresStore) SavePositionClose(ctx context.Context, c models.PositionClose) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE copy_positions
		SET closed_at = $2, exit_price = $3::numeric, exit_reason = $4,
		    realized_pnl = $5::numeric, close_order_id = $6
		WHERE id = $1 AND closed_at IS NULL`,
		c.Position.ID, c.ClosedAt, c.ExitPrice.String(), string(c.Reason), c.RealizedPnL.String(), c.OrderID)
	if err != nil {
		return fmt.Errorf("postgres: close position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// opened before the journal was attached; store the full row
		source, err := json.Marshal(c.Position.Source)
		if err != nil {
			return fmt.Errorf("postgres: marshal position source: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO copy_positions
				(id, condition_id, side, strategy, token_id, amount, entry_price, order_id, source, created_at,
				 closed_at, exit_price, exit_reason, realized_pnl, close_order_id)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9::jsonb, $10, $11, $12::numeric, $13, $14::numeric, $15)
			ON CONFLICT (id) DO NOTHING`,
			c.Position.ID, c.Position.Key.ConditionID, string(c.Position.Key.Side), c.Position.Key.Strategy,
			c.Position.TokenID, c.Position.Amount.String(), c.Position.EntryPrice.String(), c.Position.OrderID,
			string(source), c.Position.CreatedAt, c.ClosedAt, c.ExitPrice.String(), string(c.Reason),
			c.RealizedPnL.String(), c.OrderID)
		if err != nil {
			return fmt.Errorf("postgres: insert closed position: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// ListOpenPositions returns every position without a close, oldest first
func (s *PostgresStore) ListOpenPositions(ctx context.Context) ([]models.Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, condition_id, side, strategy, token_id, amount::text, entry_price::text,
		       order_id, source::text, created_at
		FROM copy_positions
		WHERE closed_at IS NULL
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	return pgx.CollectRows(rows, scanPosition)
}

func scanPosition(row pgx.CollectableRow) (models.Position, error) {
	var (
		pos                 models.Position
		side, amount, entry string
		source              string
	)
	if err := row.Scan(&pos.ID, &pos.Key.ConditionID, &side, &pos.Key.Strategy, &pos.TokenID,
		&amount, &entry, &pos.OrderID, &source, &pos.CreatedAt); err != nil {
		return pos, fmt.Errorf("postgres: scan position: %w", err)
	}
	pos.Key.Side = models.Side(side)

	var err error
	if pos.Amount, err = decimal.NewFromString(amount); err != nil {
		return pos, fmt.Errorf("postgres: position %s amount: %w", pos.ID, err)
	}
	if pos.EntryPrice, err = decimal.NewFromString(entry); err != nil {
		return pos, fmt.Errorf("postgres: position %s entry price: %w", pos.ID, err)
	}
	if err := json.Unmarshal([]byte(source), &pos.Source); err != nil {
		return pos, fmt.Errorf("postgres: position %s source: %w", pos.ID, err)
	}
	return pos, nil
}
