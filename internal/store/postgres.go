package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/engine"
	"github.com/atmx/backtest-engine/internal/model"
)

// Schema creates the tables PostgresStore uses. Monetary values are
// NUMERIC for exact decimal precision.
const Schema = `
CREATE TABLE IF NOT EXISTS backtest_snapshots (
	run_id       TEXT        NOT NULL,
	trading_date DATE        NOT NULL,
	payload      JSONB       NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, trading_date)
);

CREATE TABLE IF NOT EXISTS backtest_trades (
	exec_id            TEXT PRIMARY KEY,
	seq                BIGSERIAL,
	run_id             TEXT        NOT NULL,
	order_id           BIGINT      NOT NULL,
	order_book_id      TEXT        NOT NULL,
	side               TEXT        NOT NULL,
	position_effect    TEXT        NOT NULL,
	last_price         NUMERIC     NOT NULL,
	last_quantity      BIGINT      NOT NULL,
	close_today_amount BIGINT      NOT NULL,
	frozen_price       NUMERIC     NOT NULL,
	commission         NUMERIC     NOT NULL,
	tax                NUMERIC     NOT NULL,
	datetime           TIMESTAMPTZ NOT NULL,
	trading_datetime   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS backtest_trades_run_idx ON backtest_trades (run_id, seq);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *engine.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO backtest_snapshots (run_id, trading_date, payload)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (run_id, trading_date) DO UPDATE SET payload = EXCLUDED.payload, created_at = now()`,
		snap.RunID, snap.TradingDate, payload,
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.RunID, err)
	}
	return nil
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context, runID string) (*engine.Snapshot, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM backtest_snapshots
		 WHERE run_id = $1 ORDER BY trading_date DESC LIMIT 1`, runID).
		Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: snapshot of run %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", runID, err)
	}
	var snap engine.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", runID, err)
	}
	return &snap, nil
}

func (s *PostgresStore) AppendTrade(ctx context.Context, runID string, t *model.Trade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO backtest_trades (exec_id, run_id, order_id, order_book_id, side, position_effect,
		        last_price, last_quantity, close_today_amount, frozen_price, commission, tax,
		        datetime, trading_datetime)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13, $14)
		 ON CONFLICT (exec_id) DO NOTHING`,
		tradeArgs(runID, t)...,
	)
	if err != nil {
		return fmt.Errorf("append trade %s: %w", t.ExecID, err)
	}
	return nil
}

func (s *PostgresStore) Trades(ctx context.Context, runID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT exec_id, order_id, order_book_id, side, position_effect,
		        last_price::TEXT, last_quantity, close_today_amount, frozen_price::TEXT,
		        commission::TEXT, tax::TEXT, datetime, trading_datetime
		 FROM backtest_trades WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) NetQuantities(ctx context.Context, runID string) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT order_book_id,
		        COALESCE(SUM(CASE WHEN side = 'SELL' THEN -last_quantity ELSE last_quantity END), 0)
		 FROM backtest_trades
		 WHERE run_id = $1
		 GROUP BY order_book_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	net := make(map[string]int64)
	for rows.Next() {
		var id string
		var qty int64
		if err := rows.Scan(&id, &qty); err != nil {
			return nil, err
		}
		net[id] = qty
	}
	return net, rows.Err()
}

// tradeArgs lays out t in the column order of the insert.
func tradeArgs(runID string, t *model.Trade) []any {
	return []any{
		t.ExecID, runID, t.OrderID, t.OrderBookID, string(t.Side), string(t.PositionEffect),
		t.LastPrice.String(), t.LastQuantity, t.CloseTodayAmount, t.FrozenPrice.String(),
		t.Commission.String(), t.Tax.String(),
		t.Datetime, t.TradingDatetime,
	}
}

// scanTrades reads pgx rows into trades.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanTrades(rows pgxRows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var side, effect, priceS, frozenS, commissionS, taxS string

		if err := rows.Scan(&t.ExecID, &t.OrderID, &t.OrderBookID, &side, &effect,
			&priceS, &t.LastQuantity, &t.CloseTodayAmount, &frozenS,
			&commissionS, &taxS, &t.Datetime, &t.TradingDatetime); err != nil {
			return nil, err
		}

		t.Side = model.Side(side)
		t.PositionEffect = model.PositionEffect(effect)
		var err error
		for _, f := range []struct {
			dst *decimal.Decimal
			raw string
		}{
			{&t.LastPrice, priceS},
			{&t.FrozenPrice, frozenS},
			{&t.Commission, commissionS},
			{&t.Tax, taxS},
		} {
			if *f.dst, err = decimal.NewFromString(f.raw); err != nil {
				return nil, fmt.Errorf("trade %s: %w", t.ExecID, err)
			}
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
