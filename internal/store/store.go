// Package store persists engine snapshots and the trade ledger.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache of the latest snapshot), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/backtest-engine/internal/engine"
	"github.com/atmx/backtest-engine/internal/model"
)

var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. It satisfies engine.Store.
type Store interface {
	// --- Snapshots ---

	// SaveSnapshot writes the state after one settlement. Saving the same
	// run and trading date again replaces it.
	SaveSnapshot(ctx context.Context, s *engine.Snapshot) error

	// LatestSnapshot returns the snapshot with the latest trading date.
	LatestSnapshot(ctx context.Context, runID string) (*engine.Snapshot, error)

	// --- Immutable ledger ---

	// AppendTrade records a trade. A trade whose exec_id is already
	// recorded is ignored.
	AppendTrade(ctx context.Context, runID string, t *model.Trade) error

	// Trades returns the run's trades in booking order.
	Trades(ctx context.Context, runID string) ([]model.Trade, error)

	// NetQuantities sums the ledger per instrument: buys add, sells subtract.
	NetQuantities(ctx context.Context, runID string) (map[string]int64, error)
}

func signedQuantity(t *model.Trade) int64 {
	if t.Side == model.SideSell {
		return -t.LastQuantity
	}
	return t.LastQuantity
}
