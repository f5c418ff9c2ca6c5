package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/backtest-engine/internal/engine"
	"github.com/atmx/backtest-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache of each run's latest snapshot. Writes go to the primary store
// first; reads check Redis and fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through ---

func (s *CachedStore) SaveSnapshot(ctx context.Context, snap *engine.Snapshot) error {
	if err := s.primary.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	s.cacheSnapshot(ctx, snap)
	return nil
}

func (s *CachedStore) AppendTrade(ctx context.Context, runID string, t *model.Trade) error {
	if err := s.primary.AppendTrade(ctx, runID, t); err != nil {
		return err
	}
	// Invalidate the ledger aggregate for this run.
	s.rdb.Del(ctx, netKey(runID))
	return nil
}

// --- Read-through ---

func (s *CachedStore) LatestSnapshot(ctx context.Context, runID string) (*engine.Snapshot, error) {
	data, err := s.rdb.Get(ctx, snapshotKey(runID)).Bytes()
	if err == nil {
		var snap engine.Snapshot
		if json.Unmarshal(data, &snap) == nil {
			return &snap, nil
		}
	}

	snap, err := s.primary.LatestSnapshot(ctx, runID)
	if err != nil {
		return nil, err
	}
	s.cacheSnapshot(ctx, snap)
	return snap, nil
}

func (s *CachedStore) NetQuantities(ctx context.Context, runID string) (map[string]int64, error) {
	data, err := s.rdb.Get(ctx, netKey(runID)).Bytes()
	if err == nil {
		var net map[string]int64
		if json.Unmarshal(data, &net) == nil {
			return net, nil
		}
	}

	net, err := s.primary.NetQuantities(ctx, runID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(net); err == nil {
		s.rdb.Set(ctx, netKey(runID), data, s.ttl)
	}
	return net, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) Trades(ctx context.Context, runID string) ([]model.Trade, error) {
	return s.primary.Trades(ctx, runID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheSnapshot(ctx context.Context, snap *engine.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, snapshotKey(snap.RunID), data, s.ttl).Err(); err != nil {
		slog.Warn("snapshot cache write failed", "run_id", snap.RunID, "err", err)
	}
}

func snapshotKey(runID string) string { return fmt.Sprintf("backtest:snapshot:%s", runID) }
func netKey(runID string) string      { return fmt.Sprintf("backtest:net:%s", runID) }
