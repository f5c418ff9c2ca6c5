package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/atmx/backtest-engine/internal/engine"
	"github.com/atmx/backtest-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]encodedSnapshot
	ledger    map[string][]model.Trade
	execIDs   map[string]struct{}
}

type encodedSnapshot struct {
	tradingDate time.Time
	data        []byte
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]encodedSnapshot),
		ledger:    make(map[string][]model.Trade),
		execIDs:   make(map[string]struct{}),
	}
}

// SaveSnapshot stores an encoded copy so later engine mutations do not
// leak into it. Older trading dates never replace newer ones.
func (s *MemoryStore) SaveSnapshot(_ context.Context, snap *engine.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.snapshots[snap.RunID]; ok && prev.tradingDate.After(snap.TradingDate) {
		return nil
	}
	s.snapshots[snap.RunID] = encodedSnapshot{tradingDate: snap.TradingDate, data: data}
	return nil
}

func (s *MemoryStore) LatestSnapshot(_ context.Context, runID string) (*engine.Snapshot, error) {
	s.mu.RLock()
	enc, ok := s.snapshots[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: snapshot of run %s", ErrNotFound, runID)
	}
	var snap engine.Snapshot
	if err := json.Unmarshal(enc.data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func (s *MemoryStore) AppendTrade(_ context.Context, runID string, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.execIDs[t.ExecID]; dup {
		return nil
	}
	s.execIDs[t.ExecID] = struct{}{}
	s.ledger[runID] = append(s.ledger[runID], *t)
	return nil
}

func (s *MemoryStore) Trades(_ context.Context, runID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Trade, len(s.ledger[runID]))
	copy(out, s.ledger[runID])
	return out, nil
}

func (s *MemoryStore) NetQuantities(_ context.Context, runID string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	net := make(map[string]int64)
	for i := range s.ledger[runID] {
		t := &s.ledger[runID][i]
		net[t.OrderBookID] += signedQuantity(t)
	}
	return net, nil
}
