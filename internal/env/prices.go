package env

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
)

// PriceBoard keeps the latest bar and tick seen for each instrument.
type PriceBoard struct {
	bars  map[string]*model.Bar
	ticks map[string]*model.Tick
	last  map[string]decimal.Decimal
}

// NewPriceBoard creates an empty board.
func NewPriceBoard() *PriceBoard {
	return &PriceBoard{
		bars:  make(map[string]*model.Bar),
		ticks: make(map[string]*model.Tick),
		last:  make(map[string]decimal.Decimal),
	}
}

// UpdateBars records a bar slice. Suspended bars keep the previous last price.
func (b *PriceBoard) UpdateBars(bars map[string]*model.Bar) {
	for id, bar := range bars {
		b.bars[id] = bar
		if !bar.Suspended && model.IsValidPrice(bar.Close) {
			b.last[id] = bar.Close
		}
	}
}

// UpdateTick records a tick.
func (b *PriceBoard) UpdateTick(t *model.Tick) {
	b.ticks[t.OrderBookID] = t
	if model.IsValidPrice(t.Last) {
		b.last[t.OrderBookID] = t.Last
	}
}

// SetLast overrides the last price, used when restoring a run.
func (b *PriceBoard) SetLast(orderBookID string, price decimal.Decimal) {
	b.last[orderBookID] = price
}

func (b *PriceBoard) Bar(orderBookID string) (*model.Bar, bool) {
	bar, ok := b.bars[orderBookID]
	return bar, ok
}

func (b *PriceBoard) Tick(orderBookID string) (*model.Tick, bool) {
	t, ok := b.ticks[orderBookID]
	return t, ok
}

// Last returns the most recent valid price, zero when none was seen.
func (b *PriceBoard) Last(orderBookID string) decimal.Decimal {
	return b.last[orderBookID]
}

// Limits returns the limit-up/limit-down band from the latest tick or bar.
// Both are zero when the market has no band.
func (b *PriceBoard) Limits(orderBookID string) (up, down decimal.Decimal) {
	if t, ok := b.ticks[orderBookID]; ok {
		return t.LimitUp, t.LimitDown
	}
	if bar, ok := b.bars[orderBookID]; ok {
		return bar.LimitUp, bar.LimitDown
	}
	return decimal.Zero, decimal.Zero
}

// Suspended reports whether the latest bar of orderBookID is suspended.
func (b *PriceBoard) Suspended(orderBookID string) bool {
	bar, ok := b.bars[orderBookID]
	return ok && bar.Suspended
}

// Known returns every instrument with a last price.
func (b *PriceBoard) Known() map[string]decimal.Decimal {
	return b.last
}
