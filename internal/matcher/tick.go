package matcher

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/event"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/portfolio"
)

// TickMatcher fills at most once per tick and order. The cap is taken from
// the volume traded since the previous tick.
type TickMatcher struct {
	*base
}

// Update clears the turnover of the instrument that ticked.
func (m *TickMatcher) Update(e *event.Event) {
	if e.Type == event.Tick && e.Tick != nil {
		delete(m.turnover, e.Tick.OrderBookID)
	}
}

func (m *TickMatcher) Match(acc *portfolio.Account, o *model.Order, openAuction bool) error {
	volume := decimal.Zero
	if t, ok := m.env.Prices.Tick(o.OrderBookID()); ok {
		volume = t.Volume
	}
	return m.matchOnce(acc, o, openAuction, volume)
}
