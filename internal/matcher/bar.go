package matcher

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/event"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/portfolio"
)

// BarMatcher fills at most once per bar and order, capped by the bar volume.
type BarMatcher struct {
	*base
}

// Update clears the per-bar turnover on every BAR event.
func (m *BarMatcher) Update(e *event.Event) {
	if e.Type == event.Bar || e.Type == event.OpenAuction {
		clear(m.turnover)
	}
}

func (m *BarMatcher) Match(acc *portfolio.Account, o *model.Order, openAuction bool) error {
	volume := decimal.Zero
	if bar, ok := m.env.Prices.Bar(o.OrderBookID()); ok {
		volume = bar.Volume
	}
	return m.matchOnce(acc, o, openAuction, volume)
}
