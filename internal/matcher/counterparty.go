package matcher

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/event"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/portfolio"
)

// CounterpartyOfferMatcher walks the opposite side of the depth ladder
// level by level, trading at each level's price. Quantity taken from a
// level is remembered until the next tick of the instrument, so orders
// matched later in the same tick see only what is left.
type CounterpartyOfferMatcher struct {
	*base
	// consumed[id][level]; asks are keyed 1..n, bids -1..-n.
	consumed map[string]map[int]int64
}

func (m *CounterpartyOfferMatcher) Update(e *event.Event) {
	if e.Type == event.Tick && e.Tick != nil {
		delete(m.turnover, e.Tick.OrderBookID)
		delete(m.consumed, e.Tick.OrderBookID)
	}
}

func (m *CounterpartyOfferMatcher) levels(id string) map[int]int64 {
	l, ok := m.consumed[id]
	if !ok {
		l = make(map[int]int64)
		m.consumed[id] = l
	}
	return l
}

func (m *CounterpartyOfferMatcher) Match(acc *portfolio.Account, o *model.Order, openAuction bool) error {
	t, ok := m.env.Prices.Tick(o.OrderBookID())
	if openAuction {
		volume := decimal.Zero
		if ok {
			volume = t.Volume
		}
		return m.matchOnce(acc, o, true, volume)
	}
	ins, err := m.env.Instrument(o.OrderBookID())
	if err != nil {
		o.MarkRejected(err.Error())
		return nil
	}
	if !ok || !model.IsValidPrice(t.Last) {
		o.MarkRejected(fmt.Sprintf("order %d of %s: no valid market price", o.ID(), ins.OrderBookID))
		return nil
	}

	prices, volumes, sign := t.AskPrices, t.AskVolumes, 1
	if o.Side() == model.SideSell {
		prices, volumes, sign = t.BidPrices, t.BidVolumes, -1
	}
	if len(prices) == 0 || !model.IsValidPrice(prices[0]) {
		m.blocked(o, fmt.Sprintf("order %d of %s: no counterparty liquidity", o.ID(), ins.OrderBookID))
		return nil
	}
	if v := m.check(o, ins, prices[0]); v != proceed {
		return nil
	}

	remaining := m.ladderCapacity(ins, volumes)
	lot := ins.Lot()
	consumed := m.levels(ins.OrderBookID)
	for i, price := range prices {
		if o.IsFinal() || remaining <= 0 || i >= len(volumes) || !model.IsValidPrice(price) {
			break
		}
		if o.Type() == model.OrderTypeLimit {
			if o.Side() == model.SideBuy && price.GreaterThan(o.Price()) {
				break
			}
			if o.Side() == model.SideSell && price.LessThan(o.Price()) {
				break
			}
		}
		key := sign * (i + 1)
		avail := min(volumes[i]-consumed[key], remaining)
		qty := min(o.UnfilledQuantity(), avail/lot*lot)
		if qty <= 0 {
			continue
		}
		if err := m.fill(acc, ins, o, price, qty); err != nil {
			return err
		}
		consumed[key] += qty
		remaining -= qty
	}
	finish(o)
	return nil
}

// ladderCapacity bounds what one tick can give: the participation share of
// the visible counterparty volume, less what was already taken.
func (m *CounterpartyOfferMatcher) ladderCapacity(ins *model.Instrument, volumes []int64) int64 {
	if !m.env.Options.VolumeLimit {
		return math.MaxInt64
	}
	var total int64
	for _, v := range volumes {
		total += v
	}
	return m.capacity(ins, decimal.NewFromInt(total))
}
