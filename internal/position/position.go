// Package position implements the per-instrument, per-direction open
// interest ledger: quantity bookkeeping, average price, PnL split and
// day-end settlement. Stock and future positions share one struct tagged
// by Kind; the variant is fixed at construction from the instrument type.
package position

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
)

var (
	// ErrInvariant means the accounting engine reached an impossible state
	// and the run must stop.
	ErrInvariant = errors.New("position: invariant violated")

	// ErrWrongInstrument is returned when a trade names an instrument other
	// than the position's.
	ErrWrongInstrument = errors.New("position: trade for another instrument")
)

// Kind tags the position variant.
type Kind int

const (
	KindStock Kind = iota
	KindFuture
)

func (k Kind) String() string {
	if k == KindFuture {
		return "FUTURE"
	}
	return "STOCK"
}

// KindOf resolves the variant for an instrument.
func KindOf(ins *model.Instrument) Kind {
	if ins.AccountType() == model.AccountFuture {
		return KindFuture
	}
	return KindStock
}

// Position is one side (LONG or SHORT) of one instrument.
type Position struct {
	kind       Kind
	instrument *model.Instrument
	direction  model.Direction
	marginRate decimal.Decimal // instrument rate × account margin multiplier

	oldQuantity        int64
	todayQuantity      int64
	logicalOldQuantity int64
	nonClosable        int64

	avgPrice        decimal.Decimal
	tradeCost       decimal.Decimal
	transactionCost decimal.Decimal
	prevClose       decimal.Decimal
	lastPrice       decimal.Decimal
}

// New creates an empty position. initPrice seeds both prev close and last
// price so a position opened today carries no overnight PnL.
func New(ins *model.Instrument, dir model.Direction, marginMultiplier, initPrice decimal.Decimal) *Position {
	p := &Position{
		kind:       KindOf(ins),
		instrument: ins,
		direction:  dir,
		prevClose:  initPrice,
		lastPrice:  initPrice,
	}
	if p.kind == KindFuture {
		p.marginRate = ins.MarginRate.Mul(marginMultiplier)
	} else {
		p.marginRate = decimal.NewFromInt(1)
	}
	return p
}

func (p *Position) Kind() Kind                       { return p.kind }
func (p *Position) Instrument() *model.Instrument    { return p.instrument }
func (p *Position) OrderBookID() string              { return p.instrument.OrderBookID }
func (p *Position) Direction() model.Direction       { return p.direction }
func (p *Position) OldQuantity() int64               { return p.oldQuantity }
func (p *Position) TodayQuantity() int64             { return p.todayQuantity }
func (p *Position) LogicalOldQuantity() int64        { return p.logicalOldQuantity }
func (p *Position) NonClosable() int64               { return p.nonClosable }
func (p *Position) AvgPrice() decimal.Decimal        { return p.avgPrice }
func (p *Position) TradeCost() decimal.Decimal       { return p.tradeCost }
func (p *Position) TransactionCost() decimal.Decimal { return p.transactionCost }
func (p *Position) PrevClose() decimal.Decimal       { return p.prevClose }
func (p *Position) LastPrice() decimal.Decimal       { return p.lastPrice }

// Quantity is old plus today.
func (p *Position) Quantity() int64 {
	return p.oldQuantity + p.todayQuantity
}

// UpdateLastPrice marks the position to price; invalid prices are ignored.
func (p *Position) UpdateLastPrice(price decimal.Decimal) {
	if model.IsValidPrice(price) {
		p.lastPrice = price
	}
}

func (p *Position) factor() decimal.Decimal {
	return decimal.NewFromInt(p.direction.Factor())
}

// ApplyTrade books a fill. CLOSE reduces old quantity first and spills into
// today; EXERCISE does the reverse; CLOSE_TODAY reduces today only.
func (p *Position) ApplyTrade(t *model.Trade) error {
	if t.OrderBookID != "" && t.OrderBookID != p.instrument.OrderBookID {
		return fmt.Errorf("%w: %s into %s", ErrWrongInstrument, t.OrderBookID, p.instrument.OrderBookID)
	}
	q := t.LastQuantity
	notional := t.Notional()
	p.transactionCost = p.transactionCost.Add(t.TransactionCost())

	switch t.PositionEffect {
	case model.EffectOpen:
		p.open(t.LastPrice, q)
	case model.EffectClose:
		if q > p.oldQuantity {
			p.todayQuantity -= q - p.oldQuantity
			p.oldQuantity = 0
		} else {
			p.oldQuantity -= q
		}
		p.tradeCost = p.tradeCost.Sub(notional)
	case model.EffectCloseToday:
		p.todayQuantity -= q
		p.tradeCost = p.tradeCost.Sub(notional)
	case model.EffectExercise:
		if q > p.todayQuantity {
			p.oldQuantity -= q - p.todayQuantity
			p.todayQuantity = 0
		} else {
			p.todayQuantity -= q
		}
		p.tradeCost = p.tradeCost.Sub(notional)
	case model.EffectMatch:
		// Paired booking: buys add to today, sells unwind like a close.
		if t.Side == model.SideBuy {
			p.todayQuantity += q
			p.tradeCost = p.tradeCost.Add(notional)
		} else {
			if q > p.oldQuantity {
				p.todayQuantity -= q - p.oldQuantity
				p.oldQuantity = 0
			} else {
				p.oldQuantity -= q
			}
			p.tradeCost = p.tradeCost.Sub(notional)
		}
	}
	if p.todayQuantity < 0 || p.oldQuantity < 0 {
		slog.Error("position went negative",
			"order_book_id", p.instrument.OrderBookID,
			"direction", p.direction,
			"old_quantity", p.oldQuantity,
			"today_quantity", p.todayQuantity,
			"exec_id", t.ExecID,
		)
		return fmt.Errorf("%w: %s %s old=%d today=%d after %s %d",
			ErrInvariant, p.instrument.OrderBookID, p.direction, p.oldQuantity, p.todayQuantity, t.PositionEffect, q)
	}
	if p.nonClosable > p.Quantity() {
		p.nonClosable = p.Quantity()
	}
	return nil
}

func (p *Position) open(price decimal.Decimal, q int64) {
	current := p.Quantity()
	switch {
	case current < 0:
		if q <= -current {
			p.avgPrice = decimal.Zero
		} else {
			p.avgPrice = price
		}
	case current+q > 0:
		total := p.avgPrice.Mul(decimal.NewFromInt(current)).Add(price.Mul(decimal.NewFromInt(q)))
		p.avgPrice = total.Div(decimal.NewFromInt(current + q))
	}
	p.todayQuantity += q
	p.tradeCost = p.tradeCost.Add(price.Mul(decimal.NewFromInt(q)))
	if p.instrument.MarketTPlus >= 1 {
		p.nonClosable += q
	}
}

// MarketValue is quantity × last × multiplier, signed by direction.
func (p *Position) MarketValue() decimal.Decimal {
	return p.lastPrice.Mul(decimal.NewFromInt(p.Quantity())).Mul(p.instrument.Multiplier()).Mul(p.factor())
}

// Margin is the cash the position occupies. Stocks occupy their full
// market value.
func (p *Position) Margin() decimal.Decimal {
	return p.lastPrice.Mul(decimal.NewFromInt(p.Quantity())).Mul(p.instrument.Multiplier()).Mul(p.marginRate)
}

// TradingPnL is today's PnL from intraday fills, marked to last.
func (p *Position) TradingPnL() decimal.Decimal {
	tradeQuantity := p.todayQuantity + p.oldQuantity - p.logicalOldQuantity
	return p.instrument.Multiplier().
		Mul(decimal.NewFromInt(tradeQuantity).Mul(p.lastPrice).Sub(p.tradeCost)).
		Mul(p.factor())
}

// PositionPnL is the overnight PnL of the quantity carried into the session.
func (p *Position) PositionPnL() decimal.Decimal {
	return decimal.NewFromInt(p.logicalOldQuantity).
		Mul(p.instrument.Multiplier()).
		Mul(p.lastPrice.Sub(p.prevClose)).
		Mul(p.factor())
}

// DailyPnL nets both PnL parts against today's transaction cost.
func (p *Position) DailyPnL() decimal.Decimal {
	return p.TradingPnL().Add(p.PositionPnL()).Sub(p.transactionCost)
}

// Equity is market value for stocks and floating PnL for futures.
func (p *Position) Equity() decimal.Decimal {
	if p.kind == KindFuture {
		return p.TradingPnL().Add(p.PositionPnL())
	}
	return p.MarketValue()
}

// Closable is what can still be closed: quantity minus working close
// orders minus T+N-locked lots.
func (p *Position) Closable(openCloseQuantity int64) int64 {
	return max(p.Quantity()-openCloseQuantity-p.nonClosable, 0)
}

// TodayClosable is today's quantity minus working close-today orders.
func (p *Position) TodayClosable(openCloseTodayQuantity int64) int64 {
	return max(p.todayQuantity-openCloseTodayQuantity-p.nonClosable, 0)
}

// Settlement rolls the position into the next session.
func (p *Position) Settlement() {
	p.oldQuantity += p.todayQuantity
	p.logicalOldQuantity = p.oldQuantity
	p.todayQuantity = 0
	p.tradeCost = decimal.Zero
	p.transactionCost = decimal.Zero
	p.nonClosable = 0
	p.prevClose = p.lastPrice
}

// Delisted reports whether the instrument is gone by the given date.
func (p *Position) Delisted(date time.Time) bool {
	return p.instrument.DelistedBy(date)
}

// State is the serialized form of a position.
type State struct {
	OldQuantity        int64           `json:"old_quantity"`
	TodayQuantity      int64           `json:"today_quantity"`
	LogicalOldQuantity int64           `json:"logical_old_quantity"`
	NonClosable        int64           `json:"non_closable"`
	AvgPrice           decimal.Decimal `json:"avg_price"`
	TradeCost          decimal.Decimal `json:"trade_cost"`
	TransactionCost    decimal.Decimal `json:"transaction_cost"`
	PrevClose          decimal.Decimal `json:"prev_close"`
	LastPrice          decimal.Decimal `json:"last_price"`
}

func (p *Position) State() State {
	return State{
		OldQuantity:        p.oldQuantity,
		TodayQuantity:      p.todayQuantity,
		LogicalOldQuantity: p.logicalOldQuantity,
		NonClosable:        p.nonClosable,
		AvgPrice:           p.avgPrice,
		TradeCost:          p.tradeCost,
		TransactionCost:    p.transactionCost,
		PrevClose:          p.prevClose,
		LastPrice:          p.lastPrice,
	}
}

// SetState restores a serialized position.
func (p *Position) SetState(s State) error {
	if s.OldQuantity < 0 || s.TodayQuantity < 0 {
		return fmt.Errorf("%w: restored %s with old=%d today=%d", ErrInvariant, p.instrument.OrderBookID, s.OldQuantity, s.TodayQuantity)
	}
	p.oldQuantity = s.OldQuantity
	p.todayQuantity = s.TodayQuantity
	p.logicalOldQuantity = s.LogicalOldQuantity
	p.nonClosable = s.NonClosable
	p.avgPrice = s.AvgPrice
	p.tradeCost = s.TradeCost
	p.transactionCost = s.TransactionCost
	p.prevClose = s.PrevClose
	p.lastPrice = s.LastPrice
	return nil
}
