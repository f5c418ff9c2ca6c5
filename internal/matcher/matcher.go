// Package matcher turns open orders into trades against the current bar or
// tick. Every matcher applies the same checks in the same order: a missing
// price rejects, a LIMIT price on the wrong side waits, the price band
// blocks, tick liquidity blocks, and finally the volume participation cap
// bounds the fill.
package matcher

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/env"
	"github.com/atmx/backtest-engine/internal/event"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/portfolio"
	"github.com/atmx/backtest-engine/internal/slippage"
)

// Matcher matches orders of one account against market data held in env.
type Matcher interface {
	// Update resets per-step state when a BAR or TICK event arrives.
	Update(e *event.Event)
	// Match attempts to fill o once. Rejections and cancellations are
	// recorded on the order; a returned error means the run is broken.
	Match(acc *portfolio.Account, o *model.Order, openAuction bool) error
	// Immediate reports whether orders match on submission.
	Immediate() bool
}

// New builds the matcher for a matching type.
func New(e *env.Env, t Type, slip slippage.Decider) Matcher {
	if slip == nil {
		slip = slippage.None{}
	}
	b := newBase(e, t, slip)
	switch {
	case t == CounterpartyOffer:
		return &CounterpartyOfferMatcher{base: b, consumed: make(map[string]map[int]int64)}
	case t.IsTick():
		return &TickMatcher{base: b}
	default:
		return &BarMatcher{base: b}
	}
}

// base carries what every matcher shares: deal price, slippage and the
// quantity already filled per instrument in the current step.
type base struct {
	env      *env.Env
	typ      Type
	price    dealPriceFunc
	slippage slippage.Decider
	turnover map[string]int64
}

func newBase(e *env.Env, t Type, slip slippage.Decider) *base {
	return &base{
		env:      e,
		typ:      t,
		price:    dealPrice(t),
		slippage: slip,
		turnover: make(map[string]int64),
	}
}

func (b *base) Immediate() bool { return b.typ.Immediate() }

// Turnover is the quantity already filled for orderBookID in this step.
func (b *base) Turnover(orderBookID string) int64 { return b.turnover[orderBookID] }

// outcome of the checks that precede the fill.
type verdict int

const (
	proceed verdict = iota
	wait
	stop
)

// check applies the price, band and liquidity checks in order. Orders that
// cannot trade this step are either left alone (wait) or finalized (stop).
func (b *base) check(o *model.Order, ins *model.Instrument, deal decimal.Decimal) verdict {
	id := ins.OrderBookID
	if !model.IsValidPrice(deal) || b.env.Prices.Suspended(id) {
		o.MarkRejected(fmt.Sprintf("order %d of %s: no valid market price", o.ID(), id))
		return stop
	}
	if o.Type() == model.OrderTypeLimit {
		if o.Side() == model.SideBuy && o.Price().LessThan(deal) {
			return wait
		}
		if o.Side() == model.SideSell && o.Price().GreaterThan(deal) {
			return wait
		}
	}
	if b.env.Options.PriceLimit {
		up, down := b.env.Prices.Limits(id)
		if o.Side() == model.SideBuy && up.IsPositive() && deal.GreaterThanOrEqual(up) {
			return b.blocked(o, fmt.Sprintf("order %d of %s: price reached limit up %s, cannot buy", o.ID(), id, up))
		}
		if o.Side() == model.SideSell && down.IsPositive() && deal.LessThanOrEqual(down) {
			return b.blocked(o, fmt.Sprintf("order %d of %s: price reached limit down %s, cannot sell", o.ID(), id, down))
		}
	}
	if b.env.Options.LiquidityLimit && b.typ.IsTick() {
		if t, ok := b.env.Prices.Tick(id); ok {
			quote := t.BestAsk()
			if o.Side() == model.SideSell {
				quote = t.BestBid()
			}
			if !quote.IsPositive() {
				return b.blocked(o, fmt.Sprintf("order %d of %s: no counterparty liquidity", o.ID(), id))
			}
		}
	}
	return proceed
}

// blocked rejects MARKET orders and lets LIMIT orders wait.
func (b *base) blocked(o *model.Order, reason string) verdict {
	if o.Type() == model.OrderTypeMarket {
		o.MarkRejected(reason)
		return stop
	}
	return wait
}

// capacity is the lot-floored participation cap of this step less what
// orders of ins already filled in it. It is unbounded when the volume
// limit is off.
func (b *base) capacity(ins *model.Instrument, volume decimal.Decimal) int64 {
	if !b.env.Options.VolumeLimit {
		return math.MaxInt64
	}
	limit := volume.Mul(decimal.NewFromFloat(b.env.Options.VolumePercent)).RoundBank(0).IntPart()
	lot := ins.Lot()
	return limit/lot*lot - b.turnover[ins.OrderBookID]
}

func (b *base) band(id string) slippage.Band {
	up, down := b.env.Prices.Limits(id)
	return slippage.Band{Up: up, Down: down}
}

// closeTodayAmount is how much of a fill of qty closes lots opened today:
// everything for CLOSE_TODAY, the part beyond the old quantity for CLOSE.
func closeTodayAmount(acc *portfolio.Account, o *model.Order, qty int64) int64 {
	switch o.PositionEffect() {
	case model.EffectCloseToday:
		return qty
	case model.EffectClose:
		var old int64
		if acc != nil {
			if p, ok := acc.Position(o.OrderBookID(), o.PositionDirection()); ok {
				old = p.OldQuantity()
			}
		}
		return max(qty-old, 0)
	default:
		return 0
	}
}

// fill books one trade of qty at price against o and publishes it.
func (b *base) fill(acc *portfolio.Account, ins *model.Instrument, o *model.Order, price decimal.Decimal, qty int64) error {
	t := &model.Trade{
		ExecID:           uuid.NewString(),
		OrderID:          o.ID(),
		OrderBookID:      o.OrderBookID(),
		Side:             o.Side(),
		PositionEffect:   o.PositionEffect(),
		LastPrice:        price,
		LastQuantity:     qty,
		CloseTodayAmount: closeTodayAmount(acc, o, qty),
		FrozenPrice:      o.FrozenPrice(),
		Datetime:         b.env.CalendarDT(),
		TradingDatetime:  b.env.TradingDT(),
	}
	d, err := b.env.CostDecider(ins)
	if err != nil {
		return err
	}
	t.Commission = d.TradeCommission(ins, t)
	t.Tax = d.TradeTax(ins, t)
	if err := o.Fill(t); err != nil {
		return err
	}
	b.turnover[ins.OrderBookID] += qty
	slog.Info("trade",
		"exec_id", t.ExecID,
		"order_id", o.ID(),
		"order_book_id", t.OrderBookID,
		"side", t.Side,
		"price", price.String(),
		"quantity", qty,
		"commission", t.Commission.StringFixed(2),
	)
	return b.env.Publish(&event.Event{
		Type:        event.Trade,
		Trade:       t,
		Order:       o,
		AccountType: ins.AccountType(),
	})
}

// finish cancels the residual of a MARKET order that could not complete.
func finish(o *model.Order) {
	if o.Type() == model.OrderTypeMarket && !o.IsFinal() && o.UnfilledQuantity() > 0 {
		o.MarkCancelled(fmt.Sprintf(
			"order %d of %s: could not find enough liquidity, %d of %d unfilled",
			o.ID(), o.OrderBookID(), o.UnfilledQuantity(), o.Quantity()))
	}
}

// matchOnce is the shared single-fill path of the bar and tick matchers.
func (b *base) matchOnce(acc *portfolio.Account, o *model.Order, openAuction bool, volume decimal.Decimal) error {
	ins, err := b.env.Instrument(o.OrderBookID())
	if err != nil {
		o.MarkRejected(err.Error())
		return nil
	}
	priceOf := b.price
	if openAuction {
		priceOf = openAuctionPrice
	}
	deal := priceOf(b.env, ins, o.Side())
	if v := b.check(o, ins, deal); v != proceed {
		return nil
	}
	qty := o.UnfilledQuantity()
	if c := b.capacity(ins, volume); c < qty {
		qty = c
	}
	if qty <= 0 {
		if o.Type() == model.OrderTypeMarket {
			o.MarkCancelled(fmt.Sprintf("order %d of %s: volume limit reached, %d unfilled",
				o.ID(), ins.OrderBookID, o.UnfilledQuantity()))
		}
		return nil
	}
	price := deal
	if !openAuction {
		price = b.slippage.Apply(o, ins, deal, b.band(ins.OrderBookID))
	}
	if err := b.fill(acc, ins, o, price, qty); err != nil {
		return err
	}
	finish(o)
	return nil
}
