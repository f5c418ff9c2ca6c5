// Package cost computes transaction costs: commission and tax per trade,
// reservation estimates per order, and batch estimates for rebalancing.
package cost

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
)

// Decider prices the transaction cost of trades for one account type.
type Decider interface {
	// TradeCommission returns the commission charged for t. It may be
	// stateful across the trades of one order.
	TradeCommission(ins *model.Instrument, t *model.Trade) decimal.Decimal

	// TradeTax returns the tax charged for t.
	TradeTax(ins *model.Instrument, t *model.Trade) decimal.Decimal

	// OrderCost estimates the full transaction cost of o as if it filled
	// in one trade at its frozen price. Pure; used for cash reservation.
	OrderCost(ins *model.Instrument, o *model.Order) decimal.Decimal

	// Estimate sums the cost of a hypothetical batch of orders.
	Estimate(batch []Args) decimal.Decimal

	// Reset drops per-order state once no order can fill any more.
	Reset()
}

// Args describes one leg of a hypothetical batch.
type Args struct {
	Instrument *model.Instrument
	Side       model.Side
	Effect     model.PositionEffect
	Price      decimal.Decimal
	Quantity   int64 // unsigned
}

// minCommissionLedger implements the per-order residual minimum
// commission. The first trade of an order is charged at least the minimum;
// the part of the minimum not consumed by that trade's ad-valorem fee is
// kept as a credit that later trades of the same order draw down before
// they are charged anything. The sum over all trades of an order is
// max(total ad-valorem fee, minimum) however the order was split.
type minCommissionLedger struct {
	min    decimal.Decimal
	credit map[int64]decimal.Decimal
}

func newMinCommissionLedger(min decimal.Decimal) *minCommissionLedger {
	return &minCommissionLedger{min: min, credit: make(map[int64]decimal.Decimal)}
}

func (l *minCommissionLedger) charge(orderID int64, fee decimal.Decimal) decimal.Decimal {
	credit, seen := l.credit[orderID]
	if !seen {
		if fee.GreaterThan(l.min) {
			l.credit[orderID] = decimal.Zero
			return fee
		}
		l.credit[orderID] = l.min.Sub(fee)
		return l.min
	}
	if fee.GreaterThan(credit) {
		l.credit[orderID] = decimal.Zero
		return fee.Sub(credit)
	}
	l.credit[orderID] = credit.Sub(fee)
	return decimal.Zero
}

func (l *minCommissionLedger) reset() {
	l.credit = make(map[int64]decimal.Decimal)
}
