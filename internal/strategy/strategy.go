// Package strategy exposes the order-creation helpers a strategy calls:
// share, lot, value and percent orders for stocks, the four futures
// open/close helpers, target-portfolio rebalancing and cancellation. The
// helpers validate their arguments and hand orders to the broker; what
// happens to an order afterwards is reported on the order itself.
package strategy

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/broker"
	"github.com/atmx/backtest-engine/internal/env"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/portfolio"
	"github.com/atmx/backtest-engine/internal/rebalance"
)

var (
	// ErrInvalidQuantity is returned for zero quantities, including ones
	// that round to zero lots.
	ErrInvalidQuantity = errors.New("strategy: invalid order quantity")

	// ErrInvalidPrice is returned for non-positive limit prices.
	ErrInvalidPrice = errors.New("strategy: invalid limit price")

	// ErrWrongAccount is returned when a stock helper is used on a future
	// or the other way round.
	ErrWrongAccount = errors.New("strategy: helper does not apply to this instrument")

	// ErrNoPrice is returned by value-based helpers when the instrument
	// has no price to size the order with.
	ErrNoPrice = errors.New("strategy: no price to size the order")
)

// Style selects MARKET or LIMIT execution.
type Style struct {
	Type  model.OrderType
	Limit decimal.Decimal
}

// Market is the MARKET style.
func Market() Style { return Style{Type: model.OrderTypeMarket} }

// Limit is the LIMIT style at price.
func Limit(price decimal.Decimal) Style { return Style{Type: model.OrderTypeLimit, Limit: price} }

func (s Style) validate() error {
	if s.Type == model.OrderTypeLimit && !s.Limit.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidPrice, s.Limit)
	}
	return nil
}

// API is the strategy-facing order surface over one engine.
type API struct {
	env       *env.Env
	portfolio *portfolio.Portfolio
	broker    *broker.Broker
}

func New(e *env.Env, p *portfolio.Portfolio, b *broker.Broker) *API {
	return &API{env: e, portfolio: p, broker: b}
}

// Submit creates an order and hands it to the broker. MARKET orders
// reserve cash at the last price.
func (a *API) Submit(orderBookID string, quantity int64, side model.Side, effect model.PositionEffect, style Style) (*model.Order, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}
	if err := style.validate(); err != nil {
		return nil, err
	}
	if _, err := a.env.Instrument(orderBookID); err != nil {
		return nil, err
	}
	o := model.NewOrder(a.env.NextOrderID(), orderBookID, quantity, side, style.Type, effect,
		style.Limit, a.env.CalendarDT(), a.env.TradingDT())
	if style.Type == model.OrderTypeMarket {
		o.SetFrozenPrice(a.env.LastPrice(orderBookID))
	}
	if err := a.broker.Submit(o); err != nil {
		return nil, err
	}
	return o, nil
}

func (a *API) stock(orderBookID string) (*model.Instrument, error) {
	ins, err := a.env.Instrument(orderBookID)
	if err != nil {
		return nil, err
	}
	if ins.AccountType() != model.AccountStock {
		return nil, fmt.Errorf("%w: %s is not a stock", ErrWrongAccount, orderBookID)
	}
	return ins, nil
}

func (a *API) future(orderBookID string) (*model.Instrument, error) {
	ins, err := a.env.Instrument(orderBookID)
	if err != nil {
		return nil, err
	}
	if ins.AccountType() != model.AccountFuture {
		return nil, fmt.Errorf("%w: %s is not a future", ErrWrongAccount, orderBookID)
	}
	return ins, nil
}

func (a *API) held(orderBookID string) int64 {
	acc, ok := a.portfolio.Account(model.AccountStock)
	if !ok {
		return 0
	}
	return acc.Quantity(orderBookID, model.DirectionLong)
}

// OrderShares buys (amount > 0) or sells (amount < 0) a number of shares,
// truncated toward zero to whole round lots. Selling the whole holding
// keeps an odd-lot remainder.
func (a *API) OrderShares(orderBookID string, amount int64, style Style) (*model.Order, error) {
	ins, err := a.stock(orderBookID)
	if err != nil {
		return nil, err
	}
	side, effect, qty := model.SideBuy, model.EffectOpen, amount
	if amount < 0 {
		side, effect, qty = model.SideSell, model.EffectClose, -amount
	}
	if !(side == model.SideSell && qty == a.held(orderBookID)) {
		qty = qty / ins.Lot() * ins.Lot()
	}
	if qty == 0 {
		slog.Warn("order rounds to zero lots", "order_book_id", orderBookID, "amount", amount, "round_lot", ins.Lot())
		return nil, fmt.Errorf("%w: %d of %s is less than one lot of %d", ErrInvalidQuantity, amount, orderBookID, ins.Lot())
	}
	return a.Submit(orderBookID, qty, side, effect, style)
}

// OrderLots orders a number of round lots.
func (a *API) OrderLots(orderBookID string, lots int64, style Style) (*model.Order, error) {
	ins, err := a.stock(orderBookID)
	if err != nil {
		return nil, err
	}
	return a.OrderShares(orderBookID, lots*ins.Lot(), style)
}

// sizingPrice is the limit for LIMIT orders and the last price otherwise.
func (a *API) sizingPrice(orderBookID string, style Style) (decimal.Decimal, error) {
	price := style.Limit
	if style.Type != model.OrderTypeLimit {
		price = a.env.LastPrice(orderBookID)
	}
	if !model.IsValidPrice(price) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, orderBookID)
	}
	return price, nil
}

// OrderValue orders shares worth cashAmount; negative values sell.
func (a *API) OrderValue(orderBookID string, cashAmount decimal.Decimal, style Style) (*model.Order, error) {
	ins, err := a.stock(orderBookID)
	if err != nil {
		return nil, err
	}
	price, err := a.sizingPrice(orderBookID, style)
	if err != nil {
		return nil, err
	}
	shares := cashAmount.Div(price.Mul(ins.Multiplier())).Truncate(0).IntPart()
	return a.OrderShares(orderBookID, shares, style)
}

// OrderPercent orders a percentage of total portfolio value.
func (a *API) OrderPercent(orderBookID string, percent float64, style Style) (*model.Order, error) {
	value := a.portfolio.TotalValue().Mul(decimal.NewFromFloat(percent))
	return a.OrderValue(orderBookID, value, style)
}

// OrderTargetValue trades the difference between the current market value
// of the holding and target.
func (a *API) OrderTargetValue(orderBookID string, target decimal.Decimal, style Style) (*model.Order, error) {
	ins, err := a.stock(orderBookID)
	if err != nil {
		return nil, err
	}
	if target.IsZero() {
		if q := a.held(orderBookID); q > 0 {
			return a.OrderShares(orderBookID, -q, style)
		}
		return nil, fmt.Errorf("%w: nothing held in %s", ErrInvalidQuantity, orderBookID)
	}
	price, err := a.sizingPrice(orderBookID, style)
	if err != nil {
		return nil, err
	}
	current := price.Mul(decimal.NewFromInt(a.held(orderBookID))).Mul(ins.Multiplier())
	return a.OrderValue(orderBookID, target.Sub(current), style)
}

// OrderTargetPercent moves the holding to percent of total value.
func (a *API) OrderTargetPercent(orderBookID string, percent float64, style Style) (*model.Order, error) {
	target := a.portfolio.TotalValue().Mul(decimal.NewFromFloat(percent))
	return a.OrderTargetValue(orderBookID, target, style)
}

// OrderTargetPortfolio rebalances the stock account toward weights. Sells
// are submitted before buys so freed cash is available. With valuation
// prices the orders are LIMIT orders at those prices.
func (a *API) OrderTargetPortfolio(weights map[string]float64, prices map[string]decimal.Decimal) ([]*model.Order, error) {
	acc, ok := a.portfolio.Account(model.AccountStock)
	if !ok {
		return nil, fmt.Errorf("%w: no stock account", portfolio.ErrNoAccount)
	}
	plan, err := rebalance.New(a.env, acc).Plan(weights, prices)
	if err != nil {
		return nil, err
	}
	var orders []*model.Order
	for _, sells := range []bool{true, false} {
		for _, id := range sortedKeys(plan.Adjustments) {
			q := plan.Adjustments[id]
			if (q < 0) != sells {
				continue
			}
			style := Market()
			if p, ok := prices[id]; ok {
				style = Limit(p)
			}
			side, effect := model.SideBuy, model.EffectOpen
			if sells {
				side, effect, q = model.SideSell, model.EffectClose, -q
			}
			o, err := a.Submit(id, q, side, effect, style)
			if err != nil {
				return orders, err
			}
			orders = append(orders, o)
		}
	}
	return orders, nil
}

// BuyOpen opens or adds to a long futures position.
func (a *API) BuyOpen(orderBookID string, quantity int64, style Style) (*model.Order, error) {
	if _, err := a.future(orderBookID); err != nil {
		return nil, err
	}
	return a.Submit(orderBookID, quantity, model.SideBuy, model.EffectOpen, style)
}

// SellOpen opens or adds to a short futures position.
func (a *API) SellOpen(orderBookID string, quantity int64, style Style) (*model.Order, error) {
	if _, err := a.future(orderBookID); err != nil {
		return nil, err
	}
	return a.Submit(orderBookID, quantity, model.SideSell, model.EffectOpen, style)
}

// BuyClose closes a short futures position; closeToday restricts it to
// today's lots.
func (a *API) BuyClose(orderBookID string, quantity int64, closeToday bool, style Style) (*model.Order, error) {
	if _, err := a.future(orderBookID); err != nil {
		return nil, err
	}
	return a.Submit(orderBookID, quantity, model.SideBuy, closeEffect(closeToday), style)
}

// SellClose closes a long futures position.
func (a *API) SellClose(orderBookID string, quantity int64, closeToday bool, style Style) (*model.Order, error) {
	if _, err := a.future(orderBookID); err != nil {
		return nil, err
	}
	return a.Submit(orderBookID, quantity, model.SideSell, closeEffect(closeToday), style)
}

// Exercise settles quantity of a long position at the session's last
// price just before settlement.
func (a *API) Exercise(orderBookID string, quantity int64) (*model.Order, error) {
	return a.Submit(orderBookID, quantity, model.SideSell, model.EffectExercise, Market())
}

// Cancel cancels an open order.
func (a *API) Cancel(o *model.Order) error {
	return a.broker.Cancel(o)
}

// OpenOrders lists the working orders.
func (a *API) OpenOrders() []*model.Order {
	return a.env.AllOpenOrders()
}

func closeEffect(today bool) model.PositionEffect {
	if today {
		return model.EffectCloseToday
	}
	return model.EffectClose
}

func sortedKeys(m map[string]int64) []string {
	return slices.Sorted(maps.Keys(m))
}
