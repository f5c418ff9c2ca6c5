// Package portfolio aggregates positions into accounts and accounts into a
// portfolio. Accounts follow the order lifecycle through the event bus:
// they reserve cash on ORDER_PENDING_NEW, release it on fills and final
// updates, book trades into positions and settle at day end.
package portfolio

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/env"
	"github.com/atmx/backtest-engine/internal/event"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/position"
)

var ErrNoAccount = errors.New("portfolio: no account for instrument")

type positionKey struct {
	orderBookID string
	direction   model.Direction
}

// Account owns every position of one asset class.
type Account struct {
	env *env.Env
	typ model.AccountType

	// positions is an arena; index maps (id, direction) to a slot.
	positions []*position.Position
	index     map[positionKey]int

	frozenOrders       map[int64]decimal.Decimal
	staticTotalValue   decimal.Decimal
	backwardTrades     map[string]struct{}
	forcedLiquidations int
}

// NewAccount creates an account holding startingCash.
func NewAccount(e *env.Env, typ model.AccountType, startingCash decimal.Decimal) *Account {
	return &Account{
		env:              e,
		typ:              typ,
		index:            make(map[positionKey]int),
		frozenOrders:     make(map[int64]decimal.Decimal),
		staticTotalValue: startingCash,
		backwardTrades:   make(map[string]struct{}),
	}
}

func (a *Account) Type() model.AccountType { return a.typ }

// StaticTotalValue is equity as of the last settlement.
func (a *Account) StaticTotalValue() decimal.Decimal { return a.staticTotalValue }

// ForcedLiquidations counts settlements that wiped the account.
func (a *Account) ForcedLiquidations() int { return a.forcedLiquidations }

func (a *Account) register() {
	a.env.Bus.Subscribe(event.OrderPendingNew, a.onOrderPendingNew)
	a.env.Bus.Subscribe(event.OrderCreationReject, a.onOrderFinal)
	a.env.Bus.Subscribe(event.OrderCancellationPass, a.onOrderFinal)
	a.env.Bus.Subscribe(event.OrderUnsolicitedUpdate, a.onOrderFinal)
	a.env.Bus.Subscribe(event.Trade, a.onTrade)
	a.env.Bus.Subscribe(event.PreBeforeTrading, a.onPrice)
	a.env.Bus.Subscribe(event.PreBar, a.onPrice)
	a.env.Bus.Subscribe(event.PreTick, a.onPrice)
	a.env.Bus.Subscribe(event.Settlement, a.onSettlement)
}

func (a *Account) owns(orderBookID string) (*model.Instrument, bool) {
	ins, err := a.env.Instrument(orderBookID)
	if err != nil || ins.AccountType() != a.typ {
		return nil, false
	}
	return ins, true
}

func (a *Account) onOrderPendingNew(e *event.Event) error {
	o := e.Order
	if o == nil || o.IsFinal() {
		return nil
	}
	if _, ok := a.owns(o.OrderBookID()); !ok {
		return nil
	}
	frozen, err := a.FrozenCashOf(o)
	if err != nil {
		return err
	}
	a.frozenOrders[o.ID()] = frozen
	o.SetInitFrozenCash(frozen)
	return nil
}

func (a *Account) onOrderFinal(e *event.Event) error {
	if o := e.Order; o != nil && o.IsFinal() {
		delete(a.frozenOrders, o.ID())
	}
	return nil
}

func (a *Account) onTrade(e *event.Event) error {
	t := e.Trade
	if t == nil {
		return nil
	}
	ins, ok := a.owns(t.OrderBookID)
	if !ok {
		return nil
	}
	return a.ApplyTrade(ins, t, e.Order)
}

// ApplyTrade books t into its position and releases the pro-rata share of
// the order's reservation. o is the order after the fill; it may be nil
// when replaying a ledger. Trades already applied are skipped.
func (a *Account) ApplyTrade(ins *model.Instrument, t *model.Trade, o *model.Order) error {
	if _, dup := a.backwardTrades[t.ExecID]; dup && t.ExecID != "" {
		slog.Warn("trade already applied", "exec_id", t.ExecID, "order_id", t.OrderID)
		return nil
	}
	if frozen, ok := a.frozenOrders[t.OrderID]; ok {
		if o == nil || o.UnfilledQuantity() == 0 || o.IsFinal() {
			delete(a.frozenOrders, t.OrderID)
		} else {
			unfilledBefore := decimal.NewFromInt(o.UnfilledQuantity() + t.LastQuantity)
			release := frozen.Mul(decimal.NewFromInt(t.LastQuantity)).Div(unfilledBefore)
			a.frozenOrders[t.OrderID] = frozen.Sub(release)
		}
	}
	p := a.positionFor(ins, t.PositionDirection(), t.LastPrice)
	if err := p.ApplyTrade(t); err != nil {
		return fmt.Errorf("apply trade %s: %w", t.ExecID, err)
	}
	p.UpdateLastPrice(a.env.LastPrice(ins.OrderBookID))
	if t.ExecID != "" {
		a.backwardTrades[t.ExecID] = struct{}{}
	}
	return nil
}

func (a *Account) onPrice(*event.Event) error {
	a.refreshPrices()
	return nil
}

func (a *Account) refreshPrices() {
	for _, p := range a.positions {
		p.UpdateLastPrice(a.env.LastPrice(p.OrderBookID()))
	}
}

func (a *Account) onSettlement(*event.Event) error {
	next := a.env.TradingDate().AddDate(0, 0, 1)
	if a.env.Data != nil {
		next = a.env.Data.NextTradingDate(a.env.TradingDate(), 1)
	}
	a.Settle(next)
	return nil
}

// Settle folds today's PnL into static equity and rolls every position to
// the next session. Empty and delisted positions are dropped. With forced
// liquidation enabled an account whose equity is gone is wiped.
func (a *Account) Settle(nextTradingDate time.Time) {
	a.refreshPrices()
	a.staticTotalValue = a.TotalValue()

	kept := make([]*position.Position, 0, len(a.positions))
	for _, p := range a.positions {
		p.Settlement()
		if p.Delisted(nextTradingDate) {
			slog.Info("position delisted",
				"order_book_id", p.OrderBookID(),
				"direction", p.Direction(),
				"quantity", p.Quantity(),
				"last_price", p.LastPrice(),
			)
			continue
		}
		if p.Quantity() == 0 {
			continue
		}
		kept = append(kept, p)
	}
	a.rebuild(kept)

	open := make(map[int64]struct{})
	for _, o := range a.env.AllOpenOrders() {
		open[o.ID()] = struct{}{}
	}
	for id := range a.frozenOrders {
		if _, ok := open[id]; !ok {
			delete(a.frozenOrders, id)
		}
	}

	if a.env.Options.ForcedLiquidation && !a.staticTotalValue.IsPositive() &&
		(len(a.positions) > 0 || a.staticTotalValue.IsNegative()) {
		slog.Warn("forced liquidation",
			"account", a.typ,
			"static_total_value", a.staticTotalValue,
			"positions", len(a.positions),
		)
		a.rebuild(nil)
		a.staticTotalValue = decimal.Zero
		a.forcedLiquidations++
	}
}

func (a *Account) rebuild(positions []*position.Position) {
	a.positions = positions
	a.index = make(map[positionKey]int, len(positions))
	for i, p := range positions {
		a.index[positionKey{p.OrderBookID(), p.Direction()}] = i
	}
}

func (a *Account) positionFor(ins *model.Instrument, dir model.Direction, fallback decimal.Decimal) *position.Position {
	key := positionKey{ins.OrderBookID, dir}
	if i, ok := a.index[key]; ok {
		return a.positions[i]
	}
	price := a.env.LastPrice(ins.OrderBookID)
	if !model.IsValidPrice(price) {
		price = fallback
	}
	p := position.New(ins, dir, a.env.Options.MarginMultiplier, price)
	a.index[key] = len(a.positions)
	a.positions = append(a.positions, p)
	return p
}

// Position returns the position of (orderBookID, dir) if it exists.
func (a *Account) Position(orderBookID string, dir model.Direction) (*position.Position, bool) {
	i, ok := a.index[positionKey{orderBookID, dir}]
	if !ok {
		return nil, false
	}
	return a.positions[i], true
}

// Positions returns every position in creation order.
func (a *Account) Positions() []*position.Position {
	return a.positions
}

// Quantity returns the position quantity of (orderBookID, dir), 0 if none.
func (a *Account) Quantity(orderBookID string, dir model.Direction) int64 {
	if p, ok := a.Position(orderBookID, dir); ok {
		return p.Quantity()
	}
	return 0
}

// Closable is the quantity that a new close order may still take.
func (a *Account) Closable(orderBookID string, dir model.Direction) int64 {
	p, ok := a.Position(orderBookID, dir)
	if !ok {
		return 0
	}
	var working int64
	for _, o := range a.env.OpenOrders(orderBookID) {
		if o.PositionEffect().IsClose() && o.PositionDirection() == dir {
			working += o.UnfilledQuantity()
		}
	}
	return p.Closable(working)
}

// TodayClosable is the part of today's quantity a CLOSE_TODAY may take.
func (a *Account) TodayClosable(orderBookID string, dir model.Direction) int64 {
	p, ok := a.Position(orderBookID, dir)
	if !ok {
		return 0
	}
	var working int64
	for _, o := range a.env.OpenOrders(orderBookID) {
		if o.PositionEffect() == model.EffectCloseToday && o.PositionDirection() == dir {
			working += o.UnfilledQuantity()
		}
	}
	return p.TodayClosable(working)
}

// FrozenCashOf is the reservation an order needs: the cash or margin an
// OPEN would occupy plus its estimated transaction cost.
func (a *Account) FrozenCashOf(o *model.Order) (decimal.Decimal, error) {
	ins, err := a.env.Instrument(o.OrderBookID())
	if err != nil {
		return decimal.Zero, err
	}
	occupation := decimal.Zero
	if o.PositionEffect() == model.EffectOpen {
		occupation = ins.CashOccupation(o.FrozenPrice(), o.UnfilledQuantity(), a.env.Options.MarginMultiplier)
	}
	d, err := a.env.CostDecider(ins)
	if err != nil {
		return decimal.Zero, err
	}
	return occupation.Add(d.OrderCost(ins, o)), nil
}

// FrozenCash is the sum of every order reservation.
func (a *Account) FrozenCash() decimal.Decimal {
	total := decimal.Zero
	for _, v := range a.frozenOrders {
		total = total.Add(v)
	}
	return total
}

func (a *Account) sum(f func(*position.Position) decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, p := range a.positions {
		total = total.Add(f(p))
	}
	return total
}

func (a *Account) TradingPnL() decimal.Decimal {
	return a.sum((*position.Position).TradingPnL)
}

func (a *Account) PositionPnL() decimal.Decimal {
	return a.sum((*position.Position).PositionPnL)
}

func (a *Account) TransactionCost() decimal.Decimal {
	return a.sum((*position.Position).TransactionCost)
}

// DailyPnL is trading plus position PnL net of today's transaction cost.
func (a *Account) DailyPnL() decimal.Decimal {
	return a.sum((*position.Position).DailyPnL)
}

func (a *Account) MarketValue() decimal.Decimal {
	return a.sum((*position.Position).MarketValue)
}

func (a *Account) Margin() decimal.Decimal {
	return a.sum((*position.Position).Margin)
}

func (a *Account) Equity() decimal.Decimal {
	return a.sum((*position.Position).Equity)
}

// TotalValue is static equity plus today's PnL.
func (a *Account) TotalValue() decimal.Decimal {
	return a.staticTotalValue.Add(a.DailyPnL())
}

// TotalCash is total value not tied up as margin.
func (a *Account) TotalCash() decimal.Decimal {
	return a.TotalValue().Sub(a.Margin())
}

// Cash is what new orders can still use.
func (a *Account) Cash() decimal.Decimal {
	return a.TotalCash().Sub(a.FrozenCash())
}

// Deposit moves cash into (or, negative, out of) the account.
func (a *Account) Deposit(amount decimal.Decimal) {
	a.staticTotalValue = a.staticTotalValue.Add(amount)
}

// AccountState is the persisted form of an account.
type AccountState struct {
	Positions        map[string]map[model.Direction]position.State `json:"positions"`
	FrozenCash       decimal.Decimal                               `json:"frozen_cash"`
	FrozenOrders     map[int64]decimal.Decimal                     `json:"frozen_orders"`
	StaticTotalValue decimal.Decimal                               `json:"static_total_value"`
	BackwardTradeSet []string                                      `json:"backward_trade_set"`
}

// State captures the account for a snapshot.
func (a *Account) State() AccountState {
	s := AccountState{
		Positions:        make(map[string]map[model.Direction]position.State),
		FrozenCash:       a.FrozenCash(),
		FrozenOrders:     make(map[int64]decimal.Decimal, len(a.frozenOrders)),
		StaticTotalValue: a.staticTotalValue,
		BackwardTradeSet: make([]string, 0, len(a.backwardTrades)),
	}
	for _, p := range a.positions {
		byDir, ok := s.Positions[p.OrderBookID()]
		if !ok {
			byDir = make(map[model.Direction]position.State)
			s.Positions[p.OrderBookID()] = byDir
		}
		byDir[p.Direction()] = p.State()
	}
	for id, v := range a.frozenOrders {
		s.FrozenOrders[id] = v
	}
	for id := range a.backwardTrades {
		s.BackwardTradeSet = append(s.BackwardTradeSet, id)
	}
	return s
}

// SetState replaces the account's contents with s.
func (a *Account) SetState(s AccountState) error {
	var positions []*position.Position
	for id, byDir := range s.Positions {
		ins, err := a.env.Instrument(id)
		if err != nil {
			return fmt.Errorf("restore account %s: %w", a.typ, err)
		}
		for _, dir := range []model.Direction{model.DirectionLong, model.DirectionShort} {
			ps, ok := byDir[dir]
			if !ok {
				continue
			}
			p := position.New(ins, dir, a.env.Options.MarginMultiplier, ps.LastPrice)
			if err := p.SetState(ps); err != nil {
				return fmt.Errorf("restore account %s: %w", a.typ, err)
			}
			positions = append(positions, p)
		}
	}
	a.rebuild(positions)

	a.frozenOrders = make(map[int64]decimal.Decimal, len(s.FrozenOrders))
	for id, v := range s.FrozenOrders {
		a.frozenOrders[id] = v
	}
	a.staticTotalValue = s.StaticTotalValue
	a.backwardTrades = make(map[string]struct{}, len(s.BackwardTradeSet))
	for _, id := range s.BackwardTradeSet {
		a.backwardTrades[id] = struct{}{}
	}
	return nil
}
