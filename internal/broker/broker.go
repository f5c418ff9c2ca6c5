// Package broker simulates an exchange broker. It owns the open orders,
// publishes their lifecycle events and drives the matcher on every bar,
// tick and open auction.
package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/env"
	"github.com/atmx/backtest-engine/internal/event"
	"github.com/atmx/backtest-engine/internal/matcher"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/portfolio"
)

var (
	// ErrUnknownOrder is returned when cancelling an order the broker
	// never accepted.
	ErrUnknownOrder = errors.New("broker: unknown order")

	// ErrDuplicateOrder is returned when an order id is submitted or
	// restored more than once.
	ErrDuplicateOrder = errors.New("broker: order already submitted")
)

// MatchObserver receives the wall time of every match attempt.
type MatchObserver func(d time.Duration)

// Broker keeps four queues: regular open orders, orders waiting for the
// open auction, orders submitted outside trading hours and exercise orders
// that settle just before settlement.
type Broker struct {
	env       *env.Env
	portfolio *portfolio.Portfolio
	matcher   matcher.Matcher
	observe   MatchObserver

	open     []*model.Order
	auction  []*model.Order
	delayed  []*model.Order
	exercise []*model.Order
}

// New creates a broker and installs it as the env's open-order view.
func New(e *env.Env, p *portfolio.Portfolio, m matcher.Matcher) *Broker {
	b := &Broker{env: e, portfolio: p, matcher: m}
	e.SetOpenOrders(b)
	return b
}

// SetMatchObserver installs a hook timed around every match attempt.
func (b *Broker) SetMatchObserver(f MatchObserver) {
	b.observe = f
}

// Register subscribes the broker to the session events.
func (b *Broker) Register() {
	b.env.Bus.Subscribe(event.BeforeTrading, b.onBeforeTrading)
	b.env.Bus.Subscribe(event.OpenAuction, b.onMarketUpdate)
	b.env.Bus.Subscribe(event.PostOpenAuction, b.onPostOpenAuction)
	b.env.Bus.Subscribe(event.Bar, b.onBar)
	b.env.Bus.Subscribe(event.Tick, b.onTick)
	b.env.Bus.Subscribe(event.AfterTrading, b.onAfterTrading)
	b.env.Bus.Subscribe(event.PreSettlement, b.onPreSettlement)
	b.env.Bus.Subscribe(event.Settlement, b.onSettlement)
}

func (b *Broker) publish(t event.Type, o *model.Order) error {
	return b.env.Publish(&event.Event{Type: t, Order: o})
}

func (b *Broker) known(o *model.Order) bool {
	for _, q := range [][]*model.Order{b.open, b.auction, b.delayed, b.exercise} {
		if slices.Contains(q, o) {
			return true
		}
	}
	return false
}

// Submit accepts a new order. Validators run on ORDER_PENDING_NEW; a
// rejected order is reported with ORDER_CREATION_REJECT and never queued.
func (b *Broker) Submit(o *model.Order) error {
	if b.known(o) {
		return fmt.Errorf("%w: %d", ErrDuplicateOrder, o.ID())
	}
	if err := b.publish(event.OrderPendingNew, o); err != nil {
		return err
	}
	if o.IsFinal() {
		return b.publish(event.OrderCreationReject, o)
	}

	phase := b.env.Phase()
	switch {
	case o.PositionEffect() == model.EffectExercise:
		b.exercise = append(b.exercise, o)
	case phase.IsWaiting():
		b.delayed = append(b.delayed, o)
	case phase == env.PhaseOpenAuction:
		b.auction = append(b.auction, o)
	default:
		b.open = append(b.open, o)
	}
	if !phase.IsWaiting() {
		o.Active()
	}
	slog.Info("order accepted",
		"order_id", o.ID(),
		"order_book_id", o.OrderBookID(),
		"side", o.Side(),
		"effect", o.PositionEffect(),
		"type", o.Type(),
		"quantity", o.Quantity(),
		"phase", phase,
	)
	if err := b.publish(event.OrderCreationPass, o); err != nil {
		return err
	}

	if b.matcher.Immediate() && (phase == env.PhaseOnBar || phase == env.PhaseOnTick) &&
		o.PositionEffect() != model.EffectExercise {
		if err := b.match(o, false); err != nil {
			return err
		}
		b.open = prune(b.open)
	}
	return nil
}

// Cancel cancels an open order outright. Partial cancels are not modeled.
func (b *Broker) Cancel(o *model.Order) error {
	if o.IsFinal() {
		return b.publish(event.OrderCancellationReject, o)
	}
	if !b.known(o) {
		return fmt.Errorf("%w: %d", ErrUnknownOrder, o.ID())
	}
	o.MarkPendingCancel()
	if err := b.publish(event.OrderPendingCancel, o); err != nil {
		return err
	}
	o.MarkCancelled(fmt.Sprintf("order %d of %s cancelled by user", o.ID(), o.OrderBookID()))
	b.open = prune(b.open)
	b.auction = prune(b.auction)
	b.delayed = prune(b.delayed)
	b.exercise = prune(b.exercise)
	return b.publish(event.OrderCancellationPass, o)
}

// OpenOrders returns the working orders of orderBookID in submission order.
func (b *Broker) OpenOrders(orderBookID string) []*model.Order {
	var out []*model.Order
	for _, o := range b.AllOpenOrders() {
		if o.OrderBookID() == orderBookID {
			out = append(out, o)
		}
	}
	return out
}

// AllOpenOrders returns every non-final order across all queues.
func (b *Broker) AllOpenOrders() []*model.Order {
	var out []*model.Order
	for _, q := range [][]*model.Order{b.auction, b.open, b.delayed, b.exercise} {
		for _, o := range q {
			if !o.IsFinal() {
				out = append(out, o)
			}
		}
	}
	slices.SortFunc(out, func(x, y *model.Order) int {
		switch {
		case x.ID() < y.ID():
			return -1
		case x.ID() > y.ID():
			return 1
		}
		return 0
	})
	return out
}

// match runs one match attempt and reports a resulting final state.
func (b *Broker) match(o *model.Order, openAuction bool) error {
	acc, err := b.account(o)
	if err != nil {
		o.MarkRejected(err.Error())
		return b.publish(event.OrderUnsolicitedUpdate, o)
	}
	start := time.Now()
	err = b.matcher.Match(acc, o, openAuction)
	if b.observe != nil {
		b.observe(time.Since(start))
	}
	if err != nil {
		return fmt.Errorf("match order %d: %w", o.ID(), err)
	}
	if o.IsFinal() && o.Status() != model.StatusFilled {
		return b.publish(event.OrderUnsolicitedUpdate, o)
	}
	return nil
}

func (b *Broker) account(o *model.Order) (*portfolio.Account, error) {
	ins, err := b.env.Instrument(o.OrderBookID())
	if err != nil {
		return nil, err
	}
	return b.portfolio.AccountFor(ins)
}

// onMarketUpdate lets the matcher reset its per-step state.
func (b *Broker) onMarketUpdate(e *event.Event) error {
	b.matcher.Update(e)
	return nil
}

func (b *Broker) onBar(e *event.Event) error {
	b.matcher.Update(e)
	return b.matchWhere(func(o *model.Order) bool {
		_, ok := e.Bars[o.OrderBookID()]
		return ok
	})
}

func (b *Broker) onTick(e *event.Event) error {
	b.matcher.Update(e)
	if e.Tick == nil {
		return nil
	}
	return b.matchWhere(func(o *model.Order) bool {
		return o.OrderBookID() == e.Tick.OrderBookID
	})
}

// matchWhere attempts every regular open order selected by want, in
// submission order.
func (b *Broker) matchWhere(want func(*model.Order) bool) error {
	for _, o := range slices.Clone(b.open) {
		if o.IsFinal() || !want(o) {
			continue
		}
		if err := b.match(o, false); err != nil {
			return err
		}
	}
	b.open = prune(b.open)
	return nil
}

// onBeforeTrading activates orders submitted while the market was closed.
func (b *Broker) onBeforeTrading(*event.Event) error {
	for _, o := range b.delayed {
		if o.IsFinal() {
			continue
		}
		o.Active()
		b.open = append(b.open, o)
	}
	b.delayed = nil
	return nil
}

// onPostOpenAuction matches the auction queue once at the auction price;
// survivors join the regular queue.
func (b *Broker) onPostOpenAuction(*event.Event) error {
	for _, o := range b.auction {
		if o.IsFinal() {
			continue
		}
		if err := b.match(o, true); err != nil {
			return err
		}
		if !o.IsFinal() {
			b.open = append(b.open, o)
		}
	}
	b.auction = nil
	return nil
}

// onAfterTrading rejects everything still working once the market closes.
func (b *Broker) onAfterTrading(*event.Event) error {
	for _, o := range slices.Concat(b.auction, b.open) {
		if o.IsFinal() {
			continue
		}
		o.MarkRejected(fmt.Sprintf("order %d of %s: market closed with %d unfilled",
			o.ID(), o.OrderBookID(), o.UnfilledQuantity()))
		if err := b.publish(event.OrderUnsolicitedUpdate, o); err != nil {
			return err
		}
	}
	b.open, b.auction = nil, nil
	return nil
}

// onPreSettlement settles exercise orders at the last price with no
// slippage and no commission.
func (b *Broker) onPreSettlement(*event.Event) error {
	for _, o := range b.exercise {
		if o.IsFinal() {
			continue
		}
		if err := b.settleExercise(o); err != nil {
			return err
		}
	}
	b.exercise = nil
	return nil
}

func (b *Broker) settleExercise(o *model.Order) error {
	price := b.env.LastPrice(o.OrderBookID())
	acc, err := b.account(o)
	if err != nil || !model.IsValidPrice(price) {
		o.MarkRejected(fmt.Sprintf("order %d of %s: cannot exercise without a price", o.ID(), o.OrderBookID()))
		return b.publish(event.OrderUnsolicitedUpdate, o)
	}
	qty := min(o.UnfilledQuantity(), acc.Quantity(o.OrderBookID(), o.PositionDirection()))
	if qty <= 0 {
		o.MarkRejected(fmt.Sprintf("order %d of %s: nothing to exercise", o.ID(), o.OrderBookID()))
		return b.publish(event.OrderUnsolicitedUpdate, o)
	}
	t := &model.Trade{
		ExecID:          uuid.NewString(),
		OrderID:         o.ID(),
		OrderBookID:     o.OrderBookID(),
		Side:            o.Side(),
		PositionEffect:  model.EffectExercise,
		LastPrice:       price,
		LastQuantity:    qty,
		FrozenPrice:     o.FrozenPrice(),
		Commission:      decimal.Zero,
		Tax:             decimal.Zero,
		Datetime:        b.env.CalendarDT(),
		TradingDatetime: b.env.TradingDT(),
	}
	if err := o.Fill(t); err != nil {
		return err
	}
	slog.Info("exercise settled", "order_id", o.ID(), "order_book_id", o.OrderBookID(), "quantity", qty, "price", price.String())
	if err := b.env.Publish(&event.Event{Type: event.Trade, Trade: t, Order: o}); err != nil {
		return err
	}
	if !o.IsFinal() {
		o.MarkCancelled(fmt.Sprintf("order %d of %s: exercised %d, position exhausted", o.ID(), o.OrderBookID(), qty))
		return b.publish(event.OrderUnsolicitedUpdate, o)
	}
	return nil
}

// onSettlement drops per-order commission state; no order of the session
// can fill any more.
func (b *Broker) onSettlement(*event.Event) error {
	for _, d := range b.env.CostDeciders() {
		d.Reset()
	}
	return nil
}

func prune(q []*model.Order) []*model.Order {
	return slices.DeleteFunc(q, (*model.Order).IsFinal)
}

// State is the persisted form of the open-order queues. Final orders are
// not kept.
type State struct {
	OpenOrders        []model.OrderState `json:"open_orders"`
	OpenAuctionOrders []model.OrderState `json:"open_auction_orders"`
	DelayedOrders     []model.OrderState `json:"delayed_orders"`
	ExerciseOrders    []model.OrderState `json:"exercise_orders"`
}

func states(q []*model.Order) []model.OrderState {
	out := make([]model.OrderState, 0, len(q))
	for _, o := range q {
		if !o.IsFinal() {
			out = append(out, o.State())
		}
	}
	return out
}

func (b *Broker) State() State {
	return State{
		OpenOrders:        states(b.open),
		OpenAuctionOrders: states(b.auction),
		DelayedOrders:     states(b.delayed),
		ExerciseOrders:    states(b.exercise),
	}
}

// SetState replaces the queues and makes sure new order ids do not collide
// with restored ones. Nothing changes if an order id repeats across the
// queues or names an unknown instrument.
func (b *Broker) SetState(s State) error {
	seen := make(map[int64]bool)
	restore := func(in []model.OrderState) ([]*model.Order, error) {
		out := make([]*model.Order, 0, len(in))
		for _, st := range in {
			o := model.OrderFromState(st)
			if o.IsFinal() {
				continue
			}
			if seen[o.ID()] {
				return nil, fmt.Errorf("%w: order %d restored twice", ErrDuplicateOrder, o.ID())
			}
			seen[o.ID()] = true
			if _, err := b.env.Instrument(o.OrderBookID()); err != nil {
				return nil, fmt.Errorf("restore order %d: %w", o.ID(), err)
			}
			out = append(out, o)
		}
		return out, nil
	}
	var queues [4][]*model.Order
	for i, in := range [][]model.OrderState{s.OpenOrders, s.OpenAuctionOrders, s.DelayedOrders, s.ExerciseOrders} {
		q, err := restore(in)
		if err != nil {
			return err
		}
		queues[i] = q
	}
	for id := range seen {
		b.env.RestoreOrderID(id)
	}
	b.open, b.auction, b.delayed, b.exercise = queues[0], queues[1], queues[2], queues[3]
	return nil
}
