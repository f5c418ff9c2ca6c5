package model

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrOverfill is returned when a fill would push filled quantity past
	// the order quantity. It means the matcher is broken.
	ErrOverfill = errors.New("model: fill exceeds unfilled quantity")

	// ErrFillFinalOrder is returned when a trade targets an order that is
	// already FILLED, REJECTED or CANCELLED.
	ErrFillFinalOrder = errors.New("model: cannot fill a final order")

	// ErrInvalidFill is returned for non-positive fill quantities.
	ErrInvalidFill = errors.New("model: fill quantity must be positive")
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusPendingNew    OrderStatus = "PENDING_NEW"
	StatusActive        OrderStatus = "ACTIVE"
	StatusFilled        OrderStatus = "FILLED"
	StatusRejected      OrderStatus = "REJECTED"
	StatusPendingCancel OrderStatus = "PENDING_CANCEL"
	StatusCancelled     OrderStatus = "CANCELLED"
)

// IsFinal reports whether no further transition is possible.
func (s OrderStatus) IsFinal() bool {
	switch s {
	case StatusPendingNew, StatusActive, StatusPendingCancel:
		return false
	default:
		return true
	}
}

// Order is a strategy intent plus its fill state. Fields are private; the
// broker and matchers mutate it only through Active, Fill, MarkRejected and
// MarkCancelled.
type Order struct {
	id              int64
	orderBookID     string
	side            Side
	effect          PositionEffect
	typ             OrderType
	quantity        int64
	filledQuantity  int64
	price           decimal.Decimal // limit price, zero for MARKET
	frozenPrice     decimal.Decimal
	status          OrderStatus
	avgPrice        decimal.Decimal
	transactionCost decimal.Decimal
	initFrozenCash  decimal.Decimal
	message         string
	datetime        time.Time
	tradingDatetime time.Time
}

// NewOrder creates an order in PENDING_NEW. For LIMIT orders the frozen
// price starts at the limit price.
func NewOrder(id int64, orderBookID string, quantity int64, side Side, typ OrderType,
	effect PositionEffect, limitPrice decimal.Decimal, dt, tradingDt time.Time) *Order {
	o := &Order{
		id:              id,
		orderBookID:     orderBookID,
		side:            side,
		effect:          effect,
		typ:             typ,
		quantity:        quantity,
		status:          StatusPendingNew,
		datetime:        dt,
		tradingDatetime: tradingDt,
	}
	if typ == OrderTypeLimit {
		o.price = limitPrice
		o.frozenPrice = limitPrice
	}
	return o
}

func (o *Order) ID() int64                        { return o.id }
func (o *Order) OrderBookID() string              { return o.orderBookID }
func (o *Order) Side() Side                       { return o.side }
func (o *Order) PositionEffect() PositionEffect   { return o.effect }
func (o *Order) Type() OrderType                  { return o.typ }
func (o *Order) Quantity() int64                  { return o.quantity }
func (o *Order) FilledQuantity() int64            { return o.filledQuantity }
func (o *Order) UnfilledQuantity() int64          { return o.quantity - o.filledQuantity }
func (o *Order) Price() decimal.Decimal           { return o.price }
func (o *Order) FrozenPrice() decimal.Decimal     { return o.frozenPrice }
func (o *Order) Status() OrderStatus              { return o.status }
func (o *Order) AvgPrice() decimal.Decimal        { return o.avgPrice }
func (o *Order) TransactionCost() decimal.Decimal { return o.transactionCost }
func (o *Order) InitFrozenCash() decimal.Decimal  { return o.initFrozenCash }
func (o *Order) Message() string                  { return o.message }
func (o *Order) Datetime() time.Time              { return o.datetime }
func (o *Order) TradingDatetime() time.Time       { return o.tradingDatetime }
func (o *Order) IsFinal() bool                    { return o.status.IsFinal() }

// PositionDirection is the position book the order opens into or closes from.
func (o *Order) PositionDirection() Direction {
	return directionOf(o.side, o.effect)
}

// SetFrozenPrice sets the reference price used to reserve cash. MARKET
// orders take the last price at creation.
func (o *Order) SetFrozenPrice(p decimal.Decimal) {
	o.frozenPrice = p
}

// SetInitFrozenCash records the cash reserved when the order was accepted.
func (o *Order) SetInitFrozenCash(c decimal.Decimal) {
	o.initFrozenCash = c
}

// Active moves PENDING_NEW to ACTIVE when the broker queues the order.
func (o *Order) Active() {
	if o.status == StatusPendingNew {
		o.status = StatusActive
	}
}

// MarkPendingCancel flags an open order as about to be cancelled.
func (o *Order) MarkPendingCancel() {
	if !o.IsFinal() {
		o.status = StatusPendingCancel
	}
}

// Fill books a trade against the order. The average price is the running
// quantity-weighted fill price; MATCH bookings do not move it.
func (o *Order) Fill(t *Trade) error {
	if o.IsFinal() {
		return fmt.Errorf("%w: order %d is %s", ErrFillFinalOrder, o.id, o.status)
	}
	qty := t.LastQuantity
	if qty <= 0 {
		return fmt.Errorf("%w: order %d got %d", ErrInvalidFill, o.id, qty)
	}
	if qty > o.UnfilledQuantity() {
		return fmt.Errorf("%w: order %d unfilled %d, fill %d", ErrOverfill, o.id, o.UnfilledQuantity(), qty)
	}
	if t.PositionEffect != EffectMatch {
		total := o.avgPrice.Mul(decimal.NewFromInt(o.filledQuantity)).
			Add(t.LastPrice.Mul(decimal.NewFromInt(qty)))
		o.avgPrice = total.Div(decimal.NewFromInt(o.filledQuantity + qty))
	}
	o.filledQuantity += qty
	o.transactionCost = o.transactionCost.Add(t.TransactionCost())
	if o.UnfilledQuantity() == 0 {
		o.status = StatusFilled
	}
	return nil
}

// MarkRejected finalizes the order as REJECTED. No-op on final orders.
func (o *Order) MarkRejected(reason string) {
	if o.IsFinal() {
		return
	}
	o.message = reason
	o.status = StatusRejected
	slog.Warn("order rejected", "order_id", o.id, "order_book_id", o.orderBookID, "reason", reason)
}

// MarkCancelled finalizes the order as CANCELLED. No-op on final orders.
func (o *Order) MarkCancelled(reason string) {
	if o.IsFinal() {
		return
	}
	o.message = reason
	o.status = StatusCancelled
	slog.Warn("order cancelled", "order_id", o.id, "order_book_id", o.orderBookID, "reason", reason)
}

// Clone returns an independent copy, used when publishing snapshots.
func (o *Order) Clone() *Order {
	c := *o
	return &c
}

// OrderState is the serialized form of an Order.
type OrderState struct {
	ID              int64           `json:"order_id"`
	OrderBookID     string          `json:"order_book_id"`
	Side            Side            `json:"side"`
	PositionEffect  PositionEffect  `json:"position_effect"`
	Type            OrderType       `json:"type"`
	Quantity        int64           `json:"quantity"`
	FilledQuantity  int64           `json:"filled_quantity"`
	Price           decimal.Decimal `json:"price"`
	FrozenPrice     decimal.Decimal `json:"frozen_price"`
	Status          OrderStatus     `json:"status"`
	AvgPrice        decimal.Decimal `json:"avg_price"`
	TransactionCost decimal.Decimal `json:"transaction_cost"`
	InitFrozenCash  decimal.Decimal `json:"init_frozen_cash"`
	Message         string          `json:"message,omitempty"`
	Datetime        time.Time       `json:"datetime"`
	TradingDatetime time.Time       `json:"trading_datetime"`
}

// State returns the serializable view of the order.
func (o *Order) State() OrderState {
	return OrderState{
		ID:              o.id,
		OrderBookID:     o.orderBookID,
		Side:            o.side,
		PositionEffect:  o.effect,
		Type:            o.typ,
		Quantity:        o.quantity,
		FilledQuantity:  o.filledQuantity,
		Price:           o.price,
		FrozenPrice:     o.frozenPrice,
		Status:          o.status,
		AvgPrice:        o.avgPrice,
		TransactionCost: o.transactionCost,
		InitFrozenCash:  o.initFrozenCash,
		Message:         o.message,
		Datetime:        o.datetime,
		TradingDatetime: o.tradingDatetime,
	}
}

// OrderFromState rebuilds an order from its serialized form.
func OrderFromState(s OrderState) *Order {
	return &Order{
		id:              s.ID,
		orderBookID:     s.OrderBookID,
		side:            s.Side,
		effect:          s.PositionEffect,
		typ:             s.Type,
		quantity:        s.Quantity,
		filledQuantity:  s.FilledQuantity,
		price:           s.Price,
		frozenPrice:     s.FrozenPrice,
		status:          s.Status,
		avgPrice:        s.AvgPrice,
		transactionCost: s.TransactionCost,
		initFrozenCash:  s.InitFrozenCash,
		message:         s.Message,
		datetime:        s.Datetime,
		tradingDatetime: s.TradingDatetime,
	}
}

func directionOf(side Side, effect PositionEffect) Direction {
	switch {
	case side == SideBuy && effect == EffectOpen:
		return DirectionLong
	case side == SideSell && effect == EffectOpen:
		return DirectionShort
	case side == SideSell:
		return DirectionLong
	default:
		return DirectionShort
	}
}
