// Package event is the engine's message passing layer: a closed set of
// typed events, a synchronous Bus that delivers them to listeners in
// registration order, and a single-consumer Queue that feeds external
// market events into the Bus one at a time.
package event

import (
	"time"

	"github.com/atmx/backtest-engine/internal/model"
)

// Type enumerates every event the engine publishes.
type Type int

const (
	// System/session events.
	PreBeforeTrading Type = iota + 1
	BeforeTrading
	OpenAuction
	PostOpenAuction
	PreBar
	Bar
	PostBar
	PreTick
	Tick
	PostTick
	AfterTrading
	PreSettlement
	Settlement
	PostSettlement

	// Order lifecycle events.
	OrderPendingNew
	OrderCreationPass
	OrderCreationReject
	OrderPendingCancel
	OrderCancellationPass
	OrderCancellationReject
	OrderUnsolicitedUpdate
	Trade
)

var typeNames = map[Type]string{
	PreBeforeTrading:        "pre_before_trading",
	BeforeTrading:           "before_trading",
	OpenAuction:             "open_auction",
	PostOpenAuction:         "post_open_auction",
	PreBar:                  "pre_bar",
	Bar:                     "bar",
	PostBar:                 "post_bar",
	PreTick:                 "pre_tick",
	Tick:                    "tick",
	PostTick:                "post_tick",
	AfterTrading:            "after_trading",
	PreSettlement:           "pre_settlement",
	Settlement:              "settlement",
	PostSettlement:          "post_settlement",
	OrderPendingNew:         "order_pending_new",
	OrderCreationPass:       "order_creation_pass",
	OrderCreationReject:     "order_creation_reject",
	OrderPendingCancel:      "order_pending_cancel",
	OrderCancellationPass:   "order_cancellation_pass",
	OrderCancellationReject: "order_cancellation_reject",
	OrderUnsolicitedUpdate:  "order_unsolicited_update",
	Trade:                   "trade",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "unknown"
}

// IsOrderEvent reports whether the event carries an order lifecycle change.
func (t Type) IsOrderEvent() bool {
	return t >= OrderPendingNew && t <= Trade
}

// Event is one message. Only the fields relevant to Type are set.
type Event struct {
	Type        Type
	CalendarDT  time.Time
	TradingDT   time.Time
	Bars        map[string]*model.Bar
	Tick        *model.Tick
	Order       *model.Order
	Trade       *model.Trade
	AccountType model.AccountType
}
