package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is an immutable record of one fill. It is created exactly once per
// partial or full fill; ExecID is the idempotency key used when replaying
// trades into an account.
type Trade struct {
	ExecID           string          `json:"exec_id"`
	OrderID          int64           `json:"order_id"`
	OrderBookID      string          `json:"order_book_id"`
	Side             Side            `json:"side"`
	PositionEffect   PositionEffect  `json:"position_effect"`
	LastPrice        decimal.Decimal `json:"last_price"`
	LastQuantity     int64           `json:"last_quantity"`
	CloseTodayAmount int64           `json:"close_today_amount"`
	FrozenPrice      decimal.Decimal `json:"frozen_price"`
	Commission       decimal.Decimal `json:"commission"`
	Tax              decimal.Decimal `json:"tax"`
	Datetime         time.Time       `json:"datetime"`
	TradingDatetime  time.Time       `json:"trading_datetime"`
}

// TransactionCost is commission plus tax.
func (t *Trade) TransactionCost() decimal.Decimal {
	return t.Commission.Add(t.Tax)
}

// PositionDirection is the position book this trade books into.
func (t *Trade) PositionDirection() Direction {
	return directionOf(t.Side, t.PositionEffect)
}

// Notional is price × quantity, without the contract multiplier.
func (t *Trade) Notional() decimal.Decimal {
	return t.LastPrice.Mul(decimal.NewFromInt(t.LastQuantity))
}
