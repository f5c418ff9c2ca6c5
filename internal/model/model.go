// Package model defines the core domain types shared across the backtest engine.
// All monetary values use shopspring/decimal, never float64.
// Quantities are whole shares/contracts and use int64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PositionEffect says what an order does to open interest.
type PositionEffect string

const (
	EffectOpen       PositionEffect = "OPEN"
	EffectClose      PositionEffect = "CLOSE"
	EffectCloseToday PositionEffect = "CLOSE_TODAY"
	EffectExercise   PositionEffect = "EXERCISE"
	EffectMatch      PositionEffect = "MATCH"
)

// IsClose reports whether the effect reduces an existing position.
func (e PositionEffect) IsClose() bool {
	return e == EffectClose || e == EffectCloseToday || e == EffectExercise
}

// OrderType is MARKET or LIMIT.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Direction identifies one of the two position books kept per instrument.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Factor is +1 for LONG and -1 for SHORT.
func (d Direction) Factor() int64 {
	if d == DirectionShort {
		return -1
	}
	return 1
}

// InstrumentType is the declared security type.
type InstrumentType string

const (
	TypeStock  InstrumentType = "CS"
	TypeETF    InstrumentType = "ETF"
	TypeLOF    InstrumentType = "LOF"
	TypeIndex  InstrumentType = "INDX"
	TypeFuture InstrumentType = "FUTURE"
	TypeOption InstrumentType = "OPTION"
)

// AccountType selects which account books an instrument.
type AccountType string

const (
	AccountStock  AccountType = "STOCK"
	AccountFuture AccountType = "FUTURE"
)

// Market is the listing venue group; it drives tax and FX rules.
type Market string

const (
	MarketCN Market = "CN"
	MarketHK Market = "HK"
)

// CommissionType selects how futures commission is charged.
type CommissionType string

const (
	CommissionByMoney  CommissionType = "BY_MONEY"
	CommissionByVolume CommissionType = "BY_VOLUME"
)

// CommissionInfo holds the exchange fee schedule of a futures contract.
type CommissionInfo struct {
	Type       CommissionType  `json:"type"`
	Open       decimal.Decimal `json:"open"`
	Close      decimal.Decimal `json:"close"`
	CloseToday decimal.Decimal `json:"close_today"`
}

// Instrument is the static reference data of a tradable security.
type Instrument struct {
	OrderBookID        string          `json:"order_book_id"`
	Symbol             string          `json:"symbol"`
	Type               InstrumentType  `json:"type"`
	Market             Market          `json:"market"`
	ContractMultiplier decimal.Decimal `json:"contract_multiplier"`
	MarginRate         decimal.Decimal `json:"margin_rate"`
	RoundLot           int64           `json:"round_lot"`
	MinLot             int64           `json:"min_lot"`
	MarketTPlus        int             `json:"market_tplus"`
	TickSize           decimal.Decimal `json:"tick_size"`
	ListedDate         time.Time       `json:"listed_date"`
	DeListedDate       time.Time       `json:"de_listed_date"` // zero = never
	Commission         CommissionInfo  `json:"commission"`
}

// AccountType resolves the account variant that books this instrument.
func (i *Instrument) AccountType() AccountType {
	switch i.Type {
	case TypeFuture, TypeOption:
		return AccountFuture
	default:
		return AccountStock
	}
}

// Multiplier returns the contract multiplier, 1 when unset.
func (i *Instrument) Multiplier() decimal.Decimal {
	if i.ContractMultiplier.IsPositive() {
		return i.ContractMultiplier
	}
	return decimal.NewFromInt(1)
}

// Lot returns the round lot, 1 when unset.
func (i *Instrument) Lot() int64 {
	if i.RoundLot > 0 {
		return i.RoundLot
	}
	return 1
}

// MinimumLot returns the minimum order size, defaulting to the round lot.
func (i *Instrument) MinimumLot() int64 {
	if i.MinLot > 0 {
		return i.MinLot
	}
	return i.Lot()
}

// ListedOn reports whether the instrument can trade on the given date.
func (i *Instrument) ListedOn(date time.Time) bool {
	if !i.ListedDate.IsZero() && date.Before(truncateDay(i.ListedDate)) {
		return false
	}
	return !i.DelistedBy(date)
}

// DelistedBy reports whether the instrument has been delisted on or before date.
func (i *Instrument) DelistedBy(date time.Time) bool {
	return !i.DeListedDate.IsZero() && !truncateDay(date).Before(truncateDay(i.DeListedDate))
}

// CashOccupation is the cash an OPEN of quantity at price would tie up:
// full notional for cash instruments, margin for derivatives.
func (i *Instrument) CashOccupation(price decimal.Decimal, quantity int64, marginMultiplier decimal.Decimal) decimal.Decimal {
	notional := price.Mul(decimal.NewFromInt(quantity)).Mul(i.Multiplier())
	if i.AccountType() == AccountStock {
		return notional
	}
	return notional.Mul(i.MarginRate).Mul(marginMultiplier)
}

// Bar is one OHLCV bar. LimitUp/LimitDown are zero when the market has no
// price band.
type Bar struct {
	OrderBookID   string          `json:"order_book_id"`
	Datetime      time.Time       `json:"datetime"`
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Close         decimal.Decimal `json:"close"`
	Volume        decimal.Decimal `json:"volume"`
	TotalTurnover decimal.Decimal `json:"total_turnover"`
	PrevClose     decimal.Decimal `json:"prev_close"`
	LimitUp       decimal.Decimal `json:"limit_up"`
	LimitDown     decimal.Decimal `json:"limit_down"`
	Suspended     bool            `json:"suspended"`
}

// Last is the closing price of the bar.
func (b *Bar) Last() decimal.Decimal { return b.Close }

// Tick is a level-2 snapshot. Volume is the quantity traded since the
// previous tick; Asks/Bids are best-first ladders.
type Tick struct {
	OrderBookID   string            `json:"order_book_id"`
	Datetime      time.Time         `json:"datetime"`
	Open          decimal.Decimal   `json:"open"`
	Last          decimal.Decimal   `json:"last"`
	High          decimal.Decimal   `json:"high"`
	Low           decimal.Decimal   `json:"low"`
	PrevClose     decimal.Decimal   `json:"prev_close"`
	Volume        decimal.Decimal   `json:"volume"`
	TotalVolume   decimal.Decimal   `json:"total_volume"`
	TotalTurnover decimal.Decimal   `json:"total_turnover"`
	LimitUp       decimal.Decimal   `json:"limit_up"`
	LimitDown     decimal.Decimal   `json:"limit_down"`
	AskPrices     []decimal.Decimal `json:"ask_prices"`
	AskVolumes    []int64           `json:"ask_volumes"`
	BidPrices     []decimal.Decimal `json:"bid_prices"`
	BidVolumes    []int64           `json:"bid_volumes"`
}

// BestAsk returns the first ask level, zero if the book is empty.
func (t *Tick) BestAsk() decimal.Decimal {
	if len(t.AskPrices) == 0 {
		return decimal.Zero
	}
	return t.AskPrices[0]
}

// BestBid returns the first bid level, zero if the book is empty.
func (t *Tick) BestBid() decimal.Decimal {
	if len(t.BidPrices) == 0 {
		return decimal.Zero
	}
	return t.BidPrices[0]
}

// IsValidPrice reports whether p can be used as a deal or valuation price.
func IsValidPrice(p decimal.Decimal) bool {
	return p.IsPositive()
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// TradingDate strips the time-of-day component.
func TradingDate(t time.Time) time.Time {
	return truncateDay(t)
}
