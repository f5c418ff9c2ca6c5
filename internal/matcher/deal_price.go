package matcher

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/env"
	"github.com/atmx/backtest-engine/internal/model"
)

// Type selects the deal price and the matcher that uses it.
type Type string

const (
	CurrentBar               Type = "current_bar"
	VWAP                     Type = "vwap"
	NextBar                  Type = "next_bar"
	NextTickLast             Type = "next_tick_last"
	NextTickBestOwn          Type = "next_tick_best_own"
	NextTickBestCounterparty Type = "next_tick_best_counterparty"
	CounterpartyOffer        Type = "counterparty_offer"
)

// ParseType validates a configured matching type.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case CurrentBar, VWAP, NextBar, NextTickLast, NextTickBestOwn, NextTickBestCounterparty, CounterpartyOffer:
		return t, nil
	case "":
		return CurrentBar, nil
	default:
		return "", fmt.Errorf("matcher: unknown matching type %q", s)
	}
}

// Immediate reports whether orders can be matched as soon as they are
// submitted, against the bar they were submitted on.
func (t Type) Immediate() bool {
	return t == CurrentBar || t == VWAP
}

// IsTick reports whether the type matches against ticks.
func (t Type) IsTick() bool {
	switch t {
	case NextTickLast, NextTickBestOwn, NextTickBestCounterparty, CounterpartyOffer:
		return true
	default:
		return false
	}
}

// dealPriceFunc returns the raw price an order would trade at, zero when
// there is no usable market data.
type dealPriceFunc func(e *env.Env, ins *model.Instrument, side model.Side) decimal.Decimal

func dealPrice(t Type) dealPriceFunc {
	switch t {
	case VWAP:
		return vwapPrice
	case NextBar:
		return barOpenPrice
	case NextTickLast:
		return tickLastPrice
	case NextTickBestOwn:
		return bestOwnPrice
	case NextTickBestCounterparty:
		return bestCounterpartyPrice
	default:
		return barClosePrice
	}
}

func barClosePrice(e *env.Env, ins *model.Instrument, _ model.Side) decimal.Decimal {
	bar, ok := e.Prices.Bar(ins.OrderBookID)
	if !ok || bar.Suspended {
		return decimal.Zero
	}
	return bar.Close
}

func barOpenPrice(e *env.Env, ins *model.Instrument, _ model.Side) decimal.Decimal {
	bar, ok := e.Prices.Bar(ins.OrderBookID)
	if !ok || bar.Suspended {
		return decimal.Zero
	}
	return bar.Open
}

// vwapPrice is turnover / volume / contract multiplier.
func vwapPrice(e *env.Env, ins *model.Instrument, _ model.Side) decimal.Decimal {
	bar, ok := e.Prices.Bar(ins.OrderBookID)
	if !ok || bar.Suspended || !bar.Volume.IsPositive() {
		return decimal.Zero
	}
	return bar.TotalTurnover.Div(bar.Volume).Div(ins.Multiplier())
}

func tickLastPrice(e *env.Env, ins *model.Instrument, _ model.Side) decimal.Decimal {
	t, ok := e.Prices.Tick(ins.OrderBookID)
	if !ok {
		return decimal.Zero
	}
	return t.Last
}

func bestOwnPrice(e *env.Env, ins *model.Instrument, side model.Side) decimal.Decimal {
	t, ok := e.Prices.Tick(ins.OrderBookID)
	if !ok {
		return decimal.Zero
	}
	if side == model.SideBuy {
		return t.BestBid()
	}
	return t.BestAsk()
}

func bestCounterpartyPrice(e *env.Env, ins *model.Instrument, side model.Side) decimal.Decimal {
	t, ok := e.Prices.Tick(ins.OrderBookID)
	if !ok {
		return decimal.Zero
	}
	if side == model.SideBuy {
		return t.BestAsk()
	}
	return t.BestBid()
}

// openAuctionPrice is the auction bar's open, falling back to the tick.
func openAuctionPrice(e *env.Env, ins *model.Instrument, _ model.Side) decimal.Decimal {
	if bar, ok := e.Prices.Bar(ins.OrderBookID); ok && model.IsValidPrice(bar.Open) {
		return bar.Open
	}
	if t, ok := e.Prices.Tick(ins.OrderBookID); ok {
		if model.IsValidPrice(t.Open) {
			return t.Open
		}
		return t.Last
	}
	return decimal.Zero
}
