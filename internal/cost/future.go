package cost

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
)

// FutureDecider charges the exchange fee schedule carried on the
// instrument, split between close and close-today tiers. Futures carry no
// tax and no minimum commission.
type FutureDecider struct {
	CommissionMultiplier decimal.Decimal
}

// NewFutureDecider creates a futures decider.
func NewFutureDecider(commissionMultiplier decimal.Decimal) *FutureDecider {
	return &FutureDecider{CommissionMultiplier: commissionMultiplier}
}

func (f *FutureDecider) legFee(ins *model.Instrument, ratio, price decimal.Decimal, quantity int64) decimal.Decimal {
	if quantity == 0 {
		return decimal.Zero
	}
	q := decimal.NewFromInt(quantity)
	if ins.Commission.Type == model.CommissionByVolume {
		return q.Mul(ratio)
	}
	return price.Mul(q).Mul(ins.Multiplier()).Mul(ratio)
}

func (f *FutureDecider) commission(ins *model.Instrument, effect model.PositionEffect, price decimal.Decimal, quantity, closeToday int64) decimal.Decimal {
	var fee decimal.Decimal
	switch effect {
	case model.EffectOpen:
		fee = f.legFee(ins, ins.Commission.Open, price, quantity)
	case model.EffectCloseToday:
		fee = f.legFee(ins, ins.Commission.CloseToday, price, quantity)
	case model.EffectClose:
		fee = f.legFee(ins, ins.Commission.CloseToday, price, closeToday).
			Add(f.legFee(ins, ins.Commission.Close, price, quantity-closeToday))
	default:
		return decimal.Zero
	}
	return fee.Mul(f.CommissionMultiplier)
}

func (f *FutureDecider) TradeCommission(ins *model.Instrument, t *model.Trade) decimal.Decimal {
	return f.commission(ins, t.PositionEffect, t.LastPrice, t.LastQuantity, t.CloseTodayAmount)
}

func (f *FutureDecider) TradeTax(*model.Instrument, *model.Trade) decimal.Decimal {
	return decimal.Zero
}

func (f *FutureDecider) OrderCost(ins *model.Instrument, o *model.Order) decimal.Decimal {
	return f.commission(ins, o.PositionEffect(), o.FrozenPrice(), o.Quantity(), 0)
}

func (f *FutureDecider) Estimate(batch []Args) decimal.Decimal {
	total := decimal.Zero
	for _, a := range batch {
		total = total.Add(f.commission(a.Instrument, a.Effect, a.Price, a.Quantity, 0))
	}
	return total
}

func (f *FutureDecider) Reset() {}
