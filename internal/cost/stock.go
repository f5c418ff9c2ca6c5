package cost

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
)

var (
	// DefaultStockCommissionRate is the ad-valorem broker commission.
	DefaultStockCommissionRate = decimal.NewFromFloat(0.0008)

	// DefaultMinCommission is the per-order minimum commission.
	DefaultMinCommission = decimal.NewFromInt(5)

	// cnStampDutyCut is the date the CN sell-side stamp duty halved.
	cnStampDutyCut = time.Date(2023, 8, 28, 0, 0, 0, 0, time.UTC)

	cnStampDutyBefore = decimal.NewFromFloat(0.001)
	cnStampDutyAfter  = decimal.NewFromFloat(0.0005)

	// hkStampDutyCut is the date the HK stamp duty went from 0.13% to 0.1%.
	hkStampDutyCut    = time.Date(2023, 11, 17, 0, 0, 0, 0, time.UTC)
	hkStampDutyBefore = decimal.NewFromFloat(0.0013)
	hkStampDutyAfter  = decimal.NewFromFloat(0.001)

	hkTradingFeeRate = decimal.NewFromFloat(0.0000565)
	hkTradingFeeMin  = decimal.NewFromFloat(0.01)
	hkLevyRate       = decimal.NewFromFloat(0.0000285)
)

// StockDecider prices trades of cash equities, funds and indices.
type StockDecider struct {
	CommissionRate       decimal.Decimal
	CommissionMultiplier decimal.Decimal
	TaxMultiplier        decimal.Decimal
	// HKFixedFee is added to every HK trade on top of the percentage fees.
	HKFixedFee decimal.Decimal

	ledger *minCommissionLedger
}

// NewStockDecider creates a decider with the default commission rate.
func NewStockDecider(commissionMultiplier, minCommission, taxMultiplier decimal.Decimal) *StockDecider {
	return &StockDecider{
		CommissionRate:       DefaultStockCommissionRate,
		CommissionMultiplier: commissionMultiplier,
		TaxMultiplier:        taxMultiplier,
		HKFixedFee:           decimal.Zero,
		ledger:               newMinCommissionLedger(minCommission),
	}
}

// MinCommission returns the configured per-order minimum.
func (s *StockDecider) MinCommission() decimal.Decimal {
	return s.ledger.min
}

func (s *StockDecider) fee(price decimal.Decimal, quantity int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(quantity)).Mul(s.CommissionRate).Mul(s.CommissionMultiplier)
}

func (s *StockDecider) TradeCommission(_ *model.Instrument, t *model.Trade) decimal.Decimal {
	return s.ledger.charge(t.OrderID, s.fee(t.LastPrice, t.LastQuantity))
}

func (s *StockDecider) TradeTax(ins *model.Instrument, t *model.Trade) decimal.Decimal {
	return s.tax(ins, t.Side, t.Notional(), t.TradingDatetime)
}

func (s *StockDecider) OrderCost(ins *model.Instrument, o *model.Order) decimal.Decimal {
	commission := decimal.Max(s.fee(o.FrozenPrice(), o.Quantity()), s.ledger.min)
	notional := o.FrozenPrice().Mul(decimal.NewFromInt(o.Quantity()))
	return commission.Add(s.tax(ins, o.Side(), notional, o.TradingDatetime()))
}

func (s *StockDecider) Estimate(batch []Args) decimal.Decimal {
	total := decimal.Zero
	for _, a := range batch {
		if a.Quantity == 0 {
			continue
		}
		commission := decimal.Max(s.fee(a.Price, a.Quantity), s.ledger.min)
		notional := a.Price.Mul(decimal.NewFromInt(a.Quantity))
		total = total.Add(commission).Add(s.tax(a.Instrument, a.Side, notional, time.Time{}))
	}
	return total
}

func (s *StockDecider) Reset() {
	s.ledger.reset()
}

// tax is side- and market-dependent and zero for anything that is not a
// common stock.
func (s *StockDecider) tax(ins *model.Instrument, side model.Side, notional decimal.Decimal, date time.Time) decimal.Decimal {
	if ins == nil || ins.Type != model.TypeStock {
		return decimal.Zero
	}
	switch ins.Market {
	case model.MarketHK:
		return s.hkTax(notional, date)
	default:
		if side != model.SideSell {
			return decimal.Zero
		}
		rate := cnStampDutyAfter
		if !date.IsZero() && date.Before(cnStampDutyCut) {
			rate = cnStampDutyBefore
		}
		return notional.Mul(rate).Mul(s.TaxMultiplier)
	}
}

// hkTax charges stamp duty on both sides rounded up to a whole unit with a
// floor of one unit, plus trading fee, levies and the fixed fee.
func (s *StockDecider) hkTax(notional decimal.Decimal, date time.Time) decimal.Decimal {
	if !notional.IsPositive() {
		return decimal.Zero
	}
	rate := hkStampDutyAfter
	if !date.IsZero() && date.Before(hkStampDutyCut) {
		rate = hkStampDutyBefore
	}
	stamp := notional.Mul(rate).Ceil()
	if stamp.LessThan(decimal.NewFromInt(1)) {
		stamp = decimal.NewFromInt(1)
	}
	tradingFee := decimal.Max(notional.Mul(hkTradingFeeRate), hkTradingFeeMin)
	levy := notional.Mul(hkLevyRate)
	return stamp.Add(tradingFee).Add(levy).Mul(s.TaxMultiplier).Add(s.HKFixedFee)
}
