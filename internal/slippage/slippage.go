// Package slippage transforms a raw deal price into the price a fill is
// booked at.
package slippage

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
)

var ErrInvalidRate = errors.New("slippage: rate must be non-negative")

// Band is the instrument's price-limit band. Zero bounds mean unbounded.
type Band struct {
	Up   decimal.Decimal
	Down decimal.Decimal
}

// Decider moves price against the side of the order.
type Decider interface {
	Apply(o *model.Order, ins *model.Instrument, price decimal.Decimal, band Band) decimal.Decimal
}

func clamp(p decimal.Decimal, band Band) decimal.Decimal {
	if band.Up.IsPositive() && p.GreaterThan(band.Up) {
		return band.Up
	}
	if band.Down.IsPositive() && p.LessThan(band.Down) {
		return band.Down
	}
	return p
}

func sign(side model.Side) decimal.Decimal {
	if side == model.SideBuy {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// PriceRatio shifts the price by price*Rate.
type PriceRatio struct {
	Rate decimal.Decimal
}

// NewPriceRatio validates rate.
func NewPriceRatio(rate decimal.Decimal) (*PriceRatio, error) {
	if rate.IsNegative() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRate, rate)
	}
	return &PriceRatio{Rate: rate}, nil
}

func (s *PriceRatio) Apply(o *model.Order, _ *model.Instrument, price decimal.Decimal, band Band) decimal.Decimal {
	if s.Rate.IsZero() {
		return price
	}
	return clamp(price.Add(price.Mul(s.Rate).Mul(sign(o.Side()))), band)
}

// TickSize shifts the price by Ticks multiples of the instrument's tick size.
type TickSize struct {
	Ticks int64
}

// NewTickSize validates ticks.
func NewTickSize(ticks int64) (*TickSize, error) {
	if ticks < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRate, ticks)
	}
	return &TickSize{Ticks: ticks}, nil
}

func (s *TickSize) Apply(o *model.Order, ins *model.Instrument, price decimal.Decimal, band Band) decimal.Decimal {
	if s.Ticks == 0 || ins == nil || !ins.TickSize.IsPositive() {
		return price
	}
	step := ins.TickSize.Mul(decimal.NewFromInt(s.Ticks)).Mul(sign(o.Side()))
	return clamp(price.Add(step), band)
}

// LimitPrice books LIMIT orders at their own limit, the worst price the
// order would accept. MARKET orders pass through.
type LimitPrice struct{}

func (LimitPrice) Apply(o *model.Order, _ *model.Instrument, price decimal.Decimal, _ Band) decimal.Decimal {
	if o.Type() == model.OrderTypeLimit && model.IsValidPrice(o.Price()) {
		return o.Price()
	}
	return price
}

// None applies no slippage.
type None struct{}

func (None) Apply(_ *model.Order, _ *model.Instrument, price decimal.Decimal, _ Band) decimal.Decimal {
	return price
}

// New builds a decider by model name, as named in the run configuration.
func New(name string, value decimal.Decimal) (Decider, error) {
	switch name {
	case "", "none":
		return None{}, nil
	case "price_ratio":
		return NewPriceRatio(value)
	case "tick_size":
		return NewTickSize(value.IntPart())
	case "limit_price":
		return LimitPrice{}, nil
	default:
		return nil, fmt.Errorf("slippage: unknown model %q", name)
	}
}
