// Package validator implements pre-trade checks run on ORDER_PENDING_NEW.
// A failing check rejects the order with a readable reason; it is an
// expected backtest outcome, not an error of the run.
package validator

import (
	"errors"
	"fmt"

	"github.com/atmx/backtest-engine/internal/env"
	"github.com/atmx/backtest-engine/internal/event"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/portfolio"
)

var (
	// ErrNotTrading is returned for unknown, unlisted, delisted or
	// suspended instruments, and for instruments without a price.
	ErrNotTrading = errors.New("validator: instrument is not trading")

	// ErrPriceOutOfBand is returned when a LIMIT price is beyond the
	// limit-up (BUY) or limit-down (SELL) price.
	ErrPriceOutOfBand = errors.New("validator: limit price outside the price band")

	// ErrInsufficientCash is returned when an OPEN order needs more cash
	// than the account has available.
	ErrInsufficientCash = errors.New("validator: insufficient cash")

	// ErrInsufficientPosition is returned when a close order exceeds the
	// closable quantity.
	ErrInsufficientPosition = errors.New("validator: insufficient closable position")

	// ErrShortStock is returned for SELL OPEN orders on cash equities.
	ErrShortStock = errors.New("validator: stocks cannot be sold short")
)

// Validator checks one order against the account that would book it.
type Validator interface {
	Check(o *model.Order, ins *model.Instrument, acc *portfolio.Account) error
}

// Chain runs validators in order and rejects on the first failure.
type Chain struct {
	env        *env.Env
	portfolio  *portfolio.Portfolio
	validators []Validator
}

// NewChain builds a chain over validators.
func NewChain(e *env.Env, p *portfolio.Portfolio, validators ...Validator) *Chain {
	return &Chain{env: e, portfolio: p, validators: validators}
}

// Defaults returns the standard checks; the price band check only runs
// when price limits are enabled.
func Defaults(e *env.Env) []Validator {
	vs := []Validator{IsTrading{env: e}}
	if e.Options.PriceLimit {
		vs = append(vs, Price{env: e})
	}
	return append(vs, Cash{}, Position{})
}

// Register installs the chain ahead of every other ORDER_PENDING_NEW
// listener, so accounts never freeze cash for a rejected order.
func (c *Chain) Register() {
	c.env.Bus.Prepend(event.OrderPendingNew, c.onPendingNew)
}

func (c *Chain) onPendingNew(e *event.Event) error {
	o := e.Order
	if o == nil || o.IsFinal() {
		return nil
	}
	if err := c.Validate(o); err != nil {
		o.MarkRejected(err.Error())
	}
	return nil
}

// Validate runs every check against o.
func (c *Chain) Validate(o *model.Order) error {
	ins, err := c.env.Instrument(o.OrderBookID())
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotTrading, o.OrderBookID())
	}
	acc, err := c.portfolio.AccountFor(ins)
	if err != nil {
		return err
	}
	for _, v := range c.validators {
		if err := v.Check(o, ins, acc); err != nil {
			return err
		}
	}
	return nil
}

// IsTrading requires a listed, unsuspended instrument with a price.
type IsTrading struct {
	env *env.Env
}

func (v IsTrading) Check(o *model.Order, ins *model.Instrument, _ *portfolio.Account) error {
	date := v.env.TradingDate()
	if !ins.ListedOn(date) {
		return fmt.Errorf("%w: %s is not listed on %s", ErrNotTrading, ins.OrderBookID, date.Format("2006-01-02"))
	}
	if v.env.Prices.Suspended(ins.OrderBookID) {
		return fmt.Errorf("%w: %s is suspended", ErrNotTrading, ins.OrderBookID)
	}
	if !model.IsValidPrice(v.env.LastPrice(ins.OrderBookID)) {
		return fmt.Errorf("%w: %s has no market data", ErrNotTrading, ins.OrderBookID)
	}
	return nil
}

// Price keeps LIMIT prices inside the band on the unfavorable side.
type Price struct {
	env *env.Env
}

func (v Price) Check(o *model.Order, ins *model.Instrument, _ *portfolio.Account) error {
	if o.Type() != model.OrderTypeLimit {
		return nil
	}
	up, down := v.env.Prices.Limits(ins.OrderBookID)
	if o.Side() == model.SideBuy && up.IsPositive() && o.Price().GreaterThan(up) {
		return fmt.Errorf("%w: buy %s at %s above limit up %s", ErrPriceOutOfBand, ins.OrderBookID, o.Price(), up)
	}
	if o.Side() == model.SideSell && down.IsPositive() && o.Price().LessThan(down) {
		return fmt.Errorf("%w: sell %s at %s below limit down %s", ErrPriceOutOfBand, ins.OrderBookID, o.Price(), down)
	}
	return nil
}

// Cash requires an OPEN order's reservation to fit in available cash.
type Cash struct{}

func (Cash) Check(o *model.Order, _ *model.Instrument, acc *portfolio.Account) error {
	if o.PositionEffect() != model.EffectOpen {
		return nil
	}
	need, err := acc.FrozenCashOf(o)
	if err != nil {
		return err
	}
	if need.GreaterThan(acc.Cash()) {
		return fmt.Errorf("%w: order %d needs %s, cash available %s",
			ErrInsufficientCash, o.ID(), need.StringFixed(2), acc.Cash().StringFixed(2))
	}
	return nil
}

// Position requires close orders to fit in the closable quantity.
type Position struct{}

func (Position) Check(o *model.Order, ins *model.Instrument, acc *portfolio.Account) error {
	switch o.PositionEffect() {
	case model.EffectOpen:
		if o.Side() == model.SideSell && ins.AccountType() == model.AccountStock {
			return fmt.Errorf("%w: %s", ErrShortStock, ins.OrderBookID)
		}
		return nil
	case model.EffectCloseToday:
		closable := acc.TodayClosable(ins.OrderBookID, o.PositionDirection())
		if o.Quantity() > closable {
			return fmt.Errorf("%w: close today %d of %s, today closable %d",
				ErrInsufficientPosition, o.Quantity(), ins.OrderBookID, closable)
		}
	case model.EffectClose, model.EffectExercise:
		closable := acc.Closable(ins.OrderBookID, o.PositionDirection())
		if o.Quantity() > closable {
			return fmt.Errorf("%w: close %d of %s, closable %d",
				ErrInsufficientPosition, o.Quantity(), ins.OrderBookID, closable)
		}
	}
	return nil
}
