// Package env holds the engine context that every component receives at
// construction: market data access, the event bus, the simulation clock and
// phase, latest prices, cost deciders and engine-wide options.
package env

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/cost"
	"github.com/atmx/backtest-engine/internal/event"
	"github.com/atmx/backtest-engine/internal/model"
)

var (
	ErrUnknownInstrument = errors.New("env: unknown instrument")
	ErrNoCostDecider     = errors.New("env: no cost decider for account type")
)

// DataSource is the market data collaborator.
type DataSource interface {
	Instrument(orderBookID string) (*model.Instrument, bool)
	Instruments() []*model.Instrument
	// Bar returns the bar of orderBookID that closes at dt, if any.
	Bar(orderBookID string, dt time.Time) (*model.Bar, bool)
	TradingDates(start, end time.Time) []time.Time
	PreviousTradingDate(date time.Time, n int) time.Time
	NextTradingDate(date time.Time, n int) time.Time
	// ExchangeRate returns the bid/ask quote of one unit of market's
	// currency in the base currency. CN is always 1/1.
	ExchangeRate(market model.Market, date time.Time) (bid, ask decimal.Decimal)
}

// OpenOrders is the broker's read view of its working orders.
type OpenOrders interface {
	OpenOrders(orderBookID string) []*model.Order
	AllOpenOrders() []*model.Order
}

// Options are the engine-wide matching and accounting switches.
type Options struct {
	PriceLimit        bool
	VolumeLimit       bool
	VolumePercent     float64
	LiquidityLimit    bool
	MarginMultiplier  decimal.Decimal
	ForcedLiquidation bool
}

// DefaultOptions mirrors the defaults of the run configuration.
func DefaultOptions() Options {
	return Options{
		PriceLimit:        true,
		VolumeLimit:       true,
		VolumePercent:     0.25,
		MarginMultiplier:  decimal.NewFromInt(1),
		ForcedLiquidation: true,
	}
}

// Env is passed by pointer into every constructor that needs shared
// context. It is driven from the single engine goroutine only.
type Env struct {
	Options Options
	Data    DataSource
	Bus     *event.Bus
	Prices  *PriceBoard

	costs      map[model.AccountType]cost.Decider
	openOrders OpenOrders

	calendarDT  time.Time
	tradingDT   time.Time
	phase       Phase
	nextOrderID int64
}

// New creates an Env with an empty bus and price board.
func New(data DataSource, opts Options) *Env {
	return &Env{
		Options: opts,
		Data:    data,
		Bus:     event.NewBus(),
		Prices:  NewPriceBoard(),
		costs:   make(map[model.AccountType]cost.Decider),
		phase:   PhaseGlobal,
	}
}

// SetCostDecider registers the decider for one account type.
func (e *Env) SetCostDecider(t model.AccountType, d cost.Decider) {
	e.costs[t] = d
}

// CostDecider returns the decider that prices trades of ins.
func (e *Env) CostDecider(ins *model.Instrument) (cost.Decider, error) {
	d, ok := e.costs[ins.AccountType()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCostDecider, ins.AccountType())
	}
	return d, nil
}

// CostDeciders returns every registered decider.
func (e *Env) CostDeciders() map[model.AccountType]cost.Decider {
	return e.costs
}

// SetOpenOrders installs the broker's open-order view.
func (e *Env) SetOpenOrders(o OpenOrders) {
	e.openOrders = o
}

// OpenOrders returns the working orders of orderBookID.
func (e *Env) OpenOrders(orderBookID string) []*model.Order {
	if e.openOrders == nil {
		return nil
	}
	return e.openOrders.OpenOrders(orderBookID)
}

// AllOpenOrders returns every working order, in submission order.
func (e *Env) AllOpenOrders() []*model.Order {
	if e.openOrders == nil {
		return nil
	}
	return e.openOrders.AllOpenOrders()
}

// Instrument looks up reference data.
func (e *Env) Instrument(orderBookID string) (*model.Instrument, error) {
	ins, ok := e.Data.Instrument(orderBookID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, orderBookID)
	}
	return ins, nil
}

// LastPrice is the latest known price of orderBookID, zero if none.
func (e *Env) LastPrice(orderBookID string) decimal.Decimal {
	return e.Prices.Last(orderBookID)
}

// SetClock advances the simulation clock.
func (e *Env) SetClock(calendarDT, tradingDT time.Time) {
	e.calendarDT = calendarDT
	e.tradingDT = tradingDT
}

func (e *Env) CalendarDT() time.Time { return e.calendarDT }
func (e *Env) TradingDT() time.Time  { return e.tradingDT }

// TradingDate is the session date of the current trading datetime.
func (e *Env) TradingDate() time.Time {
	return model.TradingDate(e.tradingDT)
}

func (e *Env) Phase() Phase     { return e.phase }
func (e *Env) SetPhase(p Phase) { e.phase = p }

// NextOrderID hands out strictly increasing order ids.
func (e *Env) NextOrderID() int64 {
	e.nextOrderID++
	return e.nextOrderID
}

// LastOrderID is the highest id handed out so far.
func (e *Env) LastOrderID() int64 { return e.nextOrderID }

// RestoreOrderID makes sure future ids are above id.
func (e *Env) RestoreOrderID(id int64) {
	if id > e.nextOrderID {
		e.nextOrderID = id
	}
}

// Publish stamps e with the current clock and hands it to the bus.
func (e *Env) Publish(ev *event.Event) error {
	if ev.CalendarDT.IsZero() {
		ev.CalendarDT = e.calendarDT
	}
	if ev.TradingDT.IsZero() {
		ev.TradingDT = e.tradingDT
	}
	return e.Bus.Publish(ev)
}
