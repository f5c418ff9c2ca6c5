// Package engine wires the backtest core together and drives it through
// trading sessions. A producer goroutine turns the data source into a
// stream of session and market events; the run loop consumes them one at
// a time and expands each into its PRE/main/POST phases on the bus.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/broker"
	"github.com/atmx/backtest-engine/internal/config"
	"github.com/atmx/backtest-engine/internal/cost"
	"github.com/atmx/backtest-engine/internal/env"
	"github.com/atmx/backtest-engine/internal/event"
	"github.com/atmx/backtest-engine/internal/matcher"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/portfolio"
	"github.com/atmx/backtest-engine/internal/strategy"
	"github.com/atmx/backtest-engine/internal/validator"
)

var (
	ErrNoTradingDates = errors.New("engine: no trading dates in range")
	ErrAlreadyRun     = errors.New("engine: run already started")
)

const feedBuffer = 256

// Session clock offsets from midnight of a trading date.
const (
	beforeTradingAt = 9 * time.Hour
	openAuctionAt   = 9*time.Hour + 25*time.Minute
	afterTradingAt  = 15*time.Hour + 30*time.Minute
	settlementAt    = 17 * time.Hour
)

// Source is the market data the engine replays.
type Source interface {
	env.DataSource
	BarTimes(date time.Time) []time.Time
	BarsAt(dt time.Time) map[string]*model.Bar
	TicksOn(date time.Time) []*model.Tick
}

// Store persists settlement snapshots and the trade ledger.
type Store interface {
	SaveSnapshot(ctx context.Context, s *Snapshot) error
	AppendTrade(ctx context.Context, runID string, t *model.Trade) error
}

// Option customizes an Engine.
type Option func(*Engine)

// WithStore persists snapshots on POST_SETTLEMENT and trades on TRADE.
func WithStore(s Store) Option { return func(e *Engine) { e.store = s } }

// WithRunID overrides the generated run id.
func WithRunID(id string) Option { return func(e *Engine) { e.runID = id } }

// Engine owns one backtest.
type Engine struct {
	runID    string
	cfg      config.Run
	source   Source
	env      *env.Env
	pf       *portfolio.Portfolio
	broker   *broker.Broker
	api      *strategy.API
	strategy Strategy
	store    Store

	resumeAfter time.Time
	started     bool
	ctx         context.Context

	mu     sync.RWMutex
	view   *View
	trades []model.Trade
}

// New builds an engine for cfg over src. The strategy callbacks are
// registered after the broker, so existing orders are matched against a
// bar before the strategy sees it.
func New(src Source, cfg config.Run, strat Strategy, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	slip, err := cfg.SlippageDecider()
	if err != nil {
		return nil, err
	}
	if strat == nil {
		strat = NopStrategy{}
	}

	e := env.New(src, cfg.Options())
	e.SetCostDecider(model.AccountStock, cost.NewStockDecider(cfg.CommissionMultiplier, cfg.MinCommission, cfg.TaxMultiplier))
	e.SetCostDecider(model.AccountFuture, cost.NewFutureDecider(cfg.CommissionMultiplier))

	pf := portfolio.New(e, cfg.Accounts)
	validator.NewChain(e, pf, validator.Defaults(e)...).Register()
	pf.Register()
	b := broker.New(e, pf, matcher.New(e, cfg.Matching(), slip))
	b.Register()

	eng := &Engine{
		runID:    uuid.NewString(),
		cfg:      cfg,
		source:   src,
		env:      e,
		pf:       pf,
		broker:   b,
		api:      strategy.New(e, pf, b),
		strategy: strat,
		ctx:      context.Background(),
	}
	for _, opt := range opts {
		opt(eng)
	}
	eng.subscribe()
	eng.refreshView()
	return eng, nil
}

func (e *Engine) subscribe() {
	bus := e.env.Bus
	bus.Subscribe(event.BeforeTrading, func(*event.Event) error { return e.strategy.BeforeTrading(e.api) })
	bus.Subscribe(event.Bar, func(ev *event.Event) error { return e.strategy.HandleBar(e.api, ev.Bars) })
	bus.Subscribe(event.Tick, func(ev *event.Event) error { return e.strategy.HandleTick(e.api, ev.Tick) })
	bus.Subscribe(event.AfterTrading, func(*event.Event) error { return e.strategy.AfterTrading(e.api) })
	bus.Subscribe(event.Trade, e.onTrade)
	bus.Subscribe(event.PostSettlement, e.onPostSettlement)
	for _, t := range []event.Type{event.PostBar, event.PostTick, event.AfterTrading} {
		bus.Subscribe(t, func(*event.Event) error {
			e.refreshView()
			return nil
		})
	}
}

func (e *Engine) RunID() string                   { return e.runID }
func (e *Engine) Env() *env.Env                   { return e.env }
func (e *Engine) Portfolio() *portfolio.Portfolio { return e.pf }
func (e *Engine) Broker() *broker.Broker          { return e.broker }
func (e *Engine) API() *strategy.API              { return e.api }

// Subscribe adds a listener to the engine bus. It must be called before Run.
func (e *Engine) Subscribe(t event.Type, h event.Handler) {
	e.env.Bus.Subscribe(t, h)
}

// Run replays every trading date in the configured range, or the dates
// after the restored snapshot. It returns the first error raised by a
// listener, or ctx's error when cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if e.started {
		return ErrAlreadyRun
	}
	e.started = true

	dates := e.source.TradingDates(e.cfg.StartDate.Time, e.cfg.EndDate.Time)
	if !e.resumeAfter.IsZero() {
		kept := dates[:0:0]
		for _, d := range dates {
			if d.After(e.resumeAfter) {
				kept = append(kept, d)
			}
		}
		dates = kept
	}
	if len(dates) == 0 {
		return fmt.Errorf("%w: %s to %s", ErrNoTradingDates,
			e.cfg.StartDate.Format(time.DateOnly), e.cfg.EndDate.Format(time.DateOnly))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.ctx = ctx

	slog.Info("backtest started",
		"run_id", e.runID,
		"start", dates[0].Format(time.DateOnly),
		"end", dates[len(dates)-1].Format(time.DateOnly),
		"matching_type", e.cfg.Matching(),
		"frequency", e.cfg.Frequency,
	)
	if err := e.strategy.Init(e.api); err != nil {
		return fmt.Errorf("strategy init: %w", err)
	}

	q := event.NewQueue(feedBuffer)
	go func() {
		defer q.Close()
		for _, d := range dates {
			if err := e.feed(ctx, q, d); err != nil {
				return
			}
		}
	}()
	if err := q.Run(ctx, e.dispatch); err != nil {
		return err
	}
	// the feed stops early when ctx is done
	if err := ctx.Err(); err != nil {
		return err
	}

	e.env.SetPhase(env.PhaseFinalized)
	e.refreshView()
	slog.Info("backtest finished",
		"run_id", e.runID,
		"total_value", e.pf.TotalValue().StringFixed(2),
		"unit_net_value", e.pf.UnitNetValue(),
		"forced_liquidations", e.pf.ForcedLiquidations(),
	)
	return nil
}

// feed emits the session events of one trading date.
func (e *Engine) feed(ctx context.Context, q *event.Queue, date time.Time) error {
	at := func(t event.Type, offset time.Duration) *event.Event {
		dt := date.Add(offset)
		return &event.Event{Type: t, CalendarDT: dt, TradingDT: dt}
	}
	send := func(ev *event.Event) error { return q.Publish(ctx, ev) }

	if err := send(at(event.BeforeTrading, beforeTradingAt)); err != nil {
		return err
	}
	if e.cfg.Frequency == config.Tick {
		for _, t := range e.source.TicksOn(date) {
			if err := send(&event.Event{Type: event.Tick, CalendarDT: t.Datetime, TradingDT: t.Datetime, Tick: t}); err != nil {
				return err
			}
		}
	} else {
		times := e.source.BarTimes(date)
		if len(times) > 0 {
			auction := at(event.OpenAuction, openAuctionAt)
			auction.Bars = auctionBars(e.source.BarsAt(times[0]))
			if err := send(auction); err != nil {
				return err
			}
		}
		for _, dt := range times {
			if err := send(&event.Event{Type: event.Bar, CalendarDT: dt, TradingDT: dt, Bars: e.source.BarsAt(dt)}); err != nil {
				return err
			}
		}
	}
	if err := send(at(event.AfterTrading, afterTradingAt)); err != nil {
		return err
	}
	return send(at(event.Settlement, settlementAt))
}

// auctionBars reduces the first bars of a session to what is known at the
// open: every price is the open.
func auctionBars(bars map[string]*model.Bar) map[string]*model.Bar {
	out := make(map[string]*model.Bar, len(bars))
	for id, b := range bars {
		a := *b
		a.High, a.Low, a.Close = b.Open, b.Open, b.Open
		out[id] = &a
	}
	return out
}

// dispatch expands one fed event into its phases on the bus.
func (e *Engine) dispatch(ev *event.Event) error {
	e.env.SetClock(ev.CalendarDT, ev.TradingDT)
	publish := func(types ...event.Type) error {
		for _, t := range types {
			if err := e.env.Publish(&event.Event{Type: t, Bars: ev.Bars, Tick: ev.Tick}); err != nil {
				return fmt.Errorf("%s at %s: %w", t, ev.CalendarDT.Format(time.DateTime), err)
			}
		}
		return nil
	}

	switch ev.Type {
	case event.BeforeTrading:
		e.env.SetPhase(env.PhaseBeforeTrading)
		return publish(event.PreBeforeTrading, event.BeforeTrading)
	case event.OpenAuction:
		e.env.Prices.UpdateBars(ev.Bars)
		e.env.SetPhase(env.PhaseOpenAuction)
		return publish(event.OpenAuction, event.PostOpenAuction)
	case event.Bar:
		e.env.Prices.UpdateBars(ev.Bars)
		e.env.SetPhase(env.PhaseOnBar)
		return publish(event.PreBar, event.Bar, event.PostBar)
	case event.Tick:
		e.env.Prices.UpdateTick(ev.Tick)
		e.env.SetPhase(env.PhaseOnTick)
		return publish(event.PreTick, event.Tick, event.PostTick)
	case event.AfterTrading:
		e.env.SetPhase(env.PhaseAfterTrading)
		return publish(event.AfterTrading)
	case event.Settlement:
		e.env.SetPhase(env.PhaseSettlement)
		return publish(event.PreSettlement, event.Settlement, event.PostSettlement)
	default:
		return fmt.Errorf("engine: unexpected fed event %s", ev.Type)
	}
}

func (e *Engine) onTrade(ev *event.Event) error {
	if ev.Trade == nil {
		return nil
	}
	e.mu.Lock()
	e.trades = append(e.trades, *ev.Trade)
	e.mu.Unlock()
	if e.store == nil {
		return nil
	}
	if err := e.store.AppendTrade(e.ctx, e.runID, ev.Trade); err != nil {
		slog.Error("trade not persisted", "run_id", e.runID, "exec_id", ev.Trade.ExecID, "err", err)
		return fmt.Errorf("append trade: %w", err)
	}
	return nil
}

func (e *Engine) onPostSettlement(*event.Event) error {
	e.refreshView()
	slog.Info("settled",
		"run_id", e.runID,
		"trading_date", e.env.TradingDate().Format(time.DateOnly),
		"total_value", e.pf.TotalValue().StringFixed(2),
		"cash", e.pf.Cash().StringFixed(2),
		"daily_pnl", e.pf.DailyPnL().StringFixed(2),
		"unit_net_value", e.pf.UnitNetValue(),
	)
	if e.store == nil {
		return nil
	}
	if err := e.store.SaveSnapshot(e.ctx, e.Snapshot()); err != nil {
		slog.Error("snapshot not persisted", "run_id", e.runID, "err", err)
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Trades returns a copy of every trade booked so far. Safe for concurrent use.
func (e *Engine) Trades() []model.Trade {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.Trade, len(e.trades))
	copy(out, e.trades)
	return out
}

// Deposit adds cash to an account between sessions.
func (e *Engine) Deposit(t model.AccountType, amount decimal.Decimal) error {
	return e.pf.Deposit(t, amount)
}
