package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/broker"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/portfolio"
)

var ErrInvalidSnapshot = errors.New("engine: invalid snapshot")

// Snapshot is the recoverable state written after each settlement.
type Snapshot struct {
	RunID       string          `json:"run_id"`
	TradingDate time.Time       `json:"trading_date"`
	Portfolio   portfolio.State `json:"portfolio"`
	Broker      broker.State    `json:"broker"`
}

// Snapshot captures the current state. Call it from the engine goroutine
// or while the engine is not running.
func (e *Engine) Snapshot() *Snapshot {
	return &Snapshot{
		RunID:       e.runID,
		TradingDate: e.env.TradingDate(),
		Portfolio:   e.pf.State(),
		Broker:      e.broker.State(),
	}
}

// Restore loads s before Run; the run then resumes with the first trading
// date after the snapshot. The snapshot's run id is adopted.
func (e *Engine) Restore(s *Snapshot) error {
	if e.started {
		return ErrAlreadyRun
	}
	if s.RunID == "" {
		return fmt.Errorf("%w: empty run id", ErrInvalidSnapshot)
	}
	if err := e.pf.SetState(s.Portfolio); err != nil {
		return fmt.Errorf("restore portfolio: %w", err)
	}
	if err := e.broker.SetState(s.Broker); err != nil {
		return fmt.Errorf("restore broker: %w", err)
	}
	e.runID = s.RunID
	e.resumeAfter = s.TradingDate
	e.env.SetClock(s.TradingDate, s.TradingDate)
	e.refreshView()
	slog.Info("snapshot restored",
		"run_id", s.RunID,
		"trading_date", s.TradingDate.Format(time.DateOnly),
		"open_orders", len(s.Broker.OpenOrders)+len(s.Broker.DelayedOrders),
	)
	return nil
}

// View is a read-only copy of the engine state for reporting.
type View struct {
	RunID       string                            `json:"run_id"`
	TradingDate string                            `json:"trading_date"`
	Phase       string                            `json:"phase"`
	Portfolio   PortfolioView                     `json:"portfolio"`
	Accounts    map[model.AccountType]AccountView `json:"accounts"`
	Positions   []PositionView                    `json:"positions"`
	OpenOrders  []model.OrderState                `json:"open_orders"`
}

type PortfolioView struct {
	TotalValue         decimal.Decimal    `json:"total_value"`
	Cash               decimal.Decimal    `json:"cash"`
	FrozenCash         decimal.Decimal    `json:"frozen_cash"`
	MarketValue        decimal.Decimal    `json:"market_value"`
	DailyPnL           decimal.Decimal    `json:"daily_pnl"`
	TransactionCost    decimal.Decimal    `json:"transaction_cost"`
	StaticTotalValue   decimal.Decimal    `json:"static_total_value"`
	Units              decimal.Decimal    `json:"units"`
	UnitNetValue       portfolio.NetValue `json:"unit_net_value"`
	StaticUnitNetValue portfolio.NetValue `json:"static_unit_net_value"`
	DailyReturns       portfolio.NetValue `json:"daily_returns"`
}

type AccountView struct {
	Type               model.AccountType `json:"type"`
	TotalValue         decimal.Decimal   `json:"total_value"`
	Cash               decimal.Decimal   `json:"cash"`
	TotalCash          decimal.Decimal   `json:"total_cash"`
	FrozenCash         decimal.Decimal   `json:"frozen_cash"`
	MarketValue        decimal.Decimal   `json:"market_value"`
	Margin             decimal.Decimal   `json:"margin"`
	Equity             decimal.Decimal   `json:"equity"`
	DailyPnL           decimal.Decimal   `json:"daily_pnl"`
	TradingPnL         decimal.Decimal   `json:"trading_pnl"`
	PositionPnL        decimal.Decimal   `json:"position_pnl"`
	TransactionCost    decimal.Decimal   `json:"transaction_cost"`
	StaticTotalValue   decimal.Decimal   `json:"static_total_value"`
	ForcedLiquidations int               `json:"forced_liquidations"`
}

type PositionView struct {
	Account       model.AccountType `json:"account"`
	OrderBookID   string            `json:"order_book_id"`
	Direction     model.Direction   `json:"direction"`
	Quantity      int64             `json:"quantity"`
	OldQuantity   int64             `json:"old_quantity"`
	TodayQuantity int64             `json:"today_quantity"`
	Closable      int64             `json:"closable"`
	AvgPrice      decimal.Decimal   `json:"avg_price"`
	LastPrice     decimal.Decimal   `json:"last_price"`
	MarketValue   decimal.Decimal   `json:"market_value"`
	Margin        decimal.Decimal   `json:"margin"`
	Equity        decimal.Decimal   `json:"equity"`
	TradingPnL    decimal.Decimal   `json:"trading_pnl"`
	PositionPnL   decimal.Decimal   `json:"position_pnl"`
}

// refreshView recomputes the reporting view on the engine goroutine.
func (e *Engine) refreshView() {
	v := &View{
		RunID:       e.runID,
		TradingDate: e.env.TradingDate().Format(time.DateOnly),
		Phase:       e.env.Phase().String(),
		Portfolio: PortfolioView{
			TotalValue:         e.pf.TotalValue(),
			Cash:               e.pf.Cash(),
			FrozenCash:         e.pf.FrozenCash(),
			MarketValue:        e.pf.MarketValue(),
			DailyPnL:           e.pf.DailyPnL(),
			TransactionCost:    e.pf.TransactionCost(),
			StaticTotalValue:   e.pf.StaticTotalValue(),
			Units:              e.pf.Units(),
			UnitNetValue:       portfolio.NetValue(e.pf.UnitNetValue()),
			StaticUnitNetValue: portfolio.NetValue(e.pf.StaticUnitNetValue()),
			DailyReturns:       portfolio.NetValue(e.pf.DailyReturns()),
		},
		Accounts:  make(map[model.AccountType]AccountView),
		Positions: []PositionView{},
	}
	for _, a := range e.pf.Accounts() {
		v.Accounts[a.Type()] = AccountView{
			Type:               a.Type(),
			TotalValue:         a.TotalValue(),
			Cash:               a.Cash(),
			TotalCash:          a.TotalCash(),
			FrozenCash:         a.FrozenCash(),
			MarketValue:        a.MarketValue(),
			Margin:             a.Margin(),
			Equity:             a.Equity(),
			DailyPnL:           a.DailyPnL(),
			TradingPnL:         a.TradingPnL(),
			PositionPnL:        a.PositionPnL(),
			TransactionCost:    a.TransactionCost(),
			StaticTotalValue:   a.StaticTotalValue(),
			ForcedLiquidations: a.ForcedLiquidations(),
		}
		for _, p := range a.Positions() {
			v.Positions = append(v.Positions, PositionView{
				Account:       a.Type(),
				OrderBookID:   p.OrderBookID(),
				Direction:     p.Direction(),
				Quantity:      p.Quantity(),
				OldQuantity:   p.OldQuantity(),
				TodayQuantity: p.TodayQuantity(),
				Closable:      a.Closable(p.OrderBookID(), p.Direction()),
				AvgPrice:      p.AvgPrice(),
				LastPrice:     p.LastPrice(),
				MarketValue:   p.MarketValue(),
				Margin:        p.Margin(),
				Equity:        p.Equity(),
				TradingPnL:    p.TradingPnL(),
				PositionPnL:   p.PositionPnL(),
			})
		}
	}
	for _, o := range e.broker.AllOpenOrders() {
		v.OpenOrders = append(v.OpenOrders, o.State())
	}
	if v.OpenOrders == nil {
		v.OpenOrders = []model.OrderState{}
	}

	e.mu.Lock()
	e.view = v
	e.mu.Unlock()
}

// View returns the latest reporting view. Safe for concurrent use; the
// returned value must not be modified.
func (e *Engine) View() *View {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.view
}
