package portfolio

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/cost"
	"github.com/atmx/backtest-engine/internal/data"
	"github.com/atmx/backtest-engine/internal/env"
	"github.com/atmx/backtest-engine/internal/event"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/position"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

var (
	today = time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)
	next  = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
)

const (
	stockID  = "000001.XSHE"
	futureID = "IF2403"
)

func newTestEnv(t *testing.T) *env.Env {
	t.Helper()
	src := data.NewMemorySource()
	src.AddInstrument(&model.Instrument{OrderBookID: stockID, Type: model.TypeStock, Market: model.MarketCN, RoundLot: 100, MarketTPlus: 1})
	src.AddInstrument(&model.Instrument{
		OrderBookID:        futureID,
		Type:               model.TypeFuture,
		ContractMultiplier: d(300),
		MarginRate:         d(0.1),
		Commission:         model.CommissionInfo{Type: model.CommissionByVolume},
	})
	src.SetTradingDates([]time.Time{today, next})

	e := env.New(src, env.DefaultOptions())
	e.SetCostDecider(model.AccountStock, cost.NewStockDecider(d(1), cost.DefaultMinCommission, d(1)))
	e.SetCostDecider(model.AccountFuture, cost.NewFutureDecider(d(1)))
	e.SetClock(today, today)
	e.Prices.UpdateBars(map[string]*model.Bar{
		stockID:  {OrderBookID: stockID, Close: d(10)},
		futureID: {OrderBookID: futureID, Close: d(4000)},
	})
	return e
}

func newTestPortfolio(t *testing.T, e *env.Env) *Portfolio {
	t.Helper()
	p := New(e, map[model.AccountType]decimal.Decimal{
		model.AccountStock:  d(1000000),
		model.AccountFuture: d(100000),
	})
	p.Register()
	return p
}

func fillAndPublish(t *testing.T, e *env.Env, o *model.Order, execID string, price float64, qty int64, commission float64) {
	t.Helper()
	tr := &model.Trade{
		ExecID:          execID,
		OrderID:         o.ID(),
		OrderBookID:     o.OrderBookID(),
		Side:            o.Side(),
		PositionEffect:  o.PositionEffect(),
		LastPrice:       d(price),
		LastQuantity:    qty,
		Commission:      d(commission),
		TradingDatetime: today,
	}
	if err := o.Fill(tr); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if err := e.Publish(&event.Event{Type: event.Trade, Trade: tr, Order: o}); err != nil {
		t.Fatalf("publish trade: %v", err)
	}
}

func TestAccount_FreezeAndProRataRelease(t *testing.T) {
	e := newTestEnv(t)
	p := newTestPortfolio(t, e)
	acc, _ := p.Account(model.AccountStock)

	o := model.NewOrder(1, stockID, 1000, model.SideBuy, model.OrderTypeLimit, model.EffectOpen, d(10), today, today)
	if err := e.Publish(&event.Event{Type: event.OrderPendingNew, Order: o}); err != nil {
		t.Fatal(err)
	}
	// 10 * 1000 notional + 8 commission
	if !acc.FrozenCash().Equal(d(10008)) {
		t.Fatalf("expected frozen 10008, got %s", acc.FrozenCash())
	}

	o.Active()
	fillAndPublish(t, e, o, "t1", 10, 400, 5)
	if !acc.FrozenCash().Equal(d(6004.8)) {
		t.Errorf("expected 6004.8 still frozen, got %s", acc.FrozenCash())
	}
	if !acc.TotalValue().Equal(d(999995)) {
		t.Errorf("expected total value 999995, got %s", acc.TotalValue())
	}
	if !acc.Cash().Equal(d(989990.2)) {
		t.Errorf("expected cash 989990.2, got %s", acc.Cash())
	}

	o.MarkCancelled("user cancel")
	_ = e.Publish(&event.Event{Type: event.OrderCancellationPass, Order: o})
	if !acc.FrozenCash().IsZero() {
		t.Errorf("cancel must release the rest, got %s", acc.FrozenCash())
	}
	if got := acc.Quantity(stockID, model.DirectionLong); got != 400 {
		t.Errorf("expected 400 held, got %d", got)
	}
}

func TestAccount_FullFillReleasesEverything(t *testing.T) {
	e := newTestEnv(t)
	p := newTestPortfolio(t, e)
	acc, _ := p.Account(model.AccountStock)

	o := model.NewOrder(1, stockID, 300, model.SideBuy, model.OrderTypeLimit, model.EffectOpen, d(10), today, today)
	_ = e.Publish(&event.Event{Type: event.OrderPendingNew, Order: o})
	o.Active()
	fillAndPublish(t, e, o, "a", 9.9, 100, 5)
	fillAndPublish(t, e, o, "b", 9.9, 200, 0)
	if !acc.FrozenCash().IsZero() {
		t.Errorf("filled order must not keep frozen cash, got %s", acc.FrozenCash())
	}
}

func TestAccount_DuplicateTradeIsSkipped(t *testing.T) {
	e := newTestEnv(t)
	p := newTestPortfolio(t, e)
	acc, _ := p.Account(model.AccountStock)
	ins, _ := e.Instrument(stockID)

	tr := &model.Trade{ExecID: "dup", OrderID: 9, OrderBookID: stockID, Side: model.SideBuy, PositionEffect: model.EffectOpen, LastPrice: d(10), LastQuantity: 100}
	if err := acc.ApplyTrade(ins, tr, nil); err != nil {
		t.Fatal(err)
	}
	if err := acc.ApplyTrade(ins, tr, nil); err != nil {
		t.Fatal(err)
	}
	if got := acc.Quantity(stockID, model.DirectionLong); got != 100 {
		t.Errorf("expected 100, got %d", got)
	}
}

func TestAccount_TradesRouteByAccountType(t *testing.T) {
	e := newTestEnv(t)
	p := newTestPortfolio(t, e)
	stockAcc, _ := p.Account(model.AccountStock)
	futAcc, _ := p.Account(model.AccountFuture)

	o := model.NewOrder(1, futureID, 2, model.SideSell, model.OrderTypeMarket, model.EffectOpen, decimal.Zero, today, today)
	o.SetFrozenPrice(d(4000))
	_ = e.Publish(&event.Event{Type: event.OrderPendingNew, Order: o})
	o.Active()
	fillAndPublish(t, e, o, "f1", 4000, 2, 0)

	if len(stockAcc.Positions()) != 0 {
		t.Error("future trade leaked into the stock account")
	}
	if futAcc.Quantity(futureID, model.DirectionShort) != 2 {
		t.Errorf("expected short 2, got %d", futAcc.Quantity(futureID, model.DirectionShort))
	}
	// 0.1 * 2 * 4000 * 300
	if !futAcc.Margin().Equal(d(240000)) {
		t.Errorf("expected margin 240000, got %s", futAcc.Margin())
	}
}

func TestAccount_ForcedLiquidation(t *testing.T) {
	e := newTestEnv(t)
	p := newTestPortfolio(t, e)
	acc, _ := p.Account(model.AccountFuture)
	ins, _ := e.Instrument(futureID)

	tr := &model.Trade{ExecID: "x", OrderBookID: futureID, Side: model.SideBuy, PositionEffect: model.EffectOpen, LastPrice: d(4000), LastQuantity: 10}
	if err := acc.ApplyTrade(ins, tr, nil); err != nil {
		t.Fatal(err)
	}
	e.Prices.UpdateBars(map[string]*model.Bar{futureID: {OrderBookID: futureID, Close: d(3960)}})

	acc.Settle(next)

	if len(acc.Positions()) != 0 {
		t.Errorf("expected empty position map, got %d positions", len(acc.Positions()))
	}
	if !acc.TotalValue().IsZero() || !acc.StaticTotalValue().IsZero() {
		t.Errorf("expected zero equity, got %s", acc.TotalValue())
	}
	if acc.ForcedLiquidations() != 1 {
		t.Errorf("expected one liquidation, got %d", acc.ForcedLiquidations())
	}
}

func TestAccount_NoLiquidationWhenDisabled(t *testing.T) {
	e := newTestEnv(t)
	e.Options.ForcedLiquidation = false
	p := newTestPortfolio(t, e)
	acc, _ := p.Account(model.AccountFuture)
	ins, _ := e.Instrument(futureID)

	_ = acc.ApplyTrade(ins, &model.Trade{ExecID: "x", OrderBookID: futureID, Side: model.SideBuy, PositionEffect: model.EffectOpen, LastPrice: d(4000), LastQuantity: 10}, nil)
	e.Prices.UpdateBars(map[string]*model.Bar{futureID: {OrderBookID: futureID, Close: d(3960)}})
	acc.Settle(next)

	if len(acc.Positions()) != 1 || !acc.StaticTotalValue().Equal(d(-20000)) {
		t.Errorf("expected the losing position kept with -20000, got %d positions and %s", len(acc.Positions()), acc.StaticTotalValue())
	}
}

func TestAccount_SettlementRollsAndDrops(t *testing.T) {
	e := newTestEnv(t)
	p := newTestPortfolio(t, e)
	acc, _ := p.Account(model.AccountStock)
	ins, _ := e.Instrument(stockID)

	_ = acc.ApplyTrade(ins, &model.Trade{ExecID: "1", OrderBookID: stockID, Side: model.SideBuy, PositionEffect: model.EffectOpen, LastPrice: d(10), LastQuantity: 500, Commission: d(5)}, nil)
	e.Prices.UpdateBars(map[string]*model.Bar{stockID: {OrderBookID: stockID, Close: d(10.4)}})

	if err := e.Publish(&event.Event{Type: event.Settlement}); err != nil {
		t.Fatal(err)
	}
	pos, ok := acc.Position(stockID, model.DirectionLong)
	if !ok {
		t.Fatal("position should survive settlement")
	}
	if pos.OldQuantity() != 500 || pos.TodayQuantity() != 0 {
		t.Errorf("expected old 500, got old=%d today=%d", pos.OldQuantity(), pos.TodayQuantity())
	}
	// 1,000,000 + 500 * 0.4 - 5
	if !acc.StaticTotalValue().Equal(d(1000195)) {
		t.Errorf("expected static 1000195, got %s", acc.StaticTotalValue())
	}
	if !acc.DailyPnL().IsZero() {
		t.Errorf("daily pnl must restart at zero, got %s", acc.DailyPnL())
	}

	_ = acc.ApplyTrade(ins, &model.Trade{ExecID: "2", OrderBookID: stockID, Side: model.SideSell, PositionEffect: model.EffectClose, LastPrice: d(10.4), LastQuantity: 500}, nil)
	acc.Settle(next)
	if len(acc.Positions()) != 0 {
		t.Errorf("flat position must be dropped, got %d", len(acc.Positions()))
	}
}

func TestAccount_StateRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	p := newTestPortfolio(t, e)
	acc, _ := p.Account(model.AccountStock)
	ins, _ := e.Instrument(stockID)
	_ = acc.ApplyTrade(ins, &model.Trade{ExecID: "e1", OrderBookID: stockID, Side: model.SideBuy, PositionEffect: model.EffectOpen, LastPrice: d(10), LastQuantity: 200}, nil)

	state := p.State()

	e2 := newTestEnv(t)
	restored := New(e2, map[model.AccountType]decimal.Decimal{model.AccountStock: decimal.Zero})
	restored.Register()
	if err := restored.SetState(state); err != nil {
		t.Fatal(err)
	}
	racc, _ := restored.Account(model.AccountStock)
	if racc.Quantity(stockID, model.DirectionLong) != 200 {
		t.Errorf("position not restored")
	}
	if !restored.TotalValue().Equal(p.TotalValue()) {
		t.Errorf("expected total %s, got %s", p.TotalValue(), restored.TotalValue())
	}
	rins, _ := e2.Instrument(stockID)
	_ = racc.ApplyTrade(rins, &model.Trade{ExecID: "e1", OrderBookID: stockID, Side: model.SideBuy, PositionEffect: model.EffectOpen, LastPrice: d(10), LastQuantity: 200}, nil)
	if racc.Quantity(stockID, model.DirectionLong) != 200 {
		t.Errorf("replayed trade must be ignored after restore")
	}
}

func TestAccount_RestoreUnknownInstrument(t *testing.T) {
	e := newTestEnv(t)
	acc := NewAccount(e, model.AccountStock, decimal.Zero)
	err := acc.SetState(AccountState{Positions: map[string]map[model.Direction]position.State{
		"NOPE": {model.DirectionLong: {OldQuantity: 1}},
	}})
	if !errors.Is(err, env.ErrUnknownInstrument) {
		t.Errorf("expected ErrUnknownInstrument, got %v", err)
	}
}

func TestPortfolio_UnitNetValue(t *testing.T) {
	e := newTestEnv(t)
	p := newTestPortfolio(t, e)
	if got := p.UnitNetValue(); got != 1 {
		t.Errorf("expected 1, got %v", got)
	}
	empty := New(e, nil)
	if !math.IsNaN(empty.UnitNetValue()) {
		t.Errorf("expected NaN with zero units, got %v", empty.UnitNetValue())
	}
	if err := p.Deposit(model.AccountStock, d(100000)); err != nil {
		t.Fatal(err)
	}
	if got := p.UnitNetValue(); got != 1 {
		t.Errorf("deposit must not move unit net value, got %v", got)
	}
}

func TestPortfolio_StateWithoutUnitsRoundTrips(t *testing.T) {
	e := newTestEnv(t)
	p := New(e, map[model.AccountType]decimal.Decimal{model.AccountFuture: decimal.Zero})
	p.Register()
	if err := e.Publish(&event.Event{Type: event.Settlement}); err != nil {
		t.Fatal(err)
	}
	if !math.IsNaN(p.StaticUnitNetValue()) {
		t.Fatalf("expected NaN static unit net value, got %v", p.StaticUnitNetValue())
	}

	raw, err := json.Marshal(p.State())
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		StaticUnitNetValue *float64 `json:"static_unit_net_value"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.StaticUnitNetValue != nil {
		t.Errorf("expected null, got %v", *decoded.StaticUnitNetValue)
	}

	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		t.Fatal(err)
	}
	restored := New(newTestEnv(t), map[model.AccountType]decimal.Decimal{model.AccountFuture: decimal.Zero})
	if err := restored.SetState(state); err != nil {
		t.Fatal(err)
	}
	if !math.IsNaN(restored.StaticUnitNetValue()) {
		t.Errorf("expected NaN after restore, got %v", restored.StaticUnitNetValue())
	}
}

func TestNetValue_JSON(t *testing.T) {
	raw, err := json.Marshal(NetValue(1.25))
	if err != nil || string(raw) != "1.25" {
		t.Errorf("expected 1.25, got %s (%v)", raw, err)
	}
	var v NetValue
	if err := json.Unmarshal([]byte("0.5"), &v); err != nil || v != 0.5 {
		t.Errorf("expected 0.5, got %v (%v)", v, err)
	}
}
