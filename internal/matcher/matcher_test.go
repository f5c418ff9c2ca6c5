package matcher

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/cost"
	"github.com/atmx/backtest-engine/internal/data"
	"github.com/atmx/backtest-engine/internal/env"
	"github.com/atmx/backtest-engine/internal/event"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/portfolio"
	"github.com/atmx/backtest-engine/internal/slippage"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

var (
	now  = time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)
	next = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
)

const stockID = "600000.XSHG"

type harness struct {
	env    *env.Env
	acc    *portfolio.Account
	trades []*model.Trade
	nextID int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	src := data.NewMemorySource()
	src.AddInstrument(&model.Instrument{OrderBookID: stockID, Type: model.TypeStock, Market: model.MarketCN, RoundLot: 100, MarketTPlus: 1})
	src.SetTradingDates([]time.Time{now, next})

	e := env.New(src, env.DefaultOptions())
	e.SetCostDecider(model.AccountStock, cost.NewStockDecider(d(1), cost.DefaultMinCommission, d(1)))
	e.SetClock(now, now)
	p := portfolio.New(e, map[model.AccountType]decimal.Decimal{model.AccountStock: d(100000000)})
	p.Register()
	acc, _ := p.Account(model.AccountStock)

	h := &harness{env: e, acc: acc}
	e.Bus.Subscribe(event.Trade, func(ev *event.Event) error {
		h.trades = append(h.trades, ev.Trade)
		return nil
	})
	return h
}

func (h *harness) bar(b *model.Bar) {
	b.OrderBookID = stockID
	h.env.Prices.UpdateBars(map[string]*model.Bar{stockID: b})
}

func (h *harness) order(side model.Side, typ model.OrderType, effect model.PositionEffect, qty int64, limit float64) *model.Order {
	h.nextID++
	o := model.NewOrder(h.nextID, stockID, qty, side, typ, effect, d(limit), now, now)
	o.Active()
	return o
}

func TestBarMatcher_VolumeCapCancelsMarketResidual(t *testing.T) {
	h := newHarness(t)
	h.bar(&model.Bar{Open: d(1), Close: d(1), Volume: d(1000000), TotalTurnover: d(1000000)})
	m := New(h.env, CurrentBar, nil)
	m.Update(&event.Event{Type: event.Bar})

	o := h.order(model.SideBuy, model.OrderTypeMarket, model.EffectOpen, 1000000, 0)
	if err := m.Match(h.acc, o, false); err != nil {
		t.Fatal(err)
	}
	if o.FilledQuantity() != 250000 {
		t.Errorf("expected 250000 filled, got %d", o.FilledQuantity())
	}
	if o.Status() != model.StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", o.Status())
	}
	if len(h.trades) != 1 || h.trades[0].LastQuantity != 250000 {
		t.Fatalf("expected one trade of 250000, got %+v", h.trades)
	}
	if q := h.acc.Quantity(stockID, model.DirectionLong); q != 250000 {
		t.Errorf("expected position 250000, got %d", q)
	}

	// The bar is used up for a second order in the same step.
	o2 := h.order(model.SideBuy, model.OrderTypeMarket, model.EffectOpen, 100, 0)
	if err := m.Match(h.acc, o2, false); err != nil {
		t.Fatal(err)
	}
	if o2.FilledQuantity() != 0 || o2.Status() != model.StatusCancelled {
		t.Errorf("expected cancelled without fill, got %s filled %d", o2.Status(), o2.FilledQuantity())
	}

	// A new bar resets the cap.
	m.Update(&event.Event{Type: event.Bar})
	o3 := h.order(model.SideBuy, model.OrderTypeMarket, model.EffectOpen, 100, 0)
	if err := m.Match(h.acc, o3, false); err != nil {
		t.Fatal(err)
	}
	if o3.Status() != model.StatusFilled {
		t.Errorf("expected FILLED after reset, got %s", o3.Status())
	}
}

func TestBarMatcher_CapFloorsBeforeSubtractingTurnover(t *testing.T) {
	h := newHarness(t)
	h.bar(&model.Bar{Close: d(10), Volume: d(1050)})
	m := New(h.env, CurrentBar, nil)

	oddLot := h.order(model.SideBuy, model.OrderTypeLimit, model.EffectOpen, 50, 10)
	if err := m.Match(h.acc, oddLot, false); err != nil {
		t.Fatal(err)
	}
	if oddLot.FilledQuantity() != 50 {
		t.Fatalf("expected 50 filled, got %d", oddLot.FilledQuantity())
	}

	o := h.order(model.SideBuy, model.OrderTypeLimit, model.EffectOpen, 1000, 10)
	if err := m.Match(h.acc, o, false); err != nil {
		t.Fatal(err)
	}
	// floor_lot(round(1050 * 0.25)) - 50 = 200 - 50
	if o.FilledQuantity() != 150 {
		t.Errorf("expected 150, got %d", o.FilledQuantity())
	}
}

func TestBarMatcher_CapFlooredToLot(t *testing.T) {
	h := newHarness(t)
	h.bar(&model.Bar{Close: d(10), Volume: d(1050)})
	m := New(h.env, CurrentBar, nil)
	o := h.order(model.SideBuy, model.OrderTypeLimit, model.EffectOpen, 1000, 10)
	if err := m.Match(h.acc, o, false); err != nil {
		t.Fatal(err)
	}
	// round(1050 * 0.25) = 262 -> 200
	if o.FilledQuantity() != 200 {
		t.Errorf("expected 200, got %d", o.FilledQuantity())
	}
	if o.Status() != model.StatusActive {
		t.Errorf("limit order must keep working, got %s", o.Status())
	}
}

func TestBarMatcher_Checks(t *testing.T) {
	tests := []struct {
		name       string
		bar        model.Bar
		side       model.Side
		typ        model.OrderType
		limit      float64
		wantStatus model.OrderStatus
	}{
		{"limit buy below close waits", model.Bar{Close: d(10), Volume: d(1e6)}, model.SideBuy, model.OrderTypeLimit, 9.9, model.StatusActive},
		{"limit sell above close waits", model.Bar{Close: d(10), Volume: d(1e6)}, model.SideSell, model.OrderTypeLimit, 10.1, model.StatusActive},
		{"market buy at limit up rejected", model.Bar{Close: d(11), LimitUp: d(11), LimitDown: d(9), Volume: d(1e6)}, model.SideBuy, model.OrderTypeMarket, 0, model.StatusRejected},
		{"limit buy at limit up waits", model.Bar{Close: d(11), LimitUp: d(11), LimitDown: d(9), Volume: d(1e6)}, model.SideBuy, model.OrderTypeLimit, 11, model.StatusActive},
		{"market sell at limit down rejected", model.Bar{Close: d(9), LimitUp: d(11), LimitDown: d(9), Volume: d(1e6)}, model.SideSell, model.OrderTypeMarket, 0, model.StatusRejected},
		{"suspended rejected", model.Bar{Close: d(10), Suspended: true}, model.SideBuy, model.OrderTypeLimit, 10, model.StatusRejected},
		{"no price rejected", model.Bar{Volume: d(1e6)}, model.SideBuy, model.OrderTypeMarket, 0, model.StatusRejected},
		{"market buy fills", model.Bar{Close: d(10), Volume: d(1e6)}, model.SideBuy, model.OrderTypeMarket, 0, model.StatusFilled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			bar := tt.bar
			h.bar(&bar)
			m := New(h.env, CurrentBar, nil)
			effect := model.EffectOpen
			if tt.side == model.SideSell {
				effect = model.EffectClose
			}
			o := h.order(tt.side, tt.typ, effect, 100, tt.limit)
			if err := m.Match(h.acc, o, false); err != nil {
				t.Fatal(err)
			}
			if o.Status() != tt.wantStatus {
				t.Errorf("expected %s, got %s (%s)", tt.wantStatus, o.Status(), o.Message())
			}
		})
	}
}

func TestDealPrices(t *testing.T) {
	tests := []struct {
		typ  Type
		want float64
	}{
		{CurrentBar, 10.2},
		{NextBar, 9.8},
		{VWAP, 10.05},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			h := newHarness(t)
			h.bar(&model.Bar{Open: d(9.8), Close: d(10.2), Volume: d(10000), TotalTurnover: d(100500)})
			m := New(h.env, tt.typ, nil)
			o := h.order(model.SideBuy, model.OrderTypeMarket, model.EffectOpen, 100, 0)
			if err := m.Match(h.acc, o, false); err != nil {
				t.Fatal(err)
			}
			if len(h.trades) != 1 || !h.trades[0].LastPrice.Equal(d(tt.want)) {
				t.Fatalf("expected one trade at %v, got %+v", tt.want, h.trades)
			}
		})
	}
}

func TestBarMatcher_SlippageSkippedAtOpenAuction(t *testing.T) {
	h := newHarness(t)
	h.bar(&model.Bar{Open: d(10), Close: d(10), Volume: d(1e6)})
	slip, _ := slippage.NewPriceRatio(d(0.01))
	m := New(h.env, CurrentBar, slip)

	auction := h.order(model.SideBuy, model.OrderTypeMarket, model.EffectOpen, 100, 0)
	if err := m.Match(h.acc, auction, true); err != nil {
		t.Fatal(err)
	}
	regular := h.order(model.SideBuy, model.OrderTypeMarket, model.EffectOpen, 100, 0)
	if err := m.Match(h.acc, regular, false); err != nil {
		t.Fatal(err)
	}
	if !h.trades[0].LastPrice.Equal(d(10)) {
		t.Errorf("auction trade must not slip, got %s", h.trades[0].LastPrice)
	}
	if !h.trades[1].LastPrice.Equal(d(10.1)) {
		t.Errorf("expected 10.1 with slippage, got %s", h.trades[1].LastPrice)
	}
}

func TestBarMatcher_CostsAttachedAndCloseTodayAmount(t *testing.T) {
	h := newHarness(t)
	ins, _ := h.env.Instrument(stockID)
	open := func(id string, qty int64) {
		tr := &model.Trade{ExecID: id, OrderBookID: stockID, Side: model.SideBuy, PositionEffect: model.EffectOpen, LastPrice: d(10), LastQuantity: qty}
		if err := h.acc.ApplyTrade(ins, tr, nil); err != nil {
			t.Fatal(err)
		}
	}
	h.bar(&model.Bar{Close: d(10), Volume: d(1e6)})
	open("old", 300)
	h.acc.Settle(next)
	open("today", 200)

	m := New(h.env, CurrentBar, nil)
	o := h.order(model.SideSell, model.OrderTypeMarket, model.EffectClose, 400, 0)
	if err := m.Match(h.acc, o, false); err != nil {
		t.Fatal(err)
	}
	tr := h.trades[0]
	if tr.CloseTodayAmount != 100 {
		t.Errorf("expected close-today amount 100, got %d", tr.CloseTodayAmount)
	}
	// 4000 * 0.0008 = 3.2 -> minimum 5; stamp duty 4000 * 0.0005 = 2
	if !tr.Commission.Equal(d(5)) || !tr.Tax.Equal(d(2)) {
		t.Errorf("expected commission 5 tax 2, got %s %s", tr.Commission, tr.Tax)
	}
	if !o.TransactionCost().Equal(d(7)) {
		t.Errorf("order transaction cost should be 7, got %s", o.TransactionCost())
	}
	if tr.ExecID == "" {
		t.Error("trade must carry an exec id")
	}
}

func tickAt(asks []float64, askVols []int64, bids []float64, bidVols []int64) *model.Tick {
	t := &model.Tick{OrderBookID: stockID, Datetime: now, Last: d(10), Volume: d(1e6), AskVolumes: askVols, BidVolumes: bidVols}
	for _, p := range asks {
		t.AskPrices = append(t.AskPrices, d(p))
	}
	for _, p := range bids {
		t.BidPrices = append(t.BidPrices, d(p))
	}
	return t
}

func TestTickMatcher_BestQuotes(t *testing.T) {
	h := newHarness(t)
	tick := tickAt([]float64{10.01}, []int64{1000}, []float64{9.99}, []int64{1000})
	h.env.Prices.UpdateTick(tick)

	own := New(h.env, NextTickBestOwn, nil)
	counter := New(h.env, NextTickBestCounterparty, nil)
	own.Update(&event.Event{Type: event.Tick, Tick: tick})

	o1 := h.order(model.SideBuy, model.OrderTypeMarket, model.EffectOpen, 100, 0)
	o2 := h.order(model.SideBuy, model.OrderTypeMarket, model.EffectOpen, 100, 0)
	if err := own.Match(h.acc, o1, false); err != nil {
		t.Fatal(err)
	}
	if err := counter.Match(h.acc, o2, false); err != nil {
		t.Fatal(err)
	}
	if !h.trades[0].LastPrice.Equal(d(9.99)) || !h.trades[1].LastPrice.Equal(d(10.01)) {
		t.Errorf("expected 9.99 and 10.01, got %s and %s", h.trades[0].LastPrice, h.trades[1].LastPrice)
	}
}

func TestTickMatcher_LiquidityLimit(t *testing.T) {
	h := newHarness(t)
	h.env.Options.LiquidityLimit = true
	h.env.Prices.UpdateTick(tickAt(nil, nil, []float64{9.99}, []int64{1000}))
	m := New(h.env, NextTickLast, nil)

	market := h.order(model.SideBuy, model.OrderTypeMarket, model.EffectOpen, 100, 0)
	limit := h.order(model.SideBuy, model.OrderTypeLimit, model.EffectOpen, 100, 10)
	for _, o := range []*model.Order{market, limit} {
		if err := m.Match(h.acc, o, false); err != nil {
			t.Fatal(err)
		}
	}
	if market.Status() != model.StatusRejected {
		t.Errorf("expected market order rejected, got %s", market.Status())
	}
	if limit.Status() != model.StatusActive {
		t.Errorf("expected limit order to wait, got %s", limit.Status())
	}
}

func TestCounterpartyOfferMatcher_WalksLadder(t *testing.T) {
	h := newHarness(t)
	h.env.Options.VolumeLimit = false
	tick := tickAt([]float64{10.0, 10.1, 10.2}, []int64{100, 200, 500}, []float64{9.9}, []int64{100})
	h.env.Prices.UpdateTick(tick)
	m := New(h.env, CounterpartyOffer, nil)
	m.Update(&event.Event{Type: event.Tick, Tick: tick})

	first := h.order(model.SideBuy, model.OrderTypeMarket, model.EffectOpen, 250, 0)
	if err := m.Match(h.acc, first, false); err != nil {
		t.Fatal(err)
	}
	if first.Status() != model.StatusFilled {
		t.Fatalf("expected FILLED, got %s", first.Status())
	}
	if len(h.trades) != 2 || h.trades[0].LastQuantity != 100 || !h.trades[1].LastPrice.Equal(d(10.1)) || h.trades[1].LastQuantity != 150 {
		t.Fatalf("unexpected trades %+v", h.trades)
	}

	// 50 left at 10.1 is below a lot; the next order goes to 10.2.
	second := h.order(model.SideBuy, model.OrderTypeMarket, model.EffectOpen, 300, 0)
	if err := m.Match(h.acc, second, false); err != nil {
		t.Fatal(err)
	}
	if last := h.trades[len(h.trades)-1]; !last.LastPrice.Equal(d(10.2)) || last.LastQuantity != 300 {
		t.Errorf("expected 300 at 10.2, got %d at %s", last.LastQuantity, last.LastPrice)
	}

	limit := h.order(model.SideBuy, model.OrderTypeLimit, model.EffectOpen, 100, 10.0)
	if err := m.Match(h.acc, limit, false); err != nil {
		t.Fatal(err)
	}
	if limit.FilledQuantity() != 0 || limit.Status() != model.StatusActive {
		t.Errorf("expected limit to wait on a consumed level, got %s filled %d", limit.Status(), limit.FilledQuantity())
	}

	// A new tick restores the ladder.
	m.Update(&event.Event{Type: event.Tick, Tick: tick})
	if err := m.Match(h.acc, limit, false); err != nil {
		t.Fatal(err)
	}
	if limit.Status() != model.StatusFilled {
		t.Errorf("expected limit filled on the fresh ladder, got %s", limit.Status())
	}
}

func TestCounterpartyOfferMatcher_MarketResidualCancelled(t *testing.T) {
	h := newHarness(t)
	h.env.Options.VolumeLimit = false
	h.env.Prices.UpdateTick(tickAt([]float64{10.0}, []int64{100}, nil, nil))
	m := New(h.env, CounterpartyOffer, nil)
	o := h.order(model.SideBuy, model.OrderTypeMarket, model.EffectOpen, 300, 0)
	if err := m.Match(h.acc, o, false); err != nil {
		t.Fatal(err)
	}
	if o.FilledQuantity() != 100 || o.Status() != model.StatusCancelled {
		t.Errorf("expected 100 filled then CANCELLED, got %d %s", o.FilledQuantity(), o.Status())
	}
}

func TestParseType(t *testing.T) {
	if typ, err := ParseType(""); err != nil || typ != CurrentBar {
		t.Errorf("expected default current_bar, got %q %v", typ, err)
	}
	if _, err := ParseType("best_guess"); err == nil {
		t.Error("expected error for unknown type")
	}
	if !VWAP.Immediate() || NextBar.Immediate() || !CounterpartyOffer.IsTick() {
		t.Error("unexpected type classification")
	}
}
