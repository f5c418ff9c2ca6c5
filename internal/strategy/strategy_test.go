package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/backtest-engine/internal/broker"
	"github.com/atmx/backtest-engine/internal/cost"
	"github.com/atmx/backtest-engine/internal/data"
	"github.com/atmx/backtest-engine/internal/env"
	"github.com/atmx/backtest-engine/internal/matcher"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/portfolio"
	"github.com/atmx/backtest-engine/internal/validator"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

var (
	day1 = time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)
	day2 = time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)
)

func newAPI(t *testing.T) (*API, *env.Env, *portfolio.Portfolio) {
	t.Helper()
	src := data.NewMemorySource()
	for _, id := range []string{"A", "C"} {
		src.AddInstrument(&model.Instrument{OrderBookID: id, Type: model.TypeStock, Market: model.MarketCN, RoundLot: 100, MarketTPlus: 1})
	}
	src.AddInstrument(&model.Instrument{OrderBookID: "IF", Type: model.TypeFuture, ContractMultiplier: d(300), MarginRate: d(0.1)})
	src.SetTradingDates([]time.Time{day1, day2})

	e := env.New(src, env.DefaultOptions())
	e.SetCostDecider(model.AccountStock, cost.NewStockDecider(d(1), cost.DefaultMinCommission, d(1)))
	e.SetCostDecider(model.AccountFuture, cost.NewFutureDecider(d(1)))
	e.SetClock(day1, day1)
	e.SetPhase(env.PhaseOnBar)
	e.Prices.UpdateBars(map[string]*model.Bar{
		"A":  {OrderBookID: "A", Open: d(10), Close: d(10), Volume: d(1e9), LimitUp: d(11), LimitDown: d(9)},
		"C":  {OrderBookID: "C", Open: d(10), Close: d(10), Volume: d(1e9), LimitUp: d(11), LimitDown: d(9)},
		"IF": {OrderBookID: "IF", Open: d(4000), Close: d(4000), Volume: d(1e6)},
	})

	p := portfolio.New(e, map[model.AccountType]decimal.Decimal{
		model.AccountStock:  d(1000000),
		model.AccountFuture: d(1000000),
	})
	validator.NewChain(e, p, validator.Defaults(e)...).Register()
	p.Register()
	b := broker.New(e, p, matcher.New(e, matcher.CurrentBar, nil))
	b.Register()
	return New(e, p, b), e, p
}

func seed(t *testing.T, e *env.Env, p *portfolio.Portfolio, id string, qty int64) {
	t.Helper()
	acc, _ := p.Account(model.AccountStock)
	ins, err := e.Instrument(id)
	require.NoError(t, err)
	tr := &model.Trade{ExecID: "seed-" + id, OrderBookID: id, Side: model.SideBuy, PositionEffect: model.EffectOpen, LastPrice: d(10), LastQuantity: qty}
	require.NoError(t, acc.ApplyTrade(ins, tr, nil))
	acc.Settle(day2)
}

func TestOrderShares_TruncatesToRoundLot(t *testing.T) {
	api, _, _ := newAPI(t)

	o, err := api.OrderShares("A", 250, Market())
	require.NoError(t, err)
	assert.Equal(t, int64(200), o.Quantity())
	assert.Equal(t, model.SideBuy, o.Side())
	assert.Equal(t, model.StatusFilled, o.Status())

	_, err = api.OrderShares("A", 99, Market())
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = api.OrderShares("A", 0, Market())
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestOrderShares_SellsOddLotHolding(t *testing.T) {
	api, e, p := newAPI(t)
	seed(t, e, p, "C", 250)

	o, err := api.OrderShares("C", -250, Market())
	require.NoError(t, err)
	assert.Equal(t, int64(250), o.Quantity())
	assert.Equal(t, model.EffectClose, o.PositionEffect())
	assert.Equal(t, model.StatusFilled, o.Status())

	acc, _ := p.Account(model.AccountStock)
	assert.Zero(t, acc.Quantity("C", model.DirectionLong))
}

func TestOrderShares_Validation(t *testing.T) {
	api, _, _ := newAPI(t)

	_, err := api.OrderShares("NOPE", 100, Market())
	assert.ErrorIs(t, err, env.ErrUnknownInstrument)
	_, err = api.OrderShares("IF", 1, Market())
	assert.ErrorIs(t, err, ErrWrongAccount)
	_, err = api.OrderShares("A", 100, Limit(d(0)))
	assert.ErrorIs(t, err, ErrInvalidPrice)
	_, err = api.BuyOpen("A", 1, Market())
	assert.ErrorIs(t, err, ErrWrongAccount)
}

func TestMarketOrderFreezesAtLastPrice(t *testing.T) {
	api, e, _ := newAPI(t)
	e.SetPhase(env.PhaseAfterTrading)

	o, err := api.OrderShares("A", 100, Market())
	require.NoError(t, err)
	assert.True(t, o.FrozenPrice().Equal(d(10)), "frozen price %s", o.FrozenPrice())
	assert.Equal(t, model.StatusPendingNew, o.Status())
}

func TestOrderValueAndPercent(t *testing.T) {
	api, _, _ := newAPI(t)

	o, err := api.OrderValue("A", d(10050), Market())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), o.Quantity())

	o, err = api.OrderPercent("A", 0.1, Limit(d(10)))
	require.NoError(t, err)
	// 10% of roughly two million at 10
	assert.Equal(t, int64(19900), o.Quantity())
}

func TestOrderTargetValue(t *testing.T) {
	api, e, p := newAPI(t)
	seed(t, e, p, "C", 1000)

	o, err := api.OrderTargetValue("C", d(5000), Market())
	require.NoError(t, err)
	assert.Equal(t, model.SideSell, o.Side())
	assert.Equal(t, int64(500), o.Quantity())

	o, err = api.OrderTargetValue("C", decimal.Zero, Market())
	require.NoError(t, err)
	assert.Equal(t, int64(500), o.Quantity())

	_, err = api.OrderTargetValue("C", decimal.Zero, Market())
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestOrderTargetPortfolio_SellsBeforeBuys(t *testing.T) {
	api, e, p := newAPI(t)
	seed(t, e, p, "C", 1000)

	orders, err := api.OrderTargetPortfolio(map[string]float64{"A": 0.5}, nil)
	require.NoError(t, err)
	require.Len(t, orders, 2)

	assert.Equal(t, "C", orders[0].OrderBookID())
	assert.Equal(t, model.SideSell, orders[0].Side())
	assert.Equal(t, int64(1000), orders[0].Quantity())
	assert.Equal(t, model.OrderTypeMarket, orders[0].Type())

	assert.Equal(t, "A", orders[1].OrderBookID())
	assert.Equal(t, model.SideBuy, orders[1].Side())
	for _, o := range orders {
		assert.Equal(t, model.StatusFilled, o.Status(), o.Message())
	}
}

func TestOrderTargetPortfolio_LimitAtValuationPrices(t *testing.T) {
	api, _, _ := newAPI(t)

	orders, err := api.OrderTargetPortfolio(map[string]float64{"A": 0.2}, map[string]decimal.Decimal{"A": d(9.5)})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, model.OrderTypeLimit, orders[0].Type())
	assert.True(t, orders[0].Price().Equal(d(9.5)))
	// 9.5 is below the bar close of 10, so the buy keeps waiting
	assert.Equal(t, model.StatusActive, orders[0].Status())
}

func TestFuturesHelpers(t *testing.T) {
	api, _, p := newAPI(t)

	o, err := api.BuyOpen("IF", 2, Market())
	require.NoError(t, err)
	assert.Equal(t, model.StatusFilled, o.Status(), o.Message())

	o, err = api.SellClose("IF", 1, true, Market())
	require.NoError(t, err)
	assert.Equal(t, model.EffectCloseToday, o.PositionEffect())
	assert.Equal(t, model.StatusFilled, o.Status(), o.Message())

	o, err = api.SellOpen("IF", 1, Market())
	require.NoError(t, err)
	assert.Equal(t, model.StatusFilled, o.Status(), o.Message())

	o, err = api.BuyClose("IF", 1, false, Market())
	require.NoError(t, err)
	assert.Equal(t, model.EffectClose, o.PositionEffect())

	acc, _ := p.Account(model.AccountFuture)
	assert.Equal(t, int64(1), acc.Quantity("IF", model.DirectionLong))
	assert.Zero(t, acc.Quantity("IF", model.DirectionShort))
}

func TestCancel(t *testing.T) {
	api, _, _ := newAPI(t)

	o, err := api.OrderShares("A", 100, Limit(d(9.5)))
	require.NoError(t, err)
	require.Equal(t, model.StatusActive, o.Status())
	assert.Len(t, api.OpenOrders(), 1)

	require.NoError(t, api.Cancel(o))
	assert.Equal(t, model.StatusCancelled, o.Status())
	assert.Empty(t, api.OpenOrders())
}
