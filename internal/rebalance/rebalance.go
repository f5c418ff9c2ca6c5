// Package rebalance computes the orders that move a stock account toward a
// target weight vector without spending more cash than the account has.
//
// The search scales every target by a safety multiplier and shrinks it
// until the implied cash need (notional delta, transaction cost and FX
// spread) fits in available cash. Quantity math runs in float64; cash is
// compared in decimal.
package rebalance

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/cost"
	"github.com/atmx/backtest-engine/internal/env"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/portfolio"
)

var (
	// ErrInvalidWeight is returned for negative or non-finite weights.
	ErrInvalidWeight = errors.New("rebalance: invalid target weight")

	// ErrNotStock is returned when a target is not booked by the stock account.
	ErrNotStock = errors.New("rebalance: target is not a stock instrument")

	// ErrSafetyExhausted means the search shrank the safety multiplier
	// below zero without finding an affordable plan.
	ErrSafetyExhausted = errors.New("rebalance: safety multiplier exhausted")
)

const (
	highWeightSafety = 1.2
	highWeightCutoff = 0.95
	minStep          = 0.0001
	maxStep          = 0.002
)

// Result is the accepted plan.
type Result struct {
	// Adjustments maps order_book_id to a signed quantity: negative closes,
	// positive opens. Zero adjustments are omitted.
	Adjustments  map[string]int64
	Safety       float64
	CashConsumed decimal.Decimal
	Iterations   int
}

// Planner plans rebalances for one stock account.
type Planner struct {
	env     *env.Env
	account *portfolio.Account
}

func New(e *env.Env, acc *portfolio.Account) *Planner {
	return &Planner{env: e, account: acc}
}

type leg struct {
	ins      *model.Instrument
	weight   float64
	price    decimal.Decimal
	current  int64
	closable int64
	tradable bool
	buyable  bool
	sellable bool
}

// Plan computes the adjustments for weights. prices overrides valuation
// prices per instrument; missing entries use the last price. Held
// instruments absent from weights are targeted at zero.
func (p *Planner) Plan(weights map[string]float64, prices map[string]decimal.Decimal) (*Result, error) {
	legs, targetTotal, err := p.legs(weights, prices)
	if err != nil {
		return nil, err
	}
	totalValue, _ := p.account.TotalValue().Float64()
	available := p.account.Cash()

	safety := 1.0
	if targetTotal > highWeightCutoff {
		safety = highWeightSafety
	}

	var best *Result
	bestErr := math.Inf(1)
	for i := 1; ; i++ {
		if safety < 0 {
			return nil, fmt.Errorf("%w: after %d iterations, target weight %.4f, cash %s",
				ErrSafetyExhausted, i, targetTotal, available.StringFixed(2))
		}
		diff := p.diff(legs, totalValue, safety)
		consumed := p.cashConsumed(legs, diff)
		realized := realizedWeight(legs, diff, totalValue)
		gap := math.Abs(realized - targetTotal)

		// A plan that frees cash or trades nothing is always affordable.
		if !consumed.IsPositive() || consumed.LessThan(available) {
			if best != nil && gap >= bestErr {
				break
			}
			best = &Result{Adjustments: nonZero(legs, diff), Safety: safety, CashConsumed: consumed, Iterations: i}
			bestErr = gap
		}
		safety -= math.Min(math.Max(gap*0.01, minStep), maxStep)
	}
	slog.Info("rebalance planned",
		"safety", best.Safety,
		"iterations", best.Iterations,
		"orders", len(best.Adjustments),
		"cash_consumed", best.CashConsumed.StringFixed(2),
		"cash_available", available.StringFixed(2),
	)
	return best, nil
}

func (p *Planner) legs(weights map[string]float64, prices map[string]decimal.Decimal) ([]leg, float64, error) {
	ids := make(map[string]struct{}, len(weights))
	var total float64
	for id, w := range weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, 0, fmt.Errorf("%w: %s=%v", ErrInvalidWeight, id, w)
		}
		ids[id] = struct{}{}
		total += w
	}
	for _, pos := range p.account.Positions() {
		if pos.Direction() == model.DirectionLong && pos.Quantity() > 0 {
			ids[pos.OrderBookID()] = struct{}{}
		}
	}

	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	legs := make([]leg, 0, len(sorted))
	for _, id := range sorted {
		ins, err := p.env.Instrument(id)
		if err != nil {
			return nil, 0, err
		}
		if ins.AccountType() != model.AccountStock {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotStock, id)
		}
		price, ok := prices[id]
		if !ok {
			price = p.env.LastPrice(id)
		}
		l := leg{
			ins:      ins,
			weight:   weights[id],
			price:    price,
			current:  p.account.Quantity(id, model.DirectionLong),
			closable: p.account.Closable(id, model.DirectionLong),
			tradable: model.IsValidPrice(price) && !p.env.Prices.Suspended(id) && ins.ListedOn(p.env.TradingDate()),
			buyable:  true,
			sellable: true,
		}
		if up, down := p.env.Prices.Limits(id); l.tradable {
			last := p.env.LastPrice(id)
			l.buyable = !(up.IsPositive() && last.GreaterThanOrEqual(up))
			l.sellable = !(down.IsPositive() && last.LessThanOrEqual(down))
		}
		legs = append(legs, l)
	}
	return legs, total, nil
}

// diff computes lot-snapped, closable-clamped adjustments at safety.
func (p *Planner) diff(legs []leg, totalValue, safety float64) []int64 {
	out := make([]int64, len(legs))
	for i, l := range legs {
		if !l.tradable {
			continue
		}
		price, _ := l.price.Float64()
		mult, _ := l.ins.Multiplier().Float64()
		target := math.Round(totalValue * safety * l.weight / price / mult)
		d := snap(target-float64(l.current), l.ins.Lot(), l.ins.MinimumLot())
		if d < 0 {
			d = max(d, -l.closable)
		}
		if (d > 0 && !l.buyable) || (d < 0 && !l.sellable) {
			d = 0
		}
		out[i] = d
	}
	return out
}

// snap rounds a raw quantity delta to a tradable size: below half a minimum
// lot is nothing, up to a minimum lot is one minimum lot, above that the
// nearest multiple of the round lot.
func snap(raw float64, lot, minLot int64) int64 {
	sign := int64(1)
	if raw < 0 {
		sign, raw = -1, -raw
	}
	switch {
	case raw < float64(minLot)/2:
		return 0
	case raw < float64(minLot):
		return sign * minLot
	default:
		return sign * int64(math.Round(raw/float64(lot))) * lot
	}
}

// cashConsumed is the notional delta plus batch cost plus the FX spread
// paid on non-domestic legs. Negative when the plan frees cash.
func (p *Planner) cashConsumed(legs []leg, diff []int64) decimal.Decimal {
	total := decimal.Zero
	var batch []cost.Args
	for i, l := range legs {
		q := diff[i]
		if q == 0 {
			continue
		}
		notional := l.price.Mul(decimal.NewFromInt(q)).Mul(l.ins.Multiplier())
		total = total.Add(notional).Add(p.spread(l.ins, notional))
		side, effect := model.SideBuy, model.EffectOpen
		if q < 0 {
			side, effect, q = model.SideSell, model.EffectClose, -q
		}
		batch = append(batch, cost.Args{Instrument: l.ins, Side: side, Effect: effect, Price: l.price, Quantity: q})
	}
	if len(batch) > 0 {
		if d, err := p.env.CostDecider(batch[0].Instrument); err == nil {
			total = total.Add(d.Estimate(batch))
		}
	}
	return total
}

// spread is the extra cash a leg costs when converting at the bid/ask
// quote instead of the mid. signedNotional is positive for buys.
func (p *Planner) spread(ins *model.Instrument, signedNotional decimal.Decimal) decimal.Decimal {
	if ins.Market == "" || ins.Market == model.MarketCN || p.env.Data == nil {
		return decimal.Zero
	}
	bid, ask := p.env.Data.ExchangeRate(ins.Market, p.env.TradingDate())
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	if !mid.IsPositive() {
		return decimal.Zero
	}
	if signedNotional.IsPositive() {
		return signedNotional.Mul(ask.Sub(mid)).Div(mid)
	}
	return signedNotional.Abs().Mul(mid.Sub(bid)).Div(mid)
}

func realizedWeight(legs []leg, diff []int64, totalValue float64) float64 {
	if totalValue <= 0 {
		return 0
	}
	var value float64
	for i, l := range legs {
		price, _ := l.price.Float64()
		mult, _ := l.ins.Multiplier().Float64()
		value += float64(l.current+diff[i]) * price * mult
	}
	return value / totalValue
}

func nonZero(legs []leg, diff []int64) map[string]int64 {
	out := make(map[string]int64)
	for i, l := range legs {
		if diff[i] != 0 {
			out[l.ins.OrderBookID] = diff[i]
		}
	}
	return out
}
