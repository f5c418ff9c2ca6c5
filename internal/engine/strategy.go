package engine

import (
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/rebalance"
	"github.com/atmx/backtest-engine/internal/strategy"
)

// Strategy receives the session callbacks. Errors abort the run.
type Strategy interface {
	Init(api *strategy.API) error
	BeforeTrading(api *strategy.API) error
	HandleBar(api *strategy.API, bars map[string]*model.Bar) error
	HandleTick(api *strategy.API, tick *model.Tick) error
	AfterTrading(api *strategy.API) error
}

// NopStrategy does nothing; embed it to implement only some callbacks.
type NopStrategy struct{}

func (NopStrategy) Init(*strategy.API) error                             { return nil }
func (NopStrategy) BeforeTrading(*strategy.API) error                    { return nil }
func (NopStrategy) HandleBar(*strategy.API, map[string]*model.Bar) error { return nil }
func (NopStrategy) HandleTick(*strategy.API, *model.Tick) error          { return nil }
func (NopStrategy) AfterTrading(*strategy.API) error                     { return nil }

// TargetWeights rebalances toward fixed weights on the first market event
// of every session. Plans that cannot be funded are logged and skipped.
type TargetWeights struct {
	NopStrategy
	Weights map[string]float64
	Prices  map[string]decimal.Decimal

	pending bool
}

func (s *TargetWeights) BeforeTrading(*strategy.API) error {
	s.pending = true
	return nil
}

func (s *TargetWeights) HandleBar(api *strategy.API, _ map[string]*model.Bar) error {
	return s.rebalance(api)
}

func (s *TargetWeights) HandleTick(api *strategy.API, _ *model.Tick) error {
	return s.rebalance(api)
}

func (s *TargetWeights) rebalance(api *strategy.API) error {
	if !s.pending {
		return nil
	}
	s.pending = false
	orders, err := api.OrderTargetPortfolio(s.Weights, s.Prices)
	if errors.Is(err, rebalance.ErrSafetyExhausted) {
		slog.Warn("rebalance skipped", "err", err)
		return nil
	}
	if err != nil {
		return err
	}
	slog.Info("rebalance submitted", "orders", len(orders))
	return nil
}
