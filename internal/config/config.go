// Package config reads the process settings from the environment and the
// backtest run configuration from a JSON document.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/env"
	"github.com/atmx/backtest-engine/internal/matcher"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/slippage"
)

var ErrInvalid = errors.New("config: invalid run configuration")

// Process holds the settings read from environment variables.
type Process struct {
	Port            string
	DatabaseURL     string
	RedisURL        string
	RunConfig       string
	DataBundle      string
	PyroscopeServer string
	// RunID resumes the stored run with this id when set.
	RunID           string
}

// FromEnv reads Process from the environment. PORT defaults to 8080.
func FromEnv() Process {
	p := Process{
		Port:            os.Getenv("PORT"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		RunConfig:       os.Getenv("RUN_CONFIG"),
		DataBundle:      os.Getenv("DATA_BUNDLE"),
		PyroscopeServer: os.Getenv("PYROSCOPE_SERVER"),
		RunID:           os.Getenv("RUN_ID"),
	}
	if p.Port == "" {
		p.Port = "8080"
	}
	return p
}

// Frequency is the granularity of the market data feed.
type Frequency string

const (
	Daily  Frequency = "1d"
	Minute Frequency = "1m"
	Tick   Frequency = "tick"
)

// Date is a calendar date encoded as "2006-01-02".
type Date struct{ time.Time }

const dateLayout = "2006-01-02"

func (d *Date) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		d.Time = time.Time{}
		return nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return fmt.Errorf("%w: date %q: %v", ErrInvalid, s, err)
	}
	d.Time = t
	return nil
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte(`""`), nil
	}
	return []byte(`"` + d.Format(dateLayout) + `"`), nil
}

// Slippage selects the slippage model by name.
type Slippage struct {
	Model string          `json:"model"`
	Value decimal.Decimal `json:"value"`
}

// Rebalance is the target-weight strategy run by the server binary.
type Rebalance struct {
	Weights map[string]float64         `json:"weights"`
	Prices  map[string]decimal.Decimal `json:"prices,omitempty"`
}

// Run is one backtest's configuration.
type Run struct {
	StartDate            Date                                  `json:"start_date"`
	EndDate              Date                                  `json:"end_date"`
	Accounts             map[model.AccountType]decimal.Decimal `json:"accounts"`
	MatchingType         string                                `json:"matching_type"`
	Frequency            Frequency                             `json:"frequency"`
	VolumeLimit          bool                                  `json:"volume_limit"`
	VolumePercent        float64                               `json:"volume_percent"`
	PriceLimit           bool                                  `json:"price_limit"`
	LiquidityLimit       bool                                  `json:"liquidity_limit"`
	Slippage             Slippage                              `json:"slippage"`
	CommissionMultiplier decimal.Decimal                       `json:"commission_multiplier"`
	MinCommission        decimal.Decimal                       `json:"min_commission"`
	TaxMultiplier        decimal.Decimal                       `json:"tax_multiplier"`
	MarginMultiplier     decimal.Decimal                       `json:"margin_multiplier"`
	ForcedLiquidation    bool                                  `json:"forced_liquidation"`
	Rebalance            Rebalance                             `json:"rebalance"`
}

// Default is the configuration every decoded document starts from, so
// fields absent from the JSON keep these values.
func Default() Run {
	return Run{
		Accounts:             map[model.AccountType]decimal.Decimal{model.AccountStock: decimal.NewFromInt(1000000)},
		MatchingType:         string(matcher.CurrentBar),
		Frequency:            Daily,
		VolumeLimit:          true,
		VolumePercent:        0.25,
		PriceLimit:           true,
		CommissionMultiplier: decimal.NewFromInt(1),
		MinCommission:        decimal.NewFromInt(5),
		TaxMultiplier:        decimal.NewFromInt(1),
		MarginMultiplier:     decimal.NewFromInt(1),
		ForcedLiquidation:    true,
	}
}

// Load decodes and validates a run configuration.
func Load(r io.Reader) (*Run, error) {
	run := Default()
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&run); err != nil {
		return nil, fmt.Errorf("decode run config: %w", err)
	}
	if err := run.Validate(); err != nil {
		return nil, err
	}
	return &run, nil
}

// LoadFile reads a run configuration from path.
func LoadFile(path string) (*Run, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open run config: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Validate checks ranges and cross-field constraints.
func (r *Run) Validate() error {
	if r.StartDate.IsZero() || r.EndDate.IsZero() {
		return fmt.Errorf("%w: start_date and end_date are required", ErrInvalid)
	}
	if r.EndDate.Before(r.StartDate.Time) {
		return fmt.Errorf("%w: end_date %s before start_date %s", ErrInvalid,
			r.EndDate.Format(dateLayout), r.StartDate.Format(dateLayout))
	}
	if len(r.Accounts) == 0 {
		return fmt.Errorf("%w: at least one account is required", ErrInvalid)
	}
	for t, cash := range r.Accounts {
		if t != model.AccountStock && t != model.AccountFuture {
			return fmt.Errorf("%w: unknown account type %q", ErrInvalid, t)
		}
		if cash.IsNegative() {
			return fmt.Errorf("%w: %s starting cash %s is negative", ErrInvalid, t, cash)
		}
	}
	typ, err := matcher.ParseType(r.MatchingType)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch r.Frequency {
	case Daily, Minute:
		if typ.IsTick() {
			return fmt.Errorf("%w: matching type %s needs tick data, frequency is %s", ErrInvalid, typ, r.Frequency)
		}
	case Tick:
		if !typ.IsTick() {
			return fmt.Errorf("%w: matching type %s cannot match ticks", ErrInvalid, typ)
		}
	default:
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalid, r.Frequency)
	}
	if r.VolumePercent <= 0 || r.VolumePercent > 1 {
		return fmt.Errorf("%w: volume_percent %v not in (0, 1]", ErrInvalid, r.VolumePercent)
	}
	if _, err := slippage.New(r.Slippage.Model, r.Slippage.Value); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	for name, v := range map[string]decimal.Decimal{
		"commission_multiplier": r.CommissionMultiplier,
		"min_commission":        r.MinCommission,
		"tax_multiplier":        r.TaxMultiplier,
	} {
		if v.IsNegative() {
			return fmt.Errorf("%w: %s %s is negative", ErrInvalid, name, v)
		}
	}
	if !r.MarginMultiplier.IsPositive() {
		return fmt.Errorf("%w: margin_multiplier must be positive", ErrInvalid)
	}
	for id, w := range r.Rebalance.Weights {
		if w < 0 {
			return fmt.Errorf("%w: weight of %s is negative", ErrInvalid, id)
		}
	}
	return nil
}

// Options converts the matching and accounting switches.
func (r *Run) Options() env.Options {
	return env.Options{
		PriceLimit:        r.PriceLimit,
		VolumeLimit:       r.VolumeLimit,
		VolumePercent:     r.VolumePercent,
		LiquidityLimit:    r.LiquidityLimit,
		MarginMultiplier:  r.MarginMultiplier,
		ForcedLiquidation: r.ForcedLiquidation,
	}
}

// Matching returns the parsed matching type.
func (r *Run) Matching() matcher.Type {
	t, _ := matcher.ParseType(r.MatchingType)
	return t
}

// SlippageDecider builds the configured slippage model.
func (r *Run) SlippageDecider() (slippage.Decider, error) {
	return slippage.New(r.Slippage.Model, r.Slippage.Value)
}
