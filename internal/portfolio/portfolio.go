package portfolio

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/env"
	"github.com/atmx/backtest-engine/internal/event"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/position"
)

var accountOrder = []model.AccountType{model.AccountStock, model.AccountFuture}

// Portfolio owns one account per asset class.
type Portfolio struct {
	env                *env.Env
	accounts           map[model.AccountType]*Account
	units              decimal.Decimal
	staticUnitNetValue float64
	registered         bool
}

// New creates a portfolio whose units equal its starting equity, so the
// unit net value starts at 1.
func New(e *env.Env, startingCash map[model.AccountType]decimal.Decimal) *Portfolio {
	p := &Portfolio{
		env:                e,
		accounts:           make(map[model.AccountType]*Account),
		units:              decimal.Zero,
		staticUnitNetValue: 1,
	}
	for _, t := range accountOrder {
		cash, ok := startingCash[t]
		if !ok {
			continue
		}
		p.accounts[t] = NewAccount(e, t, cash)
		p.units = p.units.Add(cash)
	}
	return p
}

// Register subscribes every account and then the portfolio itself, so
// the portfolio sees settled accounts.
func (p *Portfolio) Register() {
	for _, a := range p.Accounts() {
		a.register()
	}
	p.registered = true
	p.env.Bus.Subscribe(event.Settlement, func(*event.Event) error {
		p.staticUnitNetValue = p.UnitNetValue()
		return nil
	})
}

// Accounts returns the accounts in a fixed order.
func (p *Portfolio) Accounts() []*Account {
	out := make([]*Account, 0, len(p.accounts))
	for _, t := range accountOrder {
		if a, ok := p.accounts[t]; ok {
			out = append(out, a)
		}
	}
	return out
}

func (p *Portfolio) Account(t model.AccountType) (*Account, bool) {
	a, ok := p.accounts[t]
	return a, ok
}

// AccountFor returns the account that books ins.
func (p *Portfolio) AccountFor(ins *model.Instrument) (*Account, error) {
	a, ok := p.accounts[ins.AccountType()]
	if !ok {
		return nil, fmt.Errorf("%w: %s needs a %s account", ErrNoAccount, ins.OrderBookID, ins.AccountType())
	}
	return a, nil
}

func (p *Portfolio) sum(f func(*Account) decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range p.accounts {
		total = total.Add(f(a))
	}
	return total
}

func (p *Portfolio) TotalValue() decimal.Decimal  { return p.sum((*Account).TotalValue) }
func (p *Portfolio) Cash() decimal.Decimal        { return p.sum((*Account).Cash) }
func (p *Portfolio) FrozenCash() decimal.Decimal  { return p.sum((*Account).FrozenCash) }
func (p *Portfolio) MarketValue() decimal.Decimal { return p.sum((*Account).MarketValue) }
func (p *Portfolio) DailyPnL() decimal.Decimal    { return p.sum((*Account).DailyPnL) }

func (p *Portfolio) TransactionCost() decimal.Decimal {
	return p.sum((*Account).TransactionCost)
}

func (p *Portfolio) StaticTotalValue() decimal.Decimal {
	return p.sum((*Account).StaticTotalValue)
}

func (p *Portfolio) Units() decimal.Decimal { return p.units }

// UnitNetValue is total value per unit, NaN when there are no units.
func (p *Portfolio) UnitNetValue() float64 {
	if p.units.IsZero() {
		return math.NaN()
	}
	return p.TotalValue().Div(p.units).InexactFloat64()
}

// StaticUnitNetValue is the unit net value as of the last settlement.
func (p *Portfolio) StaticUnitNetValue() float64 { return p.staticUnitNetValue }

// DailyReturns is today's return on the unit net value.
func (p *Portfolio) DailyReturns() float64 {
	if p.staticUnitNetValue == 0 {
		return 0
	}
	return p.UnitNetValue()/p.staticUnitNetValue - 1
}

// Positions returns every position across accounts.
func (p *Portfolio) Positions() []*position.Position {
	var out []*position.Position
	for _, a := range p.Accounts() {
		out = append(out, a.Positions()...)
	}
	return out
}

// ForcedLiquidations sums forced liquidations across accounts.
func (p *Portfolio) ForcedLiquidations() int {
	n := 0
	for _, a := range p.accounts {
		n += a.ForcedLiquidations()
	}
	return n
}

// Deposit adds cash to one account and issues units at the current unit
// net value, so the deposit does not move performance.
func (p *Portfolio) Deposit(t model.AccountType, amount decimal.Decimal) error {
	a, ok := p.accounts[t]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoAccount, t)
	}
	nav := p.UnitNetValue()
	if p.units.IsZero() || math.IsNaN(nav) || nav <= 0 {
		p.units = p.units.Add(amount)
	} else {
		p.units = p.units.Add(amount.Div(decimal.NewFromFloat(nav)))
	}
	a.Deposit(amount)
	return nil
}

// State is the persisted form of a portfolio.
type State struct {
	Units              decimal.Decimal                    `json:"units"`
	StaticUnitNetValue NetValue                           `json:"static_unit_net_value"`
	Accounts           map[model.AccountType]AccountState `json:"accounts"`
}

// NetValue is a per-unit value that is NaN while the portfolio has no
// units. NaN and infinities encode as JSON null and null decodes to NaN.
type NetValue float64

func (v NetValue) MarshalJSON() ([]byte, error) {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(f)
}

func (v *NetValue) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*v = NetValue(math.NaN())
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*v = NetValue(f)
	return nil
}

func (p *Portfolio) State() State {
	s := State{
		Units:              p.units,
		StaticUnitNetValue: NetValue(p.staticUnitNetValue),
		Accounts:           make(map[model.AccountType]AccountState, len(p.accounts)),
	}
	for t, a := range p.accounts {
		s.Accounts[t] = a.State()
	}
	return s
}

// SetState restores the portfolio. Accounts missing from s are left as is.
func (p *Portfolio) SetState(s State) error {
	for t, as := range s.Accounts {
		a, ok := p.accounts[t]
		if !ok {
			a = NewAccount(p.env, t, decimal.Zero)
			p.accounts[t] = a
			if p.registered {
				a.register()
			}
		}
		if err := a.SetState(as); err != nil {
			return err
		}
	}
	p.units = s.Units
	p.staticUnitNetValue = float64(s.StaticUnitNetValue)
	return nil
}
