// Package data provides an in-memory market data source and a JSON bundle
// loader for it.
package data

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
)

type rate struct {
	date time.Time
	bid  decimal.Decimal
	ask  decimal.Decimal
}

// MemorySource implements env.DataSource with in-memory maps. Bars and
// ticks are indexed by instrument and by datetime so the engine can replay
// them in time order.
type MemorySource struct {
	mu          sync.RWMutex
	instruments map[string]*model.Instrument
	dates       []time.Time
	bars        map[string]map[time.Time]*model.Bar
	barTimes    map[time.Time]struct{}
	ticks       []*model.Tick
	rates       map[model.Market][]rate
}

// NewMemorySource creates an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		instruments: make(map[string]*model.Instrument),
		bars:        make(map[string]map[time.Time]*model.Bar),
		barTimes:    make(map[time.Time]struct{}),
		rates:       make(map[model.Market][]rate),
	}
}

func (s *MemorySource) AddInstrument(ins *model.Instrument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instruments[ins.OrderBookID] = ins
}

// AddBar stores a bar keyed by its datetime.
func (s *MemorySource) AddBar(b *model.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTime, ok := s.bars[b.OrderBookID]
	if !ok {
		byTime = make(map[time.Time]*model.Bar)
		s.bars[b.OrderBookID] = byTime
	}
	byTime[b.Datetime] = b
	s.barTimes[b.Datetime] = struct{}{}
}

// AddTick appends a tick; ticks are kept sorted by datetime.
func (s *MemorySource) AddTick(t *model.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.ticks), func(i int) bool { return s.ticks[i].Datetime.After(t.Datetime) })
	s.ticks = append(s.ticks, nil)
	copy(s.ticks[i+1:], s.ticks[i:])
	s.ticks[i] = t
}

// SetTradingDates replaces the trading calendar.
func (s *MemorySource) SetTradingDates(dates []time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dates = make([]time.Time, 0, len(dates))
	for _, d := range dates {
		s.dates = append(s.dates, model.TradingDate(d))
	}
	sort.Slice(s.dates, func(i, j int) bool { return s.dates[i].Before(s.dates[j]) })
}

// SetExchangeRate records the bid/ask of market's currency from date on.
func (s *MemorySource) SetExchangeRate(market model.Market, date time.Time, bid, ask decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := append(s.rates[market], rate{date: model.TradingDate(date), bid: bid, ask: ask})
	sort.Slice(rs, func(i, j int) bool { return rs[i].date.Before(rs[j].date) })
	s.rates[market] = rs
}

func (s *MemorySource) Instrument(orderBookID string) (*model.Instrument, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ins, ok := s.instruments[orderBookID]
	return ins, ok
}

// Instruments returns every instrument sorted by id.
func (s *MemorySource) Instruments() []*model.Instrument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Instrument, 0, len(s.instruments))
	for _, ins := range s.instruments {
		out = append(out, ins)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderBookID < out[j].OrderBookID })
	return out
}

func (s *MemorySource) Bar(orderBookID string, dt time.Time) (*model.Bar, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bars[orderBookID][dt]
	return b, ok
}

// BarsAt returns every bar closing at dt.
func (s *MemorySource) BarsAt(dt time.Time) map[string]*model.Bar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*model.Bar)
	for id, byTime := range s.bars {
		if b, ok := byTime[dt]; ok {
			out[id] = b
		}
	}
	return out
}

// BarTimes returns the distinct bar datetimes that fall on date, in order.
func (s *MemorySource) BarTimes(date time.Time) []time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	day := model.TradingDate(date)
	var out []time.Time
	for dt := range s.barTimes {
		if model.TradingDate(dt).Equal(day) {
			out = append(out, dt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// TicksOn returns the ticks of date in time order.
func (s *MemorySource) TicksOn(date time.Time) []*model.Tick {
	s.mu.RLock()
	defer s.mu.RUnlock()
	day := model.TradingDate(date)
	var out []*model.Tick
	for _, t := range s.ticks {
		if model.TradingDate(t.Datetime).Equal(day) {
			out = append(out, t)
		}
	}
	return out
}

// TradingDates returns calendar dates within [start, end].
func (s *MemorySource) TradingDates(start, end time.Time) []time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start, end = model.TradingDate(start), model.TradingDate(end)
	var out []time.Time
	for _, d := range s.dates {
		if !d.Before(start) && !d.After(end) {
			out = append(out, d)
		}
	}
	return out
}

// PreviousTradingDate walks n sessions back from date. Past the calendar
// it falls back to weekdays.
func (s *MemorySource) PreviousTradingDate(date time.Time, n int) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	date = model.TradingDate(date)
	i := sort.Search(len(s.dates), func(i int) bool { return !s.dates[i].Before(date) })
	if j := i - n; j >= 0 && j < len(s.dates) {
		return s.dates[j]
	}
	return stepWeekdays(date, -n)
}

// NextTradingDate walks n sessions forward from date.
func (s *MemorySource) NextTradingDate(date time.Time, n int) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	date = model.TradingDate(date)
	i := sort.Search(len(s.dates), func(i int) bool { return s.dates[i].After(date) })
	if j := i + n - 1; j >= 0 && j < len(s.dates) {
		return s.dates[j]
	}
	return stepWeekdays(date, n)
}

// ExchangeRate returns the latest quote on or before date; 1/1 when none.
func (s *MemorySource) ExchangeRate(market model.Market, date time.Time) (decimal.Decimal, decimal.Decimal) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	one := decimal.NewFromInt(1)
	rs := s.rates[market]
	date = model.TradingDate(date)
	i := sort.Search(len(rs), func(i int) bool { return rs[i].date.After(date) })
	if i == 0 {
		return one, one
	}
	return rs[i-1].bid, rs[i-1].ask
}

func stepWeekdays(date time.Time, n int) time.Time {
	step := 1
	if n < 0 {
		step, n = -1, -n
	}
	for n > 0 {
		date = date.AddDate(0, 0, step)
		if wd := date.Weekday(); wd != time.Saturday && wd != time.Sunday {
			n--
		}
	}
	return date
}
