package data

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
)

var ErrInvalidBundle = errors.New("data: invalid bundle")

const dateLayout = "2006-01-02"

// Bundle is the on-disk JSON form of a data set.
type Bundle struct {
	Instruments   []*model.Instrument        `json:"instruments"`
	TradingDates  []string                   `json:"trading_dates"`
	Bars          []*model.Bar               `json:"bars"`
	Ticks         []*model.Tick              `json:"ticks"`
	ExchangeRates map[model.Market][]RateRow `json:"exchange_rates"`
}

// RateRow is one exchange rate quote.
type RateRow struct {
	Date string          `json:"date"`
	Bid  decimal.Decimal `json:"bid"`
	Ask  decimal.Decimal `json:"ask"`
}

// LoadBundle decodes a bundle and indexes it into a MemorySource.
func LoadBundle(r io.Reader) (*MemorySource, error) {
	var b Bundle
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	s := NewMemorySource()
	for _, ins := range b.Instruments {
		if ins.OrderBookID == "" {
			return nil, fmt.Errorf("%w: instrument without order_book_id", ErrInvalidBundle)
		}
		s.AddInstrument(ins)
	}
	dates := make([]time.Time, 0, len(b.TradingDates))
	for _, raw := range b.TradingDates {
		d, err := time.Parse(dateLayout, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: trading date %q: %v", ErrInvalidBundle, raw, err)
		}
		dates = append(dates, d)
	}
	s.SetTradingDates(dates)
	for _, bar := range b.Bars {
		if _, ok := s.instruments[bar.OrderBookID]; !ok {
			return nil, fmt.Errorf("%w: bar for unknown instrument %s", ErrInvalidBundle, bar.OrderBookID)
		}
		s.AddBar(bar)
	}
	for _, t := range b.Ticks {
		if _, ok := s.instruments[t.OrderBookID]; !ok {
			return nil, fmt.Errorf("%w: tick for unknown instrument %s", ErrInvalidBundle, t.OrderBookID)
		}
		s.AddTick(t)
	}
	for market, rows := range b.ExchangeRates {
		for _, row := range rows {
			d, err := time.Parse(dateLayout, row.Date)
			if err != nil {
				return nil, fmt.Errorf("%w: rate date %q: %v", ErrInvalidBundle, row.Date, err)
			}
			s.SetExchangeRate(market, d, row.Bid, row.Ask)
		}
	}
	return s, nil
}

// LoadBundleFile opens path and loads it.
func LoadBundleFile(path string) (*MemorySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	defer f.Close()
	return LoadBundle(f)
}
