package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/config"
	"github.com/atmx/backtest-engine/internal/data"
	"github.com/atmx/backtest-engine/internal/engine"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/strategy"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

var days = []time.Time{
	time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC),
	time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
}

type buyOnce struct {
	engine.NopStrategy
	done bool
}

func (s *buyOnce) HandleBar(api *strategy.API, _ map[string]*model.Bar) error {
	if s.done {
		return nil
	}
	s.done = true
	if _, err := api.BuyOpen("IF", 1, strategy.Market()); err != nil {
		return err
	}
	// far too large for the account: rejected by the cash check
	_, err := api.BuyOpen("IF", 100, strategy.Market())
	return err
}

func TestObserve(t *testing.T) {
	src := data.NewMemorySource()
	src.SetTradingDates(days)
	src.AddInstrument(&model.Instrument{OrderBookID: "IF", Type: model.TypeFuture, ContractMultiplier: d(300), MarginRate: d(0.1)})
	for i, c := range []float64{4000, 3400} {
		src.AddBar(&model.Bar{OrderBookID: "IF", Datetime: days[i].Add(15 * time.Hour), Open: d(c), Close: d(c), Volume: d(1e6)})
	}
	cfg := config.Default()
	cfg.StartDate = config.Date{Time: days[0]}
	cfg.EndDate = config.Date{Time: days[1]}
	cfg.Accounts = map[model.AccountType]decimal.Decimal{model.AccountFuture: d(150000)}

	eng, err := engine.New(src, cfg, &buyOnce{})
	if err != nil {
		t.Fatal(err)
	}
	Observe(eng)

	buys := testutil.ToFloat64(TradesTotal.WithLabelValues("BUY"))
	filled := testutil.ToFloat64(OrdersTotal.WithLabelValues("FILLED"))
	rejected := testutil.ToFloat64(OrdersTotal.WithLabelValues("REJECTED"))
	liquidations := testutil.ToFloat64(ForcedLiquidations)
	latency := matchCount(t)

	if err := eng.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(TradesTotal.WithLabelValues("BUY")) - buys; got != 1 {
		t.Errorf("expected 1 buy trade, got %v", got)
	}
	if got := testutil.ToFloat64(OrdersTotal.WithLabelValues("FILLED")) - filled; got != 1 {
		t.Errorf("expected 1 filled order, got %v", got)
	}
	if got := testutil.ToFloat64(OrdersTotal.WithLabelValues("REJECTED")) - rejected; got != 1 {
		t.Errorf("expected 1 rejected order, got %v", got)
	}
	if got := testutil.ToFloat64(ForcedLiquidations) - liquidations; got != 1 {
		t.Errorf("expected 1 forced liquidation, got %v", got)
	}
	if got := testutil.ToFloat64(TotalValue); got != 0 {
		t.Errorf("expected zero total value after liquidation, got %v", got)
	}
	if matchCount(t) <= latency {
		t.Error("expected match latency observations")
	}
}

// matchCount reads the latency histogram's sample count from the exposition.
func matchCount(t *testing.T) float64 {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if v, ok := strings.CutPrefix(line, "backtest_match_latency_seconds_count "); ok {
			n, err := strconv.ParseFloat(v, 64)
			if err != nil {
				t.Fatal(err)
			}
			return n
		}
	}
	return 0
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/v1/accounts/{accountType}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/accounts/{accountType}", "418"))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts/STOCK", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/accounts/{accountType}", "418"))
	if after-before != 1 {
		t.Errorf("expected one request under the route pattern, got %v", after-before)
	}
}

func TestHandler(t *testing.T) {
	TradesTotal.WithLabelValues("SELL").Add(0)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "backtest_trades_total") {
		t.Error("expected backtest_trades_total in the exposition")
	}
}
