// Package api serves a read-only HTTP view of a running backtest.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/backtest-engine/internal/engine"
	"github.com/atmx/backtest-engine/internal/metrics"
	"github.com/atmx/backtest-engine/internal/model"
)

// Source is the engine state the handlers read. *engine.Engine satisfies it.
type Source interface {
	View() *engine.View
	Trades() []model.Trade
}

// Service holds the HTTP handlers.
type Service struct {
	src Source
}

func NewService(src Source) *Service {
	return &Service{src: src}
}

// PortfolioResponse is the body of GET /api/v1/portfolio.
type PortfolioResponse struct {
	RunID       string               `json:"run_id"`
	TradingDate string               `json:"trading_date"`
	Phase       string               `json:"phase"`
	Portfolio   engine.PortfolioView `json:"portfolio"`
}

// GetPortfolio handles GET /api/v1/portfolio
func (s *Service) GetPortfolio(w http.ResponseWriter, _ *http.Request) {
	v := s.src.View()
	writeJSON(w, http.StatusOK, PortfolioResponse{
		RunID:       v.RunID,
		TradingDate: v.TradingDate,
		Phase:       v.Phase,
		Portfolio:   v.Portfolio,
	})
}

// GetAccount handles GET /api/v1/accounts/{accountType}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	t := model.AccountType(chi.URLParam(r, "accountType"))
	acc, ok := s.src.View().Accounts[t]
	if !ok {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// ListPositions handles GET /api/v1/positions
// Optionally filtered by ?order_book_id=<id>.
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("order_book_id")
	out := []engine.PositionView{}
	for _, p := range s.src.View().Positions {
		if id == "" || p.OrderBookID == id {
			out = append(out, p)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// ListOpenOrders handles GET /api/v1/orders/open
func (s *Service) ListOpenOrders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.src.View().OpenOrders)
}

// ListTrades handles GET /api/v1/trades
// Optionally filtered by ?order_book_id=<id>.
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("order_book_id")
	out := []model.Trade{}
	for _, t := range s.src.Trades() {
		if id == "" || t.OrderBookID == id {
			out = append(out, t)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// NewRouter mounts the service, the WebSocket hub and the operational
// endpoints. hub may be nil.
func NewRouter(svc *Service, hub *WSHub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"backtest-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if hub != nil {
			r.Get("/ws", hub.HandleWS)
		}

		// Timeout does not apply to the WebSocket upgrade.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Get("/portfolio", svc.GetPortfolio)
			r.Get("/accounts/{accountType}", svc.GetAccount)
			r.Get("/positions", svc.ListPositions)
			r.Get("/orders/open", svc.ListOpenOrders)
			r.Get("/trades", svc.ListTrades)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
