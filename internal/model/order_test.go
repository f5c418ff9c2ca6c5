package model

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var day = time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)

func newMarketBuy(qty int64) *Order {
	return NewOrder(1, "000001.XSHE", qty, SideBuy, OrderTypeMarket, EffectOpen, decimal.Zero, day, day)
}

func fillOf(o *Order, price float64, qty int64) *Trade {
	return &Trade{
		ExecID:         "t",
		OrderID:        o.ID(),
		OrderBookID:    o.OrderBookID(),
		Side:           o.Side(),
		PositionEffect: o.PositionEffect(),
		LastPrice:      d(price),
		LastQuantity:   qty,
		Commission:     d(1),
	}
}

func TestOrder_ActiveOnlyFromPendingNew(t *testing.T) {
	o := newMarketBuy(100)
	if o.Status() != StatusPendingNew {
		t.Fatalf("expected PENDING_NEW, got %s", o.Status())
	}
	o.Active()
	if o.Status() != StatusActive {
		t.Fatalf("expected ACTIVE, got %s", o.Status())
	}
	o.MarkCancelled("user cancel")
	o.Active()
	if o.Status() != StatusCancelled {
		t.Errorf("active() must not revive a final order, got %s", o.Status())
	}
}

func TestOrder_PartialThenFull(t *testing.T) {
	o := newMarketBuy(300)
	o.Active()

	if err := o.Fill(fillOf(o, 10, 100)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.Status() != StatusActive {
		t.Errorf("partial fill should stay ACTIVE, got %s", o.Status())
	}
	if err := o.Fill(fillOf(o, 13, 200)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.Status() != StatusFilled {
		t.Errorf("expected FILLED, got %s", o.Status())
	}
	if !o.AvgPrice().Equal(d(12)) {
		t.Errorf("expected avg price 12, got %s", o.AvgPrice())
	}
	if !o.TransactionCost().Equal(d(2)) {
		t.Errorf("expected transaction cost 2, got %s", o.TransactionCost())
	}
}

func TestOrder_Overfill(t *testing.T) {
	o := newMarketBuy(100)
	o.Active()
	err := o.Fill(fillOf(o, 10, 101))
	if !errors.Is(err, ErrOverfill) {
		t.Fatalf("expected ErrOverfill, got %v", err)
	}
	if o.FilledQuantity() != 0 {
		t.Errorf("failed fill must not mutate, filled=%d", o.FilledQuantity())
	}
}

func TestOrder_FillFinal(t *testing.T) {
	o := newMarketBuy(100)
	o.MarkRejected("no data")
	if err := o.Fill(fillOf(o, 10, 100)); !errors.Is(err, ErrFillFinalOrder) {
		t.Errorf("expected ErrFillFinalOrder, got %v", err)
	}
}

func TestOrder_MarkIsIdempotent(t *testing.T) {
	o := newMarketBuy(100)
	o.MarkRejected("first")
	o.MarkCancelled("second")
	if o.Status() != StatusRejected || o.Message() != "first" {
		t.Errorf("second mark must be a no-op, got %s %q", o.Status(), o.Message())
	}
}

func TestOrder_MatchDoesNotMoveAvgPrice(t *testing.T) {
	o := NewOrder(2, "IF2401", 2, SideBuy, OrderTypeMarket, EffectMatch, decimal.Zero, day, day)
	o.Active()
	tr := fillOf(o, 3500, 2)
	if err := o.Fill(tr); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !o.AvgPrice().IsZero() {
		t.Errorf("MATCH fill must not move avg price, got %s", o.AvgPrice())
	}
}

func TestOrder_PositionDirection(t *testing.T) {
	tests := []struct {
		side   Side
		effect PositionEffect
		want   Direction
	}{
		{SideBuy, EffectOpen, DirectionLong},
		{SideSell, EffectOpen, DirectionShort},
		{SideSell, EffectClose, DirectionLong},
		{SideBuy, EffectClose, DirectionShort},
		{SideBuy, EffectCloseToday, DirectionShort},
		{SideSell, EffectExercise, DirectionLong},
	}
	for _, tt := range tests {
		o := NewOrder(1, "X", 1, tt.side, OrderTypeMarket, tt.effect, decimal.Zero, day, day)
		if got := o.PositionDirection(); got != tt.want {
			t.Errorf("%s/%s: expected %s, got %s", tt.side, tt.effect, tt.want, got)
		}
	}
}

func TestOrder_StateRoundTrip(t *testing.T) {
	o := NewOrder(7, "000001.XSHE", 500, SideSell, OrderTypeLimit, EffectClose, d(9.8), day, day)
	o.Active()
	_ = o.Fill(fillOf(o, 9.9, 200))

	restored := OrderFromState(o.State())
	if restored.UnfilledQuantity() != 300 || restored.Status() != StatusActive {
		t.Errorf("restored order mismatch: unfilled=%d status=%s", restored.UnfilledQuantity(), restored.Status())
	}
	if !restored.FrozenPrice().Equal(d(9.8)) {
		t.Errorf("expected frozen price 9.8, got %s", restored.FrozenPrice())
	}
}

// Filled quantity never decreases, never exceeds quantity, and FILLED holds
// exactly when nothing is left unfilled.
func TestProperty_FilledQuantityMonotone(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		qty := rapid.Int64Range(1, 10_000).Draw(t, "qty")
		o := newMarketBuy(qty)
		o.Active()

		steps := rapid.IntRange(1, 20).Draw(t, "steps")
		prev := int64(0)
		for i := 0; i < steps; i++ {
			fill := rapid.Int64Range(1, qty).Draw(t, "fill")
			_ = o.Fill(fillOf(o, 10, fill))
			if o.FilledQuantity() < prev {
				t.Fatalf("filled quantity decreased: %d -> %d", prev, o.FilledQuantity())
			}
			if o.FilledQuantity() > o.Quantity() {
				t.Fatalf("filled %d exceeds quantity %d", o.FilledQuantity(), o.Quantity())
			}
			if (o.Status() == StatusFilled) != (o.FilledQuantity() == o.Quantity()) {
				t.Fatalf("status %s inconsistent with filled %d/%d", o.Status(), o.FilledQuantity(), o.Quantity())
			}
			prev = o.FilledQuantity()
		}
	})
}
