package executors

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"vaultexecutor/src/model"
	"vaultexecutor/src/oracle"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type staticHinter struct {
	update oracle.PriceUpdate
	ok     bool
}

func (h *staticHinter) Latest(_ string) (oracle.PriceUpdate, bool) {
	return h.update, h.ok
}

func hint(price int64) oracle.PriceUpdate {
	return oracle.PriceUpdate{
		FeedID:        "feed",
		PriceMantissa: price * 100000000,
		ConfMantissa:  95000000,
		Expo:          -8,
		PublishTime:   time.Now().Unix(),
	}
}

func sweepPosition() *model.Position {
	return &model.Position{
		ID:              7,
		FeedID:          "feed",
		EntryPrice:      d("3000"),
		StopLossPrice:   d("2700"),
		TakeProfitPrice: d("3500"),
		Status:          model.PositionStatusActive,
	}
}

func TestWorthEvaluating(t *testing.T) {
	cfg := Config{ProximityBps: 50} // 0.5% band

	cases := []struct {
		name   string
		hinter PriceHinter
		pos    *model.Position
		want   bool
	}{
		{"no hinter fails open", nil, sweepPosition(), true},
		{"no stream data fails open", &staticHinter{}, sweepPosition(), true},
		{"mid-range price skipped", &staticHinter{update: hint(3000), ok: true}, sweepPosition(), false},
		{"near stop-loss evaluated", &staticHinter{update: hint(2710), ok: true}, sweepPosition(), true},
		{"below stop-loss evaluated", &staticHinter{update: hint(2650), ok: true}, sweepPosition(), true},
		{"near take-profit evaluated", &staticHinter{update: hint(3490), ok: true}, sweepPosition(), true},
		{"above take-profit evaluated", &staticHinter{update: hint(4000), ok: true}, sweepPosition(), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewSweeper(cfg, nil, nil, nil, tc.hinter)
			if got := s.worthEvaluating(tc.pos); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestWorthEvaluating_NoTriggersAlwaysEvaluates(t *testing.T) {
	pos := sweepPosition()
	pos.StopLossPrice = decimal.Zero
	pos.TakeProfitPrice = decimal.Zero

	s := NewSweeper(Config{ProximityBps: 50}, nil, nil, nil, &staticHinter{update: hint(3000), ok: true})
	if !s.worthEvaluating(pos) {
		t.Fatalf("positions without triggers must not be filtered")
	}
}

func TestWorthEvaluating_DisabledBand(t *testing.T) {
	s := NewSweeper(Config{ProximityBps: 0}, nil, nil, nil, &staticHinter{update: hint(3000), ok: true})
	if !s.worthEvaluating(sweepPosition()) {
		t.Fatalf("a zero proximity band must disable the pre-filter")
	}
}

type staticLister struct {
	positions []model.Position
	err       error
}

func (l *staticLister) ListByStatus(_ context.Context, _ ...string) ([]model.Position, error) {
	return l.positions, l.err
}

func TestSweepOnce_PrefilterSkipsFarPositions(t *testing.T) {
	// every listed position sits mid-range, so the engine is never invoked;
	// a nil engine panics if the pre-filter leaks one through
	hinter := &staticHinter{update: hint(3000), ok: true}
	lister := &staticLister{positions: []model.Position{*sweepPosition()}}

	s := NewSweeper(Config{Concurrency: 2, ProximityBps: 50}, nil, lister, nil, hinter)
	if err := s.SweepOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSweepOnce_EmptySet(t *testing.T) {
	s := NewSweeper(Config{}, nil, &staticLister{}, nil, nil)
	if err := s.SweepOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
