package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"trigger-core/internal/indicators"
)

func TestPriceStalenessGate(t *testing.T) {
	feed := NewCachedFeed(nil, 100*time.Millisecond)
	ctx := context.Background()

	if _, err := feed.Price(ctx, "SOL/USDC"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("price of unknown instrument: err = %v, expected ErrUnavailable", err)
	}

	feed.applyTickAt("SOL/USDC", 101.5, 2, time.Now())
	p, err := feed.Price(ctx, "SOL/USDC")
	if err != nil {
		t.Fatalf("fresh price: %v", err)
	}
	if p != 101.5 {
		t.Fatalf("price = %v, expected 101.5", p)
	}

	// A tick older than staleAfter must not be served.
	feed.applyTickAt("SOL/USDC", 102, 1, time.Now().Add(-time.Second))
	if _, err := feed.Price(ctx, "SOL/USDC"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("stale price: err = %v, expected ErrUnavailable", err)
	}

	snap, err := feed.Snapshot(ctx, "SOL/USDC")
	if err == nil || snap.Valid {
		t.Fatalf("stale snapshot: err = %v valid = %v, expected invalid", err, snap.Valid)
	}
}

func TestVolumeRollingWindow(t *testing.T) {
	feed := NewCachedFeed(nil, 0)
	ctx := context.Background()
	now := time.Now()

	feed.applyTickAt("SOL/USDC", 100, 5, now.Add(-90*time.Second))
	feed.applyTickAt("SOL/USDC", 100, 3, now.Add(-30*time.Second))
	feed.applyTickAt("SOL/USDC", 100, 2, now)

	vol, err := feed.Volume(ctx, "SOL/USDC", time.Minute)
	if err != nil {
		t.Fatalf("Volume: %v", err)
	}
	// The 90s-old sample left the window when the last tick pruned it.
	if vol != 5 {
		t.Fatalf("volume = %v, expected 5", vol)
	}

	vol, err = feed.Volume(ctx, "SOL/USDC", 10*time.Second)
	if err != nil {
		t.Fatalf("Volume short window: %v", err)
	}
	if vol != 2 {
		t.Fatalf("short window volume = %v, expected 2", vol)
	}
}

func TestSnapshotMidAndOracleFallBackToLast(t *testing.T) {
	feed := NewCachedFeed(nil, 0)
	ctx := context.Background()

	feed.ApplyTick("SOL/USDC", 100, 1)
	snap, err := feed.Snapshot(ctx, "SOL/USDC")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.MidPrice != 100 || snap.OraclePrice != 100 {
		t.Fatalf("mid = %v oracle = %v, expected both 100", snap.MidPrice, snap.OraclePrice)
	}

	feed.ApplyQuote("SOL/USDC", 99, 101)
	feed.ApplyOracle("SOL/USDC", 100.2)
	snap, err = feed.Snapshot(ctx, "SOL/USDC")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.MidPrice != 100 {
		t.Fatalf("mid = %v, expected 100", snap.MidPrice)
	}
	if snap.OraclePrice != 100.2 {
		t.Fatalf("oracle = %v, expected 100.2", snap.OraclePrice)
	}
}

func TestIndicatorRequiresEngine(t *testing.T) {
	feed := NewCachedFeed(nil, 0)
	if _, err := feed.Indicator(context.Background(), "SOL/USDC", "rsi", 14); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("indicator without engine: err = %v, expected ErrUnavailable", err)
	}

	ind := indicators.NewEngine(64)
	feed = NewCachedFeed(ind, 0)
	for i := 0; i < 30; i++ {
		feed.ApplyTick("SOL/USDC", 100+float64(i), 1)
	}
	v, err := feed.Indicator(context.Background(), "SOL/USDC", "sma", 10)
	if err != nil {
		t.Fatalf("sma: %v", err)
	}
	// Last 10 prices are 120..129.
	if v != 124.5 {
		t.Fatalf("sma = %v, expected 124.5", v)
	}
}
