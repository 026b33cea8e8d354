package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketsentry/perpsim/exchange"
)

func TestPositionAddFillVWAP(t *testing.T) {
	t.Parallel()

	p := &Position{Symbol: "BTCUSDT", Side: Buy, Leverage: 10}
	p.addFill(Fill{Side: Buy, Price: 50000, Quantity: 1})
	p.addFill(Fill{Side: Buy, Price: 52000, Quantity: 1})

	assert.InDelta(t, 2, p.Size, 1e-12)
	assert.InDelta(t, 51000, p.EntryPrice, 1e-12)
	assert.InDelta(t, 102000, p.Notional(), 1e-9)
	assert.InDelta(t, 10200, p.InitialMargin(), 1e-9)
	assert.Len(t, p.Fills, 2)
}

func TestPositionMarkTo(t *testing.T) {
	t.Parallel()

	long := &Position{Side: Buy, Size: 2, EntryPrice: 50000}
	long.MarkTo(51000)
	assert.InDelta(t, 2000, long.UnrealizedPnl, 1e-9)

	short := &Position{Side: Sell, Size: 2, EntryPrice: 50000}
	short.MarkTo(51000)
	assert.InDelta(t, -2000, short.UnrealizedPnl, 1e-9)
}

func TestPositionReduceFill(t *testing.T) {
	t.Parallel()

	p := &Position{Side: Buy, Size: 1, EntryPrice: 50000}
	pnl := p.reduceFill(Fill{Side: Sell, Price: 52000, Quantity: 0.4, Commission: 8.32})

	assert.InDelta(t, 800-8.32, pnl, 1e-9)
	assert.InDelta(t, 0.6, p.Size, 1e-12)
	assert.InDelta(t, pnl, p.RealizedPnl, 1e-9)

	// Oversized reduce caps at the open size.
	pnl = p.reduceFill(Fill{Side: Sell, Price: 52000, Quantity: 5})
	assert.InDelta(t, 2000*0.6, pnl, 1e-9)
	assert.InDelta(t, 0, p.Size, 1e-12)
}

func TestLiquidationPrice(t *testing.T) {
	t.Parallel()

	spec := exchange.Specs["BTCUSDT"]

	tests := []struct {
		name      string
		side      Side
		available float64
		expected  float64
	}{
		// Entry 50000, size 1, maintenance 0.004 * 50000 = 200.
		{"long", Buy, 5000, 45200},
		{"short", Sell, 5000, 54800},
		{"long_no_cushion", Buy, 100, 50000},
		{"short_no_cushion", Sell, 100, 50000},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := &Position{Symbol: "BTCUSDT", Side: tt.side, Size: 1, EntryPrice: 50000, Leverage: 10}
			assert.InDelta(t, tt.expected, p.LiquidationPrice(tt.available, spec), 1e-9)
		})
	}
}

func TestLiquidationPriceFloorsAtZero(t *testing.T) {
	t.Parallel()

	spec := exchange.DefaultSpec("XYZUSDT")
	p := &Position{Side: Buy, Size: 1, EntryPrice: 100, Leverage: 1}
	// Cushion far exceeds the entry price; a long cannot be liquidated.
	assert.InDelta(t, 0, p.LiquidationPrice(1000, spec), 1e-12)
}

func TestLiquidatedThreshold(t *testing.T) {
	t.Parallel()

	long := &Position{Side: Buy, Size: 1}
	assert.True(t, long.liquidated(45200, 45200))
	assert.True(t, long.liquidated(45199.9, 45200))
	assert.False(t, long.liquidated(45200.1, 45200))

	short := &Position{Side: Sell, Size: 1}
	assert.True(t, short.liquidated(54800, 54800))
	assert.True(t, short.liquidated(54800.1, 54800))
	assert.False(t, short.liquidated(54799.9, 54800))
}

func TestFundingAccrualCadence(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC)
	fs := &fundingState{Rate: 0.0001, EffectiveAt: start, LastAccrued: start}

	assert.Empty(t, fs.accrueTo(start))
	assert.Empty(t, fs.accrueTo(start.Add(7*time.Hour+59*time.Minute)))

	due := fs.accrueTo(start.Add(8 * time.Hour))
	require.Len(t, due, 1)
	assert.True(t, due[0].Equal(start.Add(8*time.Hour)))

	// Crossing two boundaries at once yields both, anchored to the rate's
	// effective time rather than midnight.
	due = fs.accrueTo(start.Add(25 * time.Hour))
	require.Len(t, due, 2)
	assert.True(t, due[0].Equal(start.Add(16*time.Hour)))
	assert.True(t, due[1].Equal(start.Add(24*time.Hour)))

	assert.Empty(t, fs.accrueTo(start.Add(25*time.Hour)))
}

func TestFundingAmountSign(t *testing.T) {
	t.Parallel()

	// Positive rate: longs pay, shorts receive.
	assert.InDelta(t, -5, fundingAmount(Buy, 0.0001, 50000, 1), 1e-9)
	assert.InDelta(t, 5, fundingAmount(Sell, 0.0001, 50000, 1), 1e-9)

	// Negative rate mirrors.
	assert.InDelta(t, 5, fundingAmount(Buy, -0.0001, 50000, 1), 1e-9)
	assert.InDelta(t, -5, fundingAmount(Sell, -0.0001, 50000, 1), 1e-9)
}
