package broker

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(balance float64) *Broker {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(balance, NewExecutor(nil, 42), log)
}

func TestMarketOrderOpensPosition(t *testing.T) {
	t.Parallel()

	b := newTestBroker(10000)
	exec, err := b.MarketOrder("BTCUSDT", Buy, 0.1, barAt(50000, t0), 10, Isolated)
	require.NoError(t, err)
	require.Equal(t, Filled, exec.Status)
	assert.InDelta(t, 2.0, exec.Commission, 1e-9)

	p, ok := b.Position("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, Buy, p.Side)
	assert.InDelta(t, 0.1, p.Size, 1e-12)
	assert.InDelta(t, 50000, p.EntryPrice, 1e-9)
	assert.InDelta(t, 500, p.InitialMargin(), 1e-9)
	assert.Equal(t, Isolated, p.Mode)

	st := b.State()
	assert.InDelta(t, 9998, st.Balance, 1e-9)
	assert.InDelta(t, 9998, st.TotalEquity, 1e-9)
	assert.InDelta(t, 500, st.UsedMargin, 1e-9)
	assert.InDelta(t, 9498, st.AvailableMargin, 1e-9)
	assert.Equal(t, 1, st.OpenPositions)
}

func TestInsufficientMarginRejects(t *testing.T) {
	t.Parallel()

	b := newTestBroker(100)
	exec, err := b.MarketOrder("BTCUSDT", Buy, 1, barAt(50000, t0), 10, Cross)
	require.NoError(t, err)

	assert.Equal(t, Rejected, exec.Status)
	assert.Equal(t, "insufficient margin", exec.RejectReason)
	_, ok := b.Position("BTCUSDT")
	assert.False(t, ok)
	assert.InDelta(t, 100, b.State().Balance, 1e-9)
}

func TestReduceThenClose(t *testing.T) {
	t.Parallel()

	b := newTestBroker(10000)
	_, err := b.MarketOrder("BTCUSDT", Buy, 1, barAt(50000, t0), 10, Cross)
	require.NoError(t, err)
	assert.InDelta(t, 9980, b.State().Balance, 1e-9)

	// Partial exit realizes PnL net of the exit fee.
	_, err = b.MarketOrder("BTCUSDT", Sell, 0.4, barAt(52000, t0.Add(time.Hour)), 10, Cross)
	require.NoError(t, err)

	p, ok := b.Position("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 0.6, p.Size, 1e-12)
	assert.InDelta(t, 50000, p.EntryPrice, 1e-9)
	assert.InDelta(t, 9980+791.68, b.State().Balance, 1e-6)

	trades := b.ClosedTrades()
	require.Len(t, trades, 1)
	assert.Equal(t, "T-000001", trades[0].ID)
	assert.Equal(t, Buy, trades[0].Side)
	assert.InDelta(t, 0.4, trades[0].Size, 1e-12)
	assert.InDelta(t, 791.68, trades[0].RealizedPnl, 1e-6)
	assert.InDelta(t, 8.32, trades[0].Fees, 1e-6)

	// Full close removes the position.
	exec, err := b.ClosePosition("BTCUSDT", barAt(53000, t0.Add(2*time.Hour)), "take profit")
	require.NoError(t, err)
	require.Equal(t, Filled, exec.Status)
	assert.True(t, exec.Order.ReduceOnly)

	_, ok = b.Position("BTCUSDT")
	assert.False(t, ok)
	assert.InDelta(t, 9980+791.68+1787.28, b.State().Balance, 1e-6)

	trades = b.ClosedTrades()
	require.Len(t, trades, 2)
	assert.Equal(t, "T-000002", trades[1].ID)
	assert.Equal(t, "take profit", trades[1].Reason)
}

func TestClosePositionWithoutPosition(t *testing.T) {
	t.Parallel()

	b := newTestBroker(10000)
	_, err := b.ClosePosition("BTCUSDT", barAt(50000, t0), "close")
	assert.Error(t, err)
}

func TestFlipNetsThenOpensOtherSide(t *testing.T) {
	t.Parallel()

	b := newTestBroker(100000)
	_, err := b.MarketOrder("BTCUSDT", Buy, 1, barAt(50000, t0), 10, Cross)
	require.NoError(t, err)

	_, err = b.MarketOrder("BTCUSDT", Sell, 1.5, barAt(51000, t0.Add(time.Hour)), 10, Cross)
	require.NoError(t, err)

	p, ok := b.Position("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, Sell, p.Side)
	assert.InDelta(t, 0.5, p.Size, 1e-12)
	assert.InDelta(t, 51000, p.EntryPrice, 1e-9)

	// The closing leg carries its share of the commission; the opening
	// remainder pays the rest out of cash.
	trades := b.ClosedTrades()
	require.Len(t, trades, 1)
	assert.InDelta(t, 979.6, trades[0].RealizedPnl, 1e-6)
	assert.InDelta(t, 20.4, trades[0].Fees, 1e-6)
	assert.InDelta(t, 100000-20+979.6-10.2, b.State().Balance, 1e-6)
}

func TestFlipRejectsWholeOrderWhenRemainderLacksMargin(t *testing.T) {
	t.Parallel()

	b := newTestBroker(1000)
	_, err := b.MarketOrder("BTCUSDT", Buy, 0.19, barAt(50000, t0), 10, Cross)
	require.NoError(t, err)
	assert.InDelta(t, 996.2, b.State().Balance, 1e-9)

	// The 0.41 remainder at 1x needs 20500 of margin; the whole order must
	// come back rejected with the long untouched and nothing realized.
	exec, err := b.MarketOrder("BTCUSDT", Sell, 0.6, barAt(50000, t0.Add(time.Hour)), 1, Cross)
	require.NoError(t, err)

	assert.Equal(t, Rejected, exec.Status)
	assert.Equal(t, "insufficient margin", exec.RejectReason)
	assert.Zero(t, exec.FillQuantity)
	assert.Zero(t, exec.Commission)

	p, ok := b.Position("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, Buy, p.Side)
	assert.InDelta(t, 0.19, p.Size, 1e-12)
	assert.InDelta(t, 50000, p.EntryPrice, 1e-9)

	assert.Empty(t, b.ClosedTrades())
	assert.InDelta(t, 996.2, b.State().Balance, 1e-9)
}

func TestIsolatedLiquidationBoundary(t *testing.T) {
	t.Parallel()

	b := newTestBroker(10000)
	_, err := b.MarketOrder("BTCUSDT", Buy, 1, barAt(50000, t0), 10, Isolated)
	require.NoError(t, err)

	// Margin 5000, maintenance 200: liquidation at 45200.

	// One tick above survives.
	_, liqs, err := b.UpdateMarkPrices(map[string]float64{"BTCUSDT": 45200.1}, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, liqs)
	p, ok := b.Position("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, -4799.9, p.UnrealizedPnl, 1e-6)

	// One tick below force-closes at the threshold.
	_, liqs, err = b.UpdateMarkPrices(map[string]float64{"BTCUSDT": 45199.9}, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, liqs, 1)
	assert.InDelta(t, 45200, liqs[0].Price, 1e-9)
	assert.Equal(t, Buy, liqs[0].Side)

	_, ok = b.Position("BTCUSDT")
	assert.False(t, ok)

	trades := b.ClosedTrades()
	require.Len(t, trades, 1)
	assert.Equal(t, "liquidation", trades[0].Reason)
	// (45200-50000)*1 - 45200*1*4bps = -4818.08 on a 9980 post-fee balance.
	assert.InDelta(t, 5161.92, b.State().Balance, 1e-6)
}

func TestCrossLiquidationFlashCrash(t *testing.T) {
	t.Parallel()

	b := newTestBroker(1000)
	exec, err := b.MarketOrder("BTCUSDT", Buy, 1.9, barAt(50000, t0), 100, Cross)
	require.NoError(t, err)
	require.Equal(t, Filled, exec.Status)

	_, liqs, err := b.UpdateMarkPrices(map[string]float64{"BTCUSDT": 45000}, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, liqs, 1)
	// Cushion 962 - 475 maintenance over 1.9 units below the 50000 entry.
	assert.InDelta(t, 49743.7, liqs[0].Price, 1e-6)

	_, ok := b.Position("BTCUSDT")
	assert.False(t, ok)

	st := b.State()
	assert.Greater(t, st.Balance, 0.0)
	assert.Less(t, st.Balance, 1000.0)
	assert.InDelta(t, 437.225188, st.Balance, 1e-3)
}

func TestFundingTransfers(t *testing.T) {
	t.Parallel()

	b := newTestBroker(10000)
	b.SetFundingRate("BTCUSDT", 0.0001, t0)
	_, err := b.MarketOrder("BTCUSDT", Buy, 1, barAt(50000, t0), 10, Cross)
	require.NoError(t, err)

	// Before the first boundary: nothing accrues.
	pays, _, err := b.UpdateMarkPrices(map[string]float64{"BTCUSDT": 50000}, t0.Add(7*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, pays)

	// At the boundary the long pays the positive rate.
	pays, _, err = b.UpdateMarkPrices(map[string]float64{"BTCUSDT": 50000}, t0.Add(8*time.Hour))
	require.NoError(t, err)
	require.Len(t, pays, 1)
	assert.InDelta(t, -5, pays[0].Amount, 1e-9)
	assert.True(t, pays[0].Time.Equal(t0.Add(8*time.Hour)))

	p, ok := b.Position("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, -5, p.AccumulatedFunding, 1e-9)
	assert.InDelta(t, 9980-5, b.State().Balance, 1e-9)

	// A short on a second account receives the same transfer.
	s := newTestBroker(10000)
	s.SetFundingRate("BTCUSDT", 0.0001, t0)
	_, err = s.MarketOrder("BTCUSDT", Sell, 1, barAt(50000, t0), 10, Cross)
	require.NoError(t, err)
	pays, _, err = s.UpdateMarkPrices(map[string]float64{"BTCUSDT": 50000}, t0.Add(8*time.Hour))
	require.NoError(t, err)
	require.Len(t, pays, 1)
	assert.InDelta(t, 5, pays[0].Amount, 1e-9)
}

func TestFundingBoundariesAdvanceWithoutPosition(t *testing.T) {
	t.Parallel()

	b := newTestBroker(10000)
	b.SetFundingRate("BTCUSDT", 0.0001, t0)

	// Two boundaries pass with no exposure: consumed, not back-paid.
	pays, _, err := b.UpdateMarkPrices(nil, t0.Add(20*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, pays)

	_, err = b.MarketOrder("BTCUSDT", Buy, 1, barAt(50000, t0.Add(20*time.Hour)), 10, Cross)
	require.NoError(t, err)

	pays, _, err = b.UpdateMarkPrices(map[string]float64{"BTCUSDT": 50000}, t0.Add(23*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, pays)

	pays, _, err = b.UpdateMarkPrices(map[string]float64{"BTCUSDT": 50000}, t0.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, pays, 1)
	assert.True(t, pays[0].Time.Equal(t0.Add(24*time.Hour)))
}

func TestBrokerIsolation(t *testing.T) {
	t.Parallel()

	long := newTestBroker(10000)
	short := newTestBroker(10000)

	_, err := long.MarketOrder("BTCUSDT", Buy, 1, barAt(50000, t0), 10, Cross)
	require.NoError(t, err)
	_, err = short.MarketOrder("BTCUSDT", Sell, 1, barAt(50000, t0), 10, Cross)
	require.NoError(t, err)

	_, _, err = long.UpdateMarkPrices(map[string]float64{"BTCUSDT": 48000}, t0.Add(time.Hour))
	require.NoError(t, err)
	_, _, err = short.UpdateMarkPrices(map[string]float64{"BTCUSDT": 48000}, t0.Add(time.Hour))
	require.NoError(t, err)

	assert.InDelta(t, 9980-2000, long.State().TotalEquity, 1e-6)
	assert.InDelta(t, 9980+2000, short.State().TotalEquity, 1e-6)

	lp, _ := long.Position("BTCUSDT")
	sp, _ := short.Position("BTCUSDT")
	assert.Equal(t, Buy, lp.Side)
	assert.Equal(t, Sell, sp.Side)
}

func TestPendingLimitLifecycle(t *testing.T) {
	t.Parallel()

	b := newTestBroker(10000)
	ctx := ExecContext{
		Candle: barAt(50000, t0).Candle,
		Time:   t0,
	}
	ctx.Candle.High = 50500
	ctx.Candle.Low = 49500

	exec, err := b.LimitOrder("BTCUSDT", Buy, 0.5, 49000, true, ctx, 10, Cross)
	require.NoError(t, err)
	assert.Equal(t, Pending, exec.Status)

	open := b.PendingOrders()
	require.Len(t, open, 1)
	assert.Equal(t, exec.Order.ID, open[0].ID)

	// Next bar trades through the limit.
	next := ctx
	next.Candle.Time = t0.Add(time.Minute)
	next.Candle.Low = 48900
	done := b.ProcessPending("BTCUSDT", next)
	require.Len(t, done, 1)
	assert.Equal(t, Filled, done[0].Status)
	assert.InDelta(t, 49000, done[0].FillPrice, 1e-9)
	assert.True(t, done[0].Maker)

	assert.Empty(t, b.PendingOrders())
	p, ok := b.Position("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 49000, p.EntryPrice, 1e-9)
	assert.InDelta(t, 0.5, p.Size, 1e-12)
}

func TestCancelOrder(t *testing.T) {
	t.Parallel()

	b := newTestBroker(10000)
	ctx := ExecContext{Candle: barAt(50000, t0).Candle, Time: t0}
	ctx.Candle.Low = 49500

	exec, err := b.LimitOrder("BTCUSDT", Buy, 0.5, 49000, false, ctx, 10, Cross)
	require.NoError(t, err)
	require.Equal(t, Pending, exec.Status)

	require.NoError(t, b.CancelOrder(exec.Order.ID))
	assert.Empty(t, b.PendingOrders())
	assert.Error(t, b.CancelOrder(exec.Order.ID))
}
