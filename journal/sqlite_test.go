package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteRoundTrip(t *testing.T) {
	t.Parallel()

	j, err := NewSQLite(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	open := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	later := open.Add(2 * time.Hour)

	require.NoError(t, j.RecordRun(RunRecord{
		RunID: "run-1", Created: later, Symbol: "BTCUSDT", Strategy: "ema-cross",
		Start: open, End: later, StartBalance: 10000, FinalEquity: 10500,
		Trades: 2, Wins: 1, Losses: 1, MaxDrawdown: 0.05, Sharpe: 1.2,
	}))

	require.NoError(t, j.RecordTrade(TradeRecord{
		RunID: "run-1", TradeID: "T-000002", Symbol: "BTCUSDT", Side: "BUY",
		Size: 0.5, EntryPrice: 50000, ExitPrice: 51000,
		OpenTime: open, CloseTime: later,
		RealizedPL: 489.8, Fees: 10.2, Funding: -5, Reason: "take profit",
	}))
	require.NoError(t, j.RecordTrade(TradeRecord{
		RunID: "run-1", TradeID: "T-000001", Symbol: "BTCUSDT", Side: "BUY",
		Size: 0.5, EntryPrice: 50000, ExitPrice: 49500,
		OpenTime: open, CloseTime: open.Add(time.Hour),
		RealizedPL: -260.1, Fees: 9.9, Reason: "stop loss",
	}))
	// Another run's trade must not leak into run-1 queries.
	require.NoError(t, j.RecordTrade(TradeRecord{
		RunID: "run-2", TradeID: "T-000001", Symbol: "ETHUSDT", Side: "SELL",
		Size: 1, OpenTime: open, CloseTime: later,
	}))

	trades, err := j.TradesByRun("run-1")
	require.NoError(t, err)
	require.Len(t, trades, 2)
	// Ordered by close time, not insert order.
	assert.Equal(t, "T-000001", trades[0].TradeID)
	assert.Equal(t, "T-000002", trades[1].TradeID)
	assert.InDelta(t, 489.8, trades[1].RealizedPL, 1e-9)
	assert.InDelta(t, -5, trades[1].Funding, 1e-9)
	assert.Equal(t, "stop loss", trades[0].Reason)
	assert.True(t, trades[0].OpenTime.Equal(open))

	for i, bal := range []float64{10000, 9990, 10500} {
		require.NoError(t, j.RecordEquity(EquitySnapshot{
			RunID: "run-1", Time: open.Add(time.Duration(i) * time.Hour),
			Balance: bal, Equity: bal,
		}))
	}
	curve, err := j.EquityByRun("run-1")
	require.NoError(t, err)
	require.Len(t, curve, 3)
	assert.InDelta(t, 10000, curve[0].Equity, 1e-9)
	assert.InDelta(t, 10500, curve[2].Equity, 1e-9)

	missing, err := j.TradesByRun("nope")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestNopJournal(t *testing.T) {
	t.Parallel()

	var j Journal = Nop{}
	assert.NoError(t, j.RecordRun(RunRecord{}))
	assert.NoError(t, j.RecordTrade(TradeRecord{}))
	assert.NoError(t, j.RecordEquity(EquitySnapshot{}))
	assert.NoError(t, j.Close())
}
