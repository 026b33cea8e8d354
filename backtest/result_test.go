package backtest

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResultPrint(t *testing.T) {
	t.Parallel()

	r := &Result{
		RunID:          "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		Symbol:         "BTCUSDT",
		Strategy:       "ema-cross",
		Start:          time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:            time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
		InitialBalance: 10000,
		FinalEquity:    10523.1,
		Metrics:        Metrics{TotalPnL: 523.1, TotalReturnPct: 5.231, Trades: 3, Wins: 2, Losses: 1},
	}

	var buf bytes.Buffer
	r.Print(&buf)
	out := buf.String()

	assert.Contains(t, out, "Backtest Result")
	assert.Contains(t, out, "BTCUSDT")
	assert.Contains(t, out, "ema-cross")
	assert.Contains(t, out, "10523.10")
	assert.Contains(t, out, "Trades:        3")
}
