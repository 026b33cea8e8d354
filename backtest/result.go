package backtest

import (
	"fmt"
	"io"
	"time"

	"github.com/marketsentry/perpsim/broker"
)

// EquityPoint is one bar's ledger sample.
type EquityPoint struct {
	Time    time.Time
	Balance float64
	Equity  float64
}

// LogEntry is one bar of the optional execution log: what the strategy asked
// for, what actually happened, and what it cost. Intended for audit/replay by
// whatever persistence layer consumes the run.
type LogEntry struct {
	Index        int
	Time         time.Time
	Signals      int
	Fills        []broker.Execution
	Rejections   []broker.Execution
	Funding      []broker.FundingPayment
	Liquidations []broker.Liquidation
	EquityAfter  float64
}

// Result is the complete outcome of one single-symbol run.
type Result struct {
	RunID    string
	Symbol   string
	Strategy string
	Start    time.Time
	End      time.Time

	InitialBalance float64
	FinalEquity    float64

	Trades  []broker.ClosedTrade
	Equity  []EquityPoint
	Metrics Metrics
	Log     []LogEntry
}

// Print writes a human-readable run summary.
func (r *Result) Print(w io.Writer) {
	fmt.Fprintln(w, "==================================================")
	fmt.Fprintln(w, " Backtest Result")
	fmt.Fprintln(w, "==================================================")
	fmt.Fprintf(w, "Run ID:        %s\n", r.RunID)
	fmt.Fprintf(w, "Symbol:        %s\n", r.Symbol)
	fmt.Fprintf(w, "Strategy:      %s\n", r.Strategy)
	fmt.Fprintf(w, "Start:         %s\n", r.Start.Format(time.RFC3339))
	fmt.Fprintf(w, "End:           %s\n", r.End.Format(time.RFC3339))
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Start Balance: %.2f\n", r.InitialBalance)
	fmt.Fprintf(w, "Final Equity:  %.2f\n", r.FinalEquity)
	fmt.Fprintf(w, "Net P/L:       %.2f\n", r.Metrics.TotalPnL)
	fmt.Fprintf(w, "Return:        %.2f%%\n", r.Metrics.TotalReturnPct)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Trades:        %d\n", r.Metrics.Trades)
	fmt.Fprintf(w, "Wins:          %d\n", r.Metrics.Wins)
	fmt.Fprintf(w, "Losses:        %d\n", r.Metrics.Losses)
	fmt.Fprintf(w, "Win Rate:      %.2f%%\n", r.Metrics.WinRate*100)
	fmt.Fprintf(w, "Profit Factor: %.2f\n", r.Metrics.ProfitFactor)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Sharpe:        %.3f\n", r.Metrics.Sharpe)
	fmt.Fprintf(w, "Sortino:       %.3f\n", r.Metrics.Sortino)
	fmt.Fprintf(w, "Max Drawdown:  %.2f%%\n", r.Metrics.MaxDrawdown*100)
	fmt.Fprintf(w, "Exposure:      %.2f%%\n", r.Metrics.Exposure*100)
	fmt.Fprintf(w, "Turnover:      %.2f\n", r.Metrics.Turnover)
	fmt.Fprintln(w)
}
