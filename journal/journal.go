// Package journal is the audit sink for backtest runs: closed trades, equity
// samples and run summaries, persisted so a run can be inspected or replayed
// after the fact.
package journal

import "time"

// TradeRecord is one realized exit.
type TradeRecord struct {
	RunID      string
	TradeID    string
	Symbol     string
	Side       string
	Size       float64
	EntryPrice float64
	ExitPrice  float64
	OpenTime   time.Time
	CloseTime  time.Time
	RealizedPL float64
	Fees       float64
	Funding    float64
	Reason     string
}

// EquitySnapshot is one bar's ledger sample.
type EquitySnapshot struct {
	RunID   string
	Time    time.Time
	Balance float64
	Equity  float64
}

// RunRecord summarizes one completed run.
type RunRecord struct {
	RunID        string
	Created      time.Time
	Symbol       string
	Strategy     string
	Start        time.Time
	End          time.Time
	StartBalance float64
	FinalEquity  float64
	Trades       int
	Wins         int
	Losses       int
	MaxDrawdown  float64
	Sharpe       float64
}

// Journal records run artifacts. Implementations must tolerate being called
// once per bar for equity samples.
type Journal interface {
	RecordRun(RunRecord) error
	RecordTrade(TradeRecord) error
	RecordEquity(EquitySnapshot) error
	Close() error
}

// Nop discards everything. Useful default so the engine never nil-checks.
type Nop struct{}

func (Nop) RecordRun(RunRecord) error         { return nil }
func (Nop) RecordTrade(TradeRecord) error     { return nil }
func (Nop) RecordEquity(EquitySnapshot) error { return nil }
func (Nop) Close() error                      { return nil }
