package journal

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"
)

// CSV writes trades and equity samples to two flat files. Run summaries are
// not persisted here; use the sqlite journal when run metadata matters.
type CSV struct {
	trades *csv.Writer
	equity *csv.Writer

	tradesFile *os.File
	equityFile *os.File
}

func NewCSV(tradesPath, equityPath string) (*CSV, error) {
	tf, err := os.Create(tradesPath)
	if err != nil {
		return nil, fmt.Errorf("create trades csv: %w", err)
	}
	ef, err := os.Create(equityPath)
	if err != nil {
		tf.Close()
		return nil, fmt.Errorf("create equity csv: %w", err)
	}

	j := &CSV{
		trades:     csv.NewWriter(tf),
		equity:     csv.NewWriter(ef),
		tradesFile: tf,
		equityFile: ef,
	}
	j.trades.Write([]string{"run_id", "trade_id", "symbol", "side", "size",
		"entry_price", "exit_price", "open_time", "close_time",
		"realized_pl", "fees", "funding", "reason"})
	j.equity.Write([]string{"run_id", "time", "balance", "equity"})
	return j, nil
}

func (j *CSV) RecordRun(RunRecord) error { return nil }

func (j *CSV) RecordTrade(t TradeRecord) error {
	return j.trades.Write([]string{
		t.RunID, t.TradeID, t.Symbol, t.Side,
		fmtF(t.Size), fmtF(t.EntryPrice), fmtF(t.ExitPrice),
		t.OpenTime.Format(time.RFC3339), t.CloseTime.Format(time.RFC3339),
		fmtF(t.RealizedPL), fmtF(t.Fees), fmtF(t.Funding), t.Reason,
	})
}

func (j *CSV) RecordEquity(e EquitySnapshot) error {
	return j.equity.Write([]string{
		e.RunID, e.Time.Format(time.RFC3339), fmtF(e.Balance), fmtF(e.Equity),
	})
}

func (j *CSV) Close() error {
	j.trades.Flush()
	j.equity.Flush()
	if err := j.trades.Error(); err != nil {
		return err
	}
	if err := j.equity.Error(); err != nil {
		return err
	}
	if err := j.tradesFile.Close(); err != nil {
		return err
	}
	return j.equityFile.Close()
}

func fmtF(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
