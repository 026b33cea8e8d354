package journal

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite persists run artifacts to a sqlite database file.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (j *SQLite) RecordRun(r RunRecord) error {
	_, err := j.db.Exec(`
		INSERT INTO runs
		(run_id, created, symbol, strategy, start_time, end_time, start_balance, final_equity,
		 trades, wins, losses, max_drawdown, sharpe)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Created, r.Symbol, r.Strategy, r.Start, r.End,
		r.StartBalance, r.FinalEquity, r.Trades, r.Wins, r.Losses,
		r.MaxDrawdown, r.Sharpe,
	)
	return err
}

func (j *SQLite) RecordTrade(t TradeRecord) error {
	_, err := j.db.Exec(`
		INSERT INTO trades
		(run_id, trade_id, symbol, side, size, entry_price, exit_price,
		 open_time, close_time, realized_pl, fees, funding, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.RunID, t.TradeID, t.Symbol, t.Side, t.Size, t.EntryPrice, t.ExitPrice,
		t.OpenTime, t.CloseTime, t.RealizedPL, t.Fees, t.Funding, t.Reason,
	)
	return err
}

func (j *SQLite) RecordEquity(e EquitySnapshot) error {
	_, err := j.db.Exec(`
		INSERT INTO equity (run_id, time, balance, equity)
		VALUES (?, ?, ?, ?)`,
		e.RunID, e.Time, e.Balance, e.Equity,
	)
	return err
}

// TradesByRun loads the trade records of one run, oldest close first.
func (j *SQLite) TradesByRun(runID string) ([]TradeRecord, error) {
	rows, err := j.db.Query(`
		SELECT run_id, trade_id, symbol, side, size, entry_price, exit_price,
		       open_time, close_time, realized_pl, fees, funding, reason
		FROM trades WHERE run_id = ? ORDER BY close_time`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(&t.RunID, &t.TradeID, &t.Symbol, &t.Side, &t.Size,
			&t.EntryPrice, &t.ExitPrice, &t.OpenTime, &t.CloseTime,
			&t.RealizedPL, &t.Fees, &t.Funding, &t.Reason); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// EquityByRun loads one run's equity curve in time order.
func (j *SQLite) EquityByRun(runID string) ([]EquitySnapshot, error) {
	rows, err := j.db.Query(`
		SELECT run_id, time, balance, equity
		FROM equity WHERE run_id = ? ORDER BY time`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EquitySnapshot
	for rows.Next() {
		var e EquitySnapshot
		if err := rows.Scan(&e.RunID, &e.Time, &e.Balance, &e.Equity); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *SQLite) Close() error { return j.db.Close() }
