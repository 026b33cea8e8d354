package market

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadCSV reads a candle series from a CSV file laid out as
//
//	timestamp,open,high,low,close,volume
//
// where timestamp is unix seconds, unix milliseconds, or RFC3339. A header
// row is skipped when the first field does not parse as a time. Rows are
// returned in file order; callers that need ordering should check Sorted().
func LoadCSV(path, symbol string) (*Series, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load candles: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("load candles %s: %w", path, err)
	}

	s := &Series{Symbol: symbol}
	for i, row := range rows {
		if len(row) < 5 {
			return nil, fmt.Errorf("load candles %s: row %d has %d fields, want >= 5", path, i+1, len(row))
		}
		ts, err := parseTimestamp(strings.TrimSpace(row[0]))
		if err != nil {
			if i == 0 {
				continue // header row
			}
			return nil, fmt.Errorf("load candles %s: row %d: %w", path, i+1, err)
		}

		vals := make([]float64, 0, 5)
		for _, field := range row[1:] {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("load candles %s: row %d: %w", path, i+1, err)
			}
			vals = append(vals, v)
			if len(vals) == 5 {
				break
			}
		}

		c := Candle{Time: ts, Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3]}
		if len(vals) >= 5 {
			c.Volume = vals[4]
		}
		s.Candles = append(s.Candles, c)
	}

	if len(s.Candles) == 0 {
		return nil, fmt.Errorf("load candles %s: no rows", path)
	}
	return s, nil
}

func parseTimestamp(field string) (time.Time, error) {
	if n, err := strconv.ParseInt(field, 10, 64); err == nil {
		// Millisecond stamps are 13 digits well past any sane second stamp.
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, field); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", field)
}
