package market

import (
	"fmt"
	"time"
)

// Resample buckets a fine-grained series into interval-wide bars:
// open = first, high = max, low = min, close = last, volume = sum.
// Bucket boundaries are aligned to the unix epoch so runs do not depend on
// where the data happens to start. Buckets with no source bars are dropped.
func Resample(src *Series, interval time.Duration) (*Series, error) {
	if src == nil || len(src.Candles) == 0 {
		return nil, fmt.Errorf("resample: empty series")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("resample: interval must be positive, got %s", interval)
	}
	if !src.Sorted() {
		return nil, fmt.Errorf("resample: series %s is not time-ordered", src.Symbol)
	}

	out := &Series{Symbol: src.Symbol}

	var cur Candle
	var curStart time.Time
	open := false

	flush := func() {
		if open {
			out.Candles = append(out.Candles, cur)
			open = false
		}
	}

	for _, c := range src.Candles {
		start := c.Time.Truncate(interval)
		if !open || !start.Equal(curStart) {
			flush()
			curStart = start
			cur = Candle{Time: start, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume}
			open = true
			continue
		}
		if c.High > cur.High {
			cur.High = c.High
		}
		if c.Low < cur.Low {
			cur.Low = c.Low
		}
		cur.Close = c.Close
		cur.Volume += c.Volume
	}
	flush()

	return out, nil
}
