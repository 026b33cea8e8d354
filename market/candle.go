package market

import "time"

// Candle represents one OHLCV bar. The engine treats Close as the mark price
// and Open as the market-order slippage reference.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Series is a time-ordered candle sequence for one symbol. The engine assumes
// the loader already sorted it; Sorted() lets callers check cheaply.
type Series struct {
	Symbol  string
	Candles []Candle
}

func (s *Series) Len() int { return len(s.Candles) }

// Sorted reports whether candles are in non-decreasing time order.
func (s *Series) Sorted() bool {
	for i := 1; i < len(s.Candles); i++ {
		if s.Candles[i].Time.Before(s.Candles[i-1].Time) {
			return false
		}
	}
	return true
}

func (s *Series) Start() time.Time {
	if len(s.Candles) == 0 {
		return time.Time{}
	}
	return s.Candles[0].Time
}

func (s *Series) End() time.Time {
	if len(s.Candles) == 0 {
		return time.Time{}
	}
	return s.Candles[len(s.Candles)-1].Time
}

// Slice returns candles up to and including idx. This is the no-look-ahead
// view handed to strategies.
func (s *Series) Slice(idx int) []Candle {
	if idx < 0 {
		return nil
	}
	if idx >= len(s.Candles) {
		idx = len(s.Candles) - 1
	}
	return s.Candles[:idx+1]
}
