package market

import (
	"math"
	"time"
)

// QualityReport summarizes how complete a series is against its expected bar
// cadence. The backtest engine refuses to run below a configured Score.
type QualityReport struct {
	ExpectedBars int
	PresentBars  int
	GapCount     int
	LongestGap   int     // missing bars in the worst gap
	Score        float64 // PresentBars / ExpectedBars, in [0, 1]
}

// Quality scans a sorted series assuming one bar every interval. Duplicated
// timestamps count once; out-of-order data scores zero so the precheck fails
// loudly rather than mis-measuring.
func Quality(s *Series, interval time.Duration) QualityReport {
	if s == nil || len(s.Candles) == 0 || interval <= 0 {
		return QualityReport{}
	}
	if !s.Sorted() {
		return QualityReport{}
	}

	span := s.End().Sub(s.Start())
	expected := int(span/interval) + 1
	if expected < 1 {
		expected = 1
	}

	rep := QualityReport{ExpectedBars: expected}

	prev := time.Time{}
	for _, c := range s.Candles {
		if !prev.IsZero() && c.Time.Equal(prev) {
			continue
		}
		if !prev.IsZero() {
			missing := int(math.Round(float64(c.Time.Sub(prev))/float64(interval))) - 1
			if missing > 0 {
				rep.GapCount++
				if missing > rep.LongestGap {
					rep.LongestGap = missing
				}
			}
		}
		rep.PresentBars++
		prev = c.Time
	}

	if rep.PresentBars > rep.ExpectedBars {
		// Irregular cadence (bars closer than interval); treat as complete.
		rep.PresentBars = rep.ExpectedBars
	}
	rep.Score = float64(rep.PresentBars) / float64(rep.ExpectedBars)
	return rep
}
