package backtest

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marketsentry/perpsim/broker"
	"github.com/marketsentry/perpsim/market"
	"github.com/marketsentry/perpsim/strategy"
)

// MultiOptions configures a portfolio run.
type MultiOptions struct {
	Base Options // per-symbol engine options; InitialBalance is the whole portfolio

	// MaxConcurrentPositions caps open positions across all symbols combined.
	// Zero means unlimited. Entries are rejected at the cap; exits never are.
	MaxConcurrentPositions int

	// Weights allocates capital per symbol as fractions summing to 1.
	// Missing or empty means an equal split.
	Weights map[string]float64
}

// MultiResult aggregates a portfolio run.
type MultiResult struct {
	Symbols  []string
	Timeline []time.Time
	Results  map[string]*Result

	ReturnCorrelation   map[string]map[string]float64
	DrawdownCorrelation map[string]map[string]float64
	PortfolioSharpe     float64
	PortfolioEquity     []EquityPoint
	Trades              []broker.ClosedTrade
}

// MultiEngine composes one independent Engine/Broker per symbol over a
// timestamp-aligned timeline. Bars missing for any configured symbol are
// dropped from the timeline entirely.
type MultiEngine struct {
	series map[string]*market.Series
	strats map[string]strategy.Strategy
	opts   MultiOptions
}

// NewMulti builds a portfolio engine. strats maps symbol to strategy; the ""
// key, when present, is the default for symbols without their own entry.
func NewMulti(series map[string]*market.Series, strats map[string]strategy.Strategy, opts MultiOptions) *MultiEngine {
	return &MultiEngine{series: series, strats: strats, opts: opts}
}

// LoadSeries loads one CSV candle file per symbol concurrently. Loading is
// the only parallel phase of a portfolio run; simulation stays sequential.
func LoadSeries(paths map[string]string) (map[string]*market.Series, error) {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
	)
	out := make(map[string]*market.Series, len(paths))

	for sym, path := range paths {
		wg.Add(1)
		go func(sym, path string) {
			defer wg.Done()
			s, err := market.LoadCSV(path, sym)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("load %s: %w", sym, err)
				}
				return
			}
			out[sym] = s
		}(sym, path)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// Run aligns the symbols, drives them bar-by-bar in deterministic symbol
// order, and reduces the per-symbol results into portfolio aggregates.
func (m *MultiEngine) Run() (*MultiResult, error) {
	if len(m.series) == 0 {
		return nil, ErrNoData
	}

	symbols := make([]string, 0, len(m.series))
	for sym := range m.series {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	base := m.opts.Base.withDefaults()

	// Quality gate runs against each source series before alignment thins
	// them out.
	for _, sym := range symbols {
		s := m.series[sym]
		if s == nil || len(s.Candles) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoData, sym)
		}
		if !s.Sorted() {
			return nil, fmt.Errorf("%w: %s", ErrUnsorted, sym)
		}
		rep := market.Quality(s, inferInterval(s))
		if rep.Score < base.MinQuality {
			return nil, fmt.Errorf("%w: %s score %.3f < %.3f", ErrDataQuality, sym, rep.Score, base.MinQuality)
		}
	}

	timeline := alignTimestamps(m.series)
	if len(timeline) == 0 {
		return nil, fmt.Errorf("%w: no shared timestamps across %d symbols", ErrNoData, len(symbols))
	}

	weights, err := m.weights(symbols)
	if err != nil {
		return nil, err
	}

	// Build one engine per symbol over its aligned sub-series.
	engines := make(map[string]*Engine, len(symbols))
	for _, sym := range symbols {
		strat, ok := m.strats[sym]
		if !ok {
			strat = m.strats[""]
		}
		if strat == nil {
			return nil, fmt.Errorf("%w: no strategy for %s", ErrNilStrategy, sym)
		}

		opts := base
		opts.InitialBalance = base.InitialBalance * weights[sym]
		opts.skipQuality = true
		opts.entryGate = m.gate(engines)
		engines[sym] = New(alignSeries(m.series[sym], timeline), strat, opts)
	}

	for _, sym := range symbols {
		if err := engines[sym].Init(); err != nil {
			return nil, fmt.Errorf("init %s: %w", sym, err)
		}
	}

	for i := range timeline {
		for _, sym := range symbols {
			if err := engines[sym].Step(i); err != nil {
				return nil, fmt.Errorf("step %s bar %d: %w", sym, i, err)
			}
		}
	}

	res := &MultiResult{
		Symbols:  symbols,
		Timeline: timeline,
		Results:  make(map[string]*Result, len(symbols)),
	}
	for _, sym := range symbols {
		r, err := engines[sym].Finish()
		if err != nil {
			return nil, fmt.Errorf("finish %s: %w", sym, err)
		}
		res.Results[sym] = r
	}

	m.aggregate(res, base)
	return res, nil
}

// gate enforces the portfolio-wide concurrent position cap. It counts open
// positions across every symbol's broker at decision time.
func (m *MultiEngine) gate(engines map[string]*Engine) func(string) bool {
	limit := m.opts.MaxConcurrentPositions
	return func(symbol string) bool {
		if limit <= 0 {
			return true
		}
		open := 0
		for _, e := range engines {
			if e.broker == nil {
				continue
			}
			open += e.broker.State().OpenPositions
		}
		return open < limit
	}
}

func (m *MultiEngine) weights(symbols []string) (map[string]float64, error) {
	out := make(map[string]float64, len(symbols))
	if len(m.opts.Weights) == 0 {
		for _, sym := range symbols {
			out[sym] = 1 / float64(len(symbols))
		}
		return out, nil
	}
	var total float64
	for _, sym := range symbols {
		w, ok := m.opts.Weights[sym]
		if !ok || w <= 0 {
			return nil, fmt.Errorf("multi: missing or non-positive weight for %s", sym)
		}
		out[sym] = w
		total += w
	}
	if total <= 0 {
		return nil, fmt.Errorf("multi: weights sum to %g", total)
	}
	for sym := range out {
		out[sym] /= total
	}
	return out, nil
}

// aggregate fills in the portfolio-level reductions: summed equity curve,
// capital-weighted Sharpe, correlation matrices and the merged trade list.
func (m *MultiEngine) aggregate(res *MultiResult, base Options) {
	n := len(res.Timeline)

	res.PortfolioEquity = make([]EquityPoint, n)
	for i := 0; i < n; i++ {
		p := EquityPoint{Time: res.Timeline[i]}
		for _, sym := range res.Symbols {
			eq := res.Results[sym].Equity
			if i < len(eq) {
				p.Balance += eq[i].Balance
				p.Equity += eq[i].Equity
			}
		}
		res.PortfolioEquity[i] = p
	}

	interval := time.Minute
	if n >= 2 {
		if d := res.Timeline[1].Sub(res.Timeline[0]); d > 0 {
			interval = d
		}
	}
	barsPerYear := float64(365*24*time.Hour) / float64(interval)
	res.PortfolioSharpe = sharpeRatio(barReturns(res.PortfolioEquity), base.RiskFreeRate, barsPerYear)

	returns := make(map[string][]float64, len(res.Symbols))
	drawdowns := make(map[string][]float64, len(res.Symbols))
	for _, sym := range res.Symbols {
		returns[sym] = barReturns(res.Results[sym].Equity)
		drawdowns[sym] = drawdownSeries(res.Results[sym].Equity)
	}
	res.ReturnCorrelation = correlationMatrix(res.Symbols, returns)
	res.DrawdownCorrelation = correlationMatrix(res.Symbols, drawdowns)

	for _, sym := range res.Symbols {
		res.Trades = append(res.Trades, res.Results[sym].Trades...)
	}
	sort.SliceStable(res.Trades, func(i, j int) bool {
		if !res.Trades[i].ClosedAt.Equal(res.Trades[j].ClosedAt) {
			return res.Trades[i].ClosedAt.Before(res.Trades[j].ClosedAt)
		}
		return res.Trades[i].Symbol < res.Trades[j].Symbol
	})
}

func correlationMatrix(symbols []string, series map[string][]float64) map[string]map[string]float64 {
	out := make(map[string]map[string]float64, len(symbols))
	for _, a := range symbols {
		out[a] = make(map[string]float64, len(symbols))
		for _, b := range symbols {
			if a == b {
				out[a][b] = 1
				continue
			}
			out[a][b] = correlation(series[a], series[b])
		}
	}
	return out
}

// alignTimestamps returns the sorted timestamps present in every series.
func alignTimestamps(series map[string]*market.Series) []time.Time {
	counts := make(map[int64]int)
	for _, s := range series {
		seen := make(map[int64]bool, len(s.Candles))
		for _, c := range s.Candles {
			ts := c.Time.UnixNano()
			if !seen[ts] {
				seen[ts] = true
				counts[ts]++
			}
		}
	}

	var shared []int64
	for ts, n := range counts {
		if n == len(series) {
			shared = append(shared, ts)
		}
	}
	sort.Slice(shared, func(i, j int) bool { return shared[i] < shared[j] })

	out := make([]time.Time, len(shared))
	for i, ts := range shared {
		out[i] = time.Unix(0, ts).UTC()
	}
	return out
}

// alignSeries filters a series down to the aligned timeline.
func alignSeries(s *market.Series, timeline []time.Time) *market.Series {
	keep := make(map[int64]bool, len(timeline))
	for _, t := range timeline {
		keep[t.UnixNano()] = true
	}
	out := &market.Series{Symbol: s.Symbol, Candles: make([]market.Candle, 0, len(timeline))}
	for _, c := range s.Candles {
		ts := c.Time.UnixNano()
		if keep[ts] {
			out.Candles = append(out.Candles, c)
			delete(keep, ts) // drop duplicate timestamps
		}
	}
	return out
}
