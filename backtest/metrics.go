package backtest

import (
	"math"

	"github.com/marketsentry/perpsim/broker"
)

// Metrics is the summary performance block computed after a run.
type Metrics struct {
	TotalPnL       float64
	TotalReturnPct float64

	Trades  int
	Wins    int
	Losses  int
	WinRate float64

	Sharpe       float64
	Sortino      float64
	MaxDrawdown  float64 // peak-to-trough fraction of the equity curve
	ProfitFactor float64 // gross wins / gross losses
	Exposure     float64 // fraction of bars with an open position
	Turnover     float64 // total fill notional / initial balance
}

// computeMetrics derives the summary block from an equity curve and trade
// list. barsPerYear annualizes the Sharpe/Sortino ratios; riskFree is the
// annual risk-free rate.
func computeMetrics(initial float64, equity []EquityPoint, trades []broker.ClosedTrade, riskFree, barsPerYear float64, barsInMarket, totalBars int, fillNotional float64) Metrics {
	var m Metrics

	if len(equity) > 0 {
		final := equity[len(equity)-1].Equity
		m.TotalPnL = final - initial
		if initial > 0 {
			m.TotalReturnPct = m.TotalPnL / initial * 100
		}
	}

	m.Trades = len(trades)
	var grossWin, grossLoss float64
	for _, t := range trades {
		switch {
		case t.RealizedPnl > 0:
			m.Wins++
			grossWin += t.RealizedPnl
		case t.RealizedPnl < 0:
			m.Losses++
			grossLoss += -t.RealizedPnl
		}
	}
	if m.Trades > 0 {
		m.WinRate = float64(m.Wins) / float64(m.Trades)
	}
	switch {
	case grossLoss > 0:
		m.ProfitFactor = grossWin / grossLoss
	case grossWin > 0:
		m.ProfitFactor = math.Inf(1)
	}

	returns := barReturns(equity)
	m.Sharpe = sharpeRatio(returns, riskFree, barsPerYear)
	m.Sortino = sortinoRatio(returns, riskFree, barsPerYear)
	m.MaxDrawdown = maxDrawdown(equity)

	if totalBars > 0 {
		m.Exposure = float64(barsInMarket) / float64(totalBars)
	}
	if initial > 0 {
		m.Turnover = fillNotional / initial
	}
	return m
}

func barReturns(equity []EquityPoint) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1].Equity
		if prev <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, equity[i].Equity/prev-1)
	}
	return out
}

func sharpeRatio(returns []float64, riskFree, barsPerYear float64) float64 {
	if len(returns) < 2 || barsPerYear <= 0 {
		return 0
	}
	perBarRF := riskFree / barsPerYear
	mean := meanExcess(returns, perBarRF)

	var variance float64
	for _, r := range returns {
		d := (r - perBarRF) - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)
	sd := math.Sqrt(variance)
	if sd == 0 {
		return 0
	}
	return mean / sd * math.Sqrt(barsPerYear)
}

func sortinoRatio(returns []float64, riskFree, barsPerYear float64) float64 {
	if len(returns) < 2 || barsPerYear <= 0 {
		return 0
	}
	perBarRF := riskFree / barsPerYear
	mean := meanExcess(returns, perBarRF)

	var downside float64
	for _, r := range returns {
		if d := r - perBarRF; d < 0 {
			downside += d * d
		}
	}
	downside = math.Sqrt(downside / float64(len(returns)))
	if downside == 0 {
		return 0
	}
	return mean / downside * math.Sqrt(barsPerYear)
}

func meanExcess(returns []float64, perBarRF float64) float64 {
	var sum float64
	for _, r := range returns {
		sum += r - perBarRF
	}
	return sum / float64(len(returns))
}

func maxDrawdown(equity []EquityPoint) float64 {
	var peak, worst float64
	for _, p := range equity {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			if dd := 1 - p.Equity/peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// drawdownSeries returns the running drawdown fraction per equity sample,
// used for cross-symbol drawdown correlation.
func drawdownSeries(equity []EquityPoint) []float64 {
	out := make([]float64, len(equity))
	var peak float64
	for i, p := range equity {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			out[i] = 1 - p.Equity/peak
		}
	}
	return out
}

// correlation is the Pearson coefficient of two equal-length series.
func correlation(a, b []float64) float64 {
	n := len(a)
	if n == 0 || n != len(b) {
		return 0
	}
	var meanA, meanB float64
	for i := range a {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= float64(n)
	meanB /= float64(n)

	var cov, varA, varB float64
	for i := range a {
		da := a[i] - meanA
		db := b[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}
