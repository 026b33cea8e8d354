package strategy

import (
	"github.com/thrasher-corp/gct-ta/indicators"

	"github.com/marketsentry/perpsim/broker"
)

// EMACross goes long when the fast EMA crosses above the slow EMA and flat
// when it crosses back below. A simple momentum baseline for exercising the
// engine; not investment advice.
type EMACross struct {
	Fast int
	Slow int
	Size float64

	StopLossPct   float64 // optional, e.g. 0.02 places a stop 2% under entry
	TakeProfitPct float64
}

func (s *EMACross) Name() string { return "ema-cross" }

func (s *EMACross) OnBar(ctx *Context) []Signal {
	if len(ctx.Candles) < s.Slow+1 {
		return nil
	}

	closes := make([]float64, len(ctx.Candles))
	for i, c := range ctx.Candles {
		closes[i] = c.Close
	}
	fast := indicators.EMA(closes, s.Fast)
	slow := indicators.EMA(closes, s.Slow)

	n := len(closes) - 1
	crossedUp := fast[n] > slow[n] && fast[n-1] <= slow[n-1]
	crossedDown := fast[n] < slow[n] && fast[n-1] >= slow[n-1]

	flat := ctx.Position == nil

	switch {
	case crossedUp && flat:
		sig := Signal{
			Symbol: ctx.Symbol,
			Side:   broker.Buy,
			Size:   s.Size,
			Type:   broker.Market,
			Reason: "ema cross up",
		}
		price := ctx.Candle.Close
		if s.StopLossPct > 0 {
			sig.StopLoss = price * (1 - s.StopLossPct)
		}
		if s.TakeProfitPct > 0 {
			sig.TakeProfit = price * (1 + s.TakeProfitPct)
		}
		return []Signal{sig}

	case crossedDown && !flat && ctx.Position.Side == broker.Buy:
		return []Signal{{
			Symbol: ctx.Symbol,
			Side:   broker.Sell,
			Size:   ctx.Position.Size,
			Type:   broker.Market,
			Reason: "ema cross down",
		}}
	}
	return nil
}
