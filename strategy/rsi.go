package strategy

import (
	"github.com/thrasher-corp/gct-ta/indicators"

	"github.com/marketsentry/perpsim/broker"
)

// RSI buys oversold and exits overbought.
type RSI struct {
	Period int
	Low    float64 // default 30
	High   float64 // default 70
	Size   float64
}

func (s *RSI) Name() string { return "rsi" }

func (s *RSI) OnBar(ctx *Context) []Signal {
	low, high := s.Low, s.High
	if low == 0 {
		low = 30
	}
	if high == 0 {
		high = 70
	}
	if len(ctx.Candles) < s.Period+1 {
		return nil
	}

	closes := make([]float64, len(ctx.Candles))
	for i, c := range ctx.Candles {
		closes[i] = c.Close
	}
	rsi := indicators.RSI(closes, s.Period)
	latest := rsi[len(rsi)-1]

	switch {
	case latest <= low && ctx.Position == nil:
		return []Signal{{
			Symbol: ctx.Symbol,
			Side:   broker.Buy,
			Size:   s.Size,
			Type:   broker.Market,
			Reason: "rsi oversold",
		}}
	case latest >= high && ctx.Position != nil && ctx.Position.Side == broker.Buy:
		return []Signal{{
			Symbol: ctx.Symbol,
			Side:   broker.Sell,
			Size:   ctx.Position.Size,
			Type:   broker.Market,
			Reason: "rsi overbought",
		}}
	}
	return nil
}
