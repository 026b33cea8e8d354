package strategy

import "github.com/marketsentry/perpsim/broker"

// Noop never trades. Useful as a baseline and in tests.
type Noop struct{}

func (Noop) Name() string            { return "noop" }
func (Noop) OnBar(*Context) []Signal { return nil }

// OpenOnce opens a single position on the first eligible bar and then holds
// it for the rest of the run.
type OpenOnce struct {
	Side     broker.Side
	Size     float64
	Leverage float64

	done bool
}

func (s *OpenOnce) Name() string { return "open-once" }

func (s *OpenOnce) OnBar(ctx *Context) []Signal {
	if s.done {
		return nil
	}
	s.done = true
	return []Signal{{
		Symbol:   ctx.Symbol,
		Side:     s.Side,
		Size:     s.Size,
		Type:     broker.Market,
		Leverage: s.Leverage,
		Reason:   "open once",
	}}
}
