package backtest

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/marketsentry/perpsim/broker"
	"github.com/marketsentry/perpsim/exchange"
	"github.com/marketsentry/perpsim/internal/id"
	"github.com/marketsentry/perpsim/journal"
	"github.com/marketsentry/perpsim/market"
	"github.com/marketsentry/perpsim/strategy"
)

// State is the engine lifecycle. A failed precheck never creates simulation
// state; a run that started always ends Done.
type State int8

const (
	Idle State = iota
	Running
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Running:
		return "RUNNING"
	case Done:
		return "DONE"
	case Failed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int8(s))
}

var (
	ErrNotIdle     = errors.New("backtest: engine already ran")
	ErrNoData      = errors.New("backtest: empty candle series")
	ErrUnsorted    = errors.New("backtest: candle series not time-ordered")
	ErrNilStrategy = errors.New("backtest: nil strategy")
	ErrDataQuality = errors.New("backtest: data quality below threshold")
)

// FundingRateChange schedules a funding rate taking effect mid-run.
type FundingRateChange struct {
	Symbol      string
	Rate        float64
	EffectiveAt time.Time
}

// Options is the recognized run configuration.
type Options struct {
	InitialBalance   float64
	WarmupBars       int     // bars to skip before allowing entries
	PreventLookAhead bool    // restrict strategy history to the current bar
	ExecuteOnNextBar bool    // signals from bar i fill with bar i+1's context
	SlippageBps      float64 // market-order slippage without a book snapshot
	MaxSpreadBps     float64 // reject entries when the L1 spread is wider
	FundingEnabled   bool
	Seed             int64   // drives the executor's maker/taker draw
	RiskFreeRate     float64 // annual, for Sharpe/Sortino
	MinQuality       float64 // data precheck threshold; default 0.8

	Leverage float64 // default leverage for signals that set none
	Mode     broker.MarginMode

	Specs        map[string]exchange.Spec // nil = built-in table
	Books        []*broker.BookSnapshot   // optional L1 series aligned to candles
	FundingRates []FundingRateChange

	Journal   journal.Journal
	Logger    *logrus.Logger
	RecordLog bool // keep the bar-by-bar execution log on the result

	// entryGate, when set, is consulted before any exposure-opening order.
	// The multi-symbol engine uses it to enforce the portfolio position cap.
	entryGate func(symbol string) bool

	// skipQuality is set by the multi-symbol engine, which checks quality
	// against the source series before alignment thins them out.
	skipQuality bool
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.InitialBalance <= 0 {
		out.InitialBalance = 10_000
	}
	if out.MinQuality <= 0 {
		out.MinQuality = 0.8
	}
	if out.Leverage < 1 {
		out.Leverage = 1
	}
	if out.Journal == nil {
		out.Journal = journal.Nop{}
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

type protection struct {
	stop float64
	take float64
}

// Engine drives one symbol's candle sequence bar-by-bar through a strategy
// and a broker. It is single-threaded: Step must not be called concurrently.
type Engine struct {
	opts   Options
	series *market.Series
	strat  strategy.Strategy

	state    State
	runID    string
	broker   *broker.Broker
	interval time.Duration

	queued  []strategy.Signal
	protect map[string]protection
	funding []FundingRateChange // pending schedule, consumed in order

	equity       []EquityPoint
	execLog      []LogEntry
	barsInMarket int
	fillNotional float64
}

// New builds an engine in Idle state. Nothing is validated until Init.
func New(series *market.Series, strat strategy.Strategy, opts Options) *Engine {
	return &Engine{
		opts:    opts.withDefaults(),
		series:  series,
		strat:   strat,
		protect: make(map[string]protection),
	}
}

func (e *Engine) State() State  { return e.state }
func (e *Engine) RunID() string { return e.runID }

// Broker exposes the underlying account, mainly for tests and the
// multi-symbol aggregator.
func (e *Engine) Broker() *broker.Broker { return e.broker }

// Run executes the whole bar sequence and returns the result.
func (e *Engine) Run() (*Result, error) {
	if err := e.Init(); err != nil {
		return nil, err
	}
	for i := range e.series.Candles {
		if err := e.Step(i); err != nil {
			e.state = Failed
			return nil, err
		}
	}
	return e.Finish()
}

// Init runs the preconditions and sets up the account. Precondition failures
// are fatal before any simulation state exists.
func (e *Engine) Init() error {
	if e.state != Idle {
		return ErrNotIdle
	}
	if e.series == nil || len(e.series.Candles) == 0 {
		e.state = Failed
		return ErrNoData
	}
	if e.strat == nil {
		e.state = Failed
		return ErrNilStrategy
	}
	if !e.series.Sorted() {
		e.state = Failed
		return ErrUnsorted
	}

	e.interval = inferInterval(e.series)
	if !e.opts.skipQuality {
		if rep := market.Quality(e.series, e.interval); rep.Score < e.opts.MinQuality {
			e.state = Failed
			return fmt.Errorf("%w: score %.3f < %.3f (%d gaps, longest %d bars)",
				ErrDataQuality, rep.Score, e.opts.MinQuality, rep.GapCount, rep.LongestGap)
		}
	}

	e.runID = id.New()
	e.broker = broker.New(e.opts.InitialBalance, broker.NewExecutor(e.opts.Specs, e.opts.Seed), e.opts.Logger)
	e.funding = append([]FundingRateChange(nil), e.opts.FundingRates...)
	e.state = Running

	e.opts.Logger.WithFields(logrus.Fields{
		"run":      e.runID,
		"symbol":   e.series.Symbol,
		"strategy": e.strat.Name(),
		"bars":     len(e.series.Candles),
	}).Info("backtest started")
	return nil
}

// Step processes bar i: drain queued signals, retry pending limits, apply
// protective exits, advance marks (funding + liquidation), ask the strategy,
// execute, and sample equity. All of it completes before Step returns.
func (e *Engine) Step(i int) error {
	if e.state != Running {
		return fmt.Errorf("backtest: step in state %s", e.state)
	}

	c := e.series.Candles[i]
	sym := e.series.Symbol
	ctx := broker.ExecContext{Candle: c, Book: e.book(i), SlippageBps: e.opts.SlippageBps, Time: c.Time}

	entry := LogEntry{Index: i, Time: c.Time}

	if e.opts.FundingEnabled {
		e.installDueFunding(c.Time)
	}

	// Signals held over from the previous bar fill with this bar's context.
	if len(e.queued) > 0 {
		pending := e.queued
		e.queued = nil
		for _, sig := range pending {
			e.execSignal(sig, ctx, &entry)
		}
	}

	for _, exec := range e.broker.ProcessPending(sym, ctx) {
		e.noteExecution(exec, &entry)
	}

	e.applyProtectiveExits(sym, ctx, &entry)

	payments, liqs, err := e.broker.UpdateMarkPrices(map[string]float64{sym: c.Close}, c.Time)
	if err != nil {
		return err
	}
	entry.Funding = payments
	entry.Liquidations = liqs
	for _, l := range liqs {
		delete(e.protect, l.Symbol)
		e.fillNotional += l.Price * l.Size
	}

	if i >= e.opts.WarmupBars {
		st := e.broker.State()
		sctx := &strategy.Context{
			Symbol:  sym,
			Index:   i,
			Candles: e.visible(i),
			Candle:  c,
			Balance: st.Balance,
			Equity:  st.TotalEquity,
		}
		if p, ok := e.broker.Position(sym); ok {
			sctx.Position = &p
		}

		signals := e.strat.OnBar(sctx)
		entry.Signals = len(signals)
		for _, sig := range signals {
			if sig.Size <= 0 {
				continue
			}
			if e.opts.ExecuteOnNextBar {
				e.queued = append(e.queued, sig)
				continue
			}
			e.execSignal(sig, ctx, &entry)
		}
	}

	st := e.broker.State()
	if st.OpenPositions > 0 {
		e.barsInMarket++
	}
	e.equity = append(e.equity, EquityPoint{Time: c.Time, Balance: st.Balance, Equity: st.TotalEquity})
	if err := e.opts.Journal.RecordEquity(journal.EquitySnapshot{
		RunID: e.runID, Time: c.Time, Balance: st.Balance, Equity: st.TotalEquity,
	}); err != nil {
		return fmt.Errorf("backtest: journal equity: %w", err)
	}

	if e.opts.RecordLog {
		entry.EquityAfter = st.TotalEquity
		e.execLog = append(e.execLog, entry)
	}
	return nil
}

// Finish closes the run, computes metrics and writes the journal summary.
func (e *Engine) Finish() (*Result, error) {
	if e.state != Running {
		return nil, fmt.Errorf("backtest: finish in state %s", e.state)
	}
	e.state = Done

	trades := e.broker.ClosedTrades()
	barsPerYear := float64(365*24*time.Hour) / float64(e.interval)
	m := computeMetrics(e.opts.InitialBalance, e.equity, trades,
		e.opts.RiskFreeRate, barsPerYear, e.barsInMarket, len(e.series.Candles), e.fillNotional)

	res := &Result{
		RunID:          e.runID,
		Symbol:         e.series.Symbol,
		Strategy:       e.strat.Name(),
		Start:          e.series.Start(),
		End:            e.series.End(),
		InitialBalance: e.opts.InitialBalance,
		FinalEquity:    e.broker.State().TotalEquity,
		Trades:         trades,
		Equity:         e.equity,
		Metrics:        m,
		Log:            e.execLog,
	}

	for _, t := range trades {
		if err := e.opts.Journal.RecordTrade(journal.TradeRecord{
			RunID: e.runID, TradeID: t.ID, Symbol: t.Symbol, Side: t.Side.String(),
			Size: t.Size, EntryPrice: t.EntryPrice, ExitPrice: t.ExitPrice,
			OpenTime: t.OpenedAt, CloseTime: t.ClosedAt,
			RealizedPL: t.RealizedPnl, Fees: t.Fees, Funding: t.Funding, Reason: t.Reason,
		}); err != nil {
			return nil, fmt.Errorf("backtest: journal trade: %w", err)
		}
	}
	if err := e.opts.Journal.RecordRun(journal.RunRecord{
		RunID: e.runID, Created: time.Now().UTC(), Symbol: res.Symbol,
		Strategy: res.Strategy, Start: res.Start, End: res.End,
		StartBalance: res.InitialBalance, FinalEquity: res.FinalEquity,
		Trades: m.Trades, Wins: m.Wins, Losses: m.Losses,
		MaxDrawdown: m.MaxDrawdown, Sharpe: m.Sharpe,
	}); err != nil {
		return nil, fmt.Errorf("backtest: journal run: %w", err)
	}

	e.opts.Logger.WithFields(logrus.Fields{
		"run":    e.runID,
		"trades": m.Trades,
		"pnl":    m.TotalPnL,
	}).Info("backtest finished")
	return res, nil
}

// --- per-bar helpers ---

func (e *Engine) visible(i int) []market.Candle {
	if e.opts.PreventLookAhead {
		return e.series.Slice(i)
	}
	return e.series.Candles
}

func (e *Engine) book(i int) *broker.BookSnapshot {
	if i < len(e.opts.Books) {
		return e.opts.Books[i]
	}
	return nil
}

func (e *Engine) installDueFunding(now time.Time) {
	for len(e.funding) > 0 && !e.funding[0].EffectiveAt.After(now) {
		fr := e.funding[0]
		e.funding = e.funding[1:]
		sym := fr.Symbol
		if sym == "" {
			sym = e.series.Symbol
		}
		e.broker.SetFundingRate(sym, fr.Rate, fr.EffectiveAt)
	}
}

// applyProtectiveExits closes an open position whose stop or take level the
// bar's range touched. When both trigger on one bar, the stop wins
// (pessimistic).
func (e *Engine) applyProtectiveExits(sym string, ctx broker.ExecContext, entry *LogEntry) {
	p, ok := e.broker.Position(sym)
	if !ok {
		delete(e.protect, sym)
		return
	}
	prot, ok := e.protect[sym]
	if !ok {
		return
	}

	var trigger float64
	var reason string
	if p.Side == broker.Buy {
		switch {
		case prot.stop > 0 && ctx.Candle.Low <= prot.stop:
			trigger, reason = prot.stop, "stop loss"
		case prot.take > 0 && ctx.Candle.High >= prot.take:
			trigger, reason = prot.take, "take profit"
		}
	} else {
		switch {
		case prot.stop > 0 && ctx.Candle.High >= prot.stop:
			trigger, reason = prot.stop, "stop loss"
		case prot.take > 0 && ctx.Candle.Low <= prot.take:
			trigger, reason = prot.take, "take profit"
		}
	}
	if trigger == 0 {
		return
	}

	// Fill at the trigger level: protective exits assume the level traded.
	sctx := ctx
	sctx.Book = nil
	sctx.SlippageBps = 0
	sctx.Candle.Open = trigger
	exec, err := e.broker.ClosePosition(sym, sctx, reason)
	if err == nil {
		e.noteExecution(exec, entry)
	}
	delete(e.protect, sym)
}

// execSignal turns one strategy signal into a broker order, applying the
// spread guard and the portfolio entry gate to exposure-opening orders.
func (e *Engine) execSignal(sig strategy.Signal, ctx broker.ExecContext, entry *LogEntry) {
	sym := sig.Symbol
	if sym == "" {
		sym = e.series.Symbol
	}

	opening := e.isEntry(sym, sig)
	if opening {
		if e.opts.MaxSpreadBps > 0 && ctx.Book != nil && ctx.Book.Spread() > e.opts.MaxSpreadBps {
			e.noteFiltered(sig, "spread above limit", entry)
			return
		}
		if e.opts.entryGate != nil && !e.opts.entryGate(sym) {
			e.noteFiltered(sig, "portfolio position cap reached", entry)
			return
		}
	}

	lev := sig.Leverage
	if lev < 1 {
		lev = e.opts.Leverage
	}

	var exec broker.Execution
	var err error
	switch sig.Type {
	case broker.Limit:
		exec, err = e.broker.LimitOrder(sym, sig.Side, sig.Size, sig.Price, sig.PostOnly, ctx, lev, e.opts.Mode)
	default:
		exec, err = e.broker.MarketOrder(sym, sig.Side, sig.Size, ctx, lev, e.opts.Mode)
	}
	if err != nil {
		e.noteFiltered(sig, err.Error(), entry)
		return
	}
	e.noteExecution(exec, entry)

	if exec.Status == broker.Filled && exec.FillQuantity > 0 && (sig.StopLoss > 0 || sig.TakeProfit > 0) {
		if _, ok := e.broker.Position(sym); ok {
			e.protect[sym] = protection{stop: sig.StopLoss, take: sig.TakeProfit}
		}
	}
}

// isEntry reports whether a signal would open or add exposure, as opposed to
// reducing it. Exits are never gated.
func (e *Engine) isEntry(sym string, sig strategy.Signal) bool {
	p, ok := e.broker.Position(sym)
	if !ok {
		return true
	}
	if p.Side == sig.Side {
		return true
	}
	return sig.Size > p.Size // a flip opens the other side
}

func (e *Engine) noteExecution(exec broker.Execution, entry *LogEntry) {
	switch exec.Status {
	case broker.Filled:
		if exec.FillQuantity > 0 {
			e.fillNotional += exec.FillPrice * exec.FillQuantity
		}
		entry.Fills = append(entry.Fills, exec)
	case broker.Rejected:
		entry.Rejections = append(entry.Rejections, exec)
	}
}

func (e *Engine) noteFiltered(sig strategy.Signal, reason string, entry *LogEntry) {
	entry.Rejections = append(entry.Rejections, broker.Execution{
		Order: broker.Order{
			Symbol:   sig.Symbol,
			Side:     sig.Side,
			Quantity: sig.Size,
			Reason:   sig.Reason,
		},
		Status:       broker.Rejected,
		RejectReason: reason,
	})
}

// inferInterval estimates the bar cadence from the smallest positive gap in
// the first few candles.
func inferInterval(s *market.Series) time.Duration {
	best := time.Duration(0)
	limit := len(s.Candles)
	if limit > 16 {
		limit = 16
	}
	for i := 1; i < limit; i++ {
		d := s.Candles[i].Time.Sub(s.Candles[i-1].Time)
		if d > 0 && (best == 0 || d < best) {
			best = d
		}
	}
	if best == 0 {
		best = time.Minute
	}
	return best
}
