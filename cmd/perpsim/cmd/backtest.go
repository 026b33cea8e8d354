package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/marketsentry/perpsim/backtest"
	"github.com/marketsentry/perpsim/config"
	"github.com/marketsentry/perpsim/journal"
	"github.com/marketsentry/perpsim/market"
	"github.com/marketsentry/perpsim/strategy"
)

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Run a backtest from a config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadFromFile(cfgFile)
		if err != nil {
			return err
		}
		return runBacktest(cfg)
	},
}

func init() {
	rootCmd.AddCommand(backtestCmd)
}

func runBacktest(cfg *config.Config) error {
	strat, err := buildStrategy(cfg.Run)
	if err != nil {
		return err
	}

	j, err := buildJournal(cfg.Journal)
	if err != nil {
		return err
	}
	defer j.Close()

	opts := cfg.EngineOptions()
	opts.Journal = j
	opts.Logger = logrus.StandardLogger()

	paths := make(map[string]string, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		paths[s.Symbol] = s.CandlesFile
	}
	series, err := backtest.LoadSeries(paths)
	if err != nil {
		return err
	}

	if tf := cfg.Run.TimeframeMinutes; tf > 0 {
		for sym, s := range series {
			rs, err := market.Resample(s, time.Duration(tf)*time.Minute)
			if err != nil {
				return fmt.Errorf("resample %s: %w", sym, err)
			}
			series[sym] = rs
		}
	}

	if len(cfg.Symbols) == 1 {
		sym := cfg.Symbols[0].Symbol
		res, err := backtest.New(series[sym], strat, opts).Run()
		if err != nil {
			return err
		}
		res.Print(os.Stdout)
		return nil
	}

	weights := make(map[string]float64)
	for _, s := range cfg.Symbols {
		if s.Weight > 0 {
			weights[s.Symbol] = s.Weight
		}
	}
	if len(weights) != len(cfg.Symbols) {
		weights = nil
	}

	multi := backtest.NewMulti(series, map[string]strategy.Strategy{"": strat}, backtest.MultiOptions{
		Base:                   opts,
		MaxConcurrentPositions: cfg.Portfolio.MaxConcurrentPositions,
		Weights:                weights,
	})
	res, err := multi.Run()
	if err != nil {
		return err
	}

	for _, sym := range res.Symbols {
		res.Results[sym].Print(os.Stdout)
	}
	fmt.Printf("Portfolio Sharpe: %.3f\n", res.PortfolioSharpe)
	fmt.Printf("Portfolio Trades: %d\n", len(res.Trades))
	return nil
}

func buildStrategy(run config.RunConfig) (strategy.Strategy, error) {
	p := func(key string, def float64) float64 {
		if v, ok := run.Params[key]; ok {
			return v
		}
		return def
	}

	switch run.Strategy {
	case "ema-cross":
		return &strategy.EMACross{
			Fast:          int(p("fast", 12)),
			Slow:          int(p("slow", 26)),
			Size:          p("size", 0.01),
			StopLossPct:   p("stop_loss_pct", 0),
			TakeProfitPct: p("take_profit_pct", 0),
		}, nil
	case "rsi":
		return &strategy.RSI{
			Period: int(p("period", 14)),
			Low:    p("low", 30),
			High:   p("high", 70),
			Size:   p("size", 0.01),
		}, nil
	case "noop":
		return strategy.Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", run.Strategy)
	}
}

func buildJournal(jc config.JournalConfig) (journal.Journal, error) {
	switch jc.Type {
	case "sqlite":
		return journal.NewSQLite(jc.DBPath)
	case "csv":
		return journal.NewCSV(jc.TradesFile, jc.EquityFile)
	default:
		return journal.Nop{}, nil
	}
}
