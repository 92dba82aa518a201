package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	polymarket "github.com/GoPolymarket/polymarket-go-sdk"

	"github.com/GoPolymarket/polymarket-trader/internal/app"
	"github.com/GoPolymarket/polymarket-trader/internal/backtest"
	"github.com/GoPolymarket/polymarket-trader/internal/config"
	"github.com/GoPolymarket/polymarket-trader/internal/feed"
	"github.com/GoPolymarket/polymarket-trader/internal/logging"
	"github.com/GoPolymarket/polymarket-trader/internal/paper"
	"github.com/GoPolymarket/polymarket-trader/internal/portfolio"
	"github.com/GoPolymarket/polymarket-trader/internal/risk"
	"github.com/GoPolymarket/polymarket-trader/internal/selector"
	"github.com/GoPolymarket/polymarket-trader/internal/storage"
	"github.com/GoPolymarket/polymarket-trader/internal/strategy"
	"github.com/GoPolymarket/polymarket-trader/internal/types"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to config file")
	mode := flag.String("mode", "", "override run_mode: scanner|paper|backtest")
	phase := flag.String("rollout-phase", "", "apply a rollout preset: scanner|shadow|paper|paper-tight")
	backtestTape := flag.String("backtest-tape", "", "sqlite path to replay tape from (defaults to sqlite_path)")
	backtestSpeed := flag.Float64("backtest-speed", 0, "backtest replay speed multiplier (0 keeps backtest.speed from config; set backtest.speed: 0 there to replay as fast as possible)")
	wsURL := flag.String("feed-ws-url", "wss://ws-subscriptions-clob.polymarket.com/ws/market", "live feed WebSocket URL")
	flag.Parse()

	cfg, err := config.LoadFile(*cfgPath)
	if err != nil {
		log.Printf("warning: config file %s: %v, using defaults", *cfgPath, err)
		cfg = config.Default()
	}
	cfg.ApplyEnv()
	if *phase != "" {
		if err := config.ApplyRolloutPhase(&cfg, *phase); err != nil {
			log.Fatalf("rollout phase: %v", err)
		}
	}
	if *mode != "" {
		cfg.RunMode = *mode
	}
	if *backtestTape != "" {
		cfg.Backtest.TapePath = *backtestTape
	}
	if *backtestSpeed > 0 {
		cfg.Backtest.Speed = *backtestSpeed
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New("trader", os.Stdout)
	logger.Info("starting", "run_mode", cfg.RunMode, "execution_mode", cfg.ExecutionMode, "sqlite_path", cfg.SQLitePath)

	store, err := storage.Open(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("open storage: %v", err)
	}
	defer store.Close()

	// All runtime writes go through the off-loop writer task; the
	// scheduler posts messages and never blocks on SQLite.
	writer := storage.NewWriter(store, cfg.FeedQueueSize, logger.With("storage"))
	go writer.Run()

	if cfg.Paper.ResetOnStart {
		if err := store.WipeOpenOrders(); err != nil {
			logger.Warn("wipe_open_orders_failed", "error", err.Error())
		}
	}

	pf := portfolio.New()
	if positions, err := store.LoadPositions(); err != nil {
		logger.Warn("load_positions_failed", "error", err.Error())
	} else {
		positionList := make([]types.Position, 0, len(positions))
		for _, p := range positions {
			positionList = append(positionList, p)
		}
		pf.Restore(positionList)
	}

	broker := paper.New(cfg.Paper, logger.With("paper"))
	if !cfg.Paper.ResetOnStart {
		if openOrders, err := store.LoadOpenOrders(); err != nil {
			logger.Warn("load_open_orders_failed", "error", err.Error())
		} else {
			broker.Restore(openOrders)
		}
	}

	var src feed.Source
	switch cfg.RunMode {
	case "backtest":
		tapeStore := store
		if cfg.Backtest.TapePath != "" && cfg.Backtest.TapePath != cfg.SQLitePath {
			tapeStore, err = storage.Open(cfg.Backtest.TapePath)
			if err != nil {
				log.Fatalf("open backtest tape: %v", err)
			}
			defer tapeStore.Close()
		}
		src = backtest.NewTapeSource(tapeStore, cfg.Backtest.StartTs, cfg.Backtest.EndTs, cfg.Backtest.Speed)
	default:
		src = feed.NewWSSource(*wsURL, logger.With("ws"))
	}
	f := feed.New(src, cfg.Feed.LagWindow, cfg.FeedQueueSize, cfg.Selector.Interval, logger.With("feed"))
	f.Replay = cfg.RunMode == "backtest"

	sdkClient := polymarket.NewClient()
	sel := selector.New(selector.NewGammaSource(sdkClient.Gamma, f.Rate), cfg.Selector, logger.With("selector"))

	riskEngine := risk.New(cfg.Risk)

	var fv *strategy.FV
	if cfg.FV.Enabled {
		// No cross-venue fair-value collaborator is wired; StubFvProvider
		// keeps FV registered but permanently inert until a real one is
		// substituted.
		fv = strategy.NewFV(cfg.FV, strategy.StubFvProvider{})
	}
	var mm *strategy.MM
	if cfg.MM.Enabled {
		mm = strategy.NewMM(cfg.MM)
	}

	sched := app.New(cfg, logger.With("scheduler"), writer, f, sel, riskEngine, broker, pf, fv, mm)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown_signal_received")
		cancel()
	}()

	runErr := sched.Run(ctx)
	signal.Stop(sigCh)

	// Drain pending order/fill/position writes before the store closes;
	// acknowledged writes block shutdown until they stick.
	writer.Close()

	if runErr != nil && runErr != context.Canceled {
		logger.Error("run_failed", "error", runErr.Error())
		os.Exit(1)
	}
	logger.Info("stopped")
}
