// Command tradingbot is the event-sourced perpetual-futures trading core's
// entrypoint: load config, recover state from the ledger, wire every
// collaborator, and hand off to the orchestrator's four loops.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/apollo-trading/futures-core/binance"
	"github.com/apollo-trading/futures-core/domain"
	"github.com/apollo-trading/futures-core/eventbus"
	"github.com/apollo-trading/futures-core/execution"
	"github.com/apollo-trading/futures-core/internal/config"
	"github.com/apollo-trading/futures-core/ledger"
	"github.com/apollo-trading/futures-core/notify"
	"github.com/apollo-trading/futures-core/orchestrator"
	"github.com/apollo-trading/futures-core/reconcile"
	"github.com/apollo-trading/futures-core/risk"
	"github.com/apollo-trading/futures-core/storage"
	"github.com/apollo-trading/futures-core/tradestate"
)

const version = "1.0.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if level, parseErr := zerolog.ParseLevel(cfg.LogLevel); parseErr == nil {
		zerolog.SetGlobalLevel(level)
	}
	if cfg.LogFormat == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	log.Info().Str("version", version).Str("mode", string(cfg.Mode)).Msg("trading core starting")

	lock, err := orchestrator.AcquireSingleInstanceLock(cfg.LockPath)
	if err != nil {
		log.Fatal().Err(err).Msg("another instance is already running")
	}
	defer lock.Close()

	ldg, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open ledger")
	}
	defer ldg.Close()

	bus := eventbus.New(ldg)

	manager := tradestate.NewManager(tradestate.Config{
		InitialEquity:        cfg.InitialEquity,
		NewsFlagCapacity:     256,
		ConsecutiveLossLimit: cfg.Risk.ConsecutiveLossLimit,
		CooldownAfterLosses:  time.Duration(cfg.Risk.CooldownHoursAfterLoss) * time.Hour,
	})

	events, err := ldg.LoadAll()
	if err != nil {
		log.Warn().Err(err).Msg("ledger reported a problem during replay; continuing with what was recovered")
	}
	manager.Rebuild(events)
	bus.RegisterAll(manager.Apply)

	riskCfg := risk.Config{
		MaxDrawdownPct:  cfg.Risk.MaxDrawdownPct,
		DailyLossLimit:  cfg.Risk.DailyLossLimit,
		RiskPctPerTrade: cfg.Risk.RiskPctPerTrade,
		MaxPositions:    cfg.Risk.MaxPositions,
		MaxLeverage:     cfg.Risk.MaxLeverage,
		NewsBlockLevel:  domain.NewsLevel(cfg.News.BlockLevel),
		NewsTTL:         cfg.News.TTL,
	}

	rest := binance.NewRestClient(cfg.BinanceRestBaseURL, cfg.BinanceAPIKey, cfg.BinanceAPISecret, 10)
	stream := binance.NewUserStream(cfg.BinanceWSBaseURL, rest)
	marks := binance.NewMarkPriceStream(cfg.BinanceWSBaseURL, "15m")

	execMode := execution.ModeSimulate
	if cfg.EnableTrading {
		switch cfg.Mode {
		case config.ModeTestnet:
			execMode = execution.ModeTestnet
		case config.ModeLive:
			execMode = execution.ModeLive
		}
	}
	execEngine := execution.NewEngine(bus, rest, execution.Config{
		Mode:          execMode,
		RetryAttempts: 3,
		RetryBackoff:  time.Second,
	})

	reconciler := reconcile.NewRunner(rest, manager, bus, reconcile.Config{
		BalanceTolerance: cfg.Risk.BalanceTolerance,
	})

	if dbPath := os.Getenv("STORAGE_DB_PATH"); dbPath != "" {
		store, err := storage.New(dbPath)
		if err != nil {
			log.Error().Err(err).Msg("failed to open advisory storage; continuing without it")
		} else {
			defer store.Close()
			registerAdvisoryStorage(bus, store)
		}
	}

	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		chatID, _ := strconv.ParseInt(os.Getenv("TELEGRAM_CHAT_ID"), 10, 64)
		if sink, err := notify.NewTelegramSink(token, chatID); err != nil {
			log.Error().Err(err).Msg("failed to start telegram notifier; continuing without it")
		} else {
			sink.Register(bus)
		}
	}

	if _, err := bus.Publish(ledger.SystemStarted, map[string]any{"version": version}, nil); err != nil {
		log.Fatal().Err(err).Msg("failed to publish SYSTEM_STARTED")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch := orchestrator.New(orchestrator.Context{
		Bus:        bus,
		Manager:    manager,
		Risk:       risk.NewEngine(riskCfg),
		Exec:       execEngine,
		Rest:       rest,
		Stream:     stream,
		Marks:      marks,
		Reconciler: reconciler,
		RiskCfg:    riskCfg,
		Intervals: orchestrator.Intervals{
			Universe: 24 * time.Hour,
			News:     time.Duration(cfg.News.PollIntervalMinutes) * time.Minute,
			Strategy: 15 * time.Minute,
		},
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("orchestrator exited with an error")
	}

	if _, err := bus.Publish(ledger.SystemStopped, map[string]any{}, nil); err != nil {
		log.Error().Err(err).Msg("failed to publish SYSTEM_STOPPED")
	}
	log.Info().Msg("shutdown complete")
}

// registerAdvisoryStorage mirrors completed trades and reconciliation
// discrepancies into the advisory store. It never feeds back into
// TradingState: the ledger remains the only authoritative recovery path.
func registerAdvisoryStorage(bus *eventbus.Bus, store *storage.Store) {
	bus.Register(ledger.PositionClosed, func(ev ledger.Event) {
		if err := store.RecordTrade(storage.TradeRecord{
			Symbol:      ev.Str("symbol"),
			Side:        ev.Str("side"),
			Quantity:    ev.Str("quantity"),
			EntryPrice:  ev.Str("entry_price"),
			ExitPrice:   ev.Str("exit_price"),
			RealizedPnL: ev.Str("realized_pnl"),
			ClosedAt:    ev.Timestamp,
		}); err != nil {
			log.Error().Err(err).Msg("failed to record advisory trade")
		}
	})

	bus.Register(ledger.ManualIntervention, func(ev ledger.Event) {
		if ev.Str("action") != "" {
			return
		}
		if err := store.RecordDiscrepancy(storage.DiscrepancyRecord{
			Kind:     ev.Str("kind"),
			Symbol:   ev.Str("symbol"),
			Message:  ev.Str("message"),
			RaisedAt: ev.Timestamp,
		}); err != nil {
			log.Error().Err(err).Msg("failed to record advisory discrepancy")
		}
	})
}
