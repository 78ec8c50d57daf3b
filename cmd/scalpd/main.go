// scalpd - Scalping assistant for kabu station
//
// Decision core for tick-level scalping on a single symbol:
// 1. Normalize the broker push stream into bus events
// 2. Maintain order-flow and technical indicators incrementally
// 3. Propose entries on book imbalance, gated by spoof and ML checks
// 4. Manage each position with an OCO bracket and a trailing stop
//
// With LIVE_ENABLED=false (the default) every fill is simulated against the
// live book; no order ever leaves the process.
package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ktsuji/scalpd/bus"
	"github.com/ktsuji/scalpd/exec"
	"github.com/ktsuji/scalpd/indicator"
	"github.com/ktsuji/scalpd/internal/config"
	"github.com/ktsuji/scalpd/market"
	"github.com/ktsuji/scalpd/notify"
	"github.com/ktsuji/scalpd/risk"
	"github.com/ktsuji/scalpd/spoof"
	"github.com/ktsuji/scalpd/storage"
	"github.com/ktsuji/scalpd/strategy"
)

const version = "1.2.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	mode := "SIM"
	if cfg.LiveEnabled {
		mode = "LIVE"
	}
	log.Info().
		Str("version", version).
		Str("symbol", cfg.Symbol).
		Str("mode", mode).
		Msg("⚡ scalpd starting...")

	// ====== CORE COMPONENTS ======

	b := bus.New(1024)

	engine := indicator.NewEngine(cfg.Symbol, 180)
	engine.Bind(b)

	detector := spoof.New(cfg.Spoof)
	detector.Bind(b)

	var estimator strategy.ProbabilityEstimator
	if cfg.Gate.ModelPath != "" {
		model, err := strategy.LoadLinearModel(cfg.Gate.ModelPath)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ Model load failed - falling back to heuristic")
		} else {
			estimator = model
			log.Info().Str("path", cfg.Gate.ModelPath).Msg("🧮 Probability model loaded")
		}
	}

	policy := strategy.NewPolicy(
		b,
		cfg.Policy,
		strategy.NewRuleBased(cfg.Rule),
		strategy.NewGate(cfg.Gate, estimator),
		detector,
		engine.Snapshot,
		engine.RecentReturn,
	)

	riskMgr := risk.New(cfg.Risk)

	var broker exec.Broker
	if cfg.LiveEnabled {
		kb := exec.NewKabuBroker(cfg.Broker)
		if err := kb.Authenticate(); err != nil {
			log.Fatal().Err(err).Msg("Failed to authenticate broker")
		}
		broker = kb
	}
	execEngine := exec.New(b, cfg.Exec, riskMgr, broker)
	execEngine.Bind(b)

	// ====== COLLABORATORS ======

	db, err := storage.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	recorder := storage.NewRecorder(db)
	recorder.Bind(b)

	var notifier *notify.Notifier
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		notifier, err = notify.New(notify.Config{
			Token:  cfg.TelegramToken,
			ChatID: cfg.TelegramChatID,
			Symbol: cfg.Symbol,
		}, riskMgr)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ Telegram disabled")
			notifier = nil
		} else {
			notifier.Bind(b)
			notifier.NotifyStartup(mode)
		}
	} else {
		log.Warn().Msg("⚠️ No Telegram credentials - notifications disabled")
	}

	feed := market.NewFeed(market.FeedConfig{URL: cfg.FeedURL, Symbol: cfg.Symbol}, b)

	// ====== START ======

	b.Start()
	if err := feed.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect market feed")
	}
	policy.Start()

	log.Info().Msg("✅ All systems online")
	log.Info().Msg("")
	log.Info().Msg("╔══════════════════════════════════════════╗")
	log.Info().Msg("║          SCALPING ASSISTANT ACTIVE       ║")
	log.Info().Msg("║                                          ║")
	log.Info().Msgf("║  Symbol: %-32s║", cfg.Symbol)
	log.Info().Msgf("║  Mode:   %-32s║", mode)
	log.Info().Msg("║  → Enter on book imbalance               ║")
	log.Info().Msg("║  → Veto on spoof patterns                ║")
	log.Info().Msg("║  → Exit via OCO bracket + trailing stop  ║")
	log.Info().Msg("╚══════════════════════════════════════════╝")
	log.Info().Msg("")

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("🛑 Received shutdown signal")

	// Graceful shutdown: stop producing, flatten, then drain and flush.
	policy.Stop()
	feed.Stop()
	b.Publish(exec.TopicFlatten, exec.FlattenRequest{Time: time.Now()})
	if !b.Stop(2 * time.Second) {
		log.Warn().Msg("bus drain timed out")
	}
	recorder.Stop()
	if notifier != nil {
		notifier.Stop()
	}

	summary := execEngine.Ledger()
	log.Info().
		Int("fills", summary.FillCount()).
		Str("realized_ticks", summary.RealizedTicks().String()).
		Msg("Session summary")
	log.Info().Msg("👋 Goodbye!")
}
