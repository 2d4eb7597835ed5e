// Tradeguard - Risk-managed futures trading engine
//
// Every trade flows through the same pipeline:
//
//  1. Market data streams in over WebSocket (REST fallback when stale)
//  2. Signal generators propose raw BUY/SELL signals
//  3. The position state machine validates them against current state
//  4. The risk calculator sizes the trade with fixed-fractional risk
//  5. Portfolio gates check count, concentration, margin and total risk
//  6. The order manager places and reconciles exchange orders
//
// Paper mode simulates fills locally and never touches the account.
package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantflow/tradeguard/bot"
	"github.com/quantflow/tradeguard/core"
	"github.com/quantflow/tradeguard/exchange"
	"github.com/quantflow/tradeguard/feeds"
	"github.com/quantflow/tradeguard/internal/config"
	"github.com/quantflow/tradeguard/orders"
	"github.com/quantflow/tradeguard/portfolio"
	"github.com/quantflow/tradeguard/position"
	"github.com/quantflow/tradeguard/resilience"
	"github.com/quantflow/tradeguard/risk"
	"github.com/quantflow/tradeguard/storage"
	"github.com/quantflow/tradeguard/strategy"
)

const version = "1.0.0"

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

	mode := "LIVE"
	if cfg.PaperTrading {
		mode = "PAPER"
	}
	log.Info().
		Str("version", version).
		Str("mode", mode).
		Strs("symbols", cfg.Symbols).
		Msg("⚡ Tradeguard starting...")

	// ====== CORE COMPONENTS ======

	client := exchange.NewBinance(cfg.BinanceAPIKey, cfg.BinanceAPISecret, cfg.BinanceTestnet)
	fetcher := resilience.NewFetcher(&cfg.Fetch)
	feed := feeds.NewMarketFeed(&cfg.Feed, cfg.Symbols, cfg.BinanceTestnet, client, fetcher)

	tracker := position.NewTracker(cfg.SignalCooldown)
	calc := risk.NewCalculator(&cfg.Risk)
	pf := portfolio.NewManager(&cfg.Risk, tracker, calc, cfg.InitialBalance)
	om := orders.NewManager(client, fetcher, cfg.PaperTrading, 15*time.Second)
	symbols := core.NewSymbolManager(client, fetcher)
	store := storage.NewStore(cfg.StatePath)

	router := core.NewRouter()
	router.SubscribeAll(strategy.NewMomentum(7, 25))

	engine := core.NewEngine(cfg, feed, router, tracker, pf, om, symbols, store)

	// ====== TELEGRAM BOT ======

	var telegramBot *bot.TelegramBot
	if cfg.TelegramToken != "" {
		telegramBot, err = bot.NewTelegramBot(cfg, engine)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ Telegram disabled")
		} else {
			engine.SetTradeNotifier(telegramBot)
		}
	}

	// ====== START ======

	if err := engine.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start engine")
	}
	if telegramBot != nil {
		telegramBot.Start()
		telegramBot.NotifyStartup()
	}

	log.Info().Msg("✅ All systems online")
	log.Info().Msg("")
	log.Info().Msg("╔══════════════════════════════════════════╗")
	log.Info().Msg("║      RISK-MANAGED EXECUTION ACTIVE       ║")
	log.Info().Msg("║                                          ║")
	log.Info().Msgf("║  Mode: %-33s ║", mode)
	log.Info().Msg("║  → Fixed-fractional position sizing      ║")
	log.Info().Msg("║  → Portfolio gates on every entry        ║")
	log.Info().Msg("║  → Drawdown kill switch armed            ║")
	log.Info().Msg("╚══════════════════════════════════════════╝")
	log.Info().Msg("")

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("🛑 Received shutdown signal")

	// Graceful shutdown
	log.Info().Msg("Shutting down...")
	if telegramBot != nil {
		telegramBot.Stop()
	}
	engine.Stop()

	log.Info().Msg("👋 Goodbye!")
}
