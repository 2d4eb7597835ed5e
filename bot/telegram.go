package bot

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/quantflow/tradeguard/core"
	"github.com/quantflow/tradeguard/internal/config"
	"github.com/quantflow/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Trade notifications & remote control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   💰 Trade notifications on every open/close
//   📊 Status, balance and position queries
//   🛑 Remote force-close and emergency stop
//
// ═══════════════════════════════════════════════════════════════════════════════

// Engine is the surface the bot needs from the trading core
type Engine interface {
	GetStatus() core.Status
	GetPortfolioSummary() core.Summary
	GetRecentTrades(n int) []types.TradeRecord
	ForceClosePosition(symbol string) bool
	EmergencyStop()
}

// TelegramBot manages the Telegram interface
type TelegramBot struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI
	chatID  int64
	engine  Engine
	running bool
	stopCh  chan struct{}
}

// NewTelegramBot creates a bot from the configured token and chat
func NewTelegramBot(cfg *config.Config, engine Engine) (*TelegramBot, error) {
	if cfg.TelegramToken == "" {
		return nil, fmt.Errorf("telegram token not set")
	}
	if cfg.TelegramChatID == 0 {
		return nil, fmt.Errorf("telegram chat id not set")
	}

	api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	bot := &TelegramBot{
		api:    api,
		chatID: cfg.TelegramChatID,
		engine: engine,
		stopCh: make(chan struct{}),
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return bot, nil
}

// Start begins listening for commands
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the bot
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}

	b.running = false
	close(b.stopCh)
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// NotifyTrade sends an alert for one executed trade
func (b *TelegramBot) NotifyTrade(event core.TradeEvent) {
	var emoji, action string
	switch event.SignalType {
	case types.SignalBuyOpen:
		emoji, action = "🟢", "LONG OPENED"
	case types.SignalSellOpen:
		emoji, action = "🔴", "SHORT OPENED"
	case types.SignalSellClose, types.SignalBuyClose:
		action = "POSITION CLOSED"
		if event.PnL.Sign() >= 0 {
			emoji = "💰"
		} else {
			emoji = "🛑"
		}
	default:
		emoji, action = "📌", string(event.SignalType)
	}

	msg := fmt.Sprintf(`%s *%s*

📊 %s
💵 Price: *$%s*
📦 Size: *%s*`,
		emoji, action,
		event.Symbol,
		event.Price.StringFixed(2),
		event.PositionSize.String(),
	)

	if !event.PnL.IsZero() {
		sign := "+"
		if event.PnL.IsNegative() {
			sign = ""
		}
		msg += fmt.Sprintf("\n📈 P&L: *%s$%s*", sign, event.PnL.StringFixed(2))
	}

	b.sendMarkdown(msg)
}

// NotifyStartup sends the startup banner
func (b *TelegramBot) NotifyStartup() {
	status := b.engine.GetStatus()
	summary := b.engine.GetPortfolioSummary()

	mode := "LIVE"
	if status.PaperTrading {
		mode = "PAPER"
	}

	msg := fmt.Sprintf(`🚀 *TRADEGUARD STARTED*
━━━━━━━━━━━━━━━━━━━━

📊 Mode: *%s*
💰 Balance: *$%s*

Use /help for commands`, mode, summary.Balance.StringFixed(2))

	b.sendMarkdown(msg)
}

// NotifyError sends an error alert
func (b *TelegramBot) NotifyError(err error) {
	b.sendMarkdown(fmt.Sprintf("⚠️ *ERROR*\n\n`%s`", err.Error()))
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}

			// Only respond to the authorized chat
			if update.Message.Chat.ID != b.chatID {
				continue
			}

			b.handleCommand(update.Message)
		}
	}
}

func (b *TelegramBot) handleCommand(msg *tgbotapi.Message) {
	switch strings.ToLower(msg.Command()) {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus()
	case "balance":
		b.cmdBalance()
	case "stats":
		b.cmdStats()
	case "trades":
		b.cmdTrades()
	case "positions":
		b.cmdPositions()
	case "close":
		b.cmdClose(msg.CommandArguments())
	case "stop":
		b.cmdEmergencyStop()
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

func (b *TelegramBot) cmdHelp() {
	b.sendMarkdown(`🤖 *TRADEGUARD COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status — Engine status
💰 /balance — Account balance
📈 /stats — Trading statistics
📜 /trades — Last 10 trades
💼 /positions — Open positions
📊 /close SYMBOL — Force-close one position
🛑 /stop — Emergency stop (flatten everything)
🏓 /ping — Test connection`)
}

func (b *TelegramBot) cmdStatus() {
	status := b.engine.GetStatus()

	running := "🟢 RUNNING"
	if !status.Running {
		running = "🔴 STOPPED"
	} else if status.Halted {
		running = "🚨 HALTED (drawdown)"
	}
	mode := "LIVE"
	if status.PaperTrading {
		mode = "PAPER"
	}
	feed := "🔌 connected"
	if status.FeedErrored {
		feed = "🚨 errored (REST fallback)"
	} else if !status.FeedConnected {
		feed = "⚠️ reconnecting"
	}

	b.sendMarkdown(fmt.Sprintf(`📊 *ENGINE STATUS*
━━━━━━━━━━━━━━━━━━━━

%s
📊 Mode: *%s*
📡 Feed: %s
🎯 Signals: *%d*
⚡ Trades: *%d*
💼 Positions: *%d*
📋 Active orders: *%d*`,
		running, mode, feed,
		status.SignalsGenerated, status.TradesExecuted,
		status.Portfolio.PositionCount, status.Orders.Active))
}

func (b *TelegramBot) cmdBalance() {
	summary := b.engine.GetPortfolioSummary()

	b.sendMarkdown(fmt.Sprintf(`💰 *ACCOUNT*
━━━━━━━━━━━━━━━━━━━━

💵 Available: *$%s*
📦 Margin in use: *$%s*
💼 Equity: *$%s*
📈 Unrealized P&L: *$%s*`,
		summary.Balance.StringFixed(2),
		summary.Metrics.TotalMargin.StringFixed(2),
		summary.Metrics.Equity.StringFixed(2),
		summary.Metrics.UnrealizedPnL.StringFixed(2)))
}

func (b *TelegramBot) cmdStats() {
	stats := b.engine.GetStatus().Stats

	sign := "+"
	if stats.TotalPnL.IsNegative() {
		sign = ""
	}

	b.sendMarkdown(fmt.Sprintf(`📈 *TRADING STATS*
━━━━━━━━━━━━━━━━━━━━

📊 Total Trades: *%d*
✅ Wins: *%d*
❌ Losses: *%d*
📈 Win Rate: *%s%%*

━━━━━━━━━━━━━━━━━━━━
💵 Total P&L: *%s$%s*`,
		stats.TotalTrades, stats.Wins, stats.Losses,
		stats.WinRate.StringFixed(1),
		sign, stats.TotalPnL.StringFixed(2)))
}

func (b *TelegramBot) cmdPositions() {
	summary := b.engine.GetPortfolioSummary()

	if len(summary.Positions) == 0 {
		b.send("📭 No open positions")
		return
	}

	msg := "💼 *OPEN POSITIONS*\n━━━━━━━━━━━━━━━━━━━━\n\n"
	for _, pos := range summary.Positions {
		sideEmoji := "🟢"
		if pos.State == types.PositionShort {
			sideEmoji = "🔴"
		}

		msg += fmt.Sprintf(`%s *%s* — %s
💵 Entry: $%s | Qty: %s
🎯 TP: $%s | 🛑 SL: $%s
📈 P&L: $%s | ⏱️ %v

`,
			sideEmoji, pos.Symbol, pos.State,
			pos.EntryPrice.StringFixed(2), pos.Quantity.String(),
			pos.TakeProfit.StringFixed(2), pos.StopLoss.StringFixed(2),
			pos.UnrealizedPnL.StringFixed(2),
			time.Since(pos.EntryTime).Round(time.Second),
		)
	}

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdTrades() {
	trades := b.engine.GetRecentTrades(10)
	if len(trades) == 0 {
		b.send("📭 No trade history yet")
		return
	}

	msg := "📜 *RECENT TRADES*\n━━━━━━━━━━━━━━━━━━━━\n\n"
	for _, t := range trades {
		emoji := "💰"
		sign := "+"
		if t.PnL.IsNegative() {
			emoji = "🛑"
			sign = ""
		}

		msg += fmt.Sprintf("%s %s %s→%s | P&L: %s$%s\n   _%s_\n\n",
			emoji, t.Symbol,
			t.EntryPrice.StringFixed(2), t.ExitPrice.StringFixed(2),
			sign, t.PnL.StringFixed(2),
			t.Timestamp.Format("Jan 2 15:04"),
		)
	}

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdClose(args string) {
	symbol := strings.ToUpper(strings.TrimSpace(args))
	if symbol == "" {
		b.send("Usage: /close SYMBOL")
		return
	}

	if b.engine.ForceClosePosition(symbol) {
		b.send(fmt.Sprintf("📊 %s closed", symbol))
	} else {
		b.send(fmt.Sprintf("📭 No open position for %s", symbol))
	}
	log.Info().Str("symbol", symbol).Msg("Force close requested via Telegram")
}

func (b *TelegramBot) cmdEmergencyStop() {
	b.engine.EmergencyStop()
	b.send("🚨 Emergency stop executed — all positions flattened")
	log.Warn().Msg("Emergency stop triggered via Telegram")
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}
