package notify

import (
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ktsuji/scalpd/bus"
	"github.com/ktsuji/scalpd/exec"
	"github.com/ktsuji/scalpd/risk"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM NOTIFIER - Trade alerts & status commands
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   💰 Entry / exit notifications with tick P&L
//   📈 Day summary on demand (/status, /stats)
//   🔔 Loss-streak circuit warnings
//
// Bus handlers only enqueue; the sender goroutine talks to Telegram.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Config holds the bot credentials.
type Config struct {
	Token  string
	ChatID int64
	Symbol string
}

// StatsProvider supplies the numbers behind /status and /stats.
type StatsProvider interface {
	Snapshot() risk.State
}

// Notifier pushes trading events to a Telegram chat.
type Notifier struct {
	api    *tgbotapi.BotAPI
	cfg    Config
	stats  StatsProvider
	outCh  chan string
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates the notifier. Returns an error when the token is rejected.
func New(cfg Config, stats StatsProvider) (*Notifier, error) {
	if cfg.Token == "" || cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram token and chat id are required")
	}
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}
	return &Notifier{
		api:    api,
		cfg:    cfg,
		stats:  stats,
		outCh:  make(chan string, 64),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Bind subscribes to execution topics and starts the sender and command
// loops.
func (n *Notifier) Bind(b *bus.Bus) {
	b.Subscribe(exec.TopicPosition, func(ev bus.Event) {
		if pe, ok := ev.Payload.(exec.PositionEvent); ok {
			n.enqueue(formatEntry(pe))
		}
	})
	b.Subscribe(exec.TopicFill, func(ev bus.Event) {
		if fe, ok := ev.Payload.(exec.FillEvent); ok && fe.Fill.Kind != exec.FillEntry {
			n.enqueue(formatExit(fe.Fill))
		}
	})
	b.Subscribe(exec.TopicCircuit, func(ev bus.Event) {
		if ce, ok := ev.Payload.(exec.CircuitEvent); ok {
			n.NotifyCircuit(ce.Reason)
		}
	})
	go n.sendLoop()
	go n.commandLoop()
	log.Info().Msg("🤖 Telegram notifier started")
}

// Stop ends both loops.
func (n *Notifier) Stop() {
	close(n.stopCh)
	<-n.doneCh
}

// NotifyStartup announces the trading mode.
func (n *Notifier) NotifyStartup(mode string) {
	n.enqueue(fmt.Sprintf("🚀 *scalpd started*\nSymbol: `%s`\nMode: `%s`", n.cfg.Symbol, mode))
}

// NotifyCircuit warns that entries are blocked.
func (n *Notifier) NotifyCircuit(reason risk.Reason) {
	n.enqueue(fmt.Sprintf("⛔ *Entries blocked*: `%s`", reason))
}

func (n *Notifier) enqueue(text string) {
	select {
	case n.outCh <- text:
	default:
		log.Warn().Msg("telegram queue full, message dropped")
	}
}

func (n *Notifier) sendLoop() {
	defer close(n.doneCh)
	for {
		select {
		case <-n.stopCh:
			return
		case text := <-n.outCh:
			msg := tgbotapi.NewMessage(n.cfg.ChatID, text)
			msg.ParseMode = tgbotapi.ModeMarkdown
			if _, err := n.api.Send(msg); err != nil {
				log.Error().Err(err).Msg("telegram send failed")
			}
		}
	}
}

func (n *Notifier) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := n.api.GetUpdatesChan(u)

	for {
		select {
		case <-n.stopCh:
			n.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.Message == nil || update.Message.Chat.ID != n.cfg.ChatID {
				continue
			}
			n.handleCommand(update.Message)
		}
	}
}

func (n *Notifier) handleCommand(msg *tgbotapi.Message) {
	switch strings.ToLower(msg.Command()) {
	case "status", "stats":
		st := n.stats.Snapshot()
		n.enqueue(fmt.Sprintf(
			"📊 *Status*\nOpen qty: `%s`\nDay P&L: `%s ticks`\nLoss streak: `%d`",
			st.OpenQty, st.DayPnLTicks, st.ConsecLosses,
		))
	case "help":
		n.enqueue("Commands: /status /stats /help")
	}
}

func formatEntry(pe exec.PositionEvent) string {
	arrow := "🟢 LONG"
	if string(pe.Side) == "SELL" {
		arrow = "🔴 SHORT"
	}
	return fmt.Sprintf(
		"%s *%s*\nQty: `%s` @ `%s`\n_%s_",
		arrow, pe.Symbol, pe.Qty, pe.Price, pe.Time.Format(time.TimeOnly),
	)
}

func formatExit(f exec.Fill) string {
	emoji := "✅"
	if f.PnLTicks.LessThan(decimal.Zero) {
		emoji = "❌"
	}
	kind := strings.TrimPrefix(string(f.Kind), "EXIT_")
	return fmt.Sprintf(
		"%s *%s exit* `%s`\nPrice: `%s`\nP&L: `%s ticks`",
		emoji, kind, f.Symbol, f.Price, f.PnLTicks,
	)
}
