package exec

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ktsuji/scalpd/bus"
	"github.com/ktsuji/scalpd/market"
	"github.com/ktsuji/scalpd/risk"
	"github.com/ktsuji/scalpd/strategy"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION ENGINE - OCO + trailing-stop state machine
// ═══════════════════════════════════════════════════════════════════════════════
//
// One engine serves both simulation and live trading: with a nil Broker every
// fill is synthetic; with a Broker the same math runs after the real order is
// accepted, and a failed submission aborts the local mutation entirely.
//
// All state is mutated inside bus handlers only; the bus's serialized
// dispatch is the lock.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Topics published by the engine.
const (
	TopicFill     = "exec.fill"
	TopicPosition = "exec.position"
	TopicLog      = "exec.log"
	TopicCircuit  = "exec.circuit"
)

// TopicFlatten requests closing every open position at the current quotes.
// Published by main on shutdown.
const TopicFlatten = "exec.flatten"

// FillEvent is the payload on exec.fill.
type FillEvent struct {
	Fill Fill
}

// PositionEvent is the payload on exec.position.
type PositionEvent struct {
	Event  string // "ENTRY" or "ENTRY_LIVE"
	Symbol string
	Side   market.Side
	Qty    decimal.Decimal
	Price  decimal.Decimal
	Time   time.Time
}

// LogEvent is the payload on exec.log.
type LogEvent struct {
	Time time.Time
	Msg  string
}

// CircuitEvent signals that entries are blocked by the loss-streak rule.
// Published once per streak, not per rejected intent.
type CircuitEvent struct {
	Time   time.Time
	Reason risk.Reason
}

// FlattenRequest asks the engine to close all open positions as manual exits.
type FlattenRequest struct {
	Time time.Time
}

// Broker submits real orders. Implementations must be synchronous: a nil
// error means the order was accepted.
type Broker interface {
	SubmitEntry(symbol string, side market.Side, qty decimal.Decimal, price decimal.Decimal, entryType strategy.EntryType) error
	SubmitExit(symbol string, side market.Side, qty decimal.Decimal) error
}

// Config tunes the engine.
type Config struct {
	TickSize           decimal.Decimal
	Symbol             string
	SlippageTicksEntry decimal.Decimal
	SlippageTicksExit  decimal.Decimal
}

// DefaultConfig returns the simulation defaults.
func DefaultConfig() Config {
	return Config{
		TickSize: decimal.NewFromFloat(0.5),
	}
}

// Engine consumes accepted intents and manages positions to exit.
type Engine struct {
	bus    *bus.Bus
	cfg    Config
	risk   *risk.Manager
	broker Broker // nil = simulation

	ledger      *Ledger
	symbol      string
	bestBid     decimal.Decimal
	bestAsk     decimal.Decimal
	circuitOpen bool

	now func() time.Time
}

// New creates an engine. broker may be nil for simulation.
func New(b *bus.Bus, cfg Config, rm *risk.Manager, broker Broker) *Engine {
	return &Engine{
		bus:    b,
		cfg:    cfg,
		risk:   rm,
		broker: broker,
		ledger: NewLedger(),
		symbol: cfg.Symbol,
		now:    time.Now,
	}
}

// Ledger exposes the engine's ledger for summaries.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// Bind subscribes the engine to quotes, prints and accepted intents.
func (e *Engine) Bind(b *bus.Bus) {
	b.Subscribe(market.TopicBest, func(ev bus.Event) {
		if q, ok := ev.Payload.(market.BestQuote); ok {
			e.onBest(q)
		}
	})
	b.Subscribe(market.TopicTape, func(ev bus.Event) {
		if _, ok := ev.Payload.(market.TapePrint); ok {
			e.evaluateExits()
		}
	})
	b.Subscribe(strategy.TopicIntent, func(ev bus.Event) {
		if ie, ok := ev.Payload.(strategy.IntentEvent); ok {
			e.onIntent(ie.Intent)
		}
	})
	b.Subscribe(TopicFlatten, func(ev bus.Event) {
		if _, ok := ev.Payload.(FlattenRequest); ok {
			e.flattenAll()
		}
	})
}

func (e *Engine) onBest(q market.BestQuote) {
	if q.Symbol != "" {
		e.symbol = q.Symbol
	}
	if q.Bid.IsPositive() {
		e.bestBid = q.Bid
	}
	if q.Ask.IsPositive() {
		e.bestAsk = q.Ask
	}
	e.evaluateExits()
}

func (e *Engine) onIntent(intent strategy.OrderIntent) {
	now := e.now()
	if ok, reason := e.risk.CanEnter(intent.Qty, now); !ok {
		e.logf("entry rejected: %s", reason)
		if reason == risk.ReasonLossStreak && !e.circuitOpen {
			e.circuitOpen = true
			e.bus.Publish(TopicCircuit, CircuitEvent{Time: now, Reason: reason})
			log.Warn().Str("reason", string(reason)).Msg("⛔ Entry circuit open")
		}
		return
	}
	e.circuitOpen = false

	px, ok := e.entryPrice(intent)
	if !ok {
		e.logf("entry rejected: no fillable price")
		return
	}

	if e.broker != nil {
		if err := e.broker.SubmitEntry(e.symbol, intent.Side, intent.Qty, px, intent.EntryType); err != nil {
			// No partial state: a rejected submission leaves nothing behind.
			e.logf("entry submit failed: %v", err)
			return
		}
	}

	slip := e.cfg.SlippageTicksEntry.Mul(e.cfg.TickSize)
	pxEff := px.Add(slip)
	if intent.Side == market.Sell {
		pxEff = px.Sub(slip)
	}

	pos := &Position{
		Symbol:       e.symbol,
		Side:         intent.Side,
		Qty:          intent.Qty,
		EntryPx:      pxEff,
		EntryTime:    now,
		TPTicks:      intent.TPTicks,
		SLTicks:      intent.SLTicks,
		Trail:        intent.Trail,
		TrailTrigger: intent.TrailTrigger,
		TrailGap:     intent.TrailGap,
	}
	e.ledger.Add(pos)
	e.ledger.Record(Fill{
		Symbol: pos.Symbol, Side: pos.Side, Qty: pos.Qty,
		Price: pxEff, Time: now, Kind: FillEntry,
	}, nil)
	e.risk.OnEntryFilled(intent.Qty, now)

	event := "ENTRY"
	if e.broker != nil {
		event = "ENTRY_LIVE"
	}
	e.bus.Publish(TopicPosition, PositionEvent{
		Event: event, Symbol: pos.Symbol, Side: pos.Side,
		Qty: pos.Qty, Price: pxEff, Time: now,
	})
	log.Info().
		Str("side", string(pos.Side)).
		Str("qty", pos.Qty.String()).
		Str("price", pxEff.String()).
		Msg("🟢 Position opened")
}

// entryPrice resolves the fill price for an entry. No resting order book is
// modeled: a limit either fills this cycle or the intent is dropped.
func (e *Engine) entryPrice(intent strategy.OrderIntent) (decimal.Decimal, bool) {
	switch intent.EntryType {
	case strategy.EntryLimit:
		if intent.Price.IsZero() {
			// Peg to the same-side best.
			if intent.Side == market.Buy {
				return e.bestBid, e.bestBid.IsPositive()
			}
			return e.bestAsk, e.bestAsk.IsPositive()
		}
		// Explicit limit: fills only when crossed by the opposite best.
		if intent.Side == market.Buy {
			if e.bestAsk.IsPositive() && intent.Price.GreaterThanOrEqual(e.bestAsk) {
				return e.bestAsk, true
			}
			return decimal.Zero, false
		}
		if e.bestBid.IsPositive() && intent.Price.LessThanOrEqual(e.bestBid) {
			return e.bestBid, true
		}
		return decimal.Zero, false
	default: // MARKET
		if intent.Side == market.Buy {
			return e.bestAsk, e.bestAsk.IsPositive()
		}
		return e.bestBid, e.bestBid.IsPositive()
	}
}

// evaluateExits walks every open position against the current quotes.
// Priority on a single update: take-profit, stop-loss, trailing.
func (e *Engine) evaluateExits() {
	if !e.bestBid.IsPositive() || !e.bestAsk.IsPositive() {
		return
	}
	// Record() removes from the slice, so iterate over a copy.
	open := make([]*Position, len(e.ledger.Positions()))
	copy(open, e.ledger.Positions())

	for _, pos := range open {
		exitPx := e.bestBid
		if pos.Side == market.Sell {
			exitPx = e.bestAsk
		}
		sign := decimal.NewFromInt(int64(pos.Side.Sign()))
		pnlTicks := exitPx.Sub(pos.EntryPx).Mul(sign).Div(e.cfg.TickSize)

		e.updateTrailing(pos, exitPx, pnlTicks)

		var kind FillKind
		switch {
		case pnlTicks.GreaterThanOrEqual(decimal.NewFromInt(int64(pos.TPTicks))):
			kind = FillTP
		case pnlTicks.LessThanOrEqual(decimal.NewFromInt(int64(-pos.SLTicks))):
			kind = FillSL
		case pos.TrailStop.IsPositive() && e.trailBreached(pos, exitPx):
			kind = FillTrail
		default:
			continue
		}
		e.closePosition(pos, exitPx, kind)
	}
}

// updateTrailing advances the high-water mark and, once armed, tightens the
// stop. The stop never loosens: adverse moves leave it where it is.
func (e *Engine) updateTrailing(pos *Position, exitPx, pnlTicks decimal.Decimal) {
	if !pos.Trail {
		return
	}
	if pnlTicks.GreaterThan(pos.PeakTicks) {
		pos.PeakTicks = pnlTicks
	}
	if pos.PeakTicks.LessThan(decimal.NewFromInt(int64(pos.TrailTrigger))) {
		return
	}
	gap := decimal.NewFromInt(int64(pos.TrailGap)).Mul(e.cfg.TickSize)
	if pos.Side == market.Buy {
		candidate := exitPx.Sub(gap)
		if pos.TrailStop.IsZero() || candidate.GreaterThan(pos.TrailStop) {
			pos.TrailStop = candidate
		}
	} else {
		candidate := exitPx.Add(gap)
		if pos.TrailStop.IsZero() || candidate.LessThan(pos.TrailStop) {
			pos.TrailStop = candidate
		}
	}
}

// flattenAll closes every open position as a manual exit at the current
// quotes. Requires a two-sided book; used on shutdown.
func (e *Engine) flattenAll() {
	if !e.bestBid.IsPositive() || !e.bestAsk.IsPositive() {
		return
	}
	open := make([]*Position, len(e.ledger.Positions()))
	copy(open, e.ledger.Positions())
	for _, pos := range open {
		exitPx := e.bestBid
		if pos.Side == market.Sell {
			exitPx = e.bestAsk
		}
		e.closePosition(pos, exitPx, FillManual)
	}
}

func (e *Engine) trailBreached(pos *Position, exitPx decimal.Decimal) bool {
	if pos.Side == market.Buy {
		return exitPx.LessThanOrEqual(pos.TrailStop)
	}
	return exitPx.GreaterThanOrEqual(pos.TrailStop)
}

// closePosition executes one exit leg. With a live broker the real order
// goes out first; a failed submission leaves the position untouched for the
// next cycle.
func (e *Engine) closePosition(pos *Position, exitPx decimal.Decimal, kind FillKind) {
	now := e.now()
	exitSide := pos.Side.Opposite()

	if e.broker != nil {
		if err := e.broker.SubmitExit(pos.Symbol, exitSide, pos.Qty); err != nil {
			e.logf("exit submit failed (%s): %v", kind, err)
			return
		}
	}

	slip := e.cfg.SlippageTicksExit.Mul(e.cfg.TickSize)
	pxEff := exitPx.Sub(slip)
	if pos.Side == market.Sell {
		pxEff = exitPx.Add(slip)
	}

	sign := decimal.NewFromInt(int64(pos.Side.Sign()))
	pnlTicks := pxEff.Sub(pos.EntryPx).Mul(sign).Div(e.cfg.TickSize)

	f := Fill{
		Symbol: pos.Symbol, Side: exitSide, Qty: pos.Qty,
		Price: pxEff, Time: now, Kind: kind, PnLTicks: pnlTicks,
	}
	e.ledger.Record(f, pos)
	e.risk.OnExitFilled(pos.Qty, pnlTicks)
	e.bus.Publish(TopicFill, FillEvent{Fill: f})

	emoji := "🔴"
	if pnlTicks.IsPositive() {
		emoji = "🟢"
	}
	log.Info().
		Str("kind", string(kind)).
		Str("price", pxEff.String()).
		Str("pnl_ticks", pnlTicks.String()).
		Msgf("%s Position closed", emoji)
}

func (e *Engine) logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Debug().Msg(msg)
	e.bus.Publish(TopicLog, LogEvent{Time: e.now(), Msg: msg})
}
