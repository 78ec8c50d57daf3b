package exec

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktsuji/scalpd/bus"
	"github.com/ktsuji/scalpd/market"
	"github.com/ktsuji/scalpd/risk"
	"github.com/ktsuji/scalpd/strategy"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func newSim(broker Broker) (*Engine, *bus.Bus) {
	b := bus.New(256)
	rm := risk.New(risk.DefaultConfig())
	cfg := DefaultConfig()
	cfg.Symbol = "7203"
	return New(b, cfg, rm, broker), b
}

func (e *Engine) quote(bid, ask float64) {
	e.onBest(market.BestQuote{
		Symbol: "7203",
		Bid:    d(bid), BidQty: d(100),
		Ask: d(ask), AskQty: d(100),
		Time: time.Now(),
	})
}

func buyIntent() strategy.OrderIntent {
	return strategy.OrderIntent{
		Side:         market.Buy,
		Qty:          d(100),
		EntryType:    strategy.EntryLimit,
		TPTicks:      3,
		SLTicks:      2,
		Trail:        true,
		TrailTrigger: 2,
		TrailGap:     1,
	}
}

func collectFills(b *bus.Bus) *[]Fill {
	fills := &[]Fill{}
	b.Subscribe(TopicFill, func(ev bus.Event) {
		*fills = append(*fills, ev.Payload.(FillEvent).Fill)
	})
	return fills
}

func drain(t *testing.T, b *bus.Bus) {
	t.Helper()
	b.Start()
	require.True(t, b.Stop(time.Second))
}

func TestTakeProfitFillsAtExitSideBest(t *testing.T) {
	e, b := newSim(nil)
	fills := collectFills(b)

	e.quote(100, 100.5)
	e.onIntent(buyIntent()) // pegged LIMIT fills at bid 100

	e.quote(101.5, 102) // pnl = (101.5-100)/0.5 = 3 ticks
	drain(t, b)

	require.Len(t, *fills, 1)
	f := (*fills)[0]
	assert.Equal(t, FillTP, f.Kind)
	assert.Equal(t, market.Sell, f.Side)
	assert.True(t, f.Price.Equal(d(101.5)), "got %s", f.Price)
	assert.True(t, f.PnLTicks.Equal(d(3)))
	assert.Empty(t, e.Ledger().Positions())
}

func TestStopLossFillsAtExitSideBest(t *testing.T) {
	e, b := newSim(nil)
	fills := collectFills(b)

	e.quote(100, 100.5)
	e.onIntent(buyIntent())

	e.quote(99.0, 99.5) // pnl = -2 ticks
	drain(t, b)

	require.Len(t, *fills, 1)
	f := (*fills)[0]
	assert.Equal(t, FillSL, f.Kind)
	assert.True(t, f.Price.Equal(d(99.0)))
	assert.True(t, f.PnLTicks.Equal(d(-2)))
	assert.Empty(t, e.Ledger().Positions())
}

func TestTrailingStopOnlyTightens(t *testing.T) {
	e, b := newSim(nil)
	fills := collectFills(b)

	intent := buyIntent()
	intent.TPTicks = 100 // keep TP out of the way

	e.quote(100, 100.5)
	e.onIntent(intent)
	pos := e.Ledger().Positions()[0]

	// Not armed until peak reaches the trigger.
	e.quote(100.5, 101)
	assert.True(t, pos.TrailStop.IsZero())

	// +2 ticks arms the trail: stop = 101 - 1*0.5.
	e.quote(101, 101.5)
	require.True(t, pos.TrailStop.Equal(d(100.5)))

	// Favorable move tightens.
	e.quote(101.5, 102)
	assert.True(t, pos.TrailStop.Equal(d(101)))

	// Adverse move above the stop leaves it in place.
	e.quote(101.2, 101.7)
	assert.True(t, pos.TrailStop.Equal(d(101)))

	// Further favorable move tightens again.
	e.quote(102, 102.5)
	assert.True(t, pos.TrailStop.Equal(d(101.5)))

	// Breach exits at the quote, not at the stop level.
	e.quote(101.4, 101.9)
	drain(t, b)

	require.Len(t, *fills, 1)
	assert.Equal(t, FillTrail, (*fills)[0].Kind)
	assert.True(t, (*fills)[0].Price.Equal(d(101.4)))
	assert.Empty(t, e.Ledger().Positions())
}

func TestExplicitLimitIsImmediateOrNone(t *testing.T) {
	e, _ := newSim(nil)
	e.quote(100, 100.5)

	// BUY limit below the ask never rests: dropped.
	intent := buyIntent()
	intent.Price = d(100)
	e.onIntent(intent)
	assert.Empty(t, e.Ledger().Positions())

	// BUY limit at the ask crosses and fills there.
	intent.Price = d(100.5)
	e.onIntent(intent)
	require.Len(t, e.Ledger().Positions(), 1)
	assert.True(t, e.Ledger().Positions()[0].EntryPx.Equal(d(100.5)))
}

func TestMarketEntryFillsAtOppositeBest(t *testing.T) {
	e, _ := newSim(nil)
	e.quote(100, 100.5)

	intent := buyIntent()
	intent.EntryType = strategy.EntryMarket
	e.onIntent(intent)

	require.Len(t, e.Ledger().Positions(), 1)
	assert.True(t, e.Ledger().Positions()[0].EntryPx.Equal(d(100.5)))
}

func TestEntrySlippageShiftsAgainstTaker(t *testing.T) {
	b := bus.New(256)
	cfg := DefaultConfig()
	cfg.Symbol = "7203"
	cfg.SlippageTicksEntry = d(1)
	e := New(b, cfg, risk.New(risk.DefaultConfig()), nil)

	e.quote(100, 100.5)
	e.onIntent(buyIntent())

	require.Len(t, e.Ledger().Positions(), 1)
	// BUY pays up: 100 + 1*0.5.
	assert.True(t, e.Ledger().Positions()[0].EntryPx.Equal(d(100.5)))
}

func TestEntryWithoutQuotesIsRejected(t *testing.T) {
	e, _ := newSim(nil)
	e.onIntent(buyIntent())
	assert.Empty(t, e.Ledger().Positions())
}

func TestRiskCooldownBlocksSecondEntry(t *testing.T) {
	e, _ := newSim(nil)
	e.quote(100, 100.5)

	e.onIntent(buyIntent())
	e.onIntent(buyIntent()) // within the 2s cooldown

	assert.Len(t, e.Ledger().Positions(), 1)
}

func TestStopLossFeedsRiskLossStreak(t *testing.T) {
	b := bus.New(256)
	rm := risk.New(risk.DefaultConfig())
	cfg := DefaultConfig()
	cfg.Symbol = "7203"
	e := New(b, cfg, rm, nil)

	e.quote(100, 100.5)
	e.onIntent(buyIntent())
	e.quote(99, 99.5)

	st := rm.Snapshot()
	assert.Equal(t, 1, st.ConsecLosses)
	assert.True(t, st.OpenQty.IsZero())
	assert.True(t, st.DayPnLTicks.Equal(d(-2)))
}

func TestLedgerRealizedMatchesFills(t *testing.T) {
	e, _ := newSim(nil)
	e.quote(100, 100.5)
	e.onIntent(buyIntent())
	e.quote(101.5, 102)

	l := e.Ledger()
	assert.Equal(t, 2, l.FillCount()) // entry + exit
	sum := decimal.Zero
	for _, f := range l.Fills() {
		sum = sum.Add(f.PnLTicks)
	}
	assert.True(t, l.RealizedTicks().Equal(sum))
}

type fakeBroker struct {
	failEntry bool
	failExit  bool
	entries   int
	exits     int
}

func (f *fakeBroker) SubmitEntry(string, market.Side, decimal.Decimal, decimal.Decimal, strategy.EntryType) error {
	f.entries++
	if f.failEntry {
		return assert.AnError
	}
	return nil
}

func (f *fakeBroker) SubmitExit(string, market.Side, decimal.Decimal) error {
	f.exits++
	if f.failExit {
		return assert.AnError
	}
	return nil
}

func TestLiveEntrySubmitFailureAbortsLocalState(t *testing.T) {
	br := &fakeBroker{failEntry: true}
	e, _ := newSim(br)

	e.quote(100, 100.5)
	e.onIntent(buyIntent())

	assert.Equal(t, 1, br.entries)
	assert.Empty(t, e.Ledger().Positions())
	assert.Equal(t, 0, e.Ledger().FillCount())
}

func TestLiveExitSubmitFailureKeepsPosition(t *testing.T) {
	br := &fakeBroker{failExit: true}
	e, _ := newSim(br)

	e.quote(100, 100.5)
	e.onIntent(buyIntent())
	require.Len(t, e.Ledger().Positions(), 1)

	e.quote(101.5, 102) // TP condition met but the submit fails
	assert.Len(t, e.Ledger().Positions(), 1)

	// Next cycle the submit succeeds and the exit completes.
	br.failExit = false
	e.quote(101.5, 102)
	assert.Empty(t, e.Ledger().Positions())
	assert.Equal(t, 2, br.exits)
}

func TestLossStreakPublishesCircuitEventOnce(t *testing.T) {
	b := bus.New(256)
	rcfg := risk.DefaultConfig()
	rcfg.MaxConsecLosses = 1
	rcfg.Cooldown = 0
	cfg := DefaultConfig()
	cfg.Symbol = "7203"
	e := New(b, cfg, risk.New(rcfg), nil)

	var circuits []CircuitEvent
	b.Subscribe(TopicCircuit, func(ev bus.Event) {
		circuits = append(circuits, ev.Payload.(CircuitEvent))
	})

	e.quote(100, 100.5)
	e.onIntent(buyIntent())
	e.quote(99, 99.5) // stop-loss, streak reaches the limit

	e.onIntent(buyIntent()) // blocked: circuit opens
	e.onIntent(buyIntent()) // still blocked: no second event
	drain(t, b)

	require.Len(t, circuits, 1)
	assert.Equal(t, risk.ReasonLossStreak, circuits[0].Reason)
	assert.Empty(t, e.Ledger().Positions())
}

func TestFlattenRequestClosesPositionsAsManual(t *testing.T) {
	e, b := newSim(nil)
	e.Bind(b)
	fills := collectFills(b)

	e.quote(100, 100.5)
	e.onIntent(buyIntent())
	require.Len(t, e.Ledger().Positions(), 1)

	// Small favorable move: neither TP, SL nor trail fires.
	e.quote(100.2, 100.7)
	require.Len(t, e.Ledger().Positions(), 1)

	b.Publish(TopicFlatten, FlattenRequest{Time: time.Now()})
	drain(t, b)

	require.Len(t, *fills, 1)
	f := (*fills)[0]
	assert.Equal(t, FillManual, f.Kind)
	assert.Equal(t, market.Sell, f.Side)
	assert.True(t, f.Price.Equal(d(100.2)), "got %s", f.Price)
	assert.Empty(t, e.Ledger().Positions())
}

func TestLivePositionEventTagged(t *testing.T) {
	br := &fakeBroker{}
	e, b := newSim(br)

	var events []PositionEvent
	b.Subscribe(TopicPosition, func(ev bus.Event) {
		events = append(events, ev.Payload.(PositionEvent))
	})

	e.quote(100, 100.5)
	e.onIntent(buyIntent())
	drain(t, b)

	require.Len(t, events, 1)
	assert.Equal(t, "ENTRY_LIVE", events[0].Event)
}
