package strategy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktsuji/scalpd/bus"
	"github.com/ktsuji/scalpd/indicator"
	"github.com/ktsuji/scalpd/market"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// passingSnapshot satisfies every default admission rule for a BUY.
func passingSnapshot() indicator.Snapshot {
	return indicator.Snapshot{
		Symbol:      "7203",
		LastPrice:   d(100.5),
		BestBid:     d(100),
		BestAsk:     d(100.5),
		Spread:      d(0.5),
		Imbalance:   d(0.7),
		ImbalanceOK: true,
		VWAP:        d(100),
		PushRate:    50,
	}
}

func okFeatures() Features {
	return Features{RecentReturnTicks: decimal.Zero, RecentReturnOK: true}
}

func TestProposeBuyOnBidImbalance(t *testing.T) {
	r := NewRuleBased(DefaultRuleConfig())

	intent := r.Propose(passingSnapshot(), okFeatures())
	require.NotNil(t, intent)
	assert.Equal(t, market.Buy, intent.Side)
	assert.Equal(t, EntryLimit, intent.EntryType)
	// LIMIT pegs to the same-side best.
	assert.True(t, intent.Price.Equal(d(100)))
	assert.True(t, intent.Qty.Equal(d(100)))
	assert.Contains(t, intent.Reasons, "technicals_ok")
}

func TestProposeSellOnAskImbalance(t *testing.T) {
	r := NewRuleBased(DefaultRuleConfig())
	snap := passingSnapshot()
	snap.Imbalance = d(-0.7)
	snap.LastPrice = d(100) // VWAP filter: SELL needs last <= vwap
	snap.VWAP = d(100)

	intent := r.Propose(snap, okFeatures())
	require.NotNil(t, intent)
	assert.Equal(t, market.Sell, intent.Side)
	assert.True(t, intent.Price.Equal(d(100.5)))
}

func TestProposeRejectsWideSpread(t *testing.T) {
	r := NewRuleBased(DefaultRuleConfig())
	snap := passingSnapshot()
	snap.BestAsk = d(101)
	snap.Spread = d(1) // 2 ticks

	assert.Nil(t, r.Propose(snap, okFeatures()))
}

func TestProposeRejectsThinFlow(t *testing.T) {
	r := NewRuleBased(DefaultRuleConfig())
	snap := passingSnapshot()
	snap.PushRate = 39

	assert.Nil(t, r.Propose(snap, okFeatures()))
}

func TestProposeNeedsImbalanceDefined(t *testing.T) {
	r := NewRuleBased(DefaultRuleConfig())
	snap := passingSnapshot()
	snap.ImbalanceOK = false

	assert.Nil(t, r.Propose(snap, okFeatures()))
}

func TestProposeRejectsBalancedBook(t *testing.T) {
	r := NewRuleBased(DefaultRuleConfig())
	snap := passingSnapshot()
	snap.Imbalance = d(0.3)

	assert.Nil(t, r.Propose(snap, okFeatures()))
}

func TestRecentReturnChaseBound(t *testing.T) {
	r := NewRuleBased(DefaultRuleConfig())
	snap := passingSnapshot()

	// A BUY chasing a move beyond 0.8 * abs_max = 1.2 ticks is rejected.
	feats := Features{RecentReturnTicks: d(1.3), RecentReturnOK: true}
	assert.Nil(t, r.Propose(snap, feats))

	// The same move downward does not block a BUY.
	feats.RecentReturnTicks = d(-1.3)
	assert.NotNil(t, r.Propose(snap, feats))

	// Beyond the absolute bound blocks both sides.
	feats.RecentReturnTicks = d(-1.6)
	assert.Nil(t, r.Propose(snap, feats))
}

func TestVWAPFilterBlocksBuyBelowVWAP(t *testing.T) {
	r := NewRuleBased(DefaultRuleConfig())
	snap := passingSnapshot()
	snap.LastPrice = d(99.5)

	assert.Nil(t, r.Propose(snap, okFeatures()))

	cfg := DefaultRuleConfig()
	cfg.UseVWAPFilter = false
	assert.NotNil(t, NewRuleBased(cfg).Propose(snap, okFeatures()))
}

func TestRSIFilterBlocksOverbought(t *testing.T) {
	cfg := DefaultRuleConfig()
	cfg.UseRSIFilter = true
	r := NewRuleBased(cfg)
	snap := passingSnapshot()
	snap.RSI14, snap.RSIOK = d(75), true

	assert.Nil(t, r.Propose(snap, okFeatures()))

	snap.RSI14 = d(65)
	assert.NotNil(t, r.Propose(snap, okFeatures()))
}

func TestGateDisabledAlwaysAccepts(t *testing.T) {
	g := NewGate(DefaultGateConfig(), nil)
	intent := &OrderIntent{Side: market.Buy, TPTicks: 3, SLTicks: 2}

	dec := g.Evaluate(intent, GateFeatures{}, 0)
	assert.True(t, dec.Go)
	assert.Equal(t, 0.5, dec.ProbTPFirst)
	assert.Equal(t, 0.0, dec.EVTicks)
	assert.Equal(t, "ml_disabled", dec.Reason)
}

func TestGateEVFormula(t *testing.T) {
	cfg := GateConfig{Enabled: true, MinProb: 0.55, MinEVTicks: 0, CostTicks: 0.10}
	g := NewGate(cfg, fixedEstimator(0.60))
	intent := &OrderIntent{Side: market.Buy, TPTicks: 3, SLTicks: 2}

	dec := g.Evaluate(intent, GateFeatures{}, 0)
	// EV = 0.6*3 - 0.4*2 - 0.10 = 0.90
	assert.InDelta(t, 0.90, dec.EVTicks, 1e-9)
	assert.True(t, dec.Go)
}

func TestGateRejectsBelowMinProb(t *testing.T) {
	cfg := GateConfig{Enabled: true, MinProb: 0.55, MinEVTicks: 0, CostTicks: 0.10}
	g := NewGate(cfg, fixedEstimator(0.54))
	intent := &OrderIntent{Side: market.Buy, TPTicks: 3, SLTicks: 2}

	dec := g.Evaluate(intent, GateFeatures{}, 0)
	assert.False(t, dec.Go)
}

func TestGatePenaltyLowersProbability(t *testing.T) {
	cfg := GateConfig{Enabled: true, MinProb: 0.55, MinEVTicks: 0, CostTicks: 0.10}
	g := NewGate(cfg, fixedEstimator(0.60))
	intent := &OrderIntent{Side: market.Buy, TPTicks: 3, SLTicks: 2}

	dec := g.Evaluate(intent, GateFeatures{}, 0.10)
	assert.InDelta(t, 0.50, dec.ProbTPFirst, 1e-9)
	assert.False(t, dec.Go)
}

func TestGateEstimatorErrorFallsBackToCoinflip(t *testing.T) {
	cfg := GateConfig{Enabled: true, MinProb: 0.55, MinEVTicks: 0, CostTicks: 0.10}
	g := NewGate(cfg, failingEstimator{})
	intent := &OrderIntent{Side: market.Buy, TPTicks: 3, SLTicks: 2}

	dec := g.Evaluate(intent, GateFeatures{}, 0)
	assert.Equal(t, 0.5, dec.ProbTPFirst)
	assert.False(t, dec.Go)
}

func TestHeuristicProbaBounded(t *testing.T) {
	extreme := GateFeatures{Imbalance: 1, PushesPerMin: 5000, VWAPDiffTicks: 100, ImbalanceOK: true}
	assert.LessOrEqual(t, heuristicProba(extreme), 0.99)

	extreme.Imbalance, extreme.VWAPDiffTicks = -1, -100
	extreme.PushesPerMin = 0
	extreme.SpreadTicks = 50
	assert.GreaterOrEqual(t, heuristicProba(extreme), 0.01)
}

func TestLinearModelRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	raw, err := json.Marshal(LinearModel{
		Bias:    0.2,
		Weights: map[string]float64{"imbalance": 1.5, "unknown_future_feature": 9},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	m, err := LoadLinearModel(path)
	require.NoError(t, err)

	p, err := m.ProbTPFirst(GateFeatures{Imbalance: 0.5})
	require.NoError(t, err)
	// sigmoid(0.2 + 1.5*0.5) = sigmoid(0.95)
	assert.InDelta(t, 0.7211, p, 1e-3)
}

type fixedEstimator float64

func (f fixedEstimator) ProbTPFirst(GateFeatures) (float64, error) { return float64(f), nil }

type failingEstimator struct{}

func (failingEstimator) ProbTPFirst(GateFeatures) (float64, error) {
	return 0, assert.AnError
}

type vetoGate struct{ veto bool }

func (v vetoGate) ApplyGate(side market.Side, conf float64) (bool, float64, string) {
	if v.veto {
		return false, conf, "spoof veto BUY★★★(layer) score=0.90"
	}
	return true, conf - 0.12, "spoof penalty"
}

func TestPolicyPublishesIntentWhenAllGatesPass(t *testing.T) {
	b := bus.New(64)

	var intents []IntentEvent
	var decisions []DecisionEvent
	b.Subscribe(TopicIntent, func(ev bus.Event) {
		intents = append(intents, ev.Payload.(IntentEvent))
	})
	b.Subscribe(TopicDecision, func(ev bus.Event) {
		decisions = append(decisions, ev.Payload.(DecisionEvent))
	})

	p := NewPolicy(b, DefaultPolicyConfig(),
		NewRuleBased(DefaultRuleConfig()),
		NewGate(DefaultGateConfig(), nil), // disabled gate accepts
		nil,
		passingSnapshot,
		func(time.Duration) decimal.Decimal { return decimal.Zero },
	)
	p.iterate(time.Now())

	b.Start()
	require.True(t, b.Stop(time.Second))

	require.Len(t, intents, 1)
	assert.Equal(t, market.Buy, intents[0].Intent.Side)
	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].Go)
}

func TestPolicySpoofVetoSkipsIntent(t *testing.T) {
	b := bus.New(64)

	var intents []IntentEvent
	var decisions []DecisionEvent
	b.Subscribe(TopicIntent, func(ev bus.Event) {
		intents = append(intents, ev.Payload.(IntentEvent))
	})
	b.Subscribe(TopicDecision, func(ev bus.Event) {
		decisions = append(decisions, ev.Payload.(DecisionEvent))
	})

	p := NewPolicy(b, DefaultPolicyConfig(),
		NewRuleBased(DefaultRuleConfig()),
		NewGate(DefaultGateConfig(), nil),
		vetoGate{veto: true},
		passingSnapshot,
		nil,
	)
	p.iterate(time.Now())

	b.Start()
	require.True(t, b.Stop(time.Second))

	assert.Empty(t, intents)
	require.Len(t, decisions, 1)
	assert.False(t, decisions[0].Go)
	assert.Contains(t, decisions[0].Reason, "veto")
}

type fieldsGate struct{ vetoGate }

func (fieldsGate) LogFields() map[string]any {
	return map[string]any{"spoof_side": "BUY", "spoof_type": "layer", "spoof_score": 0.9}
}

func TestPolicyVetoCarriesDetectorFields(t *testing.T) {
	b := bus.New(64)

	var decisions []DecisionEvent
	b.Subscribe(TopicDecision, func(ev bus.Event) {
		decisions = append(decisions, ev.Payload.(DecisionEvent))
	})

	p := NewPolicy(b, DefaultPolicyConfig(),
		NewRuleBased(DefaultRuleConfig()),
		NewGate(DefaultGateConfig(), nil),
		fieldsGate{vetoGate{veto: true}},
		passingSnapshot,
		nil,
	)
	assert.NotPanics(t, func() { p.iterate(time.Now()) })

	b.Start()
	require.True(t, b.Stop(time.Second))

	require.Len(t, decisions, 1)
	assert.False(t, decisions[0].Go)
}

func TestPolicyQuietMarketEmitsDebug(t *testing.T) {
	b := bus.New(64)

	var debugs []DebugEvent
	b.Subscribe(TopicDebug, func(ev bus.Event) {
		debugs = append(debugs, ev.Payload.(DebugEvent))
	})

	quiet := func() indicator.Snapshot {
		s := passingSnapshot()
		s.PushRate = 0
		return s
	}
	p := NewPolicy(b, DefaultPolicyConfig(),
		NewRuleBased(DefaultRuleConfig()),
		NewGate(DefaultGateConfig(), nil),
		nil, quiet, nil,
	)
	p.iterate(time.Now())

	b.Start()
	require.True(t, b.Stop(time.Second))

	require.Len(t, debugs, 1)
	assert.Equal(t, "no_intent", debugs[0].Note)
}

func TestPolicyIterationPanicIsContained(t *testing.T) {
	b := bus.New(64)
	p := NewPolicy(b, DefaultPolicyConfig(),
		NewRuleBased(DefaultRuleConfig()),
		NewGate(DefaultGateConfig(), nil),
		nil,
		func() indicator.Snapshot { panic("provider blew up") },
		nil,
	)

	assert.NotPanics(t, func() { p.iterate(time.Now()) })
}

func TestPolicyStopJoinsLoop(t *testing.T) {
	b := bus.New(64)
	cfg := DefaultPolicyConfig()
	cfg.LoopInterval = 5 * time.Millisecond

	p := NewPolicy(b, cfg,
		NewRuleBased(DefaultRuleConfig()),
		NewGate(DefaultGateConfig(), nil),
		nil, passingSnapshot, nil,
	)
	p.Start()
	time.Sleep(20 * time.Millisecond)
	assert.True(t, p.Stop())
}

func TestPolicyStopIsIdempotent(t *testing.T) {
	b := bus.New(64)
	cfg := DefaultPolicyConfig()
	cfg.LoopInterval = 5 * time.Millisecond

	p := NewPolicy(b, cfg,
		NewRuleBased(DefaultRuleConfig()),
		NewGate(DefaultGateConfig(), nil),
		nil, passingSnapshot, nil,
	)
	p.Start()
	assert.True(t, p.Stop())
	assert.NotPanics(t, func() { p.Stop() })
}
