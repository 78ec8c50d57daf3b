package strategy

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ktsuji/scalpd/bus"
	"github.com/ktsuji/scalpd/indicator"
	"github.com/ktsuji/scalpd/market"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGY POLICY - Fixed-cadence decision loop
// ═══════════════════════════════════════════════════════════════════════════════
//
// Each iteration walks snapshot → propose → spoof-gate → ML-gate →
// publish-or-skip, then sleeps out the rest of the cadence. Iterations never
// overlap and a panic inside one iteration only skips that cycle.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Topics published by the policy loop.
const (
	TopicIntent   = "strategy.intent"
	TopicDecision = "strategy.decision"
	TopicDebug    = "strategy.debug"
)

// IntentEvent is the payload on strategy.intent: an accepted proposal plus
// the features it was scored on.
type IntentEvent struct {
	Time     time.Time
	Intent   OrderIntent
	Features GateFeatures
}

// DecisionEvent is the audit payload on strategy.decision, published for
// every proposal whether or not it passed the gates.
type DecisionEvent struct {
	Time          time.Time
	Go            bool
	ProbTPFirst   float64
	EVTicks       float64
	Reason        string
	IntentReasons []string
}

// DebugEvent is published on cycles that produce no proposal.
type DebugEvent struct {
	Time     time.Time
	Note     string
	Spread   decimal.Decimal
	PushRate int
}

// SpoofGate vets a proposal side against the current manipulation verdict.
type SpoofGate interface {
	ApplyGate(side market.Side, confidence float64) (allow bool, adjusted float64, reason string)
}

// PolicyConfig tunes the loop.
type PolicyConfig struct {
	LoopInterval time.Duration
	StopTimeout  time.Duration
}

// DefaultPolicyConfig returns the production cadence.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		LoopInterval: 100 * time.Millisecond,
		StopTimeout:  time.Second,
	}
}

// Policy runs the decision loop. Snapshot and recent-return access go through
// providers so the loop never touches engine internals.
type Policy struct {
	bus   *bus.Bus
	cfg   PolicyConfig
	rules *RuleBased
	gate  *Gate
	spoof SpoofGate // nil disables the spoof gate

	snapshot     func() indicator.Snapshot
	recentReturn func(time.Duration) decimal.Decimal

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewPolicy wires the loop. recentReturn may be nil.
func NewPolicy(
	b *bus.Bus,
	cfg PolicyConfig,
	rules *RuleBased,
	gate *Gate,
	spoof SpoofGate,
	snapshot func() indicator.Snapshot,
	recentReturn func(time.Duration) decimal.Decimal,
) *Policy {
	return &Policy{
		bus:          b,
		cfg:          cfg,
		rules:        rules,
		gate:         gate,
		spoof:        spoof,
		snapshot:     snapshot,
		recentReturn: recentReturn,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start launches the loop goroutine.
func (p *Policy) Start() {
	go p.loop()
	log.Info().Dur("interval", p.cfg.LoopInterval).Msg("🧠 Strategy policy started")
}

// Stop signals the loop and waits up to the configured timeout for the
// current iteration to finish. Returns false on timeout. Safe to call more
// than once.
func (p *Policy) Stop() bool {
	p.stopOnce.Do(func() { close(p.stopCh) })
	select {
	case <-p.doneCh:
		return true
	case <-time.After(p.cfg.StopTimeout):
		log.Warn().Msg("strategy policy stop timed out")
		return false
	}
}

func (p *Policy) loop() {
	defer close(p.doneCh)
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}
		t0 := time.Now()
		p.iterate(t0)

		rest := p.cfg.LoopInterval - time.Since(t0)
		if rest > 0 {
			select {
			case <-p.stopCh:
				return
			case <-time.After(rest):
			}
		}
	}
}

// iterate runs one cycle. A panic is logged and the loop resumes next
// cadence; the failed cycle is not retried.
func (p *Policy) iterate(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("strategy iteration failed")
			p.bus.Publish(TopicDebug, DebugEvent{Time: now, Note: fmt.Sprintf("panic: %v", r)})
		}
	}()

	snap := p.snapshot()

	feats := Features{}
	if p.recentReturn != nil {
		cfg := p.rules.Config()
		ret := p.recentReturn(cfg.RecentReturnWindow)
		if cfg.TickSize.IsPositive() {
			feats.RecentReturnTicks = ret.Div(cfg.TickSize)
			feats.RecentReturnOK = true
		}
	}

	intent := p.rules.Propose(snap, feats)
	if intent == nil {
		p.bus.Publish(TopicDebug, DebugEvent{
			Time: now, Note: "no_intent",
			Spread: snap.Spread, PushRate: snap.PushRate,
		})
		return
	}

	gf := GateFeaturesFrom(snap, p.rules.Config().TickSize)

	// Spoof gate first: a hard veto kills the cycle, a soft verdict becomes
	// a probability penalty carried into the ML gate.
	penalty := 0.0
	if p.spoof != nil {
		allow, adjusted, reason := p.spoof.ApplyGate(intent.Side, 1.0)
		if !allow {
			p.spoofLog(log.Info()).
				Str("side", string(intent.Side)).
				Str("reason", reason).
				Msg("🚫 Intent vetoed")
			p.bus.Publish(TopicDecision, DecisionEvent{
				Time: now, Go: false, Reason: reason, IntentReasons: intent.Reasons,
			})
			return
		}
		penalty = 1.0 - adjusted
		if reason != "" {
			p.spoofLog(log.Debug()).
				Str("side", string(intent.Side)).
				Float64("penalty", penalty).
				Str("reason", reason).
				Msg("spoof penalty applied")
		}
	}

	dec := p.gate.Evaluate(intent, gf, penalty)
	p.bus.Publish(TopicDecision, DecisionEvent{
		Time:          now,
		Go:            dec.Go,
		ProbTPFirst:   dec.ProbTPFirst,
		EVTicks:       dec.EVTicks,
		Reason:        dec.Reason,
		IntentReasons: intent.Reasons,
	})
	if !dec.Go {
		return
	}

	log.Debug().
		Str("side", string(intent.Side)).
		Str("qty", intent.Qty.String()).
		Float64("prob", dec.ProbTPFirst).
		Float64("ev_ticks", dec.EVTicks).
		Msg("📤 Intent published")
	p.bus.Publish(TopicIntent, IntentEvent{Time: now, Intent: *intent, Features: gf})
}

// spoofLog attaches the detector's last-verdict fields when the gate exposes
// them, so vetoes can be traced back to the pattern that caused them.
func (p *Policy) spoofLog(ev *zerolog.Event) *zerolog.Event {
	if a, ok := p.spoof.(interface{ LogFields() map[string]any }); ok {
		ev = ev.Fields(a.LogFields())
	}
	return ev
}
