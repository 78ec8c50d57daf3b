package strategy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ktsuji/scalpd/indicator"
	"github.com/ktsuji/scalpd/market"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RULE-BASED STRATEGY - Snapshot + features → optional order intent
// ═══════════════════════════════════════════════════════════════════════════════
//
// Propose is a pure function: no clock, no I/O, no mutation. Admission checks
// short-circuit in a fixed order so the reason trail always reflects how far a
// cycle got.
//
// ═══════════════════════════════════════════════════════════════════════════════

// EntryType selects how the entry leg is priced.
type EntryType string

const (
	EntryLimit  EntryType = "LIMIT"
	EntryMarket EntryType = "MARKET"
)

// OrderIntent is a proposed trade. Created once by the strategy, consumed
// once by the execution engine, immutable in between. A zero Price on a LIMIT
// intent means "peg to the same-side best quote".
type OrderIntent struct {
	Side         market.Side
	Qty          decimal.Decimal
	EntryType    EntryType
	Price        decimal.Decimal
	TPTicks      int
	SLTicks      int
	Trail        bool
	TrailTrigger int
	TrailGap     int
	Reasons      []string
}

// Features carries per-cycle derived inputs that are not part of the
// snapshot itself.
type Features struct {
	RecentReturnTicks decimal.Decimal
	RecentReturnOK    bool
}

// RuleConfig tunes the admission rules. Filters with a toggle default to the
// values that survived live tuning: VWAP and recent-return on, the slower
// technicals off.
type RuleConfig struct {
	TickSize        decimal.Decimal
	SpreadTicksMax  int
	ImbalanceTh     decimal.Decimal
	PushesPerMinMin int

	UseVWAPFilter         bool
	UseSMA25Filter        bool
	UseMACDFilter         bool
	UseRSIFilter          bool
	UseRecentReturnFilter bool
	RecentReturnWindow    time.Duration
	RecentReturnAbsMax    decimal.Decimal // ticks

	DefaultQty decimal.Decimal
	EntryType  EntryType
	TPTicks    int
	SLTicks    int

	TrailEnabled bool
	TrailTrigger int
	TrailGap     int

	ReasonDetail bool
}

// DefaultRuleConfig returns the production defaults.
func DefaultRuleConfig() RuleConfig {
	return RuleConfig{
		TickSize:              decimal.NewFromFloat(0.5),
		SpreadTicksMax:        1,
		ImbalanceTh:           decimal.NewFromFloat(0.60),
		PushesPerMinMin:       40,
		UseVWAPFilter:         true,
		UseRecentReturnFilter: true,
		RecentReturnWindow:    700 * time.Millisecond,
		RecentReturnAbsMax:    decimal.NewFromFloat(1.5),
		DefaultQty:            decimal.NewFromInt(100),
		EntryType:             EntryLimit,
		TPTicks:               3,
		SLTicks:               2,
		TrailEnabled:          true,
		TrailTrigger:          2,
		TrailGap:              1,
		ReasonDetail:          true,
	}
}

// RuleBased generates order intents from snapshots.
type RuleBased struct {
	cfg RuleConfig
}

// NewRuleBased creates the rule strategy.
func NewRuleBased(cfg RuleConfig) *RuleBased {
	return &RuleBased{cfg: cfg}
}

// Config returns the active configuration.
func (r *RuleBased) Config() RuleConfig { return r.cfg }

// Propose returns an intent when every admission rule passes, nil otherwise.
func (r *RuleBased) Propose(snap indicator.Snapshot, feats Features) *OrderIntent {
	var reasons []string
	if !snap.HasQuotes() {
		return nil
	}

	if !r.spreadOK(snap.Spread) {
		return nil
	}
	reasons = append(reasons, fmt.Sprintf("spread_ok(%s)", snap.Spread))

	if snap.PushRate < r.cfg.PushesPerMinMin {
		return nil
	}
	reasons = append(reasons, fmt.Sprintf("pushrate_ok(%d/min)", snap.PushRate))

	if !snap.ImbalanceOK {
		return nil
	}
	var side market.Side
	switch {
	case snap.Imbalance.GreaterThanOrEqual(r.cfg.ImbalanceTh):
		side = market.Buy
		reasons = append(reasons, fmt.Sprintf("imb>=th(%s)", snap.Imbalance.Round(2)))
	case snap.Imbalance.LessThanOrEqual(r.cfg.ImbalanceTh.Neg()):
		side = market.Sell
		reasons = append(reasons, fmt.Sprintf("imb<=-th(%s)", snap.Imbalance.Round(2)))
	default:
		return nil
	}

	if !r.recentReturnOK(feats, side) {
		return nil
	}
	reasons = append(reasons, "recent_return_ok")

	if !r.technicalsOK(snap, side) {
		return nil
	}
	reasons = append(reasons, "technicals_ok")

	intent := &OrderIntent{
		Side:         side,
		Qty:          r.cfg.DefaultQty,
		EntryType:    r.cfg.EntryType,
		TPTicks:      r.cfg.TPTicks,
		SLTicks:      r.cfg.SLTicks,
		Trail:        r.cfg.TrailEnabled,
		TrailTrigger: r.cfg.TrailTrigger,
		TrailGap:     r.cfg.TrailGap,
	}
	switch r.cfg.EntryType {
	case EntryLimit:
		if side == market.Buy {
			intent.Price = snap.BestBid
		} else {
			intent.Price = snap.BestAsk
		}
	default:
		intent.EntryType = EntryMarket
	}
	if r.cfg.ReasonDetail {
		intent.Reasons = reasons
	}
	return intent
}

func (r *RuleBased) spreadOK(spread decimal.Decimal) bool {
	if !r.cfg.TickSize.IsPositive() {
		return false
	}
	ticks := spread.Div(r.cfg.TickSize)
	return ticks.LessThanOrEqual(decimal.NewFromInt(int64(r.cfg.SpreadTicksMax)))
}

// recentReturnOK rejects entries chasing an extreme short-horizon move: any
// move beyond the absolute bound, and side-specific chasing beyond 80% of it.
func (r *RuleBased) recentReturnOK(feats Features, side market.Side) bool {
	if !r.cfg.UseRecentReturnFilter || !feats.RecentReturnOK {
		return true
	}
	ret := feats.RecentReturnTicks
	if ret.Abs().GreaterThan(r.cfg.RecentReturnAbsMax) {
		return false
	}
	chase := r.cfg.RecentReturnAbsMax.Mul(decimal.NewFromFloat(0.8))
	if side == market.Buy && ret.GreaterThan(chase) {
		return false
	}
	if side == market.Sell && ret.LessThan(chase.Neg()) {
		return false
	}
	return true
}

// technicalsOK applies the enabled trend/momentum filters. A filter whose
// inputs are not yet available passes.
func (r *RuleBased) technicalsOK(snap indicator.Snapshot, side market.Side) bool {
	if r.cfg.UseVWAPFilter && snap.VWAP.IsPositive() && snap.LastPrice.IsPositive() {
		if side == market.Buy && snap.LastPrice.LessThan(snap.VWAP) {
			return false
		}
		if side == market.Sell && snap.LastPrice.GreaterThan(snap.VWAP) {
			return false
		}
	}
	if r.cfg.UseSMA25Filter && snap.SMA25OK && snap.LastPrice.IsPositive() {
		if side == market.Buy && snap.LastPrice.LessThan(snap.SMA25) {
			return false
		}
		if side == market.Sell && snap.LastPrice.GreaterThan(snap.SMA25) {
			return false
		}
	}
	if r.cfg.UseMACDFilter && snap.MACDOK {
		if side == market.Buy && snap.MACD.LessThan(snap.MACDSignal) {
			return false
		}
		if side == market.Sell && snap.MACD.GreaterThan(snap.MACDSignal) {
			return false
		}
	}
	if r.cfg.UseRSIFilter && snap.RSIOK {
		if side == market.Buy && snap.RSI14.GreaterThan(decimal.NewFromInt(70)) {
			return false
		}
		if side == market.Sell && snap.RSI14.LessThan(decimal.NewFromInt(30)) {
			return false
		}
	}
	return true
}
