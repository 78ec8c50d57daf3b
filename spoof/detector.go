package spoof

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ktsuji/scalpd/bus"
	"github.com/ktsuji/scalpd/market"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SPOOF DETECTOR - Order-book manipulation patterns over a rolling window
// ═══════════════════════════════════════════════════════════════════════════════
//
// Four classifiers run on every book update; only the highest-scoring verdict
// survives the cycle. The gate either hard-vetoes a proposal on the suspected
// side or applies a soft confidence penalty, never both.
//
// Sizes and prices are converted to float64 at ingestion: verdict scores are
// tanh-shaped and stay in probability space, not price space.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Pattern identifies the classifier that produced a verdict.
type Pattern string

const (
	PatternFlash Pattern = "flash"
	PatternLayer Pattern = "layer"
	PatternWalk  Pattern = "walk"
	PatternPing  Pattern = "ping"
)

// Config tunes the detector. Defaults mirror live-tuned values.
type Config struct {
	Enabled        bool
	WindowMS       int     // rolling horizon for mean sizes
	BufferPoints   int     // max snapshots retained, never exceeded
	KBig           float64 // big-order threshold vs rolling mean
	MinLifespanMS  int     // ignore sub-noise candidates
	FlashMaxMS     int     // flash must vanish within this
	LayerLevels    int     // depth levels considered per side
	LayerNeed      int     // heavy levels required to count as a stack
	LayerDropMS    int     // stacked levels must vanish together within this
	WalkWindowMS   int     // look-back for outward stepping
	WalkStepsNeed  int
	ScoreThreshold float64 // hard-veto threshold
	SuppressWeight float64 // soft penalty weight below threshold
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		WindowMS:       3000,
		BufferPoints:   150,
		KBig:           3.5,
		MinLifespanMS:  80,
		FlashMaxMS:     800,
		LayerLevels:    5,
		LayerNeed:      3,
		LayerDropMS:    900,
		WalkWindowMS:   1400,
		WalkStepsNeed:  3,
		ScoreThreshold: 0.70,
		SuppressWeight: 0.20,
	}
}

// Verdict is the per-cycle classification result. Side is where the spoof is
// suspected: Buy means the bid side.
type Verdict struct {
	Side     market.Side
	Type     Pattern
	Score    float64
	AgeMS    int64
	PeakSize float64
}

// Badge renders a compact audit tag, e.g. "BUY★★☆(layer)".
func (v *Verdict) Badge() string {
	if v == nil {
		return "none"
	}
	n := int(math.Round(v.Score * 3))
	if n < 0 {
		n = 0
	}
	if n > 3 {
		n = 3
	}
	stars := ""
	for i := 0; i < 3; i++ {
		if i < n {
			stars += "★"
		} else {
			stars += "☆"
		}
	}
	return fmt.Sprintf("%s%s(%s)", v.Side, stars, v.Type)
}

type level struct {
	price float64
	qty   float64
}

// point is one book observation in the rolling buffer.
type point struct {
	t             int64 // unix ms
	bid, ask      float64
	bq, aq        float64
	levelsB       []level
	levelsA       []level
	lastPrintSide market.Side
}

type candidate struct {
	start int64
	peak  float64
}

type step struct {
	t     int64
	side  market.Side
	price float64
}

// Detector holds the rolling window and classifier state. Bus handlers are
// the only writers, but the policy goroutine reads the verdict through
// ApplyGate, so the state sits behind a mutex.
type Detector struct {
	cfg Config

	mu    sync.Mutex
	buf   []point
	cands map[market.Side]*candidate
	steps []step

	lastLevelsB []level
	lastLevelsA []level
	lastPrint   market.Side

	last *Verdict
}

// New creates a detector.
func New(cfg Config) *Detector {
	if cfg.BufferPoints <= 0 {
		cfg.BufferPoints = DefaultConfig().BufferPoints
	}
	return &Detector{
		cfg:   cfg,
		cands: map[market.Side]*candidate{},
	}
}

// Bind subscribes the detector to book and tape topics.
func (d *Detector) Bind(b *bus.Bus) {
	b.Subscribe(market.TopicDepth, func(ev bus.Event) {
		if du, ok := ev.Payload.(market.DepthUpdate); ok {
			d.mu.Lock()
			d.lastLevelsB = toLevels(du.Bids, d.cfg.LayerLevels)
			d.lastLevelsA = toLevels(du.Asks, d.cfg.LayerLevels)
			d.mu.Unlock()
		}
	})
	b.Subscribe(market.TopicTape, func(ev bus.Event) {
		if tp, ok := ev.Payload.(market.TapePrint); ok && tp.Side != "" {
			d.mu.Lock()
			d.lastPrint = tp.Side
			d.mu.Unlock()
		}
	})
	b.Subscribe(market.TopicBest, func(ev bus.Event) {
		q, ok := ev.Payload.(market.BestQuote)
		if !ok {
			return
		}
		ts := q.Time
		if ts.IsZero() {
			ts = time.Now()
		}
		d.Update(ts.UnixMilli(), f(q.Bid), f(q.Ask), f(q.BidQty), f(q.AskQty))
	})
}

func f(d decimal.Decimal) float64 { return d.InexactFloat64() }

func toLevels(in []market.DepthLevel, max int) []level {
	if len(in) > max {
		in = in[:max]
	}
	out := make([]level, 0, len(in))
	for _, l := range in {
		out = append(out, level{price: f(l.Price), qty: f(l.Qty)})
	}
	return out
}

// Update ingests one book observation and returns the cycle's verdict, if
// any. The verdict is transient; only the latest one feeds the gate.
func (d *Detector) Update(tMS int64, bid, ask, bidQty, askQty float64) *Verdict {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.cfg.Enabled {
		d.last = nil
		return nil
	}
	p := point{
		t: tMS, bid: bid, ask: ask, bq: bidQty, aq: askQty,
		levelsB: d.lastLevelsB, levelsA: d.lastLevelsA,
		lastPrintSide: d.lastPrint,
	}
	d.buf = append(d.buf, p)
	if len(d.buf) > d.cfg.BufferPoints {
		d.buf = d.buf[len(d.buf)-d.cfg.BufferPoints:]
	}

	best := pickBest(
		d.detectFlash(p),
		d.detectLayer(p),
		d.detectWalk(p),
		d.detectPing(p),
	)
	d.last = best
	return best
}

// BufferLen is exposed for capacity checks.
func (d *Detector) BufferLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buf)
}

// Last returns the most recent verdict, nil when the last cycle was clean.
func (d *Detector) Last() *Verdict {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// ApplyGate evaluates a proposal against the last verdict. A hard veto fires
// only when the score reaches the threshold AND the verdict sits on the
// proposed side; anything weaker is a proportional confidence penalty.
func (d *Detector) ApplyGate(proposed market.Side, confidence float64) (allow bool, adjusted float64, reason string) {
	d.mu.Lock()
	v := d.last
	d.mu.Unlock()
	if v == nil {
		return true, confidence, ""
	}
	if v.Score >= d.cfg.ScoreThreshold && v.Side == proposed {
		return false, confidence, fmt.Sprintf("spoof veto %s score=%.2f", v.Badge(), v.Score)
	}
	adjusted = confidence - d.cfg.SuppressWeight*v.Score
	if adjusted < 0 {
		adjusted = 0
	}
	return true, adjusted, fmt.Sprintf("spoof penalty %s conf %.2f→%.2f", v.Badge(), confidence, adjusted)
}

// LogFields returns audit-row fields for the last verdict.
func (d *Detector) LogFields() map[string]any {
	d.mu.Lock()
	v := d.last
	d.mu.Unlock()
	if v == nil {
		return map[string]any{}
	}
	return map[string]any{
		"spoof_side":      string(v.Side),
		"spoof_type":      string(v.Type),
		"spoof_score":     math.Round(v.Score*1000) / 1000,
		"spoof_age_ms":    v.AgeMS,
		"spoof_peak_size": v.PeakSize,
	}
}

func pickBest(vs ...*Verdict) *Verdict {
	var best *Verdict
	for _, v := range vs {
		if v != nil && (best == nil || v.Score > best.Score) {
			best = v
		}
	}
	return best
}

// rollingMeanSizes averages best-quote sizes over the trailing window.
func (d *Detector) rollingMeanSizes(windowMS int) (meanBid, meanAsk float64) {
	if len(d.buf) == 0 {
		return 0, 0
	}
	tNow := d.buf[len(d.buf)-1].t
	var sb, sa float64
	var n int
	for _, p := range d.buf {
		if tNow-p.t <= int64(windowMS) {
			sb += p.bq
			sa += p.aq
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return sb / float64(n), sa / float64(n)
}

// detectFlash tracks one candidate per side: a burst of size at best that has
// to vanish quickly to be scored, otherwise it was genuine interest.
func (d *Detector) detectFlash(p point) *Verdict {
	const eps = 1e-9
	meanB, meanA := d.rollingMeanSizes(d.cfg.WindowMS)
	var out *Verdict

	for _, s := range []struct {
		side market.Side
		size float64
		mean float64
	}{
		{market.Buy, p.bq, math.Max(meanB, eps)},
		{market.Sell, p.aq, math.Max(meanA, eps)},
	} {
		bigNow := s.mean > eps && s.size >= d.cfg.KBig*s.mean
		cand := d.cands[s.side]
		if cand == nil {
			if bigNow {
				d.cands[s.side] = &candidate{start: p.t, peak: s.size}
			}
			continue
		}
		if s.size > cand.peak {
			cand.peak = s.size
		}
		age := p.t - cand.start
		dropped := !bigNow && s.size <= 0.6*s.mean
		timeout := age > int64(d.cfg.FlashMaxMS)
		if !dropped && !timeout {
			continue
		}
		life := age
		if life < 1 {
			life = 1
		}
		if dropped && life >= int64(d.cfg.MinLifespanMS) && life <= int64(d.cfg.FlashMaxMS) {
			rel := cand.peak / s.mean
			lifeFac := math.Max(0, 1-float64(life)/float64(d.cfg.FlashMaxMS))
			v := &Verdict{
				Side: s.side, Type: PatternFlash,
				Score:    math.Tanh(0.35*rel) * lifeFac,
				AgeMS:    life,
				PeakSize: cand.peak,
			}
			if out == nil || v.Score > out.Score {
				out = v
			}
		}
		// Discarded as genuine on timeout; either way the candidate is done.
		d.cands[s.side] = nil
	}
	return out
}

// heavySum returns how many of the top levels are heavy and their aggregate
// size, relative to the per-level average.
func (d *Detector) heavySum(levels []level) (heavy int, base, sum float64) {
	if len(levels) == 0 {
		return 0, 0, 0
	}
	n := len(levels)
	if n > d.cfg.LayerLevels {
		n = d.cfg.LayerLevels
	}
	for i := 0; i < n; i++ {
		base += levels[i].qty
	}
	base /= float64(n)
	if base == 0 {
		base = 1
	}
	for i := 0; i < n; i++ {
		if levels[i].qty >= d.cfg.KBig*base {
			heavy++
			sum += levels[i].qty
		}
	}
	return heavy, base, sum
}

// detectLayer looks for a stack of heavy levels that evaporates together as
// price approaches it.
func (d *Detector) detectLayer(p point) *Verdict {
	if len(p.levelsB) == 0 && len(p.levelsA) == 0 {
		return nil
	}
	if len(d.buf) < 2 {
		return nil
	}
	prev := d.buf[len(d.buf)-2]
	dt := p.t - prev.t
	var out *Verdict

	// Bid-side stack: price walks down into it, then the stack halves at once.
	_, baseB, sumB := d.heavySum(p.levelsB)
	prevHeavyB, _, prevSumB := d.heavySum(prev.levelsB)
	if prevHeavyB >= d.cfg.LayerNeed &&
		prev.bid-p.bid >= 0 && p.ask-prev.ask <= 0 &&
		prevSumB > 0 && sumB <= 0.5*prevSumB && dt <= int64(d.cfg.LayerDropMS) {
		rel := prevSumB / math.Max(baseB, 1)
		out = &Verdict{Side: market.Buy, Type: PatternLayer, Score: math.Tanh(0.10 * rel), AgeMS: dt, PeakSize: prevSumB}
	}

	// Ask-side stack mirrors the bid side: price walks up into it.
	_, baseA, sumA := d.heavySum(p.levelsA)
	prevHeavyA, _, prevSumA := d.heavySum(prev.levelsA)
	if prevHeavyA >= d.cfg.LayerNeed &&
		p.bid-prev.bid >= 0 && p.ask-prev.ask >= 0 &&
		prevSumA > 0 && sumA <= 0.5*prevSumA && dt <= int64(d.cfg.LayerDropMS) {
		rel := prevSumA / math.Max(baseA, 1)
		v := &Verdict{Side: market.Sell, Type: PatternLayer, Score: math.Tanh(0.10 * rel), AgeMS: dt, PeakSize: prevSumA}
		if out == nil || v.Score > out.Score {
			out = v
		}
	}
	return out
}

// detectWalk counts outward best-price steps on the spoof side while price
// approaches it from the other side.
func (d *Detector) detectWalk(p point) *Verdict {
	d.steps = append(d.steps, step{t: p.t, side: market.Buy, price: p.bid}, step{t: p.t, side: market.Sell, price: p.ask})
	if len(d.steps) > 12 {
		d.steps = d.steps[len(d.steps)-12:]
	}
	if len(d.steps) < 6 || len(d.buf) < 2 {
		return nil
	}
	prev := d.buf[len(d.buf)-2]
	window := int64(d.cfg.WalkWindowMS)

	collect := func(side market.Side) []float64 {
		var ps []float64
		for _, s := range d.steps {
			if s.side == side && p.t-s.t <= window {
				ps = append(ps, s.price)
			}
		}
		if len(ps) > 6 {
			ps = ps[len(ps)-6:]
		}
		return ps
	}
	countSteps := func(seq []float64, down bool) int {
		cnt := 0
		for i := 1; i < len(seq); i++ {
			if down && seq[i] < seq[i-1] {
				cnt++
			}
			if !down && seq[i] > seq[i-1] {
				cnt++
			}
		}
		return cnt
	}
	peakSize := func(ask bool) float64 {
		start := len(d.buf) - 6
		if start < 0 {
			start = 0
		}
		m := 0.0
		for _, q := range d.buf[start:] {
			v := q.bq
			if ask {
				v = q.aq
			}
			if v > m {
				m = v
			}
		}
		return m
	}

	var out *Verdict
	if bids := collect(market.Buy); len(bids) >= 4 && prev.bid-p.bid >= 0 {
		if cnt := countSteps(bids, true); cnt >= d.cfg.WalkStepsNeed {
			out = &Verdict{Side: market.Buy, Type: PatternWalk, Score: math.Min(1, 0.2*float64(cnt)), AgeMS: window, PeakSize: peakSize(false)}
		}
	}
	if asks := collect(market.Sell); len(asks) >= 4 && p.ask-prev.ask >= 0 {
		if cnt := countSteps(asks, false); cnt >= d.cfg.WalkStepsNeed {
			v := &Verdict{Side: market.Sell, Type: PatternWalk, Score: math.Min(1, 0.2*float64(cnt)), AgeMS: window, PeakSize: peakSize(true)}
			if out == nil || v.Score > out.Score {
				out = v
			}
		}
	}
	return out
}

// detectPing matches a sub-350ms large appear/disappear followed immediately
// by an aggressive print on the opposite side.
func (d *Detector) detectPing(p point) *Verdict {
	if len(d.buf) < 2 {
		return nil
	}
	prev := d.buf[len(d.buf)-2]
	dt := p.t - prev.t
	if dt > 350 {
		return nil
	}
	meanB, meanA := d.rollingMeanSizes(d.cfg.WindowMS)
	const eps = 1e-9
	bigDrop := func(curr, before, mean float64) bool {
		m := math.Max(mean, eps)
		return before >= d.cfg.KBig*m && curr <= 0.6*m
	}

	var out *Verdict
	if bigDrop(p.bq, prev.bq, meanB) && p.lastPrintSide == market.Sell {
		rel := prev.bq / math.Max(meanB, eps)
		out = &Verdict{Side: market.Buy, Type: PatternPing, Score: math.Tanh(0.25 * rel), AgeMS: dt, PeakSize: prev.bq}
	}
	if bigDrop(p.aq, prev.aq, meanA) && p.lastPrintSide == market.Buy {
		rel := prev.aq / math.Max(meanA, eps)
		v := &Verdict{Side: market.Sell, Type: PatternPing, Score: math.Tanh(0.25 * rel), AgeMS: dt, PeakSize: prev.aq}
		if out == nil || v.Score > out.Score {
			out = v
		}
	}
	return out
}
