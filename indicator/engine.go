package indicator

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ktsuji/scalpd/bus"
	"github.com/ktsuji/scalpd/market"
)

// ═══════════════════════════════════════════════════════════════════════════════
// INDICATOR ENGINE - Incremental features from quote/trade events
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every update is O(1) amortized and never blocks. The bus worker is the
// single writer, but the policy loop reads Snapshot/RecentReturn from its own
// goroutine, so all state sits behind a mutex.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	smaWindow     = 25
	rsiPeriod     = 14
	pushWindowSec = 60
	priceHistCap  = 800
)

// Bar is one five-minute OHLC bar. Bucket is the epoch minute of the bar
// start, always a multiple of 5.
type Bar struct {
	Bucket int64
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
}

// Snapshot is an immutable point-in-time view for the strategy. Price fields
// are zero when not yet observed; derived values carry an explicit OK flag
// because zero is a legitimate value for them.
type Snapshot struct {
	Symbol string
	Time   time.Time

	LastPrice decimal.Decimal
	PrevClose decimal.Decimal
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	BidQty    decimal.Decimal
	AskQty    decimal.Decimal
	Spread    decimal.Decimal

	Imbalance    decimal.Decimal
	ImbalanceOK  bool
	Microprice   decimal.Decimal
	MicropriceOK bool
	VWAP         decimal.Decimal

	PushRate int // events observed in the trailing 60s

	Bars []Bar

	SMA25      decimal.Decimal
	SMA25OK    bool
	MACD       decimal.Decimal
	MACDSignal decimal.Decimal
	MACDOK     bool
	RSI14      decimal.Decimal
	RSIOK      bool

	SwingHigherLows bool
	SwingLowerHighs bool
	SwingOK         bool
}

// HasQuotes reports whether both sides of the book have been seen.
func (s Snapshot) HasQuotes() bool {
	return !s.BestBid.IsZero() && !s.BestAsk.IsZero()
}

// ema is an incremental exponential moving average.
type ema struct {
	k     decimal.Decimal
	val   decimal.Decimal
	ready bool
}

func newEMA(n int) *ema {
	return &ema{k: decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(n + 1)))}
}

func (e *ema) update(x decimal.Decimal) decimal.Decimal {
	if !e.ready {
		e.val = x
		e.ready = true
	} else {
		e.val = e.val.Add(e.k.Mul(x.Sub(e.val)))
	}
	return e.val
}

type pricePoint struct {
	t  time.Time
	px decimal.Decimal
}

// Engine accumulates indicator state for one symbol.
type Engine struct {
	symbol      string
	lookbackMin int64

	mu sync.Mutex

	prevClose decimal.Decimal
	lastPrice decimal.Decimal
	bestBid   decimal.Decimal
	bestAsk   decimal.Decimal
	bidQty    decimal.Decimal
	askQty    decimal.Decimal

	cumTurnover decimal.Decimal
	cumVolume   decimal.Decimal
	vwap        decimal.Decimal

	pushTimes []time.Time
	bars      []Bar

	ema12  *ema
	ema26  *ema
	emaSig *ema
	macd   decimal.Decimal
	macdSg decimal.Decimal
	macdOK bool

	rsiAvgGain decimal.Decimal
	rsiAvgLoss decimal.Decimal
	rsiReady   bool
	rsi        decimal.Decimal
	rsiOK      bool
	lastClose  decimal.Decimal
	haveClose  bool

	closes []decimal.Decimal // trailing SMA window

	pxHist []pricePoint
}

// NewEngine creates an engine for one symbol. lookbackMin bounds the retained
// bar history.
func NewEngine(symbol string, lookbackMin int) *Engine {
	e := &Engine{symbol: symbol, lookbackMin: int64(lookbackMin)}
	e.reset()
	return e
}

// Reset clears all accumulated state; replaying the same event sequence after
// a reset reproduces the same indicator values.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reset()
}

func (e *Engine) reset() {
	e.prevClose = decimal.Zero
	e.lastPrice = decimal.Zero
	e.bestBid, e.bestAsk = decimal.Zero, decimal.Zero
	e.bidQty, e.askQty = decimal.Zero, decimal.Zero
	e.cumTurnover, e.cumVolume, e.vwap = decimal.Zero, decimal.Zero, decimal.Zero
	e.pushTimes = nil
	e.bars = nil
	e.ema12, e.ema26, e.emaSig = newEMA(12), newEMA(26), newEMA(9)
	e.macdOK = false
	e.rsiAvgGain, e.rsiAvgLoss = decimal.Zero, decimal.Zero
	e.rsiReady, e.rsiOK, e.haveClose = false, false, false
	e.closes = nil
	e.pxHist = nil
}

// Bind subscribes the engine to the market-data topics.
func (e *Engine) Bind(b *bus.Bus) {
	b.Subscribe(market.TopicRef, func(ev bus.Event) {
		if r, ok := ev.Payload.(market.RefData); ok {
			e.FeedRef(r)
		}
	})
	b.Subscribe(market.TopicBest, func(ev bus.Event) {
		if q, ok := ev.Payload.(market.BestQuote); ok {
			e.FeedBest(q)
		}
	})
	b.Subscribe(market.TopicTape, func(ev bus.Event) {
		if t, ok := ev.Payload.(market.TapePrint); ok {
			e.FeedTrade(t)
		}
	})
}

// FeedRef stores the previous session close.
func (e *Engine) FeedRef(r market.RefData) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.PreviousClose.IsPositive() {
		e.prevClose = r.PreviousClose
	}
}

// FeedBest applies a top-of-book update. Absent (zero) fields keep the prior
// value.
func (e *Engine) FeedBest(q market.BestQuote) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if q.Bid.IsPositive() {
		e.bestBid = q.Bid
	}
	if q.Ask.IsPositive() {
		e.bestAsk = q.Ask
	}
	if q.BidQty.IsPositive() {
		e.bidQty = q.BidQty
	}
	if q.AskQty.IsPositive() {
		e.askQty = q.AskQty
	}
	e.markPush(q.Time)
}

// FeedTrade applies a trade print: VWAP, last price, bars and bar-close
// technicals.
func (e *Engine) FeedTrade(t market.TapePrint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !t.Price.IsPositive() {
		return
	}
	if t.Size.IsPositive() {
		e.cumTurnover = e.cumTurnover.Add(t.Price.Mul(t.Size))
		e.cumVolume = e.cumVolume.Add(t.Size)
		if e.cumVolume.IsPositive() {
			e.vwap = e.cumTurnover.Div(e.cumVolume)
		}
	}

	e.lastPrice = t.Price
	ts := t.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	e.pxHist = append(e.pxHist, pricePoint{t: ts, px: t.Price})
	if len(e.pxHist) > priceHistCap {
		e.pxHist = e.pxHist[len(e.pxHist)-priceHistCap:]
	}
	e.markPush(ts)

	e.updateBar(t.Price, ts)
	e.updateTechnicals()
}

func (e *Engine) markPush(ts time.Time) {
	if ts.IsZero() {
		ts = time.Now()
	}
	e.pushTimes = append(e.pushTimes, ts)
	cutoff := ts.Add(-pushWindowSec * time.Second)
	i := 0
	for i < len(e.pushTimes) && e.pushTimes[i].Before(cutoff) {
		i++
	}
	e.pushTimes = e.pushTimes[i:]
}

func (e *Engine) updateBar(px decimal.Decimal, ts time.Time) {
	bucket := (ts.Unix() / 60 / 5) * 5
	if len(e.bars) == 0 || e.bars[len(e.bars)-1].Bucket != bucket {
		// New bucket: prune bars outside the lookback before appending.
		cutoff := ts.Unix()/60 - e.lookbackMin
		kept := e.bars[:0]
		for _, b := range e.bars {
			if b.Bucket >= cutoff {
				kept = append(kept, b)
			}
		}
		e.bars = append(kept, Bar{Bucket: bucket, Open: px, High: px, Low: px, Close: px})
		return
	}
	b := &e.bars[len(e.bars)-1]
	if px.GreaterThan(b.High) {
		b.High = px
	}
	if px.LessThan(b.Low) {
		b.Low = px
	}
	b.Close = px
}

// updateTechnicals recomputes the bar-close indicators after every print.
func (e *Engine) updateTechnicals() {
	if len(e.bars) == 0 {
		return
	}
	c := e.bars[len(e.bars)-1].Close

	e.closes = append(e.closes, c)
	if len(e.closes) > smaWindow {
		e.closes = e.closes[len(e.closes)-smaWindow:]
	}

	m12 := e.ema12.update(c)
	m26 := e.ema26.update(c)
	e.macd = m12.Sub(m26)
	e.macdSg = e.emaSig.update(e.macd)
	e.macdOK = true

	if !e.haveClose {
		e.lastClose = c
		e.haveClose = true
		return
	}
	ch := c.Sub(e.lastClose)
	gain, loss := decimal.Zero, decimal.Zero
	if ch.IsPositive() {
		gain = ch
	} else {
		loss = ch.Neg()
	}
	if !e.rsiReady {
		e.rsiAvgGain, e.rsiAvgLoss = gain, loss
		e.rsiReady = true
	} else {
		n := decimal.NewFromInt(rsiPeriod)
		nm1 := decimal.NewFromInt(rsiPeriod - 1)
		e.rsiAvgGain = e.rsiAvgGain.Mul(nm1).Add(gain).Div(n)
		e.rsiAvgLoss = e.rsiAvgLoss.Mul(nm1).Add(loss).Div(n)
	}
	e.lastClose = c

	hundred := decimal.NewFromInt(100)
	if e.rsiAvgLoss.IsZero() {
		e.rsi = hundred
	} else {
		rs := e.rsiAvgGain.Div(e.rsiAvgLoss)
		e.rsi = hundred.Sub(hundred.Div(decimal.NewFromInt(1).Add(rs)))
	}
	e.rsiOK = true
}

// Imbalance returns (bidQty-askQty)/(bidQty+askQty), or false when either
// quantity is missing or the denominator is zero.
func (e *Engine) Imbalance() (decimal.Decimal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.imbalance()
}

func (e *Engine) imbalance() (decimal.Decimal, bool) {
	if !e.bidQty.IsPositive() || !e.askQty.IsPositive() {
		return decimal.Zero, false
	}
	den := e.bidQty.Add(e.askQty)
	if !den.IsPositive() {
		return decimal.Zero, false
	}
	return e.bidQty.Sub(e.askQty).Div(den), true
}

// Microprice returns the quantity-weighted fair price between the best
// quotes, or false on any missing input.
func (e *Engine) Microprice() (decimal.Decimal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.microprice()
}

func (e *Engine) microprice() (decimal.Decimal, bool) {
	if !e.bestBid.IsPositive() || !e.bestAsk.IsPositive() ||
		!e.bidQty.IsPositive() || !e.askQty.IsPositive() {
		return decimal.Zero, false
	}
	den := e.bidQty.Add(e.askQty)
	if !den.IsPositive() {
		return decimal.Zero, false
	}
	num := e.bestAsk.Mul(e.bidQty).Add(e.bestBid.Mul(e.askQty))
	return num.Div(den), true
}

// PushRate returns the number of events in the trailing 60 seconds.
func (e *Engine) PushRate() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pushTimes)
}

// RecentReturn is the price change over the trailing window: last price minus
// the newest price at least `window` old. Zero when history is insufficient.
func (e *Engine) RecentReturn(window time.Duration) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pxHist) == 0 || e.lastPrice.IsZero() {
		return decimal.Zero
	}
	now := e.pxHist[len(e.pxHist)-1].t
	base := e.pxHist[0].px
	for i := len(e.pxHist) - 1; i >= 0; i-- {
		if !e.pxHist[i].t.After(now.Add(-window)) {
			base = e.pxHist[i].px
			break
		}
	}
	return e.lastPrice.Sub(base)
}

// Snapshot builds an immutable view of the current state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{
		Symbol:    e.symbol,
		Time:      time.Now(),
		LastPrice: e.lastPrice,
		PrevClose: e.prevClose,
		BestBid:   e.bestBid,
		BestAsk:   e.bestAsk,
		BidQty:    e.bidQty,
		AskQty:    e.askQty,
		VWAP:      e.vwap,
		PushRate:  len(e.pushTimes),
	}
	if s.HasQuotes() {
		sp := e.bestAsk.Sub(e.bestBid)
		if sp.IsNegative() {
			sp = decimal.Zero
		}
		s.Spread = sp
	}
	s.Imbalance, s.ImbalanceOK = e.imbalance()
	s.Microprice, s.MicropriceOK = e.microprice()

	s.Bars = make([]Bar, len(e.bars))
	copy(s.Bars, e.bars)

	if len(e.closes) == smaWindow {
		sum := decimal.Zero
		for _, c := range e.closes {
			sum = sum.Add(c)
		}
		s.SMA25 = sum.Div(decimal.NewFromInt(smaWindow))
		s.SMA25OK = true
	}
	s.MACD, s.MACDSignal, s.MACDOK = e.macd, e.macdSg, e.macdOK
	s.RSI14, s.RSIOK = e.rsi, e.rsiOK

	if n := len(e.bars); n >= 3 {
		l0, l1, l2 := e.bars[n-3].Low, e.bars[n-2].Low, e.bars[n-1].Low
		h0, h1, h2 := e.bars[n-3].High, e.bars[n-2].High, e.bars[n-1].High
		s.SwingHigherLows = l0.LessThan(l1) && l1.LessThan(l2)
		s.SwingLowerHighs = h0.GreaterThan(h1) && h1.GreaterThan(h2)
		s.SwingOK = true
	}
	return s
}
