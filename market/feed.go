package market

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ktsuji/scalpd/bus"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FEED - Broker push stream → normalized bus events
// ═══════════════════════════════════════════════════════════════════════════════
//
// The feed is the only place that knows about the broker's wire JSON. Field
// names drift between broker firmware versions, so every numeric is extracted
// by trying the known aliases; the rest of the system sees exactly one event
// shape per topic.
//
// ═══════════════════════════════════════════════════════════════════════════════

// FeedConfig configures the push-stream connection.
type FeedConfig struct {
	URL    string
	Symbol string
}

// Feed consumes the broker websocket and publishes ref/best/tape/depth events.
type Feed struct {
	mu      sync.Mutex
	cfg     FeedConfig
	bus     *bus.Bus
	conn    *websocket.Conn
	stopCh  chan struct{}
	running bool

	// TradingVolume arrives cumulative; per-print size is its delta.
	lastCumVol decimal.Decimal
	haveCumVol bool
}

// NewFeed creates a feed bound to the given bus.
func NewFeed(cfg FeedConfig, b *bus.Bus) *Feed {
	return &Feed{
		cfg:    cfg,
		bus:    b,
		stopCh: make(chan struct{}),
	}
}

// Start dials the push endpoint and begins publishing normalized events.
func (f *Feed) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return nil
	}

	conn, _, err := websocket.DefaultDialer.Dial(f.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("feed dial %s: %w", f.cfg.URL, err)
	}
	f.conn = conn
	f.running = true

	go f.readLoop()
	log.Info().Str("url", f.cfg.URL).Str("symbol", f.cfg.Symbol).Msg("📡 Market feed connected")
	return nil
}

// Stop closes the connection and ends the read loop.
func (f *Feed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)
	if f.conn != nil {
		f.conn.Close()
	}
	log.Info().Msg("Market feed stopped")
}

func (f *Feed) readLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		_, raw, err := f.conn.ReadMessage()
		if err != nil {
			select {
			case <-f.stopCh:
			default:
				log.Error().Err(err).Msg("feed read failed")
			}
			return
		}
		f.handleFrame(raw)
	}
}

// handleFrame publishes every event a wire frame carries. kabu station pushes
// composite frames: reference values, the last trade, the best quotes and the
// book all arrive in one message, so each section is extracted independently
// rather than first-match-wins.
func (f *Feed) handleFrame(raw []byte) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		log.Debug().Err(err).Msg("feed frame not JSON")
		return
	}

	now := time.Now()
	symbol := str(m, "symbol", "Symbol", "code", "Code")
	if symbol == "" {
		symbol = f.cfg.Symbol
	}

	if pc, ok := num(m, "PreviousClose", "previous_close", "prev_close"); ok {
		f.bus.Publish(TopicRef, RefData{Symbol: symbol, PreviousClose: pc})
	}

	if price, ok := num(m, "CurrentPrice", "price", "Price"); ok {
		size := decimal.Zero
		if v, ok := num(m, "size", "Size", "qty"); ok {
			size = v
		} else if cum, ok := num(m, "TradingVolume", "trading_volume"); ok {
			size = f.volumeDelta(cum)
		}
		side := Side("")
		switch str(m, "side", "Side") {
		case "BUY", "B", "buy":
			side = Buy
		case "SELL", "S", "sell":
			side = Sell
		}
		f.bus.Publish(TopicTape, TapePrint{Symbol: symbol, Price: price, Size: size, Side: side, Time: now})
	}

	q := BestQuote{Symbol: symbol, Time: now}
	seen := false
	if v, ok := num(m, "bid", "Bid", "BidPrice", "BuyPrice"); ok {
		q.Bid, seen = v, true
	}
	if v, ok := num(m, "bid_qty", "BidQty", "BuyQty"); ok {
		q.BidQty, seen = v, true
	}
	if v, ok := num(m, "ask", "Ask", "AskPrice", "SellPrice"); ok {
		q.Ask, seen = v, true
	}
	if v, ok := num(m, "ask_qty", "AskQty", "SellQty"); ok {
		q.AskQty, seen = v, true
	}
	if seen {
		f.bus.Publish(TopicBest, q)
	}

	if asks, bids, ok := depthLevels(m); ok {
		f.bus.Publish(TopicDepth, DepthUpdate{Symbol: symbol, Asks: asks, Bids: bids, Time: now})
	}
}

// volumeDelta converts the cumulative session volume into a per-print size.
// The first observation only sets the baseline; a shrinking value means the
// session counter reset, which re-baselines too.
func (f *Feed) volumeDelta(cum decimal.Decimal) decimal.Decimal {
	prev, had := f.lastCumVol, f.haveCumVol
	f.lastCumVol, f.haveCumVol = cum, true
	if !had || cum.LessThan(prev) {
		return decimal.Zero
	}
	return cum.Sub(prev)
}

// num tries each field-name alias in order and accepts JSON numbers or
// numeric strings. A malformed value counts as absent, never as an error.
func num(m map[string]any, keys ...string) (decimal.Decimal, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch x := v.(type) {
		case float64:
			return decimal.NewFromFloat(x), true
		case string:
			if d, err := decimal.NewFromString(x); err == nil {
				return d, true
			}
		case json.Number:
			if d, err := decimal.NewFromString(x.String()); err == nil {
				return d, true
			}
		}
	}
	return decimal.Zero, false
}

func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			return s
		}
	}
	return ""
}

func depthLevels(m map[string]any) (asks, bids []DepthLevel, ok bool) {
	asks = arrayLevels(m, "asks", "Asks")
	if asks == nil {
		asks = numberedLevels(m, "Sell")
	}
	bids = arrayLevels(m, "bids", "Bids")
	if bids == nil {
		bids = numberedLevels(m, "Buy")
	}
	return asks, bids, len(asks) > 0 || len(bids) > 0
}

func arrayLevels(m map[string]any, keys ...string) []DepthLevel {
	for _, k := range keys {
		arr, ok := m[k].([]any)
		if !ok {
			continue
		}
		levels := make([]DepthLevel, 0, len(arr))
		for _, e := range arr {
			lm, ok := e.(map[string]any)
			if !ok {
				continue
			}
			p, pok := num(lm, "price", "Price")
			q, qok := num(lm, "qty", "Qty", "quantity")
			if pok && qok {
				levels = append(levels, DepthLevel{Price: p, Qty: q})
			}
		}
		if len(levels) > 0 {
			return levels
		}
	}
	return nil
}

// numberedLevels parses the object-per-level book kabu pushes: Sell1..Sell10
// and Buy1..Buy10, best first, each {"Price":..,"Qty":..}.
func numberedLevels(m map[string]any, prefix string) []DepthLevel {
	var levels []DepthLevel
	for i := 1; i <= 10; i++ {
		lm, ok := m[fmt.Sprintf("%s%d", prefix, i)].(map[string]any)
		if !ok {
			break
		}
		p, pok := num(lm, "Price", "price")
		q, qok := num(lm, "Qty", "qty", "quantity")
		if !pok || !qok {
			break
		}
		levels = append(levels, DepthLevel{Price: p, Qty: q})
	}
	return levels
}
