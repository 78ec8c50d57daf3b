package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Topics carrying normalized market data on the bus.
const (
	TopicRef   = "ref"
	TopicBest  = "best"
	TopicTape  = "tape"
	TopicDepth = "depth"
)

// Side of an order or print.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Sign returns +1 for BUY and -1 for SELL.
func (s Side) Sign() int {
	if s == Buy {
		return 1
	}
	return -1
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// RefData carries session reference values.
type RefData struct {
	Symbol        string
	PreviousClose decimal.Decimal
}

// BestQuote is the normalized top-of-book event. A zero price or quantity
// means the field was absent from the frame; consumers keep their prior value.
type BestQuote struct {
	Symbol string
	Bid    decimal.Decimal
	BidQty decimal.Decimal
	Ask    decimal.Decimal
	AskQty decimal.Decimal
	Time   time.Time
}

// TapePrint is a normalized trade print. Side is the aggressor side when the
// feed reports it, empty otherwise.
type TapePrint struct {
	Symbol string
	Price  decimal.Decimal
	Size   decimal.Decimal
	Side   Side
	Time   time.Time
}

// DepthLevel is one price level of the book, best first.
type DepthLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// DepthUpdate is an optional multi-level book event.
type DepthUpdate struct {
	Symbol string
	Bids   []DepthLevel
	Asks   []DepthLevel
	Time   time.Time
}
