package exec

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ktsuji/scalpd/market"
)

// FillKind tags the leg that produced a fill.
type FillKind string

const (
	FillEntry  FillKind = "ENTRY"
	FillTP     FillKind = "EXIT_TP"
	FillSL     FillKind = "EXIT_SL"
	FillTrail  FillKind = "EXIT_TRAIL"
	FillManual FillKind = "EXIT_MANUAL"
)

// Position is one open exposure with its bracket parameters. Created on the
// entry fill, mutated on every quote while open, removed on the exit fill.
// The engine is its only writer.
type Position struct {
	Symbol    string
	Side      market.Side
	Qty       decimal.Decimal
	EntryPx   decimal.Decimal
	EntryTime time.Time

	TPTicks      int
	SLTicks      int
	Trail        bool
	TrailTrigger int
	TrailGap     int

	// Trailing state. TrailStop is zero until armed and only ever tightens.
	PeakTicks decimal.Decimal
	TrailStop decimal.Decimal
}

// Fill is one executed leg. Append-only.
type Fill struct {
	Symbol   string
	Side     market.Side
	Qty      decimal.Decimal
	Price    decimal.Decimal
	Time     time.Time
	Kind     FillKind
	PnLTicks decimal.Decimal // zero for entries
}

// Ledger holds the open positions, the fill history and running realized
// P&L. The execution engine is the sole writer.
type Ledger struct {
	positions     []*Position
	fills         []Fill
	realizedTicks decimal.Decimal
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger { return &Ledger{} }

// Add opens a position.
func (l *Ledger) Add(p *Position) { l.positions = append(l.positions, p) }

// Positions returns the open positions. Callers must not retain the slice
// across engine cycles.
func (l *Ledger) Positions() []*Position { return l.positions }

// Record appends a fill and, for exit kinds, removes the matching position
// and accumulates realized P&L.
func (l *Ledger) Record(f Fill, pos *Position) {
	l.fills = append(l.fills, f)
	if f.Kind == FillEntry || pos == nil {
		return
	}
	for i, p := range l.positions {
		if p == pos {
			l.positions = append(l.positions[:i], l.positions[i+1:]...)
			break
		}
	}
	l.realizedTicks = l.realizedTicks.Add(f.PnLTicks)
}

// RealizedTicks is the accumulated realized P&L in ticks.
func (l *Ledger) RealizedTicks() decimal.Decimal { return l.realizedTicks }

// FillCount returns the number of recorded fills.
func (l *Ledger) FillCount() int { return len(l.fills) }

// Fills returns the fill history.
func (l *Ledger) Fills() []Fill { return l.fills }
