package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK MANAGER - Pre-trade admission + post-fill bookkeeping
// ═══════════════════════════════════════════════════════════════════════════════
//
// Entries pass through CanEnter; exits are never blocked — closing risk must
// always be possible. A violation is a typed rejection reason, not an error.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Reason is a typed rejection cause.
type Reason string

const (
	ReasonOK           Reason = "ok"
	ReasonMarketClosed Reason = "market_closed"
	ReasonBadQty       Reason = "qty<=0"
	ReasonPosLimit     Reason = "pos_limit"
	ReasonLossStreak   Reason = "too_many_losses"
	ReasonCooldown     Reason = "cooldown"
)

// Config tunes the admission caps.
type Config struct {
	MaxPosQty          decimal.Decimal
	MaxConsecLosses    int
	Cooldown           time.Duration
	EnforceMarketHours bool // restrict entries to the JST cash session

	WarnDrawdownTicks float64 // soft limit, log only
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxPosQty:         decimal.NewFromInt(1000),
		MaxConsecLosses:   5,
		Cooldown:          2 * time.Second,
		WarnDrawdownTicks: 50,
	}
}

// State is a read-only snapshot of the counters.
type State struct {
	OpenQty      decimal.Decimal
	ConsecLosses int
	DayPnLTicks  decimal.Decimal
}

// Manager holds process-wide risk counters. Mutated only via the fill
// callbacks; safe for concurrent readers.
type Manager struct {
	cfg Config
	loc *time.Location

	mu           sync.Mutex
	openQty      decimal.Decimal
	lastEntry    time.Time
	consecLosses int
	dayPnLTicks  decimal.Decimal
	warned       bool
}

// New creates a manager.
func New(cfg Config) *Manager {
	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		loc = time.FixedZone("JST", 9*60*60)
	}
	return &Manager{cfg: cfg, loc: loc}
}

// marketOpen is a coarse JST cash-session check: weekdays, morning and
// afternoon sessions only.
func (m *Manager) marketOpen(now time.Time) bool {
	if !m.cfg.EnforceMarketHours {
		return true
	}
	t := now.In(m.loc)
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	hm := t.Hour()*100 + t.Minute()
	return (hm >= 900 && hm < 1130) || (hm >= 1230 && hm < 1500)
}

// CanEnter checks one proposed entry. The first failing check wins.
func (m *Manager) CanEnter(qty decimal.Decimal, now time.Time) (bool, Reason) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.marketOpen(now) {
		return false, ReasonMarketClosed
	}
	if !qty.IsPositive() {
		return false, ReasonBadQty
	}
	if m.openQty.Add(qty).GreaterThan(m.cfg.MaxPosQty) {
		return false, ReasonPosLimit
	}
	if m.consecLosses >= m.cfg.MaxConsecLosses {
		return false, ReasonLossStreak
	}
	if !m.lastEntry.IsZero() && now.Sub(m.lastEntry) < m.cfg.Cooldown {
		return false, ReasonCooldown
	}
	return true, ReasonOK
}

// CanExit never blocks: closing risk is always allowed.
func (m *Manager) CanExit() (bool, Reason) {
	return true, ReasonOK
}

// OnEntryFilled records an entry fill.
func (m *Manager) OnEntryFilled(qty decimal.Decimal, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openQty = m.openQty.Add(qty)
	m.lastEntry = now
}

// OnExitFilled records an exit fill: open quantity down, daily P&L updated,
// loss streak reset on a non-negative result.
func (m *Manager) OnExitFilled(qty decimal.Decimal, pnlTicks decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.openQty = m.openQty.Sub(qty)
	if m.openQty.IsNegative() {
		m.openQty = decimal.Zero
	}
	m.dayPnLTicks = m.dayPnLTicks.Add(pnlTicks)
	if pnlTicks.IsNegative() {
		m.consecLosses++
	} else {
		m.consecLosses = 0
	}

	if !m.warned && m.dayPnLTicks.IsNegative() &&
		m.dayPnLTicks.Neg().GreaterThanOrEqual(decimal.NewFromFloat(m.cfg.WarnDrawdownTicks)) {
		m.warned = true
		log.Warn().Str("day_pnl_ticks", m.dayPnLTicks.String()).Msg("⚠️ Drawdown soft limit reached")
	}
}

// Snapshot returns the current counters.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		OpenQty:      m.openQty,
		ConsecLosses: m.consecLosses,
		DayPnLTicks:  m.dayPnLTicks,
	}
}

// DailyPnLTicks returns the accumulated day P&L in ticks.
func (m *Manager) DailyPnLTicks() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dayPnLTicks
}
