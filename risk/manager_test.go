package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestCanEnterHappyPath(t *testing.T) {
	m := New(DefaultConfig())
	ok, reason := m.CanEnter(d(100), time.Now())
	assert.True(t, ok)
	assert.Equal(t, ReasonOK, reason)
}

func TestCanEnterRejectsBadQty(t *testing.T) {
	m := New(DefaultConfig())

	ok, reason := m.CanEnter(decimal.Zero, time.Now())
	assert.False(t, ok)
	assert.Equal(t, ReasonBadQty, reason)

	ok, reason = m.CanEnter(d(-100), time.Now())
	assert.False(t, ok)
	assert.Equal(t, ReasonBadQty, reason)
}

func TestCanEnterRejectsOverCap(t *testing.T) {
	m := New(DefaultConfig())
	now := time.Now()
	m.OnEntryFilled(d(950), now.Add(-time.Minute))

	ok, reason := m.CanEnter(d(100), now)
	assert.False(t, ok)
	assert.Equal(t, ReasonPosLimit, reason)

	// Exactly at the cap is allowed.
	ok, _ = m.CanEnter(d(50), now)
	assert.True(t, ok)
}

func TestCanEnterCooldown(t *testing.T) {
	m := New(DefaultConfig())
	now := time.Now()
	m.OnEntryFilled(d(100), now)

	ok, reason := m.CanEnter(d(100), now.Add(time.Second))
	assert.False(t, ok)
	assert.Equal(t, ReasonCooldown, reason)

	ok, _ = m.CanEnter(d(100), now.Add(2*time.Second))
	assert.True(t, ok)
}

func TestLossStreakBlocksAndWinResets(t *testing.T) {
	m := New(DefaultConfig())
	now := time.Now()

	for i := 0; i < 5; i++ {
		m.OnEntryFilled(d(100), now.Add(-time.Hour))
		m.OnExitFilled(d(100), d(-2))
	}
	ok, reason := m.CanEnter(d(100), now)
	assert.False(t, ok)
	assert.Equal(t, ReasonLossStreak, reason)

	// One winner clears the streak.
	m.OnExitFilled(decimal.Zero, d(3))
	ok, _ = m.CanEnter(d(100), now)
	assert.True(t, ok)
}

func TestMarketHoursJST(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnforceMarketHours = true
	m := New(cfg)
	jst := time.FixedZone("JST", 9*60*60)

	// Tuesday 10:00 JST: open.
	ok, _ := m.CanEnter(d(100), time.Date(2024, 6, 4, 10, 0, 0, 0, jst))
	assert.True(t, ok)

	// Lunch break.
	ok, reason := m.CanEnter(d(100), time.Date(2024, 6, 4, 12, 0, 0, 0, jst))
	assert.False(t, ok)
	assert.Equal(t, ReasonMarketClosed, reason)

	// Saturday.
	ok, reason = m.CanEnter(d(100), time.Date(2024, 6, 8, 10, 0, 0, 0, jst))
	assert.False(t, ok)
	assert.Equal(t, ReasonMarketClosed, reason)

	// After the close.
	ok, _ = m.CanEnter(d(100), time.Date(2024, 6, 4, 15, 0, 0, 0, jst))
	assert.False(t, ok)
}

func TestCanExitAlwaysTrue(t *testing.T) {
	m := New(DefaultConfig())
	for i := 0; i < 10; i++ {
		m.OnEntryFilled(d(100), time.Now())
		m.OnExitFilled(d(100), d(-5))
	}
	ok, reason := m.CanExit()
	assert.True(t, ok)
	assert.Equal(t, ReasonOK, reason)
}

func TestBookkeeping(t *testing.T) {
	m := New(DefaultConfig())
	now := time.Now()

	m.OnEntryFilled(d(100), now)
	m.OnEntryFilled(d(200), now)
	st := m.Snapshot()
	assert.True(t, st.OpenQty.Equal(d(300)))

	m.OnExitFilled(d(100), d(3))
	m.OnExitFilled(d(200), d(-2))
	st = m.Snapshot()
	assert.True(t, st.OpenQty.IsZero())
	assert.Equal(t, 1, st.ConsecLosses)
	require.True(t, st.DayPnLTicks.Equal(d(1)))
	assert.True(t, m.DailyPnLTicks().Equal(d(1)))
}

func TestOpenQtyFloorsAtZero(t *testing.T) {
	m := New(DefaultConfig())
	m.OnExitFilled(d(100), d(1))
	assert.True(t, m.Snapshot().OpenQty.IsZero())
}
