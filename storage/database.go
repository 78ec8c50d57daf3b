package storage

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ktsuji/scalpd/bus"
	"github.com/ktsuji/scalpd/exec"
	"github.com/ktsuji/scalpd/strategy"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STORAGE - Trade and decision audit trail
// ═══════════════════════════════════════════════════════════════════════════════
//
// Subscribes to execution and decision topics and persists them. Bus handlers
// only enqueue; a dedicated writer goroutine does the actual I/O so no
// dispatch cycle ever touches the disk.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Models

// FillRecord is one executed leg.
type FillRecord struct {
	ID       uint            `gorm:"primaryKey;autoIncrement"`
	Symbol   string          `gorm:"index"`
	Side     string
	Qty      decimal.Decimal `gorm:"type:decimal(20,4)"`
	Price    decimal.Decimal `gorm:"type:decimal(18,4)"`
	Kind     string          `gorm:"index"`
	PnLTicks decimal.Decimal `gorm:"type:decimal(18,4)"`
	FilledAt time.Time
	CreatedAt time.Time
}

// PositionRecord is one entry event.
type PositionRecord struct {
	ID        uint            `gorm:"primaryKey;autoIncrement"`
	Event     string
	Symbol    string          `gorm:"index"`
	Side      string
	Qty       decimal.Decimal `gorm:"type:decimal(20,4)"`
	Price     decimal.Decimal `gorm:"type:decimal(18,4)"`
	OpenedAt  time.Time
	CreatedAt time.Time
}

// DecisionRecord is one gate decision, kept for model training and review.
type DecisionRecord struct {
	ID          uint    `gorm:"primaryKey;autoIncrement"`
	Go          bool    `gorm:"index"`
	ProbTPFirst float64
	EVTicks     float64
	Reason      string
	DecidedAt   time.Time
	CreatedAt   time.Time
}

// Database wraps the gorm handle.
type Database struct {
	db *gorm.DB
}

// New opens the store. A postgres:// URL selects PostgreSQL, anything else is
// treated as a SQLite path.
func New(dbPath string) (*Database, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("💾 Database connected (PostgreSQL)")
	} else {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbPath).Msg("💾 Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&FillRecord{}, &PositionRecord{}, &DecisionRecord{}); err != nil {
		return nil, err
	}
	return &Database{db: db}, nil
}

// SaveFill persists a fill.
func (d *Database) SaveFill(r *FillRecord) error { return d.db.Create(r).Error }

// SavePosition persists an entry event.
func (d *Database) SavePosition(r *PositionRecord) error { return d.db.Create(r).Error }

// SaveDecision persists a gate decision.
func (d *Database) SaveDecision(r *DecisionRecord) error { return d.db.Create(r).Error }

// RecentFills returns the newest fills first.
func (d *Database) RecentFills(limit int) ([]FillRecord, error) {
	var fills []FillRecord
	err := d.db.Order("created_at DESC").Limit(limit).Find(&fills).Error
	return fills, err
}

// DayPnLTicks sums realized ticks for the given day.
func (d *Database) DayPnLTicks(day time.Time) (decimal.Decimal, error) {
	var fills []FillRecord
	start := day.Truncate(24 * time.Hour)
	err := d.db.Where("filled_at >= ? AND filled_at < ?", start, start.Add(24*time.Hour)).Find(&fills).Error
	if err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, f := range fills {
		sum = sum.Add(f.PnLTicks)
	}
	return sum, nil
}

// Recorder bridges the bus to the database without doing I/O inside
// handlers.
type Recorder struct {
	db     *Database
	queue  chan any
	doneCh chan struct{}
}

// NewRecorder creates a recorder around an open database.
func NewRecorder(db *Database) *Recorder {
	return &Recorder{
		db:     db,
		queue:  make(chan any, 256),
		doneCh: make(chan struct{}),
	}
}

// Bind subscribes the recorder and starts its writer goroutine.
func (r *Recorder) Bind(b *bus.Bus) {
	b.Subscribe(exec.TopicFill, func(ev bus.Event) {
		if fe, ok := ev.Payload.(exec.FillEvent); ok {
			r.enqueue(fe)
		}
	})
	b.Subscribe(exec.TopicPosition, func(ev bus.Event) {
		if pe, ok := ev.Payload.(exec.PositionEvent); ok {
			r.enqueue(pe)
		}
	})
	b.Subscribe(strategy.TopicDecision, func(ev bus.Event) {
		if de, ok := ev.Payload.(strategy.DecisionEvent); ok {
			r.enqueue(de)
		}
	})
	go r.writeLoop()
}

// enqueue never blocks a dispatch cycle; an audit row is droppable, a stalled
// bus is not.
func (r *Recorder) enqueue(item any) {
	select {
	case r.queue <- item:
	default:
		log.Warn().Msg("audit queue full, record dropped")
	}
}

// Stop flushes pending records and stops the writer.
func (r *Recorder) Stop() {
	close(r.queue)
	<-r.doneCh
}

func (r *Recorder) writeLoop() {
	defer close(r.doneCh)
	for item := range r.queue {
		var err error
		switch v := item.(type) {
		case exec.FillEvent:
			err = r.db.SaveFill(&FillRecord{
				Symbol:   v.Fill.Symbol,
				Side:     string(v.Fill.Side),
				Qty:      v.Fill.Qty,
				Price:    v.Fill.Price,
				Kind:     string(v.Fill.Kind),
				PnLTicks: v.Fill.PnLTicks,
				FilledAt: v.Fill.Time,
			})
		case exec.PositionEvent:
			err = r.db.SavePosition(&PositionRecord{
				Event:    v.Event,
				Symbol:   v.Symbol,
				Side:     string(v.Side),
				Qty:      v.Qty,
				Price:    v.Price,
				OpenedAt: v.Time,
			})
		case strategy.DecisionEvent:
			err = r.db.SaveDecision(&DecisionRecord{
				Go:          v.Go,
				ProbTPFirst: v.ProbTPFirst,
				EVTicks:     v.EVTicks,
				Reason:      v.Reason,
				DecidedAt:   v.Time,
			})
		}
		if err != nil {
			log.Error().Err(err).Msg("audit write failed")
		}
	}
}
