// Package storage is an advisory secondary sink: only the ledger is the
// authoritative record, but logs and dashboards need something queryable.
// It mirrors filled trades and position snapshots into a SQL table for
// dashboards/analytics, but is never read back to reconstruct TradingState
// — replay from the ledger is the only authoritative recovery path.
//
// Backend selection (sqlite vs. postgres) is inferred from the connection
// string's prefix, so a single New(dbPath) constructor serves both.
package storage

import (
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// TradeRecord is one completed trade leg, written after a POSITION_CLOSED
// event. Advisory only: never consulted for recovery.
type TradeRecord struct {
	ID          uint `gorm:"primaryKey"`
	Symbol      string
	Side        string
	Quantity    string
	EntryPrice  string
	ExitPrice   string
	RealizedPnL string
	OpenedAt    time.Time
	ClosedAt    time.Time
}

// PositionSnapshot records what the bot believed about one open position at
// a point in time. It is written only through RecordPositionSnapshot; the
// event handlers in cmd/tradingbot do not write it.
type PositionSnapshot struct {
	ID         uint `gorm:"primaryKey"`
	Symbol     string
	Side       string
	Quantity   string
	EntryPrice string
	TakenAt    time.Time
}

// DiscrepancyRecord mirrors every MANUAL_INTERVENTION raised during
// reconciliation, for operator dashboards.
type DiscrepancyRecord struct {
	ID      uint `gorm:"primaryKey"`
	Kind    string
	Symbol  string
	Message string
	RaisedAt time.Time
}

// Store is the advisory gorm-backed sink.
type Store struct {
	db *gorm.DB
}

// New opens either a postgres store (dbPath has a "postgres://" prefix) or
// a local sqlite file otherwise.
func New(dbPath string) (*Store, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dbPath, "postgres://") {
		dialector = postgres.Open(dbPath)
	} else {
		dialector = sqlite.Open(dbPath)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&TradeRecord{}, &PositionSnapshot{}, &DiscrepancyRecord{}); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) RecordTrade(rec TradeRecord) error {
	return s.db.Create(&rec).Error
}

func (s *Store) RecordPositionSnapshot(rec PositionSnapshot) error {
	return s.db.Create(&rec).Error
}

func (s *Store) RecordDiscrepancy(rec DiscrepancyRecord) error {
	return s.db.Create(&rec).Error
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
