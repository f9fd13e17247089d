// Package candlestore is the durable, idempotent OHLCV time-series
// store. Rows are unique on (symbol, interval, timestamp); corrections
// overwrite in place.
package candlestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tidemark/internal/logger"
	"tidemark/internal/market"
	"tidemark/internal/store"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type candleModel struct {
	ID        int64   `gorm:"column:id;primaryKey"`
	Symbol    string  `gorm:"column:symbol;uniqueIndex:idx_candles_key,priority:1"`
	Interval  string  `gorm:"column:interval;uniqueIndex:idx_candles_key,priority:2"`
	Timestamp int64   `gorm:"column:timestamp;uniqueIndex:idx_candles_key,priority:3"`
	Open      float64 `gorm:"column:open"`
	High      float64 `gorm:"column:high"`
	Low       float64 `gorm:"column:low"`
	Close     float64 `gorm:"column:close"`
	Volume    float64 `gorm:"column:volume"`
	UpdatedAt int64   `gorm:"column:updated_at"`
}

func (candleModel) TableName() string { return "candles" }

// Store persists candles in SQLite via gorm.
type Store struct {
	db *gorm.DB
}

// Open initializes the candle store at path. ":memory:" style DSNs are
// accepted for tests.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("candlestore: path cannot be empty")
	}
	db, err := openGorm(path)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&candleModel{}); err != nil {
		return nil, store.Wrap("migrate candles", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing gorm handle; used when stores share one
// SQLite file.
func NewWithDB(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("candlestore: nil db")
	}
	if err := db.AutoMigrate(&candleModel{}); err != nil {
		return nil, store.Wrap("migrate candles", err)
	}
	return &Store{db: db}, nil
}

func openGorm(path string) (*gorm.DB, error) {
	if !strings.Contains(path, ":memory:") {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, store.Wrap("mkdir", err)
			}
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, store.Wrap("open sqlite", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, store.Wrap("sql db", err)
	}
	// SQLite + WAL: keep contention low while allowing concurrent readers.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return db, nil
}

// DB exposes the underlying gorm handle so sibling stores can share
// the same SQLite file.
func (s *Store) DB() *gorm.DB {
	if s == nil {
		return nil
	}
	return s.db
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertResult reports what a batch commit did.
type UpsertResult struct {
	Inserted int
	Updated  int
	Dropped  int
}

// Upsert commits a batch atomically. Duplicate keys overwrite in place
// (last write wins); re-submitting an identical batch is a no-op after
// the first call. Malformed candles are dropped and logged, the rest
// of the batch still commits.
func (s *Store) Upsert(ctx context.Context, candles []market.Candle) (UpsertResult, error) {
	var res UpsertResult
	if s == nil || s.db == nil {
		return res, store.Wrap("upsert", fmt.Errorf("store not initialized"))
	}
	valid := make([]candleModel, 0, len(candles))
	now := time.Now().UnixMilli()
	for _, c := range candles {
		if err := c.Validate(); err != nil {
			res.Dropped++
			logger.Warnf("candlestore: dropping malformed candle: %v", err)
			continue
		}
		valid = append(valid, candleModel{
			Symbol:    strings.ToUpper(strings.TrimSpace(c.Symbol)),
			Interval:  strings.ToLower(strings.TrimSpace(c.Interval)),
			Timestamp: c.Timestamp,
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
			UpdatedAt: now,
		})
	}
	if len(valid) == 0 {
		return res, nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := countExisting(tx, valid)
		if err != nil {
			return err
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "symbol"}, {Name: "interval"}, {Name: "timestamp"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"open", "high", "low", "close", "volume", "updated_at",
			}),
		}).CreateInBatches(&valid, 200).Error; err != nil {
			return err
		}
		res.Updated = existing
		res.Inserted = len(valid) - existing
		return nil
	})
	if err != nil {
		return UpsertResult{Dropped: res.Dropped}, store.Wrap("upsert", err)
	}
	return res, nil
}

func countExisting(tx *gorm.DB, batch []candleModel) (int, error) {
	total := 0
	// Bars arrive per (symbol, interval), so one range probe per pair
	// keeps this a handful of queries even for mixed batches.
	type key struct{ sym, iv string }
	byPair := make(map[key][]int64)
	for _, m := range batch {
		k := key{m.Symbol, m.Interval}
		byPair[k] = append(byPair[k], m.Timestamp)
	}
	for k, stamps := range byPair {
		var n int64
		err := tx.Model(&candleModel{}).
			Where("symbol = ? AND interval = ? AND timestamp IN ?", k.sym, k.iv, stamps).
			Count(&n).Error
		if err != nil {
			return 0, err
		}
		total += int(n)
	}
	return total, nil
}

// ReadRange returns candles with Timestamp in [from, to), ascending.
// No gap filling; callers see exactly what is stored.
func (s *Store) ReadRange(ctx context.Context, symbol, interval string, from, to int64) ([]market.Candle, error) {
	if s == nil || s.db == nil {
		return nil, store.Wrap("read range", fmt.Errorf("store not initialized"))
	}
	var models []candleModel
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND interval = ? AND timestamp >= ? AND timestamp < ?",
			strings.ToUpper(strings.TrimSpace(symbol)), strings.ToLower(strings.TrimSpace(interval)), from, to).
		Order("timestamp ASC").
		Find(&models).Error
	if err != nil {
		return nil, store.Wrap("read range", err)
	}
	out := make([]market.Candle, 0, len(models))
	for _, m := range models {
		out = append(out, market.Candle{
			Symbol:    m.Symbol,
			Interval:  m.Interval,
			Timestamp: m.Timestamp,
			Open:      m.Open,
			High:      m.High,
			Low:       m.Low,
			Close:     m.Close,
			Volume:    m.Volume,
		})
	}
	return out, nil
}

// LatestTimestamp returns the newest stored bar time for the pair.
func (s *Store) LatestTimestamp(ctx context.Context, symbol, interval string) (int64, bool, error) {
	if s == nil || s.db == nil {
		return 0, false, store.Wrap("latest timestamp", fmt.Errorf("store not initialized"))
	}
	var m candleModel
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND interval = ?",
			strings.ToUpper(strings.TrimSpace(symbol)), strings.ToLower(strings.TrimSpace(interval))).
		Order("timestamp DESC").
		First(&m).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, false, nil
		}
		return 0, false, store.Wrap("latest timestamp", err)
	}
	return m.Timestamp, true, nil
}

// CountRange counts stored bars in [from, to).
func (s *Store) CountRange(ctx context.Context, symbol, interval string, from, to int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, store.Wrap("count range", fmt.Errorf("store not initialized"))
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&candleModel{}).
		Where("symbol = ? AND interval = ? AND timestamp >= ? AND timestamp < ?",
			strings.ToUpper(strings.TrimSpace(symbol)), strings.ToLower(strings.TrimSpace(interval)), from, to).
		Count(&n).Error
	if err != nil {
		return 0, store.Wrap("count range", err)
	}
	return n, nil
}
