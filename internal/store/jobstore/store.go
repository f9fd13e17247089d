// Package jobstore persists backfill jobs and the durable leases that
// keep concurrent workers off the same (symbol, interval) pair. The
// lease row is the coordination primitive: advisory, time-bounded, and
// fail-open once expired, so a crashed worker never deadlocks a pair.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tidemark/internal/store"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// JobStatus values for backfill_jobs.status.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusPartial   = "partial"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Lease kinds. Incremental leases may preempt backfill leases.
const (
	KindBackfill    = "backfill"
	KindIncremental = "incremental"
)

type jobModel struct {
	ID             int64  `gorm:"column:id;primaryKey"`
	Symbol         string `gorm:"column:symbol;index:idx_jobs_pair,priority:1"`
	Interval       string `gorm:"column:interval;index:idx_jobs_pair,priority:2"`
	WindowStart    int64  `gorm:"column:window_start"`
	WindowEnd      int64  `gorm:"column:window_end"`
	Status         string `gorm:"column:status;index"`
	Attempts       int    `gorm:"column:attempts"`
	LeaseOwner     string `gorm:"column:lease_owner"`
	LeaseExpiresAt int64  `gorm:"column:lease_expires_at"`
	Note           string `gorm:"column:note"`
	CreatedAt      int64  `gorm:"column:created_at"`
	UpdatedAt      int64  `gorm:"column:updated_at"`
}

func (jobModel) TableName() string { return "backfill_jobs" }

type leaseModel struct {
	ID             int64  `gorm:"column:id;primaryKey"`
	Symbol         string `gorm:"column:symbol;uniqueIndex:idx_lease_pair,priority:1"`
	Interval       string `gorm:"column:interval;uniqueIndex:idx_lease_pair,priority:2"`
	Owner          string `gorm:"column:owner"`
	Kind           string `gorm:"column:kind"`
	ExpiresAt      int64  `gorm:"column:expires_at"`
	YieldRequested bool   `gorm:"column:yield_requested"`
	UpdatedAt      int64  `gorm:"column:updated_at"`
}

func (leaseModel) TableName() string { return "leases" }

// Job is one coordinated backfill attempt, retained after completion
// for audit and idempotent replay detection.
type Job struct {
	ID             int64     `json:"id"`
	Symbol         string    `json:"symbol"`
	Interval       string    `json:"interval"`
	WindowStart    int64     `json:"window_start"`
	WindowEnd      int64     `json:"window_end"`
	Status         string    `json:"status"`
	Attempts       int       `json:"attempts"`
	LeaseOwner     string    `json:"lease_owner"`
	LeaseExpiresAt int64     `json:"lease_expires_at"`
	Note           string    `json:"note,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ErrLeaseHeld is returned when an unexpired lease for the pair is
// owned by someone else. Callers join the existing job, this is not a
// failure mode.
var ErrLeaseHeld = errors.New("jobstore: lease held by another owner")

type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("jobstore: nil db")
	}
	if err := db.AutoMigrate(&jobModel{}, &leaseModel{}); err != nil {
		return nil, store.Wrap("migrate jobs", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// SetClock overrides the wall clock; tests only.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Acquire claims the (symbol, interval) lease for owner with the given
// TTL. An expired lease is taken over regardless of its old owner. If
// an unexpired lease is held by another owner: an incremental caller
// flags a backfill holder to yield and still gets ErrLeaseHeld this
// round; any other caller just gets ErrLeaseHeld.
func (s *Store) Acquire(ctx context.Context, symbol, interval, owner, kind string, ttl time.Duration) error {
	if s == nil || s.db == nil {
		return store.Wrap("acquire lease", fmt.Errorf("store not initialized"))
	}
	symbol, interval = normPair(symbol, interval)
	nowMs := s.now().UnixMilli()
	expires := nowMs + ttl.Milliseconds()
	held := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur leaseModel
		err := tx.Where("symbol = ? AND interval = ?", symbol, interval).First(&cur).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			// A racing claimant may insert between the read and here;
			// the loser must not overwrite the winner's row.
			ins := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "symbol"}, {Name: "interval"}},
				DoNothing: true,
			}).Create(&leaseModel{
				Symbol: symbol, Interval: interval,
				Owner: owner, Kind: kind, ExpiresAt: expires, UpdatedAt: nowMs,
			})
			if ins.Error != nil {
				return ins.Error
			}
			if ins.RowsAffected == 0 {
				held = true
			}
			return nil
		case err != nil:
			return err
		}
		if cur.Owner == owner || cur.ExpiresAt <= nowMs {
			cur.Owner = owner
			cur.Kind = kind
			cur.ExpiresAt = expires
			cur.YieldRequested = false
			cur.UpdatedAt = nowMs
			return tx.Save(&cur).Error
		}
		held = true
		if kind == KindIncremental && cur.Kind == KindBackfill && !cur.YieldRequested {
			cur.YieldRequested = true
			cur.UpdatedAt = nowMs
			return tx.Save(&cur).Error
		}
		return nil
	})
	if err != nil {
		return store.Wrap("acquire lease", err)
	}
	if held {
		return ErrLeaseHeld
	}
	return nil
}

// Renew extends the lease TTL; only the current owner may renew.
func (s *Store) Renew(ctx context.Context, symbol, interval, owner string, ttl time.Duration) error {
	if s == nil || s.db == nil {
		return store.Wrap("renew lease", fmt.Errorf("store not initialized"))
	}
	symbol, interval = normPair(symbol, interval)
	nowMs := s.now().UnixMilli()
	res := s.db.WithContext(ctx).Model(&leaseModel{}).
		Where("symbol = ? AND interval = ? AND owner = ?", symbol, interval, owner).
		Updates(map[string]interface{}{
			"expires_at": nowMs + ttl.Milliseconds(),
			"updated_at": nowMs,
		})
	if res.Error != nil {
		return store.Wrap("renew lease", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLeaseHeld
	}
	return nil
}

// Release drops the lease if owner still holds it. Releasing a lost
// lease is a no-op.
func (s *Store) Release(ctx context.Context, symbol, interval, owner string) error {
	if s == nil || s.db == nil {
		return store.Wrap("release lease", fmt.Errorf("store not initialized"))
	}
	symbol, interval = normPair(symbol, interval)
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND interval = ? AND owner = ?", symbol, interval, owner).
		Delete(&leaseModel{}).Error
	return store.Wrap("release lease", err)
}

// YieldRequested reports whether a higher-priority worker asked the
// current holder to pause.
func (s *Store) YieldRequested(ctx context.Context, symbol, interval, owner string) (bool, error) {
	if s == nil || s.db == nil {
		return false, store.Wrap("yield check", fmt.Errorf("store not initialized"))
	}
	symbol, interval = normPair(symbol, interval)
	var cur leaseModel
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND interval = ? AND owner = ?", symbol, interval, owner).
		First(&cur).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Lease lost (expired and taken over): treat as a yield.
		return true, nil
	}
	if err != nil {
		return false, store.Wrap("yield check", err)
	}
	return cur.YieldRequested, nil
}

// CreateJob records a new backfill job row.
func (s *Store) CreateJob(ctx context.Context, job Job) (Job, error) {
	if s == nil || s.db == nil {
		return Job{}, store.Wrap("create job", fmt.Errorf("store not initialized"))
	}
	job.Symbol, job.Interval = normPair(job.Symbol, job.Interval)
	if job.Status == "" {
		job.Status = StatusPending
	}
	now := s.now()
	m := jobModel{
		Symbol:         job.Symbol,
		Interval:       job.Interval,
		WindowStart:    job.WindowStart,
		WindowEnd:      job.WindowEnd,
		Status:         job.Status,
		Attempts:       job.Attempts,
		LeaseOwner:     job.LeaseOwner,
		LeaseExpiresAt: job.LeaseExpiresAt,
		Note:           job.Note,
		CreatedAt:      now.UnixMilli(),
		UpdatedAt:      now.UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return Job{}, store.Wrap("create job", err)
	}
	return jobModelToRecord(m), nil
}

// UpdateJob persists a status transition.
func (s *Store) UpdateJob(ctx context.Context, id int64, status string, attempts int, note string) error {
	if s == nil || s.db == nil {
		return store.Wrap("update job", fmt.Errorf("store not initialized"))
	}
	res := s.db.WithContext(ctx).Model(&jobModel{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"attempts":   attempts,
			"note":       note,
			"updated_at": s.now().UnixMilli(),
		})
	if res.Error != nil {
		return store.Wrap("update job", res.Error)
	}
	if res.RowsAffected == 0 {
		return store.Wrap("update job", gorm.ErrRecordNotFound)
	}
	return nil
}

// ActiveJob returns the pending/running job for the pair with an
// unexpired lease, if any. Used after restart to resume coordination
// from durable state.
func (s *Store) ActiveJob(ctx context.Context, symbol, interval string) (Job, bool, error) {
	if s == nil || s.db == nil {
		return Job{}, false, store.Wrap("active job", fmt.Errorf("store not initialized"))
	}
	symbol, interval = normPair(symbol, interval)
	var m jobModel
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND interval = ? AND status IN ? AND lease_expires_at > ?",
			symbol, interval, []string{StatusPending, StatusRunning}, s.now().UnixMilli()).
		Order("created_at DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, store.Wrap("active job", err)
	}
	return jobModelToRecord(m), true, nil
}

// MarkStaleRunning demotes running jobs whose lease expired (crashed
// worker) to partial so a later request replans the remainder.
func (s *Store) MarkStaleRunning(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, store.Wrap("mark stale", fmt.Errorf("store not initialized"))
	}
	res := s.db.WithContext(ctx).Model(&jobModel{}).
		Where("status IN ? AND lease_expires_at <= ?",
			[]string{StatusPending, StatusRunning}, s.now().UnixMilli()).
		Updates(map[string]interface{}{
			"status":     StatusPartial,
			"note":       "lease expired before completion",
			"updated_at": s.now().UnixMilli(),
		})
	if res.Error != nil {
		return 0, store.Wrap("mark stale", res.Error)
	}
	return res.RowsAffected, nil
}

// ListJobs returns recent jobs for inspection, newest first.
func (s *Store) ListJobs(ctx context.Context, symbol string, limit int) ([]Job, error) {
	if s == nil || s.db == nil {
		return nil, store.Wrap("list jobs", fmt.Errorf("store not initialized"))
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Model(&jobModel{})
	if sym := strings.ToUpper(strings.TrimSpace(symbol)); sym != "" {
		query = query.Where("symbol = ?", sym)
	}
	var models []jobModel
	if err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, store.Wrap("list jobs", err)
	}
	out := make([]Job, 0, len(models))
	for _, m := range models {
		out = append(out, jobModelToRecord(m))
	}
	return out, nil
}

func jobModelToRecord(m jobModel) Job {
	return Job{
		ID:             m.ID,
		Symbol:         m.Symbol,
		Interval:       m.Interval,
		WindowStart:    m.WindowStart,
		WindowEnd:      m.WindowEnd,
		Status:         m.Status,
		Attempts:       m.Attempts,
		LeaseOwner:     m.LeaseOwner,
		LeaseExpiresAt: m.LeaseExpiresAt,
		Note:           m.Note,
		CreatedAt:      time.UnixMilli(m.CreatedAt),
		UpdatedAt:      time.UnixMilli(m.UpdatedAt),
	}
}

func normPair(symbol, interval string) (string, string) {
	return strings.ToUpper(strings.TrimSpace(symbol)), strings.ToLower(strings.TrimSpace(interval))
}
