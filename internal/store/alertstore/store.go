// Package alertstore persists user alerts, their evaluation state and
// the triggers they emit. Evaluation state lives in explicit columns
// so a restart resumes throttling exactly where it left off.
package alertstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tidemark/internal/store"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Throttle modes.
const (
	ThrottleNone       = "none"
	ThrottleOncePerBar = "once_per_bar"
	ThrottleOncePerDay = "once_per_day"
)

// Delivery statuses for triggers.
const (
	DeliveryPending = "pending"
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
)

type alertModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	Symbol        string         `gorm:"column:symbol;index"`
	Interval      string         `gorm:"column:interval"`
	Condition     string         `gorm:"column:condition"`
	Threshold     float64        `gorm:"column:threshold"`
	ThrottleMode  string         `gorm:"column:throttle_mode"`
	Params        datatypes.JSON `gorm:"column:params"`
	Enabled       bool           `gorm:"column:enabled;index"`
	Deferred      bool           `gorm:"column:deferred"`
	CooldownUntil int64          `gorm:"column:cooldown_until"`
	PrevValue     *float64       `gorm:"column:prev_value"`
	PrevDelta     *float64       `gorm:"column:prev_delta"`
	PrevBarTs     int64          `gorm:"column:prev_bar_ts"`
	LastTrigBar   int64          `gorm:"column:last_trigger_bar"`
	LastTrigDay   string         `gorm:"column:last_trigger_day"`
	CreatedAt     int64          `gorm:"column:created_at"`
	UpdatedAt     int64          `gorm:"column:updated_at"`
}

func (alertModel) TableName() string { return "alerts" }

type triggerModel struct {
	ID             int64          `gorm:"column:id;primaryKey"`
	AlertID        int64          `gorm:"column:alert_id;uniqueIndex:idx_trigger_bar,priority:1"`
	BarTs          int64          `gorm:"column:bar_ts;uniqueIndex:idx_trigger_bar,priority:2"`
	TriggeredAt    int64          `gorm:"column:triggered_at"`
	ValueAtTrigger float64        `gorm:"column:value_at_trigger"`
	DeliveryStatus string         `gorm:"column:delivery_status;index"`
	Payload        datatypes.JSON `gorm:"column:payload"`
}

func (triggerModel) TableName() string { return "alert_triggers" }

// Alert is a user-defined watch condition.
type Alert struct {
	ID            int64             `json:"id"`
	Symbol        string            `json:"symbol"`
	Interval      string            `json:"interval"`
	Condition     string            `json:"condition"`
	Threshold     float64           `json:"threshold"`
	ThrottleMode  string            `json:"throttle_mode"`
	Params        map[string]string `json:"params,omitempty"`
	Enabled       bool              `json:"enabled"`
	Deferred      bool              `json:"deferred"`
	CooldownUntil int64             `json:"cooldown_until"`
	PrevValue     *float64          `json:"-"`
	PrevDelta     *float64          `json:"-"`
	PrevBarTs     int64             `json:"-"`
	LastTrigBar   int64             `json:"-"`
	LastTrigDay   string            `json:"-"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Trigger is one firing record, consumed read-only by the dispatcher.
type Trigger struct {
	ID             int64     `json:"id"`
	AlertID        int64     `json:"alert_id"`
	BarTs          int64     `json:"bar_ts"`
	TriggeredAt    time.Time `json:"triggered_at"`
	ValueAtTrigger float64   `json:"value_at_trigger"`
	DeliveryStatus string    `json:"delivery_status"`
	Payload        []byte    `json:"payload,omitempty"`
}

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("alertstore: nil db")
	}
	if err := db.AutoMigrate(&alertModel{}, &triggerModel{}); err != nil {
		return nil, store.Wrap("migrate alerts", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) CreateAlert(ctx context.Context, a Alert) (Alert, error) {
	if s == nil || s.db == nil {
		return Alert{}, store.Wrap("create alert", fmt.Errorf("store not initialized"))
	}
	now := time.Now().UnixMilli()
	m := alertToModel(a)
	m.ID = 0
	m.CreatedAt = now
	m.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return Alert{}, store.Wrap("create alert", err)
	}
	return modelToAlert(m), nil
}

func (s *Store) UpdateAlert(ctx context.Context, a Alert) error {
	if s == nil || s.db == nil {
		return store.Wrap("update alert", fmt.Errorf("store not initialized"))
	}
	if a.ID <= 0 {
		return fmt.Errorf("alert id required")
	}
	m := alertToModel(a)
	m.UpdatedAt = time.Now().UnixMilli()
	res := s.db.WithContext(ctx).Model(&alertModel{}).
		Where("id = ?", a.ID).
		Updates(map[string]interface{}{
			"symbol":        m.Symbol,
			"interval":      m.Interval,
			"condition":     m.Condition,
			"threshold":     m.Threshold,
			"throttle_mode": m.ThrottleMode,
			"params":        m.Params,
			"enabled":       m.Enabled,
			"deferred":      m.Deferred,
			"updated_at":    m.UpdatedAt,
		})
	if res.Error != nil {
		return store.Wrap("update alert", res.Error)
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *Store) DeleteAlert(ctx context.Context, id int64) error {
	if s == nil || s.db == nil {
		return store.Wrap("delete alert", fmt.Errorf("store not initialized"))
	}
	return store.Wrap("delete alert",
		s.db.WithContext(ctx).Where("id = ?", id).Delete(&alertModel{}).Error)
}

func (s *Store) GetAlert(ctx context.Context, id int64) (Alert, bool, error) {
	if s == nil || s.db == nil {
		return Alert{}, false, store.Wrap("get alert", fmt.Errorf("store not initialized"))
	}
	var m alertModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Alert{}, false, nil
	}
	if err != nil {
		return Alert{}, false, store.Wrap("get alert", err)
	}
	return modelToAlert(m), true, nil
}

// ListEnabled returns enabled alerts, optionally restricted to one
// symbol. Pass "" for all symbols.
func (s *Store) ListEnabled(ctx context.Context, symbol string) ([]Alert, error) {
	if s == nil || s.db == nil {
		return nil, store.Wrap("list alerts", fmt.Errorf("store not initialized"))
	}
	query := s.db.WithContext(ctx).Where("enabled = ?", true)
	if sym := strings.ToUpper(strings.TrimSpace(symbol)); sym != "" {
		query = query.Where("symbol = ?", sym)
	}
	var models []alertModel
	if err := query.Order("id ASC").Find(&models).Error; err != nil {
		return nil, store.Wrap("list alerts", err)
	}
	out := make([]Alert, 0, len(models))
	for _, m := range models {
		out = append(out, modelToAlert(m))
	}
	return out, nil
}

func (s *Store) ListAll(ctx context.Context, limit int) ([]Alert, error) {
	if s == nil || s.db == nil {
		return nil, store.Wrap("list alerts", fmt.Errorf("store not initialized"))
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var models []alertModel
	if err := s.db.WithContext(ctx).Order("id ASC").Limit(limit).Find(&models).Error; err != nil {
		return nil, store.Wrap("list alerts", err)
	}
	out := make([]Alert, 0, len(models))
	for _, m := range models {
		out = append(out, modelToAlert(m))
	}
	return out, nil
}

// SaveEvalState persists the per-alert throttling/crossing state after
// an evaluation pass. Only the engine calls this.
func (s *Store) SaveEvalState(ctx context.Context, a Alert) error {
	if s == nil || s.db == nil {
		return store.Wrap("save eval state", fmt.Errorf("store not initialized"))
	}
	return store.Wrap("save eval state",
		s.db.WithContext(ctx).Model(&alertModel{}).
			Where("id = ?", a.ID).
			Updates(map[string]interface{}{
				"cooldown_until":   a.CooldownUntil,
				"prev_value":       a.PrevValue,
				"prev_delta":       a.PrevDelta,
				"prev_bar_ts":      a.PrevBarTs,
				"last_trigger_bar": a.LastTrigBar,
				"last_trigger_day": a.LastTrigDay,
				"updated_at":       time.Now().UnixMilli(),
			}).Error)
}

// InsertTrigger records a firing. The (alert_id, bar_ts) unique index
// makes reprocessed bars a no-op; the bool result reports whether a
// new row was created.
func (s *Store) InsertTrigger(ctx context.Context, t Trigger) (Trigger, bool, error) {
	if s == nil || s.db == nil {
		return Trigger{}, false, store.Wrap("insert trigger", fmt.Errorf("store not initialized"))
	}
	if t.DeliveryStatus == "" {
		t.DeliveryStatus = DeliveryPending
	}
	if t.TriggeredAt.IsZero() {
		t.TriggeredAt = time.Now()
	}
	m := triggerModel{
		AlertID:        t.AlertID,
		BarTs:          t.BarTs,
		TriggeredAt:    t.TriggeredAt.UnixMilli(),
		ValueAtTrigger: t.ValueAtTrigger,
		DeliveryStatus: t.DeliveryStatus,
		Payload:        datatypes.JSON(t.Payload),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "alert_id"}, {Name: "bar_ts"}},
		DoNothing: true,
	}).Create(&m)
	if res.Error != nil {
		return Trigger{}, false, store.Wrap("insert trigger", res.Error)
	}
	t.ID = m.ID
	return t, res.RowsAffected > 0, nil
}

func (s *Store) ListTriggers(ctx context.Context, alertID int64, limit int) ([]Trigger, error) {
	if s == nil || s.db == nil {
		return nil, store.Wrap("list triggers", fmt.Errorf("store not initialized"))
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Model(&triggerModel{})
	if alertID > 0 {
		query = query.Where("alert_id = ?", alertID)
	}
	var models []triggerModel
	if err := query.Order("triggered_at DESC, id DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, store.Wrap("list triggers", err)
	}
	out := make([]Trigger, 0, len(models))
	for _, m := range models {
		out = append(out, Trigger{
			ID:             m.ID,
			AlertID:        m.AlertID,
			BarTs:          m.BarTs,
			TriggeredAt:    time.UnixMilli(m.TriggeredAt),
			ValueAtTrigger: m.ValueAtTrigger,
			DeliveryStatus: m.DeliveryStatus,
			Payload:        []byte(m.Payload),
		})
	}
	return out, nil
}

// SetDeliveryStatus records the dispatcher's outcome for a trigger.
func (s *Store) SetDeliveryStatus(ctx context.Context, triggerID int64, status string) error {
	if s == nil || s.db == nil {
		return store.Wrap("set delivery status", fmt.Errorf("store not initialized"))
	}
	return store.Wrap("set delivery status",
		s.db.WithContext(ctx).Model(&triggerModel{}).
			Where("id = ?", triggerID).
			Update("delivery_status", status).Error)
}

func alertToModel(a Alert) alertModel {
	var params datatypes.JSON
	if len(a.Params) > 0 {
		raw, _ := json.Marshal(a.Params)
		params = datatypes.JSON(raw)
	}
	return alertModel{
		ID:            a.ID,
		Symbol:        strings.ToUpper(strings.TrimSpace(a.Symbol)),
		Interval:      strings.ToLower(strings.TrimSpace(a.Interval)),
		Condition:     strings.ToLower(strings.TrimSpace(a.Condition)),
		Threshold:     a.Threshold,
		ThrottleMode:  normThrottle(a.ThrottleMode),
		Params:        params,
		Enabled:       a.Enabled,
		Deferred:      a.Deferred,
		CooldownUntil: a.CooldownUntil,
		PrevValue:     a.PrevValue,
		PrevDelta:     a.PrevDelta,
		PrevBarTs:     a.PrevBarTs,
		LastTrigBar:   a.LastTrigBar,
		LastTrigDay:   a.LastTrigDay,
	}
}

func modelToAlert(m alertModel) Alert {
	var params map[string]string
	if len(m.Params) > 0 {
		_ = json.Unmarshal(m.Params, &params)
	}
	return Alert{
		ID:            m.ID,
		Symbol:        m.Symbol,
		Interval:      m.Interval,
		Condition:     m.Condition,
		Threshold:     m.Threshold,
		ThrottleMode:  m.ThrottleMode,
		Params:        params,
		Enabled:       m.Enabled,
		Deferred:      m.Deferred,
		CooldownUntil: m.CooldownUntil,
		PrevValue:     m.PrevValue,
		PrevDelta:     m.PrevDelta,
		PrevBarTs:     m.PrevBarTs,
		LastTrigBar:   m.LastTrigBar,
		LastTrigDay:   m.LastTrigDay,
		CreatedAt:     time.UnixMilli(m.CreatedAt),
		UpdatedAt:     time.UnixMilli(m.UpdatedAt),
	}
}

func normThrottle(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case ThrottleOncePerBar:
		return ThrottleOncePerBar
	case ThrottleOncePerDay:
		return ThrottleOncePerDay
	default:
		return ThrottleNone
	}
}
