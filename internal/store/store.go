package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"atb-dashboard-go/internal/bots"
	"atb-dashboard-go/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store keeps the bot state snapshot, the bot allocations and the trade
// history in the local database.
type Store struct {
	db *gorm.DB
}

// New wraps an open, migrated database.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Save writes state as the single bot state row.
func (s *Store) Save(ctx context.Context, state bots.State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("could not encode bot state: %w", err)
	}
	rec := models.BotStateRecord{StateKey: models.BotStateKey, Payload: string(payload)}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "state_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("could not save bot state: %w", err)
	}
	return nil
}

// Load reads the bot state row. It reports false when nothing was saved.
func (s *Store) Load(ctx context.Context) (bots.State, bool, error) {
	var rec models.BotStateRecord
	err := s.db.WithContext(ctx).Where("state_key = ?", models.BotStateKey).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return bots.State{}, false, nil
	}
	if err != nil {
		return bots.State{}, false, fmt.Errorf("could not load bot state: %w", err)
	}

	var state bots.State
	if err := json.Unmarshal([]byte(rec.Payload), &state); err != nil {
		return bots.State{}, false, fmt.Errorf("could not decode bot state: %w", err)
	}
	return state, true, nil
}

// SaveAllocations replaces the stored allocation of every bot in
// allocations.
func (s *Store) SaveAllocations(ctx context.Context, allocations map[string]float64) error {
	if len(allocations) == 0 {
		return nil
	}
	rows := make([]models.BotAllocation, 0, len(allocations))
	for id, amount := range allocations {
		rows = append(rows, models.BotAllocation{BotID: id, Amount: amount})
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "bot_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"amount", "updated_at"}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("could not save allocations: %w", err)
	}
	return nil
}

// LoadAllocations returns the stored allocations by bot id.
func (s *Store) LoadAllocations(ctx context.Context) (map[string]float64, error) {
	var rows []models.BotAllocation
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("could not load allocations: %w", err)
	}
	out := make(map[string]float64, len(rows))
	for _, r := range rows {
		out[r.BotID] = r.Amount
	}
	return out, nil
}

// RecordTrade appends a trade to the history. The type is stored upper
// case. A trade id that is already stored is ignored.
func (s *Store) RecordTrade(ctx context.Context, trade models.Trade) error {
	trade.Type = strings.ToUpper(trade.Type)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "trade_id"}},
		DoNothing: true,
	}).Create(&trade).Error
	if err != nil {
		return fmt.Errorf("could not record trade %s: %w", trade.TradeID, err)
	}
	return nil
}

// RecentTrades returns up to limit trades, newest first. A non-positive
// limit returns all of them.
func (s *Store) RecentTrades(ctx context.Context, limit int) ([]models.Trade, error) {
	q := s.db.WithContext(ctx).Order("timestamp desc").Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var trades []models.Trade
	if err := q.Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("could not load trades: %w", err)
	}
	return trades, nil
}
