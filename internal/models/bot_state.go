package models

import "gorm.io/gorm"

// BotStateKey names the single bot state row.
const BotStateKey = "atb_bot_state"

// BotStateRecord holds the serialized bot trades and metrics.
// There should only ever be one row in this table.
type BotStateRecord struct {
	gorm.Model
	StateKey string `gorm:"uniqueIndex;not null"`
	Payload  string `gorm:"not null"`
}
