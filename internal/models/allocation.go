package models

import "gorm.io/gorm"

// BotAllocation is the capital an account has moved to a bot.
type BotAllocation struct {
	gorm.Model
	BotID  string  `gorm:"uniqueIndex"`
	Amount float64 `gorm:"not null"`
}
