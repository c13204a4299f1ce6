package models

import "gorm.io/gorm"

// Trade is an executed trade kept in the local history.
type Trade struct {
	gorm.Model
	TradeID   string  `gorm:"uniqueIndex" json:"trade_id"`
	Source    string  `gorm:"index" json:"source"` // "broker" or "bot"
	BotID     string  `gorm:"index" json:"bot_id,omitempty"`
	Symbol    string  `json:"symbol"`
	Type      string  `json:"type"` // "BUY" or "SELL"
	Price     float64 `json:"price"`
	Quantity  float64 `json:"quantity"`
	Fees      float64 `json:"fees"`
	Timestamp int64   `json:"timestamp"`
	Profit    float64 `json:"profit,omitempty"`
}

// Trade sources.
const (
	SourceBroker = "broker"
	SourceBot    = "bot"
)
