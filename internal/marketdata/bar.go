package marketdata

import (
	"errors"
	"time"
)

var (
	ErrUnknownTimeframe = errors.New("unknown timeframe")
	ErrUnknownSymbol    = errors.New("unknown symbol")
	ErrFeedClosed       = errors.New("feed closed")
)

// Bar is one OHLCV sample. Price always equals Close.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Price  float64   `json:"price"`
	Volume float64   `json:"volume"`
}

// Quote summarises the latest move of a symbol.
type Quote struct {
	Price         float64 `json:"price"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"change_percent"`
}
