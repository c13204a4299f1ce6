package broker

import (
	"errors"
	"time"

	"atb-dashboard-go/internal/ledger"
)

var (
	ErrNotConnected       = errors.New("not connected to broker")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidQuantity    = errors.New("invalid quantity")
	ErrInsufficientFunds  = ledger.ErrInsufficientFunds
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrOrderNotFound      = errors.New("order not found")
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
	StatusRejected  Status = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Order is an order intent. Price holds the requested price until the
// order fills, then the execution price.
type Order struct {
	ID        string      `json:"id"`
	Symbol    string      `json:"symbol"`
	Side      ledger.Side `json:"side"`
	Quantity  float64     `json:"quantity"`
	Price     float64     `json:"price"`
	Status    Status      `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
	Fees      float64     `json:"fees"`
}

// Trade is an executed fill. Pnl is only set for sells.
type Trade struct {
	ID        string      `json:"id"`
	Symbol    string      `json:"symbol"`
	Side      ledger.Side `json:"side"`
	Quantity  float64     `json:"quantity"`
	Price     float64     `json:"price"`
	Timestamp time.Time   `json:"timestamp"`
	Fees      float64     `json:"fees"`
	Pnl       float64     `json:"pnl"`
}

// Position is the broker's view of a holding.
type Position struct {
	Symbol        string  `json:"symbol"`
	Quantity      float64 `json:"quantity"`
	AveragePrice  float64 `json:"averagePrice"`
	CurrentPrice  float64 `json:"currentPrice"`
	UnrealizedPnl float64 `json:"unrealizedPnl"`
	RealizedPnl   float64 `json:"realizedPnl"`
	MarketValue   float64 `json:"marketValue"`
}

func positionView(p ledger.Position) Position {
	return Position{
		Symbol:        p.Key,
		Quantity:      p.Quantity,
		AveragePrice:  p.AverageCost,
		CurrentPrice:  p.MarketPrice,
		UnrealizedPnl: p.UnrealizedPnl(),
		RealizedPnl:   p.RealizedPnl,
		MarketValue:   p.MarketValue(),
	}
}

// StatusReport summarises the broker for the status bar.
type StatusReport struct {
	Connected     bool               `json:"connected"`
	AccountInfo   ledger.AccountInfo `json:"accountInfo"`
	Positions     int                `json:"positions"`
	PendingOrders int                `json:"orders"`
}

// WinRate is the share of trades with a positive pnl, in percent, over
// all trades. Zero-pnl trades count toward the total but not as wins.
func WinRate(trades []Trade) float64 {
	if len(trades) == 0 {
		return 0
	}
	wins := 0
	for _, t := range trades {
		if t.Pnl > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(trades)) * 100
}
