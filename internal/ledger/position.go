package ledger

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Side is the direction of a fill.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

var (
	ErrInvalidSide     = errors.New("invalid side")
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrInvalidPrice    = errors.New("invalid price")
)

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(s)) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSide, s)
}

const dateLayout = "2006-01-02"

// Position is a long-only holding with a weighted average cost.
// AverageCost is zero whenever Quantity is zero.
type Position struct {
	Key              string  `json:"key"`
	Quantity         float64 `json:"qty"`
	AverageCost      float64 `json:"avgCost"`
	RealizedPnl      float64 `json:"realizedPnl"`
	DailyRealizedPnl float64 `json:"dailyRealized"`
	LastResetDate    string  `json:"lastReset"`
	MarketPrice      float64 `json:"marketPrice"`
}

// UnrealizedPnl values the open quantity at MarketPrice.
func (p Position) UnrealizedPnl() float64 {
	return p.UnrealizedAt(p.MarketPrice)
}

// UnrealizedAt values the open quantity at price.
func (p Position) UnrealizedAt(price float64) float64 {
	if p.Quantity <= 0 {
		return 0
	}
	return (price - p.AverageCost) * p.Quantity
}

// MarketValue is Quantity * MarketPrice.
func (p Position) MarketValue() float64 {
	return p.Quantity * p.MarketPrice
}

// Totals aggregates P&L over a set of positions.
type Totals struct {
	Realized   float64 `json:"realized"`
	Unrealized float64 `json:"unrealized"`
	Total      float64 `json:"total"`
}

// Book tracks positions keyed by symbol or bot id. Positions are never
// deleted, only zeroed. Callers receive copies.
type Book struct {
	now func() time.Time

	mu        sync.Mutex
	positions map[string]*Position
}

// BookOption customises a Book.
type BookOption func(*Book)

// WithClock replaces time.Now for the daily rollover.
func WithClock(now func() time.Time) BookOption {
	return func(b *Book) { b.now = now }
}

// NewBook returns an empty book.
func NewBook(opts ...BookOption) *Book {
	b := &Book{
		now:       time.Now,
		positions: make(map[string]*Position),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Book) today() string {
	return b.now().Format(dateLayout)
}

func (b *Book) position(key string) *Position {
	p, ok := b.positions[key]
	if !ok {
		p = &Position{Key: key, LastResetDate: b.today()}
		b.positions[key] = p
	}
	return p
}

// ApplyFill books a fill and returns the realized P&L of a sell (zero for
// buys). A sell larger than the holding is capped at the holding. The
// daily realized P&L restarts from zero on the first fill of a new day.
func (b *Book) ApplyFill(key string, side Side, quantity, price float64) (float64, error) {
	if side != Buy && side != Sell {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
	if !(quantity > 0) || math.IsInf(quantity, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidQuantity, quantity)
	}
	if !(price >= 0) || math.IsInf(price, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPrice, price)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.position(key)
	if today := b.today(); p.LastResetDate != today {
		p.DailyRealizedPnl = 0
		p.LastResetDate = today
	}

	var pnl float64
	switch side {
	case Buy:
		totalCost := p.AverageCost*p.Quantity + price*quantity
		p.Quantity += quantity
		if p.Quantity > 0 {
			p.AverageCost = totalCost / p.Quantity
		} else {
			p.AverageCost = 0
		}
	case Sell:
		sellQty := math.Min(quantity, p.Quantity)
		pnl = (price - p.AverageCost) * sellQty
		p.Quantity -= sellQty
		if p.Quantity == 0 {
			p.AverageCost = 0
		}
		p.RealizedPnl += pnl
		p.DailyRealizedPnl += pnl
	}
	return pnl, nil
}

// Mark sets the market price of an existing position.
func (b *Book) Mark(key string, price float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[key]
	if !ok {
		return false
	}
	p.MarketPrice = price
	return true
}

// MarkAll re-prices every position that has an entry in prices.
func (b *Book) MarkAll(prices map[string]float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, p := range b.positions {
		if price, ok := prices[key]; ok {
			p.MarketPrice = price
		}
	}
}

// Position returns a copy of the position under key.
func (b *Book) Position(key string) (Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[key]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Positions returns copies of all positions ordered by key.
func (b *Book) Positions() []Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Active counts positions with a non-zero quantity.
func (b *Book) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, p := range b.positions {
		if p.Quantity > 0 {
			n++
		}
	}
	return n
}

// Totals sums realized and unrealized P&L over all positions.
func (b *Book) Totals() Totals {
	b.mu.Lock()
	defer b.mu.Unlock()
	var t Totals
	for _, p := range b.positions {
		t.Realized += p.RealizedPnl
		t.Unrealized += p.UnrealizedPnl()
	}
	t.Total = t.Realized + t.Unrealized
	return t
}

// DailyRealized sums today's realized P&L. Positions whose last fill was
// on an earlier day contribute nothing.
func (b *Book) DailyRealized() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	today := b.today()
	var sum float64
	for _, p := range b.positions {
		if p.LastResetDate == today {
			sum += p.DailyRealizedPnl
		}
	}
	return sum
}

// Seed installs a position as is, replacing any existing one.
func (b *Book) Seed(p Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.LastResetDate == "" {
		p.LastResetDate = b.today()
	}
	if p.Quantity <= 0 {
		p.Quantity = 0
		p.AverageCost = 0
	}
	b.positions[p.Key] = &p
}

// Snapshot copies the book for persistence.
func (b *Book) Snapshot() map[string]Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]Position, len(b.positions))
	for key, p := range b.positions {
		out[key] = *p
	}
	return out
}

// Restore replaces the book's contents with a snapshot.
func (b *Book) Restore(snapshot map[string]Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions = make(map[string]*Position, len(snapshot))
	for key, p := range snapshot {
		p := p
		p.Key = key
		b.positions[key] = &p
	}
}

// Reset drops every position.
func (b *Book) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions = make(map[string]*Position)
}
