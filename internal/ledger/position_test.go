package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time { return c.t }

func newTestBook() (*Book, *testClock) {
	clock := &testClock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local)}
	return NewBook(WithClock(clock.Now)), clock
}

func mustFill(t *testing.T, b *Book, key string, side Side, qty, price float64) float64 {
	t.Helper()
	pnl, err := b.ApplyFill(key, side, qty, price)
	require.NoError(t, err)
	return pnl
}

func TestBook_CostBasis(t *testing.T) {
	b, _ := newTestBook()

	assert.Zero(t, mustFill(t, b, "X", Buy, 10, 100))
	assert.Zero(t, mustFill(t, b, "X", Buy, 10, 120))

	p, ok := b.Position("X")
	require.True(t, ok)
	assert.Equal(t, 20.0, p.Quantity)
	assert.Equal(t, 110.0, p.AverageCost)

	pnl := mustFill(t, b, "X", Sell, 15, 130)
	assert.Equal(t, 300.0, pnl)

	p, _ = b.Position("X")
	assert.Equal(t, 5.0, p.Quantity)
	assert.Equal(t, 110.0, p.AverageCost, "selling leaves the basis unchanged")
	assert.Equal(t, 300.0, p.RealizedPnl)
	assert.Equal(t, 300.0, p.DailyRealizedPnl)
}

func TestBook_LiquidationResetsBasis(t *testing.T) {
	b, _ := newTestBook()

	mustFill(t, b, "X", Buy, 3, 33.33)
	mustFill(t, b, "X", Buy, 7, 41.17)
	mustFill(t, b, "X", Sell, 4, 50)
	mustFill(t, b, "X", Sell, 6, 20)

	p, _ := b.Position("X")
	assert.Equal(t, 0.0, p.Quantity)
	assert.Equal(t, 0.0, p.AverageCost)
	assert.Equal(t, 0.0, p.UnrealizedAt(1000))
}

func TestBook_SellIsCapped(t *testing.T) {
	b, _ := newTestBook()

	mustFill(t, b, "X", Buy, 5, 10)
	pnl := mustFill(t, b, "X", Sell, 8, 12)

	assert.Equal(t, 10.0, pnl, "only the 5 held units realize")
	p, _ := b.Position("X")
	assert.Equal(t, 0.0, p.Quantity)
	assert.Equal(t, 0.0, p.AverageCost)

	// Selling a flat position realizes nothing and stays flat.
	pnl = mustFill(t, b, "Y", Sell, 3, 99)
	assert.Zero(t, pnl)
	p, _ = b.Position("Y")
	assert.Equal(t, 0.0, p.Quantity)
}

func TestBook_DailyRollover(t *testing.T) {
	b, clock := newTestBook()

	mustFill(t, b, "bot1", Buy, 10, 100)
	mustFill(t, b, "bot1", Sell, 5, 110)
	assert.Equal(t, 50.0, b.DailyRealized())

	clock.t = clock.t.Add(24 * time.Hour)
	assert.Zero(t, b.DailyRealized(), "yesterday's gains are not today's")

	mustFill(t, b, "bot1", Sell, 2, 90)
	p, _ := b.Position("bot1")
	assert.Equal(t, -20.0, p.DailyRealizedPnl)
	assert.Equal(t, 30.0, p.RealizedPnl)
	assert.Equal(t, clock.t.Format("2006-01-02"), p.LastResetDate)

	// A buy on a new day also resets the daily figure.
	clock.t = clock.t.Add(24 * time.Hour)
	mustFill(t, b, "bot1", Buy, 1, 95)
	p, _ = b.Position("bot1")
	assert.Zero(t, p.DailyRealizedPnl)
	assert.Equal(t, 30.0, p.RealizedPnl)
}

func TestBook_ApplyFillValidation(t *testing.T) {
	b, _ := newTestBook()

	_, err := b.ApplyFill("X", Side("hold"), 1, 1)
	assert.ErrorIs(t, err, ErrInvalidSide)
	_, err = b.ApplyFill("X", Buy, 0, 1)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = b.ApplyFill("X", Buy, -2, 1)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = b.ApplyFill("X", Buy, 1, -1)
	assert.ErrorIs(t, err, ErrInvalidPrice)

	_, ok := b.Position("X")
	assert.False(t, ok, "rejected fills create nothing")
}

func TestBook_TotalsAndMarks(t *testing.T) {
	b, _ := newTestBook()

	mustFill(t, b, "AAPL", Buy, 10, 150)
	mustFill(t, b, "MSFT", Buy, 4, 300)
	mustFill(t, b, "MSFT", Sell, 2, 310)

	b.MarkAll(map[string]float64{"AAPL": 155, "MSFT": 305, "TSLA": 1})
	assert.False(t, b.Mark("TSLA", 1))

	totals := b.Totals()
	assert.Equal(t, 20.0, totals.Realized)
	assert.Equal(t, 50.0+10.0, totals.Unrealized)
	assert.Equal(t, 80.0, totals.Total)
	assert.Equal(t, 2, b.Active())

	positions := b.Positions()
	require.Len(t, positions, 2)
	assert.Equal(t, "AAPL", positions[0].Key)
	assert.Equal(t, 1550.0, positions[0].MarketValue())
}

func TestBook_SnapshotRestore(t *testing.T) {
	b, _ := newTestBook()
	mustFill(t, b, "bot2", Buy, 2, 2800)

	snap := b.Snapshot()
	other, _ := newTestBook()
	other.Restore(snap)

	p, ok := other.Position("bot2")
	require.True(t, ok)
	assert.Equal(t, 2.0, p.Quantity)
	assert.Equal(t, 2800.0, p.AverageCost)

	// Mutating the snapshot does not reach the book.
	s := snap["bot2"]
	s.Quantity = 99
	snap["bot2"] = s
	p, _ = b.Position("bot2")
	assert.Equal(t, 2.0, p.Quantity)

	b.Reset()
	assert.Empty(t, b.Positions())
}

func TestParseSide(t *testing.T) {
	s, err := ParseSide("BUY")
	require.NoError(t, err)
	assert.Equal(t, Buy, s)
	s, err = ParseSide("sell")
	require.NoError(t, err)
	assert.Equal(t, Sell, s)
	_, err = ParseSide("short")
	assert.ErrorIs(t, err, ErrInvalidSide)
}
