package store

import (
	"context"
	"testing"

	"atb-dashboard-go/internal/bots"
	"atb-dashboard-go/internal/config"
	"atb-dashboard-go/internal/database"
	"atb-dashboard-go/internal/ledger"
	"atb-dashboard-go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTest gives every test its own in-memory database.
func setupTest(t *testing.T) *Store {
	t.Helper()
	db, err := database.NewDatabase(config.Database{DSN: "file::memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	return New(db)
}

func sampleState() bots.State {
	return bots.State{
		BotTrades: map[string][]bots.TradeMark{
			"bot1": {{Type: "BUY", Index: 3, Price: 150, Timestamp: 1710496800000}},
		},
		BotMetrics: map[string]ledger.Position{
			"bot1": {Key: "bot1", Quantity: 4, AverageCost: 150, LastResetDate: "2024-03-15"},
		},
	}
}

func TestStore_LoadEmpty(t *testing.T) {
	s := setupTest(t)
	_, ok, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_SaveLoad(t *testing.T) {
	s := setupTest(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleState()))
	got, ok, err := s.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sampleState(), got)

	// A second save overwrites the single row.
	next := sampleState()
	next.BotMetrics["bot1"] = ledger.Position{Key: "bot1", RealizedPnl: 12.5, LastResetDate: "2024-03-15"}
	require.NoError(t, s.Save(ctx, next))

	got, ok, err = s.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 12.5, got.BotMetrics["bot1"].RealizedPnl)

	var rows int64
	require.NoError(t, s.db.Model(&models.BotStateRecord{}).Count(&rows).Error)
	assert.Equal(t, int64(1), rows)
}

func TestStore_Allocations(t *testing.T) {
	s := setupTest(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAllocations(ctx, map[string]float64{"bot1": 100, "bot2": 50}))
	require.NoError(t, s.SaveAllocations(ctx, map[string]float64{"bot1": 25}))
	require.NoError(t, s.SaveAllocations(ctx, nil))

	got, err := s.LoadAllocations(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"bot1": 25, "bot2": 50}, got)
}

func TestStore_Trades(t *testing.T) {
	s := setupTest(t)
	ctx := context.Background()

	require.NoError(t, s.RecordTrade(ctx, models.Trade{TradeID: "trade_1", Source: models.SourceBroker, Symbol: "AAPL", Type: "buy", Timestamp: 1}))
	require.NoError(t, s.RecordTrade(ctx, models.Trade{TradeID: "trade_2", Source: models.SourceBroker, Symbol: "AAPL", Type: "sell", Timestamp: 2, Profit: 5}))
	require.NoError(t, s.RecordTrade(ctx, models.Trade{TradeID: "trade_1", Source: models.SourceBroker, Symbol: "MSFT", Type: "buy", Timestamp: 3}))

	trades, err := s.RecentTrades(ctx, 0)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "trade_2", trades[0].TradeID)
	assert.Equal(t, "SELL", trades[0].Type)
	assert.Equal(t, "AAPL", trades[1].Symbol)

	trades, err = s.RecentTrades(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}
