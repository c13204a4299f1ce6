package broker

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"atb-dashboard-go/internal/config"
	"atb-dashboard-go/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// manualScheduler queues fills until the test fires them.
type manualScheduler struct {
	mu     sync.Mutex
	tasks  []func()
	delays []time.Duration
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, f)
	s.delays = append(s.delays, d)
}

func (s *manualScheduler) fire(i int) {
	s.mu.Lock()
	f := s.tasks[i]
	s.mu.Unlock()
	f()
}

func (s *manualScheduler) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func testBrokerConfig() config.Broker {
	return config.Broker{
		CommissionRate: 0.001,
		SlippageRate:   0.0005,
		MinOrderSize:   1,
		MaxOrderSize:   10000,
		FillDelayMin:   500 * time.Millisecond,
		FillDelayMax:   2500 * time.Millisecond,
		DefaultPrice:   100,
	}
}

func newTestBroker(t *testing.T, cfg config.Broker, opts ...Option) (*Broker, *manualScheduler, *ledger.Account) {
	t.Helper()
	sched := &manualScheduler{}
	account := ledger.NewAccount(100000)
	opts = append([]Option{
		WithScheduler(sched),
		WithRandom(func() float64 { return 0.5 }),
	}, opts...)
	b := NewBroker(cfg, account, zap.NewNop(), opts...)
	require.NoError(t, b.Connect(context.Background(), "key", "secret", "mock"))
	return b, sched, account
}

func TestBroker_Connect(t *testing.T) {
	b := NewBroker(testBrokerConfig(), ledger.NewAccount(1000), zap.NewNop())
	assert.False(t, b.IsConnected())

	err := b.Connect(context.Background(), "", "secret", "mock")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.False(t, b.IsConnected())

	require.NoError(t, b.Connect(context.Background(), "key", "secret", "mock"))
	assert.True(t, b.IsConnected())

	b.Disconnect()
	assert.False(t, b.IsConnected())
}

func TestBroker_ConnectHonoursContext(t *testing.T) {
	cfg := testBrokerConfig()
	cfg.ConnectDelay = time.Hour
	b := NewBroker(cfg, ledger.NewAccount(1000), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Connect(ctx, "key", "secret", "mock")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, b.IsConnected())
}

func TestBroker_SeedPositions(t *testing.T) {
	cfg := testBrokerConfig()
	cfg.SeedPositions = []config.SeedPosition{{Symbol: "AAPL", Quantity: 10, AveragePrice: 150}}
	b, _, _ := newTestBroker(t, cfg)

	pos, ok := b.Position("AAPL")
	require.True(t, ok)
	assert.Equal(t, 10.0, pos.Quantity)
	assert.Equal(t, 150.0, pos.AveragePrice)
	assert.Equal(t, 1, b.ActivePositions())
}

func TestBroker_PlaceOrderValidation(t *testing.T) {
	b, sched, _ := newTestBroker(t, testBrokerConfig())
	before := b.AccountInfo()

	tests := []struct {
		name    string
		symbol  string
		side    ledger.Side
		qty     float64
		price   float64
		wantErr error
	}{
		{"below minimum", "AAPL", ledger.Buy, 0.5, 100, ErrInvalidQuantity},
		{"above maximum", "AAPL", ledger.Buy, 10001, 1, ErrInvalidQuantity},
		{"insufficient funds", "AAPL", ledger.Buy, 1000, 100, ErrInsufficientFunds},
		{"no shares", "AAPL", ledger.Sell, 1, 100, ErrInsufficientShares},
		{"bad side", "AAPL", ledger.Side("hold"), 1, 100, ledger.ErrInvalidSide},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.PlaceOrder(tt.symbol, tt.side, tt.qty, tt.price)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	b.Disconnect()
	_, err := b.PlaceOrder("AAPL", ledger.Buy, 1, 100)
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.Empty(t, b.Orders())
	assert.Empty(t, b.Trades())
	assert.Empty(t, b.Positions())
	assert.Zero(t, sched.len())
	assert.Equal(t, before, b.AccountInfo())
}

func TestBroker_FundsCheckIncludesFees(t *testing.T) {
	b, _, account := newTestBroker(t, testBrokerConfig())
	require.True(t, account.Deposit(0.01))

	// 1000 x 100 costs 100000 plus 100 in fees.
	_, err := b.PlaceOrder("AAPL", ledger.Buy, 1000, 100)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = b.PlaceOrder("AAPL", ledger.Buy, 999, 100)
	assert.NoError(t, err)
}

func TestBroker_MarketOrderUsesCurrentPrice(t *testing.T) {
	b, sched, _ := newTestBroker(t, testBrokerConfig())

	id, err := b.PlaceOrder("MSFT", ledger.Buy, 1, 0)
	require.NoError(t, err)
	order, err := b.Order(id)
	require.NoError(t, err)
	assert.Equal(t, 100.0, order.Price)

	b.UpdatePrices(map[string]float64{"MSFT": 380})
	id, err = b.PlaceOrder("MSFT", ledger.Buy, 1, -1)
	require.NoError(t, err)
	order, err = b.Order(id)
	require.NoError(t, err)
	assert.Equal(t, 380.0, order.Price)
	assert.Equal(t, 2, sched.len())
}

func TestBroker_FillLifecycle(t *testing.T) {
	b, sched, _ := newTestBroker(t, testBrokerConfig())

	id, err := b.PlaceOrder("AAPL", ledger.Buy, 10, 150)
	require.NoError(t, err)
	assert.Equal(t, "order_1", id)
	assert.Equal(t, 1, b.PendingCount())

	order, err := b.Order(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, order.Status)
	assert.InDelta(t, 1.5, order.Fees, 1e-9)

	sched.fire(0)

	order, err = b.Order(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, order.Status)
	assert.Zero(t, b.PendingCount())

	trades := b.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, "trade_1", trades[0].ID)
	assert.Equal(t, ledger.Buy, trades[0].Side)
	assert.Equal(t, 150.0, trades[0].Price)
	assert.Zero(t, trades[0].Pnl)

	pos, ok := b.Position("AAPL")
	require.True(t, ok)
	assert.Equal(t, 10.0, pos.Quantity)
	assert.Equal(t, 150.0, pos.AveragePrice)

	// Firing again must not double-book.
	sched.fire(0)
	assert.Len(t, b.Trades(), 1)
}

func TestBroker_SlippageBounds(t *testing.T) {
	for _, r := range []float64{0, 0.25, 0.999} {
		r := r
		b, sched, _ := newTestBroker(t, testBrokerConfig(), WithRandom(func() float64 { return r }))
		_, err := b.PlaceOrder("TSLA", ledger.Buy, 1, 200)
		require.NoError(t, err)
		sched.fire(0)

		trades := b.Trades()
		require.Len(t, trades, 1)
		assert.InDelta(t, 200, trades[0].Price, 200*0.0005+1e-9)
		assert.InDelta(t, trades[0].Price*0.001, trades[0].Fees, 1e-9)
	}
}

func TestBroker_FillsInTimerOrder(t *testing.T) {
	b, sched, _ := newTestBroker(t, testBrokerConfig())

	first, err := b.PlaceOrder("AAPL", ledger.Buy, 1, 100)
	require.NoError(t, err)
	second, err := b.PlaceOrder("MSFT", ledger.Buy, 1, 100)
	require.NoError(t, err)

	sched.fire(1)
	sched.fire(0)

	trades := b.Trades()
	require.Len(t, trades, 2)
	assert.Equal(t, "MSFT", trades[0].Symbol)
	assert.Equal(t, "AAPL", trades[1].Symbol)

	orders := b.Orders()
	require.Len(t, orders, 2)
	assert.Equal(t, first, orders[0].ID)
	assert.Equal(t, second, orders[1].ID)
}

func TestBroker_CancelOrder(t *testing.T) {
	b, sched, _ := newTestBroker(t, testBrokerConfig())

	id, err := b.PlaceOrder("AAPL", ledger.Buy, 5, 100)
	require.NoError(t, err)

	assert.True(t, b.CancelOrder(id))
	assert.False(t, b.CancelOrder(id))
	assert.False(t, b.CancelOrder("order_404"))

	sched.fire(0)

	order, err := b.Order(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, order.Status)
	assert.Empty(t, b.Trades())
	_, ok := b.Position("AAPL")
	assert.False(t, ok)
}

func TestBroker_CannotCancelFilled(t *testing.T) {
	b, sched, _ := newTestBroker(t, testBrokerConfig())
	id, err := b.PlaceOrder("AAPL", ledger.Buy, 5, 100)
	require.NoError(t, err)
	sched.fire(0)

	assert.False(t, b.CancelOrder(id))
	order, err := b.Order(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, order.Status)
}

func TestBroker_AwaitOrder(t *testing.T) {
	b, sched, _ := newTestBroker(t, testBrokerConfig())
	id, err := b.PlaceOrder("AAPL", ledger.Buy, 1, 100)
	require.NoError(t, err)

	go sched.fire(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	order, err := b.AwaitOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, order.Status)

	_, err = b.AwaitOrder(ctx, "order_404")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestBroker_AwaitOrderTimeout(t *testing.T) {
	b, _, _ := newTestBroker(t, testBrokerConfig())
	id, err := b.PlaceOrder("AAPL", ledger.Buy, 1, 100)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	order, err := b.AwaitOrder(ctx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusPending, order.Status)
}

func TestBroker_BuySellRoundTrip(t *testing.T) {
	b, sched, account := newTestBroker(t, testBrokerConfig())

	_, err := b.PlaceOrder("AAPL", ledger.Buy, 10, 150)
	require.NoError(t, err)
	sched.fire(0)

	info := account.Info()
	assert.InDelta(t, 99998.5, info.Balance, 1e-9)
	assert.InDelta(t, 99998.5, info.Equity, 1e-9)

	b.UpdatePrices(map[string]float64{"AAPL": 160})
	pos, _ := b.Position("AAPL")
	assert.InDelta(t, 100, pos.UnrealizedPnl, 1e-9)
	assert.InDelta(t, 100098.5, account.Info().Equity, 1e-9)

	_, err = b.PlaceOrder("AAPL", ledger.Sell, 10, 160)
	require.NoError(t, err)
	sched.fire(1)

	trades := b.Trades()
	require.Len(t, trades, 2)
	assert.InDelta(t, 100, trades[1].Pnl, 1e-9)

	pos, ok := b.Position("AAPL")
	require.True(t, ok)
	assert.Zero(t, pos.Quantity)
	assert.Zero(t, pos.AveragePrice)
	assert.InDelta(t, 100, pos.RealizedPnl, 1e-9)

	info = account.Info()
	assert.InDelta(t, 100000-1.5-1.6, info.Balance, 1e-9)
	assert.InDelta(t, 100000-1.5-1.6+100, info.Equity, 1e-9)
	assert.InDelta(t, 100, b.TotalPnl().Total, 1e-9)
	assert.Zero(t, b.ActivePositions())
	assert.Equal(t, 50.0, b.WinRate())
}

func TestBroker_AllocationsReduceAvailableFunds(t *testing.T) {
	b, sched, account := newTestBroker(t, testBrokerConfig())
	require.NoError(t, account.TransferToBot("bot1", 99000))

	_, err := b.PlaceOrder("AAPL", ledger.Buy, 10, 150)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = b.PlaceOrder("AAPL", ledger.Buy, 5, 150)
	require.NoError(t, err)
	sched.fire(0)
	assert.InDelta(t, 100000-0.75-99000, account.Info().AvailableFunds, 1e-9)
}

func TestBroker_DailyPnl(t *testing.T) {
	now := time.Date(2024, 3, 15, 23, 0, 0, 0, time.Local)
	clock := func() time.Time { return now }
	b, sched, _ := newTestBroker(t, testBrokerConfig(), WithClock(clock))

	_, err := b.PlaceOrder("AAPL", ledger.Buy, 2, 100)
	require.NoError(t, err)
	sched.fire(0)
	_, err = b.PlaceOrder("AAPL", ledger.Sell, 1, 110)
	require.NoError(t, err)
	sched.fire(1)
	assert.InDelta(t, 10, b.DailyPnl(), 1e-9)

	now = now.Add(2 * time.Hour)
	assert.Zero(t, b.DailyPnl())

	_, err = b.PlaceOrder("AAPL", ledger.Sell, 1, 120)
	require.NoError(t, err)
	sched.fire(2)
	assert.InDelta(t, 20, b.DailyPnl(), 1e-9)
	assert.InDelta(t, 30, b.TotalPnl().Realized, 1e-9)
}

func TestBroker_OnTrade(t *testing.T) {
	b, sched, _ := newTestBroker(t, testBrokerConfig())

	var got []Trade
	remove := b.OnTrade(func(tr Trade) { got = append(got, tr) })

	_, err := b.PlaceOrder("AAPL", ledger.Buy, 1, 100)
	require.NoError(t, err)
	sched.fire(0)
	require.Len(t, got, 1)
	assert.Equal(t, "AAPL", got[0].Symbol)

	remove()
	_, err = b.PlaceOrder("AAPL", ledger.Buy, 1, 100)
	require.NoError(t, err)
	sched.fire(1)
	assert.Len(t, got, 1)
}

func TestBroker_Status(t *testing.T) {
	cfg := testBrokerConfig()
	cfg.SeedPositions = []config.SeedPosition{{Symbol: "AAPL", Quantity: 10, AveragePrice: 150}}
	b, _, _ := newTestBroker(t, cfg)

	_, err := b.PlaceOrder("MSFT", ledger.Buy, 1, 100)
	require.NoError(t, err)

	status := b.Status()
	assert.True(t, status.Connected)
	assert.Equal(t, 1, status.Positions)
	assert.Equal(t, 1, status.PendingOrders)
	assert.Equal(t, 100000.0, status.AccountInfo.Balance)
}

func TestBroker_Reset(t *testing.T) {
	cfg := testBrokerConfig()
	cfg.SeedPositions = []config.SeedPosition{{Symbol: "AAPL", Quantity: 10, AveragePrice: 150}}
	b, sched, _ := newTestBroker(t, cfg)

	_, err := b.PlaceOrder("AAPL", ledger.Sell, 10, 160)
	require.NoError(t, err)
	pending, err := b.PlaceOrder("AAPL", ledger.Buy, 1, 160)
	require.NoError(t, err)
	sched.fire(0)

	b.Reset()
	sched.fire(1)

	assert.False(t, b.IsConnected())
	assert.Empty(t, b.Trades())
	assert.Empty(t, b.Orders())
	_, err = b.Order(pending)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	pos, ok := b.Position("AAPL")
	require.True(t, ok)
	assert.Equal(t, 10.0, pos.Quantity)
}

func TestWinRate(t *testing.T) {
	assert.Zero(t, WinRate(nil))

	trades := []Trade{{Pnl: 10}, {Pnl: -5}, {Pnl: 3}, {Pnl: 0}}
	assert.Equal(t, 50.0, WinRate(trades))
}

func TestUniformDelay(t *testing.T) {
	d := UniformDelay(500*time.Millisecond, 2500*time.Millisecond, func() float64 { return 0.5 })
	assert.Equal(t, 1500*time.Millisecond, d())

	fixed := UniformDelay(time.Second, time.Second, nil)
	assert.Equal(t, time.Second, fixed())
	assert.Equal(t, 3*time.Second, FixedDelay(3*time.Second)())
}

func TestBroker_UpdatePricesKeepsMarkOnNonPositive(t *testing.T) {
	b, sched, account := newTestBroker(t, testBrokerConfig())

	_, err := b.PlaceOrder("AAPL", ledger.Buy, 10, 150)
	require.NoError(t, err)
	sched.fire(0)
	equity := account.Info().Equity

	for _, p := range []float64{0, -5, math.Inf(1)} {
		b.UpdatePrices(map[string]float64{"AAPL": p})

		pos, ok := b.Position("AAPL")
		require.True(t, ok)
		assert.Equal(t, 150.0, pos.CurrentPrice, "price %v", p)
		assert.Zero(t, pos.UnrealizedPnl)
		assert.Equal(t, equity, account.Info().Equity)
	}

	b.UpdatePrices(map[string]float64{"AAPL": 160, "MSFT": 0})
	pos, _ := b.Position("AAPL")
	assert.Equal(t, 160.0, pos.CurrentPrice)
	assert.InDelta(t, equity+100, account.Info().Equity, 1e-9)
}

func TestBroker_TimerFromBeforeResetIsIgnored(t *testing.T) {
	b, sched, _ := newTestBroker(t, testBrokerConfig())

	_, err := b.PlaceOrder("AAPL", ledger.Buy, 1, 150)
	require.NoError(t, err)
	b.Reset()
	require.NoError(t, b.Connect(context.Background(), "key", "secret", "mock"))

	id, err := b.PlaceOrder("AAPL", ledger.Buy, 2, 150)
	require.NoError(t, err)
	require.Equal(t, "order_1", id)
	require.Equal(t, 2, sched.len())

	sched.fire(0)
	order, err := b.Order(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, order.Status)
	assert.Empty(t, b.Trades())

	sched.fire(1)
	order, err = b.Order(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, order.Status)
	require.Len(t, b.Trades(), 1)
	assert.Equal(t, 2.0, b.Trades()[0].Quantity)
}

func TestBroker_RejectsInfinitePrice(t *testing.T) {
	b, sched, _ := newTestBroker(t, testBrokerConfig())

	for _, side := range []ledger.Side{ledger.Buy, ledger.Sell} {
		for _, p := range []float64{math.Inf(1), math.Inf(-1)} {
			_, err := b.PlaceOrder("AAPL", side, 1, p)
			assert.ErrorIs(t, err, ledger.ErrInvalidPrice)
		}
	}
	assert.Empty(t, b.Orders())
	assert.Zero(t, sched.len())
}

func TestBroker_FillRejectedByLedger(t *testing.T) {
	// A zero roll gives the largest downward slippage, which pushes a
	// limit of 1 below zero against a market of 1e6.
	b, sched, account := newTestBroker(t, testBrokerConfig(), WithRandom(func() float64 { return 0 }))
	b.UpdatePrices(map[string]float64{"AAPL": 1e6})

	id, err := b.PlaceOrder("AAPL", ledger.Buy, 1, 1)
	require.NoError(t, err)
	sched.fire(0)

	order, err := b.AwaitOrder(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, order.Status)
	assert.Empty(t, b.Trades())
	assert.Equal(t, 100000.0, account.Info().Balance)
	_, ok := b.Position("AAPL")
	assert.False(t, ok)
}
