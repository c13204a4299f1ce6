package broker

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"atb-dashboard-go/internal/config"
	"atb-dashboard-go/internal/ledger"
	"go.uber.org/zap"
)

// Broker simulates order execution against the synthetic market. Orders
// are validated synchronously and filled later by the Scheduler, in the
// order their timers fire.
type Broker struct {
	logger    *zap.Logger
	cfg       config.Broker
	now       func() time.Time
	random    func() float64
	delay     DelayFunc
	scheduler Scheduler

	mu          sync.Mutex
	connected   bool
	book        *ledger.Book
	account     *ledger.Account
	orders      map[string]*Order
	orderIDs    []string
	done        map[string]chan struct{}
	trades      []Trade
	prices      map[string]float64
	orderSeq    int
	tradeSeq    int
	listeners   map[int]func(Trade)
	listenerSeq int
}

// Option customises a Broker.
type Option func(*Broker)

// WithScheduler replaces the timer used for fills.
func WithScheduler(s Scheduler) Option {
	return func(b *Broker) { b.scheduler = s }
}

// WithDelay replaces the fill delay strategy.
func WithDelay(d DelayFunc) Option {
	return func(b *Broker) { b.delay = d }
}

// WithRandom replaces the random source used for slippage.
func WithRandom(random func() float64) Option {
	return func(b *Broker) { b.random = random }
}

// WithClock replaces time.Now for timestamps and the daily P&L boundary.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// NewBroker creates a disconnected broker that settles into account.
func NewBroker(cfg config.Broker, account *ledger.Account, logger *zap.Logger, opts ...Option) *Broker {
	b := &Broker{
		logger:    logger.Named("broker"),
		cfg:       cfg,
		now:       time.Now,
		random:    rand.Float64,
		scheduler: TimerScheduler{},
		account:   account,
		orders:    make(map[string]*Order),
		done:      make(map[string]chan struct{}),
		prices:    make(map[string]float64),
		listeners: make(map[int]func(Trade)),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.delay == nil {
		b.delay = UniformDelay(cfg.FillDelayMin, cfg.FillDelayMax, b.random)
	}
	if b.cfg.DefaultPrice <= 0 {
		b.cfg.DefaultPrice = 100
	}
	b.book = ledger.NewBook(ledger.WithClock(func() time.Time { return b.now() }))
	b.seedPositions()
	return b
}

func (b *Broker) seedPositions() {
	for _, sp := range b.cfg.SeedPositions {
		b.book.Seed(ledger.Position{
			Key:         sp.Symbol,
			Quantity:    sp.Quantity,
			AverageCost: sp.AveragePrice,
			MarketPrice: sp.AveragePrice,
		})
	}
}

// Connect simulates a broker login. It waits the configured connect delay
// and rejects empty credentials.
func (b *Broker) Connect(ctx context.Context, apiKey, apiSecret, brokerName string) error {
	if b.cfg.ConnectDelay > 0 {
		select {
		case <-time.After(b.cfg.ConnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if apiKey == "" || apiSecret == "" || brokerName == "" {
		return ErrInvalidCredentials
	}

	b.mu.Lock()
	b.connected = true
	b.account.Recompute(b.book.Totals())
	b.mu.Unlock()

	b.logger.Info("Connected to broker", zap.String("broker", brokerName))
	return nil
}

// Disconnect drops the session. Pending orders still fill.
func (b *Broker) Disconnect() {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	b.logger.Info("Disconnected from broker")
}

// IsConnected reports the session state.
func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *Broker) currentPrice(symbol string) float64 {
	if p, ok := b.prices[symbol]; ok && p > 0 {
		return p
	}
	return b.cfg.DefaultPrice
}

// PlaceOrder validates an order and schedules its fill. A price of zero
// or less places a market order at the current price. Validation errors
// leave no trace: no order, no trade, no position change.
func (b *Broker) PlaceOrder(symbol string, side ledger.Side, quantity, price float64) (string, error) {
	if side != ledger.Buy && side != ledger.Sell {
		return "", fmt.Errorf("%w: %q", ledger.ErrInvalidSide, side)
	}

	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return "", ErrNotConnected
	}
	if math.IsNaN(quantity) || quantity < b.cfg.MinOrderSize || quantity > b.cfg.MaxOrderSize {
		b.mu.Unlock()
		return "", fmt.Errorf("%w: must be between %v and %v", ErrInvalidQuantity, b.cfg.MinOrderSize, b.cfg.MaxOrderSize)
	}

	if math.IsInf(price, 0) {
		b.mu.Unlock()
		return "", fmt.Errorf("%w: %v", ledger.ErrInvalidPrice, price)
	}
	orderPrice := price
	if !(orderPrice > 0) {
		orderPrice = b.currentPrice(symbol)
	}
	fees := orderPrice * quantity * b.cfg.CommissionRate

	switch side {
	case ledger.Buy:
		totalCost := orderPrice*quantity + fees
		if available := b.account.Info().AvailableFunds; totalCost > available {
			b.mu.Unlock()
			return "", fmt.Errorf("%w: order costs %.2f, available %.2f", ErrInsufficientFunds, totalCost, available)
		}
	case ledger.Sell:
		pos, ok := b.book.Position(symbol)
		if !ok || pos.Quantity < quantity {
			b.mu.Unlock()
			return "", fmt.Errorf("%w: %s", ErrInsufficientShares, symbol)
		}
	}

	b.orderSeq++
	id := fmt.Sprintf("order_%d", b.orderSeq)
	order := &Order{
		ID:        id,
		Symbol:    symbol,
		Side:      side,
		Quantity:  quantity,
		Price:     orderPrice,
		Status:    StatusPending,
		Timestamp: b.now(),
		Fees:      fees,
	}
	b.orders[id] = order
	b.orderIDs = append(b.orderIDs, id)
	b.done[id] = make(chan struct{})
	delay := b.delay()
	b.mu.Unlock()

	b.logger.Debug("Order accepted",
		zap.String("order_id", id),
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("quantity", quantity),
		zap.Float64("price", orderPrice),
		zap.Duration("fill_delay", delay))

	b.scheduler.AfterFunc(delay, func() { b.execute(order) })
	return id, nil
}

// execute fills a pending order. It is a no-op for orders that were
// cancelled in the meantime or dropped by Reset, even when a newer order
// reuses the id.
func (b *Broker) execute(order *Order) {
	id := order.ID
	b.mu.Lock()
	if b.orders[id] != order || order.Status != StatusPending {
		b.mu.Unlock()
		return
	}

	current := order.Price
	if p, ok := b.prices[order.Symbol]; ok && p > 0 {
		current = p
	}
	slippage := current * b.cfg.SlippageRate * (b.random() - 0.5) * 2
	execPrice := order.Price + slippage

	pnl, err := b.book.ApplyFill(order.Symbol, order.Side, order.Quantity, execPrice)
	if err != nil {
		order.Status = StatusRejected
		b.closeDone(id)
		b.mu.Unlock()
		b.logger.Warn("Order rejected at fill", zap.String("order_id", id), zap.Error(err))
		return
	}
	order.Status = StatusFilled
	order.Price = execPrice
	order.Fees = execPrice * order.Quantity * b.cfg.CommissionRate
	b.book.Mark(order.Symbol, execPrice)

	b.tradeSeq++
	trade := Trade{
		ID:        fmt.Sprintf("trade_%d", b.tradeSeq),
		Symbol:    order.Symbol,
		Side:      order.Side,
		Quantity:  order.Quantity,
		Price:     execPrice,
		Timestamp: b.now(),
		Fees:      order.Fees,
	}
	if order.Side == ledger.Sell {
		trade.Pnl = pnl
	}
	b.trades = append(b.trades, trade)

	b.account.ChargeFees(order.Fees)
	b.account.Recompute(b.book.Totals())

	b.closeDone(id)
	listeners := make([]func(Trade), 0, len(b.listeners))
	for _, fn := range b.listeners {
		listeners = append(listeners, fn)
	}
	b.mu.Unlock()

	b.logger.Info("Order filled",
		zap.String("order_id", id),
		zap.String("trade_id", trade.ID),
		zap.String("symbol", trade.Symbol),
		zap.String("side", string(trade.Side)),
		zap.Float64("quantity", trade.Quantity),
		zap.Float64("price", trade.Price),
		zap.Float64("fees", trade.Fees),
		zap.Float64("pnl", trade.Pnl))

	for _, fn := range listeners {
		fn(trade)
	}
}

// closeDone releases AwaitOrder callers of id. b.mu must be held.
func (b *Broker) closeDone(id string) {
	if ch, ok := b.done[id]; ok {
		close(ch)
		delete(b.done, id)
	}
}

// CancelOrder cancels a pending order. It returns false for unknown or
// terminal orders.
func (b *Broker) CancelOrder(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[id]
	if !ok || order.Status != StatusPending {
		return false
	}
	order.Status = StatusCancelled
	b.closeDone(id)
	b.logger.Info("Order cancelled", zap.String("order_id", id))
	return true
}

// AwaitOrder blocks until the order is terminal or ctx ends.
func (b *Broker) AwaitOrder(ctx context.Context, id string) (Order, error) {
	b.mu.Lock()
	order, ok := b.orders[id]
	if !ok {
		b.mu.Unlock()
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	ch, pending := b.done[id]
	snapshot := *order
	b.mu.Unlock()

	if !pending {
		return snapshot, nil
	}
	select {
	case <-ch:
	case <-ctx.Done():
		return snapshot, ctx.Err()
	}
	return b.Order(id)
}

// Order returns a copy of an order.
func (b *Broker) Order(id string) (Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return *order, nil
}

// Orders returns copies of all orders in placement order.
func (b *Broker) Orders() []Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Order, 0, len(b.orderIDs))
	for _, id := range b.orderIDs {
		out = append(out, *b.orders[id])
	}
	return out
}

// PendingCount returns the number of orders awaiting a fill.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, o := range b.orders {
		if o.Status == StatusPending {
			n++
		}
	}
	return n
}

// Positions returns every position, including flat ones.
func (b *Broker) Positions() []Position {
	pp := b.book.Positions()
	out := make([]Position, 0, len(pp))
	for _, p := range pp {
		out = append(out, positionView(p))
	}
	return out
}

// Position returns the position in symbol.
func (b *Broker) Position(symbol string) (Position, bool) {
	p, ok := b.book.Position(symbol)
	if !ok {
		return Position{}, false
	}
	return positionView(p), true
}

// ActivePositions counts positions with a non-zero quantity.
func (b *Broker) ActivePositions() int {
	return b.book.Active()
}

// Trades returns a copy of the trade log.
func (b *Broker) Trades() []Trade {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Trade(nil), b.trades...)
}

// AccountInfo returns a copy of the account.
func (b *Broker) AccountInfo() ledger.AccountInfo {
	return b.account.Info()
}

// TotalPnl sums realized and unrealized P&L over all positions.
func (b *Broker) TotalPnl() ledger.Totals {
	return b.book.Totals()
}

// DailyPnl sums the pnl of trades executed since local midnight.
func (b *Broker) DailyPnl() float64 {
	now := b.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	b.mu.Lock()
	defer b.mu.Unlock()
	var sum float64
	for _, t := range b.trades {
		if !t.Timestamp.Before(midnight) {
			sum += t.Pnl
		}
	}
	return sum
}

// WinRate is WinRate over the trade log.
func (b *Broker) WinRate() float64 {
	return WinRate(b.Trades())
}

// UpdatePrices re-marks positions with the latest prices and recomputes
// the account. Symbols missing from prices, or priced at zero or below,
// keep their last mark.
func (b *Broker) UpdatePrices(prices map[string]float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	valid := make(map[string]float64, len(prices))
	for symbol, p := range prices {
		if p > 0 && !math.IsInf(p, 0) {
			b.prices[symbol] = p
			valid[symbol] = p
		}
	}
	b.book.MarkAll(valid)
	b.account.Recompute(b.book.Totals())
}

// OnTrade registers fn for every future fill. The returned function
// removes it. fn runs on the fill's goroutine after the broker state is
// updated.
func (b *Broker) OnTrade(fn func(Trade)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listenerSeq++
	id := b.listenerSeq
	b.listeners[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, id)
	}
}

// Status summarises the broker.
func (b *Broker) Status() StatusReport {
	return StatusReport{
		Connected:     b.IsConnected(),
		AccountInfo:   b.AccountInfo(),
		Positions:     b.ActivePositions(),
		PendingOrders: b.PendingCount(),
	}
}

// Symbols lists symbols with a position, sorted.
func (b *Broker) Symbols() []string {
	pp := b.book.Positions()
	out := make([]string, 0, len(pp))
	for _, p := range pp {
		out = append(out, p.Key)
	}
	sort.Strings(out)
	return out
}

// Reset returns the broker to its initial disconnected state. Pending
// orders are cancelled so their scheduled fills do nothing. The account
// is not reset; it belongs to the caller.
func (b *Broker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.done {
		if o, ok := b.orders[id]; ok {
			o.Status = StatusCancelled
		}
		close(ch)
	}
	b.orders = make(map[string]*Order)
	b.orderIDs = nil
	b.done = make(map[string]chan struct{})
	b.trades = nil
	b.prices = make(map[string]float64)
	b.orderSeq = 0
	b.tradeSeq = 0
	b.connected = false
	b.book.Reset()
	b.seedPositions()
	b.logger.Info("Broker reset")
}
