package dashboard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"atb-dashboard-go/internal/bots"
	"atb-dashboard-go/internal/broker"
	"atb-dashboard-go/internal/config"
	"atb-dashboard-go/internal/ledger"
	"atb-dashboard-go/internal/marketdata"
	"atb-dashboard-go/internal/models"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ErrNoStore is returned by history queries without local persistence.
var ErrNoStore = errors.New("no trade store configured")

// persistTimeout bounds the final snapshot written on shutdown.
const persistTimeout = 5 * time.Second

// StateStore is the local best-effort persistence.
type StateStore interface {
	Save(ctx context.Context, state bots.State) error
	Load(ctx context.Context) (bots.State, bool, error)
	SaveAllocations(ctx context.Context, allocations map[string]float64) error
	LoadAllocations(ctx context.Context) (map[string]float64, error)
	RecordTrade(ctx context.Context, trade models.Trade) error
	RecentTrades(ctx context.Context, limit int) ([]models.Trade, error)
}

// Mirror is the remote best-effort backend.
type Mirror interface {
	marketdata.Fetcher
	Enabled() bool
	PushState(ctx context.Context, state bots.State) error
	PullState(ctx context.Context) (bots.State, bool, error)
}

type simulation struct {
	cancel context.CancelFunc
}

// Dashboard wires the market feed, broker, account and bots together and
// runs their background activity.
type Dashboard struct {
	ID        string
	Name      string
	StartTime time.Time

	Feed      *marketdata.Feed
	Cache     *marketdata.TimeframeCache
	Broker    *broker.Broker
	Account   *ledger.Account
	Bots      *bots.Registry
	Simulator *bots.Simulator

	logger *zap.Logger
	cfg    config.Config
	store  StateStore
	mirror Mirror

	brokerOpts []broker.Option
	simOpts    []bots.SimulatorOption
	feedOpts   []marketdata.FeedOption

	mu          sync.Mutex
	baseCtx     context.Context
	simulations map[string]*simulation
	listeners   map[string]map[int]func(marketdata.Bar)
	listenerSeq int
	closing     bool
	wg          sync.WaitGroup
}

// Option customises a Dashboard.
type Option func(*Dashboard)

// WithStore enables local persistence.
func WithStore(s StateStore) Option {
	return func(d *Dashboard) { d.store = s }
}

// WithMirror enables the remote mirror.
func WithMirror(m Mirror) Option {
	return func(d *Dashboard) { d.mirror = m }
}

// WithBrokerOptions passes options to the broker.
func WithBrokerOptions(opts ...broker.Option) Option {
	return func(d *Dashboard) { d.brokerOpts = append(d.brokerOpts, opts...) }
}

// WithSimulatorOptions passes options to the bot simulator.
func WithSimulatorOptions(opts ...bots.SimulatorOption) Option {
	return func(d *Dashboard) { d.simOpts = append(d.simOpts, opts...) }
}

// WithFeedOptions passes options to the market feed.
func WithFeedOptions(opts ...marketdata.FeedOption) Option {
	return func(d *Dashboard) { d.feedOpts = append(d.feedOpts, opts...) }
}

// New builds a dashboard from cfg.
func New(cfg config.Config, logger *zap.Logger, opts ...Option) (*Dashboard, error) {
	d := &Dashboard{
		ID:          uuid.NewString(),
		Name:        "atb-dashboard",
		StartTime:   time.Now(),
		logger:      logger.Named("dashboard"),
		cfg:         cfg,
		baseCtx:     context.Background(),
		simulations: make(map[string]*simulation),
		listeners:   make(map[string]map[int]func(marketdata.Bar)),
	}
	for _, opt := range opts {
		opt(d)
	}

	popular := make([]marketdata.Timeframe, 0, len(cfg.Cache.PopularTimeframes))
	for _, s := range cfg.Cache.PopularTimeframes {
		tf, err := marketdata.ParseTimeframe(s)
		if err != nil {
			return nil, fmt.Errorf("invalid popular timeframe: %w", err)
		}
		popular = append(popular, tf)
	}

	var fetcher marketdata.Fetcher
	if d.mirrorEnabled() {
		fetcher = d.mirror
	}

	d.Account = ledger.NewAccount(cfg.Account.InitialBalance)
	d.Feed = marketdata.NewFeed(cfg.Feed, logger, d.feedOpts...)
	d.Cache = marketdata.NewTimeframeCache(cfg.Cache.MaxSymbols, popular, fetcher, logger)
	d.Broker = broker.NewBroker(cfg.Broker, d.Account, logger, d.brokerOpts...)
	d.Bots = bots.NewRegistry(logger)

	simOpts := append([]bots.SimulatorOption{
		bots.WithBarIndex(func(symbol string) int { return max(d.Feed.Len(symbol)-1, 0) }),
		bots.WithTradeHandler(d.onBotTrade),
	}, d.simOpts...)
	d.Simulator = bots.NewSimulator(cfg.Bots, d.Bots, d.Feed, logger, simOpts...)

	d.Broker.OnTrade(d.onBrokerTrade)
	d.Broker.UpdatePrices(d.Feed.Prices())

	if sel := cfg.Bots.DefaultSelection; sel != "" {
		if _, err := d.Bots.Select(sel); err != nil {
			d.logger.Warn("Default bot selection ignored", zap.String("bot", sel), zap.Error(err))
		}
	}
	return d, nil
}

func (d *Dashboard) mirrorEnabled() bool {
	return d.mirror != nil && d.mirror.Enabled()
}

func (d *Dashboard) runContext() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.baseCtx
}

// Run streams prices into the broker, persists on cfg's schedule and
// blocks until ctx ends. On the way out it stops every bot simulation and
// writes a final snapshot.
func (d *Dashboard) Run(ctx context.Context) error {
	d.logger.Info("Starting dashboard", zap.String("id", d.ID))

	d.mu.Lock()
	d.baseCtx = ctx
	d.mu.Unlock()

	var subs []string
	for _, symbol := range d.Feed.Symbols() {
		symbol := symbol
		id, err := d.Feed.Subscribe(symbol, marketdata.TF1m, func(bar marketdata.Bar) { d.onBar(symbol, bar) })
		if err != nil {
			d.unsubscribe(subs)
			return fmt.Errorf("could not subscribe to %s: %w", symbol, err)
		}
		subs = append(subs, id)
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(d.cfg.Persistence.Schedule, func() { d.Persist(ctx) }); err != nil {
		d.unsubscribe(subs)
		return fmt.Errorf("invalid persistence schedule %q: %w", d.cfg.Persistence.Schedule, err)
	}
	scheduler.Start()
	d.logger.Info("Persistence scheduled", zap.String("schedule", d.cfg.Persistence.Schedule))

	<-ctx.Done()
	d.logger.Info("Stopping dashboard...")

	<-scheduler.Stop().Done()
	d.unsubscribe(subs)
	d.shutdown()

	persistCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	d.Persist(persistCtx)

	d.logger.Info("Dashboard stopped")
	return nil
}

// Close stops every bot simulation, waits for background work and closes
// the feed. It is safe to call after Run returned.
func (d *Dashboard) Close() {
	d.shutdown()
	d.Feed.Close()
}

func (d *Dashboard) unsubscribe(ids []string) {
	for _, id := range ids {
		d.Feed.Unsubscribe(id)
	}
}

func (d *Dashboard) onBar(symbol string, bar marketdata.Bar) {
	d.Broker.UpdatePrices(map[string]float64{symbol: bar.Close})

	d.mu.Lock()
	fns := make([]func(marketdata.Bar), 0, len(d.listeners[symbol]))
	for _, fn := range d.listeners[symbol] {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn(bar)
	}
}

// OnBar registers fn for every live bar of symbol while Run is active.
// The returned function removes it. fn must not block.
func (d *Dashboard) OnBar(symbol string, fn func(marketdata.Bar)) func() {
	symbol = marketdata.Canonical(symbol)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.listenerSeq++
	id := d.listenerSeq
	if d.listeners[symbol] == nil {
		d.listeners[symbol] = make(map[int]func(marketdata.Bar))
	}
	d.listeners[symbol][id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.listeners[symbol], id)
		if len(d.listeners[symbol]) == 0 {
			delete(d.listeners, symbol)
		}
	}
}

func (d *Dashboard) onBrokerTrade(t broker.Trade) {
	if d.store == nil {
		return
	}
	err := d.store.RecordTrade(d.runContext(), models.Trade{
		TradeID:   d.ID + ":" + t.ID,
		Source:    models.SourceBroker,
		Symbol:    t.Symbol,
		Type:      string(t.Side),
		Price:     t.Price,
		Quantity:  t.Quantity,
		Fees:      t.Fees,
		Timestamp: t.Timestamp.UnixMilli(),
		Profit:    t.Pnl,
	})
	if err != nil {
		d.logger.Debug("Failed to record broker trade", zap.String("trade_id", t.ID), zap.Error(err))
	}
}

func (d *Dashboard) onBotTrade(e bots.Execution) {
	ctx := d.runContext()
	if d.store != nil {
		err := d.store.RecordTrade(ctx, models.Trade{
			TradeID:   uuid.NewString(),
			Source:    models.SourceBot,
			BotID:     e.BotID,
			Symbol:    e.Asset,
			Type:      e.Mark.Type,
			Price:     e.Price,
			Quantity:  e.Quantity,
			Timestamp: e.Mark.Timestamp,
			Profit:    e.Pnl,
		})
		if err != nil {
			d.logger.Debug("Failed to record bot trade", zap.String("bot", e.BotID), zap.Error(err))
		}
	}
	d.Persist(ctx)
}

// Persist writes the bot state locally and to the mirror. Failures are
// logged and swallowed.
func (d *Dashboard) Persist(ctx context.Context) {
	state := d.Bots.State()
	if d.store != nil {
		if err := d.store.Save(ctx, state); err != nil {
			d.logger.Debug("Failed to save bot state", zap.Error(err))
		}
		if err := d.store.SaveAllocations(ctx, d.Account.Allocations()); err != nil {
			d.logger.Debug("Failed to save allocations", zap.Error(err))
		}
	}
	if d.mirrorEnabled() {
		if err := d.mirror.PushState(ctx, state); err != nil {
			d.logger.Debug("Failed to push bot state", zap.Error(err))
		}
	}
}

// ImportState replaces the bot state with one pushed by a peer and saves
// it locally. It is not forwarded to the mirror.
func (d *Dashboard) ImportState(ctx context.Context, state bots.State) {
	d.Bots.Restore(state)
	if d.store == nil {
		return
	}
	if err := d.store.Save(ctx, d.Bots.State()); err != nil {
		d.logger.Debug("Failed to save imported bot state", zap.Error(err))
	}
}

// RestoreState loads the local snapshot, then lets the mirror's state
// override it. It reports whether anything was restored.
func (d *Dashboard) RestoreState(ctx context.Context) bool {
	restored := false
	if d.store != nil {
		if state, ok, err := d.store.Load(ctx); err != nil {
			d.logger.Debug("Failed to load bot state", zap.Error(err))
		} else if ok {
			d.Bots.Restore(state)
			restored = true
		}
		if allocations, err := d.store.LoadAllocations(ctx); err != nil {
			d.logger.Debug("Failed to load allocations", zap.Error(err))
		} else if len(allocations) > 0 {
			d.Account.RestoreAllocations(allocations)
			d.Account.Recompute(d.Broker.TotalPnl())
			restored = true
		}
	}
	if d.mirrorEnabled() {
		if state, ok, err := d.mirror.PullState(ctx); err != nil {
			d.logger.Debug("Failed to pull bot state", zap.Error(err))
		} else if ok {
			d.Bots.Restore(state)
			restored = true
		}
	}
	if restored {
		d.logger.Info("Bot state restored")
	}
	return restored
}

// SelectBot makes id the current bot and warms its popular timeframes.
func (d *Dashboard) SelectBot(id string) (bots.Bot, error) {
	b, err := d.Bots.Select(id)
	if err != nil || id == "" {
		return b, err
	}
	d.prefetch(marketdata.Canonical(b.Asset), "")
	return b, nil
}

func (d *Dashboard) selectIfGiven(id string) error {
	if id == "" {
		return nil
	}
	_, err := d.Bots.Select(id)
	return err
}

// StartBot selects id when given, activates the current bot and starts
// its simulated trading.
func (d *Dashboard) StartBot(id string) (bots.Bot, error) {
	if err := d.selectIfGiven(id); err != nil {
		return bots.Bot{}, err
	}
	b, err := d.Bots.Start()
	if err != nil {
		return bots.Bot{}, err
	}
	d.startSimulation(b.ID)
	return b, nil
}

// PauseBot selects id when given and pauses the current bot.
func (d *Dashboard) PauseBot(id string) (bots.Bot, error) {
	if err := d.selectIfGiven(id); err != nil {
		return bots.Bot{}, err
	}
	b, err := d.Bots.Pause()
	if err != nil {
		return bots.Bot{}, err
	}
	d.stopSimulation(b.ID)
	return b, nil
}

// ResetBot selects id when given and resets the current bot.
func (d *Dashboard) ResetBot(id string) (bots.Bot, error) {
	if err := d.selectIfGiven(id); err != nil {
		return bots.Bot{}, err
	}
	b, err := d.Bots.Reset()
	if err != nil {
		return bots.Bot{}, err
	}
	d.stopSimulation(b.ID)
	return b, nil
}

// DeactivateBot stops id and clears the selection if it was selected.
func (d *Dashboard) DeactivateBot(id string) (bots.Bot, error) {
	b, err := d.Bots.Deactivate(id)
	if err != nil {
		return bots.Bot{}, err
	}
	d.stopSimulation(id)
	return b, nil
}

// DeleteBot stops and removes id.
func (d *Dashboard) DeleteBot(id string) error {
	d.stopSimulation(id)
	return d.Bots.Delete(id)
}

func (d *Dashboard) startSimulation(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, running := d.simulations[id]; running || d.closing {
		return
	}
	ctx, cancel := context.WithCancel(d.baseCtx)
	sim := &simulation{cancel: cancel}
	d.simulations[id] = sim

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Simulator.Run(ctx, id)
		cancel()
		d.mu.Lock()
		if d.simulations[id] == sim {
			delete(d.simulations, id)
		}
		d.mu.Unlock()
	}()
}

func (d *Dashboard) stopSimulation(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sim, ok := d.simulations[id]; ok {
		sim.cancel()
		delete(d.simulations, id)
	}
}

// shutdown refuses new background work, stops every simulation and waits
// for what is already running.
func (d *Dashboard) shutdown() {
	d.mu.Lock()
	d.closing = true
	for id, sim := range d.simulations {
		sim.cancel()
		delete(d.simulations, id)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Running reports whether id has a live simulation.
func (d *Dashboard) Running(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.simulations[id]
	return ok
}

// BotView is a bot with its money figures.
type BotView struct {
	bots.Bot
	Selected    bool            `json:"selected"`
	Allocation  float64         `json:"allocation"`
	LastPrice   float64         `json:"last_price"`
	Unrealized  float64         `json:"unrealized_pnl"`
	Performance float64         `json:"performance_pct"`
	Metrics     ledger.Position `json:"metrics"`
}

// BotViews lists every bot with allocation, metrics and performance.
func (d *Dashboard) BotViews() []BotView {
	selected, _ := d.Bots.Selected()
	list := d.Bots.List()
	views := make([]BotView, 0, len(list))
	for _, b := range list {
		m := d.Bots.Metrics(b.ID)
		price := d.Feed.CurrentPrice(b.Asset)
		alloc := d.Account.Allocation(b.ID)
		views = append(views, BotView{
			Bot:         b,
			Selected:    b.ID == selected.ID,
			Allocation:  alloc,
			LastPrice:   price,
			Unrealized:  m.UnrealizedAt(price),
			Performance: d.Bots.Performance(b.ID, price, alloc),
			Metrics:     m,
		})
	}
	return views
}

// Timeframe returns the series of symbol at tf. A cached series is
// returned unchanged; otherwise the mirror is asked first and the
// generator is the fallback. Popular timeframes are warmed afterwards.
func (d *Dashboard) Timeframe(ctx context.Context, symbol string, tf marketdata.Timeframe) ([]marketdata.Bar, marketdata.Source) {
	symbol = marketdata.Canonical(symbol)

	if !d.Cache.Has(symbol, tf) && d.mirrorEnabled() {
		bars, err := d.mirror.FetchTimeframe(ctx, symbol, string(tf))
		if err != nil {
			d.logger.Debug("Live timeframe unavailable",
				zap.String("symbol", symbol), zap.String("timeframe", string(tf)), zap.Error(err))
		} else {
			d.Cache.Put(symbol, tf, bars, marketdata.SourceLive)
		}
	}
	bars := d.Cache.GetOrGenerate(symbol, tf)
	source, _ := d.Cache.SourceOf(symbol, tf)

	d.prefetch(symbol, tf)
	return bars, source
}

func (d *Dashboard) prefetch(symbol string, skip marketdata.Timeframe) {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return
	}
	ctx := d.baseCtx
	d.wg.Add(1)
	d.mu.Unlock()
	go func() {
		defer d.wg.Done()
		d.Cache.Prefetch(ctx, symbol, skip)
	}()
}

// Connect logs the broker in and marks positions at the feed's prices.
func (d *Dashboard) Connect(ctx context.Context, apiKey, apiSecret, brokerName string) error {
	if err := d.Broker.Connect(ctx, apiKey, apiSecret, brokerName); err != nil {
		return err
	}
	d.Broker.UpdatePrices(d.Feed.Prices())
	return nil
}

// PlaceOrder places an order on the broker. Bot assets are resolved to
// their market symbol.
func (d *Dashboard) PlaceOrder(symbol string, side ledger.Side, quantity, price float64) (string, error) {
	return d.Broker.PlaceOrder(marketdata.Canonical(strings.TrimSpace(symbol)), side, quantity, price)
}

// Deposit adds funds to the account.
func (d *Dashboard) Deposit(amount float64) error {
	if !d.Account.Deposit(amount) {
		return fmt.Errorf("%w: %v", ledger.ErrInvalidAmount, amount)
	}
	return nil
}

// Transfer moves funds from the account to bot id.
func (d *Dashboard) Transfer(ctx context.Context, id string, amount float64) error {
	if _, err := d.Bots.Get(id); err != nil {
		return err
	}
	if err := d.Account.TransferToBot(id, amount); err != nil {
		return err
	}
	d.saveAllocations(ctx)
	return nil
}

// Withdraw moves funds from bot id back to the account.
func (d *Dashboard) Withdraw(ctx context.Context, id string, amount float64) error {
	if err := d.Account.WithdrawFromBot(id, amount); err != nil {
		return err
	}
	d.saveAllocations(ctx)
	return nil
}

func (d *Dashboard) saveAllocations(ctx context.Context) {
	if d.store == nil {
		return
	}
	if err := d.store.SaveAllocations(ctx, d.Account.Allocations()); err != nil {
		d.logger.Debug("Failed to save allocations", zap.Error(err))
	}
}

// TradeHistory returns stored trades, newest first.
func (d *Dashboard) TradeHistory(ctx context.Context, limit int) ([]models.Trade, error) {
	if d.store == nil {
		return nil, ErrNoStore
	}
	return d.store.RecentTrades(ctx, limit)
}
