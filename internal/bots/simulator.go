package bots

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"atb-dashboard-go/internal/config"
	"atb-dashboard-go/internal/ledger"
	"atb-dashboard-go/internal/marketdata"
	"go.uber.org/zap"
)

// PriceSource supplies the latest price of a market.
type PriceSource interface {
	CurrentPrice(symbol string) float64
}

// Execution is a simulated trade made by a bot.
type Execution struct {
	BotID    string
	Asset    string
	Side     ledger.Side
	Quantity float64
	Price    float64
	Pnl      float64
	Mark     TradeMark
}

// Simulator drives random trading activity for active bots.
type Simulator struct {
	logger   *zap.Logger
	cfg      config.Bots
	registry *Registry
	prices   PriceSource
	random   func() float64
	index    func(symbol string) int
	onTrade  func(Execution)
}

// SimulatorOption customises a Simulator.
type SimulatorOption func(*Simulator)

// WithRandom replaces the random source.
func WithRandom(random func() float64) SimulatorOption {
	return func(s *Simulator) { s.random = random }
}

// WithBarIndex sets the function that gives the chart index a new trade
// mark points at.
func WithBarIndex(index func(symbol string) int) SimulatorOption {
	return func(s *Simulator) { s.index = index }
}

// WithTradeHandler registers fn for every simulated trade.
func WithTradeHandler(fn func(Execution)) SimulatorOption {
	return func(s *Simulator) { s.onTrade = fn }
}

// NewSimulator returns a simulator trading registry bots at prices.
func NewSimulator(cfg config.Bots, registry *Registry, prices PriceSource, logger *zap.Logger, opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		logger:   logger.Named("simulator"),
		cfg:      cfg,
		registry: registry,
		prices:   prices,
		random:   rand.Float64,
		index:    func(string) int { return 0 },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.MaxTradeQuantity <= 0 {
		s.cfg.MaxTradeQuantity = 1
	}
	return s
}

// Step gives botID one chance to trade. It reports false when the bot is
// inactive or skipped this round.
func (s *Simulator) Step(botID string) (Execution, bool) {
	bot, err := s.registry.Get(botID)
	if err != nil || !bot.Active {
		return Execution{}, false
	}
	if s.random() >= s.cfg.TradeProbability {
		return Execution{}, false
	}

	side := ledger.Sell
	if s.random() < 0.5 {
		side = ledger.Buy
	}
	qty := math.Floor(s.random()*float64(s.cfg.MaxTradeQuantity)) + 1
	symbol := marketdata.Canonical(bot.Asset)
	price := s.prices.CurrentPrice(symbol)

	mark, pnl, err := s.registry.RecordTrade(botID, side, qty, price, s.index(symbol))
	if err != nil {
		s.logger.Warn("Simulated trade rejected", zap.String("bot", botID), zap.Error(err))
		return Execution{}, false
	}
	exec := Execution{
		BotID:    botID,
		Asset:    bot.Asset,
		Side:     side,
		Quantity: qty,
		Price:    price,
		Pnl:      pnl,
		Mark:     mark,
	}
	s.logger.Info("Trade executed",
		zap.String("bot", bot.Name),
		zap.String("side", mark.Type),
		zap.Float64("quantity", qty),
		zap.String("asset", bot.Asset),
		zap.Float64("price", price))
	if s.onTrade != nil {
		s.onTrade(exec)
	}
	return exec, true
}

// NextDelay draws the wait before the next Step.
func (s *Simulator) NextDelay() time.Duration {
	span := s.cfg.ActivityMax - s.cfg.ActivityMin
	if span <= 0 {
		return s.cfg.ActivityMin
	}
	return s.cfg.ActivityMin + time.Duration(s.random()*float64(span))
}

// Run steps botID until it goes inactive or ctx ends. The first step
// happens immediately.
func (s *Simulator) Run(ctx context.Context, botID string) {
	for {
		s.Step(botID)
		if !s.registry.IsActive(botID) {
			return
		}
		timer := time.NewTimer(s.NextDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if !s.registry.IsActive(botID) {
			return
		}
	}
}
