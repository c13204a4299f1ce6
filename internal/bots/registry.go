package bots

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"atb-dashboard-go/internal/ledger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrBotNotFound   = errors.New("bot not found")
	ErrNoBotSelected = errors.New("no bot selected")
	ErrInvalidBot    = errors.New("bot needs a name and an asset")
)

// Default configuration a bot returns to on reset.
const (
	DefaultStrategy       = "ma"
	DefaultFrequency      = "realtime"
	DefaultRisk           = "medium"
	DefaultDailyLossLimit = 1000
	DefaultMaxPositions   = 10
)

// Bot is a simulated trading bot bound to one asset.
type Bot struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Asset          string    `json:"asset"`
	Type           string    `json:"type"`
	Active         bool      `json:"active"`
	Strategy       string    `json:"strategy"`
	Frequency      string    `json:"frequency"`
	Risk           string    `json:"risk"`
	FloorPrice     float64   `json:"floor_price"`
	DailyLossLimit float64   `json:"daily_loss_limit"`
	MaxPositions   int       `json:"max_positions"`
	Created        time.Time `json:"created"`
}

// TradeMark is a chart annotation for a simulated bot trade.
type TradeMark struct {
	Type      string  `json:"type"`
	Index     int     `json:"index"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"`
}

// State is the persisted part of the registry.
type State struct {
	BotTrades  map[string][]TradeMark     `json:"botTrades"`
	BotMetrics map[string]ledger.Position `json:"botMetrics"`
}

// AssetType classifies an asset as crypto or stock.
func AssetType(asset string) string {
	a := strings.ToUpper(asset)
	if a == "BTC" || a == "ETH" || strings.HasSuffix(a, "-USD") {
		return "crypto"
	}
	return "stock"
}

func defaultBot(id, name, asset string) Bot {
	return Bot{
		ID:             id,
		Name:           name,
		Asset:          asset,
		Type:           AssetType(asset),
		Strategy:       DefaultStrategy,
		Frequency:      DefaultFrequency,
		Risk:           DefaultRisk,
		DailyLossLimit: DefaultDailyLossLimit,
		MaxPositions:   DefaultMaxPositions,
	}
}

// DefaultBots returns the built-in bot roster.
func DefaultBots() []Bot {
	return []Bot{
		defaultBot("bot1", "Stock Bot 1", "AAPL"),
		defaultBot("bot2", "Stock Bot 2", "GOOGL"),
		defaultBot("bot3", "Stock Bot 3", "MSFT"),
		defaultBot("bot4", "Stock Bot 4", "TSLA"),
		defaultBot("bot5", "Stock Bot 5", "AMZN"),
		defaultBot("bot6", "Crypto Bot 1", "BTC"),
		defaultBot("bot7", "Crypto Bot 2", "ETH"),
	}
}

// Registry owns the bot roster, the current selection and each bot's
// trade marks and cost-basis metrics.
type Registry struct {
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	bots     map[string]*Bot
	selected string
	marks    map[string][]TradeMark
	metrics  *ledger.Book
}

// Option customises a Registry.
type Option func(*Registry)

// WithClock replaces time.Now for trade timestamps and the daily rollover.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry returns a registry holding the default bots.
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		logger: logger.Named("bots"),
		now:    time.Now,
		bots:   make(map[string]*Bot),
		marks:  make(map[string][]TradeMark),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.metrics = ledger.NewBook(ledger.WithClock(func() time.Time { return r.now() }))
	for _, b := range DefaultBots() {
		b := b
		b.Created = r.now()
		r.bots[b.ID] = &b
	}
	return r
}

// Select makes id the current bot. An empty id clears the selection.
func (r *Registry) Select(id string) (Bot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == "" {
		r.selected = ""
		return Bot{}, nil
	}
	b, ok := r.bots[id]
	if !ok {
		return Bot{}, fmt.Errorf("%w: %s", ErrBotNotFound, id)
	}
	r.selected = id
	r.logger.Info("Bot selected", zap.String("bot", id), zap.String("asset", b.Asset))
	return *b, nil
}

// Selected returns the current bot.
func (r *Registry) Selected() (Bot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bots[r.selected]
	if !ok {
		return Bot{}, false
	}
	return *b, true
}

func (r *Registry) selectedLocked() (*Bot, error) {
	if r.selected == "" {
		return nil, ErrNoBotSelected
	}
	b, ok := r.bots[r.selected]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBotNotFound, r.selected)
	}
	return b, nil
}

// Start activates the current bot.
func (r *Registry) Start() (Bot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := r.selectedLocked()
	if err != nil {
		return Bot{}, err
	}
	b.Active = true
	r.logger.Info("Bot started", zap.String("bot", b.ID))
	return *b, nil
}

// Pause deactivates the current bot and keeps it selected.
func (r *Registry) Pause() (Bot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := r.selectedLocked()
	if err != nil {
		return Bot{}, err
	}
	b.Active = false
	r.logger.Info("Bot paused", zap.String("bot", b.ID))
	return *b, nil
}

// Reset deactivates the current bot and restores its default frequency
// and risk settings. Name, asset and metrics are kept.
func (r *Registry) Reset() (Bot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := r.selectedLocked()
	if err != nil {
		return Bot{}, err
	}
	b.Active = false
	b.Frequency = DefaultFrequency
	b.Risk = DefaultRisk
	r.logger.Info("Bot reset", zap.String("bot", b.ID))
	return *b, nil
}

// Deactivate stops id and clears the selection if it was selected.
func (r *Registry) Deactivate(id string) (Bot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bots[id]
	if !ok {
		return Bot{}, fmt.Errorf("%w: %s", ErrBotNotFound, id)
	}
	b.Active = false
	if r.selected == id {
		r.selected = ""
	}
	r.logger.Info("Bot deactivated", zap.String("bot", id))
	return *b, nil
}

// Delete removes id from the roster. Its metrics and marks are kept so a
// later restore of the same id finds them.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bots[id]; !ok {
		return fmt.Errorf("%w: %s", ErrBotNotFound, id)
	}
	delete(r.bots, id)
	if r.selected == id {
		r.selected = ""
	}
	r.logger.Info("Bot deleted", zap.String("bot", id))
	return nil
}

// Add registers a new inactive bot and returns it with its generated id.
// Zero-valued settings take the defaults.
func (r *Registry) Add(b Bot) (Bot, error) {
	b.Name = strings.TrimSpace(b.Name)
	b.Asset = strings.TrimSpace(b.Asset)
	if b.Name == "" || b.Asset == "" {
		return Bot{}, ErrInvalidBot
	}
	b.ID = "bot_" + uuid.NewString()
	b.Type = AssetType(b.Asset)
	b.Active = false
	if b.Strategy == "" {
		b.Strategy = DefaultStrategy
	}
	if b.Frequency == "" {
		b.Frequency = DefaultFrequency
	}
	if b.Risk == "" {
		b.Risk = DefaultRisk
	}
	if b.DailyLossLimit <= 0 {
		b.DailyLossLimit = DefaultDailyLossLimit
	}
	if b.MaxPositions <= 0 {
		b.MaxPositions = DefaultMaxPositions
	}
	b.Created = r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.bots[b.ID] = &b
	r.logger.Info("Bot created", zap.String("bot", b.ID), zap.String("asset", b.Asset))
	return b, nil
}

// Update overwrites the settings of id. Empty name and asset keep the
// current values; the id, activity and creation time never change.
func (r *Registry) Update(id string, settings Bot) (Bot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bots[id]
	if !ok {
		return Bot{}, fmt.Errorf("%w: %s", ErrBotNotFound, id)
	}
	if name := strings.TrimSpace(settings.Name); name != "" {
		b.Name = name
	}
	if asset := strings.TrimSpace(settings.Asset); asset != "" {
		b.Asset = asset
		b.Type = AssetType(asset)
	}
	b.Strategy = settings.Strategy
	b.Frequency = settings.Frequency
	b.Risk = settings.Risk
	b.FloorPrice = settings.FloorPrice
	b.DailyLossLimit = settings.DailyLossLimit
	b.MaxPositions = settings.MaxPositions
	return *b, nil
}

// Get returns a copy of bot id.
func (r *Registry) Get(id string) (Bot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bots[id]
	if !ok {
		return Bot{}, fmt.Errorf("%w: %s", ErrBotNotFound, id)
	}
	return *b, nil
}

// List returns every bot ordered by id.
func (r *Registry) List() []Bot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Bot, 0, len(r.bots))
	for _, b := range r.bots {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IsActive reports whether id exists and is running.
func (r *Registry) IsActive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bots[id]
	return ok && b.Active
}

// RecordTrade books a simulated trade for botID at price and stores a
// chart mark at index. Sells are capped at the bot's holding. It returns
// the realized P&L of the trade.
func (r *Registry) RecordTrade(botID string, side ledger.Side, quantity, price float64, index int) (TradeMark, float64, error) {
	pnl, err := r.metrics.ApplyFill(botID, side, quantity, price)
	if err != nil {
		return TradeMark{}, 0, fmt.Errorf("could not record trade for %s: %w", botID, err)
	}
	mark := TradeMark{
		Type:      strings.ToUpper(string(side)),
		Index:     index,
		Price:     price,
		Timestamp: r.now().UnixMilli(),
	}

	r.mu.Lock()
	r.marks[botID] = append(r.marks[botID], mark)
	r.mu.Unlock()
	return mark, pnl, nil
}

// Metrics returns the cost-basis metrics of botID. Bots without trades
// report a zero position.
func (r *Registry) Metrics(botID string) ledger.Position {
	p, ok := r.metrics.Position(botID)
	if !ok {
		return ledger.Position{Key: botID}
	}
	return p
}

// Marks returns the trade marks of botID.
func (r *Registry) Marks(botID string) []TradeMark {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TradeMark(nil), r.marks[botID]...)
}

// Performance is the percentage return of botID on allocation with its
// open quantity valued at lastPrice.
func (r *Registry) Performance(botID string, lastPrice, allocation float64) float64 {
	m := r.Metrics(botID)
	return ledger.Performance(allocation, m.RealizedPnl, m.UnrealizedAt(lastPrice))
}

// State snapshots trade marks and metrics for persistence.
func (r *Registry) State() State {
	r.mu.Lock()
	marks := make(map[string][]TradeMark, len(r.marks))
	for id, m := range r.marks {
		marks[id] = append([]TradeMark(nil), m...)
	}
	r.mu.Unlock()

	return State{
		BotTrades:  marks,
		BotMetrics: r.metrics.Snapshot(),
	}
}

// Restore replaces trade marks and metrics with s. Nil maps leave the
// corresponding part untouched.
func (r *Registry) Restore(s State) {
	if s.BotMetrics != nil {
		r.metrics.Restore(s.BotMetrics)
	}
	if s.BotTrades == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marks = make(map[string][]TradeMark, len(s.BotTrades))
	for id, m := range s.BotTrades {
		r.marks[id] = append([]TradeMark(nil), m...)
	}
}
