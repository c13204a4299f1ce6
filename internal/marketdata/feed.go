package marketdata

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"atb-dashboard-go/internal/config"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type series struct {
	bars       []Bar
	lastUpdate time.Time
}

type subscription struct {
	symbol    string
	timeframe Timeframe
	stop      chan struct{}
	done      chan struct{}
}

// Feed is the live synthetic data source. It keeps one bounded series per
// market and extends it on subscription ticks.
type Feed struct {
	logger       *zap.Logger
	now          func() time.Time
	tickInterval time.Duration
	maxBars      int

	mu     sync.Mutex
	stream *Stream
	data   map[string]*series
	subs   map[string]*subscription
	closed bool
}

// FeedOption customises a Feed.
type FeedOption func(*Feed)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) FeedOption {
	return func(f *Feed) { f.now = now }
}

// NewFeed seeds every configured market with a historical random walk.
func NewFeed(cfg config.Feed, logger *zap.Logger, opts ...FeedOption) *Feed {
	f := &Feed{
		logger:       logger.Named("feed"),
		now:          time.Now,
		tickInterval: cfg.TickInterval,
		maxBars:      cfg.MaxBars,
		data:         make(map[string]*series),
		subs:         make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.tickInterval <= 0 {
		f.tickInterval = time.Second
	}
	if f.maxBars <= 0 {
		f.maxBars = 1000
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = DefaultStreamSeed
	}
	f.stream = NewStream(seed)

	now := f.now()
	for _, symbol := range cfg.Markets {
		bars := GenerateHistorical(symbol, cfg.HistoryBars, now, f.stream)
		if len(bars) > f.maxBars {
			bars = bars[len(bars)-f.maxBars:]
		}
		f.data[symbol] = &series{bars: bars, lastUpdate: now}
	}
	f.logger.Info("Market data initialised",
		zap.Int("markets", len(f.data)),
		zap.Int("history_bars", cfg.HistoryBars))
	return f
}

// Subscribe starts emitting one new bar per tick for symbol. Ticks of a
// subscription never overlap: the callback runs on the subscription's
// own goroutine.
func (f *Feed) Subscribe(symbol string, tf Timeframe, onBar func(Bar)) (string, error) {
	symbol = Canonical(symbol)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", ErrFeedClosed
	}
	if _, ok := f.data[symbol]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}

	id := fmt.Sprintf("%s_%s_%s", symbol, tf, uuid.NewString())
	sub := &subscription{
		symbol:    symbol,
		timeframe: tf,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	f.subs[id] = sub
	go f.run(sub, onBar)

	f.logger.Debug("Subscribed", zap.String("subscription", id))
	return id, nil
}

func (f *Feed) run(sub *subscription, onBar func(Bar)) {
	defer close(sub.done)
	ticker := time.NewTicker(f.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sub.stop:
			return
		case <-ticker.C:
			bar, ok := f.Step(sub.symbol)
			if !ok {
				continue
			}
			select {
			case <-sub.stop:
				return
			default:
			}
			onBar(bar)
		}
	}
}

// Step appends one live bar to symbol's series and returns it.
func (f *Feed) Step(symbol string) (Bar, bool) {
	symbol = Canonical(symbol)

	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.data[symbol]
	if !ok || len(s.bars) == 0 {
		return Bar{}, false
	}
	now := f.now()
	bar := NextBar(s.bars[len(s.bars)-1], symbol, now, f.stream)
	s.bars = append(s.bars, bar)
	if len(s.bars) > f.maxBars {
		s.bars = append([]Bar(nil), s.bars[len(s.bars)-f.maxBars:]...)
	}
	s.lastUpdate = now
	return bar, true
}

// Unsubscribe cancels a subscription. It blocks until the subscription's
// goroutine has exited, so no callback fires after it returns. It must
// not be called from inside that subscription's own callback.
func (f *Feed) Unsubscribe(id string) bool {
	f.mu.Lock()
	sub, ok := f.subs[id]
	if ok {
		delete(f.subs, id)
	}
	f.mu.Unlock()
	if !ok {
		return false
	}
	close(sub.stop)
	<-sub.done
	f.logger.Debug("Unsubscribed", zap.String("subscription", id))
	return true
}

// Subscriptions returns the number of live subscriptions.
func (f *Feed) Subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close stops all subscriptions. The feed rejects new ones afterwards.
func (f *Feed) Close() {
	f.mu.Lock()
	f.closed = true
	ids := make([]string, 0, len(f.subs))
	for id := range f.subs {
		ids = append(ids, id)
	}
	f.mu.Unlock()

	for _, id := range ids {
		f.Unsubscribe(id)
	}
}

// CurrentPrice returns the last close of symbol, or its base price when
// no series exists.
func (f *Feed) CurrentPrice(symbol string) float64 {
	symbol = Canonical(symbol)

	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.data[symbol]
	if !ok || len(s.bars) == 0 {
		return BasePrice(symbol)
	}
	return s.bars[len(s.bars)-1].Close
}

// Prices snapshots the last close of every market.
func (f *Feed) Prices() map[string]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	prices := make(map[string]float64, len(f.data))
	for symbol, s := range f.data {
		if len(s.bars) > 0 {
			prices[symbol] = s.bars[len(s.bars)-1].Close
		}
	}
	return prices
}

// History returns the stored bars of symbol within [from, to], keeping
// every n-th bar when tf is coarser than the one-minute base series.
func (f *Feed) History(symbol string, tf Timeframe, from, to time.Time) []Bar {
	symbol = Canonical(symbol)

	f.mu.Lock()
	s, ok := f.data[symbol]
	var filtered []Bar
	if ok {
		for _, b := range s.bars {
			if !b.Time.Before(from) && !b.Time.After(to) {
				filtered = append(filtered, b)
			}
		}
	}
	f.mu.Unlock()

	stride := int(tf.Interval() / time.Minute)
	if stride <= 1 {
		return filtered
	}
	downsampled := make([]Bar, 0, len(filtered)/stride+1)
	for i := 0; i < len(filtered); i += stride {
		downsampled = append(downsampled, filtered[i])
	}
	return downsampled
}

// Symbols lists the tracked markets in lexical order.
func (f *Feed) Symbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	symbols := make([]string, 0, len(f.data))
	for symbol := range f.data {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// Summary reports the last move of every market holding at least two bars.
func (f *Feed) Summary() map[string]Quote {
	f.mu.Lock()
	defer f.mu.Unlock()
	summary := make(map[string]Quote, len(f.data))
	for symbol, s := range f.data {
		n := len(s.bars)
		if n < 2 {
			continue
		}
		current, previous := s.bars[n-1], s.bars[n-2]
		change := current.Close - previous.Close
		summary[symbol] = Quote{
			Price:         current.Close,
			Change:        change,
			ChangePercent: change / previous.Close * 100,
		}
	}
	return summary
}

// LastUpdate reports when symbol's series last changed.
func (f *Feed) LastUpdate(symbol string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.data[Canonical(symbol)]
	if !ok {
		return time.Time{}, false
	}
	return s.lastUpdate, true
}

// Len returns the number of stored bars of symbol.
func (f *Feed) Len(symbol string) int {
	symbol = Canonical(symbol)

	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.data[symbol]; ok {
		return len(s.bars)
	}
	return 0
}
