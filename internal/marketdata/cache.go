package marketdata

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Source records where a cached series came from.
type Source string

const (
	SourceSimulated Source = "simulated"
	SourceLive      Source = "live"
)

const defaultCacheSymbols = 256

// Fetcher loads a timeframe series from a remote backend.
type Fetcher interface {
	FetchTimeframe(ctx context.Context, symbol, timeframe string) ([]Bar, error)
}

type cachedSeries struct {
	bars   []Bar
	source Source
}

// TimeframeCache memoises series per (symbol, timeframe). A stored series
// is returned as is on every later lookup, so a chart polling the cache
// never sees its data change. Symbols are evicted least recently used
// once the bound is reached.
type TimeframeCache struct {
	logger  *zap.Logger
	now     func() time.Time
	fetcher Fetcher
	popular []Timeframe

	mu      sync.Mutex
	symbols *lru.Cache[string, map[Timeframe]cachedSeries]
}

// NewTimeframeCache builds a cache bounded to maxSymbols symbols. fetcher
// may be nil, in which case Prefetch generates locally.
func NewTimeframeCache(maxSymbols int, popular []Timeframe, fetcher Fetcher, logger *zap.Logger) *TimeframeCache {
	if maxSymbols <= 0 {
		maxSymbols = defaultCacheSymbols
	}
	symbols, err := lru.New[string, map[Timeframe]cachedSeries](maxSymbols)
	if err != nil {
		// Only reachable with a non-positive size.
		panic(err)
	}
	return &TimeframeCache{
		logger:  logger.Named("tf-cache"),
		now:     time.Now,
		fetcher: fetcher,
		popular: popular,
		symbols: symbols,
	}
}

// GetOrGenerate returns the cached series of (symbol, tf), generating and
// storing it on a miss. The returned slice is shared; callers must not
// modify it.
func (c *TimeframeCache) GetOrGenerate(symbol string, tf Timeframe) []Bar {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.symbols.Get(symbol)
	if ok {
		if s, hit := entry[tf]; hit && len(s.bars) > 0 {
			return s.bars
		}
	} else {
		entry = make(map[Timeframe]cachedSeries)
		c.symbols.Add(symbol, entry)
	}

	bars := Generate(symbol, tf, c.now())
	entry[tf] = cachedSeries{bars: bars, source: SourceSimulated}
	return bars
}

// Put stores a series. Empty series are ignored.
func (c *TimeframeCache) Put(symbol string, tf Timeframe, bars []Bar, source Source) {
	if len(bars) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.symbols.Get(symbol)
	if !ok {
		entry = make(map[Timeframe]cachedSeries)
		c.symbols.Add(symbol, entry)
	}
	entry[tf] = cachedSeries{bars: bars, source: source}
}

// PutIfAbsent stores a series unless one is already cached. It reports
// whether bars were stored.
func (c *TimeframeCache) PutIfAbsent(symbol string, tf Timeframe, bars []Bar, source Source) bool {
	if len(bars) == 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.symbols.Get(symbol)
	if !ok {
		entry = make(map[Timeframe]cachedSeries)
		c.symbols.Add(symbol, entry)
	}
	if len(entry[tf].bars) > 0 {
		return false
	}
	entry[tf] = cachedSeries{bars: bars, source: source}
	return true
}

// Has reports whether a non-empty series is cached.
func (c *TimeframeCache) Has(symbol string, tf Timeframe) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.symbols.Peek(symbol)
	if !ok {
		return false
	}
	return len(entry[tf].bars) > 0
}

// SourceOf reports the provenance of a cached series.
func (c *TimeframeCache) SourceOf(symbol string, tf Timeframe) (Source, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.symbols.Peek(symbol)
	if !ok {
		return "", false
	}
	s, ok := entry[tf]
	if !ok || len(s.bars) == 0 {
		return "", false
	}
	return s.source, true
}

// Len returns the number of cached symbols.
func (c *TimeframeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.symbols.Len()
}

// Clear drops everything.
func (c *TimeframeCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.symbols.Purge()
}

// Prefetch warms the popular timeframes of symbol, skipping skip and any
// timeframe already cached, including one cached while its fetch was in
// flight. Fetch failures are logged and ignored. It
// returns the number of series stored.
func (c *TimeframeCache) Prefetch(ctx context.Context, symbol string, skip Timeframe) int {
	if symbol == "" {
		return 0
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		warmed int
	)
	for _, tf := range c.popular {
		if tf == skip || c.Has(symbol, tf) {
			continue
		}
		if c.fetcher == nil {
			c.GetOrGenerate(symbol, tf)
			warmed++
			continue
		}

		wg.Add(1)
		go func(tf Timeframe) {
			defer wg.Done()
			bars, err := c.fetcher.FetchTimeframe(ctx, symbol, string(tf))
			if err != nil {
				c.logger.Debug("Prefetch failed",
					zap.String("symbol", symbol),
					zap.String("timeframe", string(tf)),
					zap.Error(err))
				return
			}
			if !c.PutIfAbsent(symbol, tf, bars, SourceLive) {
				return
			}
			mu.Lock()
			warmed++
			mu.Unlock()
		}(tf)
	}
	wg.Wait()
	return warmed
}
