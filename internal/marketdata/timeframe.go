package marketdata

import (
	"fmt"
	"time"
)

// Timeframe is a named chart granularity.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
	TF1w  Timeframe = "1w"
	TF1M  Timeframe = "1M"
	TF3M  Timeframe = "3M"
	TF6M  Timeframe = "6M"
	TF1y  Timeframe = "1y"
)

const day = 24 * time.Hour

type timeframeSpec struct {
	samples  int
	interval time.Duration
}

var timeframes = map[Timeframe]timeframeSpec{
	TF1m:  {60, time.Minute},
	TF5m:  {12, 5 * time.Minute},
	TF15m: {4, 15 * time.Minute},
	TF1h:  {24, time.Hour},
	TF4h:  {6, 4 * time.Hour},
	TF1d:  {7, day},
	TF1w:  {4, 7 * day},
	TF1M:  {12, 30 * day},
	TF3M:  {4, 90 * day},
	TF6M:  {2, 180 * day},
	TF1y:  {1, 365 * day},
}

// Timeframes lists every supported timeframe, shortest first.
var Timeframes = []Timeframe{TF1m, TF5m, TF15m, TF1h, TF4h, TF1d, TF1w, TF1M, TF3M, TF6M, TF1y}

// ParseTimeframe validates a timeframe name.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframes[tf]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTimeframe, s)
	}
	return tf, nil
}

// Valid reports whether tf is one of the supported timeframes.
func (tf Timeframe) Valid() bool {
	_, ok := timeframes[tf]
	return ok
}

// Samples is the number of bars Generate produces. Unknown timeframes use 1m.
func (tf Timeframe) Samples() int {
	if s, ok := timeframes[tf]; ok {
		return s.samples
	}
	return timeframes[TF1m].samples
}

// Interval is the spacing between bars. Unknown timeframes use one minute.
func (tf Timeframe) Interval() time.Duration {
	if s, ok := timeframes[tf]; ok {
		return s.interval
	}
	return time.Minute
}

// Lookback is the window covered by a generated series.
func (tf Timeframe) Lookback() time.Duration {
	return time.Duration(tf.Samples()) * tf.Interval()
}
