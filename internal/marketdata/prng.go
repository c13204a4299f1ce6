package marketdata

import (
	"strconv"
	"unicode/utf16"
)

// Hash is a 31-multiplier rolling string hash over UTF-16 code units,
// wrapped to 32 bits. Identical input always yields the same seed.
func Hash(s string) uint32 {
	var h uint32
	for _, c := range utf16.Encode([]rune(s)) {
		h = h*31 + uint32(c)
	}
	return h
}

// PRNG maps a seed to a float in [0,1) with one xorshift32 round.
// It is a pure function: the same seed returns the same value forever.
func PRNG(seed uint32) float64 {
	x := seed
	if x == 0 {
		x = 1
	}
	x ^= x << 13
	x ^= x >> 17
	x ^= x << 5
	return float64(x%100000) / 100000
}

// BarSeed derives the seed of bar i of a (symbol, timeframe) series.
func BarSeed(symbol string, tf Timeframe, i int) uint32 {
	return Hash(symbol + "|" + string(tf) + "|" + strconv.Itoa(i))
}

const (
	streamMultiplier = 9301
	streamIncrement  = 49297
	streamModulus    = 233280

	// DefaultStreamSeed is the seed the live feed starts from.
	DefaultStreamSeed = 12345
)

// Stream is a rolling linear congruential generator used by the
// stateful random walk. It is not safe for concurrent use; the owner
// serialises access.
type Stream struct {
	seed uint64
}

// NewStream returns a stream starting at seed.
func NewStream(seed uint32) *Stream {
	return &Stream{seed: uint64(seed) % streamModulus}
}

// Next advances the stream and returns a float in [0,1).
func (s *Stream) Next() float64 {
	s.seed = (s.seed*streamMultiplier + streamIncrement) % streamModulus
	return float64(s.seed) / streamModulus
}
