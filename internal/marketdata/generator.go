package marketdata

import (
	"math"
	"time"
)

// Generate produces the chart series of a (symbol, timeframe) pair ending
// at now. Every bar is derived from BarSeed alone, so the values are a
// pure function of symbol, timeframe and index; only the timestamps move
// with now.
func Generate(symbol string, tf Timeframe, now time.Time) []Bar {
	base := BasePrice(symbol)
	count := tf.Samples()
	interval := tf.Interval()

	bars := make([]Bar, 0, count)
	for i := count - 1; i >= 0; i-- {
		seed := BarSeed(symbol, tf, i)
		variation := (PRNG(seed) - 0.5) * 0.02
		price := base * (1 + variation)

		bars = append(bars, Bar{
			Time:   now.Add(-time.Duration(i) * interval),
			Open:   price * (1 + (PRNG(seed+4)-0.5)*0.005),
			High:   price * (1 + PRNG(seed+2)*0.01),
			Low:    price * (1 - PRNG(seed+3)*0.01),
			Close:  price,
			Price:  price,
			Volume: math.Floor(PRNG(seed+1) * 1000000),
		})
	}
	return bars
}

// GenerateHistorical produces count one-minute bars ending at now as a
// random walk driven by stream. Each close depends on the previous one,
// so this series is unrelated to Generate's output for the same symbol.
func GenerateHistorical(symbol string, count int, now time.Time, stream *Stream) []Bar {
	if count <= 0 {
		return nil
	}
	vol := Volatility(symbol)
	price := BasePrice(symbol)

	bars := make([]Bar, 0, count)
	for i := 0; i < count; i++ {
		change := stream.Next()*vol*0.02 - vol*0.01
		price = math.Max(0.01, price*(1+change))

		open := price
		if i > 0 {
			open = bars[i-1].Close
		}
		high := math.Max(open, price) * (1 + stream.Next()*0.01)
		low := math.Min(open, price) * (1 - stream.Next()*0.01)
		volume := math.Floor(stream.Next()*1000000) + 100000

		bars = append(bars, Bar{
			Time:   now.Add(-time.Duration(count-i) * time.Minute),
			Open:   open,
			High:   high,
			Low:    low,
			Close:  price,
			Price:  price,
			Volume: volume,
		})
	}
	return bars
}

// NextBar extends a live series by one random walk step from prev.
func NextBar(prev Bar, symbol string, at time.Time, stream *Stream) Bar {
	vol := Volatility(symbol)
	change := stream.Next()*vol*0.001 - vol*0.0005
	price := math.Max(0.01, prev.Close*(1+change))

	volume := math.Floor(stream.Next()*10000) + 1000
	high := math.Max(prev.Close, price) * (1 + stream.Next()*0.005)
	low := math.Min(prev.Close, price) * (1 - stream.Next()*0.005)

	return Bar{
		Time:   at,
		Open:   prev.Close,
		High:   high,
		Low:    low,
		Close:  price,
		Price:  price,
		Volume: volume,
	}
}
