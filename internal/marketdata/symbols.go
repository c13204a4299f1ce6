package marketdata

const (
	// DefaultBasePrice is used for symbols missing from the price table.
	DefaultBasePrice = 100.0
	// DefaultVolatility is used for symbols missing from the volatility table.
	DefaultVolatility = 1.0
)

var basePrices = map[string]float64{
	"SI=F":    24.50,
	"GC=F":    1950.00,
	"CL=F":    75.30,
	"HG=F":    3.85,
	"PL=F":    950.00,
	"AAPL":    150.00,
	"GOOGL":   2800.00,
	"MSFT":    300.00,
	"TSLA":    200.00,
	"AMZN":    3200.00,
	"BTC-USD": 45000.00,
	"ETH-USD": 3000.00,
}

var volatilities = map[string]float64{
	"SI=F":    0.8,
	"GC=F":    0.6,
	"CL=F":    1.2,
	"HG=F":    1.0,
	"PL=F":    0.7,
	"AAPL":    0.5,
	"GOOGL":   0.6,
	"MSFT":    0.4,
	"TSLA":    1.5,
	"AMZN":    0.7,
	"BTC-USD": 2.0,
	"ETH-USD": 2.5,
}

// Bot assets use bare crypto tickers.
var aliases = map[string]string{
	"BTC": "BTC-USD",
	"ETH": "ETH-USD",
}

// Canonical resolves a bot asset to the symbol the feed tracks.
func Canonical(symbol string) string {
	if s, ok := aliases[symbol]; ok {
		return s
	}
	return symbol
}

// BasePrice returns the reference price of a symbol.
func BasePrice(symbol string) float64 {
	if p, ok := basePrices[Canonical(symbol)]; ok {
		return p
	}
	return DefaultBasePrice
}

// Volatility returns the volatility coefficient of a symbol.
func Volatility(symbol string) float64 {
	if v, ok := volatilities[Canonical(symbol)]; ok {
		return v
	}
	return DefaultVolatility
}
