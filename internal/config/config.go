package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Logger      Logger      `mapstructure:"logger"`
	Server      Server      `mapstructure:"server"`
	Database    Database    `mapstructure:"database"`
	Feed        Feed        `mapstructure:"feed"`
	Cache       Cache       `mapstructure:"cache"`
	Broker      Broker      `mapstructure:"broker"`
	Account     Account     `mapstructure:"account"`
	Bots        Bots        `mapstructure:"bots"`
	Persistence Persistence `mapstructure:"persistence"`
	Mirror      Mirror      `mapstructure:"mirror"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Server holds the configuration for the web server.
type Server struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	StaticDir       string        `mapstructure:"static_dir"`
}

// Database holds the configuration for the local state database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Feed configures the synthetic market data feed.
type Feed struct {
	Markets      []string      `mapstructure:"markets"`
	Seed         uint32        `mapstructure:"seed"`
	HistoryBars  int           `mapstructure:"history_bars"`
	MaxBars      int           `mapstructure:"max_bars"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// Cache configures the timeframe cache.
type Cache struct {
	MaxSymbols        int      `mapstructure:"max_symbols"`
	PopularTimeframes []string `mapstructure:"popular_timeframes"`
}

// SeedPosition is a holding the broker starts with.
type SeedPosition struct {
	Symbol       string  `mapstructure:"symbol"`
	Quantity     float64 `mapstructure:"quantity"`
	AveragePrice float64 `mapstructure:"average_price"`
}

// Broker configures the mock broker.
type Broker struct {
	CommissionRate float64        `mapstructure:"commission_rate"`
	SlippageRate   float64        `mapstructure:"slippage_rate"`
	MinOrderSize   float64        `mapstructure:"min_order_size"`
	MaxOrderSize   float64        `mapstructure:"max_order_size"`
	FillDelayMin   time.Duration  `mapstructure:"fill_delay_min"`
	FillDelayMax   time.Duration  `mapstructure:"fill_delay_max"`
	ConnectDelay   time.Duration  `mapstructure:"connect_delay"`
	DefaultPrice   float64        `mapstructure:"default_price"`
	SeedPositions  []SeedPosition `mapstructure:"seed_positions"`
}

// Account configures the starting account.
type Account struct {
	InitialBalance float64 `mapstructure:"initial_balance"`
}

// Bots configures the bot activity simulation.
type Bots struct {
	TradeProbability float64       `mapstructure:"trade_probability"`
	MaxTradeQuantity int           `mapstructure:"max_trade_quantity"`
	ActivityMin      time.Duration `mapstructure:"activity_min"`
	ActivityMax      time.Duration `mapstructure:"activity_max"`
	DefaultSelection string        `mapstructure:"default_selection"`
}

// Persistence configures the best-effort state snapshot.
type Persistence struct {
	Schedule string `mapstructure:"schedule"`
}

// Mirror configures the optional remote backend mirror.
type Mirror struct {
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	MaxRetries     int           `mapstructure:"max_retries"`
}

// Enabled reports whether a remote mirror is configured.
func (m Mirror) Enabled() bool {
	return m.BaseURL != ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("server.static_dir", "web")

	v.SetDefault("database.dsn", "atb_state.db")

	v.SetDefault("feed.markets", []string{
		"SI=F", "GC=F", "CL=F", "HG=F", "PL=F",
		"AAPL", "GOOGL", "MSFT", "TSLA", "AMZN",
		"BTC-USD", "ETH-USD",
	})
	v.SetDefault("feed.seed", 12345)
	v.SetDefault("feed.history_bars", 1000)
	v.SetDefault("feed.max_bars", 1000)
	v.SetDefault("feed.tick_interval", "1s")

	v.SetDefault("cache.max_symbols", 256)
	v.SetDefault("cache.popular_timeframes", []string{"1d", "1w", "1m"})

	v.SetDefault("broker.commission_rate", 0.001)
	v.SetDefault("broker.slippage_rate", 0.0005)
	v.SetDefault("broker.min_order_size", 1)
	v.SetDefault("broker.max_order_size", 10000)
	v.SetDefault("broker.fill_delay_min", "500ms")
	v.SetDefault("broker.fill_delay_max", "2500ms")
	v.SetDefault("broker.connect_delay", "1s")
	v.SetDefault("broker.default_price", 100)

	v.SetDefault("account.initial_balance", 100000)

	v.SetDefault("bots.trade_probability", 0.2)
	v.SetDefault("bots.max_trade_quantity", 10)
	v.SetDefault("bots.activity_min", "10s")
	v.SetDefault("bots.activity_max", "30s")
	v.SetDefault("bots.default_selection", "bot7")

	v.SetDefault("persistence.schedule", "@every 30s")

	v.SetDefault("mirror.base_url", "")
	v.SetDefault("mirror.timeout", "5s")
	v.SetDefault("mirror.rate_limit", 5)
	v.SetDefault("mirror.rate_limit_burst", 2)
	v.SetDefault("mirror.max_retries", 3)
}

// LoadConfig reads configuration from file or environment variables.
// A .env file next to the config directory is loaded first when present.
// A missing config file is not an error; defaults and environment apply.
func LoadConfig(path string) (config Config, err error) {
	envFile := filepath.Join(path, "..", ".env")
	if err = godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return config, fmt.Errorf("could not load %s: %w", envFile, err)
	}

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config, fmt.Errorf("could not read config: %w", err)
		}
	}

	if err = v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("could not decode config: %w", err)
	}
	err = config.Validate()
	return
}

// Validate checks the values that would otherwise break the simulation.
func (c Config) Validate() error {
	if c.Broker.MinOrderSize <= 0 || c.Broker.MaxOrderSize < c.Broker.MinOrderSize {
		return fmt.Errorf("invalid order size bounds [%v, %v]", c.Broker.MinOrderSize, c.Broker.MaxOrderSize)
	}
	if c.Broker.FillDelayMax < c.Broker.FillDelayMin {
		return fmt.Errorf("fill_delay_max %s is below fill_delay_min %s", c.Broker.FillDelayMax, c.Broker.FillDelayMin)
	}
	if c.Feed.MaxBars <= 0 {
		return fmt.Errorf("feed.max_bars must be positive, got %d", c.Feed.MaxBars)
	}
	if c.Feed.TickInterval <= 0 {
		return fmt.Errorf("feed.tick_interval must be positive, got %s", c.Feed.TickInterval)
	}
	return nil
}
