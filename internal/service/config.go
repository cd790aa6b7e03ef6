package service

import (
	"log"

	"github.com/spf13/viper"

	"crypto-market-hub/internal/model"
)

// ExchangeConfig is the upstream connection block.
type ExchangeConfig struct {
	Name              string // "binance" or "mock"
	WSURL             string
	RESTURL           string
	OrderBookDepth    string // "5", "10" or "20" (partial depth stream levels)
	ReconnectDelayMax int    // seconds, backoff cap
	IdleTimeout       int    // seconds without a frame before forced reconnect
}

// EngineConfig bounds the in-memory state.
type EngineConfig struct {
	TradeHistoryLimit  int
	CandleHistoryLimit int
	DeriveIntervals    []string // intervals built locally from trade flow
}

// StreamDefaults is the StreamConfig applied when a subscriber does not send
// its own. MarkPrice and Liquidation need a futures WS endpoint.
type StreamDefaults struct {
	RawTrades      bool
	AggTrades      bool
	OrderBook      bool
	Ticker         bool
	MarkPrice      bool
	Liquidation    bool
	KlineIntervals []string
}

// ServerConfig is the downstream WebSocket server block.
type ServerConfig struct {
	BindAddress       string
	DefaultSymbols    []string
	HistoryFetchLimit int
	ClientQueueSize   int // per-client outbound queue cap
	BackfillLimit     int // candles fetched over REST per interval at startup
}

// RecorderConfig enables the Redis Streams event recorder.
type RecorderConfig struct {
	Enabled   bool
	Addr      string
	Password  string
	StreamKey string
	MaxLen    int64
	QueueSize int
}

// Config is the full application configuration.
type Config struct {
	LogLevel string                    `mapstructure:"LogLevel"`
	Exchange ExchangeConfig            `mapstructure:"Exchange"`
	Engine   EngineConfig              `mapstructure:"Engine"`
	Streams  StreamDefaults            `mapstructure:"Streams"`
	Server   ServerConfig              `mapstructure:"Server"`
	Recorder RecorderConfig            `mapstructure:"Recorder"`
}

// DefaultStreamConfig converts the configured defaults into a per-connection
// StreamConfig.
func (c *Config) DefaultStreamConfig() model.StreamConfig {
	intervals := make([]string, len(c.Streams.KlineIntervals))
	copy(intervals, c.Streams.KlineIntervals)
	return model.StreamConfig{
		RawTrades:      c.Streams.RawTrades,
		AggTrades:      c.Streams.AggTrades,
		OrderBook:      c.Streams.OrderBook,
		Ticker:         c.Streams.Ticker,
		MarkPrice:      c.Streams.MarkPrice,
		Liquidation:    c.Streams.Liquidation,
		KlineIntervals: intervals,
	}
}

// GlobalConfig holds the loaded configuration.
var GlobalConfig Config

// LoadConfig reads config.yaml from configPath (optional, defaults apply)
// and binds it to the Config struct.
func LoadConfig(configPath string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Fatalf("Error reading config file: %s", err)
		}
		// Missing file is fine, run on defaults.
	}

	if err := viper.Unmarshal(&GlobalConfig); err != nil {
		log.Fatalf("Unable to decode config into struct: %s", err)
	}

	return &GlobalConfig
}

func setDefaults() {
	viper.SetDefault("LogLevel", "info")

	viper.SetDefault("Exchange.Name", "binance")
	viper.SetDefault("Exchange.WSURL", "wss://stream.binance.com:9443/ws")
	viper.SetDefault("Exchange.RESTURL", "https://api.binance.com")
	viper.SetDefault("Exchange.OrderBookDepth", "20")
	viper.SetDefault("Exchange.ReconnectDelayMax", 60)
	viper.SetDefault("Exchange.IdleTimeout", 60)

	viper.SetDefault("Engine.TradeHistoryLimit", 2500)
	viper.SetDefault("Engine.CandleHistoryLimit", 1000)
	viper.SetDefault("Engine.DeriveIntervals", []string{})

	viper.SetDefault("Streams.RawTrades", true)
	viper.SetDefault("Streams.AggTrades", true)
	viper.SetDefault("Streams.OrderBook", true)
	viper.SetDefault("Streams.Ticker", true)
	viper.SetDefault("Streams.MarkPrice", false)
	viper.SetDefault("Streams.Liquidation", false)
	viper.SetDefault("Streams.KlineIntervals", []string{"1m", "5m", "15m", "1h", "4h", "1d"})

	viper.SetDefault("Server.BindAddress", "127.0.0.1:8080")
	viper.SetDefault("Server.DefaultSymbols", []string{"BTCUSDT"})
	viper.SetDefault("Server.HistoryFetchLimit", 1000)
	viper.SetDefault("Server.ClientQueueSize", 512)
	viper.SetDefault("Server.BackfillLimit", 500)

	viper.SetDefault("Recorder.Enabled", false)
	viper.SetDefault("Recorder.Addr", "localhost:6379")
	viper.SetDefault("Recorder.Password", "")
	viper.SetDefault("Recorder.StreamKey", "md:events")
	viper.SetDefault("Recorder.MaxLen", 100000)
	viper.SetDefault("Recorder.QueueSize", 4096)
}
