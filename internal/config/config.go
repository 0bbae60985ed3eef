package config

import (
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

const (
	// DefaultFeedURL is the market data provider websocket url.
	DefaultFeedURL = "wss://feed.example.com/ws"

	// DefaultClientIDHeader is the request header carrying the client identity.
	DefaultClientIDHeader = "X-Client-ID"
)

// Config contains config values for the app.
// Struct values are loaded from user defined JSON config file.
type Config struct {
	Feed       Feed       `json:"feed"`
	Server     Server     `json:"server"`
	Cache      Cache      `json:"cache"`
	Ingestion  Ingestion  `json:"ingestion"`
	RateLimit  RateLimit  `json:"rate_limit"`
	Health     Health     `json:"health"`
	Registry   Registry   `json:"registry"`
	Connection Connection `json:"connection"`
	Log        Log        `json:"log"`
}

// Feed contains config values for the upstream market data provider.
type Feed struct {
	URL            string   `json:"url"`
	Symbols        []string `json:"symbols"`
	ConnectOnStart bool     `json:"connect_on_start"`
	Retry          Retry    `json:"retry"`
}

// Retry contains config values for the reconnect process.
// Delay grows exponentially from BaseMs up to MaxSec, drawn from the upper half of that ceiling.
// Retry counter will be reset back to zero once a connection stayed up for ResetSec.
type Retry struct {
	Number   int `json:"number"`
	BaseMs   int `json:"base_ms"`
	MaxSec   int `json:"max_sec"`
	ResetSec int `json:"reset_sec"`
}

// Server contains config values for the client facing http / websocket server.
type Server struct {
	Addr           string `json:"addr"`
	ClientIDHeader string `json:"client_id_header"`
	SendQueueSize  int    `json:"send_queue_size"`
	WriteWaitSec   int    `json:"write_wait_sec"`
	PongWaitSec    int    `json:"pong_wait_sec"`
	MaxMessageSize int64  `json:"max_message_size"`
}

// Cache contains config values for the in-memory tick cache.
type Cache struct {
	MaxTicksPerSymbol int `json:"max_ticks_per_symbol"`
	MaxAgeSec         int `json:"max_age_sec"`
	SweepIntervalSec  int `json:"sweep_interval_sec"`
}

// Ingestion contains config values for batching ticks to storages.
type Ingestion struct {
	Storages        []string `json:"storages"`
	CommitBuf       int      `json:"commit_buffer"`
	FlushIntervalMs int      `json:"flush_interval_ms"`
	MaxBuffered     int      `json:"max_buffered"`
}

// RateLimit contains config values for client admission control.
type RateLimit struct {
	WindowSec        int `json:"window_sec"`
	MaxRequests      int `json:"max_requests"`
	SweepIntervalSec int `json:"sweep_interval_sec"`
}

// Health contains threshold values for the health status.
// Zero value of a threshold disables it.
type Health struct {
	DegradedLatencyMs  float64 `json:"degraded_latency_ms"`
	UnhealthyLatencyMs float64 `json:"unhealthy_latency_ms"`
	DegradedErrors     int64   `json:"degraded_errors"`
	UnhealthyErrors    int64   `json:"unhealthy_errors"`
	RequireFeed        bool    `json:"require_feed"`
}

// Registry contains config values for the subscription registry.
type Registry struct {
	ReleaseUpstreamOnIdle bool `json:"release_upstream_on_idle"`
}

// Connection contains config values for different API and storage connections.
type Connection struct {
	WS    WS    `json:"websocket"`
	MySQL MySQL `json:"mysql"`
	ES    ES    `json:"elastic_search"`
	Redis Redis `json:"redis"`
}

// WS contains config values for websocket connection.
type WS struct {
	ConnTimeoutSec int `json:"conn_timeout_sec"`
	ReadTimeoutSec int `json:"read_timeout_sec"`
}

// MySQL contains config values for mysql.
type MySQL struct {
	User               string `json:"user"`
	Password           string `json:"password"`
	URL                string `json:"URL"`
	Schema             string `json:"schema"`
	ReqTimeoutSec      int    `json:"request_timeout_sec"`
	ConnMaxLifetimeSec int    `json:"conn_max_lifetime_sec"`
	MaxOpenConns       int    `json:"max_open_conns"`
	MaxIdleConns       int    `json:"max_idle_conns"`
	CreateSchema       bool   `json:"create_schema"`
}

// ES contains config values for elastic search.
type ES struct {
	Addresses           []string `json:"addresses"`
	Username            string   `json:"username"`
	Password            string   `json:"password"`
	IndexName           string   `json:"index_name"`
	ReqTimeoutSec       int      `json:"request_timeout_sec"`
	MaxIdleConns        int      `json:"max_idle_conns"`
	MaxIdleConnsPerHost int      `json:"max_idle_conns_per_host"`
}

// Redis contains config values for the latest tick mirror.
type Redis struct {
	Addr          string `json:"addr"`
	Password      string `json:"password"`
	DB            int    `json:"db"`
	KeyPrefix     string `json:"key_prefix"`
	ChannelPrefix string `json:"channel_prefix"`
	TTLSec        int    `json:"ttl_sec"`
	ReqTimeoutSec int    `json:"request_timeout_sec"`
}

// Log contains config values for logging.
type Log struct {
	Level    string `json:"level"`
	FilePath string `json:"file_path"`
}

// Default returns config with every value the app needs to run against a local setup.
func Default() Config {
	return Config{
		Feed: Feed{
			URL:            DefaultFeedURL,
			ConnectOnStart: true,
			Retry: Retry{
				Number:   10,
				BaseMs:   500,
				MaxSec:   60,
				ResetSec: 300,
			},
		},
		Server: Server{
			Addr:           ":8080",
			ClientIDHeader: DefaultClientIDHeader,
			SendQueueSize:  256,
			WriteWaitSec:   5,
			PongWaitSec:    60,
			MaxMessageSize: 4096,
		},
		Cache: Cache{
			MaxTicksPerSymbol: 1000,
			MaxAgeSec:         300,
			SweepIntervalSec:  60,
		},
		Ingestion: Ingestion{
			CommitBuf:       1000,
			FlushIntervalMs: 1000,
			MaxBuffered:     100000,
		},
		RateLimit: RateLimit{
			WindowSec:        60,
			MaxRequests:      100,
			SweepIntervalSec: 300,
		},
		Connection: Connection{
			WS: WS{
				ConnTimeoutSec: 10,
				ReadTimeoutSec: 60,
			},
			Redis: Redis{
				Addr:          "localhost:6379",
				KeyPrefix:     "tick:",
				ChannelPrefix: "ticks.",
				TTLSec:        3600,
				ReqTimeoutSec: 5,
			},
		},
		Log: Log{
			Level:    "info",
			FilePath: "",
		},
	}
}

// Load reads the JSON config file at path on top of the default values.
func Load(path string) (*Config, error) {
	cfgFile, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "not able to find config file %v", path)
	}
	defer cfgFile.Close()

	cfg := Default()
	if err = jsoniter.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		return nil, errors.Wrapf(err, "not able to parse JSON from config file %v", path)
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks user defined config values.
func (c *Config) Validate() error {
	if c.Feed.URL == "" {
		return errors.New("feed url should not be empty")
	}
	if c.Server.SendQueueSize < 1 {
		return errors.New("send_queue_size should be greater than zero")
	}
	if c.Server.WriteWaitSec < 1 || c.Server.PongWaitSec < 1 || c.Server.MaxMessageSize < 1 {
		return errors.New("write_wait_sec, pong_wait_sec and max_message_size should be greater than zero")
	}
	if c.Cache.MaxTicksPerSymbol < 1 {
		return errors.New("max_ticks_per_symbol should be greater than zero")
	}
	if c.Cache.MaxAgeSec < 1 || c.Cache.SweepIntervalSec < 1 || c.RateLimit.SweepIntervalSec < 1 {
		return errors.New("cache max_age_sec and sweep intervals should be greater than zero")
	}
	if c.Ingestion.CommitBuf < 1 {
		return errors.New("commit_buffer should be greater than zero")
	}
	if c.Ingestion.FlushIntervalMs < 1 {
		return errors.New("flush_interval_ms should be greater than zero")
	}
	if c.Ingestion.MaxBuffered < c.Ingestion.CommitBuf {
		return errors.New("max_buffered should not be less than commit_buffer")
	}
	if c.RateLimit.WindowSec < 1 || c.RateLimit.MaxRequests < 1 {
		return errors.New("rate_limit window_sec and max_requests should be greater than zero")
	}
	for _, str := range c.Ingestion.Storages {
		switch str {
		case "terminal", "mysql", "elastic_search", "redis":
		default:
			return errors.Errorf("unknown storage %v", str)
		}
	}
	for i, sym := range c.Feed.Symbols {
		c.Feed.Symbols[i] = strings.ToUpper(strings.TrimSpace(sym))
	}
	return nil
}
