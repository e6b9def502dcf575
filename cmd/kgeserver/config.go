package main

import (
	"errors"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/chagge/kge-server/internal/space"
)

// Config validation errors
var (
	ErrInvalidListenAddr       = errors.New("listen_addr cannot be empty")
	ErrInvalidMetricsAddr      = errors.New("metrics_addr cannot be empty")
	ErrInvalidDataPath         = errors.New("data_path cannot be empty")
	ErrInvalidGraphDegree      = errors.New("graph_degree must be positive")
	ErrInvalidSearchEffort     = errors.New("search_effort must be positive")
	ErrInvalidSnapshotInterval = errors.New("snapshot_interval cannot be negative")
	ErrInvalidLogLevel         = errors.New("log_level must be debug, info, warn, or error")
)

// Config carries the process configuration. Values come from KGE_*
// environment variables (a .env file is honored); the flags in main
// override the addresses and the data path.
type Config struct {
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:"0.0.0.0:3000"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:"0.0.0.0:9090"`
	DataPath    string `envconfig:"DATA_PATH" default:"./data"`

	// DefaultMetric applies to datasets registered without one.
	DefaultMetric string `envconfig:"DEFAULT_METRIC" default:"euclidean"`
	GraphDegree   int    `envconfig:"GRAPH_DEGREE" default:"16"`
	SearchEffort  int    `envconfig:"SEARCH_EFFORT" default:"64"`

	// SnapshotInterval is how often dirty state is flushed to disk.
	// Zero disables the periodic flush; shutdown still persists.
	SnapshotInterval time.Duration `envconfig:"SNAPSHOT_INTERVAL" default:"15m"`

	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
	LogConsole bool   `envconfig:"LOG_CONSOLE" default:"false"`

	KeepAliveTime                time.Duration `envconfig:"KEEPALIVE_TIME" default:"2h"`
	KeepAliveTimeout             time.Duration `envconfig:"KEEPALIVE_TIMEOUT" default:"20s"`
	KeepAliveMinTime             time.Duration `envconfig:"KEEPALIVE_MIN_TIME" default:"5m"`
	KeepAlivePermitWithoutStream bool          `envconfig:"KEEPALIVE_PERMIT_WITHOUT_STREAM" default:"false"`

	GRPCMaxConcurrentStreams uint32 `envconfig:"GRPC_MAX_CONCURRENT_STREAMS" default:"256"`
	GRPCMaxRecvMsgSize       int    `envconfig:"GRPC_MAX_RECV_MSG_SIZE" default:"268435456"`
	GRPCMaxSendMsgSize       int    `envconfig:"GRPC_MAX_SEND_MSG_SIZE" default:"268435456"`
}

// LoadConfig reads .env when present, then the KGE_* environment.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()
	var cfg Config
	if err := envconfig.Process("kge", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig returns a Config with default values
func DefaultConfig() Config {
	return Config{
		ListenAddr:               "0.0.0.0:3000",
		MetricsAddr:              "0.0.0.0:9090",
		DataPath:                 "./data",
		DefaultMetric:            "euclidean",
		GraphDegree:              16,
		SearchEffort:             64,
		SnapshotInterval:         15 * time.Minute,
		LogLevel:                 "info",
		KeepAliveTime:            2 * time.Hour,
		KeepAliveTimeout:         20 * time.Second,
		KeepAliveMinTime:         5 * time.Minute,
		GRPCMaxConcurrentStreams: 256,
		GRPCMaxRecvMsgSize:       268435456, // 256MB
		GRPCMaxSendMsgSize:       268435456,
	}
}

// ValidateConfig validates the configuration and returns an error if invalid
func ValidateConfig(cfg *Config) error {
	if cfg.ListenAddr == "" {
		return ErrInvalidListenAddr
	}
	if cfg.MetricsAddr == "" {
		return ErrInvalidMetricsAddr
	}
	if cfg.DataPath == "" {
		return ErrInvalidDataPath
	}
	if cfg.GraphDegree <= 0 {
		return ErrInvalidGraphDegree
	}
	if cfg.SearchEffort <= 0 {
		return ErrInvalidSearchEffort
	}
	if cfg.SnapshotInterval < 0 {
		return ErrInvalidSnapshotInterval
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" && cfg.LogLevel != "error" {
		return ErrInvalidLogLevel
	}
	if _, err := space.ParseMetric(cfg.DefaultMetric); err != nil {
		return err
	}
	return nil
}

// SpaceConfig builds the registry configuration. ValidateConfig runs
// first, so the metric parse cannot fail here.
func (c *Config) SpaceConfig() space.Config {
	metric, _ := space.ParseMetric(c.DefaultMetric)
	return space.Config{
		Metric:          metric,
		M:               c.GraphDegree,
		DefaultEfSearch: c.SearchEffort,
	}
}
