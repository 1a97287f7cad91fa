package config

import (
	"errors"
	"fmt"
	"time"
)

// Config represents the manager service configuration
type Config struct {
	ServerID      uint32              `mapstructure:"server_id" yaml:"server_id"`
	Logging       LoggingConfig       `mapstructure:"logging" yaml:"logging"`
	Database      DatabaseConfig      `mapstructure:"database" yaml:"database"`
	Redis         RedisConfig         `mapstructure:"redis" yaml:"redis"`
	Index         IndexConfig         `mapstructure:"index" yaml:"index"`
	Placement     PlacementConfig     `mapstructure:"placement" yaml:"placement"`
	Cache         CacheConfig         `mapstructure:"cache" yaml:"cache"`
	Checker       CheckerConfig       `mapstructure:"checker" yaml:"checker"`
	Health        HealthConfig        `mapstructure:"health" yaml:"health"`
	Gossip        GossipConfig        `mapstructure:"gossip" yaml:"gossip"`
	StorageClient StorageClientConfig `mapstructure:"storage_client" yaml:"storage_client"`
	Cmd           FrontendConfig      `mapstructure:"cmd" yaml:"cmd"`
	Web           WebConfig           `mapstructure:"web" yaml:"web"`
	WebDav        FrontendConfig      `mapstructure:"webdav" yaml:"webdav"`
	Buffers       BufferConfig        `mapstructure:"buffers" yaml:"buffers"`
	Metrics       MetricsConfig       `mapstructure:"metrics" yaml:"metrics"`
	TickInterval  time.Duration       `mapstructure:"tick_interval" yaml:"tick_interval"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Path   string `mapstructure:"path" yaml:"path"`
	Stdout bool   `mapstructure:"stdout" yaml:"stdout"`
}

// DatabaseConfig represents the PostgreSQL bootstrap and metadata store
type DatabaseConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	Database        string        `mapstructure:"database" yaml:"database"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	MaxConnections  int           `mapstructure:"max_connections" yaml:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections" yaml:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// DSN returns the PostgreSQL connection string
func (d DatabaseConfig) DSN() string {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?pool_max_conns=%d&pool_min_conns=%d",
		d.User, d.Password, d.Host, d.Port, d.Database, d.MaxConnections, d.MinConnections)
	if d.ConnMaxLifetime > 0 {
		dsn += "&pool_max_conn_lifetime=" + d.ConnMaxLifetime.String()
	}
	return dsn
}

// RedisConfig represents the shared header store
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Host         string        `mapstructure:"host" yaml:"host"`
	Port         int           `mapstructure:"port" yaml:"port"`
	Password     string        `mapstructure:"password" yaml:"password"`
	DB           int           `mapstructure:"db" yaml:"db"`
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries"`
	PoolSize     int           `mapstructure:"pool_size" yaml:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns" yaml:"min_idle_conns"`
	HeaderTTL    time.Duration `mapstructure:"header_ttl" yaml:"header_ttl"`
}

// IndexConfig selects where levels and ranges are persisted
type IndexConfig struct {
	Store     string `mapstructure:"store" yaml:"store"`
	PebbleDir string `mapstructure:"pebble_dir" yaml:"pebble_dir"`
	RangeSize string `mapstructure:"range_size" yaml:"range_size"`
}

// PlacementConfig holds replica placement parameters
type PlacementConfig struct {
	MinimumCopies           int           `mapstructure:"minimum_copies" yaml:"minimum_copies"`
	MaxConnectionPerStorage int           `mapstructure:"max_connection_per_storage" yaml:"max_connection_per_storage"`
	AverageItemSize         string        `mapstructure:"average_item_size" yaml:"average_item_size"`
	ReservationTTL          time.Duration `mapstructure:"reservation_ttl" yaml:"reservation_ttl"`
}

// CacheConfig represents item header and content cache configuration.
// Sizes accept suffixes K, M, G and T.
type CacheConfig struct {
	CacheSize            string `mapstructure:"cache_size" yaml:"cache_size"`
	ItemHeadersCacheSize string `mapstructure:"item_headers_cache_size" yaml:"item_headers_cache_size"`
	ItemsInLine          int    `mapstructure:"items_in_line" yaml:"items_in_line"`
	MinHitsToCache       uint32 `mapstructure:"min_hits_to_cache" yaml:"min_hits_to_cache"`
}

// Budgets returns the header and content pool byte budgets. When no header
// budget is configured it takes 10% of cache_size, and that share is removed
// from the content budget.
func (c CacheConfig) Budgets() (header, content uint64, err error) {
	content, err = ParseSize(c.CacheSize)
	if err != nil {
		return 0, 0, fmt.Errorf("cache.cache_size: %w", err)
	}
	header, err = ParseSize(c.ItemHeadersCacheSize)
	if err != nil {
		return 0, 0, fmt.Errorf("cache.item_headers_cache_size: %w", err)
	}
	if header == 0 {
		header = content / 10
		content -= header
	}
	return header, content, nil
}

// CheckerConfig represents range consistency checker configuration
type CheckerConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	RangesPerTick     int           `mapstructure:"ranges_per_tick" yaml:"ranges_per_tick"`
	RepairConcurrency int           `mapstructure:"repair_concurrency" yaml:"repair_concurrency"`
	OperationTimeout  time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// HealthConfig represents storage node health probing
type HealthConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval    time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxFailures int           `mapstructure:"max_failures" yaml:"max_failures"`
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"`
}

// GossipConfig represents the optional memberlist feed
type GossipConfig struct {
	Enabled  bool     `mapstructure:"enabled" yaml:"enabled"`
	BindAddr string   `mapstructure:"bind_addr" yaml:"bind_addr"`
	BindPort int      `mapstructure:"bind_port" yaml:"bind_port"`
	Seeds    []string `mapstructure:"seeds" yaml:"seeds"`
}

// StorageClientConfig represents the gRPC client used to talk to storage nodes
type StorageClientConfig struct {
	DialTimeout      time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	KeepaliveTime    time.Duration `mapstructure:"keepalive_time" yaml:"keepalive_time"`
	KeepaliveTimeout time.Duration `mapstructure:"keepalive_timeout" yaml:"keepalive_timeout"`
}

// FrontendConfig configures one listening front-end. IP and Port override
// the addresses stored in the database when set.
type FrontendConfig struct {
	IP                string        `mapstructure:"ip" yaml:"ip"`
	Port              int           `mapstructure:"port" yaml:"port"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	WorkerQueueLength int           `mapstructure:"worker_queue_length" yaml:"worker_queue_length"`
	Workers           int           `mapstructure:"workers" yaml:"workers"`
}

// WebConfig adds rate limiting to the web front-end
type WebConfig struct {
	FrontendConfig `mapstructure:",squash" yaml:",inline"`
	RateLimit      float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst      int     `mapstructure:"rate_burst" yaml:"rate_burst"`
}

// BufferConfig sizes the front-end read buffer pool
type BufferConfig struct {
	BufferSize     string `mapstructure:"buffer_size" yaml:"buffer_size"`
	MaxFreeBuffers int    `mapstructure:"max_free_buffers" yaml:"max_free_buffers"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ItemsPerRange returns how many item ids one partition covers.
func (c *Config) ItemsPerRange() (uint64, error) {
	rangeSize, err := ParseSize(c.Index.RangeSize)
	if err != nil {
		return 0, fmt.Errorf("index.range_size: %w", err)
	}
	avg, err := ParseSize(c.Placement.AverageItemSize)
	if err != nil {
		return 0, fmt.Errorf("placement.average_item_size: %w", err)
	}
	if avg == 0 || rangeSize < avg {
		return 1, nil
	}
	return rangeSize / avg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.ServerID == 0 {
		return errors.New("server_id is required")
	}
	if c.Placement.MinimumCopies <= 0 {
		return errors.New("placement.minimum_copies must be positive")
	}
	if c.Placement.MaxConnectionPerStorage <= 0 {
		return errors.New("placement.max_connection_per_storage must be positive")
	}
	if c.Placement.ReservationTTL <= 0 {
		return errors.New("placement.reservation_ttl must be positive")
	}
	if _, err := c.ItemsPerRange(); err != nil {
		return err
	}
	if _, _, err := c.Cache.Budgets(); err != nil {
		return err
	}
	if c.Cache.ItemsInLine <= 0 {
		return errors.New("cache.items_in_line must be positive")
	}
	if c.Cache.MinHitsToCache == 0 {
		c.Cache.MinHitsToCache = 1
	}
	switch c.Index.Store {
	case "postgres":
	case "pebble":
		if c.Index.PebbleDir == "" {
			return errors.New("index.pebble_dir is required for the pebble store")
		}
	default:
		return fmt.Errorf("index.store must be one of: postgres, pebble (got %q)", c.Index.Store)
	}
	if c.Database.Host == "" {
		return errors.New("database.host is required")
	}
	if c.Database.Database == "" {
		return errors.New("database.database is required")
	}
	if c.Database.ConnectTimeout <= 0 {
		return errors.New("database.connect_timeout must be positive")
	}
	if c.Redis.Enabled && c.Redis.Host == "" {
		return errors.New("redis.host is required when redis is enabled")
	}
	if c.Checker.RangesPerTick <= 0 {
		return errors.New("checker.ranges_per_tick must be positive")
	}
	if c.Checker.RepairConcurrency <= 0 {
		return errors.New("checker.repair_concurrency must be positive")
	}
	if c.TickInterval <= 0 {
		return errors.New("tick_interval must be positive")
	}
	for name, fe := range map[string]FrontendConfig{"cmd": c.Cmd, "web": c.Web.FrontendConfig, "webdav": c.WebDav} {
		if fe.Port < 0 || fe.Port > 65535 {
			return fmt.Errorf("%s.port must be between 0 and 65535", name)
		}
		if fe.Workers <= 0 {
			return fmt.Errorf("%s.workers must be positive", name)
		}
		if fe.WorkerQueueLength <= 0 {
			return fmt.Errorf("%s.worker_queue_length must be positive", name)
		}
	}
	if _, err := ParseSize(c.Buffers.BufferSize); err != nil {
		return fmt.Errorf("buffers.buffer_size: %w", err)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	frontend := FrontendConfig{
		Timeout:           30 * time.Second,
		WorkerQueueLength: 1024,
		Workers:           16,
	}
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Stdout: true,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "metis",
			User:            "metis",
			MaxConnections:  20,
			MinConnections:  2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  10 * time.Second,
		},
		Redis: RedisConfig{
			Enabled:      false,
			Host:         "localhost",
			Port:         6379,
			MaxRetries:   3,
			PoolSize:     50,
			MinIdleConns: 5,
			HeaderTTL:    10 * time.Minute,
		},
		Index: IndexConfig{
			Store:     "postgres",
			PebbleDir: "/var/lib/metis/index",
			RangeSize: "64M",
		},
		Placement: PlacementConfig{
			MinimumCopies:           3,
			MaxConnectionPerStorage: 10,
			AverageItemSize:         "16K",
			ReservationTTL:          2 * time.Minute,
		},
		Cache: CacheConfig{
			CacheSize:            "1G",
			ItemHeadersCacheSize: "0",
			ItemsInLine:          1000,
			MinHitsToCache:       1,
		},
		Checker: CheckerConfig{
			Enabled:           true,
			RangesPerTick:     256,
			RepairConcurrency: 4,
			OperationTimeout:  5 * time.Minute,
			SweepInterval:     10 * time.Minute,
		},
		Health: HealthConfig{
			Enabled:     true,
			Interval:    10 * time.Second,
			Timeout:     2 * time.Second,
			MaxFailures: 3,
			Concurrency: 8,
		},
		Gossip: GossipConfig{
			Enabled:  false,
			BindAddr: "0.0.0.0",
			BindPort: 7946,
		},
		StorageClient: StorageClientConfig{
			DialTimeout:      5 * time.Second,
			RequestTimeout:   10 * time.Second,
			KeepaliveTime:    30 * time.Second,
			KeepaliveTimeout: 10 * time.Second,
		},
		Cmd: frontend,
		Web: WebConfig{
			FrontendConfig: frontend,
			RateLimit:      1000,
			RateBurst:      2000,
		},
		WebDav: frontend,
		Buffers: BufferConfig{
			BufferSize:     "32K",
			MaxFreeBuffers: 1024,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		TickInterval: time.Second,
	}
}
