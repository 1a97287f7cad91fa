package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Flags are the command line options of the manager binary.
type Flags struct {
	ServerID    uint32
	ConfigPath  string
	PrintConfig bool
}

// ParseFlags parses args (without the program name).
func ParseFlags(args []string) (*Flags, error) {
	f := &Flags{}
	fs := pflag.NewFlagSet("metis-manager", pflag.ContinueOnError)
	fs.Uint32VarP(&f.ServerID, "server-id", "s", 0, "manager server id (required)")
	fs.StringVarP(&f.ConfigPath, "config", "c", "/etc/metis/manager.yaml", "path to the configuration file")
	fs.BoolVar(&f.PrintConfig, "print-config", false, "print the effective configuration and exit")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: metis-manager -s serverID [-c configPath]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if f.ServerID == 0 {
		fs.Usage()
		return nil, fmt.Errorf("server id is required")
	}
	return f, nil
}

// Load loads configuration from file and environment variables. A non-zero
// serverID overrides the file.
func Load(configPath string, serverID uint32) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not read config file %s: %v. Using defaults and environment variables.\n", configPath, err)
	} else if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvironmentOverrides(cfg)

	if serverID != 0 {
		cfg.ServerID = serverID
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Dump renders the configuration as YAML
func Dump(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	if id := os.Getenv("METIS_SERVER_ID"); id != "" {
		if v, err := strconv.ParseUint(id, 10, 32); err == nil {
			cfg.ServerID = uint32(v)
		}
	}

	// Database configuration
	if dbHost := os.Getenv("METIS_DATABASE_HOST"); dbHost != "" {
		cfg.Database.Host = dbHost
	}
	if dbPort := os.Getenv("METIS_DATABASE_PORT"); dbPort != "" {
		if p, err := strconv.Atoi(dbPort); err == nil {
			cfg.Database.Port = p
		}
	}
	if dbName := os.Getenv("METIS_DATABASE_NAME"); dbName != "" {
		cfg.Database.Database = dbName
	}
	if dbUser := os.Getenv("METIS_DATABASE_USER"); dbUser != "" {
		cfg.Database.User = dbUser
	}
	if dbPassword := os.Getenv("METIS_DATABASE_PASSWORD"); dbPassword != "" {
		cfg.Database.Password = dbPassword
	}

	// Redis configuration
	if redisHost := os.Getenv("METIS_REDIS_HOST"); redisHost != "" {
		cfg.Redis.Host = redisHost
		cfg.Redis.Enabled = true
	}
	if redisPort := os.Getenv("METIS_REDIS_PORT"); redisPort != "" {
		if p, err := strconv.Atoi(redisPort); err == nil {
			cfg.Redis.Port = p
		}
	}
	if redisPassword := os.Getenv("METIS_REDIS_PASSWORD"); redisPassword != "" {
		cfg.Redis.Password = redisPassword
	}

	if size := os.Getenv("METIS_CACHE_SIZE"); size != "" {
		cfg.Cache.CacheSize = size
	}
	if seeds := os.Getenv("METIS_GOSSIP_SEEDS"); seeds != "" {
		cfg.Gossip.Seeds = strings.Split(seeds, ",")
		cfg.Gossip.Enabled = true
	}

	// Logging configuration
	if logLevel := os.Getenv("METIS_LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}
