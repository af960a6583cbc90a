package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"optionstream/internal/filter"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Kite Connect credentials
	KiteAPIKey      string
	KiteAPISecret   string
	KiteAccessToken string

	// Headless login, used when no access token is supplied
	KiteUserID     string
	KitePassword   string
	KiteTOTPSecret string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SQLitePath    string
	MetricsAddr   string
	APIAddr       string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		KiteAPIKey:      mustEnv("KITE_API_KEY"),
		KiteAPISecret:   getEnv("KITE_API_SECRET", ""),
		KiteAccessToken: getEnv("KITE_ACCESS_TOKEN", ""),

		KiteUserID:     getEnv("KITE_USER_ID", ""),
		KitePassword:   getEnv("KITE_PASSWORD", ""),
		KiteTOTPSecret: getEnv("KITE_TOTP_SECRET", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		SQLitePath:    getEnv("SQLITE_PATH", "data/instruments.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		APIAddr:       getEnv("API_ADDR", ":8080"),
	}
}

// StreamConfig is the YAML descriptor of one streaming session: which
// underlyings, which expiry, and how aggressively to prune strikes.
type StreamConfig struct {
	// Symbols are underlying keys, e.g. "NFO:HDFCBANK".
	Symbols []string `yaml:"symbols"`

	// Expiry in dd-mm-yyyy.
	Expiry string `yaml:"expiry"`

	// Criteria prunes far-from-spot strikes; omit to stream every strike.
	Criteria *filter.Config `yaml:"criteria,omitempty"`

	BuildInterval time.Duration `yaml:"-"`
	ReadyTimeout  time.Duration `yaml:"-"`
}

// UnmarshalYAML accepts durations in Go notation ("2s", "1m30s").
func (c *StreamConfig) UnmarshalYAML(node *yaml.Node) error {
	var aux struct {
		Symbols       []string       `yaml:"symbols"`
		Expiry        string         `yaml:"expiry"`
		Criteria      *filter.Config `yaml:"criteria"`
		BuildInterval string         `yaml:"build_interval"`
		ReadyTimeout  string         `yaml:"ready_timeout"`
	}
	if err := node.Decode(&aux); err != nil {
		return err
	}
	c.Symbols = aux.Symbols
	c.Expiry = aux.Expiry
	c.Criteria = aux.Criteria
	var err error
	if aux.BuildInterval != "" {
		if c.BuildInterval, err = time.ParseDuration(aux.BuildInterval); err != nil {
			return fmt.Errorf("build_interval: %w", err)
		}
	}
	if aux.ReadyTimeout != "" {
		if c.ReadyTimeout, err = time.ParseDuration(aux.ReadyTimeout); err != nil {
			return fmt.Errorf("ready_timeout: %w", err)
		}
	}
	return nil
}

// LoadStream reads and validates a YAML stream config.
func LoadStream(path string) (*StreamConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("stream config: %w", err)
	}
	var cfg StreamConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("stream config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("stream config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the required fields and the expiry format.
func (c *StreamConfig) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols must not be empty")
	}
	if c.Expiry == "" {
		return fmt.Errorf("expiry is required")
	}
	if _, err := time.Parse("02-01-2006", c.Expiry); err != nil {
		return fmt.Errorf("expiry %q must be dd-mm-yyyy", c.Expiry)
	}
	if c.Criteria != nil {
		if _, err := filter.New(*c.Criteria); err != nil {
			return err
		}
	}
	return nil
}

// BuildCriteria constructs the filter criteria, or nil when none configured.
func (c *StreamConfig) BuildCriteria() (filter.Criteria, error) {
	if c.Criteria == nil {
		return nil, nil
	}
	return filter.New(*c.Criteria)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}
