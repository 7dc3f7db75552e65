package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/nidhogg/nuka-loom/internal/provider"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig                `json:"server"`
	Providers []provider.ProviderConfig   `json:"providers"`
	Tiers     map[string]provider.Binding `json:"tiers"`
	Fallbacks []string                    `json:"fallbacks,omitempty"`
	Database  DatabaseConfig              `json:"database"`
	Selection SelectionConfig             `json:"selection"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN        string `json:"dsn"`
	EncryptKey string `json:"encrypt_key"`
	Migrations string `json:"migrations"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL    string `json:"url"`
	Stream string `json:"stream"`
}

// SelectionConfig tunes the selection engine.
type SelectionConfig struct {
	CacheTTL            Duration `json:"cache_ttl"`
	CompactionThreshold int      `json:"compaction_threshold"`
	RecorderCapacity    int      `json:"recorder_capacity"`
	GenerationTimeout   Duration `json:"generation_timeout"`
	DefaultMaxTokens    int      `json:"default_max_tokens"`
	SweepInterval       Duration `json:"sweep_interval"`
}

// Duration reads either a Go duration string ("5m") or a number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*d = Duration(time.Duration(x * float64(time.Second)))
	case string:
		if strings.TrimSpace(x) == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", x, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// Defaults fills zero values.
func (c *Config) Defaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3210
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Database.Postgres.Migrations == "" {
		c.Database.Postgres.Migrations = "migrations"
	}
	if c.Database.Redis.Stream == "" {
		c.Database.Redis.Stream = "loom:events"
	}
	s := &c.Selection
	if s.CacheTTL <= 0 {
		s.CacheTTL = Duration(5 * time.Minute)
	}
	if s.CompactionThreshold <= 0 {
		s.CompactionThreshold = 8000
	}
	if s.RecorderCapacity <= 0 {
		s.RecorderCapacity = 100
	}
	if s.GenerationTimeout <= 0 {
		s.GenerationTimeout = Duration(20 * time.Second)
	}
	if s.DefaultMaxTokens <= 0 {
		s.DefaultMaxTokens = 2000
	}
	if s.SweepInterval <= 0 {
		s.SweepInterval = Duration(time.Minute)
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes raw config bytes.
func Parse(data []byte) (*Config, error) {
	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, err
	}
	cfg.Defaults()
	return &cfg, nil
}
