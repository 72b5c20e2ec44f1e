package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents runtime configuration for the relay.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Inference   InferenceConfig           `json:"inference"`
	Redis       RedisConfig               `json:"redis"`
	AdminIDs    []string                  `json:"admin_ids"`
}

type BasicConfig struct {
	BotToken             string `json:"bot_token"`
	ProxyURL             string `json:"proxy_url"`
	ServerAddress        string `json:"server_address"`
	StreamTimeoutMinutes int    `json:"stream_timeout_minutes"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type InferenceConfig struct {
	BaseURL      string `json:"base_url"`
	Port         int    `json:"port"`
	DefaultModel string `json:"default_model"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// Load reads configuration from the provided path (defaults to config.json).
// A .env file is applied first so env overrides work in local deployments.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if token := os.Getenv("BOT_TOKEN"); token != "" {
		cfg.BasicConfig.BotToken = token
	}
	if proxy := os.Getenv("PROXY_URL"); proxy != "" {
		cfg.BasicConfig.ProxyURL = proxy
	}

	if cfg.BasicConfig.BotToken == "" {
		return nil, fmt.Errorf("bot_token must be configured")
	}
	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}
	if cfg.Inference.BaseURL == "" {
		cfg.Inference.BaseURL = "localhost"
	}
	if cfg.Inference.Port == 0 {
		cfg.Inference.Port = 11434
	}
	if cfg.Inference.DefaultModel == "" {
		return nil, fmt.Errorf("inference default_model must be configured")
	}

	// Relative sqlite paths resolve against the config file location.
	for name, db := range cfg.Databases {
		if strings.HasPrefix(name, "sqlite") && db.DSN != "" && db.DSN != ":memory:" && !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}

	return &cfg, nil
}

// StreamTimeout returns the configured stream consumption bound.
func (c *Config) StreamTimeout() time.Duration {
	if c.BasicConfig.StreamTimeoutMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.BasicConfig.StreamTimeoutMinutes) * time.Minute
}
