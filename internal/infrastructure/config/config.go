package config

import (
	"errors"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	Server struct {
		Host string `toml:"host"`
		Port int    `toml:"port"`
	} `toml:"server"`

	Backend struct {
		BaseURL    string `toml:"base_url"`
		WebhookURL string `toml:"webhook_url"`
	} `toml:"backend"`

	Upstream struct {
		AuthURL string `toml:"auth_url"`
		WsURL   string `toml:"ws_url"`
	} `toml:"upstream"`

	Session struct {
		TTLHours int `toml:"ttl_hours"`
	} `toml:"session"`

	// Default credentials; every field can be overridden per /connect request.
	Credentials struct {
		APIKey     string `toml:"api_key"`
		ClientCode string `toml:"client_code"`
		Password   string `toml:"password"`
		TOTPSeed   string `toml:"totp_seed"`
	} `toml:"credentials"`

	Forwarder struct {
		WebhookTimeoutMs int `toml:"webhook_timeout_ms"`
	} `toml:"forwarder"`

	Redis struct {
		Enabled    bool   `toml:"enabled"`
		Addr       string `toml:"addr"`
		Password   string `toml:"password"`
		DB         int    `toml:"db"`
		Prefix     string `toml:"prefix"`
		TTLSeconds int    `toml:"ttl_seconds"`
		TickStream string `toml:"tick_stream"`
	} `toml:"redis"`

	SQLite struct {
		Enabled bool   `toml:"enabled"`
		Path    string `toml:"path"`
	} `toml:"sqlite"`

	Postgres struct {
		Enabled bool   `toml:"enabled"`
		DSN     string `toml:"dsn"`
	} `toml:"postgres"`

	Log struct {
		Level string `toml:"level"`
		File  string `toml:"file"`
	} `toml:"log"`
}

func Load(path string) (*Config, error) {
	// .env is optional; credentials usually arrive via environment in
	// deployment and via the /connect request body otherwise.
	_ = godotenv.Load()

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.Credentials.APIKey = v
	}
	if v := os.Getenv("CLIENT_CODE"); v != "" {
		cfg.Credentials.ClientCode = v
	}
	if v := os.Getenv("PASSWORD"); v != "" {
		cfg.Credentials.Password = v
	}
	if v := os.Getenv("TOTP_SEED"); v != "" {
		cfg.Credentials.TOTPSeed = v
	}
	if v := os.Getenv("BACKEND_WEBHOOK_URL"); v != "" {
		cfg.Backend.WebhookURL = v
	}
	if v := os.Getenv("BACKEND_BASE_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 5000
	}
	if cfg.Backend.BaseURL == "" {
		cfg.Backend.BaseURL = "http://localhost:3000"
	}
	if cfg.Backend.WebhookURL == "" {
		cfg.Backend.WebhookURL = cfg.Backend.BaseURL + "/api/in-memory-candles/process-tick"
	}
	if cfg.Session.TTLHours <= 0 {
		cfg.Session.TTLHours = 20
	}
	if cfg.Forwarder.WebhookTimeoutMs <= 0 {
		cfg.Forwarder.WebhookTimeoutMs = 2000
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "tickrelay"
	}
	if cfg.Redis.TickStream == "" {
		cfg.Redis.TickStream = cfg.Redis.Prefix + ":ticks"
	}
	if cfg.SQLite.Path == "" {
		cfg.SQLite.Path = "data/tickrelay.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Upstream.WsURL) == "" {
		return errors.New("upstream.ws_url is empty")
	}
	if strings.TrimSpace(cfg.Upstream.AuthURL) == "" {
		return errors.New("upstream.auth_url is empty")
	}
	if cfg.Redis.Enabled && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return errors.New("redis.addr empty but enabled")
	}
	if cfg.Postgres.Enabled && strings.TrimSpace(cfg.Postgres.DSN) == "" {
		return errors.New("postgres.dsn empty but enabled")
	}
	return nil
}

// Display returns the non-sensitive configuration for diagnostics.
// Credential material is masked.
func (c *Config) Display() map[string]any {
	return map[string]any{
		"server_host":  c.Server.Host,
		"server_port":  c.Server.Port,
		"backend_base": c.Backend.BaseURL,
		"webhook_url":  c.Backend.WebhookURL,
		"upstream_ws":  c.Upstream.WsURL,
		"api_key":      mask(c.Credentials.APIKey, 8),
		"client_code":  mask(c.Credentials.ClientCode, 4),
		"log_level":    c.Log.Level,
	}
}

func mask(s string, keep int) string {
	if s == "" {
		return "provided via API"
	}
	if len(s) <= keep {
		return s + "***"
	}
	return s[:keep] + "***"
}
