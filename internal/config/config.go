package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	BaseURL      string
	WSURL        string
	Token        string
	UserID       string
	DBFile       string
	LogLevel     string
	HTTPTimeout  time.Duration
	PageSize     int
	TypingTTL    time.Duration
	ReconnectMax time.Duration
}

// fileConfig is the optional YAML file named by AMORA_CONFIG.
// Environment variables override it.
type fileConfig struct {
	BaseURL      string `yaml:"base_url"`
	WSURL        string `yaml:"ws_url"`
	Token        string `yaml:"token"`
	UserID       string `yaml:"user_id"`
	DBFile       string `yaml:"db"`
	LogLevel     string `yaml:"log_level"`
	HTTPTimeout  string `yaml:"http_timeout"`
	PageSize     int    `yaml:"page_size"`
	TypingTTL    string `yaml:"typing_ttl"`
	ReconnectMax string `yaml:"reconnect_max"`
}

func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	var file fileConfig
	if path := os.Getenv("AMORA_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	httpTimeout, err := time.ParseDuration(getEnv("AMORA_HTTP_TIMEOUT", or(file.HTTPTimeout, "15s")))
	if err != nil {
		return nil, fmt.Errorf("AMORA_HTTP_TIMEOUT: %w", err)
	}
	typingTTL, err := time.ParseDuration(getEnv("AMORA_TYPING_TTL", or(file.TypingTTL, "3s")))
	if err != nil {
		return nil, fmt.Errorf("AMORA_TYPING_TTL: %w", err)
	}
	reconnectMax, err := time.ParseDuration(getEnv("AMORA_RECONNECT_MAX", or(file.ReconnectMax, "30s")))
	if err != nil {
		return nil, fmt.Errorf("AMORA_RECONNECT_MAX: %w", err)
	}

	pageSize := file.PageSize
	if pageSize == 0 {
		pageSize = 30
	}
	if raw, ok := os.LookupEnv("AMORA_PAGE_SIZE"); ok {
		pageSize, err = strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("AMORA_PAGE_SIZE: %w", err)
		}
	}

	cfg := &Config{
		BaseURL:      strings.TrimRight(getEnv("AMORA_BASE_URL", or(file.BaseURL, "http://localhost:8080")), "/"),
		WSURL:        getEnv("AMORA_WS_URL", file.WSURL),
		Token:        getEnv("AMORA_TOKEN", file.Token),
		UserID:       getEnv("AMORA_USER_ID", file.UserID),
		DBFile:       getEnv("AMORA_DB", or(file.DBFile, "amora.db")),
		LogLevel:     getEnv("AMORA_LOG_LEVEL", or(file.LogLevel, "info")),
		HTTPTimeout:  httpTimeout,
		PageSize:     pageSize,
		TypingTTL:    typingTTL,
		ReconnectMax: reconnectMax,
	}
	if cfg.WSURL == "" {
		cfg.WSURL, err = deriveWSURL(cfg.BaseURL)
		if err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return errors.New("AMORA_TOKEN is required")
	}
	if c.UserID == "" {
		return errors.New("AMORA_USER_ID is required")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("AMORA_PAGE_SIZE must be greater than 0")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("AMORA_HTTP_TIMEOUT must be greater than 0")
	}
	if c.TypingTTL <= 0 {
		return fmt.Errorf("AMORA_TYPING_TTL must be greater than 0")
	}
	if c.ReconnectMax <= 0 {
		return fmt.Errorf("AMORA_RECONNECT_MAX must be greater than 0")
	}
	return nil
}

// deriveWSURL maps http(s)://host/prefix to ws(s)://host/prefix/ws.
func deriveWSURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("AMORA_BASE_URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("AMORA_BASE_URL: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func or(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
