// Package config loads engine configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds everything a mounted widget instance needs. RedisURL may be
// empty, which disables the cross-tab relay. CachePath may be empty, which
// disables the local snapshot cache.
type Config struct {
	APIBaseURL   string        `env:"THREADKIT_API_URL" envDefault:"https://api.threadkit.example"`
	RealtimeURL  string        `env:"THREADKIT_REALTIME_URL" envDefault:"wss://rt.threadkit.example/ws"`
	SiteID       string        `env:"THREADKIT_SITE_ID"`
	PageURL      string        `env:"THREADKIT_PAGE_URL"`
	RedisURL     string        `env:"THREADKIT_REDIS_URL"`
	TokenPath    string        `env:"THREADKIT_TOKEN_PATH" envDefault:".threadkit/tokens"`
	TokenSecret  string        `env:"THREADKIT_TOKEN_SECRET" envDefault:"threadkit-dev-secret"`
	CachePath    string        `env:"THREADKIT_CACHE_PATH" envDefault:".threadkit/cache.db"`
	HTTPTimeout  time.Duration `env:"THREADKIT_HTTP_TIMEOUT" envDefault:"15s"`
	ReconnectGap time.Duration `env:"THREADKIT_RECONNECT_GAP" envDefault:"3s"`
	TypingTTL    time.Duration `env:"THREADKIT_TYPING_TTL" envDefault:"3s"`
}

// Load parses configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate reports the first missing required field. A widget cannot mount
// without knowing its site and page.
func (c Config) Validate() error {
	if strings.TrimSpace(c.SiteID) == "" {
		return fmt.Errorf("site id is required")
	}
	if strings.TrimSpace(c.PageURL) == "" {
		return fmt.Errorf("page url is required")
	}
	return nil
}
