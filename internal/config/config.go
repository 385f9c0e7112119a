package config

import (
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v6"
)

type LLMProvider string

const (
	ProviderOpenAI LLMProvider = "openai"
	ProviderYandex LLMProvider = "yandex"
)

type Config struct {
	// Quota and conversation
	FreeDailyLimit int           `env:"FREE_DAILY_LIMIT" envDefault:"3"`
	HistoryWindow  int           `env:"HISTORY_WINDOW" envDefault:"20"`
	IdleThreshold  time.Duration `env:"IDLE_THRESHOLD" envDefault:"5m"`
	UnlockKeys     string        `env:"UNLOCK_KEYS" envDefault:"DEMO-KEY-1D:24h,DEMO-KEY-7D:168h,DEMO-KEY-30D:720h"`
	Timezone       string        `env:"TIMEZONE"`

	// Storage
	DatabaseURL string `env:"DATABASE_URL"`

	// Web
	HTTPAddr          string `env:"HTTP_ADDR" envDefault:":8080"`
	CookieSecure      bool   `env:"COOKIE_SECURE" envDefault:"false"`
	ChatRatePerMinute int    `env:"CHAT_RATE_PER_MINUTE" envDefault:"30"`
	ChatRateBurst     int    `env:"CHAT_RATE_BURST" envDefault:"10"`

	// Admin MCP endpoint over SSE, disabled when empty
	AdminAddr string `env:"ADMIN_ADDR"`

	// Telegram (optional)
	TelegramBotToken     string        `env:"TELEGRAM_BOT_TOKEN"`
	TelegramEditInterval time.Duration `env:"TELEGRAM_EDIT_INTERVAL" envDefault:"1s"`

	// LLM settings
	LLMProvider      LLMProvider `env:"LLM_PROVIDER" envDefault:"openai"`
	OpenAIAPIKey     string      `env:"OPENAI_API_KEY"`
	OpenAIBaseURL    string      `env:"OPENAI_BASE_URL"`
	OpenAIModel      string      `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	YandexOAuthToken string      `env:"YANDEX_OAUTH_TOKEN"`
	YandexFolderID   string      `env:"YANDEX_FOLDER_ID"`

	// OpenRouter (optional)
	OpenRouterReferrer string `env:"OPENROUTER_REFERRER"`
	OpenRouterTitle    string `env:"OPENROUTER_TITLE"`

	// Prompts
	SystemPromptPath string `env:"SYSTEM_PROMPT_PATH" envDefault:"prompts/system_prompt.txt"`
}

func New() *Config {
	cfg, err := Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}
	return cfg
}

// Parse reads the environment and validates the values that have no safe fallback.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if cfg.FreeDailyLimit < 0 {
		return nil, fmt.Errorf("FREE_DAILY_LIMIT must not be negative, got %d", cfg.FreeDailyLimit)
	}
	if cfg.HistoryWindow <= 0 {
		return nil, fmt.Errorf("HISTORY_WINDOW must be positive, got %d", cfg.HistoryWindow)
	}
	switch cfg.LLMProvider {
	case ProviderOpenAI, ProviderYandex:
	default:
		return nil, fmt.Errorf("unknown LLM_PROVIDER %q", cfg.LLMProvider)
	}
	if _, err := cfg.Location(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Location is the zone that defines the calendar day for quotas. Empty means server local.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}
