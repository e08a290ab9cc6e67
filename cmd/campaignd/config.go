package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all campaignd daemon configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr    string `json:"listen_addr"`
	DBPath        string `json:"db_path"`
	LogLevel      string `json:"log_level"`
	PoolSize      int    `json:"pool_size"`
	TemplatesPath string `json:"templates_path"`

	WebhookSecret string `json:"webhook_secret"`

	SendGridAPIKey  string `json:"sendgrid_api_key"`
	SendGridBaseURL string `json:"sendgrid_base_url"`
	FromEmail       string `json:"from_email"`
	FromName        string `json:"from_name"`

	PollInterval time.Duration `json:"-"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:   ":4200",
		DBPath:       filepath.Join(campaigndDir(), "campaignd.db"),
		LogLevel:     "info",
		PoolSize:     10,
		PollInterval: 2 * time.Second,
	}
}

func campaigndDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".campaignd"
	}
	return filepath.Join(home, ".campaignd")
}

func settingsPath() string {
	return filepath.Join(campaigndDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CAMPAIGND_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CAMPAIGND_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CAMPAIGND_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CAMPAIGND_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("CAMPAIGND_TEMPLATES_PATH"); v != "" {
		cfg.TemplatesPath = v
	}
	if v := os.Getenv("CAMPAIGND_WEBHOOK_SECRET"); v != "" {
		cfg.WebhookSecret = v
	}
	if v := os.Getenv("CAMPAIGND_SENDGRID_API_KEY"); v != "" {
		cfg.SendGridAPIKey = v
	}
	if v := os.Getenv("CAMPAIGND_SENDGRID_BASE_URL"); v != "" {
		cfg.SendGridBaseURL = v
	}
	if v := os.Getenv("CAMPAIGND_FROM_EMAIL"); v != "" {
		cfg.FromEmail = v
	}
	if v := os.Getenv("CAMPAIGND_FROM_NAME"); v != "" {
		cfg.FromName = v
	}
	if v := os.Getenv("CAMPAIGND_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PollInterval = d
		}
	}

	return cfg
}
