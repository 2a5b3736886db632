package infra

import (
	"os"
	"strconv"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv string
	Port   string

	ComfyBaseURL string
	ComfyWSURL   string

	// DatabaseURL is optional. When empty the job archive is disabled and
	// resolved jobs are dropped after the retention window.
	DatabaseURL string
	DBMaxConns  int

	SettingsPath string
	StylesPath   string

	EnhancerAPIKey  string
	EnhancerModel   string
	EnhancerBaseURL string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	SweepInterval   time.Duration
	RetentionWindow time.Duration
	EventBuffer     int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		Port:             getEnv("PORT", "8080"),
		ComfyBaseURL:     getEnv("COMFY_BASE_URL", "http://127.0.0.1:8188"),
		ComfyWSURL:       getEnv("COMFY_WS_URL", "ws://127.0.0.1:8188/ws"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		DBMaxConns:       getEnvInt("DB_MAX_CONNS", 4),
		SettingsPath:     getEnv("SETTINGS_PATH", "settings.json"),
		StylesPath:       getEnv("STYLES_PATH", "styles_config.json"),
		EnhancerAPIKey:   os.Getenv("ENHANCER_API_KEY"),
		EnhancerModel:    getEnv("ENHANCER_MODEL", "gpt-4o-mini"),
		EnhancerBaseURL:  getEnv("ENHANCER_BASE_URL", "https://api.openai.com/v1"),
		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		SweepInterval:    time.Second * time.Duration(getEnvInt("SWEEP_INTERVAL_SECONDS", 60)),
		RetentionWindow:  time.Minute * time.Duration(getEnvInt("RETENTION_WINDOW_MINUTES", 30)),
		EventBuffer:      getEnvInt("EVENT_BUFFER", 256),
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
