package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/retrohunt/retrohunt/internal/hauntedhouse"
)

type Config struct {
	ListenAddr  string
	DBPath      string
	PolicyFile  string
	Remote      hauntedhouse.Config
	CORSOrigins []string
	CreateRPS   int
	LogLevel    string
	LogFile     string
}

// RemoteConfigured reports whether a retrohunt service URL was given.
func (c *Config) RemoteConfigured() bool {
	return c.Remote.URL != ""
}

func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr: getEnv("RETROHUNT_LISTEN_ADDR", ":8080"),
		DBPath:     getEnv("RETROHUNT_DB_PATH", "retrohunt.db"),
		PolicyFile: getEnv("RETROHUNT_POLICY_FILE", ""),
		LogLevel:   getEnv("RETROHUNT_LOG_LEVEL", "info"),
		LogFile:    getEnv("RETROHUNT_LOG_FILE", ""),
		Remote: hauntedhouse.Config{
			URL:     strings.TrimRight(getEnv("RETROHUNT_URL", ""), "/"),
			APIKey:  getEnv("RETROHUNT_API_KEY", ""),
			Timeout: 30 * time.Second,
		},
	}

	if cfg.PolicyFile == "" {
		return nil, errors.New("RETROHUNT_POLICY_FILE must not be empty")
	}

	var err error
	cfg.Remote.TLSVerify, err = getEnvBool("RETROHUNT_TLS_VERIFY", true)
	if err != nil {
		return nil, fmt.Errorf("RETROHUNT_TLS_VERIFY: %w", err)
	}

	cfg.CreateRPS, err = getEnvInt("RETROHUNT_CREATE_RPS", 0)
	if err != nil {
		return nil, fmt.Errorf("RETROHUNT_CREATE_RPS: %w", err)
	}
	if cfg.CreateRPS < 0 {
		return nil, errors.New("RETROHUNT_CREATE_RPS must be >= 0")
	}

	for _, o := range strings.Split(getEnv("RETROHUNT_CORS_ORIGINS", ""), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}

	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return nil, fmt.Errorf("RETROHUNT_LOG_LEVEL %q must be one of: debug, info, warn, error", cfg.LogLevel)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid boolean %q", v)
	}
	return b, nil
}
