// Package config loads the proxy configuration from the environment, with an
// optional YAML file override and .env support.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds every recognized option. Environment variables win over the
// YAML file; compiled-in defaults fill the rest.
type Config struct {
	// Port is the HTTP listening port.
	Port int `yaml:"port"`

	// ClientID and ClientSecret authenticate the OAuth refresh grant.
	ClientID     string `yaml:"client-id"`
	ClientSecret string `yaml:"client-secret"`

	// RefreshToken is the default credential for CLI use only; HTTP requests
	// carry their own token in the Authorization header.
	RefreshToken string `yaml:"refresh-token"`

	// ProjectID overrides project discovery when set.
	ProjectID string `yaml:"project-id"`

	// KeepThinking passes thought-flagged text parts through to clients.
	KeepThinking bool `yaml:"keep-thinking"`

	// ThinkingBudget is the default thinking token budget.
	ThinkingBudget int `yaml:"thinking-budget"`

	// LogLevel is a logrus level name (debug, info, warn, error).
	LogLevel string `yaml:"log-level"`

	// LogFile enables rotating file output when non-empty.
	LogFile string `yaml:"log-file"`
}

const (
	defaultPort           = 8000
	defaultThinkingBudget = 16000
)

// Load builds the configuration: defaults, then the YAML file at path (if it
// exists), then environment variables. A missing file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debugf("config: no .env file loaded: %v", err)
	}

	cfg := &Config{
		Port:           defaultPort,
		ThinkingBudget: defaultThinkingBudget,
		LogLevel:       "info",
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Port = port
		} else {
			log.Warnf("config: ignoring invalid PORT %q", v)
		}
	}
	if v := os.Getenv("ANTIGRAVITY_CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}
	if v := os.Getenv("ANTIGRAVITY_CLIENT_SECRET"); v != "" {
		cfg.ClientSecret = v
	}
	if v := os.Getenv("ANTIGRAVITY_REFRESH_TOKEN"); v != "" {
		cfg.RefreshToken = v
	}
	if v := os.Getenv("ANTIGRAVITY_PROJECT_ID"); v != "" {
		cfg.ProjectID = v
	}
	if v := os.Getenv("KEEP_THINKING"); v != "" {
		cfg.KeepThinking = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("THINKING_BUDGET"); v != "" {
		if budget, err := strconv.Atoi(v); err == nil && budget > 0 {
			cfg.ThinkingBudget = budget
		} else {
			log.Warnf("config: ignoring invalid THINKING_BUDGET %q", v)
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
}
