package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
)

// Load reads configuration from a YAML file and environment variables.
// Priority: ENV > YAML > defaults (via env-default tags). The YAML file
// path comes from CONFIG_PATH (fallback "./config.yaml"); without a file,
// configuration is loaded from ENV + defaults only.
func Load() (*Config, error) {
	var cfg Config

	path := os.Getenv("CONFIG_PATH")
	explicitPath := path != ""
	if !explicitPath {
		path = "./config.yaml"
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if explicitPath {
		return nil, fmt.Errorf("config: file %s: %w", path, err)
	} else {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("config: read env: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// Validate checks constraints cleanenv tags cannot express.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Auth.HeaderName == "" {
		return fmt.Errorf("auth header name is empty")
	}
	if len(c.Audio.Secret) < 16 {
		return fmt.Errorf("audio secret must be at least 16 characters")
	}
	if c.Pipeline.WordCount <= 0 {
		return fmt.Errorf("pipeline word count must be positive")
	}
	if c.Pipeline.MaxPollAttempts <= 0 {
		return fmt.Errorf("pipeline max poll attempts must be positive")
	}
	return nil
}

// EnabledLanguages parses the comma-separated enabled language list.
func (c SchedulerConfig) EnabledLanguages() []string {
	if strings.TrimSpace(c.EnabledLanguagesRaw) == "" {
		return nil
	}
	parts := strings.Split(c.EnabledLanguagesRaw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
