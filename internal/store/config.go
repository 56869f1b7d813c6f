package store

import (
	"errors"
	"fmt"
	"os"

	"chart-sync-engine/internal/types"

	"gopkg.in/yaml.v3"
)

type PanelConfig struct {
	Symbol    string   `yaml:"symbol"`
	Legs      []string `yaml:"legs"`
	Timeframe string   `yaml:"timeframe"`
	Width     float64  `yaml:"width"`
}

type Config struct {
	Feed struct {
		URL               string `yaml:"url"`
		BackoffMinMS      int    `yaml:"backoff_min_ms"`
		BackoffMaxMS      int    `yaml:"backoff_max_ms"`
		ReconnectBackfill bool   `yaml:"reconnect_backfill"`
	} `yaml:"feed"`
	Backfill struct {
		Source         string `yaml:"source"` // HTTP, KITE or NONE
		URL            string `yaml:"url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"backfill"`
	Kite struct {
		APIKeyEnv      string         `yaml:"api_key_env"`
		AccessTokenEnv string         `yaml:"access_token_env"`
		Tokens         map[string]int `yaml:"tokens"`
	} `yaml:"kite"`
	Panels []PanelConfig `yaml:"panels"`
}

func (c *Config) Validate() error {
	if c.Feed.URL == "" {
		return errors.New("feed.url cannot be empty")
	}
	switch c.Backfill.Source {
	case "HTTP", "KITE", "NONE":
	default:
		return fmt.Errorf("invalid backfill.source '%s': must be 'HTTP', 'KITE' or 'NONE'", c.Backfill.Source)
	}
	if c.Backfill.Source == "HTTP" && c.Backfill.URL == "" {
		return errors.New("backfill.url cannot be empty when backfill.source is HTTP")
	}
	if len(c.Panels) == 0 {
		return errors.New("panels cannot be empty")
	}
	for i, p := range c.Panels {
		if p.Symbol == "" {
			return fmt.Errorf("panels[%d]: symbol cannot be empty", i)
		}
		if len(p.Legs) == 0 {
			return fmt.Errorf("panels[%d]: legs cannot be empty", i)
		}
		for _, leg := range p.Legs {
			if !types.Leg(leg).Valid() {
				return fmt.Errorf("panels[%d]: invalid leg '%s'", i, leg)
			}
		}
		if !types.Timeframe(p.Timeframe).Valid() {
			return fmt.Errorf("panels[%d]: invalid timeframe '%s'", i, p.Timeframe)
		}
		if p.Width <= 0 {
			return fmt.Errorf("panels[%d]: width must be positive, got %.1f", i, p.Width)
		}
	}
	return nil
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}

	if c.Feed.BackoffMinMS == 0 {
		c.Feed.BackoffMinMS = 1000
	}
	if c.Feed.BackoffMaxMS == 0 {
		c.Feed.BackoffMaxMS = 30000
	}
	if c.Backfill.Source == "" {
		c.Backfill.Source = "HTTP"
	}
	if c.Backfill.TimeoutSeconds == 0 {
		c.Backfill.TimeoutSeconds = 10
	}
	if c.Kite.APIKeyEnv == "" {
		c.Kite.APIKeyEnv = "KITE_API_KEY"
	}
	if c.Kite.AccessTokenEnv == "" {
		c.Kite.AccessTokenEnv = "KITE_ACCESS_TOKEN"
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &c, nil
}
