// Package config loads client settings from a YAML file with environment
// overrides for the values that differ per deployment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is everything the client needs to reach a host and run actions.
type Config struct {
	Endpoint    string `yaml:"endpoint"`
	APIKey      string `yaml:"apiKey"`
	Environment string `yaml:"environment"`

	PingInterval   time.Duration `yaml:"pingInterval"`
	PingTimeout    time.Duration `yaml:"pingTimeout"`
	SendTimeout    time.Duration `yaml:"sendTimeout"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`

	BackoffInitial time.Duration `yaml:"backoffInitial"`
	BackoffMax     time.Duration `yaml:"backoffMax"`
	MaxRetries     int           `yaml:"maxRetries"`

	CallTimeout  time.Duration `yaml:"callTimeout"`
	DrainTimeout time.Duration `yaml:"drainTimeout"`

	// Inbound dispatch rate limit. Zero disables it.
	RateLimit float64 `yaml:"rateLimit"`
	RateBurst int     `yaml:"rateBurst"`

	// DebugErrors forwards raw action error text to the host instead of
	// a generic summary. Keep off outside development.
	DebugErrors bool `yaml:"debugErrors"`
}

// Default returns the settings used when the file and environment leave
// a value unset.
func Default() Config {
	return Config{
		Environment:    "production",
		PingInterval:   30 * time.Second,
		PingTimeout:    10 * time.Second,
		SendTimeout:    5 * time.Second,
		ConnectTimeout: 10 * time.Second,
		BackoffInitial: 500 * time.Millisecond,
		BackoffMax:     30 * time.Second,
		MaxRetries:     10,
		CallTimeout:    30 * time.Second,
		DrainTimeout:   30 * time.Second,
		RateLimit:      0,
		RateBurst:      0,
	}
}

// LoadFromPath reads path (or the first of ./hostlink.yaml and
// ./configs/hostlink.yaml when path is empty), merges it over the
// defaults, and applies environment overrides last.
func LoadFromPath(path string) (Config, error) {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if path != "" {
		candidates = append(candidates, path)
	} else {
		candidates = append(candidates, "hostlink.yaml", "configs/hostlink.yaml")
	}

	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if err != nil {
			if path != "" {
				return Config{}, fmt.Errorf("config: read %s: %w", candidate, err)
			}
			continue
		}
		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", candidate, err)
		}
		merge(&cfg, parsed)
		break
	}

	ApplyEnvOverrides(&cfg)
	return cfg, nil
}

func merge(dst *Config, src Config) {
	if src.Endpoint != "" {
		dst.Endpoint = src.Endpoint
	}
	if src.APIKey != "" {
		dst.APIKey = src.APIKey
	}
	if src.Environment != "" {
		dst.Environment = src.Environment
	}
	if src.PingInterval != 0 {
		dst.PingInterval = src.PingInterval
	}
	if src.PingTimeout != 0 {
		dst.PingTimeout = src.PingTimeout
	}
	if src.SendTimeout != 0 {
		dst.SendTimeout = src.SendTimeout
	}
	if src.ConnectTimeout != 0 {
		dst.ConnectTimeout = src.ConnectTimeout
	}
	if src.BackoffInitial != 0 {
		dst.BackoffInitial = src.BackoffInitial
	}
	if src.BackoffMax != 0 {
		dst.BackoffMax = src.BackoffMax
	}
	if src.MaxRetries != 0 {
		dst.MaxRetries = src.MaxRetries
	}
	if src.CallTimeout != 0 {
		dst.CallTimeout = src.CallTimeout
	}
	if src.DrainTimeout != 0 {
		dst.DrainTimeout = src.DrainTimeout
	}
	if src.RateLimit != 0 {
		dst.RateLimit = src.RateLimit
	}
	if src.RateBurst != 0 {
		dst.RateBurst = src.RateBurst
	}
	if src.DebugErrors {
		dst.DebugErrors = true
	}
}

// ApplyEnvOverrides lets deployments override file values without
// editing it. The API key in particular usually arrives this way.
func ApplyEnvOverrides(cfg *Config) {
	if v := envString("HOSTLINK_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v := envString("HOSTLINK_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := envString("HOSTLINK_ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := envString("HOSTLINK_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxRetries = n
		}
	}
	if v := strings.ToLower(envString("HOSTLINK_DEBUG_ERRORS")); v != "" {
		switch v {
		case "1", "true", "yes", "on":
			cfg.DebugErrors = true
		case "0", "false", "no", "off":
			cfg.DebugErrors = false
		}
	}
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// Validate rejects configurations that cannot possibly connect.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("config: endpoint is required")
	}
	if !strings.HasPrefix(c.Endpoint, "ws://") && !strings.HasPrefix(c.Endpoint, "wss://") {
		return fmt.Errorf("config: endpoint %q must use the ws:// or wss:// scheme", c.Endpoint)
	}
	if c.APIKey == "" {
		return errors.New("config: apiKey is required")
	}
	if c.BackoffInitial > c.BackoffMax {
		return fmt.Errorf("config: backoffInitial %s exceeds backoffMax %s", c.BackoffInitial, c.BackoffMax)
	}
	return nil
}
