// Package config loads client configuration. Values come from, in increasing
// precedence: build-time defaults (set with -ldflags -X), an optional YAML
// file, and COVES_* environment variables.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Build-time defaults. Release builds override these, e.g.
//
//	go build -ldflags "-X CovesClient/internal/config.DefaultEnvironment=local \
//	  -X CovesClient/internal/config.DefaultBaseURL=http://127.0.0.1:8081"
var (
	DefaultEnvironment = "production"
	DefaultBaseURL     = "https://coves.social"
)

const (
	DefaultRequestTimeout    = 30 * time.Second
	DefaultProfileCacheSize  = 50
	DefaultMobileRedirectURI = "social.coves:/callback"
)

// Session storage backends.
const (
	SessionBackendMemory = "memory"
	SessionBackendFile   = "file"
	SessionBackendRedis  = "redis"
)

// SessionConfig selects where the session blob is persisted.
type SessionConfig struct {
	Backend       string `yaml:"backend"`
	FilePath      string `yaml:"filePath"`
	Secret        string `yaml:"secret"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`
}

// PDSConfig enables the direct-to-PDS vote variant.
type PDSConfig struct {
	Host    string `yaml:"host"`
	Enabled bool   `yaml:"enabled"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full client configuration.
type Config struct {
	Environment       string        `yaml:"environment"`
	BaseURL           string        `yaml:"baseURL"`
	MobileRedirectURI string        `yaml:"mobileRedirectURI"`
	Log               LogConfig     `yaml:"log"`
	Session           SessionConfig `yaml:"session"`
	PDS               PDSConfig     `yaml:"pds"`
	RequestTimeout    time.Duration `yaml:"requestTimeout"`
	RateLimit         float64       `yaml:"rateLimit"`
	RateBurst         int           `yaml:"rateBurst"`
	ProfileCacheSize  int           `yaml:"profileCacheSize"`
}

// Default returns the configuration used when nothing else is supplied.
func Default() Config {
	return Config{
		Environment:       DefaultEnvironment,
		BaseURL:           DefaultBaseURL,
		MobileRedirectURI: DefaultMobileRedirectURI,
		RequestTimeout:    DefaultRequestTimeout,
		ProfileCacheSize:  DefaultProfileCacheSize,
		Log:               LogConfig{Level: "info", Format: "text"},
		Session:           SessionConfig{Backend: SessionBackendFile},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty), and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("COVES_ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("COVES_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("COVES_MOBILE_REDIRECT_URI"); v != "" {
		cfg.MobileRedirectURI = v
	}
	if v := os.Getenv("COVES_REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid COVES_REQUEST_TIMEOUT: %w", err)
		}
		cfg.RequestTimeout = d
	}
	if v := os.Getenv("COVES_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid COVES_RATE_LIMIT: %w", err)
		}
		cfg.RateLimit = f
	}
	if v := os.Getenv("COVES_PROFILE_CACHE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid COVES_PROFILE_CACHE_SIZE: %w", err)
		}
		cfg.ProfileCacheSize = n
	}
	if v := os.Getenv("COVES_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("COVES_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("COVES_SESSION_BACKEND"); v != "" {
		cfg.Session.Backend = v
	}
	if v := os.Getenv("COVES_SESSION_FILE"); v != "" {
		cfg.Session.FilePath = v
	}
	secret, err := GetEnvBase64OrPlain("COVES_SESSION_SECRET")
	if err != nil {
		return err
	}
	if secret != "" {
		cfg.Session.Secret = secret
	}
	if v := os.Getenv("COVES_REDIS_ADDR"); v != "" {
		cfg.Session.RedisAddr = v
	}
	if v := os.Getenv("COVES_REDIS_PASSWORD"); v != "" {
		cfg.Session.RedisPassword = v
	}
	if v := os.Getenv("COVES_PDS_HOST"); v != "" {
		cfg.PDS.Host = v
		cfg.PDS.Enabled = true
	}
	return nil
}

// Validate checks the values the client cannot run without.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Environment) == "" {
		return errors.New("environment is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid base URL %q", c.BaseURL)
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request timeout must be positive")
	}
	if c.ProfileCacheSize <= 0 {
		return errors.New("profile cache size must be positive")
	}
	switch c.Session.Backend {
	case SessionBackendMemory, SessionBackendFile:
	case SessionBackendRedis:
		if c.Session.RedisAddr == "" {
			return errors.New("redis session backend requires redisAddr")
		}
	default:
		return fmt.Errorf("unknown session backend %q", c.Session.Backend)
	}
	if c.PDS.Enabled && c.PDS.Host == "" {
		return errors.New("pds.enabled requires pds.host")
	}
	return nil
}

// GetEnvBase64OrPlain reads an environment variable whose value may be given
// as "base64:<data>" to avoid shell escaping problems with binary secrets.
func GetEnvBase64OrPlain(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", nil
	}
	if strings.HasPrefix(value, "base64:") {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, "base64:"))
		if err != nil {
			return "", fmt.Errorf("invalid base64 encoding for %s: %w", key, err)
		}
		return string(decoded), nil
	}
	return value, nil
}
