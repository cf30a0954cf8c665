package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"CovesClient/internal/config"
	"CovesClient/internal/core/session"
)

// DefaultFilePath is where the file backend keeps the session when no path
// is configured.
func DefaultFilePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config directory: %w", err)
	}
	return filepath.Join(dir, "coves", "session.json"), nil
}

// Open builds the store selected by cfg.Backend. The returned close func
// releases backend resources and is never nil.
func Open(ctx context.Context, cfg config.SessionConfig) (session.Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case config.SessionBackendMemory:
		return NewMemoryStore(), noop, nil
	case config.SessionBackendFile, "":
		path := cfg.FilePath
		if path == "" {
			var err error
			if path, err = DefaultFilePath(); err != nil {
				return nil, noop, err
			}
		}
		store, err := NewFileStore(path, cfg.Secret)
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	case config.SessionBackendRedis:
		store, err := DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}
