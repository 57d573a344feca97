package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"
)

// Backend names accepted by Open
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Options selects and configures a backend
type Options struct {
	Backend        string
	Path           string // directory for file, database file for sqlite
	RedisURL       string
	RedisPrefix    string
	PendingTTL     time.Duration
	UseKeyring     bool
	KeyringService string
}

// Open builds the configured Store, wrapped in a KeyringStore when requested
func Open(ctx context.Context, opts Options) (Store, error) {
	ttl := opts.PendingTTL
	if ttl == 0 {
		ttl = DefaultPendingTTL
	}

	var store Store
	var err error
	switch opts.Backend {
	case BackendMemory:
		store = NewMemoryStore(ttl)
	case BackendFile, "":
		store, err = NewFileStore(opts.Path, ttl)
	case BackendSQLite:
		path := opts.Path
		if filepath.Ext(path) == "" {
			path = filepath.Join(path, "state.db")
		}
		store, err = NewSQLiteStore(path, ttl)
	case BackendRedis:
		store, err = NewRedisStore(ctx, opts.RedisURL, opts.RedisPrefix, ttl)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
	if err != nil {
		return nil, err
	}

	slog.Debug("recovery store opened", "backend", opts.Backend, "keyring", opts.UseKeyring)
	if opts.UseKeyring {
		return NewKeyringStore(store, opts.KeyringService), nil
	}
	return store, nil
}
