// Package blob is an opaque key-value store for persisted application state.
package blob

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
)

// ErrNotFound is returned by Get when no value is stored under a key.
var ErrNotFound = errors.New("blob: not found")

// Store persists opaque byte values by key. Put replaces any previous value
// atomically: a concurrent or later Get sees either the old or the new value.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Close() error
}

// Open builds a Store for driver ("file" or "sqlite"). An empty path places
// the data under cacheDir.
func Open(ctx context.Context, driver, path, cacheDir string) (Store, error) {
	switch driver {
	case "", "file":
		if path == "" {
			path = filepath.Join(cacheDir, "state")
		}
		return NewFileStore(path)
	case "sqlite":
		if path == "" {
			path = filepath.Join(cacheDir, "luma.db")
		}
		return OpenSQLite(ctx, path)
	default:
		return nil, fmt.Errorf("blob: unknown driver %q", driver)
	}
}

func validKey(key string) error {
	if key == "" {
		return errors.New("blob: empty key")
	}
	for _, r := range key {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.') {
			return fmt.Errorf("blob: invalid key %q", key)
		}
	}
	return nil
}
