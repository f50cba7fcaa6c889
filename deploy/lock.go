package deploy

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

var ErrLocked = errors.New("deploy: destination is locked by another process")

// Lock takes an exclusive advisory lock on "<dest>.lock", next to the
// destination so that Clear never removes it. The returned function releases
// the lock.
func (e *Engine) Lock() (func(), error) {
	dest := e.cfg.DestinationDir
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir %q: %w", ErrFilesystem, filepath.Dir(dest), err)
	}

	lock := flock.New(dest + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("%w: lock %q: %w", ErrFilesystem, lock.Path(), err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrLocked, lock.Path())
	}

	return func() {
		if err := lock.Unlock(); err != nil {
			slog.Warn("Failed to release lock", "path", lock.Path(), "error", err)
		}
	}, nil
}
