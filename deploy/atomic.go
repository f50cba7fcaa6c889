package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// swapIn extracts the archive into a fresh sibling of the destination and
// renames it into place. The previous tree is moved aside first and removed
// once the new one is in place, or moved back if the swap fails.
func (e *Engine) swapIn(ctx context.Context, urlOverride string) error {
	dest := e.cfg.DestinationDir
	parent, base := filepath.Dir(dest), filepath.Base(dest)

	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %q: %w", ErrFilesystem, parent, err)
	}
	next, err := os.MkdirTemp(parent, "."+base+"-next-*")
	if err != nil {
		return fmt.Errorf("%w: mkdir temp in %q: %w", ErrFilesystem, parent, err)
	}
	// MkdirTemp creates 0700; the swapped-in tree keeps the destination's mode
	if err := os.Chmod(next, destPerm(dest)); err != nil {
		removeSibling(next)
		return fmt.Errorf("%w: chmod %q: %w", ErrFilesystem, next, err)
	}

	if err := e.downloadAndExtract(ctx, urlOverride, next); err != nil {
		removeSibling(next)
		return err
	}

	prev := ""
	if _, err := os.Stat(dest); err == nil {
		prev = filepath.Join(parent, strings.Replace(filepath.Base(next), "-next-", "-prev-", 1))
		if err := os.Rename(dest, prev); err != nil {
			removeSibling(next)
			return fmt.Errorf("%w: move %q aside: %w", ErrFilesystem, dest, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		removeSibling(next)
		return fmt.Errorf("%w: stat %q: %w", ErrFilesystem, dest, err)
	}

	if err := os.Rename(next, dest); err != nil {
		if prev != "" {
			if rerr := os.Rename(prev, dest); rerr != nil {
				slog.Error("Failed to restore previous destination", "dest", dest, "backup", prev, "error", rerr)
			}
		}
		removeSibling(next)
		return fmt.Errorf("%w: move %q into place: %w", ErrFilesystem, next, err)
	}

	if prev != "" {
		removeSibling(prev)
	}
	slog.Info("Swapped in new content", "dest", dest)
	return nil
}

// destPerm returns the permissions of the existing destination, or 0755 as
// used when the destination is created in place.
func destPerm(dest string) os.FileMode {
	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		return info.Mode().Perm()
	}
	return 0o755
}

func removeSibling(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		slog.Warn("Failed to remove directory", "path", dir, "error", err)
	}
}
