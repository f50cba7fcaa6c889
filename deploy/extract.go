package deploy

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
)

// extractZip extracts every entry of the archive at zipPath into fsys,
// preserving the archive's relative paths. Entries named skip are ignored.
// It returns the number of files written.
func extractZip(zipPath string, fsys billy.Filesystem, skip string) (int, error) {
	r, err := zip.OpenReader(zipPath)
	if errors.Is(err, zip.ErrInsecurePath) {
		if r != nil {
			r.Close()
		}
		return 0, fmt.Errorf("%w: %w: %q", ErrExtraction, ErrPathEscape, zipPath)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: zip open %q: %w", ErrExtraction, zipPath, err)
	}
	defer r.Close()

	files := 0
	for _, f := range r.File {
		name, err := entryPath(f.Name)
		if err != nil {
			return files, fmt.Errorf("%w: %w", ErrExtraction, err)
		}
		if name == "" {
			continue
		}
		if name == skip {
			slog.Warn("Skipping archive entry that collides with the staging archive", "entry", f.Name)
			continue
		}

		if f.FileInfo().IsDir() {
			if err := fsys.MkdirAll(name, 0o755); err != nil {
				return files, fmt.Errorf("%w: mkdir %q: %w", ErrExtraction, name, err)
			}
			continue
		}

		if err := extractFile(fsys, f, name); err != nil {
			return files, fmt.Errorf("%w: %w", ErrExtraction, err)
		}
		files++
	}

	return files, nil
}

func extractFile(fsys billy.Filesystem, f *zip.File, name string) error {
	if err := fsys.MkdirAll(path.Dir(name), 0o755); err != nil {
		return fmt.Errorf("mkdir %q: %w", path.Dir(name), err)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("zip open file %q: %w", f.Name, err)
	}
	defer rc.Close()

	perm := f.Mode().Perm()
	if perm == 0 {
		perm = 0o644
	}

	out, err := fsys.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create %q: %w", name, err)
	}

	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("write %q: %w", name, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %q: %w", name, err)
	}
	return nil
}

// entryPath cleans an archive entry name into a slash separated path
// relative to the destination. Names that are absolute or climb out of the
// destination are rejected. The archive root itself maps to "".
func entryPath(name string) (string, error) {
	if name == "" {
		return "", nil
	}
	if path.IsAbs(name) || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, name)
	}

	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, name)
	}
	if clean == "." {
		return "", nil
	}
	return clean, nil
}
