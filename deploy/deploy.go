// Package deploy keeps a local directory in sync with a remote zip archive.
//
// An Engine compares the archive's validation token (ETag) with the one
// stored in a marker file inside the destination, and when they differ it
// clears the destination, downloads the archive next to the extracted files,
// extracts it and records the new token. A Poller drives an Engine on a fixed
// interval.
//
// An Engine is not safe for concurrent use: at most one refresh may be in
// flight per destination directory. Engine.Lock guards against a second
// process syncing the same destination.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

const (
	DefaultDestinationDir  = "./content"
	DefaultStagingFileName = "download.zip"
	DefaultMarkerFileName  = ".etagfile"
)

type Config struct {
	SourceURL       string
	DestinationDir  string
	StagingFileName string
	MarkerFileName  string

	// HeadCheck uses a HEAD request instead of a full GET to read the remote
	// marker.
	HeadCheck bool

	// Atomic extracts into a sibling directory and swaps it into place, so a
	// failed refresh leaves the previous tree untouched.
	Atomic bool
}

type Option func(*Engine)

// WithTransport serves the given URL schemes with t, replacing any transport
// registered for them before.
func WithTransport(t Transport, schemes ...string) Option {
	return func(e *Engine) {
		for _, s := range schemes {
			e.transports[strings.ToLower(s)] = t
		}
	}
}

type Engine struct {
	cfg        Config
	transports map[string]Transport
}

// New returns an Engine for cfg. Empty fields take their defaults and the
// destination is resolved to an absolute path. No I/O happens here.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.SourceURL == "" {
		return nil, fmt.Errorf("%w: source url is required", ErrValidation)
	}
	if cfg.DestinationDir == "" {
		cfg.DestinationDir = DefaultDestinationDir
	}
	if cfg.StagingFileName == "" {
		cfg.StagingFileName = DefaultStagingFileName
	}
	if cfg.MarkerFileName == "" {
		cfg.MarkerFileName = DefaultMarkerFileName
	}

	for _, name := range []string{cfg.StagingFileName, cfg.MarkerFileName} {
		if name != filepath.Base(name) || name == "." || name == ".." {
			return nil, fmt.Errorf("%w: %q must be a plain file name", ErrValidation, name)
		}
	}
	if cfg.StagingFileName == cfg.MarkerFileName {
		return nil, fmt.Errorf("%w: staging and marker file names must differ", ErrValidation)
	}

	dest, err := filepath.Abs(cfg.DestinationDir)
	if err != nil {
		return nil, fmt.Errorf("%w: destination %q: %w", ErrValidation, cfg.DestinationDir, err)
	}
	cfg.DestinationDir = dest

	httpTransport := NewHTTPTransport(HTTPOptions{})
	ftpTransport := NewFTPTransport(HTTPOptions{})
	e := &Engine{
		cfg: cfg,
		transports: map[string]Transport{
			"http":  httpTransport,
			"https": httpTransport,
			"ftp":   ftpTransport,
			"ftps":  ftpTransport,
		},
	}
	for _, opt := range opts {
		opt(e)
	}

	if _, _, err := e.resolve(""); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) String() string {
	return fmt.Sprintf("Engine(%s, %s, %s, %s)",
		e.cfg.SourceURL, e.cfg.DestinationDir, e.cfg.StagingFileName, e.cfg.MarkerFileName)
}

func (e *Engine) markerPath() string {
	return filepath.Join(e.cfg.DestinationDir, e.cfg.MarkerFileName)
}

// resolve picks the effective URL and the transport serving its scheme.
func (e *Engine) resolve(urlOverride string) (*url.URL, Transport, error) {
	raw := e.cfg.SourceURL
	if urlOverride != "" {
		raw = urlOverride
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: url %q: %w", ErrValidation, raw, err)
	}
	t, ok := e.transports[u.Scheme]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %w %q", ErrValidation, ErrUnsupportedScheme, u.Scheme)
	}
	return u, t, nil
}

// FetchRemoteMarker requests the effective URL and returns its validation
// token. A source without a token yields "" and a nil error.
func (e *Engine) FetchRemoteMarker(ctx context.Context, urlOverride string) (string, error) {
	u, t, err := e.resolve(urlOverride)
	if err != nil {
		return "", err
	}
	return t.Marker(ctx, u, e.cfg.HeadCheck)
}

// LocalMarker returns the stored marker and whether the marker file exists.
func (e *Engine) LocalMarker() (string, bool, error) {
	return readMarker(osfs.New(e.cfg.DestinationDir), e.cfg.MarkerFileName)
}

func readMarker(fsys billy.Filesystem, name string) (string, bool, error) {
	info, err := fsys.Stat(name)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: stat marker %q: %w", ErrFilesystem, name, err)
	}
	if info.IsDir() {
		return "", false, nil
	}

	data, err := util.ReadFile(fsys, name)
	if err != nil {
		return "", false, fmt.Errorf("%w: read marker %q: %w", ErrFilesystem, name, err)
	}
	return string(data), true, nil
}

// IsUpdateRequired reports whether the destination is missing or stale.
// Without a local marker it returns true without any network I/O. If the
// remote marker cannot be fetched it returns true along with the error.
func (e *Engine) IsUpdateRequired(ctx context.Context, urlOverride string) (bool, error) {
	local, ok, err := e.LocalMarker()
	if err != nil {
		return true, err
	}
	if !ok {
		slog.Info("Marker file does not exist, update required", "path", e.markerPath())
		return true, nil
	}

	remote, err := e.FetchRemoteMarker(ctx, urlOverride)
	if err != nil {
		return true, err
	}
	if remote == "" {
		slog.Info("Remote provided no marker, update required", "local", local)
		return true, nil
	}
	if remote != local {
		slog.Info("Markers differ, update required", "local", local, "remote", remote)
		return true, nil
	}

	slog.Info("Markers are identical, update not required", "local", local, "remote", remote)
	return false, nil
}

// DownloadAndExtract fetches the archive into the destination, extracts it
// and records the new marker, regardless of the current marker.
func (e *Engine) DownloadAndExtract(ctx context.Context, urlOverride string) error {
	if e.cfg.Atomic {
		return e.swapIn(ctx, urlOverride)
	}
	return e.downloadAndExtract(ctx, urlOverride, e.cfg.DestinationDir)
}

func (e *Engine) downloadAndExtract(ctx context.Context, urlOverride, dir string) error {
	u, t, err := e.resolve(urlOverride)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %q: %w", ErrFilesystem, dir, err)
	}

	stagingPath := filepath.Join(dir, e.cfg.StagingFileName)
	marker, err := e.download(ctx, t, u, stagingPath)
	if err != nil {
		return err
	}

	fsys := osfs.New(dir)
	files, err := extractZip(stagingPath, fsys, e.cfg.StagingFileName)
	if err != nil {
		// the staging archive stays for inspection
		return err
	}
	slog.Info("Extracted archive", "archive", stagingPath, "dest", dir, "files", files)

	if marker != "" {
		if err := util.WriteFile(fsys, e.cfg.MarkerFileName, []byte(marker), 0o644); err != nil {
			return fmt.Errorf("%w: write marker %q: %w", ErrFilesystem, filepath.Join(dir, e.cfg.MarkerFileName), err)
		}
		slog.Info("Wrote marker", "path", filepath.Join(dir, e.cfg.MarkerFileName), "marker", marker)
	} else {
		slog.Warn("Remote did not provide an ETag, caching disabled (downloading every time)", "url", u.Redacted())
	}

	removeStaging(stagingPath)
	return nil
}

func (e *Engine) download(ctx context.Context, t Transport, u *url.URL, stagingPath string) (string, error) {
	f, err := os.Create(stagingPath)
	if err != nil {
		return "", fmt.Errorf("%w: create %q: %w", ErrFilesystem, stagingPath, err)
	}

	marker, err := t.Fetch(ctx, u, f)
	cerr := f.Close()
	if err != nil {
		removeStaging(stagingPath)
		return "", err
	}
	if cerr != nil {
		return "", fmt.Errorf("%w: close %q: %w", ErrFilesystem, stagingPath, cerr)
	}

	size := "unknown"
	if info, err := os.Stat(stagingPath); err == nil {
		size = humanize.Bytes(uint64(info.Size()))
	}
	slog.Info("Downloaded archive", "url", u.Redacted(), "path", stagingPath, "size", size)
	return marker, nil
}

// removeStaging deletes the staging archive. Failures are logged only, the
// tree is already extracted at this point.
func removeStaging(stagingPath string) {
	if err := os.Remove(stagingPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Failed to delete staging archive", "path", stagingPath, "error", err)
		}
		return
	}
	slog.Debug("Deleted staging archive", "path", stagingPath)
}

// Clear removes the destination directory and everything below it. A missing
// directory is a no-op; other failures are logged and swallowed.
func (e *Engine) Clear() {
	dest := e.cfg.DestinationDir
	slog.Info("Clearing destination", "dest", dest)
	if err := os.RemoveAll(dest); err != nil {
		slog.Error("Failed to clear destination", "dest", dest, "error", err)
		return
	}
	slog.Info("Destination cleared", "dest", dest)
}

// RefreshIfNeeded runs one refresh cycle: when force is set or the markers
// differ it replaces the destination with the archive's contents. It returns
// true when the destination was refreshed.
//
// Outside atomic mode the destination is cleared before the download, so a
// failed cycle leaves it empty or partially extracted until the next one.
func (e *Engine) RefreshIfNeeded(ctx context.Context, urlOverride string, force bool) (bool, error) {
	required := force
	if force {
		slog.Info("Forced download requested")
		if !e.cfg.Atomic {
			e.Clear()
		}
	} else {
		var err error
		required, err = e.IsUpdateRequired(ctx, urlOverride)
		if err != nil {
			return false, err
		}
	}
	if !required {
		return false, nil
	}

	slog.Info("Download required, refreshing destination", "dest", e.cfg.DestinationDir)
	if !e.cfg.Atomic {
		e.Clear()
	}
	if err := e.DownloadAndExtract(ctx, urlOverride); err != nil {
		return false, err
	}

	slog.Info("Destination updated successfully", "dest", e.cfg.DestinationDir)
	return true, nil
}
