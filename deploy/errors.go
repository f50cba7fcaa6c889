package deploy

import "errors"

var (
	// ErrValidation is returned for configuration and URL problems detected
	// before any I/O happens.
	ErrValidation = errors.New("deploy: validation failed")

	// ErrNetwork is returned when a marker check or download cannot complete:
	// DNS, connection, timeout or a non-success status.
	ErrNetwork = errors.New("deploy: network error")

	// ErrExtraction is returned when the staging archive is not a valid zip,
	// an entry would escape the destination, or an entry cannot be written.
	ErrExtraction = errors.New("deploy: extraction failed")

	// ErrFilesystem is returned for create/write failures outside extraction.
	ErrFilesystem = errors.New("deploy: filesystem error")

	ErrUnsupportedScheme = errors.New("deploy: unsupported url scheme")
	ErrPathEscape        = errors.New("deploy: archive entry escapes destination")
)
