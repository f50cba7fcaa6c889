package deploy

import (
	"context"
	"io"
	"net/url"
)

// Transport retrieves archives and their validation tokens for one or more
// URL schemes.
type Transport interface {
	// Marker returns the validation token (ETag) currently served for u.
	// An empty string with a nil error means the source provides no token.
	// When head is set the transport may use a header-only request.
	Marker(ctx context.Context, u *url.URL, head bool) (marker string, err error)

	// Fetch streams the archive at u into w and returns the validation token
	// that came with it, or "" when there was none.
	Fetch(ctx context.Context, u *url.URL, w io.Writer) (marker string, err error)
}
