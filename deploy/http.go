package deploy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/imroc/req/v3"
)

const (
	DefaultTimeout        = 10 * time.Minute
	DefaultConnectTimeout = 30 * time.Second
	DefaultRetries        = 3

	maxRetryAfter = time.Hour
	userAgent     = "zipdeploy"
)

type HTTPOptions struct {
	// Timeout bounds a whole request including reading the body.
	Timeout time.Duration
	// ConnectTimeout bounds establishing the TCP connection.
	ConnectTimeout time.Duration
	// Retries is the number of retries after a 429 response.
	Retries int
}

// HTTPTransport serves http and https sources. The validation token is the
// ETag response header.
type HTTPTransport struct {
	client *req.Client
}

func NewHTTPTransport(opts HTTPOptions) *HTTPTransport {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}

	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	client := req.C().
		SetTimeout(opts.Timeout).
		SetDial(dialer.DialContext).
		SetUserAgent(userAgent).
		SetCommonRetryCount(opts.Retries).
		SetCommonRetryCondition(func(resp *req.Response, err error) bool {
			return err == nil && resp.GetStatusCode() == http.StatusTooManyRequests
		}).
		SetCommonRetryInterval(retryAfter).
		SetCommonRetryHook(func(resp *req.Response, err error) {
			slog.Warn("Rate limited, retrying", "status", resp.GetStatusCode())
		})

	return &HTTPTransport{client: client}
}

// retryAfter honours the Retry-After header and otherwise backs off
// exponentially from 30s.
func retryAfter(resp *req.Response, attempt int) time.Duration {
	wait := 30 * time.Second * time.Duration(1<<max(attempt-1, 0))
	if resp != nil && resp.Response != nil {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				wait = time.Duration(secs) * time.Second
			}
		}
	}
	return min(wait, maxRetryAfter)
}

func (t *HTTPTransport) Marker(ctx context.Context, u *url.URL, head bool) (string, error) {
	r := t.client.R().
		SetContext(ctx).
		DisableAutoReadResponse()

	method := http.MethodGet
	if head {
		method = http.MethodHead
	}

	resp, err := r.Send(method, u.String())
	if err != nil {
		return "", fmt.Errorf("%w: %s %q: %w", ErrNetwork, method, u.Redacted(), err)
	}
	// the body is never needed here, only the headers
	defer resp.Body.Close()

	if !resp.IsSuccessState() {
		return "", fmt.Errorf("%w: %s %q: unexpected status %s", ErrNetwork, method, u.Redacted(), resp.Status)
	}

	return resp.Header.Get("ETag"), nil
}

func (t *HTTPTransport) Fetch(ctx context.Context, u *url.URL, w io.Writer) (string, error) {
	resp, err := t.client.R().
		SetContext(ctx).
		DisableAutoReadResponse().
		Get(u.String())
	if err != nil {
		return "", fmt.Errorf("%w: GET %q: %w", ErrNetwork, u.Redacted(), err)
	}
	defer resp.Body.Close()

	if !resp.IsSuccessState() {
		return "", fmt.Errorf("%w: GET %q: unexpected status %s", ErrNetwork, u.Redacted(), resp.Status)
	}

	pw := &progressWriter{w: w, url: u.Redacted(), total: resp.ContentLength, last: time.Now()}
	if _, err := io.Copy(pw, resp.Body); err != nil {
		if pw.err != nil {
			return "", fmt.Errorf("%w: write %q: %w", ErrFilesystem, u.Redacted(), pw.err)
		}
		return "", fmt.Errorf("%w: read %q: %w", ErrNetwork, u.Redacted(), err)
	}

	return resp.Header.Get("ETag"), nil
}

// progressWriter counts bytes, keeps the first write error apart from read
// errors and logs progress at most once per second.
type progressWriter struct {
	w     io.Writer
	url   string
	total int64
	n     int64
	last  time.Time
	err   error
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.n += int64(n)
	if err != nil {
		p.err = err
		return n, err
	}
	if time.Since(p.last) >= time.Second {
		p.last = time.Now()
		total := "unknown"
		if p.total > 0 {
			total = humanize.Bytes(uint64(p.total))
		}
		slog.Debug("Downloading", "url", p.url, "downloaded", humanize.Bytes(uint64(p.n)), "total", total)
	}
	return n, nil
}
