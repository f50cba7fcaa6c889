package deploy

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
)

// FTPTransport serves ftp and ftps (explicit TLS) sources. FTP carries no
// validation token, so archives fetched over it are never cached.
type FTPTransport struct {
	opts HTTPOptions
}

func NewFTPTransport(opts HTTPOptions) *FTPTransport {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	return &FTPTransport{opts: opts}
}

// Marker only checks that the file is reachable and always returns "".
func (t *FTPTransport) Marker(ctx context.Context, u *url.URL, _ bool) (string, error) {
	c, done, err := t.dial(ctx, u)
	if err != nil {
		return "", err
	}
	defer done()

	if _, err := c.FileSize(u.Path); err != nil {
		return "", fmt.Errorf("%w: SIZE %q: %w", ErrNetwork, u.Redacted(), interrupted(ctx, err))
	}
	return "", nil
}

func (t *FTPTransport) Fetch(ctx context.Context, u *url.URL, w io.Writer) (string, error) {
	c, done, err := t.dial(ctx, u)
	if err != nil {
		return "", err
	}
	defer done()

	r, err := c.Retr(u.Path)
	if err != nil {
		return "", fmt.Errorf("%w: RETR %q: %w", ErrNetwork, u.Redacted(), interrupted(ctx, err))
	}
	defer r.Close()

	if _, err := io.Copy(w, r); err != nil {
		return "", fmt.Errorf("%w: RETR %q: %w", ErrNetwork, u.Redacted(), interrupted(ctx, err))
	}
	return "", nil
}

// dial connects and logs in. Every connection of the session, control and
// data, shares one deadline of now+Timeout, and cancelling ctx moves that
// deadline to now so blocked reads and writes return. The returned function
// ends the session.
func (t *FTPTransport) dial(ctx context.Context, u *url.URL) (*ftp.ServerConn, func(), error) {
	conns := &ftpConns{deadline: time.Now().Add(t.opts.Timeout)}
	dialer := &net.Dialer{Timeout: t.opts.ConnectTimeout}

	var tlsConfig *tls.Config
	if u.Scheme == "ftps" {
		tlsConfig = &tls.Config{ServerName: u.Hostname()}
	}

	dialed := 0
	dialFunc := func(network, addr string) (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if err := conns.add(conn); err != nil {
			conn.Close()
			return nil, err
		}
		dialed++
		// the client upgrades the control connection itself, data
		// connections coming from a custom dial func are ours to wrap
		if tlsConfig != nil && dialed > 1 {
			return tls.Client(conn, tlsConfig), nil
		}
		return conn, nil
	}

	opts := []ftp.DialOption{ftp.DialWithDialFunc(dialFunc)}
	if tlsConfig != nil {
		opts = append(opts, ftp.DialWithExplicitTLS(tlsConfig))
	}

	stop := context.AfterFunc(ctx, conns.expire)
	c, err := ftp.Dial(ftpAddr(u), opts...)
	if err != nil {
		stop()
		return nil, nil, fmt.Errorf("%w: dial %q: %w", ErrNetwork, u.Redacted(), interrupted(ctx, err))
	}

	user, pass := ftpLogin(u)
	if err := c.Login(user, pass); err != nil {
		quit(c)
		stop()
		return nil, nil, fmt.Errorf("%w: login %q: %w", ErrNetwork, u.Redacted(), interrupted(ctx, err))
	}
	return c, func() {
		quit(c)
		stop()
	}, nil
}

// ftpConns holds the connections of one FTP session and their shared
// deadline.
type ftpConns struct {
	mu       sync.Mutex
	conns    []net.Conn
	deadline time.Time
}

func (f *ftpConns) add(c net.Conn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns = append(f.conns, c)
	return c.SetDeadline(f.deadline)
}

func (f *ftpConns) expire() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadline = time.Now()
	for _, c := range f.conns {
		c.SetDeadline(f.deadline)
	}
}

// interrupted prefers the context error over the i/o timeout it caused.
func interrupted(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("%w: %w", cerr, err)
	}
	return err
}

func ftpAddr(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = "21"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// ftpLogin returns the URL credentials, or the anonymous login.
func ftpLogin(u *url.URL) (string, string) {
	if u.User == nil || u.User.Username() == "" {
		return "anonymous", "anonymous"
	}
	pass, _ := u.User.Password()
	return u.User.Username(), pass
}

func quit(c *ftp.ServerConn) {
	if err := c.Quit(); err != nil {
		slog.Debug("FTP quit failed", "error", err)
	}
}
