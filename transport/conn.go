// Package transport provides the reusable HTTP(S) connection to a hub:
// scheme auto-detection, same-origin enforcement, cookie and bearer-token
// session state, redirect handling, cancellation, and timeouts.
//
// A [Conn] is created once per hub address and reused for the life of the
// client. It never retries; retry policy belongs to callers.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kestrelsec/sarifhub/hubaddr"
)

const (
	defaultTimeout = 30 * time.Second
	maxRedirects   = 10

	// maxErrBodySize caps the response body read when building a
	// StatusError, preventing unbounded memory usage on large error pages.
	maxErrBodySize = 4 << 10
)

// Conn is one logical connection to a hub. Session state (cookies, bearer
// token, resolved scheme, cached key passphrase) is private to the instance.
type Conn struct {
	addr          hubaddr.Address
	hc            *http.Client
	jar           *Jar
	logger        *slog.Logger
	tracer        trace.Tracer
	clientName    string
	clientVersion string
	passphraseFn  PassphraseFunc

	schemeMu sync.Mutex
	scheme   string // resolved at most once, then cached

	mu            sync.Mutex
	bearer        string
	clientKey     *ClientKey
	passphrase    string
	passphraseSet bool
}

// Open builds a Conn for addr. No network I/O happens until the first
// request (or explicit [Conn.Scheme] call, when the address has no scheme).
func Open(addr hubaddr.Address, optFns ...Option) (*Conn, error) {
	var opts options
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return nil, fmt.Errorf("applying connection option: %w", err)
		}
	}

	conn := &Conn{
		addr:          addr,
		jar:           NewJar(),
		logger:        slog.Default(),
		tracer:        noop.NewTracerProvider().Tracer(""),
		scheme:        addr.Scheme,
		clientKey:     opts.clientKey,
		passphraseFn:  opts.passphraseFn,
		clientName:    opts.clientName,
		clientVersion: opts.clientVersion,
	}
	if opts.logger != nil {
		conn.logger = opts.logger
	}
	if opts.tracer != nil {
		conn.tracer = opts.tracer
	}

	timeout := defaultTimeout
	if opts.timeout != nil {
		timeout = *opts.timeout
	}

	tlsCfg := &tls.Config{
		MinVersion:           tls.VersionTLS12,
		GetClientCertificate: conn.clientCertificate,
	}
	if opts.caCert != nil {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(opts.caCert) {
			return nil, &ConfigError{Reason: "CA certificate is not valid PEM"}
		}
		tlsCfg.RootCAs = pool
	}

	var rt http.RoundTripper = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
		TLSClientConfig:       tlsCfg,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		ForceAttemptHTTP2:     true,
	}
	if opts.throttle != nil {
		rt = newThrottle(opts.throttle, func() *slog.Logger { return conn.logger }, rt)
	}

	conn.hc = &http.Client{
		Transport: rt,
		Jar:       conn.jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return conn, nil
}

// Address returns the parsed hub address the connection was opened with.
func (c *Conn) Address() hubaddr.Address { return c.addr }

// Identity returns the client name and version used for protocol
// negotiation and the User-Agent header.
func (c *Conn) Identity() (name, version string) {
	return c.clientName, c.clientVersion
}

// SetBearerToken installs token on the session; subsequent requests carry
// it as an Authorization: Bearer header. An empty token removes it.
func (c *Conn) SetBearerToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bearer = token
}

// BearerToken returns the current session token, if any.
func (c *Conn) BearerToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bearer
}

// SetClientKey installs (or replaces) the TLS client certificate material
// presented during future handshakes.
func (c *Conn) SetClientKey(key *ClientKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientKey = key
}

// HasPassphraseProvider reports whether a passphrase callback was
// configured at Open time.
func (c *Conn) HasPassphraseProvider() bool { return c.passphraseFn != nil }

// ClearCookies wipes the session's cookie jar.
func (c *Conn) ClearCookies() { c.jar.Clear() }

// Close releases idle sockets. The Conn stays usable afterwards.
func (c *Conn) Close() { c.hc.CloseIdleConnections() }

// Scheme resolves the connection's URL scheme, probing the hub when the
// address did not carry one. The probe runs at most once; the result is
// cached for the life of the Conn.
//
// Probing issues HEAD / over https. A 301 pointing at http switches to
// plain http; a connection failure tagged EPROTO or ECONNREFUSED means the
// port does not speak TLS and also falls back to http. Every other
// failure, a certificate trust error in particular, propagates: silently
// downgrading on a trust failure would be a security defect.
func (c *Conn) Scheme(ctx context.Context) (string, error) {
	c.schemeMu.Lock()
	defer c.schemeMu.Unlock()

	if c.scheme != "" {
		return c.scheme, nil
	}

	probeURL := c.addr.URL("https")
	probeURL.Path = "/"

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, probeURL.String(), nil)
	if err != nil {
		return "", fmt.Errorf("building probe request: %w", err)
	}

	scheme := "https"
	resp, err := c.hc.Do(req)
	switch {
	case err == nil:
		if resp.StatusCode == http.StatusMovedPermanently {
			if loc, lerr := resp.Location(); lerr == nil && strings.EqualFold(loc.Scheme, "http") {
				scheme = "http"
			}
		}
		drainAndClose(resp.Body, c.logger)
	default:
		cerr := c.classify(ctx, "probe "+c.addr.String(), err)
		var terr *TransportError
		if !errors.As(cerr, &terr) || (terr.Code != CodeProto && terr.Code != CodeConnRefused) {
			return "", cerr
		}
		c.logger.Info("hub does not speak TLS, falling back to http",
			"address", c.addr.String(), "code", terr.Code)
		scheme = "http"
	}

	c.scheme = scheme
	c.logger.Debug("resolved hub scheme", "address", c.addr.String(), "scheme", scheme)

	return scheme, nil
}

// Request issues one HTTP(S) request against the connection's origin.
// target is a resource path ("/project_search.json") or an absolute URL,
// which must share the connection's origin. Same-origin 301 redirects are
// followed; cross-origin redirects are returned unresolved. The response
// is returned for any status code; the caller owns the body.
func (c *Conn) Request(ctx context.Context, target string, optFns ...RequestOption) (*http.Response, error) {
	var opts requestOpts
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return nil, fmt.Errorf("applying request option: %w", err)
		}
	}

	scheme, err := c.Scheme(ctx)
	if err != nil {
		return nil, err
	}

	u, err := c.resolveTarget(scheme, target, opts.query)
	if err != nil {
		return nil, err
	}

	return c.roundTrip(ctx, u, &opts, 0)
}

// Do issues a request and enforces the expected status code, decoding a
// JSON response into out when out is non-nil. A wrong status yields a
// [StatusError] carrying a capped body snippet.
func (c *Conn) Do(ctx context.Context, target string, expCode int, out any, optFns ...RequestOption) error {
	var opts requestOpts
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return fmt.Errorf("applying request option: %w", err)
		}
	}

	resp, err := c.Request(ctx, target, optFns...)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body, c.logger)

	if resp.StatusCode != expCode {
		b, rerr := io.ReadAll(io.LimitReader(resp.Body, maxErrBodySize))
		if rerr != nil {
			b = []byte("unable to read body")
		}

		return &StatusError{StatusCode: resp.StatusCode, Body: string(b)}
	}

	if out != nil {
		d := json.NewDecoder(resp.Body)
		if opts.jsonNumber {
			d.UseNumber()
		}
		if err := d.Decode(out); err != nil {
			return fmt.Errorf("decoding hub response: %w", err)
		}
	}

	return nil
}

func (c *Conn) roundTrip(ctx context.Context, u *url.URL, opts *requestOpts, depth int) (*http.Response, error) {
	if depth > maxRedirects {
		return nil, fmt.Errorf("%s: %w", u.Redacted(), ErrTooManyRedirects)
	}

	var (
		body        []byte
		contentType string
	)
	switch {
	case opts.form != nil:
		body = []byte(opts.form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case opts.body != nil:
		body = opts.body
		contentType = opts.bodyType
	}

	method := opts.method
	if method == "" {
		method = http.MethodGet
		if body != nil {
			method = http.MethodPost
		}
	}

	reqCtx := ctx
	var cancel context.CancelFunc
	if opts.timeout != nil {
		reqCtx, cancel = context.WithTimeout(ctx, *opts.timeout)
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, u.String(), bodyReader)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		// The hub rejects chunked uploads with 501, so the length is
		// always explicit.
		req.ContentLength = int64(len(body))
		req.Header.Set("Content-Type", contentType)
	}
	if c.clientName != "" {
		req.Header.Set("User-Agent", c.clientName+"/"+c.clientVersion)
	}
	if token := c.BearerToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range opts.header {
		req.Header.Set(k, v)
	}

	spanCtx, span := c.tracer.Start(reqCtx, "transport.request")
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.target", u.Path),
	)
	defer span.End()
	req = req.WithContext(spanCtx)

	requestID := uuid.NewString()
	c.logger.Debug("hub request", "id", requestID, "method", method, "url", u.Redacted())

	resp, err := c.hc.Do(req)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, c.classify(ctx, fmt.Sprintf("%s %s", method, u.Path), err)
	}

	c.logger.Debug("hub response", "id", requestID, "status", resp.StatusCode)

	if resp.StatusCode == http.StatusMovedPermanently {
		loc, lerr := resp.Location()
		if lerr != nil {
			drainAndClose(resp.Body, c.logger)
			if cancel != nil {
				cancel()
			}
			return nil, fmt.Errorf("redirect without location: %w", lerr)
		}

		if c.sameOrigin(loc) {
			drainAndClose(resp.Body, c.logger)
			if cancel != nil {
				cancel()
			}
			return c.roundTrip(ctx, loc, opts, depth+1)
		}

		c.logger.Warn("refusing cross-origin redirect",
			"id", requestID, "location", loc.Redacted())
	}

	if cancel != nil {
		resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	}

	return resp, nil
}

// resolveTarget turns a resource path or absolute URL into the full
// request URL, enforcing that absolute targets share the connection's
// origin so credentials and cookies never leak cross-host.
func (c *Conn) resolveTarget(scheme, target string, query url.Values) (*url.URL, error) {
	var u *url.URL

	lower := strings.ToLower(target)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		parsed, err := url.Parse(target)
		if err != nil {
			return nil, fmt.Errorf("parsing target %q: %w", target, err)
		}
		if !c.originMatches(scheme, parsed) {
			return nil, fmt.Errorf("%q: %w", target, ErrCrossOrigin)
		}
		u = parsed
	} else {
		ref, err := url.Parse(target)
		if err != nil {
			return nil, fmt.Errorf("parsing target %q: %w", target, err)
		}
		u = c.addr.URL(scheme).ResolveReference(ref)
	}

	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	return u, nil
}

func (c *Conn) sameOrigin(u *url.URL) bool {
	c.schemeMu.Lock()
	scheme := c.scheme
	c.schemeMu.Unlock()

	return c.originMatches(scheme, u)
}

func (c *Conn) originMatches(scheme string, u *url.URL) bool {
	if !strings.EqualFold(u.Scheme, scheme) {
		return false
	}

	port := u.Port()
	if port == "" {
		if strings.EqualFold(u.Scheme, "https") {
			port = "443"
		} else {
			port = "80"
		}
	}

	return net.JoinHostPort(u.Hostname(), port) == c.addr.HostPort(scheme)
}

// classify maps a request failure onto the tagged error model. A canceled
// context wins over whatever the torn-down socket reported; a deadline
// maps to ErrTimeout; everything else becomes a TransportError with a
// code tag.
func (c *Conn) classify(ctx context.Context, op string, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		if errors.Is(cerr, context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", op, ErrTimeout)
		}
		return fmt.Errorf("%s: %w", op, ErrCanceled)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, ErrCanceled)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}

	code := CodeUnknown
	var (
		unknownAuthority x509.UnknownAuthorityError
		certInvalid      x509.CertificateInvalidError
		hostnameErr      x509.HostnameError
		recordErr        tls.RecordHeaderError
	)
	switch {
	case errors.As(err, &unknownAuthority), errors.As(err, &certInvalid), errors.As(err, &hostnameErr):
		code = CodeUntrustedCert
	case errors.As(err, &recordErr), errors.Is(err, syscall.EPROTO),
		// net/http flattens tls.RecordHeaderError into this string when
		// the server answered the handshake with plaintext HTTP.
		strings.Contains(err.Error(), "server gave HTTP response to HTTPS client"):
		code = CodeProto
	case errors.Is(err, syscall.ECONNREFUSED):
		code = CodeConnRefused
	case errors.Is(err, syscall.ECONNRESET):
		code = CodeConnReset
	case errors.Is(err, syscall.EPIPE):
		code = CodePipe
	}

	return &TransportError{Code: code, Op: op, Err: err}
}

// keyPassphrase resolves the client key passphrase through the configured
// provider, at most once per connection. The obtained value is cached for
// the life of the process and never re-requested.
func (c *Conn) keyPassphrase() (string, error) {
	c.mu.Lock()
	if c.passphraseSet {
		defer c.mu.Unlock()
		return c.passphrase, nil
	}
	fn := c.passphraseFn
	c.mu.Unlock()

	if fn == nil {
		return "", &ConfigError{Reason: "client key is passphrase protected but no passphrase provider is configured"}
	}

	pass, err := fn()
	if err != nil {
		return "", fmt.Errorf("resolving key passphrase: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.passphraseSet {
		c.passphrase = pass
		c.passphraseSet = true
	}

	return c.passphrase, nil
}

// clientCertificate is the tls.Config callback: it assembles the client
// certificate lazily, resolving the passphrase only when the handshake
// actually asks for a certificate.
func (c *Conn) clientCertificate(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	c.mu.Lock()
	key := c.clientKey
	c.mu.Unlock()

	if key == nil {
		return &tls.Certificate{}, nil
	}

	var pass string
	if key.Protected {
		var err error
		if pass, err = c.keyPassphrase(); err != nil {
			return nil, err
		}
	}

	cert, err := key.Certificate(pass)
	if err != nil {
		return nil, err
	}

	return &cert, nil
}

// cancelBody ties a per-request timeout's cancel func to the response
// body so the timer is released when the caller finishes the stream.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func drainAndClose(body io.ReadCloser, logger *slog.Logger) {
	if _, err := io.Copy(io.Discard, body); err != nil {
		logger.Error("failed to discard unused body", "error", err)
	}
	if err := body.Close(); err != nil {
		logger.Error("failed to close response body", "error", err)
	}
}
