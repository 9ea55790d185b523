package transport

import (
	"errors"
	"log/slog"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// PassphraseFunc resolves the client key passphrase, typically by prompting
// the user. Returning an error wrapping [ErrCanceled] signals that the user
// declined.
type PassphraseFunc func() (string, error)

// Option is a functional option for configuring a [Conn] via [Open].
type Option func(*options) error

type options struct {
	logger        *slog.Logger
	tracer        trace.Tracer
	timeout       *time.Duration
	caCert        []byte
	clientKey     *ClientKey
	passphraseFn  PassphraseFunc
	clientName    string
	clientVersion string
	throttle      *throttleConfig
}

// WithLogger injects a custom [slog.Logger] into the [Conn].
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		o.logger = logger
		return nil
	}
}

// WithTracer sets the tracer used to span each request. The default is a
// no-op tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) error {
		if tracer == nil {
			return errors.New("tracer must not be nil")
		}
		o.tracer = tracer
		return nil
	}
}

// WithTimeout sets the default socket timeout: connect plus
// time-to-first-response-header. Individual requests may override it via
// [RequestTimeout].
func WithTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d < 0 {
			return errors.New("timeout must not be negative")
		}
		o.timeout = &d
		return nil
	}
}

// WithCACert trusts the given PEM certificate bundle for server
// verification, in place of the system roots.
func WithCACert(pemBytes []byte) Option {
	return func(o *options) error {
		if len(pemBytes) == 0 {
			return errors.New("CA certificate must not be empty")
		}
		o.caCert = pemBytes
		return nil
	}
}

// WithClientKey installs TLS client certificate material presented when the
// hub requests one during the handshake.
func WithClientKey(key *ClientKey) Option {
	return func(o *options) error {
		if key == nil {
			return errors.New("client key must not be nil")
		}
		o.clientKey = key
		return nil
	}
}

// WithPassphraseProvider supplies the callback used to resolve a protected
// client key's passphrase. It is invoked lazily, only if the handshake
// needs it, and at most once per connection.
func WithPassphraseProvider(fn PassphraseFunc) Option {
	return func(o *options) error {
		if fn == nil {
			return errors.New("passphrase provider must not be nil")
		}
		o.passphraseFn = fn
		return nil
	}
}

// WithClientIdentity sets the client name and version sent in the
// User-Agent header and used by protocol negotiation.
func WithClientIdentity(name, version string) Option {
	return func(o *options) error {
		if name == "" {
			return errors.New("client name must not be empty")
		}
		o.clientName = name
		o.clientVersion = version
		return nil
	}
}

// WithThrottle enables token-bucket rate limiting of outbound requests
// with the given requests per second and burst capacity.
func WithThrottle(rps, burst int) Option {
	return func(o *options) error {
		if rps <= 0 || burst <= 0 {
			return errors.New("rps and burst must be greater than zero")
		}
		o.throttle = &throttleConfig{rps: rps, burst: burst}
		return nil
	}
}

// RequestOption is a functional option for [Conn.Request] and [Conn.Do].
type RequestOption func(*requestOpts) error

type requestOpts struct {
	method     string
	header     map[string]string
	form       url.Values
	body       []byte
	bodyType   string
	query      url.Values
	timeout    *time.Duration
	jsonNumber bool
}

// RequestMethod sets the HTTP method. The default is GET, or POST when a
// body or form is supplied.
func RequestMethod(method string) RequestOption {
	return func(o *requestOpts) error {
		if method == "" {
			return errors.New("method must not be empty")
		}
		o.method = method
		return nil
	}
}

// RequestHeader adds a header to the outgoing request.
func RequestHeader(key, value string) RequestOption {
	return func(o *requestOpts) error {
		if o.header == nil {
			o.header = make(map[string]string)
		}
		o.header[key] = value
		return nil
	}
}

// RequestForm sets a form-encoded request body and defaults the method to
// POST. The body is sent with an explicit Content-Length, never chunked.
func RequestForm(form url.Values) RequestOption {
	return func(o *requestOpts) error {
		o.form = form
		return nil
	}
}

// RequestBody sets a raw request body with the given content type. The
// body is sent with an explicit Content-Length, never chunked.
func RequestBody(contentType string, body []byte) RequestOption {
	return func(o *requestOpts) error {
		if contentType == "" {
			return errors.New("content type must not be empty")
		}
		o.bodyType = contentType
		o.body = body
		return nil
	}
}

// RequestQuery appends query parameters to the target.
func RequestQuery(query url.Values) RequestOption {
	return func(o *requestOpts) error {
		o.query = query
		return nil
	}
}

// RequestTimeout overrides the connection's default timeout for this
// request only.
func RequestTimeout(d time.Duration) RequestOption {
	return func(o *requestOpts) error {
		if d <= 0 {
			return errors.New("request timeout must be greater than zero")
		}
		o.timeout = &d
		return nil
	}
}

// RequestJSONNumber makes [Conn.Do] decode with [json.Decoder.UseNumber],
// preserving number precision as [json.Number] instead of float64.
func RequestJSONNumber() RequestOption {
	return func(o *requestOpts) error {
		o.jsonNumber = true
		return nil
	}
}
