// Package auth executes the hub sign-in flows: anonymous, password, and
// TLS client certificate, against either hub API generation.
//
// Credential rejection (HTTP 403) is not an error here: SignIn resolves
// with the hub's failure message so callers can re-prompt. Everything
// else, transport failures included, propagates.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/kestrelsec/sarifhub/capability"
	"github.com/kestrelsec/sarifhub/transport"
)

// ErrCertificateRejected is returned when the hub tears down the
// connection during a certificate sign-in. Rejected client certificates
// manifest as abrupt socket resets rather than clean HTTP errors, so a
// reset during that one POST is translated into this error.
var ErrCertificateRejected = errors.New("certificate authentication failed")

const rejectedFallbackMessage = "the hub rejected the supplied credentials"

// Engine runs sign-in flows over one connection.
type Engine struct {
	conn     *transport.Conn
	probe    *capability.Probe
	logger   *slog.Logger
	readFile func(string) ([]byte, error)
	validate *validator.Validate
}

// Option configures an Engine.
type Option func(*Engine) error

// WithLogger injects a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		e.logger = logger
		return nil
	}
}

// WithReadFile replaces the function used to read password files.
func WithReadFile(fn func(string) ([]byte, error)) Option {
	return func(e *Engine) error {
		if fn == nil {
			return errors.New("read function must not be nil")
		}
		e.readFile = fn
		return nil
	}
}

// New builds an Engine over conn, using probe to pick the sign-in dialect.
func New(conn *transport.Conn, probe *capability.Probe, optFns ...Option) (*Engine, error) {
	e := &Engine{
		conn:     conn,
		probe:    probe,
		logger:   slog.Default(),
		readFile: os.ReadFile,
		validate: validator.New(),
	}
	for _, opt := range optFns {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("applying engine option: %w", err)
		}
	}

	return e, nil
}

// SignIn authenticates the connection with creds. A nil creds signs in
// anonymously. The returned failure string is non-empty exactly when the
// hub rejected the credentials (HTTP 403); in that case err is nil and
// the caller may re-prompt and retry.
func (e *Engine) SignIn(ctx context.Context, creds Credentials) (failure string, err error) {
	info, err := e.probe.Info(ctx)
	if err != nil {
		return "", err
	}

	if creds == nil {
		creds = Anonymous{}
	}

	// Rotating credentials always starts from a clean session.
	e.conn.SetBearerToken("")
	e.conn.ClearCookies()

	switch c := creds.(type) {
	case Anonymous:
		return e.signInAnonymous(ctx, info)
	case Password:
		return e.signInPassword(ctx, info, c)
	case Certificate:
		return e.signInCertificate(ctx, info, c)
	default:
		return "", &transport.ConfigError{Reason: fmt.Sprintf("unsupported credentials type %T", creds)}
	}
}

func (e *Engine) signInAnonymous(ctx context.Context, info capability.Info) (string, error) {
	if !info.OpenAPI {
		// Legacy hubs grant anonymous access once the session is clean.
		return "", nil
	}

	return e.createSession(ctx, "/session/create-anonymous/", "")
}

func (e *Engine) signInPassword(ctx context.Context, info capability.Info, creds Password) (string, error) {
	if err := e.validate.Struct(creds); err != nil {
		return "", &transport.ConfigError{Reason: fmt.Sprintf("password credentials: %v", err)}
	}

	password, err := e.resolvePassword(creds)
	if err != nil {
		return "", err
	}

	if info.OpenAPI {
		basic := base64.StdEncoding.EncodeToString([]byte(creds.Username + ":" + password))
		return e.createSession(ctx, "/session/create-basic-auth/", "Basic "+basic)
	}

	return e.signInLegacy(ctx, url.Values{
		"sif_username": {creds.Username},
		"sif_password": {password},
	})
}

func (e *Engine) signInCertificate(ctx context.Context, info capability.Info, creds Certificate) (string, error) {
	if err := e.validate.Struct(creds); err != nil {
		return "", &transport.ConfigError{Reason: fmt.Sprintf("certificate credentials: %v", err)}
	}
	if creds.Key.Protected && !e.conn.HasPassphraseProvider() {
		return "", &transport.ConfigError{Reason: "client key is passphrase protected but no passphrase provider is configured"}
	}

	e.conn.SetClientKey(creds.Key)

	var (
		failure string
		err     error
	)
	if info.OpenAPI {
		failure, err = e.createSession(ctx, "/session/create-tls-client-certificate/", "")
	} else {
		failure, err = e.signInLegacy(ctx, url.Values{"sif_use_tls": {"1"}})
	}
	if err != nil {
		var terr *transport.TransportError
		if errors.As(err, &terr) && (terr.Code == transport.CodeConnReset || terr.Code == transport.CodePipe) {
			return "", fmt.Errorf("%w: %v", ErrCertificateRejected, err)
		}

		return "", err
	}

	return failure, nil
}

// resolvePassword returns the password from the configured source.
// Exactly one source must be set.
func (e *Engine) resolvePassword(creds Password) (string, error) {
	switch {
	case creds.GetPassword != nil && creds.PasswordFile != "":
		return "", &transport.ConfigError{Reason: "both a password callback and a password file are configured"}
	case creds.GetPassword != nil:
		password, err := creds.GetPassword()
		if err != nil {
			return "", fmt.Errorf("resolving password: %w", err)
		}
		return password, nil
	case creds.PasswordFile != "":
		b, err := e.readFile(creds.PasswordFile)
		if err != nil {
			return "", fmt.Errorf("reading password file: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	default:
		return "", &transport.ConfigError{Reason: "password sign-in needs a password callback or a password file"}
	}
}

// createSession POSTs to one of the modern session endpoints and captures
// the returned bearer token.
func (e *Engine) createSession(ctx context.Context, target, authorization string) (string, error) {
	opts := []transport.RequestOption{
		transport.RequestForm(url.Values{"key": {"bearer"}}),
	}
	if authorization != "" {
		opts = append(opts, transport.RequestHeader("Authorization", authorization))
	}

	resp, err := e.conn.Request(ctx, target, opts...)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var session struct {
			Bearer string `json:"bearer"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
			return "", fmt.Errorf("decoding session response: %w", err)
		}
		if session.Bearer == "" {
			return "", errors.New("hub session response carried no bearer token")
		}

		e.conn.SetBearerToken(session.Bearer)
		e.logger.Debug("hub session established", "endpoint", target)

		return "", nil

	case http.StatusForbidden:
		return e.rejectionMessage(resp.Body, true), nil

	default:
		return "", e.statusError(resp)
	}
}

// signInLegacy POSTs the form-based sign-in to the root resource. The
// response_try_plaintext flag is repeated in the query string because the
// hub only honors it there; on success the session rides on cookies the
// connection captured during the POST.
func (e *Engine) signInLegacy(ctx context.Context, extra url.Values) (string, error) {
	form := url.Values{
		"sif_sign_in":            {"1"},
		"sif_log_out_competitor": {"1"},
		"sif_ignore_empty_email": {"1"},
		"response_try_plaintext": {"1"},
	}
	for k, vs := range extra {
		form[k] = vs
	}

	resp, err := e.conn.Request(ctx, "/",
		transport.RequestForm(form),
		transport.RequestQuery(url.Values{"response_try_plaintext": {"1"}}),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		e.logger.Debug("hub session established", "endpoint", "/")

		return "", nil

	case http.StatusForbidden:
		return e.rejectionMessage(resp.Body, false), nil

	default:
		return "", e.statusError(resp)
	}
}

func (e *Engine) rejectionMessage(body io.Reader, jsonFormat bool) string {
	b, err := io.ReadAll(io.LimitReader(body, 4<<10))
	if err != nil {
		e.logger.Warn("failed to read sign-in rejection body", "error", err)
		return rejectedFallbackMessage
	}

	if msg := transport.ExtractHubMessage(b, jsonFormat); msg != "" {
		return msg
	}

	return rejectedFallbackMessage
}

func (e *Engine) statusError(resp *http.Response) error {
	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if err != nil {
		b = []byte("unable to read body")
	}

	return &transport.StatusError{StatusCode: resp.StatusCode, Body: string(b)}
}
