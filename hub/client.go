// Package hub is the public façade of the analysis-hub client: project and
// analysis listing plus SARIF result streaming, full and differential.
//
// A Client owns one lazily created connection per hub address. Callers are
// expected to sign in (see [Client.SignIn]) before fetching resources; the
// client does not enforce that ordering. No operation retries: one failed
// fetch is one failed call.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"

	"github.com/kestrelsec/sarifhub/auth"
	"github.com/kestrelsec/sarifhub/capability"
	"github.com/kestrelsec/sarifhub/download"
	"github.com/kestrelsec/sarifhub/hubaddr"
	"github.com/kestrelsec/sarifhub/transport"
)

// ErrSarifSearchUnsupported is returned by [Client.SarifDifference] when
// the hub predates differential SARIF search. Detected before any network
// request is issued.
var ErrSarifSearchUnsupported = errors.New("the hub does not support SARIF difference search; upgrade the hub")

// Client talks to one hub.
type Client struct {
	addr     hubaddr.Address
	logger   *slog.Logger
	connOpts []transport.Option
	readFile func(string) ([]byte, error)

	mu     sync.Mutex
	conn   *transport.Conn
	probe  *capability.Probe
	engine *auth.Engine
}

// Option configures a Client.
type Option func(*Client) error

// WithLogger injects a custom logger, shared by every layer of the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithConnection forwards options to the underlying [transport.Conn]:
// timeouts, TLS material, client identity, throttling, tracing.
func WithConnection(opts ...transport.Option) Option {
	return func(c *Client) error {
		c.connOpts = append(c.connOpts, opts...)
		return nil
	}
}

// WithReadFile replaces the function used to read password files.
func WithReadFile(fn func(string) ([]byte, error)) Option {
	return func(c *Client) error {
		if fn == nil {
			return errors.New("read function must not be nil")
		}
		c.readFile = fn
		return nil
	}
}

// New builds a Client for the hub at address, which may be a full URL or a
// bare "host[:port]" pair. The connection itself is created on first use.
func New(address string, optFns ...Option) (*Client, error) {
	addr, err := hubaddr.Parse(address)
	if err != nil {
		return nil, err
	}

	c := &Client{
		addr:     addr,
		logger:   slog.Default(),
		readFile: os.ReadFile,
	}
	for _, opt := range optFns {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("applying client option: %w", err)
		}
	}

	return c, nil
}

// Address returns the parsed hub address.
func (c *Client) Address() hubaddr.Address { return c.addr }

// Close releases the underlying connection's idle sockets.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
	}
}

// stack lazily assembles the connection, capability probe, and sign-in
// engine. One physical connection abstraction exists per Client.
func (c *Client) stack() (*transport.Conn, *capability.Probe, *auth.Engine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.conn, c.probe, c.engine, nil
	}

	connOpts := append([]transport.Option{transport.WithLogger(c.logger)}, c.connOpts...)
	conn, err := transport.Open(c.addr, connOpts...)
	if err != nil {
		return nil, nil, nil, err
	}

	probe, err := capability.New(conn, capability.WithLogger(c.logger))
	if err != nil {
		return nil, nil, nil, err
	}

	engine, err := auth.New(conn, probe,
		auth.WithLogger(c.logger),
		auth.WithReadFile(c.readFile),
	)
	if err != nil {
		return nil, nil, nil, err
	}

	c.conn, c.probe, c.engine = conn, probe, engine

	return conn, probe, engine, nil
}

// SignIn authenticates against the hub. A non-empty failure string means
// the hub rejected the credentials (and err is nil); callers may re-prompt
// and call SignIn again.
func (c *Client) SignIn(ctx context.Context, creds auth.Credentials) (failure string, err error) {
	_, _, engine, err := c.stack()
	if err != nil {
		return "", err
	}

	return engine.SignIn(ctx, creds)
}

// Capabilities returns the negotiated capability set, probing the hub on
// first call only.
func (c *Client) Capabilities(ctx context.Context) (capability.Info, error) {
	_, probe, _, err := c.stack()
	if err != nil {
		return capability.Info{}, err
	}

	return probe.Info(ctx)
}

// ListOption configures a listing call.
type ListOption func(*listOpts) error

type listOpts struct {
	limit int
}

// WithLimit caps the number of returned rows. Honored only when the hub
// supports server-side result limiting; silently ignored otherwise.
func WithLimit(n int) ListOption {
	return func(o *listOpts) error {
		if n <= 0 {
			return errors.New("limit must be greater than zero")
		}
		o.limit = n
		return nil
	}
}

// Projects lists hub projects, optionally filtered by search. A search
// term containing a path separator filters by project tree path; anything
// else filters by project name.
func (c *Client) Projects(ctx context.Context, search string, optFns ...ListOption) ([]Project, error) {
	var opts listOpts
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return nil, fmt.Errorf("applying list option: %w", err)
		}
	}

	conn, probe, _, err := c.stack()
	if err != nil {
		return nil, err
	}
	info, err := probe.Info(ctx)
	if err != nil {
		return nil, err
	}

	limit := 0
	if info.ResultLimiting {
		limit = opts.limit
	}

	query := url.Values{
		"sprjgrid": {gridSpec(info.OpenAPI, []string{"project_id", "project", "path"}, "project_id", limit)},
	}
	if search != "" {
		field := "project"
		if containsPathSeparator(search) {
			field = "ptree_path"
		}
		query.Set("query", field+":"+escapeLiteral(search))
	}

	var envelope struct {
		Rows []projectRow `json:"rows"`
	}
	if err := c.fetchJSON(ctx, conn, info, "/project_search.json", query, &envelope); err != nil {
		return nil, err
	}

	projects := make([]Project, 0, len(envelope.Rows))
	for _, row := range envelope.Rows {
		p, err := row.record()
		if err != nil {
			return nil, fmt.Errorf("project row: %w", err)
		}
		projects = append(projects, p)
	}

	return projects, nil
}

// Analyses lists the analyses of one project, newest first.
func (c *Client) Analyses(ctx context.Context, projectID string, optFns ...ListOption) ([]Analysis, error) {
	var opts listOpts
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return nil, fmt.Errorf("applying list option: %w", err)
		}
	}

	conn, probe, _, err := c.stack()
	if err != nil {
		return nil, err
	}
	info, err := probe.Info(ctx)
	if err != nil {
		return nil, err
	}

	limit := 0
	if info.ResultLimiting {
		limit = opts.limit
	}

	columns := []string{"analysis_id", "analysis"}
	if !info.OpenAPI {
		columns = []string{"url", "analysis"}
	}
	query := url.Values{
		"anlgrid": {gridSpec(info.OpenAPI, columns, "-analysis_id", limit)},
	}

	var envelope struct {
		Rows []analysisRow `json:"rows"`
	}
	target := "/project/" + url.PathEscape(projectID) + ".json"
	if err := c.fetchJSON(ctx, conn, info, target, query, &envelope); err != nil {
		return nil, err
	}

	analyses := make([]Analysis, 0, len(envelope.Rows))
	for _, row := range envelope.Rows {
		a, err := row.record()
		if err != nil {
			return nil, fmt.Errorf("analysis row: %w", err)
		}
		analyses = append(analyses, a)
	}

	return analyses, nil
}

// Sarif streams the full SARIF payload of one analysis. The caller owns
// the returned stream and must close it; cancellation of ctx aborts the
// underlying socket.
func (c *Client) Sarif(ctx context.Context, analysisID string, optFns ...SarifOption) (io.ReadCloser, error) {
	opts, err := applySarifOpts(optFns)
	if err != nil {
		return nil, err
	}

	conn, probe, _, err := c.stack()
	if err != nil {
		return nil, err
	}
	info, err := probe.Info(ctx)
	if err != nil {
		return nil, err
	}

	target := "/analysis/" + url.PathEscape(analysisID) + "-allwarnings.sarif"
	resp, err := c.sarifRequest(ctx, conn, info, target, opts.query(nil))
	if err != nil {
		return nil, err
	}

	return resp.Body, nil
}

// SarifDifference streams the SARIF warnings present in analysis headID
// but not in baseID. Requires a hub with differential SARIF search; the
// check happens before any network request.
func (c *Client) SarifDifference(ctx context.Context, headID, baseID string, optFns ...SarifOption) (io.ReadCloser, error) {
	opts, err := applySarifOpts(optFns)
	if err != nil {
		return nil, err
	}

	conn, probe, _, err := c.stack()
	if err != nil {
		return nil, err
	}
	info, err := probe.Info(ctx)
	if err != nil {
		return nil, err
	}
	if !info.SarifSearch {
		return nil, ErrSarifSearchUnsupported
	}

	resp, err := c.sarifRequest(ctx, conn, info, "/warning_detail_search.sarif", opts.query(differenceQuery(headID, baseID)))
	if err != nil {
		return nil, err
	}

	return resp.Body, nil
}

// DownloadSarif streams the full SARIF payload of one analysis to
// destPath. On failure or cancellation the partial file is removed; a
// canceled ctx yields an error wrapping [transport.ErrCanceled].
func (c *Client) DownloadSarif(ctx context.Context, analysisID, destPath string, optFns ...SarifOption) error {
	if destPath == "" {
		return errors.New("destPath must not be empty")
	}

	opts, err := applySarifOpts(optFns)
	if err != nil {
		return err
	}

	conn, probe, _, err := c.stack()
	if err != nil {
		return err
	}
	info, err := probe.Info(ctx)
	if err != nil {
		return err
	}

	target := "/analysis/" + url.PathEscape(analysisID) + "-allwarnings.sarif"
	resp, err := c.sarifRequest(ctx, conn, info, target, opts.query(nil))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var dlOpts []download.Option
	if opts.progress {
		dlOpts = append(dlOpts, download.WithProgress())
	}

	if err := download.Handle(ctx, resp.Body, resp.ContentLength, destPath, c.logger, dlOpts...); err != nil {
		return fmt.Errorf("downloading sarif for analysis %s: %w", analysisID, err)
	}

	return nil
}

// fetchJSON runs a listing request and decodes the row envelope,
// preserving record-id precision via json.Number.
func (c *Client) fetchJSON(ctx context.Context, conn *transport.Conn, info capability.Info, target string, query url.Values, out any) error {
	resp, err := conn.Request(ctx, target, transport.RequestQuery(query))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp, info.OpenAPI)
	}

	d := json.NewDecoder(resp.Body)
	d.UseNumber()
	if err := d.Decode(out); err != nil {
		return fmt.Errorf("decoding hub rows: %w", err)
	}

	return nil
}

func (c *Client) sarifRequest(ctx context.Context, conn *transport.Conn, info capability.Info, target string, query url.Values) (*http.Response, error) {
	resp, err := conn.Request(ctx, target, transport.RequestQuery(query))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.statusError(resp, info.OpenAPI)
	}

	return resp, nil
}

// statusError builds a StatusError from a non-success response, extracting
// the hub's structured failure message when the body carries one. Consumes
// the body; the caller still closes it.
func (c *Client) statusError(resp *http.Response, modern bool) error {
	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if err != nil {
		b = []byte("unable to read body")
	}

	serr := &transport.StatusError{
		StatusCode: resp.StatusCode,
		Body:       string(b),
		HubMessage: transport.ExtractHubMessage(b, modern),
	}
	if serr.HubMessage == "" {
		c.logger.Debug("hub error response carried no structured message", "status", resp.StatusCode)
	}

	return serr
}

func applySarifOpts(optFns []SarifOption) (*sarifOpts, error) {
	opts := &sarifOpts{}
	for _, opt := range optFns {
		if err := opt(opts); err != nil {
			return nil, fmt.Errorf("applying sarif option: %w", err)
		}
	}

	return opts, nil
}

// query renders the SARIF fetch parameters. base carries the difference
// search expression when present, which also flips the artifact default
// to disabled.
func (o *sarifOpts) query(base url.Values) url.Values {
	q := url.Values{}
	difference := base != nil
	for k, vs := range base {
		q[k] = vs
	}

	if o.filter != "" {
		q.Set("filter", o.filter)
	}
	if v := o.indent.queryValue(); v != "" {
		q.Set("indent", v)
	}

	switch {
	case o.artifacts != nil && *o.artifacts:
		q.Set("artifacts", "1")
	case o.artifacts != nil:
		q.Set("artifacts", "0")
	case difference:
		q.Set("artifacts", "0")
	}

	return q
}

func differenceQuery(headID, baseID string) url.Values {
	return url.Values{
		"scope": {"aid:" + headID},
		"query": {fmt.Sprintf("aid:%s DIFFERENCE aid:%s", headID, baseID)},
	}
}

func containsPathSeparator(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' || s[i] == '\\' {
			return true
		}
	}

	return false
}
