// Package capability negotiates protocol compatibility with a hub.
//
// One metadata request decides which API generation the hub speaks and
// which optional features it supports. The result is cached for the life
// of the probe: a 404 means the hub predates the capability endpoint and
// is cached as definitively absent, never retried.
package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/kestrelsec/sarifhub/transport"
)

// modernHubVersion is the hub generation threshold: hubs at or above it
// support server-side result limiting and SARIF difference search.
const modernHubVersion = 710

// ErrClientRejected means the hub explicitly declared this client version
// incompatible. Fatal: the whole operation must abort with an upgrade
// message, passing the hub's own text through when it supplied one.
var ErrClientRejected = errors.New("hub rejected this client version, an upgrade is required")

// Info is the negotiated capability set for one hub.
type Info struct {
	HubVersion       string
	HubVersionNumber int
	OpenAPI          bool
	ResultLimiting   bool
	SarifSearch      bool
}

type state int

const (
	stateUnknown state = iota
	stateUnsupported
	stateKnown
)

// Probe fetches and memoizes a hub's capability Info. It works
// pre-authentication and never signs in.
type Probe struct {
	conn   *transport.Conn
	logger *slog.Logger

	mu    sync.Mutex
	state state
	info  Info
}

// Option configures a Probe.
type Option func(*Probe) error

// WithLogger injects a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Probe) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		p.logger = logger
		return nil
	}
}

// New builds a Probe over conn. The client name and version sent to the
// hub come from the connection's identity.
func New(conn *transport.Conn, optFns ...Option) (*Probe, error) {
	p := &Probe{conn: conn, logger: slog.Default()}
	for _, opt := range optFns {
		if err := opt(p); err != nil {
			return nil, fmt.Errorf("applying probe option: %w", err)
		}
	}

	return p, nil
}

type checkVersionResponse struct {
	HubVersion       string `json:"hubVersion"`
	HubVersionNumber int    `json:"hubVersionNumber"`
	HubProtocol      int    `json:"hubProtocol"`
	ClientOK         *bool  `json:"clientOK"`
	Message          string `json:"message"`
	Capabilities     struct {
		OpenAPI bool `json:"openapi"`
	} `json:"capabilities"`
}

// Info returns the hub's capability set, issuing the metadata request on
// first call only. Transport failures are not cached; a definite answer
// (payload or 404) is.
func (p *Probe) Info(ctx context.Context) (Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != stateUnknown {
		return p.info, nil
	}

	name, version := p.conn.Identity()
	target := "/command/check_version/" + url.PathEscape(name) + "/"

	resp, err := p.conn.Request(ctx, target, transport.RequestQuery(url.Values{
		"version":    {version},
		"capability": {"openapi"},
	}))
	if err != nil {
		return Info{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		p.state = stateUnsupported
		p.info = Info{}
		p.logger.Info("hub predates capability endpoint, assuming legacy protocol",
			"address", p.conn.Address().String())

		return p.info, nil
	}

	if resp.StatusCode != http.StatusOK {
		b, rerr := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		if rerr != nil {
			b = []byte("unable to read body")
		}

		return Info{}, &transport.StatusError{StatusCode: resp.StatusCode, Body: string(b)}
	}

	var payload checkVersionResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Info{}, fmt.Errorf("decoding capability payload: %w", err)
	}

	if payload.ClientOK != nil && !*payload.ClientOK {
		if payload.Message != "" {
			return Info{}, fmt.Errorf("%w: %s", ErrClientRejected, payload.Message)
		}

		return Info{}, ErrClientRejected
	}

	modern := payload.HubVersionNumber >= modernHubVersion
	p.state = stateKnown
	p.info = Info{
		HubVersion:       payload.HubVersion,
		HubVersionNumber: payload.HubVersionNumber,
		OpenAPI:          payload.Capabilities.OpenAPI,
		ResultLimiting:   modern,
		SarifSearch:      modern,
	}

	p.logger.Debug("negotiated hub capabilities",
		"hubVersion", p.info.HubVersion,
		"openapi", p.info.OpenAPI,
		"sarifSearch", p.info.SarifSearch)

	return p.info, nil
}
