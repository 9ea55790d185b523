// Package hubaddr parses user-supplied hub address strings.
//
// An address may be a full URL ("https://hub.example.com:7340") or a bare
// "host[:port]" pair. A bare pair carries no scheme; the transport layer
// probes the hub to resolve one.
package hubaddr

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

var (
	ErrEmptyHost   = errors.New("hub address has an empty hostname")
	ErrInvalidPort = errors.New("hub address has a non-numeric port")
)

// Address is the parsed form of a hub address. It is immutable after Parse.
// A zero Scheme means the scheme is unknown and must be probed.
type Address struct {
	Scheme   string // "http", "https", or ""
	Hostname string
	Port     int // 0 when unset
}

// Parse builds an Address from s. Strings starting with "http://" or
// "https://" (case-insensitive) are parsed as URLs; anything else is split
// on the first ':' into host and an optional numeric port. Parse performs
// no network I/O and no port-range validation: an out-of-range port
// surfaces later as a connection failure.
func Parse(s string) (Address, error) {
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		u, err := url.Parse(s)
		if err != nil {
			return Address{}, fmt.Errorf("parsing hub address %q: %w", s, err)
		}
		if u.Hostname() == "" {
			return Address{}, fmt.Errorf("%q: %w", s, ErrEmptyHost)
		}

		addr := Address{
			Scheme:   strings.ToLower(u.Scheme),
			Hostname: u.Hostname(),
		}
		if p := u.Port(); p != "" {
			port, err := strconv.Atoi(p)
			if err != nil {
				return Address{}, fmt.Errorf("%q: %w", s, ErrInvalidPort)
			}
			addr.Port = port
		}

		return addr, nil
	}

	host, portStr, found := strings.Cut(s, ":")
	if host == "" {
		return Address{}, fmt.Errorf("%q: %w", s, ErrEmptyHost)
	}

	addr := Address{Hostname: host}
	if found {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return Address{}, fmt.Errorf("%q: %w", s, ErrInvalidPort)
		}
		addr.Port = port
	}

	return addr, nil
}

// String reconstructs the canonical bare "host[:port]" form. It is stable
// for a given Address and is intended for cache keys, such as the
// user+address key under which stored credentials are filed.
func (a Address) String() string {
	if a.Port == 0 {
		return a.Hostname
	}

	return fmt.Sprintf("%s:%d", a.Hostname, a.Port)
}

// HostPort returns "host:port" with the default port for scheme filled in
// when the address carries none.
func (a Address) HostPort(scheme string) string {
	port := a.Port
	if port == 0 {
		if scheme == "https" {
			port = 443
		} else {
			port = 80
		}
	}

	return net.JoinHostPort(a.Hostname, strconv.Itoa(port))
}

// URL builds the origin URL for the address under the given scheme.
func (a Address) URL(scheme string) *url.URL {
	host := a.Hostname
	if a.Port != 0 {
		host = net.JoinHostPort(a.Hostname, strconv.Itoa(a.Port))
	}

	return &url.URL{Scheme: scheme, Host: host}
}
