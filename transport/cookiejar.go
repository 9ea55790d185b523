package transport

import (
	"net/http"
	"net/url"
	"sync"
	"time"
)

type jarKey struct {
	name   string
	domain string
	path   string
}

type jarEntry struct {
	value   string
	expires time.Time // zero means session cookie
}

// Jar stores the most recent cookie per (name, domain, path) key. Expired
// entries are evicted before every read. It deliberately skips per-path and
// per-domain request filtering: the connection only ever talks to one
// origin, but keying by domain and path keeps cookies from distinct hub
// tenants on a shared host from clobbering each other.
//
// Jar implements [http.CookieJar] so a *http.Client picks it up directly.
type Jar struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[jarKey]jarEntry
}

// NewJar returns an empty cookie jar.
func NewJar() *Jar {
	return &Jar{
		now:     time.Now,
		entries: make(map[jarKey]jarEntry),
	}
}

// SetCookies records the cookies from a response. The newest value for a
// (name, domain, path) key always replaces the previous one. A negative
// Max-Age deletes the entry.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	for _, c := range cookies {
		domain := c.Domain
		if domain == "" {
			domain = u.Hostname()
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		key := jarKey{name: c.Name, domain: domain, path: path}

		if c.MaxAge < 0 {
			delete(j.entries, key)
			continue
		}

		entry := jarEntry{value: c.Value}
		switch {
		case c.MaxAge > 0:
			entry.expires = now.Add(time.Duration(c.MaxAge) * time.Second)
		case !c.Expires.IsZero():
			entry.expires = c.Expires
		}

		j.entries[key] = entry
	}
}

// Cookies returns the non-expired cookies to send to u, evicting every
// expired entry along the way.
func (j *Jar) Cookies(*url.URL) []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	out := make([]*http.Cookie, 0, len(j.entries))
	for key, entry := range j.entries {
		if !entry.expires.IsZero() && !entry.expires.After(now) {
			delete(j.entries, key)
			continue
		}

		out = append(out, &http.Cookie{Name: key.name, Value: entry.value})
	}

	return out
}

// Clear wipes every stored cookie in one step. Used on anonymous sign-in
// and credential rotation.
func (j *Jar) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()

	clear(j.entries)
}
