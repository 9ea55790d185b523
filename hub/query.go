package hub

import (
	"encoding/json"
	"strings"
)

// escapeLiteral wraps a search term as a quoted literal in the hub query
// syntax, escaping embedded backslash, double-quote, and single-quote
// characters so the hub parses it back to the original string.
func escapeLiteral(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\', '"', '\'':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')

	return b.String()
}

// gridSpec renders the column/sort/limit specification for a grid
// parameter. Modern hubs take a JSON object; legacy hubs take the
// bracket syntax and ignore limits (result limiting is capability-gated
// before this is called).
func gridSpec(openAPI bool, columns []string, sort string, limit int) string {
	if openAPI {
		spec := struct {
			Columns []string `json:"columns"`
			Sort    string   `json:"sort,omitempty"`
			Limit   int      `json:"limit,omitempty"`
		}{Columns: columns, Sort: sort, Limit: limit}

		b, _ := json.Marshal(spec)

		return string(b)
	}

	var b strings.Builder
	for _, col := range columns {
		b.WriteByte('[')
		b.WriteString(col)
		b.WriteByte(']')
	}
	if sort != "" {
		b.WriteString("[sort:")
		b.WriteString(sort)
		b.WriteByte(']')
	}

	return b.String()
}

// Indent selects how the hub pretty-prints streamed SARIF.
type Indent int

const (
	IndentNone Indent = iota
	IndentCompact
	IndentPretty
)

func (i Indent) queryValue() string {
	switch i {
	case IndentCompact:
		return "compact"
	case IndentPretty:
		return "pretty"
	default:
		return ""
	}
}

// SarifOption configures a SARIF fetch.
type SarifOption func(*sarifOpts) error

type sarifOpts struct {
	filter    string
	indent    Indent
	artifacts *bool
	progress  bool
}

// WithWarningFilter restricts the streamed SARIF to warnings matching the
// given saved hub filter.
func WithWarningFilter(filter string) SarifOption {
	return func(o *sarifOpts) error {
		o.filter = filter
		return nil
	}
}

// WithIndent selects the SARIF indentation style. The default lets the
// hub choose.
func WithIndent(indent Indent) SarifOption {
	return func(o *sarifOpts) error {
		o.indent = indent
		return nil
	}
}

// WithArtifacts toggles artifact listing in the streamed SARIF. Full
// fetches default to the hub's behavior; difference fetches default to
// disabled, since differencing against the baseline already implies most
// artifacts are shared.
func WithArtifacts(enabled bool) SarifOption {
	return func(o *sarifOpts) error {
		o.artifacts = &enabled
		return nil
	}
}

// WithProgress enables progress logging when the stream is saved to disk
// via [Client.DownloadSarif]. It has no effect on the raw stream methods.
func WithProgress() SarifOption {
	return func(o *sarifOpts) error {
		o.progress = true
		return nil
	}
}
