package http

import (
	"bytes"
	"net/textproto"
	"strings"
)

// Header is a single request header line, kept in arrival order.
type Header struct {
	Name  string // canonical MIME form, e.g. "X-Test"
	Value string
}

// Content-metadata fields that are exposed in Env without the HTTP_ prefix.
const (
	EnvContentType   = "CONTENT_TYPE"
	EnvContentLength = "CONTENT_LENGTH"
)

// RequestContext is the per-message request record handed to the application.
// It is rebuilt by the parser event sink at every message-begin and is only
// valid for the lifetime of the current message.
type RequestContext struct {
	Method    string
	RawTarget string
	Path      string
	Query     string
	Proto     string

	// Headers preserves every header line the parser delivered, duplicates
	// included. Env is the flattened lookup mapping: normalized name to
	// last-seen value.
	Headers []Header
	Env     map[string]string

	Body bytes.Buffer

	// Server identity, fixed per connection.
	RemoteAddr string
	RemotePort string
	ServerName string
	ServerPort string
	Scheme     string
}

// Reset clears the per-message state. Connection identity fields are kept.
func (r *RequestContext) Reset() {
	r.Method = ""
	r.RawTarget = ""
	r.Path = ""
	r.Query = ""
	r.Proto = ""
	r.Headers = r.Headers[:0]
	if r.Env == nil {
		r.Env = make(map[string]string, 16)
	} else {
		clear(r.Env)
	}
	r.Body.Reset()
}

// AddHeader appends a header line and updates the flattened lookup.
func (r *RequestContext) AddHeader(name, value string) {
	canonical := textproto.CanonicalMIMEHeaderKey(name)
	r.Headers = append(r.Headers, Header{Name: canonical, Value: value})
	if r.Env == nil {
		r.Env = make(map[string]string, 16)
	}
	r.Env[EnvKey(canonical)] = value
}

// HeaderValue returns the last-seen value for a header name in its
// conventional dashed form, or "" if the header was never delivered.
func (r *RequestContext) HeaderValue(name string) string {
	return r.Env[EnvKey(name)]
}

// ContentLength returns the declared Content-Length, or -1 when absent
// or malformed.
func (r *RequestContext) ContentLength() int64 {
	v, ok := r.Env[EnvContentLength]
	if !ok || v == "" {
		return -1
	}
	var n int64
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c < '0' || c > '9' {
			return -1
		}
		n = n*10 + int64(c-'0')
	}
	return n
}

// ExpectsContinue reports whether the client sent Expect: 100-continue.
func (r *RequestContext) ExpectsContinue() bool {
	return strings.EqualFold(r.Env["HTTP_EXPECT"], "100-continue")
}

// WantsClose reports whether the message forbids connection reuse:
// an explicit Connection: close, or HTTP/1.0 without keep-alive.
func (r *RequestContext) WantsClose() bool {
	conn := r.Env["HTTP_CONNECTION"]
	if strings.EqualFold(conn, "close") {
		return true
	}
	if r.Proto == "HTTP/1.0" {
		return !strings.EqualFold(conn, "keep-alive")
	}
	return false
}

// EnvKey normalizes a header name to its lookup form: upper-cased with
// dashes replaced by underscores, prefixed with HTTP_ except for the
// content-metadata fields shared with CGI.
func EnvKey(name string) string {
	var b strings.Builder
	b.Grow(len(name) + len("HTTP_"))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '-':
			c = '_'
		case c >= 'a' && c <= 'z':
			c -= 'a' - 'A'
		}
		b.WriteByte(c)
	}
	key := b.String()
	if key == EnvContentType || key == EnvContentLength {
		return key
	}
	return "HTTP_" + key
}
