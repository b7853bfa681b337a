// Package gateway carries a parsed request into the application and the
// application's response back onto the wire. The contract is synchronous:
// the handler must start the response exactly once before returning and
// hand back a lazily produced body that the bridge drains and closes on
// every exit path.
package gateway

import (
	"errors"
	"io"

	corehttp "github.com/searchktools/prefork/core/http"
)

var (
	ErrResponseStarted   = errors.New("response already started")
	ErrResponseCommitted = errors.New("response bytes already written")
	ErrResponseNotStart  = errors.New("handler returned without starting a response")
	ErrSingleUseConn     = errors.New("connection limited to a single request")
)

// Handler is the application entry point. It receives the request context
// and a response starter, and returns the response body. Returning an error
// (or panicking) yields a synthesized 500 when nothing has been written yet.
type Handler func(req *corehttp.RequestContext, resp *ResponseStarter) (Body, error)

// Body is a finite, lazily produced sequence of response chunks.
// Next returns io.EOF after the final chunk. Close is always called.
type Body interface {
	Next() ([]byte, error)
	Close() error
}

type bytesBody struct {
	chunks [][]byte
}

func (b *bytesBody) Next() ([]byte, error) {
	if len(b.chunks) == 0 {
		return nil, io.EOF
	}
	c := b.chunks[0]
	b.chunks = b.chunks[1:]
	return c, nil
}

func (b *bytesBody) Close() error { return nil }

// BytesBody wraps byte chunks in a Body.
func BytesBody(chunks ...[]byte) Body {
	return &bytesBody{chunks: chunks}
}

// StringBody wraps a string in a single-chunk Body.
func StringBody(s string) Body {
	return BytesBody([]byte(s))
}

type readerBody struct {
	r   io.Reader
	buf []byte
}

func (b *readerBody) Next() ([]byte, error) {
	if b.buf == nil {
		b.buf = make([]byte, 32<<10)
	}
	n, err := b.r.Read(b.buf)
	if n > 0 {
		return b.buf[:n], nil
	}
	if err == nil {
		err = io.EOF
	}
	return nil, err
}

func (b *readerBody) Close() error {
	if c, ok := b.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ReaderBody streams a Body from an io.Reader. If the reader is an
// io.Closer it is closed with the body.
func ReaderBody(r io.Reader) Body {
	return &readerBody{r: r}
}

// ResponseStarter captures the status line and ordered header list.
// Start may be called exactly once per request; Restart is the explicit
// error-recovery replacement and is rejected once response bytes have
// reached the wire.
type ResponseStarter struct {
	bridge *Bridge

	status  string
	headers []corehttp.Header
	started bool
}

// Start records the status line ("200 OK") and ordered headers.
func (r *ResponseStarter) Start(status string, headers []corehttp.Header) error {
	if r.started {
		return ErrResponseStarted
	}
	r.status = status
	r.headers = headers
	r.started = true
	return nil
}

// Restart replaces a previously started response. It carries error-recovery
// intent and is only permitted while nothing has been written to the wire.
func (r *ResponseStarter) Restart(status string, headers []corehttp.Header) error {
	if r.bridge != nil && r.bridge.committed {
		return ErrResponseCommitted
	}
	r.status = status
	r.headers = headers
	r.started = true
	return nil
}

// Informational writes an interim 1xx status line immediately, before the
// final response. The bridge uses it for Expect: 100-continue; handlers may
// use it for early hints.
func (r *ResponseStarter) Informational(code int, headers []corehttp.Header) error {
	if r.bridge == nil {
		return nil
	}
	return r.bridge.writeInformational(code, headers)
}
