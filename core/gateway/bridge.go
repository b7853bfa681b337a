package gateway

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	corehttp "github.com/searchktools/prefork/core/http"
)

const dateFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// ConnInfo is the fixed server identity for one connection.
type ConnInfo struct {
	RemoteAddr string
	RemotePort string
	ServerName string
	ServerPort string
	Scheme     string
}

// Bridge is the per-connection sink for parser events. It assembles the
// RequestContext, invokes the handler at message-complete, and serializes
// the response. One Bridge serves one connection.
type Bridge struct {
	conn        io.Writer
	handler     Handler
	log         *zap.Logger
	serverToken string

	req        corehttp.RequestContext
	committed  bool // response head or body bytes written for current message
	closeAfter bool
	single     bool
	completed  int
}

// NewBridge builds a bridge writing responses to conn.
func NewBridge(conn io.Writer, handler Handler, log *zap.Logger, serverToken string, info ConnInfo) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bridge{
		conn:        conn,
		handler:     handler,
		log:         log,
		serverToken: serverToken,
	}
	b.req.RemoteAddr = info.RemoteAddr
	b.req.RemotePort = info.RemotePort
	b.req.ServerName = info.ServerName
	b.req.ServerPort = info.ServerPort
	b.req.Scheme = info.Scheme
	return b
}

// CloseRequested reports whether the connection must not be reused.
func (b *Bridge) CloseRequested() bool { return b.closeAfter }

// SingleRequest limits the connection to one message. The second message is
// refused before any of it is parsed, even when it arrived pipelined in the
// same read chunk as the first.
func (b *Bridge) SingleRequest() { b.single = true }

// Completed returns the number of fully handled messages on this connection.
func (b *Bridge) Completed() int { return b.completed }

// OnMessageBegin resets the request context for a new message.
func (b *Bridge) OnMessageBegin() {
	b.req.Reset()
	b.committed = false
}

// OnURL records the raw target and splits it into path and query.
func (b *Bridge) OnURL(target []byte) error {
	if b.single && b.completed > 0 {
		return ErrSingleUseConn
	}
	b.req.RawTarget = string(target)
	raw := b.req.RawTarget
	if i := bytes.IndexByte(target, '?'); i != -1 {
		b.req.Query = raw[i+1:]
		raw = raw[:i]
	}
	if p, err := url.PathUnescape(raw); err == nil {
		b.req.Path = p
	} else {
		b.req.Path = raw
	}
	return nil
}

func (b *Bridge) OnHeader(name, value []byte) error {
	b.req.AddHeader(string(name), string(value))
	return nil
}

// OnHeadersComplete fixes method and proto, and answers Expect: 100-continue
// with an interim status line before any application code runs.
func (b *Bridge) OnHeadersComplete(method, proto string) error {
	b.req.Method = method
	b.req.Proto = proto
	if b.req.ExpectsContinue() {
		return b.writeInformational(100, nil)
	}
	return nil
}

func (b *Bridge) OnBody(chunk []byte) error {
	_, err := b.req.Body.Write(chunk)
	return err
}

// OnMessageComplete dispatches the assembled request to the handler.
func (b *Bridge) OnMessageComplete() error {
	b.completed++

	starter := &ResponseStarter{bridge: b}
	body, err := b.invoke(starter)
	if body != nil {
		defer body.Close()
	}

	if err == nil && !starter.started {
		err = ErrResponseNotStart
	}
	if err != nil {
		b.log.Error("handler failed",
			zap.String("method", b.req.Method),
			zap.String("path", b.req.Path),
			zap.String("remote", b.req.RemoteAddr),
			zap.Error(err))
		if b.committed {
			// Bytes are already on the wire; mixing partial framing with
			// error content is not supported, so drop the connection.
			b.closeAfter = true
			return fmt.Errorf("handler failed after response started: %w", err)
		}
		starter.status = "500 Internal Server Error"
		starter.headers = []corehttp.Header{{Name: "Content-Length", Value: "0"}}
		starter.started = true
		if werr := b.writeResponse(starter, nil); werr != nil {
			return werr
		}
		b.closeAfter = true
		return nil
	}

	return b.writeResponse(starter, body)
}

// invoke runs the handler, converting panics into errors.
func (b *Bridge) invoke(starter *ResponseStarter) (body Body, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}
	}()
	return b.handler(&b.req, starter)
}

// writeResponse writes the status line, headers, blank line, and body chunks
// verbatim and in order. A Date header is appended when the handler did not
// supply one; the server-identity header is always appended.
func (b *Bridge) writeResponse(starter *ResponseStarter, body Body) error {
	hasDate := false
	hasLength := false
	for _, h := range starter.headers {
		switch {
		case asciiFoldEqual(h.Name, "date"):
			hasDate = true
		case asciiFoldEqual(h.Name, "content-length"):
			hasLength = true
		}
	}

	head := make([]byte, 0, 512)
	head = append(head, "HTTP/1.1 "...)
	head = append(head, starter.status...)
	head = append(head, '\r', '\n')
	for _, h := range starter.headers {
		head = appendHeaderLine(head, h.Name, h.Value)
	}
	if !hasDate {
		head = appendHeaderLine(head, "Date", time.Now().UTC().Format(dateFormat))
	}
	head = appendHeaderLine(head, "Server", b.serverToken)
	head = append(head, '\r', '\n')

	if _, err := b.conn.Write(head); err != nil {
		b.closeAfter = true
		return fmt.Errorf("write response head: %w", err)
	}
	b.committed = true

	if body != nil {
		for {
			chunk, err := body.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				b.closeAfter = true
				return fmt.Errorf("read response body: %w", err)
			}
			if len(chunk) == 0 {
				continue
			}
			if _, err := b.conn.Write(chunk); err != nil {
				b.closeAfter = true
				return fmt.Errorf("write response body: %w", err)
			}
		}
	}

	// Without a Content-Length there is no response framing for reuse.
	if !hasLength || b.req.WantsClose() || b.single {
		b.closeAfter = true
	}
	return nil
}

// writeInformational writes a 1xx interim response immediately.
func (b *Bridge) writeInformational(code int, headers []corehttp.Header) error {
	line := make([]byte, 0, 128)
	line = append(line, "HTTP/1.1 "...)
	line = strconv.AppendInt(line, int64(code), 10)
	line = append(line, ' ')
	line = append(line, informationalText(code)...)
	line = append(line, '\r', '\n')
	for _, h := range headers {
		line = appendHeaderLine(line, h.Name, h.Value)
	}
	line = append(line, '\r', '\n')
	if _, err := b.conn.Write(line); err != nil {
		b.closeAfter = true
		return fmt.Errorf("write interim response: %w", err)
	}
	return nil
}

func informationalText(code int) string {
	switch code {
	case 100:
		return "Continue"
	case 101:
		return "Switching Protocols"
	case 102:
		return "Processing"
	case 103:
		return "Early Hints"
	default:
		return "Informational"
	}
}

func appendHeaderLine(b []byte, name, value string) []byte {
	b = append(b, name...)
	b = append(b, ':', ' ')
	b = append(b, value...)
	return append(b, '\r', '\n')
}

func asciiFoldEqual(name, lower string) bool {
	if len(name) != len(lower) {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != lower[i] {
			return false
		}
	}
	return true
}
