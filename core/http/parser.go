package http

import (
	"bytes"
	"errors"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

var (
	ErrInvalidRequest       = errors.New("invalid HTTP request")
	ErrLineTooLong          = errors.New("request line or header too long")
	ErrInvalidHeader        = errors.New("invalid header line")
	ErrTooManyHeaders       = errors.New("too many headers")
	ErrInvalidContentLength = errors.New("invalid Content-Length")
	ErrInvalidChunk         = errors.New("invalid chunked encoding")
)

const (
	maxLineLen     = 8192
	maxHeaderCount = 100
)

// Events is the sink for parse events. Callbacks fire in message order:
// message-begin, url, header (repeated), headers-complete, body (repeated),
// message-complete. Any error aborts the connection.
type Events interface {
	OnMessageBegin()
	OnURL(target []byte) error
	OnHeader(name, value []byte) error
	OnHeadersComplete(method, proto string) error
	OnBody(chunk []byte) error
	OnMessageComplete() error
}

type parserState int

const (
	stateStartLine parserState = iota
	stateHeader
	stateBody
	stateChunkSize
	stateChunkData
	stateChunkDataEnd
	stateTrailer
)

// Parser is an incremental HTTP/1.x request parser. It is driven purely by
// byte chunks handed to Feed and never requires a complete message up front.
// One Parser serves one connection; it restarts itself after every
// message-complete so pipelined requests in the same buffer are handled.
type Parser struct {
	sink  Events
	state parserState
	buf   []byte

	method        string
	proto         string
	contentLength int64
	chunked       bool
	remaining     int64
	headerCount   int
}

// NewParser returns a parser delivering events to sink.
func NewParser(sink Events) *Parser {
	return &Parser{sink: sink, contentLength: -1}
}

// Feed consumes one chunk read from the socket. It may complete zero, one,
// or several messages depending on what has been buffered so far.
func (p *Parser) Feed(data []byte) error {
	p.buf = append(p.buf, data...)

	for {
		switch p.state {
		case stateStartLine:
			line, ok, err := p.nextLine()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if len(line) == 0 {
				// Tolerate a stray CRLF between pipelined messages.
				continue
			}
			if err := p.parseStartLine(line); err != nil {
				return err
			}

		case stateHeader:
			line, ok, err := p.nextLine()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if len(line) == 0 {
				if err := p.finishHeaders(); err != nil {
					return err
				}
				continue
			}
			if err := p.parseHeaderLine(line); err != nil {
				return err
			}

		case stateBody:
			if len(p.buf) == 0 {
				return nil
			}
			n := int64(len(p.buf))
			if n > p.remaining {
				n = p.remaining
			}
			if err := p.sink.OnBody(p.buf[:n]); err != nil {
				return err
			}
			p.consume(int(n))
			p.remaining -= n
			if p.remaining == 0 {
				if err := p.finishMessage(); err != nil {
					return err
				}
			}

		case stateChunkSize:
			line, ok, err := p.nextLine()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			size, err := parseChunkSize(line)
			if err != nil {
				return err
			}
			if size == 0 {
				p.state = stateTrailer
				continue
			}
			p.remaining = size
			p.state = stateChunkData

		case stateChunkData:
			if len(p.buf) == 0 {
				return nil
			}
			n := int64(len(p.buf))
			if n > p.remaining {
				n = p.remaining
			}
			if err := p.sink.OnBody(p.buf[:n]); err != nil {
				return err
			}
			p.consume(int(n))
			p.remaining -= n
			if p.remaining == 0 {
				p.state = stateChunkDataEnd
			}

		case stateChunkDataEnd:
			line, ok, err := p.nextLine()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if len(line) != 0 {
				return ErrInvalidChunk
			}
			p.state = stateChunkSize

		case stateTrailer:
			line, ok, err := p.nextLine()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if len(line) == 0 {
				if err := p.finishMessage(); err != nil {
					return err
				}
				continue
			}
			// Trailer fields are consumed and dropped.
		}
	}
}

// nextLine pops one CRLF (or bare LF) terminated line off the buffer.
func (p *Parser) nextLine() (line []byte, ok bool, err error) {
	i := bytes.IndexByte(p.buf, '\n')
	if i == -1 {
		if len(p.buf) > maxLineLen {
			return nil, false, ErrLineTooLong
		}
		return nil, false, nil
	}
	if i > maxLineLen {
		return nil, false, ErrLineTooLong
	}
	line = p.buf[:i]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	p.consume(i + 1)
	return line, true, nil
}

func (p *Parser) consume(n int) {
	p.buf = p.buf[n:]
	if len(p.buf) == 0 && cap(p.buf) > 64<<10 {
		p.buf = nil
	}
}

func (p *Parser) parseStartLine(line []byte) error {
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		return ErrInvalidRequest
	}
	sp2 := bytes.IndexByte(line[sp1+1:], ' ')
	if sp2 <= 0 {
		return ErrInvalidRequest
	}
	sp2 += sp1 + 1

	method := line[:sp1]
	target := line[sp1+1 : sp2]
	proto := line[sp2+1:]

	// A method is a token, same grammar as a header field name.
	if !httpguts.ValidHeaderFieldName(string(method)) {
		return ErrInvalidRequest
	}
	if !bytes.HasPrefix(proto, []byte("HTTP/1.")) {
		return ErrInvalidRequest
	}

	p.method = string(method)
	p.proto = string(proto)
	p.contentLength = -1
	p.chunked = false
	p.headerCount = 0

	p.sink.OnMessageBegin()
	if err := p.sink.OnURL(target); err != nil {
		return err
	}
	p.state = stateHeader
	return nil
}

func (p *Parser) parseHeaderLine(line []byte) error {
	if line[0] == ' ' || line[0] == '\t' {
		// Obsolete line folding is rejected outright.
		return ErrInvalidHeader
	}
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return ErrInvalidHeader
	}
	name := line[:colon]
	value := bytes.TrimSpace(line[colon+1:])

	if !httpguts.ValidHeaderFieldName(string(name)) {
		return ErrInvalidHeader
	}
	if !httpguts.ValidHeaderFieldValue(string(value)) {
		return ErrInvalidHeader
	}

	p.headerCount++
	if p.headerCount > maxHeaderCount {
		return ErrTooManyHeaders
	}

	switch {
	case asciiEqualFold(name, "content-length"):
		n, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil || n < 0 {
			return ErrInvalidContentLength
		}
		p.contentLength = n
	case asciiEqualFold(name, "transfer-encoding"):
		if strings.Contains(strings.ToLower(string(value)), "chunked") {
			p.chunked = true
		}
	}

	return p.sink.OnHeader(name, value)
}

func (p *Parser) finishHeaders() error {
	if err := p.sink.OnHeadersComplete(p.method, p.proto); err != nil {
		return err
	}
	switch {
	case p.chunked:
		p.state = stateChunkSize
	case p.contentLength > 0:
		p.remaining = p.contentLength
		p.state = stateBody
	default:
		return p.finishMessage()
	}
	return nil
}

func (p *Parser) finishMessage() error {
	if err := p.sink.OnMessageComplete(); err != nil {
		return err
	}
	p.state = stateStartLine
	p.method = ""
	p.proto = ""
	p.remaining = 0
	return nil
}

func parseChunkSize(line []byte) (int64, error) {
	// Chunk extensions after ';' are ignored.
	if i := bytes.IndexByte(line, ';'); i != -1 {
		line = line[:i]
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return 0, ErrInvalidChunk
	}
	n, err := strconv.ParseInt(string(line), 16, 64)
	if err != nil || n < 0 {
		return 0, ErrInvalidChunk
	}
	return n, nil
}

func asciiEqualFold(b []byte, lower string) bool {
	if len(b) != len(lower) {
		return false
	}
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != lower[i] {
			return false
		}
	}
	return true
}
