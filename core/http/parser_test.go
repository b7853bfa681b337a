package http

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// recorder collects parse events for assertions.
type recorder struct {
	begins    int
	completes int
	url       string
	method    string
	proto     string
	headers   []Header
	body      []byte
}

func (r *recorder) OnMessageBegin() {
	r.begins++
	r.url = ""
	r.headers = nil
	r.body = nil
}

func (r *recorder) OnURL(target []byte) error {
	r.url = string(target)
	return nil
}

func (r *recorder) OnHeader(name, value []byte) error {
	r.headers = append(r.headers, Header{Name: string(name), Value: string(value)})
	return nil
}

func (r *recorder) OnHeadersComplete(method, proto string) error {
	r.method = method
	r.proto = proto
	return nil
}

func (r *recorder) OnBody(chunk []byte) error {
	r.body = append(r.body, chunk...)
	return nil
}

func (r *recorder) OnMessageComplete() error {
	r.completes++
	return nil
}

func TestParserSimpleRequest(t *testing.T) {
	rec := &recorder{}
	p := NewParser(rec)

	err := p.Feed([]byte("GET /path?x=1 HTTP/1.1\r\nHost: example.com\r\nX-Test: v\r\n\r\n"))
	require.NoError(t, err)

	require.Equal(t, 1, rec.begins)
	require.Equal(t, 1, rec.completes)
	require.Equal(t, "GET", rec.method)
	require.Equal(t, "HTTP/1.1", rec.proto)
	require.Equal(t, "/path?x=1", rec.url)
	require.Equal(t, []Header{
		{Name: "Host", Value: "example.com"},
		{Name: "X-Test", Value: "v"},
	}, rec.headers)
	require.Empty(t, rec.body)
}

func TestParserByteAtATime(t *testing.T) {
	rec := &recorder{}
	p := NewParser(rec)

	raw := "POST /submit HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello"
	for i := 0; i < len(raw); i++ {
		require.NoError(t, p.Feed([]byte{raw[i]}))
	}

	require.Equal(t, 1, rec.completes)
	require.Equal(t, "POST", rec.method)
	require.Equal(t, "hello", string(rec.body))
}

func TestParserPipelinedRequests(t *testing.T) {
	rec := &recorder{}
	p := NewParser(rec)

	err := p.Feed([]byte("GET /a HTTP/1.1\r\n\r\nGET /b HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)
	require.Equal(t, 2, rec.begins)
	require.Equal(t, 2, rec.completes)
	require.Equal(t, "/b", rec.url)
}

func TestParserChunkedBody(t *testing.T) {
	rec := &recorder{}
	p := NewParser(rec)

	raw := "POST /up HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	require.NoError(t, p.Feed([]byte(raw)))
	require.Equal(t, 1, rec.completes)
	require.Equal(t, "hello world", string(rec.body))
}

func TestParserChunkedSplitAcrossFeeds(t *testing.T) {
	rec := &recorder{}
	p := NewParser(rec)

	require.NoError(t, p.Feed([]byte("POST /up HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n4\r\nab")))
	require.Equal(t, 0, rec.completes)
	require.NoError(t, p.Feed([]byte("cd\r\n0\r\n\r\n")))
	require.Equal(t, 1, rec.completes)
	require.Equal(t, "abcd", string(rec.body))
}

func TestParserErrors(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
		err  error
	}{
		{
			name: "garbage start line",
			raw:  "nonsense\r\n",
			err:  ErrInvalidRequest,
		},
		{
			name: "bad proto",
			raw:  "GET / SMTP/1.0\r\n\r\n",
			err:  ErrInvalidRequest,
		},
		{
			name: "header without colon",
			raw:  "GET / HTTP/1.1\r\nbroken header\r\n\r\n",
			err:  ErrInvalidHeader,
		},
		{
			name: "folded header",
			raw:  "GET / HTTP/1.1\r\nA: b\r\n c\r\n\r\n",
			err:  ErrInvalidHeader,
		},
		{
			name: "negative content length",
			raw:  "GET / HTTP/1.1\r\nContent-Length: -1\r\n\r\n",
			err:  ErrInvalidContentLength,
		},
		{
			name: "bad chunk size",
			raw:  "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n",
			err:  ErrInvalidChunk,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewParser(&recorder{})
			err := p.Feed([]byte(tc.raw))
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestParserLineTooLong(t *testing.T) {
	p := NewParser(&recorder{})
	long := make([]byte, maxLineLen+2)
	for i := range long {
		long[i] = 'a'
	}
	require.ErrorIs(t, p.Feed(long), ErrLineTooLong)
}

func TestParserRestartsAfterMessage(t *testing.T) {
	rec := &recorder{}
	p := NewParser(rec)

	require.NoError(t, p.Feed([]byte("POST /a HTTP/1.1\r\nContent-Length: 2\r\n\r\nhi")))
	require.Equal(t, 1, rec.completes)

	// The next message on the same connection parses from scratch; the
	// previous Content-Length must not leak.
	require.NoError(t, p.Feed([]byte("GET /b HTTP/1.1\r\n\r\n")))
	require.Equal(t, 2, rec.completes)
	require.Empty(t, rec.body)
}
