package tlmx

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadRequestPreamble(t *testing.T) {
	ch, _ := testChannel("GET http://example.com/path?q=1 HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Accept: */*\r\n" +
		"\r\n")
	require.NoError(t, ch.ReadRequest())
	h := ch.header
	assert.Equal(t, "GET", h.method)
	assert.Equal(t, "example.com", h.host)
	assert.Equal(t, 80, h.port)
	assert.Equal(t, "example.com:80", h.hostPort)
	assert.Equal(t, "/path?q=1", h.relativeURI)
	assert.Equal(t, Http11, h.version)
	assert.True(t, h.keepAlive)
	assert.Equal(t, FramingNone, h.framing)
}

func TestReadConnectPreamble(t *testing.T) {
	ch, _ := testChannel("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")
	require.NoError(t, ch.ReadRequest())
	assert.True(t, ch.header.isConnect)
	assert.Equal(t, "example.com:443", ch.header.hostPort)
}

func TestPreambleOvershootStaysForBody(t *testing.T) {
	ch, _ := testChannel("POST http://h/ HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello")
	require.NoError(t, ch.ReadRequest())
	assert.Equal(t, FramingLength, ch.header.framing)
	assert.Equal(t, int64(5), ch.header.contentLength)
	body := make([]byte, 5)
	n, err := ch.Read(body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body[:n]))
}

func TestContinuationLinesFold(t *testing.T) {
	ch, _ := testChannel("HTTP/1.1 200 OK\r\n" +
		"X-Long: first\r\n" +
		"   second part\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n")
	require.NoError(t, ch.ReadResponse("GET"))
	v := ch.findHeader("x-long")
	require.NotNil(t, v)
	assert.Equal(t, "first second part", *v)
}

func TestFramingPrecedence(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		method  string
		framing Framing
	}{
		{"chunked dominates content-length",
			"HTTP/1.1 200 OK\r\nContent-Length: 10\r\nTransfer-Encoding: chunked\r\n\r\n", "GET", FramingChunked},
		{"content-length",
			"HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n", "GET", FramingLength},
		{"204 has no body",
			"HTTP/1.1 204 No Content\r\n\r\n", "GET", FramingNone},
		{"304 has no body",
			"HTTP/1.1 304 Not Modified\r\n\r\n", "GET", FramingNone},
		{"1xx has no body",
			"HTTP/1.1 100 Continue\r\n\r\n", "GET", FramingNone},
		{"HEAD response has no body",
			"HTTP/1.1 200 OK\r\n\r\n", "HEAD", FramingNone},
		{"CONNECT 200 has no body",
			"HTTP/1.1 200 Connection established\r\n\r\n", "CONNECT", FramingNone},
		{"otherwise until close",
			"HTTP/1.1 200 OK\r\n\r\n", "GET", FramingUntilClose},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ch, _ := testChannel(tc.raw)
			require.NoError(t, ch.ReadResponse(tc.method))
			assert.Equal(t, tc.framing, ch.header.framing)
		})
	}
}

func TestUntilCloseDisablesKeepAlive(t *testing.T) {
	ch, _ := testChannel("HTTP/1.1 200 OK\r\nConnection: keep-alive\r\n\r\n")
	require.NoError(t, ch.ReadResponse("GET"))
	assert.False(t, ch.header.keepAlive)
}

func TestHeaderRoundTrip(t *testing.T) {
	lines := []string{
		"Host: example.com",
		"Accept: */*",
		"X-Custom: one",
		"X-Custom: two", // duplicates keep their order
		"Cookie: a=b",
	}
	raw := "GET http://example.com/ HTTP/1.1\r\n" + strings.Join(lines, "\r\n") + "\r\n\r\n"
	ch, _ := testChannel(raw)
	require.NoError(t, ch.ReadRequest())

	out, sink := testChannel("")
	require.NoError(t, out.writeHeaders(ch.header, nil))
	got := strings.Split(strings.TrimRight(sink.w.String(), "\r\n"), "\r\n")
	assert.Equal(t, lines, got)
}

func TestHopByHopStripped(t *testing.T) {
	ch, _ := testChannel("GET http://h/ HTTP/1.1\r\n" +
		"Host: h\r\n" +
		"Proxy-Connection: keep-alive\r\n" +
		"Connection: keep-alive\r\n" +
		"Keep-Alive: 300\r\n" +
		"Proxy-Authorization: Basic abc\r\n" +
		"TE: trailers\r\n" +
		"Trailers: X\r\n" +
		"Transfer-Encoding: identity\r\n" +
		"Upgrade: websocket\r\n" +
		"Accept: */*\r\n" +
		"\r\n")
	require.NoError(t, ch.ReadRequest())
	out, sink := testChannel("")
	require.NoError(t, out.writeHeaders(ch.header, nil))
	written := sink.w.String()
	assert.Contains(t, written, "Host: h")
	assert.Contains(t, written, "Accept: */*")
	for _, gone := range []string{"Proxy-Connection", "Keep-Alive", "Proxy-Authorization", "TE:", "Trailers", "Upgrade", "Connection"} {
		assert.NotContains(t, written, gone)
	}
}

func TestHeaderSubstitutions(t *testing.T) {
	ch, _ := testChannel("GET http://h/ HTTP/1.1\r\nHost: h\r\nUser-Agent: curl\r\n\r\n")
	require.NoError(t, ch.ReadRequest())
	subs := []HeaderSub{
		{Name: "User-Agent", Value: "Mozilla/5.0"}, // replaces
		{Name: "X-Forwarded-For", Value: "10.0.0.1"}, // appends
	}
	out, sink := testChannel("")
	require.NoError(t, out.writeHeaders(ch.header, subs))
	written := sink.w.String()
	assert.Contains(t, written, "User-Agent: Mozilla/5.0")
	assert.NotContains(t, written, "curl")
	assert.Contains(t, written, "X-Forwarded-For: 10.0.0.1")
}

func TestFindHeaderFoldsCase(t *testing.T) {
	ch, _ := testChannel("GET http://h/ HTTP/1.1\r\nHost: h\r\nProxy-Authenticate: NTLM abc\r\n\r\n")
	require.NoError(t, ch.ReadRequest())
	v := ch.findHeader("PROXY-AUTHENTICATE")
	require.NotNil(t, v)
	assert.Equal(t, "NTLM abc", *v)
	assert.Nil(t, ch.findHeader("missing"))
}
