package tlmx

import (
	"bufio"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startDispatcher wires a dispatcher around the config and runs it until
// the test ends.
func startDispatcher(t *testing.T, conf *Config, creds *Credentials) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(conf, creds, nil)
	require.NoError(t, err)
	require.NoError(t, d.Bind())
	done := make(chan struct{})
	go func() {
		d.Run()
		close(done)
	}()
	t.Cleanup(func() {
		d.quit.Store(2)
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Log("dispatcher did not stop in time")
		}
	})
	return d
}

func testCreds(t *testing.T) *Credentials {
	t.Helper()
	creds, err := NewCredentials(&Config{Auth: "ntlm", Username: "User", Domain: "Domain", Password: "SecREt01", Workstation: "ws"})
	require.NoError(t, err)
	return creds
}

func listenerAddr(d *Dispatcher, kind ListenerKind) string {
	for _, l := range d.listeners {
		if l.kind == kind {
			return l.ln.Addr().String()
		}
	}
	return ""
}

// parentConn wraps one accepted connection on the fake parent side.
type parentConn struct {
	net.Conn
	rd *bufio.Reader
}

func (pc *parentConn) readPreamble(t *testing.T) []string {
	t.Helper()
	var lines []string
	for {
		line, err := pc.rd.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return lines
		}
		lines = append(lines, line)
	}
}

func findLine(lines []string, prefix string) string {
	for _, line := range lines {
		if strings.HasPrefix(strings.ToLower(line), strings.ToLower(prefix)) {
			return line
		}
	}
	return ""
}

// serveNTLMDance accepts the Type-1 probe, answers 407 with a Type-2 and
// validates the Type-3 on the repeated request. Returns the authenticated
// request preamble.
func (pc *parentConn) serveNTLMDance(t *testing.T) []string {
	t.Helper()
	first := pc.readPreamble(t)
	auth := findLine(first, "proxy-authorization:")
	require.Contains(t, auth, "NTLM ", "expected a Type-1 negotiate")
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(strings.SplitN(auth, "NTLM ", 2)[1]))
	require.NoError(t, err)
	require.Equal(t, uint32(1), binary.LittleEndian.Uint32(raw[8:]))

	challenge := buildTestChallenge(t, flagNegotiateUnicode|flagNegotiateNTLM, []byte{1, 2, 3, 4, 5, 6, 7, 8}, nil)
	fmt.Fprintf(pc, "HTTP/1.1 407 Proxy Authentication Required\r\n"+
		"Proxy-Authenticate: NTLM %s\r\n"+
		"Content-Length: 0\r\n"+
		"Proxy-Connection: keep-alive\r\n\r\n",
		base64.StdEncoding.EncodeToString(challenge))

	second := pc.readPreamble(t)
	auth = findLine(second, "proxy-authorization:")
	require.Contains(t, auth, "NTLM ", "expected a Type-3 authenticate")
	raw, err = base64.StdEncoding.DecodeString(strings.TrimSpace(strings.SplitN(auth, "NTLM ", 2)[1]))
	require.NoError(t, err)
	require.Equal(t, uint32(3), binary.LittleEndian.Uint32(raw[8:]))
	return second
}

func readHTTPResponse(t *testing.T, rd *bufio.Reader) (string, []string) {
	t.Helper()
	status, err := rd.ReadString('\n')
	require.NoError(t, err)
	var headers []string
	for {
		line, err := rd.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return strings.TrimRight(status, "\r\n"), headers
		}
		headers = append(headers, line)
	}
}

// CONNECT through the parent with the full NTLM handshake, bytes relayed
// verbatim both ways, client closed when the parent side closes.
func TestConnectViaNTLM(t *testing.T) {
	parent, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer parent.Close()

	parentDone := make(chan struct{})
	go func() {
		defer close(parentDone)
		conn, err := parent.Accept()
		if err != nil {
			return
		}
		pc := &parentConn{Conn: conn, rd: bufio.NewReader(conn)}
		authed := pc.serveNTLMDance(t)
		assert.True(t, strings.HasPrefix(authed[0], "CONNECT example.com:443"))
		fmt.Fprintf(pc, "HTTP/1.1 200 Connection established\r\n\r\n")
		// echo one message, then hang up
		buf := make([]byte, 64)
		n, err := pc.Read(buf)
		if err == nil {
			_, _ = pc.Write(buf[:n])
		}
		_ = pc.Close()
	}()

	conf := &Config{Parents: []string{parent.Addr().String()}, Listen: []string{"127.0.0.1:0"}}
	d := startDispatcher(t, conf, testCreds(t))

	client, err := net.Dial("tcp", listenerAddr(d, ListenProxy))
	require.NoError(t, err)
	defer client.Close()
	fmt.Fprintf(client, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\nProxy-Connection: keep-alive\r\n\r\n")

	rd := bufio.NewReader(client)
	status, _ := readHTTPResponse(t, rd)
	assert.Contains(t, status, "200")

	_, err = client.Write([]byte("ping over the tunnel"))
	require.NoError(t, err)
	echo := make([]byte, 64)
	n, err := rd.Read(echo)
	require.NoError(t, err)
	assert.Equal(t, "ping over the tunnel", string(echo[:n]))

	// parent hangs up; the client side follows
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = rd.Read(echo)
	assert.ErrorIs(t, err, io.EOF)
	<-parentDone
}

// chunked response bodies keep their framing byte for byte, and the
// authenticated parent connection is pooled for the follow-up request.
func TestChunkedResponseThroughParent(t *testing.T) {
	const chunks = "4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n"
	parent, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer parent.Close()

	secondAuth := make(chan string, 1)
	go func() {
		conn, err := parent.Accept()
		if err != nil {
			return
		}
		pc := &parentConn{Conn: conn, rd: bufio.NewReader(conn)}
		authed := pc.serveNTLMDance(t)
		assert.True(t, strings.HasPrefix(authed[0], "GET http://example.com/"))
		fmt.Fprintf(pc, "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\nProxy-Connection: keep-alive\r\n\r\n%s", chunks)

		// the next request arrives on the same, already authenticated
		// connection without another handshake
		next := pc.readPreamble(t)
		secondAuth <- findLine(next, "proxy-authorization:")
		fmt.Fprintf(pc, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nProxy-Connection: close\r\n\r\nok")
		_ = pc.Close()
	}()

	conf := &Config{Parents: []string{parent.Addr().String()}, Listen: []string{"127.0.0.1:0"}}
	d := startDispatcher(t, conf, testCreds(t))

	client, err := net.Dial("tcp", listenerAddr(d, ListenProxy))
	require.NoError(t, err)
	defer client.Close()
	rd := bufio.NewReader(client)

	fmt.Fprintf(client, "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\nProxy-Connection: keep-alive\r\n\r\n")
	_, headers := readHTTPResponse(t, rd)
	assert.NotEmpty(t, findLine(headers, "transfer-encoding:"))
	body := make([]byte, len(chunks))
	_, err = io.ReadFull(rd, body)
	require.NoError(t, err)
	assert.Equal(t, chunks, string(body))

	fmt.Fprintf(client, "GET http://example.com/2 HTTP/1.1\r\nHost: example.com\r\nProxy-Connection: keep-alive\r\n\r\n")
	_, headers = readHTTPResponse(t, rd)
	assert.NotEmpty(t, findLine(headers, "content-length:"))
	body = make([]byte, 2)
	_, err = io.ReadFull(rd, body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))

	select {
	case auth := <-secondAuth:
		assert.Empty(t, auth, "second request must reuse the authenticated connection")
	case <-time.After(5 * time.Second):
		t.Fatal("parent never saw the second request")
	}
}

// a NoProxy match goes straight to the origin and never touches a parent
func TestNoProxyGoesDirect(t *testing.T) {
	parentTouched := make(chan struct{}, 1)
	parent, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer parent.Close()
	go func() {
		if _, err := parent.Accept(); err == nil {
			parentTouched <- struct{}{}
		}
	}()

	origin, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer origin.Close()
	go func() {
		conn, err := origin.Accept()
		if err != nil {
			return
		}
		pc := &parentConn{Conn: conn, rd: bufio.NewReader(conn)}
		lines := pc.readPreamble(t)
		// origin-form request line, no proxy headers
		assert.True(t, strings.HasPrefix(lines[0], "GET / "))
		assert.Empty(t, findLine(lines, "proxy-authorization:"))
		fmt.Fprintf(pc, "HTTP/1.1 200 OK\r\nContent-Length: 6\r\nConnection: close\r\n\r\ndirect")
		_ = pc.Close()
	}()

	conf := &Config{
		Parents: []string{parent.Addr().String()},
		Listen:  []string{"127.0.0.1:0"},
		NoProxy: []string{"127.0.0.1"},
	}
	d := startDispatcher(t, conf, testCreds(t))

	client, err := net.Dial("tcp", listenerAddr(d, ListenProxy))
	require.NoError(t, err)
	defer client.Close()
	rd := bufio.NewReader(client)
	fmt.Fprintf(client, "GET http://%s/ HTTP/1.1\r\nHost: %s\r\n\r\n", origin.Addr(), origin.Addr())
	status, _ := readHTTPResponse(t, rd)
	assert.Contains(t, status, "200")
	body := make([]byte, 6)
	_, err = io.ReadFull(rd, body)
	require.NoError(t, err)
	assert.Equal(t, "direct", string(body))

	select {
	case <-parentTouched:
		t.Fatal("NoProxy host must not open an upstream connection")
	case <-time.After(200 * time.Millisecond):
	}
}

// every spawned worker eventually lands in the join queue and is counted
// as reaped, the count a clean shutdown waits on
func TestWorkersAreJoined(t *testing.T) {
	origin, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer origin.Close()
	go func() {
		for {
			conn, err := origin.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				pc := &parentConn{Conn: conn, rd: bufio.NewReader(conn)}
				pc.readPreamble(t)
				fmt.Fprintf(pc, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok")
				_ = pc.Close()
			}(conn)
		}
	}()

	conf := &Config{
		Parents: []string{"unused.invalid:3128"},
		Listen:  []string{"127.0.0.1:0"},
		NoProxy: []string{"127.0.0.1"},
	}
	d := startDispatcher(t, conf, testCreds(t))

	for i := 0; i < 3; i++ {
		client, err := net.Dial("tcp", listenerAddr(d, ListenProxy))
		require.NoError(t, err)
		fmt.Fprintf(client, "GET http://%s/ HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", origin.Addr(), origin.Addr())
		rd := bufio.NewReader(client)
		status, _ := readHTTPResponse(t, rd)
		assert.Contains(t, status, "200")
		_, _ = io.Copy(io.Discard, rd)
		_ = client.Close()
	}

	require.Eventually(t, func() bool {
		return d.spawned.Load() == int32(3) && d.reaped.Load() == int32(3)
	}, 5*time.Second, 50*time.Millisecond, "all workers must be joined")
}
