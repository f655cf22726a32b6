package tlmx

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// first signal: stop accepting, let the running tunnel finish.
// second signal: exit immediately.
func TestGracefulThenForcedShutdown(t *testing.T) {
	parent, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer parent.Close()
	go func() {
		conn, err := parent.Accept()
		if err != nil {
			return
		}
		pc := &parentConn{Conn: conn, rd: bufio.NewReader(conn)}
		pc.serveNTLMDance(t)
		fmt.Fprintf(pc, "HTTP/1.1 200 Connection established\r\n\r\n")
		_, _ = io.Copy(pc, pc.rd) // echo until the client goes away
		_ = pc.Close()
	}()

	conf := &Config{Parents: []string{parent.Addr().String()}, Listen: []string{"127.0.0.1:0"}}
	d, err := NewDispatcher(conf, testCreds(t), nil)
	require.NoError(t, err)
	require.NoError(t, d.Bind())
	addr := listenerAddr(d, ListenProxy)
	done := make(chan struct{})
	go func() {
		d.Run()
		close(done)
	}()

	// one active CONNECT tunnel
	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()
	fmt.Fprintf(client, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")
	rd := bufio.NewReader(client)
	status, _ := readHTTPResponse(t, rd)
	require.Contains(t, status, "200")

	// first signal: accepting stops, the tunnel stays up
	d.quit.Inc()
	time.Sleep(2 * DISPATCH_TICK * time.Second)
	select {
	case <-done:
		t.Fatal("dispatcher exited while a worker was still active")
	default:
	}

	_, err = client.Write([]byte("still alive"))
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := rd.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "still alive", string(buf[:n]))

	// second signal: immediate exit, tunnel or not
	d.quit.Inc()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("forced shutdown did not terminate the dispatcher")
	}
}

func TestBindFailsWithoutListeners(t *testing.T) {
	d, err := NewDispatcher(&Config{Parents: []string{"p:1"}}, testCreds(t), nil)
	require.NoError(t, err)
	assert.Error(t, d.Bind())
}

// the fixed tunnel worker behaves like a SOCKS handler that skipped
// negotiation: NoProxy target goes direct
func TestFixedTunnelDirect(t *testing.T) {
	echo := startEcho(t)
	conf := &Config{
		Parents: []string{"unused.invalid:3128"},
		Tunnels: []TunnelSpec{{Local: "127.0.0.1:0", Target: echo.Addr().String()}},
		NoProxy: []string{"127.0.0.1"},
	}
	d := startDispatcher(t, conf, testCreds(t))

	client, err := net.Dial("tcp", listenerAddr(d, ListenTunnel))
	require.NoError(t, err)
	defer client.Close()
	_, err = client.Write([]byte("tunnel payload"))
	require.NoError(t, err)
	buf := make([]byte, 14)
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "tunnel payload", string(buf))
}

// the fixed tunnel worker drives the CONNECT handshake through a parent
func TestFixedTunnelViaParent(t *testing.T) {
	parent, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer parent.Close()
	go func() {
		conn, err := parent.Accept()
		if err != nil {
			return
		}
		pc := &parentConn{Conn: conn, rd: bufio.NewReader(conn)}
		authed := pc.serveNTLMDance(t)
		assert.True(t, len(authed) > 0 && authed[0] == "CONNECT target.corp:22 HTTP/1.1")
		fmt.Fprintf(pc, "HTTP/1.1 200 Connection established\r\n\r\n")
		_, _ = io.Copy(pc, pc.rd)
		_ = pc.Close()
	}()

	conf := &Config{
		Parents: []string{parent.Addr().String()},
		Tunnels: []TunnelSpec{{Local: "127.0.0.1:0", Target: "target.corp:22"}},
	}
	d := startDispatcher(t, conf, testCreds(t))

	client, err := net.Dial("tcp", listenerAddr(d, ListenTunnel))
	require.NoError(t, err)
	defer client.Close()
	_, err = client.Write([]byte("ssh-ish"))
	require.NoError(t, err)
	buf := make([]byte, 7)
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "ssh-ish", string(buf))
}
