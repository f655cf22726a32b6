package tlmx

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/palantir/stacktrace"
)

func dialDirect(hostPort string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: DEFAULT_CONNECT_TIMEOUT * time.Second}
	conn, err := dialer.Dial("tcp", hostPort)
	if err != nil {
		return nil, stacktrace.PropagateWithCode(err, EcConnect, "direct connection to %s failed", hostPort)
	}
	ConfigureConn(conn)
	return conn, nil
}

// directRequest serves a request without any parent: NoProxy matches and
// PAC DIRECT verdicts land here.
func (p *Process) directRequest() fwCode {
	req := p.client.header
	if req.isConnect {
		return p.directConnect()
	}
	conn, err := dialDirect(req.hostPort)
	if err != nil {
		logError("%s => %#s", p.logPrefix, err)
		_ = p.client.badGateway("direct connection failed")
		return fwDone
	}
	origin := NewChannel(NewTimedConn(conn))
	defer func() { _ = origin.Close() }()

	if err := p.writeOriginRequest(origin, req); err != nil {
		logError("%s => %#s", p.logPrefix, err)
		_ = p.client.badGateway("direct request failed")
		return fwDone
	}
	if _, err := relayBody(p.client, origin, req.framing, req.contentLength); err != nil {
		logError("%s => %#s", p.logPrefix, err)
		return fwAbort
	}
	if debug {
		origin.prefix = fmt.Sprintf("(%d) S<", p.reqId)
	}
	if err := origin.ReadResponse(req.method); err != nil {
		logError("%s => %#s", p.logPrefix, err)
		_ = p.client.badGateway("direct response failed")
		return fwDone
	}
	resp := origin.header
	keepAlive := req.keepAlive && resp.keepAlive
	if err := p.relayResponse(origin, resp, keepAlive); err != nil {
		return fwAbort
	}
	if !keepAlive {
		return fwDone
	}
	return p.readNextRequest()
}

// writeOriginRequest sends the request in origin-form, the way a plain
// server expects it.
func (p *Process) writeOriginRequest(origin *Channel, req *Preamble) error {
	if debug {
		origin.prefix = fmt.Sprintf("(%d) S>", p.reqId)
	}
	uri := req.relativeURI
	if uri == "" {
		uri = "/"
	}
	if err := origin.writeRequestLine(req.method, uri, req.version); err != nil {
		return err // no wrap
	}
	subs := p.d.config.Headers
	replaced := make(map[string]bool, len(subs))
	for _, line := range req.lines[1:] {
		if isHopByHop(line) {
			continue
		}
		if sub := matchSub(line, subs); sub != nil {
			if !replaced[strings.ToLower(sub.Name)] {
				replaced[strings.ToLower(sub.Name)] = true
				if err := origin.writeHeader(sub.Name, sub.Value); err != nil {
					return err // no wrap
				}
			}
			continue
		}
		if err := origin.writeHeaderLine(line); err != nil {
			return err // no wrap
		}
	}
	for _, sub := range subs {
		if !replaced[strings.ToLower(sub.Name)] {
			if err := origin.writeHeader(sub.Name, sub.Value); err != nil {
				return err // no wrap
			}
		}
	}
	if req.framing == FramingChunked {
		if err := origin.writeHeader("Transfer-Encoding", "chunked"); err != nil {
			return err // no wrap
		}
	}
	if err := origin.writeKeepAlive(req.keepAlive, false); err != nil {
		return err // no wrap
	}
	return origin.closeHeader()
}

// directConnect answers the CONNECT itself and splices the two sockets.
func (p *Process) directConnect() fwCode {
	req := p.client.header
	conn, err := dialDirect(req.hostPort)
	if err != nil {
		logError("%s => %#s", p.logPrefix, err)
		_ = p.client.badGateway("direct connection failed")
		return fwDone
	}
	origin := NewChannel(NewTimedConn(conn))
	if err := p.client.writeStatusLine(req.version, 200, "Connection established"); err != nil {
		_ = origin.Close()
		return fwAbort
	}
	if err := p.client.closeHeader(); err != nil {
		_ = origin.Close()
		return fwAbort
	}
	runPipe(p.client, origin)
	return fwDone
}

// directTunnel serves a fixed tunnel whose target matched NoProxy.
func (p *Process) directTunnel(target string) {
	conn, err := dialDirect(target)
	if err != nil {
		logError("(%d) tunnel %s => %#s", p.reqId, target, err)
		return
	}
	runPipe(p.client, NewChannel(NewTimedConn(conn)))
}
