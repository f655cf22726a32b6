package tlmx

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/palantir/stacktrace"
)

// exchange runs one request/response pair against a leased parent
// connection. stale reports that the failure smells like a pooled
// connection the parent closed, so the caller may retry on a fresh one.
func (p *Process) exchange(pc *PooledConn, pp *ParentProxy, creds *Credentials) (code fwCode, stale bool, err error) {
	upstream := NewChannel(NewTimedConn(pc.conn))
	req := p.client.header
	if debug {
		upstream.prefix = fmt.Sprintf("(%d) P>", p.reqId)
	}
	if req.isConnect {
		return p.connectExchange(upstream, pc, pp, creds)
	}
	return p.requestExchange(upstream, pc, pp, creds)
}

// requestExchange forwards a regular method through the parent,
// performing the NTLM dance first when this is the first request on a
// fresh connection.
func (p *Process) requestExchange(upstream *Channel, pc *PooledConn, pp *ParentProxy, creds *Credentials) (fwCode, bool, error) {
	req := p.client.header
	needAuth := pc.state == StateFresh && creds != nil

	var auth *string
	if needAuth && creds.HasKrb {
		value, err := p.d.gss.Negotiate(pp.Hostname)
		if err != nil {
			return fwDone, false, err // no wrap
		}
		auth = &value
	} else if needAuth {
		// Authenticating: probe with Type-1, parse the challenge, answer
		// with Type-3 on the same TCP connection
		earlyResp, type3, stale, err := p.ntlmProbe(upstream, req, creds)
		if err != nil {
			return fwDone, stale, err // no wrap
		}
		if earlyResp != nil {
			// the parent answered without demanding authentication; the
			// probe announced an empty body, so a bodied request cannot
			// be salvaged on this connection
			if req.framing != FramingNone {
				return fwDone, false, stacktrace.NewErrorWithCode(EcProtocol, "parent answered the negotiate probe of a request with a body")
			}
			pc.state = StateAuthenticated
			return p.finishExchange(upstream, pc, earlyResp)
		}
		auth = &type3
	}

	if err := p.writeUpstreamRequest(upstream, req, auth, false); err != nil {
		return fwDone, !needAuth, stacktrace.PropagateWithCode(err, EcUpstreamIO, "forwarding request failed")
	}
	if _, err := relayBody(p.client, upstream, req.framing, req.contentLength); err != nil {
		return fwDone, false, err // no wrap
	}
	if debug {
		upstream.prefix = fmt.Sprintf("(%d) P<", p.reqId)
	}
	if err := upstream.ReadResponse(req.method); err != nil {
		return fwDone, !needAuth, stacktrace.PropagateWithCode(err, EcUpstreamIO, "reading response failed")
	}
	if needAuth && upstream.header.status == 407 {
		// credentials rejected after Type-3; the 407 is relayed untouched
		logError("%s => parent %s rejected the credentials", p.logPrefix, pp)
	} else if needAuth {
		pc.state = StateAuthenticated
	}
	return p.finishExchange(upstream, pc, upstream.header)
}

// finishExchange relays the response in hand and decides the loop verdict.
func (p *Process) finishExchange(upstream *Channel, pc *PooledConn, resp *Preamble) (fwCode, bool, error) {
	req := p.client.header
	keepAlive := req.keepAlive && resp.keepAlive
	if err := p.relayResponse(upstream, resp, keepAlive); err != nil {
		p.d.pool.release(pc, StateDirty)
		return fwAbort, false, nil // client went away, terminate silently
	}
	if resp.keepAlive && pc.state == StateAuthenticated && pc.parent >= 0 {
		p.d.pool.release(pc, StateAuthenticated)
	} else {
		p.d.pool.release(pc, StateDirty)
	}
	if !keepAlive {
		return fwDone, false, nil
	}
	return p.readNextRequest(), false, nil
}

// ntlmProbe sends the request once with a Type-1 negotiate and collects
// the Type-3 answer to the challenge. A body, if any, stays with the
// client until the authenticated resend. When the parent answers without
// a 407 the response is returned as-is.
func (p *Process) ntlmProbe(upstream *Channel, req *Preamble, creds *Credentials) (earlyResp *Preamble, type3 string, stale bool, err error) {
	negotiate := "NTLM " + base64.StdEncoding.EncodeToString(BuildNegotiate(creds))
	if err := p.writeUpstreamRequest(upstream, req, &negotiate, true); err != nil {
		return nil, "", true, stacktrace.PropagateWithCode(err, EcUpstreamIO, "sending negotiate failed")
	}
	if debug {
		upstream.prefix = fmt.Sprintf("(%d) P<", p.reqId)
	}
	if err := upstream.ReadResponse(req.method); err != nil {
		return nil, "", true, stacktrace.PropagateWithCode(err, EcUpstreamIO, "reading challenge failed")
	}
	resp := upstream.header
	if resp.status != 407 {
		return resp, "", false, nil
	}
	challenge, err := parseChallengeHeader(upstream)
	if err != nil {
		return nil, "", false, err // no wrap
	}
	// the 407 body must be drained before the connection is reused
	if err := discardBody(upstream, resp.framing, resp.contentLength); err != nil {
		return nil, "", false, err // no wrap
	}
	authenticate, err := BuildAuthenticate(creds, challenge)
	if err != nil {
		return nil, "", false, err // no wrap
	}
	return nil, "NTLM " + base64.StdEncoding.EncodeToString(authenticate), false, nil
}

// parseChallengeHeader extracts and decodes the Type-2 message from a 407.
func parseChallengeHeader(upstream *Channel) (*Challenge, error) {
	value := upstream.findHeader("proxy-authenticate")
	if value == nil || !strings.HasPrefix(strings.ToUpper(*value), "NTLM") {
		return nil, stacktrace.NewErrorWithCode(EcAuthFailed, "the parent proxy does not offer NTLM authentication")
	}
	parts := strings.SplitN(*value, " ", 2)
	if len(parts) != 2 {
		return nil, stacktrace.NewErrorWithCode(EcProtocol, "parent sent an NTLM challenge without a token")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, stacktrace.PropagateWithCode(err, EcProtocol, "undecodable NTLM challenge")
	}
	return ParseChallenge(raw)
}

// writeUpstreamRequest emits the request preamble towards the parent:
// absolute URI, hop-by-hop headers dropped, operator substitutions
// applied, fresh Proxy-Authorization and Proxy-Connection. In probe mode
// a body is announced as empty so it is not spent on the negotiate round.
func (p *Process) writeUpstreamRequest(upstream *Channel, req *Preamble, auth *string, probe bool) error {
	if debug {
		upstream.prefix = fmt.Sprintf("(%d) P>", p.reqId)
	}
	if err := upstream.writeRequestLine(req.method, req.uri, req.version); err != nil {
		return err // no wrap
	}
	subs := p.d.config.Headers
	replaced := make(map[string]bool, len(subs))
	hasBody := req.framing != FramingNone
	for _, line := range req.lines[1:] {
		if isHopByHop(line) {
			continue
		}
		lower := strings.ToLower(line)
		if probe && hasBody && strings.HasPrefix(lower, "content-length:") {
			continue
		}
		if sub := matchSub(line, subs); sub != nil {
			if !replaced[strings.ToLower(sub.Name)] {
				replaced[strings.ToLower(sub.Name)] = true
				if err := upstream.writeHeader(sub.Name, sub.Value); err != nil {
					return err // no wrap
				}
			}
			continue
		}
		if err := upstream.writeHeaderLine(line); err != nil {
			return err // no wrap
		}
	}
	for _, sub := range subs {
		if !replaced[strings.ToLower(sub.Name)] {
			if err := upstream.writeHeader(sub.Name, sub.Value); err != nil {
				return err // no wrap
			}
		}
	}
	switch {
	case probe && hasBody:
		if err := upstream.writeHeader("Content-Length", "0"); err != nil {
			return err // no wrap
		}
	case !probe && req.framing == FramingChunked:
		if err := upstream.writeHeader("Transfer-Encoding", "chunked"); err != nil {
			return err // no wrap
		}
	}
	if auth != nil {
		if err := upstream.writeHeader("Proxy-Authorization", *auth); err != nil {
			return err // no wrap
		}
	}
	keepAlive := req.keepAlive || probe
	if err := upstream.writeKeepAlive(keepAlive, true); err != nil {
		return err // no wrap
	}
	return upstream.closeHeader()
}

// relayResponse forwards the response preamble and body to the client,
// stripping hop-by-hop headers and regenerating the connection token.
func (p *Process) relayResponse(upstream *Channel, resp *Preamble, keepAlive bool) error {
	if debug {
		p.client.prefix = fmt.Sprintf("(%d) C>", p.reqId)
	}
	prefetched := p.scannerPrefetch(upstream, resp)
	if err := p.client.writeHeaderLine(resp.lines[0]); err != nil {
		return err // no wrap
	}
	if err := p.client.writeHeaders(resp, nil); err != nil {
		return err // no wrap
	}
	if !p.client.header.isConnect {
		if err := p.client.writeKeepAlive(keepAlive, p.client.header.isProxyConnection); err != nil {
			return err // no wrap
		}
	}
	if err := p.client.closeHeader(); err != nil {
		return err // no wrap
	}
	if prefetched != nil {
		_, err := p.client.Write(prefetched)
		return err // no wrap
	}
	_, err := relayBody(upstream, p.client, resp.framing, resp.contentLength)
	return err // no wrap
}

// scannerPrefetch is the ISA scanner escape hatch: for matching
// User-Agents and small enough bodies, the content is fetched in full
// before the client sees any headers.
func (p *Process) scannerPrefetch(upstream *Channel, resp *Preamble) []byte {
	conf := p.d.config
	if conf.ScannerMax == 0 || len(conf.ScannerAgents) == 0 {
		return nil
	}
	if resp.framing != FramingLength || resp.contentLength == 0 || resp.contentLength > conf.ScannerMax {
		return nil
	}
	agent := p.client.findHeader("user-agent")
	if agent == nil || !p.d.scannerAgents.match(*agent) {
		return nil
	}
	var buf bytes.Buffer
	if _, err := relayBody(upstream, &buf, resp.framing, resp.contentLength); err != nil {
		logError("%s => scanner prefetch: %#s", p.logPrefix, err)
		return nil
	}
	logDebug("%s => scanner prefetched %s", p.logPrefix, humanize.Bytes(uint64(buf.Len())))
	return buf.Bytes()
}

// connectExchange serves a client CONNECT through the parent and, on 200,
// switches to the bidirectional tunnel.
func (p *Process) connectExchange(upstream *Channel, pc *PooledConn, pp *ParentProxy, creds *Credentials) (fwCode, bool, error) {
	req := p.client.header
	resp, err := p.connectViaParent(upstream, pp, req.hostPort, creds)
	if err != nil {
		if resp != nil && stacktrace.GetCode(err) == EcAuthFailed {
			// credentials rejected: the client sees the 407 preamble, then
			// the caller aborts the connection
			_ = p.client.writeHeaderLine(resp.lines[0])
			_ = p.client.writeHeaders(resp, nil)
			_ = p.client.closeHeader()
		}
		return fwDone, false, err // no wrap
	}
	keep := resp.status == 200
	if err := p.relayResponse(upstream, resp, keep); err != nil {
		p.d.pool.release(pc, StateDirty)
		return fwAbort, false, nil
	}
	if !keep {
		p.d.pool.release(pc, StateDirty)
		return fwAbort, false, nil
	}
	// Relaying: full duplex until either side closes
	runPipe(p.client, upstream)
	pc.state = StateDirty
	return fwDone, false, nil
}

// connectViaParent issues CONNECT towards the parent on a fresh
// connection, running the NTLM dance when needed. The final response is
// returned; for an intermediate 407 the body is consumed in full before
// the request is repeated on the same connection.
func (p *Process) connectViaParent(upstream *Channel, pp *ParentProxy, target string, creds *Credentials) (*Preamble, error) {
	if creds != nil && creds.HasKrb {
		value, err := p.d.gss.Negotiate(pp.Hostname)
		if err != nil {
			return nil, err // no wrap
		}
		if err := p.writeConnect(upstream, target, &value); err != nil {
			return nil, err // no wrap
		}
		if err := upstream.ReadResponse("CONNECT"); err != nil {
			return nil, stacktrace.PropagateWithCode(err, EcUpstreamIO, "reading CONNECT response failed")
		}
		return upstream.header, nil
	}

	var auth *string
	if creds != nil {
		negotiate := "NTLM " + base64.StdEncoding.EncodeToString(BuildNegotiate(creds))
		auth = &negotiate
	}
	if err := p.writeConnect(upstream, target, auth); err != nil {
		return nil, err // no wrap
	}
	if err := upstream.ReadResponse("CONNECT"); err != nil {
		return nil, stacktrace.PropagateWithCode(err, EcUpstreamIO, "reading CONNECT response failed")
	}
	if creds == nil || upstream.header.status != 407 {
		return upstream.header, nil
	}
	resp := upstream.header
	challenge, err := parseChallengeHeader(upstream)
	if err != nil {
		return nil, err // no wrap
	}
	if err := discardBody(upstream, resp.framing, resp.contentLength); err != nil {
		return nil, err // no wrap
	}
	authenticate, err := BuildAuthenticate(creds, challenge)
	if err != nil {
		return nil, err // no wrap
	}
	value := "NTLM " + base64.StdEncoding.EncodeToString(authenticate)
	if err := p.writeConnect(upstream, target, &value); err != nil {
		return nil, err // no wrap
	}
	if err := upstream.ReadResponse("CONNECT"); err != nil {
		return nil, stacktrace.PropagateWithCode(err, EcUpstreamIO, "reading CONNECT response failed")
	}
	if upstream.header.status == 407 {
		return upstream.header, stacktrace.NewErrorWithCode(EcAuthFailed, "parent %s rejected the credentials for CONNECT %s", pp, target)
	}
	return upstream.header, nil
}

func (p *Process) writeConnect(upstream *Channel, target string, auth *string) error {
	if debug {
		upstream.prefix = fmt.Sprintf("(%d) P>", p.reqId)
	}
	if err := upstream.writeRequestLine("CONNECT", target, Http11); err != nil {
		return stacktrace.PropagateWithCode(err, EcUpstreamIO, "sending CONNECT failed")
	}
	if err := upstream.writeHeader("Host", target); err != nil {
		return stacktrace.PropagateWithCode(err, EcUpstreamIO, "sending CONNECT failed")
	}
	if p.client != nil && p.client.header != nil && p.client.header.isConnect {
		if agent := p.client.findHeader("user-agent"); agent != nil {
			if err := upstream.writeHeader("User-Agent", *agent); err != nil {
				return stacktrace.PropagateWithCode(err, EcUpstreamIO, "sending CONNECT failed")
			}
		}
	}
	if auth != nil {
		if err := upstream.writeHeader("Proxy-Authorization", *auth); err != nil {
			return stacktrace.PropagateWithCode(err, EcUpstreamIO, "sending CONNECT failed")
		}
	}
	if err := upstream.writeKeepAlive(true, true); err != nil {
		return stacktrace.PropagateWithCode(err, EcUpstreamIO, "sending CONNECT failed")
	}
	if err := upstream.closeHeader(); err != nil {
		return stacktrace.PropagateWithCode(err, EcUpstreamIO, "sending CONNECT failed")
	}
	return nil
}
