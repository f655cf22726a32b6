package tlmx

import (
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/palantir/stacktrace"
)

// forwarder verdicts: what the per-connection loop does next
type fwCode int

const (
	fwDone fwCode = iota // loop ends cleanly
	fwContinue           // next request already read, serve it
	fwAbort              // close the client without further ado
	fwRebuild            // like fwContinue, but the PAC parent list must be recomputed
)

// Process serves one accepted connection. One worker per connection;
// everything it shares with others is either frozen config or the
// mutex-guarded pool/PAC engine.
type Process struct {
	d         *Dispatcher
	client    *Channel
	reqId     int32
	logPrefix string
}

func NewProcess(d *Dispatcher, conn net.Conn) *Process {
	reqId := d.newRequestId.Inc()
	ConfigureConn(conn)
	return &Process{
		d:      d,
		client: NewChannel(NewTimedConn(conn)),
		reqId:  reqId,
	}
}

// processHttp drives the keep-alive loop for a proxy client. Each round
// serves exactly one exchange; the forwarder reads the follow-up request
// itself when looping is warranted.
func (p *Process) processHttp() {
	defer func() { _ = p.client.Close() }()
	if err := p.client.ReadRequest(); err != nil {
		if stacktrace.GetCode(err) == EcProtocol {
			_ = p.client.badRequest()
		}
		return
	}
	for !p.d.stopping() {
		code := p.serveRequest()
		if code == fwDone || code == fwAbort {
			return
		}
		// fwContinue / fwRebuild: client.header holds the next request and
		// the parent list is recomputed per request below
	}
}

// serveRequest runs the per-request state machine: Deciding, Connecting,
// Authenticating, Relaying.
func (p *Process) serveRequest() fwCode {
	req := p.client.header
	p.logPrefix = fmt.Sprintf("(%d) %s %s", p.reqId, req.method, req.uri)
	logRequest("%s", p.logPrefix)
	if debug {
		p.client.prefix = fmt.Sprintf("(%d) C<", p.reqId)
		p.client.logLines(req.lines)
	}

	// NTLM-to-basic bridging replaces the global credentials with the
	// pair the client offered
	creds := p.d.creds
	if p.d.config.NTLMToBasic {
		var ok bool
		creds, ok = p.basicCredentials()
		if !ok {
			_ = p.client.requireBasicAuth()
			return fwDone
		}
	}

	// Deciding: NoProxy has the highest precedence
	if p.d.noProxy.match(req.host) {
		return p.directRequest()
	}

	// static parents, or a per-request list from the PAC verdict
	candidates, code := p.parentCandidates(req)
	if candidates == nil {
		return code
	}

	// Connecting: walk the candidates, remembering the first success
	for _, cand := range candidates {
		if cand.parent.Kind == KindDirect {
			return p.directRequest()
		}
		code, handled := p.tryParent(cand, creds)
		if handled {
			if cand.poolIdx >= 0 && code != fwAbort {
				p.d.parents.succeeded(cand.poolIdx)
			}
			return code
		}
	}
	logError("%s => no parent proxy accepted the connection", p.logPrefix)
	_ = p.client.badGateway("no parent proxy available")
	return fwDone
}

type parentCandidate struct {
	parent  *ParentProxy
	poolIdx int // -1 for PAC-derived parents, which are not pooled
}

// parentCandidates builds the attempt order for this request.
func (p *Process) parentCandidates(req *Preamble) ([]parentCandidate, fwCode) {
	if p.d.pac != nil {
		verdict, err := p.d.pac.FindProxy(req.uri, req.host)
		if err != nil {
			logError("%s => %#s", p.logPrefix, err)
			_ = p.client.badGateway("PAC evaluation failed")
			return nil, fwDone
		}
		parents := parsePacVerdict(verdict)
		if len(parents) == 0 {
			logError("%s => PAC verdict %q yields no usable proxy", p.logPrefix, verdict)
			_ = p.client.badGateway("PAC verdict unusable")
			return nil, fwDone
		}
		candidates := make([]parentCandidate, 0, len(parents))
		for _, pp := range parents {
			candidates = append(candidates, parentCandidate{parent: pp, poolIdx: -1})
		}
		return candidates, fwDone
	}
	order := p.d.parents.order()
	candidates := make([]parentCandidate, 0, len(order))
	for _, i := range order {
		candidates = append(candidates, parentCandidate{parent: p.d.parents.at(i), poolIdx: i})
	}
	return candidates, fwDone
}

// tryParent leases or dials a connection to one parent and runs the
// exchange. handled=false means connecting failed and the selector should
// advance; once the exchange is underway the verdict is final.
func (p *Process) tryParent(cand parentCandidate, creds *Credentials) (fwCode, bool) {
	// a reused connection may have been closed by the parent; retry once
	// on a fresh one
	for attempt := 0; attempt < 2; attempt++ {
		var pc *PooledConn
		reused := false
		// CONNECT streams become tunnels and are never pooled
		if cand.poolIdx >= 0 && attempt == 0 && !p.client.header.isConnect {
			pc = p.d.pool.lease(cand.poolIdx)
			reused = pc != nil
		}
		if pc == nil {
			conn, err := cand.parent.dial()
			if err != nil {
				logWarn("%s => dial %s: %#s", p.logPrefix, cand.parent, err)
				return fwDone, false
			}
			pc = p.d.pool.fresh(conn, cand.poolIdx)
		}
		code, stale, err := p.exchange(pc, cand.parent, creds)
		if err == nil {
			return code, true
		}
		p.d.pool.release(pc, StateDirty)
		if stale && reused {
			logDebug("%s => pooled connection was stale, retrying", p.logPrefix)
			continue
		}
		logError("%s => %#s", p.logPrefix, err)
		if stacktrace.GetCode(err) == EcAuthFailed {
			// credentials rejected by this parent; trying the next one
			// cannot help with the same credentials
			return fwAbort, true
		}
		_ = p.client.badGateway("upstream exchange failed")
		return fwDone, true
	}
	return fwDone, false
}

// basicCredentials decodes the client's Proxy-Authorization: Basic pair
// into per-request credentials.
func (p *Process) basicCredentials() (*Credentials, bool) {
	value := p.client.findHeader("proxy-authorization")
	if value == nil {
		return nil, false
	}
	parts := strings.SplitN(*value, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Basic") {
		return nil, false
	}
	decoded, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, false
	}
	pair := strings.SplitN(string(decoded), ":", 2)
	if len(pair) != 2 {
		return nil, false
	}
	return p.d.creds.withBasic(pair[0], pair[1]), true
}

// readNextRequest reads the follow-up request after a completed exchange.
func (p *Process) readNextRequest() fwCode {
	if err := p.client.ReadRequest(); err != nil {
		if stacktrace.GetCode(err) == EcProtocol {
			_ = p.client.badRequest()
			return fwAbort
		}
		return fwDone
	}
	if p.d.pac != nil {
		return fwRebuild
	}
	return fwContinue
}

// processTunnel serves one connection accepted on a fixed tunnel port.
func (p *Process) processTunnel(target string) {
	defer func() { _ = p.client.Close() }()
	host, _ := splitHostPort(target, "", "", false)
	logRequest("(%d) tunnel => %s", p.reqId, target)
	if p.d.noProxy.match(host) {
		p.directTunnel(target)
		return
	}
	upstream, err := p.openParentTunnel(target, p.d.creds)
	if err != nil {
		logError("(%d) tunnel %s => %#s", p.reqId, target, err)
		return
	}
	runPipe(p.client, upstream)
}

// openParentTunnel walks the parents and returns an established CONNECT
// stream to target, used by tunnel and SOCKS workers.
func (p *Process) openParentTunnel(target string, creds *Credentials) (*Channel, error) {
	var last error
	for _, i := range p.d.parents.order() {
		pp := p.d.parents.at(i)
		conn, err := pp.dial()
		if err != nil {
			last = err
			continue
		}
		upstream := NewChannel(NewTimedConn(conn))
		resp, err := p.connectViaParent(upstream, pp, target, creds)
		if err == nil && resp.status == 200 {
			p.d.parents.succeeded(i)
			return upstream, nil
		}
		_ = conn.Close()
		if err != nil {
			last = err
		} else {
			last = stacktrace.NewErrorWithCode(EcConnect, "parent %s refused CONNECT %s: %d %s", pp, target, resp.status, resp.reason)
		}
	}
	if last == nil {
		last = stacktrace.NewErrorWithCode(EcConnect, "no parent proxy configured")
	}
	return nil, last // no wrap
}

// runPipe bridges two sockets full duplex until either side closes.
func runPipe(a, b io.ReadWriteCloser) {
	tunnel := NewTunnel(a, b)
	tunnel.Run()
}
