package tlmx

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/palantir/stacktrace"
)

// Framing describes how a message body is delimited on the wire.
type Framing int

const (
	FramingUntilClose Framing = iota
	FramingNone
	FramingLength
	FramingChunked
)

type HttpVersion string

const (
	Http10 HttpVersion = "1.0"
	Http11 HttpVersion = "1.1"
)

func httpVersion(s string) HttpVersion {
	if strings.HasSuffix(s, "/1.1") {
		return Http11
	}
	return Http10
}

// hop-by-hop headers are stripped before forwarding and regenerated
var hopByHop = []string{
	"connection",
	"proxy-connection",
	"keep-alive",
	"proxy-authorization",
	"proxy-authenticate",
	"te",
	"trailers",
	"transfer-encoding",
	"upgrade",
}

func isHopByHop(line string) bool {
	lower := strings.ToLower(line)
	for _, h := range hopByHop {
		if strings.HasPrefix(lower, h+":") {
			return true
		}
	}
	return false
}

// HeaderSub is an operator-configured header substitution.
type HeaderSub struct {
	Name  string
	Value string
}

// Preamble is a parsed request or response head: the raw lines in their
// original order plus everything derived from them.
type Preamble struct {
	lines []string

	// request line
	method      string
	uri         string
	relativeURI string
	isConnect   bool
	host        string
	port        int
	hostPort    string
	version     HttpVersion

	// response line
	status int
	reason string

	// derived from headers
	keepAlive         bool
	isProxyConnection bool
	contentLength     int64
	framing           Framing
}

// Channel is one side of an exchange. Reads serve bytes buffered past the
// last preamble before touching the socket, so body framing is preserved
// even when the preamble read overshoots.
type Channel struct {
	conn     *TimedConn
	header   *Preamble
	leftover []byte
	prefix   string
}

func NewChannel(conn *TimedConn) *Channel {
	return &Channel{conn: conn}
}

func (ch *Channel) Read(p []byte) (int, error) {
	if len(ch.leftover) > 0 {
		n := copy(p, ch.leftover)
		ch.leftover = ch.leftover[n:]
		return n, nil
	}
	return ch.conn.Read(p)
}

func (ch *Channel) Write(p []byte) (int, error) {
	return ch.conn.Write(p)
}

func (ch *Channel) Close() error {
	return ch.conn.Close()
}

// readLines accumulates bytes until the blank line ending the preamble,
// keeping any overshoot for the body reader.
func (ch *Channel) readLines() ([]string, error) {
	buffer := make([]byte, 0, 4096)
	chunk := make([]byte, 2048)
	end := -1
	for end < 0 {
		n, err := ch.Read(chunk)
		if n > 0 {
			buffer = append(buffer, chunk[:n]...)
			end = preambleEnd(buffer)
		}
		if err != nil {
			if len(buffer) == 0 {
				return nil, stacktrace.PropagateWithCode(err, EcClientIO, "connection closed before headers")
			}
			if end < 0 {
				return nil, stacktrace.PropagateWithCode(err, EcProtocol, "connection closed inside headers")
			}
		}
		if end < 0 && len(buffer) > HEADER_MAX_SIZE {
			return nil, stacktrace.NewErrorWithCode(EcProtocol, "headers exceed %d bytes", HEADER_MAX_SIZE)
		}
	}
	ch.leftover = append(buffer[end:], ch.leftover...)

	var lines []string
	for _, raw := range strings.Split(string(buffer[:end]), "\n") {
		line := strings.TrimSuffix(raw, "\r")
		if line == "" {
			continue
		}
		// continuation lines fold into the previous value
		if (line[0] == ' ' || line[0] == '\t') && len(lines) > 0 {
			lines[len(lines)-1] += " " + strings.TrimLeft(line, " \t")
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return nil, stacktrace.NewErrorWithCode(EcProtocol, "empty preamble")
	}
	return lines, nil
}

// preambleEnd returns the index just past the header-terminating blank
// line, or -1 when it is not in the buffer yet.
func preambleEnd(b []byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == '\n' {
			if b[i+1] == '\n' {
				return i + 2
			}
			if b[i+1] == '\r' && i+2 < len(b) && b[i+2] == '\n' {
				return i + 3
			}
		}
	}
	return -1
}

// ReadRequest reads and parses a client request preamble.
func (ch *Channel) ReadRequest() error {
	lines, err := ch.readLines()
	if err != nil {
		return err // no wrap
	}
	ch.logLines(lines)
	h := &Preamble{lines: lines}
	if err := h.parseRequestLine(); err != nil {
		return err // no wrap
	}
	h.parseHeaders(true, "")
	ch.header = h
	if h.host == "" {
		// origin-form request line, the Host header carries the target
		if v := ch.findHeader("host"); v != nil {
			host, sport := splitHostPort(*v, "", "80", false)
			h.host = host
			h.port, _ = strconv.Atoi(sport)
			h.hostPort = host + ":" + sport
			if h.relativeURI == "" {
				h.relativeURI = h.uri
			}
		}
	}
	return nil
}

// ReadResponse reads and parses a response preamble; the request method
// participates in body framing (HEAD responses carry none).
func (ch *Channel) ReadResponse(reqMethod string) error {
	lines, err := ch.readLines()
	if err != nil {
		return err // no wrap
	}
	ch.logLines(lines)
	h := &Preamble{lines: lines}
	if err := h.parseResponseLine(); err != nil {
		return err // no wrap
	}
	h.parseHeaders(false, reqMethod)
	ch.header = h
	return nil
}

func (ch *Channel) logLines(lines []string) {
	if ch.prefix == "" {
		return
	}
	for _, line := range lines {
		logHeader("%s %s", ch.prefix, line)
	}
}

func (h *Preamble) parseRequestLine() error {
	parts := strings.Split(h.lines[0], " ")
	if len(parts) != 3 {
		return stacktrace.NewErrorWithCode(EcProtocol, "invalid request line, expecting 'METHOD URL VERSION': %v", h.lines[0])
	}
	h.method = parts[0]
	h.uri = parts[1]
	h.version = httpVersion(parts[2])
	if strings.EqualFold(h.method, "CONNECT") {
		h.isConnect = true
		host, sport := splitHostPort(h.uri, "", "443", false)
		port, err := strconv.Atoi(sport)
		if err != nil || host == "" {
			return stacktrace.NewErrorWithCode(EcProtocol, "invalid request line, expecting 'CONNECT host[:port] VERSION': %v", h.lines[0])
		}
		h.host = host
		h.port = port
	} else {
		u, err := url.Parse(h.uri)
		if err != nil {
			return stacktrace.PropagateWithCode(err, EcProtocol, "invalid request url: %v", h.lines[0])
		}
		defPort := "80"
		if strings.EqualFold(u.Scheme, "https") {
			defPort = "443"
		}
		host, sport := splitHostPort(u.Host, "", defPort, false)
		h.host = host
		h.port, _ = strconv.Atoi(sport)
		h.relativeURI = u.RequestURI()
	}
	h.hostPort = h.host + ":" + strconv.Itoa(h.port)
	return nil
}

func (h *Preamble) parseResponseLine() error {
	parts := strings.SplitN(h.lines[0], " ", 3)
	if len(parts) < 2 {
		return stacktrace.NewErrorWithCode(EcProtocol, "invalid response line, expecting 'VERSION STATUS REASON': %v", h.lines[0])
	}
	h.version = httpVersion(parts[0])
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return stacktrace.PropagateWithCode(err, EcProtocol, "invalid response status: %v", h.lines[0])
	}
	h.status = status
	if len(parts) == 3 {
		h.reason = parts[2]
	}
	return nil
}

// parseHeaders derives keep-alive and body framing. Precedence per
// HTTP/1.1: chunked dominates, then Content-Length, then statuses defined
// to be bodyless, then read-until-close for responses.
func (h *Preamble) parseHeaders(isRequest bool, reqMethod string) {
	h.keepAlive = h.version == Http11
	h.contentLength = -1
	chunked := false
	for _, line := range h.lines[1:] {
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "content-length:"):
			v, err := strconv.ParseInt(strings.TrimSpace(lower[len("content-length:"):]), 10, 64)
			if err == nil && v >= 0 && h.contentLength < 0 {
				h.contentLength = v
			}
		case strings.HasPrefix(lower, "transfer-encoding:"):
			if strings.Contains(lower, "chunked") {
				chunked = true
			}
		case strings.HasPrefix(lower, "proxy-connection:"):
			h.isProxyConnection = true
			fallthrough
		case strings.HasPrefix(lower, "connection:"):
			if strings.Contains(lower, "close") {
				h.keepAlive = false
			} else if strings.Contains(lower, "keep-alive") {
				h.keepAlive = true
			}
		}
	}
	switch {
	case chunked:
		h.framing = FramingChunked
	case h.contentLength >= 0:
		h.framing = FramingLength
	case isRequest:
		h.framing = FramingNone
	case h.status < 200 || h.status == 204 || h.status == 304 || strings.EqualFold(reqMethod, "HEAD"):
		h.framing = FramingNone
	case strings.EqualFold(reqMethod, "CONNECT") && h.status < 300:
		// a successful CONNECT switches to tunneling, there is no body
		h.framing = FramingNone
	default:
		h.framing = FramingUntilClose
	}
	if h.framing == FramingUntilClose {
		h.keepAlive = false
	}
}

// findHeader returns the trimmed value of the first header with the given
// name, folding case, or nil.
func (ch *Channel) findHeader(name string) *string {
	for _, line := range ch.header.lines[1:] {
		kv := strings.SplitN(line, ":", 2)
		if len(kv) == 2 && strings.EqualFold(strings.TrimSpace(kv[0]), name) {
			val := strings.TrimSpace(kv[1])
			return &val
		}
	}
	return nil
}

func (ch *Channel) writeHeaderLine(line string) error {
	if ch.prefix != "" && line != "" {
		logHeader("%s %s", ch.prefix, line)
	}
	_, err := ch.conn.Write([]byte(line + "\r\n"))
	return err // no wrap
}

func (ch *Channel) writeHeader(key, val string) error {
	return ch.writeHeaderLine(key + ": " + val)
}

func (ch *Channel) writeRequestLine(method, uri string, version HttpVersion) error {
	return ch.writeHeaderLine(fmt.Sprintf("%s %s HTTP/%s", method, uri, version))
}

func (ch *Channel) writeStatusLine(version HttpVersion, status int, reason string) error {
	return ch.writeHeaderLine(fmt.Sprintf("HTTP/%s %d %s", version, status, reason))
}

func (ch *Channel) closeHeader() error {
	return ch.writeHeaderLine("")
}

// writeHeaders forwards the parsed header lines minus hop-by-hop entries,
// then applies the operator substitutions: existing names are replaced,
// new ones appended.
func (ch *Channel) writeHeaders(src *Preamble, subs []HeaderSub) error {
	replaced := make(map[string]bool, len(subs))
	for _, line := range src.lines[1:] {
		if isHopByHop(line) {
			continue
		}
		sub := matchSub(line, subs)
		if sub != nil {
			if !replaced[strings.ToLower(sub.Name)] {
				replaced[strings.ToLower(sub.Name)] = true
				if err := ch.writeHeader(sub.Name, sub.Value); err != nil {
					return err // no wrap
				}
			}
			continue
		}
		if err := ch.writeHeaderLine(line); err != nil {
			return err // no wrap
		}
	}
	for _, sub := range subs {
		if !replaced[strings.ToLower(sub.Name)] {
			if err := ch.writeHeader(sub.Name, sub.Value); err != nil {
				return err // no wrap
			}
		}
	}
	if src.framing == FramingChunked {
		if err := ch.writeHeader("Transfer-Encoding", "chunked"); err != nil {
			return err // no wrap
		}
	}
	return nil
}

func matchSub(line string, subs []HeaderSub) *HeaderSub {
	kv := strings.SplitN(line, ":", 2)
	if len(kv) != 2 {
		return nil
	}
	name := strings.TrimSpace(kv[0])
	for i := range subs {
		if strings.EqualFold(subs[i].Name, name) {
			return &subs[i]
		}
	}
	return nil
}

func (ch *Channel) writeKeepAlive(keepAlive bool, asProxy bool) error {
	header := "Connection"
	if asProxy {
		header = "Proxy-Connection"
	}
	if keepAlive {
		return ch.writeHeader(header, "keep-alive")
	}
	return ch.writeHeader(header, "close")
}

// canned client replies

func (ch *Channel) writeContent(status int, reason, body string) error {
	if err := ch.writeStatusLine(Http10, status, reason); err != nil {
		return err // no wrap
	}
	if err := ch.writeHeader("Content-Type", "text/plain"); err != nil {
		return err // no wrap
	}
	if err := ch.writeHeader("Content-Length", strconv.Itoa(len(body))); err != nil {
		return err // no wrap
	}
	if err := ch.writeKeepAlive(false, false); err != nil {
		return err // no wrap
	}
	if err := ch.closeHeader(); err != nil {
		return err // no wrap
	}
	_, err := ch.conn.Write([]byte(body))
	return err // no wrap
}

func (ch *Channel) badRequest() error {
	return ch.writeContent(400, "Bad Request", "Bad Request\n")
}

func (ch *Channel) badGateway(detail string) error {
	return ch.writeContent(502, "Bad Gateway", "Bad Gateway: "+detail+"\n")
}

// requireBasicAuth asks the client for credentials when NTLM-to-basic
// bridging is enabled and no Proxy-Authorization was offered.
func (ch *Channel) requireBasicAuth() error {
	if err := ch.writeStatusLine(Http10, 407, "Proxy Authentication Required"); err != nil {
		return err // no wrap
	}
	if err := ch.writeHeader("Proxy-Authenticate", fmt.Sprintf("Basic realm=\"%s, use DOMAIN\\USERNAME or USERNAME@DOMAIN\"", AppName)); err != nil {
		return err // no wrap
	}
	if err := ch.writeHeader("Content-Length", "0"); err != nil {
		return err // no wrap
	}
	if err := ch.writeKeepAlive(false, false); err != nil {
		return err // no wrap
	}
	return ch.closeHeader()
}
