package tlmx

import (
	"encoding/hex"
	"net"
	"regexp"
	"strings"

	"github.com/palantir/stacktrace"
)

// error taxonomy codes, attached with stacktrace.NewErrorWithCode so the
// worker top-level can pick the right client reply
const (
	EcConfig = stacktrace.ErrorCode(iota)
	EcResolve
	EcConnect
	EcAuthFailed
	EcUpstreamIO
	EcClientIO
	EcProtocol
)

// splitUsername splits 'user@domain' or 'DOMAIN\user' into its parts.
func splitUsername(username string) (string, string) {
	if strings.Contains(username, `\`) {
		p := strings.LastIndex(username, `\`)
		return username[p+1:], strings.ToUpper(username[:p])
	}
	if strings.Contains(username, "@") {
		p := strings.LastIndex(username, "@")
		return username[:p], strings.ToUpper(username[p+1:])
	}
	return username, ""
}

// splitHostPort splits 'host:port', applying defaults for missing parts.
// With portFirst, a lone value is a port ('8080'), otherwise a host.
func splitHostPort(hostPort, defaultHost, defaultPort string, portFirst bool) (string, string) {
	hp := strings.SplitN(hostPort, ":", 2)
	var host, port string
	if len(hp) == 1 {
		if portFirst {
			port = hp[0]
		} else {
			host = hp[0]
		}
	} else {
		host = hp[0]
		port = hp[1]
	}
	host = strings.TrimSpace(host)
	port = strings.TrimSpace(port)
	if host == "" {
		host = defaultHost
	}
	if port == "" {
		port = defaultPort
	}
	return host, port
}

// parseHash decodes a hex hash string into exactly size bytes.
func parseHash(s string, size int) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, stacktrace.PropagateWithCode(err, EcConfig, "invalid hash %q", s)
	}
	if len(b) != size {
		return nil, stacktrace.NewErrorWithCode(EcConfig, "invalid hash %q: expected %d bytes, got %d", s, size, len(b))
	}
	return b, nil
}

// printMem formats a hash slot the way it appears in a config file.
func printMem(b []byte) string {
	return hex.EncodeToString(b)
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// wildRegex compiles a shell-style wildcard ('*.local', 'intra?.corp') to
// an anchored regexp, '|' separating alternatives.
func wildRegex(pattern string) (*regexp.Regexp, error) {
	regex := strings.ReplaceAll(pattern, ".", `\.`)
	regex = strings.ReplaceAll(regex, "*", ".*")
	regex = strings.ReplaceAll(regex, "?", ".")
	regex = "(?i)^" + strings.ReplaceAll(regex, "|", "$|^") + "$"
	compiled, err := regexp.Compile(regex)
	if err != nil {
		return nil, stacktrace.PropagateWithCode(err, EcConfig, "unable to compile pattern %q", pattern)
	}
	return compiled, nil
}

// ConfigureConn enables keep-alive probing so dead peers are noticed.
func ConfigureConn(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetNoDelay(true)
	}
}
