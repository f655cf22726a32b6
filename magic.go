package tlmx

import (
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/palantir/stacktrace"
)

// magicDetect tries the known NTLM dialects against the first parent and
// prints which of them authenticate, so the operator can pick the most
// secure working profile for the config file.
func magicDetect(conf *Config, password string, testURL string) error {
	if len(conf.Parents) == 0 {
		return stacktrace.NewErrorWithCode(EcConfig, "parent proxy address missing")
	}
	if password == "" {
		return stacktrace.NewErrorWithCode(EcConfig, "autodetection requires the account password")
	}
	if !strings.Contains(testURL, "://") {
		testURL = "http://" + testURL
	}
	u, err := url.Parse(testURL)
	if err != nil || u.Host == "" {
		return stacktrace.NewErrorWithCode(EcConfig, "invalid test url %q", testURL)
	}
	pp, err := NewParentProxy(conf.Parents[0])
	if err != nil {
		return err // no wrap
	}

	modes := []string{"ntlmv2", "ntlm2sr", "nt", "ntlm", "lm"}
	logPrintf("[-] Probing parent %s with %s\n", pp, testURL)
	for i, mode := range modes {
		probeConf := *conf
		probeConf.Auth = mode
		probeConf.Password = password
		creds, err := NewCredentials(&probeConf)
		if err != nil {
			return err // no wrap
		}
		status, err := magicProbe(pp, creds, testURL, u.Host)
		switch {
		case err != nil:
			logPrintf("[-] Profile %d/%d: Auth %-8s failed: %s\n", i+1, len(modes), mode, err)
		case status == 407:
			logPrintf("[-] Profile %d/%d: Auth %-8s credentials rejected\n", i+1, len(modes), mode)
		default:
			logPrintf("[-] Profile %d/%d: Auth %-8s OK (HTTP code: %d)\n", i+1, len(modes), mode, status)
			logPrintf("    Auth            %s\n", mode)
		}
	}
	return nil
}

// magicProbe runs one full handshake for a single dialect and returns
// the final HTTP status.
func magicProbe(pp *ParentProxy, creds *Credentials, testURL, host string) (int, error) {
	conn, err := pp.dial()
	if err != nil {
		return 0, err // no wrap
	}
	ch := NewChannel(NewTimedConn(conn))
	defer func() { _ = ch.Close() }()
	ch.conn.setTimeout(DEFAULT_CONNECT_TIMEOUT)

	write := func(auth string) error {
		if err := ch.writeRequestLine("GET", testURL, Http11); err != nil {
			return stacktrace.PropagateWithCode(err, EcUpstreamIO, "sending probe failed")
		}
		if err := ch.writeHeader("Host", host); err != nil {
			return stacktrace.PropagateWithCode(err, EcUpstreamIO, "sending probe failed")
		}
		if err := ch.writeHeader("Proxy-Authorization", auth); err != nil {
			return stacktrace.PropagateWithCode(err, EcUpstreamIO, "sending probe failed")
		}
		if err := ch.writeKeepAlive(true, true); err != nil {
			return stacktrace.PropagateWithCode(err, EcUpstreamIO, "sending probe failed")
		}
		return ch.closeHeader()
	}
	if err := write("NTLM " + base64.StdEncoding.EncodeToString(BuildNegotiate(creds))); err != nil {
		return 0, err // no wrap
	}
	if err := ch.ReadResponse("GET"); err != nil {
		return 0, stacktrace.PropagateWithCode(err, EcUpstreamIO, "reading probe response failed")
	}
	if ch.header.status != 407 {
		return ch.header.status, nil
	}
	challenge, err := parseChallengeHeader(ch)
	if err != nil {
		return 0, err // no wrap
	}
	if err := discardBody(ch, ch.header.framing, ch.header.contentLength); err != nil {
		return 0, err // no wrap
	}
	authenticate, err := BuildAuthenticate(creds, challenge)
	if err != nil {
		return 0, err // no wrap
	}
	if err := write("NTLM " + base64.StdEncoding.EncodeToString(authenticate)); err != nil {
		return 0, err // no wrap
	}
	if err := ch.ReadResponse("GET"); err != nil {
		return 0, stacktrace.PropagateWithCode(err, EcUpstreamIO, "reading probe response failed")
	}
	return ch.header.status, nil
}
