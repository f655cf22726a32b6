package tlmx

import (
	"crypto/subtle"

	"github.com/txthinking/socks5"
)

// processSocks serves one SOCKS5 client: method negotiation, optional
// username/password subnegotiation, then CONNECT bridged either directly
// or through an authenticated parent tunnel.
func (p *Process) processSocks() {
	defer func() { _ = p.client.Close() }()

	negotiation, err := socks5.NewNegotiationRequestFrom(p.client)
	if err != nil {
		return
	}
	open := len(p.d.config.SocksUsers) == 0
	method := socks5.MethodUnsupportAll
	for _, offered := range negotiation.Methods {
		if open && offered == socks5.MethodNone {
			method = socks5.MethodNone
			break
		}
	}
	if method == socks5.MethodUnsupportAll && !open {
		for _, offered := range negotiation.Methods {
			if offered == socks5.MethodUsernamePassword {
				method = socks5.MethodUsernamePassword
				break
			}
		}
	}
	if _, err := socks5.NewNegotiationReply(method).WriteTo(p.client); err != nil {
		return
	}
	if method == socks5.MethodUnsupportAll {
		return
	}

	if method == socks5.MethodUsernamePassword {
		userpass, err := socks5.NewUserPassNegotiationRequestFrom(p.client)
		if err != nil {
			return
		}
		status := byte(socks5.UserPassStatusFailure)
		if p.checkSocksUser(string(userpass.Uname), string(userpass.Passwd)) {
			status = socks5.UserPassStatusSuccess
		}
		if _, err := socks5.NewUserPassNegotiationReply(status).WriteTo(p.client); err != nil {
			return
		}
		if status != socks5.UserPassStatusSuccess {
			return
		}
	}

	request, err := socks5.NewRequestFrom(p.client)
	if err != nil {
		return
	}
	if request.Cmd != socks5.CmdConnect {
		p.socksReply(socks5.RepCommandNotSupported)
		return
	}
	if request.Atyp != socks5.ATYPIPv4 && request.Atyp != socks5.ATYPDomain {
		p.socksReply(socks5.RepAddressNotSupported)
		return
	}
	target := request.Address()
	host, _ := splitHostPort(target, "", "", false)
	logRequest("(%d) socks => %s", p.reqId, target)

	if p.d.noProxy.match(host) {
		conn, err := dialDirect(target)
		if err != nil {
			logError("(%d) socks %s => %#s", p.reqId, target, err)
			p.socksReply(socks5.RepHostUnreachable)
			return
		}
		p.socksReply(socks5.RepSuccess)
		runPipe(p.client, NewChannel(NewTimedConn(conn)))
		return
	}

	upstream, err := p.openParentTunnel(target, p.d.creds)
	if err != nil {
		logError("(%d) socks %s => %#s", p.reqId, target, err)
		p.socksReply(socks5.RepHostUnreachable)
		return
	}
	p.socksReply(socks5.RepSuccess)
	runPipe(p.client, upstream)
}

// checkSocksUser compares the offered pair against the configured map in
// constant time, so a timing probe does not leak password prefixes.
func (p *Process) checkSocksUser(user, password string) bool {
	expected, ok := p.d.config.SocksUsers[user]
	if !ok {
		// burn comparable time on a dummy comparison
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(password)) == 1
}

func (p *Process) socksReply(rep byte) {
	reply := socks5.NewReply(rep, socks5.ATYPIPv4, []byte{0, 0, 0, 0}, []byte{0, 0})
	_, _ = reply.WriteTo(p.client)
}
