package tlmx

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/palantir/stacktrace"
)

// Config is the validated startup state handed to the dispatcher. It is
// frozen once built; workers read it without synchronization.
type Config struct {
	Auth        string
	Username    string
	Domain      string
	Workstation string
	Password    string
	PassNT      string
	PassLM      string
	PassNTLMv2  string
	Flags       uint32
	NTLMToBasic bool

	Listen      []string
	SocksListen []string
	Tunnels     []TunnelSpec
	Parents     []string
	NoProxy     []string
	Headers     []HeaderSub
	SocksUsers  map[string]string

	ScannerAgents []string
	ScannerMax    int64 // bytes

	PacFile    string
	PidFile    string
	Uid        string
	Gateway    bool
	Foreground bool
	Serialize  bool
	RequestLog int
}

// TunnelSpec is one fixed local->remote forward: listen on Local, CONNECT
// to Target through the parents (or directly for NoProxy matches).
type TunnelSpec struct {
	Local  string
	Target string
}

// parseTunnelSpec parses '[laddr:]lport:rhost:rport'.
func parseTunnelSpec(spec string, gateway bool) (TunnelSpec, error) {
	parts := strings.Split(spec, ":")
	var laddr, lport, rhost, rport string
	switch len(parts) {
	case 3:
		lport, rhost, rport = parts[0], parts[1], parts[2]
	case 4:
		laddr, lport, rhost, rport = parts[0], parts[1], parts[2], parts[3]
	default:
		return TunnelSpec{}, stacktrace.NewErrorWithCode(EcConfig, "tunnel specification incorrect ([laddr:]lport:rhost:rport): %s", spec)
	}
	if _, err := strconv.Atoi(lport); err != nil {
		return TunnelSpec{}, stacktrace.NewErrorWithCode(EcConfig, "invalid tunnel local port %q", lport)
	}
	if _, err := strconv.Atoi(rport); err != nil {
		return TunnelSpec{}, stacktrace.NewErrorWithCode(EcConfig, "invalid tunnel remote port %q", rport)
	}
	if laddr == "" {
		laddr = defaultBind(gateway)
	}
	return TunnelSpec{Local: laddr + ":" + lport, Target: rhost + ":" + rport}, nil
}

// parseListenSpec parses '[addr:]port' into a bind address.
func parseListenSpec(spec string, gateway bool) (string, error) {
	host, port := splitHostPort(spec, defaultBind(gateway), "", true)
	if _, err := strconv.Atoi(port); err != nil {
		return "", stacktrace.NewErrorWithCode(EcConfig, "invalid listen specification %q, expecting [addr:]port", spec)
	}
	return host + ":" + port, nil
}

func defaultBind(gateway bool) string {
	if gateway {
		return "0.0.0.0"
	}
	return "127.0.0.1"
}

// addSocksUser parses 'user:pass' into the SOCKS5 user map.
func (c *Config) addSocksUser(spec string) error {
	kv := strings.SplitN(spec, ":", 2)
	if len(kv) != 2 || kv[0] == "" {
		return stacktrace.NewErrorWithCode(EcConfig, "invalid username:password pair %q", spec)
	}
	if c.SocksUsers == nil {
		c.SocksUsers = map[string]string{}
	}
	c.SocksUsers[kv[0]] = kv[1]
	return nil
}

// addHeader parses a 'Name: value' substitution.
func (c *Config) addHeader(spec string) error {
	kv := strings.SplitN(spec, ":", 2)
	if len(kv) != 2 || strings.TrimSpace(kv[0]) == "" {
		return stacktrace.NewErrorWithCode(EcConfig, "invalid header format %q, expecting 'Name: value'", spec)
	}
	name := strings.TrimSpace(kv[0])
	for _, sub := range c.Headers {
		if strings.EqualFold(sub.Name, name) {
			return nil // first writer wins, CLI is merged before the file
		}
	}
	c.Headers = append(c.Headers, HeaderSub{Name: name, Value: strings.TrimSpace(kv[1])})
	return nil
}

func (c *Config) addScannerAgent(pattern string) {
	if pattern == "" {
		return
	}
	c.ScannerAgents = append(c.ScannerAgents, "*"+pattern+"*")
}

// ReadConfigFile merges a line-oriented 'key value' file into the config.
// Values already set (from the command line) win; repeatable keys append.
// Unknown keys are logged and ignored.
func (c *Config) ReadConfigFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return stacktrace.PropagateWithCode(err, EcConfig, "cannot access config file %s", path)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key := line
		value := ""
		if i := strings.IndexAny(line, " \t"); i > 0 {
			key = line[:i]
			value = strings.TrimSpace(line[i+1:])
		}
		value = strings.Trim(value, `"`)
		if err := c.applyKey(key, value); err != nil {
			return stacktrace.Propagate(err, "%s:%d", path, lineno)
		}
	}
	if err := scanner.Err(); err != nil {
		return stacktrace.PropagateWithCode(err, EcConfig, "error reading config file %s", path)
	}
	return nil
}

func (c *Config) applyKey(key, value string) error {
	setIfEmpty := func(dst *string) {
		if *dst == "" {
			*dst = value
		}
	}
	switch strings.ToLower(key) {
	case "auth":
		setIfEmpty(&c.Auth)
	case "username":
		setIfEmpty(&c.Username)
	case "domain":
		setIfEmpty(&c.Domain)
	case "workstation":
		setIfEmpty(&c.Workstation)
	case "password":
		setIfEmpty(&c.Password)
	case "passnt":
		setIfEmpty(&c.PassNT)
	case "passlm":
		setIfEmpty(&c.PassLM)
	case "passntlmv2":
		setIfEmpty(&c.PassNTLMv2)
	case "flags":
		if c.Flags == 0 {
			flags, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(value), "0x"), 16, 32)
			if err != nil {
				return stacktrace.NewErrorWithCode(EcConfig, "invalid Flags value %q", value)
			}
			c.Flags = uint32(flags)
		}
	case "ntlmtobasic":
		c.NTLMToBasic = c.NTLMToBasic || isYes(value)
	case "gateway":
		c.Gateway = c.Gateway || isYes(value)
	case "listen":
		c.Listen = append(c.Listen, value)
	case "socks5proxy":
		c.SocksListen = append(c.SocksListen, value)
	case "tunnel":
		spec, err := parseTunnelSpec(value, c.Gateway)
		if err != nil {
			return err // no wrap
		}
		c.Tunnels = append(c.Tunnels, spec)
	case "proxy":
		c.Parents = append(c.Parents, value)
	case "noproxy":
		c.NoProxy = append(c.NoProxy, value)
	case "header":
		return c.addHeader(value)
	case "socks5users":
		return c.addSocksUser(value)
	case "isascanneragent":
		c.addScannerAgent(value)
	case "isascannersize":
		kb, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return stacktrace.NewErrorWithCode(EcConfig, "invalid ISAScannerSize value %q", value)
		}
		if c.ScannerMax == 0 {
			c.ScannerMax = kb * 1024
		}
	case "pacfile":
		setIfEmpty(&c.PacFile)
	case "pidfile":
		setIfEmpty(&c.PidFile)
	case "uid":
		setIfEmpty(&c.Uid)
	default:
		logInfo("Ignoring config file option: %s", key)
	}
	return nil
}

func isYes(value string) bool {
	return strings.EqualFold(value, "yes") || strings.EqualFold(value, "true") || value == "1"
}

// Check validates the assembled configuration before anything binds.
func (c *Config) Check() error {
	if len(c.Parents) == 0 && c.PacFile == "" {
		return stacktrace.NewErrorWithCode(EcConfig, "parent proxy address missing")
	}
	if len(c.Listen) == 0 && len(c.SocksListen) == 0 && len(c.Tunnels) == 0 {
		return stacktrace.NewErrorWithCode(EcConfig, "no proxy service ports were configured")
	}
	for _, spec := range c.Parents {
		if _, err := NewParentProxy(spec); err != nil {
			return err // no wrap
		}
	}
	if len(c.ScannerAgents) > 0 && c.ScannerMax == 0 {
		c.ScannerMax = 1024
	}
	if c.Workstation == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = AppName
		}
		c.Workstation = host
		logInfo("[-] Workstation name used: %s", c.Workstation)
	}
	return nil
}
