package tlmx

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"strconv"
	"text/template"

	"github.com/howeyc/gopass"
	"golang.org/x/term"
)

var VersionValue = ""
var VersionTemplate = "{{.AppName}} {{.AppVersion}} - {{.AppUrl}}"

var UsageValue = ""
var UsageTemplate = `
{{.AppName}} is an NTLM / NTLMv2 authenticating HTTP proxy. It accepts
plain proxy, SOCKS5 and fixed-tunnel connections and performs the
challenge/response handshake against the parent proxy on their behalf.

Usage: {{.AppName}} [-BfgHIsv] [-a auth] [-c config] [-u user[@domain]] <proxy_host>:<proxy_port> ...

Options:
      -a  ntlm | nt | lm | ntlmv2 | ntlm2sr | gss
          Authentication type. NTLM(v2) is the most versatile. Default ntlm.
      -B  Enable NTLM-to-basic: per-client credentials via basic auth.
      -c  <config_file>
          Configuration file; command line arguments override its values.
      -d  <domain>
          Domain/workgroup, can also ride along -u.
      -f  Run in foreground, do not fork into daemon mode.
      -F  <flags>
          Raw NTLM negotiate flags, hexadecimal.
      -G  <pattern>
          User-Agent matching for the trans-isa-scan plugin.
      -g  Gateway mode - listen on all interfaces, not only loopback.
      -H  Print password hashes for use in the config file and exit.
      -I  Prompt for the password interactively.
      -L  [<laddr>:]<lport>:<rhost>:<rport>
          Fixed tunnel a la OpenSSH: listen on lport, CONNECT to rhost:rport.
      -l  [<addr>:]<port>
          Main listening port for the proxy service. Repeatable.
      -M  <testurl>
          Magic autodetection of the parent's NTLM dialect.
      -N  "<wildcard1>[, <wildcardN>]"
          Hosts to serve directly, bypassing the parents (e.g. '*.local').
      -O  [<addr>:]<port>
          Enable SOCKS5 proxy service on this port. Repeatable.
      -P  <pidfile>
          Create a PID file upon successful start.
      -p  <password>
          Account password; prefer -I or hashes in the config file.
      -passnt, -passlm, -passntlmv2  <hash>
          Pre-computed hashes instead of a password (see -H).
      -q  <level>
          Request logging: 0 none (default), 1 log request lines.
      -r  "Name: value"
          Header substitution applied to all forwarded requests. Repeatable.
      -R  <user>:<pass>
          SOCKS5 proxy account. Repeatable; absence means no authentication.
      -S  <size_in_kb>
          Enable the ISA scanner workaround for bodies below the size.
      -s  Serialize requests, one at a time per listening port - for debugging only.
      -T  <file.log>
          Redirect all output into a trace file, implies -v.
      -U  <uid>
          Run as uid, an important security measure when started as root.
      -u  <user>[@<domain>]
          Account name, domain may be attached.
      -v  Print debugging information, stay in foreground.
      -w  <workstation>
          Some parents require the correct NetBIOS hostname.
      -x  <pac_file>
          Route requests per a local PAC file instead of the static parents.
`

func Main() {
	values := map[string]string{
		"AppName":    AppName,
		"AppUrl":     AppUrl,
		"AppVersion": AppVersion,
	}
	VersionValue = templates(VersionTemplate, values)
	UsageValue = templates(UsageTemplate, values)
	cmd()
	start()
}

func templates(text string, values map[string]string) string {
	var tpl bytes.Buffer
	_ = template.Must(template.New("").Parse(text)).Execute(&tpl, values)
	return tpl.String()
}

func usage() {
	fmt.Printf("\n%s\n%s\n", VersionValue, UsageValue)
	os.Exit(1)
}

func cmd() {
	flag.Usage = usage
	flag.StringVar(&options.Auth, "a", "", "")
	flag.BoolVar(&options.NTLMToBasic, "B", false, "")
	flag.StringVar(&options.Config, "c", "", "")
	flag.StringVar(&options.Domain, "d", "", "")
	flag.BoolVar(&options.Foreground, "f", false, "")
	flag.StringVar(&options.Flags, "F", "", "")
	flag.Var(&options.ScannerUA, "G", "")
	flag.BoolVar(&options.Gateway, "g", false, "")
	flag.BoolVar(&options.PrintHashes, "H", false, "")
	flag.BoolVar(&options.AskPassword, "I", false, "")
	flag.Var(&options.Tunnels, "L", "")
	flag.Var(&options.Listen, "l", "")
	flag.StringVar(&options.MagicURL, "M", "", "")
	flag.StringVar(&options.NoProxy, "N", "", "")
	flag.Var(&options.SocksListen, "O", "")
	flag.StringVar(&options.PidFile, "P", "", "")
	flag.StringVar(&options.Password, "p", "", "")
	flag.StringVar(&options.PassNT, "passnt", "", "")
	flag.StringVar(&options.PassLM, "passlm", "", "")
	flag.StringVar(&options.PassNTLMv2, "passntlmv2", "", "")
	flag.IntVar(&options.RequestLog, "q", 0, "")
	flag.Var(&options.Headers, "r", "")
	flag.Var(&options.SocksUsers, "R", "")
	flag.Int64Var(&options.ScannerKB, "S", 0, "")
	flag.BoolVar(&options.Serialize, "s", false, "")
	flag.StringVar(&options.TraceFile, "T", "", "")
	flag.StringVar(&options.Uid, "U", "", "")
	flag.StringVar(&options.User, "u", "", "")
	flag.BoolVar(&options.Verbose, "v", false, "")
	flag.StringVar(&options.Workstation, "w", "", "")
	flag.StringVar(&options.PacFile, "x", "", "")
	flag.BoolVar(&options.ShowHelp, "h", false, "")
	flag.Parse()

	if options.ShowHelp {
		fmt.Printf("\n%s\n%s\n", VersionValue, UsageValue)
		os.Exit(0)
	}
	if options.TraceFile != "" {
		options.Verbose = true
	}
	if options.Verbose {
		options.Foreground = true
	}
	debug = options.Verbose
}

// buildConfig merges command line and config file into the frozen Config.
func buildConfig() *Config {
	conf := &Config{
		Auth:        options.Auth,
		Domain:      options.Domain,
		Workstation: options.Workstation,
		Password:    options.Password,
		PassNT:      options.PassNT,
		PassLM:      options.PassLM,
		PassNTLMv2:  options.PassNTLMv2,
		NTLMToBasic: options.NTLMToBasic,
		Gateway:     options.Gateway,
		Foreground:  options.Foreground,
		Serialize:   options.Serialize,
		RequestLog:  options.RequestLog,
		PidFile:     options.PidFile,
		Uid:         options.Uid,
		PacFile:     options.PacFile,
	}
	conf.Username = options.User
	if options.User != "" {
		user, domain := splitUsername(options.User)
		conf.Username = user
		if domain != "" {
			conf.Domain = domain
		}
	}
	if options.Flags != "" {
		flags, err := strconv.ParseUint(trimHex(options.Flags), 16, 32)
		if err != nil {
			logFatal("[-] Error: invalid NTLM flags %q", options.Flags)
		}
		conf.Flags = uint32(flags)
	}
	conf.Listen = append(conf.Listen, options.Listen...)
	conf.SocksListen = append(conf.SocksListen, options.SocksListen...)
	for _, spec := range options.Tunnels {
		tunnel, err := parseTunnelSpec(spec, options.Gateway)
		if err != nil {
			logFatal("[-] Error: %s", err)
		}
		conf.Tunnels = append(conf.Tunnels, tunnel)
	}
	if options.NoProxy != "" {
		conf.NoProxy = append(conf.NoProxy, options.NoProxy)
	}
	for _, spec := range options.Headers {
		if err := conf.addHeader(spec); err != nil {
			logFatal("[-] Error: %s", err)
		}
	}
	for _, spec := range options.SocksUsers {
		if err := conf.addSocksUser(spec); err != nil {
			logFatal("[-] Error: %s", err)
		}
	}
	for _, pattern := range options.ScannerUA {
		conf.addScannerAgent(pattern)
	}
	if options.ScannerKB > 0 {
		conf.ScannerMax = options.ScannerKB * 1024
	}
	conf.Parents = append(conf.Parents, flag.Args()...)

	if options.Config != "" {
		if err := conf.ReadConfigFile(options.Config); err != nil {
			logFatal("[-] Error: %s", err)
		}
	}
	return conf
}

func trimHex(s string) string {
	if len(s) > 2 && (s[0:2] == "0x" || s[0:2] == "0X") {
		return s[2:]
	}
	return s
}

func start() {
	var logWriter *os.File
	if options.TraceFile != "" {
		file, err := os.OpenFile(options.TraceFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
		if err != nil {
			fmt.Printf("Cannot create trace file: %v\n", err)
			os.Exit(1)
		}
		logWriter = file
		fmt.Printf("Redirecting all output to %s\n", options.TraceFile)
	}
	logInit(logWriter)
	defer logDestroy()
	logInfo("[-] Starting %s", VersionValue)

	conf := buildConfig()

	// last chance to get the password from the operator
	needPassword := options.AskPassword || options.PrintHashes || options.MagicURL != ""
	if conf.Password == "" && needPassword {
		conf.Password = promptPassword()
	}
	password := conf.Password
	creds, err := NewCredentials(conf)
	if err != nil {
		logFatal("[-] Error: %s", err)
	}

	if options.PrintHashes {
		creds.printHashes()
		os.Exit(0)
	}
	if options.MagicURL != "" {
		if err := magicDetect(conf, password, options.MagicURL); err != nil {
			logFatal("[-] Error: %s", err)
		}
		os.Exit(0)
	}

	if err := conf.Check(); err != nil {
		logFatal("[-] Error: %s", err)
	}
	if !creds.complete() && !conf.NTLMToBasic {
		if conf.Password == "" && isTerminal() {
			conf.Password = promptPassword()
			password = conf.Password
			creds, err = NewCredentials(conf)
			if err != nil {
				logFatal("[-] Error: %s", err)
			}
		}
		if !creds.complete() {
			logFatal("[-] Error: parent proxy account password (or required hashes) missing")
		}
	}
	logInfo("[-] Using following NTLM hashes: NTLMv2(%v) NT(%v) LM(%v)", creds.HashNTLMv2, creds.HashNT > 0, creds.HashLM)
	if creds.Flags != 0 {
		logInfo("[-] Using manual NTLM flags: 0x%X", creds.Flags)
	}

	var gss *GssContext
	if creds.HasKrb {
		gss, err = NewGssContext(creds, password)
		if err != nil {
			logFatal("[-] Error: %s", err)
		}
	}
	password = ""

	if len(conf.SocksListen) > 0 && len(conf.SocksUsers) == 0 {
		logWarn("SOCKS5 proxy will NOT require any authentication")
	}

	if !conf.Foreground {
		daemonize()
	}

	dispatcher, err := NewDispatcher(conf, creds, gss)
	if err != nil {
		logFatal("[-] Error: %s", err)
	}
	if err := dispatcher.Bind(); err != nil {
		logFatal("[-] Error: %s", err)
	}
	if err := dropPrivileges(conf.Uid); err != nil {
		logFatal("[-] Error: %s", err)
	}
	if conf.PidFile != "" {
		if err := writePidFile(conf.PidFile); err != nil {
			logFatal("[-] Error: %s", err)
		}
		defer removePidFile(conf.PidFile)
	}

	dispatcher.Run()
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func promptPassword() string {
	if !isTerminal() {
		return ""
	}
	logPrintf("Password: ")
	password, err := gopass.GetPasswdMasked()
	if err != nil {
		logFatal("[-] Error: unable to read password")
	}
	return string(password)
}
