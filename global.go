package tlmx

import "github.com/ccding/go-logging/logging"

// program global settings
var AppVersion = "dev"
var AppName = "tlmx"
var AppUrl = "https://github.com/tlmx-proxy/tlmx"

// program global options
var options Options
var debug bool
var logger *logging.Logger

// timeout in seconds for dialing to a parent or an origin
const DEFAULT_CONNECT_TIMEOUT = 10

// timeout in seconds for closing pipes; no code path reads it: a tunnel
// closes both ends as soon as either direction ends
const DEFAULT_CLOSE_TIMEOUT = 10

// interval in seconds between dispatcher ticks (accept poll + join drain)
const DISPATCH_TICK = 1

// max preamble size, to buffer request/response headers
const HEADER_MAX_SIZE = 32 * 1024

// block size for relaying until-close bodies and tunnels
const BLOCK_SIZE = 32 * 1024

type Options struct {
	ShowHelp    bool
	Config      string
	Auth        string
	User        string
	Domain      string
	Workstation string
	Password    string
	PassNT      string
	PassLM      string
	PassNTLMv2  string
	Flags       string
	NTLMToBasic bool
	Listen      listFlag
	SocksListen listFlag
	Tunnels     listFlag
	NoProxy     string
	Headers     listFlag
	SocksUsers  listFlag
	ScannerKB   int64
	ScannerUA   listFlag
	PidFile     string
	Uid         string
	Foreground  bool
	Gateway     bool
	Serialize   bool
	Verbose     bool
	TraceFile   string
	RequestLog  int
	MagicURL    string
	PrintHashes bool
	AskPassword bool
	PacFile     string
}

// listFlag collects repeatable CLI flags like -l, -L, -O, -r and -R.
type listFlag []string

func (l *listFlag) String() string {
	if l == nil {
		return ""
	}
	return "[multiple]"
}

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}
