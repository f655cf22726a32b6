package tlmx

import (
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/fsnotify/fsnotify"
	"github.com/palantir/stacktrace"
)

// PacEngine evaluates FindProxyForURL from an operator-supplied PAC file.
// The interpreter is treated as non-reentrant: one runtime, one mutex.
type PacEngine struct {
	mu      sync.Mutex
	path    string
	program *goja.Program
	runtime *goja.Runtime
}

func NewPacEngine(path string) (*PacEngine, error) {
	p := &PacEngine{path: path}
	if err := p.load(); err != nil {
		return nil, err // no wrap
	}
	p.runtime = p.build()
	return p, nil
}

func (p *PacEngine) load() error {
	js, err := os.ReadFile(p.path)
	if err != nil {
		return stacktrace.PropagateWithCode(err, EcConfig, "cannot access PAC file %s", p.path)
	}
	wrapped := fmt.Sprintf(`
(function(url,host) {
%s
return FindProxyForURL(url,host);
})(url,host)
`, string(js))
	program, err := goja.Compile(p.path, wrapped, false)
	if err != nil {
		return stacktrace.PropagateWithCode(err, EcConfig, "unable to compile PAC file %s", p.path)
	}
	p.mu.Lock()
	p.program = program
	p.mu.Unlock()
	return nil
}

// FindProxy runs the PAC script and returns the raw verdict string, e.g.
// "PROXY proxy1:8080; DIRECT".
func (p *PacEngine) FindProxy(url, host string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runtime.Set("url", url)
	p.runtime.Set("host", host)
	val, err := p.runtime.RunProgram(p.program)
	if err != nil {
		return "", stacktrace.PropagateWithCode(err, EcProtocol, "PAC evaluation failed for %s", url)
	}
	return val.String(), nil
}

// watch swaps the compiled program when the PAC file changes on disk.
// Credentials and routing lists stay frozen; only the script is live.
func (p *PacEngine) watch() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logError("PAC watcher error: %v", err)
		return
	}
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		logError("PAC watcher error: %v", err)
		return
	}
	for {
		select {
		case e, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(e.Name) != filepath.Base(p.path) {
				continue
			}
			if e.Has(fsnotify.Write) || e.Has(fsnotify.Create) {
				if err := p.load(); err != nil {
					logError("PAC reload failed: %v", err)
				} else {
					logInfo("[-] PAC file %s reloaded", p.path)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logError("PAC watcher error: %v", err)
		}
	}
}

func (p *PacEngine) build() *goja.Runtime {
	runtime := goja.New()
	runtime.Set("isPlainHostName", pacIsPlainHostName)
	runtime.Set("dnsDomainIs", pacDnsDomainIs)
	runtime.Set("localHostOrDomainIs", pacLocalHostOrDomainIs)
	runtime.Set("isResolvable", pacIsResolvable)
	runtime.Set("isInNet", pacIsInNet)
	runtime.Set("dnsResolve", pacDnsResolve)
	runtime.Set("convert_addr", pacConvertAddr)
	runtime.Set("myIpAddress", pacMyIpAddress)
	runtime.Set("dnsDomainLevels", pacDnsDomainLevels)
	runtime.Set("shExpMatch", pacShExpMatch)
	runtime.Set("weekdayRange", pacWeekdayRange)
	runtime.Set("dateRange", pacDateRange)
	runtime.Set("timeRange", pacTimeRange)
	runtime.Set("alert", pacAlert)
	return runtime
}

// standard Mozilla PAC helpers

func pacIsPlainHostName(host string) bool {
	return !strings.Contains(host, ".")
}

func pacDnsDomainIs(host, domain string) bool {
	return strings.HasPrefix(domain, ".") && strings.HasSuffix(host, domain)
}

func pacLocalHostOrDomainIs(host, hostdom string) bool {
	return host == hostdom || (!strings.Contains(host, ".") && strings.HasPrefix(hostdom, host))
}

func pacIsResolvable(host string) bool {
	_, err := net.LookupHost(host)
	return err == nil
}

func pacIsInNet(host, pattern, mask string) bool {
	host = pacDnsResolve(host)
	return pacConvertAddr(host)&pacConvertAddr(mask) == pacConvertAddr(pattern)
}

func pacDnsResolve(host string) string {
	ips, err := net.LookupHost(host)
	if err != nil || len(ips) == 0 {
		return ""
	}
	return ips[0]
}

func pacConvertAddr(ipaddr string) int64 {
	ip := net.ParseIP(ipaddr)
	if ip == nil || ip.To4() == nil {
		return 0
	}
	ipInt := big.NewInt(0)
	ipInt.SetBytes(ip.To4())
	return ipInt.Int64()
}

func pacMyIpAddress() string {
	ips, err := net.LookupHost("localhost")
	if err != nil || len(ips) == 0 {
		return "127.0.0.1"
	}
	return ips[0]
}

func pacDnsDomainLevels(host string) int {
	return len(strings.Split(host, ".")) - 1
}

func pacShExpMatch(str, shexp string) bool {
	shexp = strings.ReplaceAll(shexp, ".", `\.`)
	shexp = strings.ReplaceAll(shexp, "*", ".*")
	shexp = strings.ReplaceAll(shexp, "?", ".")
	regex, err := regexp.Compile("^" + shexp + "$")
	if err != nil {
		return false
	}
	return regex.MatchString(str)
}

var pacDays = [...]string{"SUN", "MON", "TUE", "WED", "THU", "FRI", "SAT"}

func pacWeekdayRange(start, end, tz string) bool {
	startDay := -1
	endDay := -1
	for i, day := range pacDays {
		if start == day {
			startDay = i
		}
		if end == day {
			endDay = i
		}
	}
	if end == "GMT" {
		tz = "GMT"
		endDay = startDay
	}
	today := time.Now()
	if tz == "GMT" {
		today = today.UTC()
	}
	weekDay := int(today.Weekday())
	if startDay <= weekDay && weekDay <= endDay {
		return true
	}
	return startDay <= weekDay+7 && weekDay+7 <= endDay
}

// dateRange and timeRange are permissive stubs: they match always, so a
// PAC script routing on date/time windows takes its inside-the-window
// branch. A script relying on them is logged once per process.
// TODO implement the Mozilla dateRange()/timeRange() argument forms

var pacRangeWarned sync.Once

func pacRangeStubWarn(name string) {
	pacRangeWarned.Do(func() {
		logWarn("PAC script uses %s(), which always matches here", name)
	})
}

func pacDateRange(...goja.Value) bool {
	pacRangeStubWarn("dateRange")
	return true
}

func pacTimeRange(...goja.Value) bool {
	pacRangeStubWarn("timeRange")
	return true
}

func pacAlert(message string) {
	logInfo("%s", message)
}
