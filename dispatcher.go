package tlmx

import (
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/palantir/stacktrace"
	"go.uber.org/atomic"
)

type ListenerKind int

const (
	ListenProxy ListenerKind = iota
	ListenSocks
	ListenTunnel
)

// boundListener is one entry of the listener set: a bound socket, the
// worker kind it spawns, and the fixed target for tunnel listeners.
type boundListener struct {
	ln     net.Listener
	kind   ListenerKind
	target string
}

// Dispatcher owns the listener set and the state shared by all workers:
// frozen configuration and credentials, the parent selector, the
// connection pool and the PAC engine.
type Dispatcher struct {
	config        *Config
	creds         *Credentials
	parents       *ParentList
	noProxy       *NoProxy
	scannerAgents *NoProxy
	pool          *ConnPool
	pac           *PacEngine
	gss           *GssContext

	listeners []*boundListener

	quit         *atomic.Int32
	newRequestId *atomic.Int32
	spawned      *atomic.Int32
	reaped       *atomic.Int32
	joinq        chan int32
}

func NewDispatcher(config *Config, creds *Credentials, gss *GssContext) (*Dispatcher, error) {
	parents, err := NewParentList(config.Parents)
	if err != nil {
		return nil, err // no wrap
	}
	noProxy, err := NewNoProxy(config.NoProxy)
	if err != nil {
		return nil, err // no wrap
	}
	scannerAgents, err := NewNoProxy(config.ScannerAgents)
	if err != nil {
		return nil, err // no wrap
	}
	d := &Dispatcher{
		config:        config,
		creds:         creds,
		parents:       parents,
		noProxy:       noProxy,
		scannerAgents: scannerAgents,
		pool:          NewConnPool(),
		gss:           gss,
		quit:          atomic.NewInt32(0),
		newRequestId:  atomic.NewInt32(0),
		spawned:       atomic.NewInt32(0),
		reaped:        atomic.NewInt32(0),
		joinq:         make(chan int32, 128),
	}
	if config.PacFile != "" {
		pac, err := NewPacEngine(config.PacFile)
		if err != nil {
			return nil, err // no wrap
		}
		d.pac = pac
		go pac.watch()
	}
	return d, nil
}

// Bind opens every configured listener before any traffic is accepted.
func (d *Dispatcher) Bind() error {
	bind := func(spec string, kind ListenerKind, target string) error {
		addr, err := parseListenSpec(spec, d.config.Gateway)
		if err != nil {
			return err // no wrap
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return stacktrace.PropagateWithCode(err, EcConfig, "unable to listen on %s", addr)
		}
		d.listeners = append(d.listeners, &boundListener{ln: ln, kind: kind, target: target})
		return nil
	}
	for _, spec := range d.config.Listen {
		if err := bind(spec, ListenProxy, ""); err != nil {
			return err // no wrap
		}
	}
	for _, spec := range d.config.SocksListen {
		if err := bind(spec, ListenSocks, ""); err != nil {
			return err // no wrap
		}
	}
	for _, tunnel := range d.config.Tunnels {
		ln, err := net.Listen("tcp", tunnel.Local)
		if err != nil {
			return stacktrace.PropagateWithCode(err, EcConfig, "unable to listen on %s", tunnel.Local)
		}
		d.listeners = append(d.listeners, &boundListener{ln: ln, kind: ListenTunnel, target: tunnel.Target})
	}
	if len(d.listeners) == 0 {
		return stacktrace.NewErrorWithCode(EcConfig, "no proxy service ports were successfully opened")
	}
	for _, l := range d.listeners {
		logInfo("[-] Listening on %s", l.ln.Addr())
	}
	return nil
}

// Run accepts until the first termination signal, then keeps draining the
// join queue until every in-flight worker has finished. A second signal
// forces the exit with workers still running.
func (d *Dispatcher) Run() {
	d.installSignals()
	for _, l := range d.listeners {
		go d.acceptLoop(l)
	}
	tick := time.NewTicker(DISPATCH_TICK * time.Second)
	defer tick.Stop()
	for {
		select {
		case <-d.joinq:
			d.reaped.Inc()
		case <-tick.C:
		}
		if d.quit.Load() >= 2 {
			logInfo("[-] Terminating with %d active workers", d.spawned.Load()-d.reaped.Load())
			break
		}
		if d.quit.Load() == 1 && d.spawned.Load() == d.reaped.Load() {
			logInfo("[-] Clean shutdown, all workers finished")
			break
		}
	}
	for _, l := range d.listeners {
		_ = l.ln.Close()
	}
	d.pool.closeAll()
}

// acceptLoop polls one listener with a short deadline so the quit flag is
// honored within a tick.
func (d *Dispatcher) acceptLoop(l *boundListener) {
	for d.quit.Load() == 0 {
		if tcp, ok := l.ln.(*net.TCPListener); ok {
			_ = tcp.SetDeadline(time.Now().Add(DISPATCH_TICK * time.Second))
		}
		conn, err := l.ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if d.quit.Load() > 0 {
				return
			}
			logError("Serious error during accept: %v", err)
			continue
		}
		d.spawned.Inc()
		if d.config.Serialize {
			// debug mode: the worker runs inline on this listener's accept
			// loop, one request at a time per listener, no joining
			d.runWorker(l, conn)
			d.reaped.Inc()
			continue
		}
		go func() {
			proc := d.runWorker(l, conn)
			d.joinq <- proc
		}()
	}
}

func (d *Dispatcher) runWorker(l *boundListener, conn net.Conn) int32 {
	proc := NewProcess(d, conn)
	switch l.kind {
	case ListenProxy:
		proc.processHttp()
	case ListenSocks:
		proc.processSocks()
	case ListenTunnel:
		proc.processTunnel(l.target)
	}
	return proc.reqId
}

func (d *Dispatcher) stopping() bool {
	return d.quit.Load() > 0
}

func (d *Dispatcher) installSignals() {
	signal.Ignore(syscall.SIGPIPE)
	sigc := make(chan os.Signal, 4)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigc {
			if d.quit.Inc() == 1 {
				logInfo("[-] Signal %v received, issuing clean shutdown", sig)
			} else {
				logInfo("[-] Signal %v received, forcing shutdown", sig)
			}
		}
	}()
}
