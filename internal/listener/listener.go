/*
Package listener implements the accept side: one Listener per configured bind address, owning a
listening TCP socket built with enough manual socket-option control (backlog size, SO_REUSEADDR,
IPV6_V6ONLY) that the stdlib's net.Listen alone cannot express it. The low-level syscalls are
issued through golang.org/x/sys/unix, the same dependency internal/osutil already uses for
privilege dropping, rather than introducing a second syscall dependency for the same job.
*/
package listener

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/markdingo/dnsbridge/internal/admission"
	"github.com/markdingo/dnsbridge/internal/constants"
	"github.com/markdingo/dnsbridge/internal/relay"
)

// Listener owns one bound, listening TCP socket and the accept loop that turns each connection
// into a Relay. The zero value is not usable; construct with New.
type Listener struct {
	bindAddr string
	upstream *net.UDPAddr

	ln net.Listener

	admission *admission.Controller

	logIn   bool
	logOut  bool
	stdout  io.Writer
	stderr  io.Writer

	stopOnce sync.Once
	stopped  chan struct{}

	relayMu sync.Mutex
	relays  map[string]*relay.Relay // Live relays, keyed the same way as admission

	mu sync.Mutex
	stats
}

type stats struct {
	accepted  int
	saturated int
	success   int
	errors    [relay.ErrKindSize]int
}

// New constructs and binds a Listener for bindIP, a bare numeric IP address - the default DNS port
// is appended internally. It does not start accepting; call Start for that.
func New(bindIP string, upstream *net.UDPAddr, adm *admission.Controller, logIn, logOut bool, stdout, stderr io.Writer) (*Listener, error) {
	consts := constants.Get()
	return newListener(net.JoinHostPort(bindIP, consts.DNSDefaultPort), upstream, adm, logIn, logOut, stdout, stderr)
}

// newListener is New with the full bind address (including port) exposed, so tests can bind
// ephemeral ports instead of the privileged default DNS port.
func newListener(bindAddr string, upstream *net.UDPAddr, adm *admission.Controller, logIn, logOut bool, stdout, stderr io.Writer) (*Listener, error) {
	ln, err := listenTCP(bindAddr)
	if err != nil {
		return nil, err
	}

	return &Listener{
		bindAddr:  ln.Addr().String(),
		upstream:  upstream,
		ln:        ln,
		admission: adm,
		logIn:     logIn,
		logOut:    logOut,
		stdout:    stdout,
		stderr:    stderr,
		stopped:   make(chan struct{}),
		relays:    make(map[string]*relay.Relay),
	}, nil
}

// listenTCP opens, configures and binds a TCP listening socket by hand so that the backlog and
// IPV6_V6ONLY/SO_REUSEADDR options can be set explicitly - net.Listen exposes none of these. The
// resulting file descriptor is handed to net.FileListener so the rest of the package deals only in
// ordinary net.Listener/net.Conn values. bindAddr must already include a port.
func listenTCP(bindAddr string) (net.Listener, error) {
	consts := constants.Get()

	addr, err := net.ResolveTCPAddr("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("listener: cannot resolve bind address %s: %s", bindAddr, err)
	}

	domain := unix.AF_INET
	sa := &unix.SockaddrInet4{Port: addr.Port}
	isV6 := addr.IP.To4() == nil
	var sa6 *unix.SockaddrInet6
	if isV6 {
		domain = unix.AF_INET6
		sa6 = &unix.SockaddrInet6{Port: addr.Port}
		copy(sa6.Addr[:], addr.IP.To16())
	} else {
		copy(sa.Addr[:], addr.IP.To4())
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("listener: socket(%s) failed: %s", bindAddr, err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listener: SO_REUSEADDR failed: %s", err)
	}

	if isV6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("listener: IPV6_V6ONLY failed: %s", err)
		}
		if err := unix.Bind(fd, sa6); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("listener: bind(%s) failed: %s", bindAddr, err)
		}
	} else {
		if err := unix.Bind(fd, sa); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("listener: bind(%s) failed: %s", bindAddr, err)
		}
	}

	if err := unix.Listen(fd, consts.ListenBacklog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listener: listen(%s) failed: %s", bindAddr, err)
	}

	f := os.NewFile(uintptr(fd), "dnsbridge-listen-"+bindAddr)
	ln, err := net.FileListener(f)
	f.Close() // net.FileListener dup()s the descriptor; our copy can be released
	if err != nil {
		return nil, fmt.Errorf("listener: FileListener(%s) failed: %s", bindAddr, err)
	}

	return ln, nil
}

// Addr returns the Listener's bound address, useful for tests that bind to an ephemeral port.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Start runs the accept loop in a new goroutine and returns immediately.
func (l *Listener) Start() {
	go l.acceptLoop()
}

// acceptLoop is the perpetual "at most one outstanding accept" loop described by the spec: every
// completion either saturates (closes the new socket unconditionally) or is handed off to a new
// Relay, after which the next accept is issued.
func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.stopped:
				return // Expected cancellation from Stop()
			default:
			}
			fmt.Fprintln(l.stderr, "listener: accept error on", l.bindAddr, ":", err)
			continue
		}

		l.mu.Lock()
		l.accepted++
		l.mu.Unlock()

		key := conn.RemoteAddr().String()
		if !l.admission.TryAdmit(key) {
			l.mu.Lock()
			l.saturated++
			l.mu.Unlock()
			conn.Close() // No handshake, no response - per the saturation error policy
			continue
		}

		l.handle(conn, key)
	}
}

// handle tunes the newly accepted socket, dials the dedicated upstream UDP socket and starts a
// Relay for it. Any failure here releases the admission slot immediately since no Relay will ever
// call Release for a connection it never started.
func (l *Listener) handle(conn net.Conn, key string) {
	consts := constants.Get()

	if tcp, ok := conn.(*net.TCPConn); ok {
		tuneBuffers(tcp, consts.BufSize)
	}

	outgoing, err := net.DialUDP("udp", nil, l.upstream)
	if err != nil {
		l.admission.Release(key)
		conn.Close()
		fmt.Fprintln(l.stderr, "listener: cannot dial upstream for", key, ":", err)
		return
	}

	r := relay.New(conn, outgoing, l.admission, key, l, l.logIn, l.logOut, l.stdout)

	l.relayMu.Lock()
	l.relays[key] = r
	l.relayMu.Unlock()

	r.Start()
}

// tuneBuffers sets SO_RCVBUF and SO_SNDBUF to size on the accepted connection's underlying socket,
// best-effort - a failure here is not fatal to the connection.
func tuneBuffers(conn *net.TCPConn, size int) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	raw.Control(func(fd uintptr) {
		unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, size)
		unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, size)
	})
}

// AddSuccess implements relay.Stats, aggregating across every Relay this Listener owns.
func (l *Listener) AddSuccess(time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.success++
}

// AddError implements relay.Stats.
func (l *Listener) AddError(kind relay.ErrKind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors[kind]++
}

// Closed implements relay.Stats, dropping the bookkeeping entry for a Relay that has fully torn
// down so Stop doesn't try to cancel an already-dead Relay and the map doesn't grow without bound.
func (l *Listener) Closed(key string) {
	l.relayMu.Lock()
	defer l.relayMu.Unlock()
	delete(l.relays, key)
}

// Stop closes the listening socket so the accept loop exits, then force-closes every live Relay so
// outstanding I/O is cancelled promptly rather than waiting out the idle timer.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopped)
		l.ln.Close()
	})

	l.relayMu.Lock()
	defer l.relayMu.Unlock()
	for _, r := range l.relays {
		r.Stop()
	}
}

// Name implements reporter.Reporter.
func (l *Listener) Name() string {
	return "Listener: " + l.bindAddr
}

// Report implements reporter.Reporter.
func (l *Listener) Report(resetCounters bool) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	errs := 0
	for _, v := range l.errors {
		errs += v
	}

	s := fmt.Sprintf("accepted=%d saturated=%d ok=%d errs=%d", l.accepted, l.saturated, l.success, errs)

	if resetCounters {
		l.stats = stats{}
	}

	return s
}
