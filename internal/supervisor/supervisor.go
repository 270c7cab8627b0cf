/*
Package supervisor implements the process-wide root object: it resolves the configured endpoints,
builds every Listener, drops privileges, subscribes to termination signals, runs a periodic status
report on a stopChannel/select loop, and shuts down cleanly when told to stop.

Daemonization is deliberately NOT a Supervisor responsibility: it must happen before any listening
socket is opened (see internal/osutil.Daemonize), which means before a Supervisor is even
constructed, so it is the caller's (cmd/dnsbridge's) job.
*/
package supervisor

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/google/gops/agent"

	"github.com/markdingo/dnsbridge/internal/admission"
	"github.com/markdingo/dnsbridge/internal/constants"
	"github.com/markdingo/dnsbridge/internal/listener"
	"github.com/markdingo/dnsbridge/internal/osutil"
	"github.com/markdingo/dnsbridge/internal/reporter"
)

// Config carries everything the Supervisor needs to start. All address fields are numeric -
// resolving hostnames via DNS is explicitly out of scope for this program.
type Config struct {
	UpstreamIP string   // Numeric IPv4/IPv6 address of the upstream UDP resolver
	ListenIPs  []string // One or more numeric local addresses to bind for TCP

	SetuidName string // Empty uses the numeric default (see internal/constants)
	SetgidName string
	ChrootDir  string

	Verbose        bool
	StatusInterval time.Duration // 0 disables periodic status reports

	LogClientIn  bool // Compact-print each query arriving from a client
	LogClientOut bool // Compact-print each reply returned to a client

	Gops bool // Start the github.com/google/gops diagnostic agent
}

// Supervisor owns the runtime for one running instance of the daemon: its Listeners, its
// Admission Controller and its signal subscription.
type Supervisor struct {
	cfg Config

	stdout io.Writer
	stderr io.Writer

	admission *admission.Controller
	listeners []*listener.Listener
	reporters []reporter.Reporter

	stopChannel chan os.Signal
	startTime   time.Time
}

// New validates and resolves cfg without opening any socket. Resolution failures are the only
// errors returned here; Run performs the remaining steps of the startup sequence (listen,
// privilege drop).
func New(cfg Config, stdout, stderr io.Writer) (*Supervisor, error) {
	if len(cfg.ListenIPs) == 0 {
		return nil, fmt.Errorf("supervisor: at least one listen address is required")
	}

	upstreamIP := net.ParseIP(cfg.UpstreamIP)
	if upstreamIP == nil {
		return nil, fmt.Errorf("supervisor: %q is not a numeric IP address", cfg.UpstreamIP)
	}
	for _, ip := range cfg.ListenIPs {
		if net.ParseIP(ip) == nil {
			return nil, fmt.Errorf("supervisor: %q is not a numeric IP address", ip)
		}
	}

	return &Supervisor{
		cfg:         cfg,
		stdout:      stdout,
		stderr:      stderr,
		admission:   admission.New("Connections", constants.Get().MaxConn),
		stopChannel: make(chan os.Signal, 4),
		startTime:   time.Now(),
	}, nil
}

// Run executes the remainder of the startup sequence - construct Listeners, drop privileges,
// subscribe to signals - then blocks running the event loop until a termination signal arrives or
// a Listener reports a fatal startup error. It returns the process exit code.
func (s *Supervisor) Run() int {
	consts := constants.Get()

	upstream := &net.UDPAddr{IP: net.ParseIP(s.cfg.UpstreamIP), Port: mustAtoi(consts.DNSDefaultPort)}

	for _, ip := range s.cfg.ListenIPs {
		l, err := listener.New(ip, upstream, s.admission, s.cfg.LogClientIn, s.cfg.LogClientOut, s.stdout, s.stderr)
		if err != nil {
			return s.fatal(err)
		}
		s.listeners = append(s.listeners, l)
		s.reporters = append(s.reporters, l)
	}
	s.reporters = append(s.reporters, s.admission)

	if err := osutil.Constrain(s.cfg.SetuidName, s.cfg.SetgidName, s.cfg.ChrootDir,
		consts.DefaultUID, consts.DefaultGID); err != nil {
		return s.fatal(err)
	}
	if s.cfg.Verbose {
		fmt.Fprintf(s.stdout, "Constraints: %s\n", osutil.ConstraintReport())
	}

	osutil.SignalNotify(s.stopChannel)

	if s.cfg.Gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			return s.fatal(fmt.Errorf("gops agent: %s", err))
		}
		defer agent.Close()
	}

	for _, l := range s.listeners {
		l.Start()
		if s.cfg.Verbose {
			fmt.Fprintln(s.stdout, "Starting", l.Name())
		}
	}

	s.runEventLoop()
	s.shutdown()

	return 0
}

// RequestShutdown asks the Supervisor to stop as if SIGTERM had been delivered to the process.
// Exposed so test harnesses (and any future embedder) can trigger a clean shutdown without
// signalling the real process.
func (s *Supervisor) RequestShutdown() {
	s.stopChannel <- syscall.SIGTERM
}

// runEventLoop is the Supervisor's single-threaded wait: it blocks on either a termination signal
// or the periodic status timer until a shutdown-worthy signal arrives.
func (s *Supervisor) runEventLoop() {
	nextStatusIn := s.nextStatusInterval()

	for {
		var statusTimer <-chan time.Time
		if s.cfg.StatusInterval > 0 {
			statusTimer = time.After(nextStatusIn)
		}

		select {
		case sig := <-s.stopChannel:
			if osutil.IsSignalUSR1(sig) {
				s.statusReport("User1", false)
				continue
			}
			if s.cfg.Verbose {
				fmt.Fprintln(s.stdout, "\nSignal", sig)
			}
			return

		case <-statusTimer:
			s.statusReport("Status", true)
			nextStatusIn = s.nextStatusInterval()
		}
	}
}

// shutdown cancels every Listener (which in turn cancels its live Relays) and prints a final
// status report if verbose.
func (s *Supervisor) shutdown() {
	for _, l := range s.listeners {
		l.Stop()
	}
	if s.cfg.Verbose {
		s.statusReport("Status", true)
		fmt.Fprintln(s.stdout, constants.Get().ProgramName, constants.Get().Version, "Exiting after", s.uptime())
	}
}

func (s *Supervisor) uptime() string {
	return time.Since(s.startTime).Truncate(time.Second).String()
}

func (s *Supervisor) nextStatusInterval() time.Duration {
	if s.cfg.StatusInterval <= 0 {
		return time.Hour // Never meaningfully fires; signal-only status reports remain available
	}
	now := time.Now()
	return now.Truncate(s.cfg.StatusInterval).Add(s.cfg.StatusInterval).Sub(now)
}

func (s *Supervisor) statusReport(what string, resetCounters bool) {
	consts := constants.Get()
	fmt.Fprintln(s.stdout, "Status Up:", consts.ProgramName, consts.Version, s.uptime())
	for _, r := range s.reporters {
		for _, line := range strings.Split(r.Report(resetCounters), "\n") {
			if len(line) > 0 {
				fmt.Fprintf(s.stdout, "%s %s: %s\n", what, r.Name(), line)
			}
		}
	}
}

func (s *Supervisor) fatal(err error) int {
	fmt.Fprintln(s.stderr, "Fatal:", constants.Get().ProgramName, ":", err)
	return 1
}

func mustAtoi(s string) int {
	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	return n
}
