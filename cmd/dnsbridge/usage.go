package main

import (
	"fmt"
	"io"
	"text/template"
)

// The "flag" package is not tty aware so we've arbitrarily picked 100 columns as a conservative tty
// width for the usage output.

const usageMessageTemplate = `
NAME
          {{.ProgramName}} -- a DNS TCP/UDP transport bridge

SYNOPSIS
          {{.ProgramName}} [options] upstream-ip listen-ip [listen-ip ...]

DESCRIPTION
          {{.ProgramName}} accepts DNS queries over TCP on one or more local addresses and forwards
          each query to a single upstream resolver over UDP, returning the resolver's UDP answer
          back to the originating TCP client. It exists for environments where a client can only
          speak DNS over TCP but the chosen upstream resolver only speaks UDP.

          {{.ProgramName}} does not parse, validate, cache, rewrite or inspect DNS message contents:
          each message is treated as an opaque byte string of a declared length. It does not load
          balance across multiple upstreams, retry against alternate resolvers, or implement DoT,
          DoH or DNSSEC logic.

ADDRESSES
          upstream-ip is the numeric IPv4 or IPv6 address of the upstream UDP DNS resolver; its port
          is implicitly {{.DNSDefaultPort}}. Each listen-ip is a numeric local address to bind for
          TCP, also on port {{.DNSDefaultPort}}. Hostnames are not resolved - both the upstream and
          every listen address must already be numeric.

INVOCATION
          A typical invocation forwards TCP queries arriving on the loopback and a LAN address to a
          recursive resolver listening on UDP at 192.0.2.53:

              $ {{.ProgramName}} 192.0.2.53 127.0.0.1 10.0.0.1

          Once running you should be able to issue a TCP DNS query against any listen address:

              $ dig +tcp @127.0.0.1 example.com

PRIVILEGE AND BACKGROUNDING
          Binding port {{.DNSDefaultPort}} normally requires starting {{.ProgramName}} as root.
          Immediately after its listening sockets are open, {{.ProgramName}} drops privileges to an
          unprivileged uid/gid (65534/65534 by default, overridable with --user/--group) and
          optionally chroots with --chroot. --background re-executes the process detached from the
          controlling terminal and prints the backgrounded child's PID to stdout.

SIGNALS
          SIGINT and SIGTERM request a graceful shutdown: every in-flight connection is cancelled
          and the process exits 0. SIGUSR1 (where supported) prints an immediate status report
          without otherwise affecting the running process.

OPTIONS
          [-hv] [--version]
          [--log-client-in] [--log-client-out]
          [-i status-report-interval]
          [--background] [--gops]
          [--user userName] [--group groupName] [--chroot directory]

`

func usage(out io.Writer) {
	tmpl, err := template.New("usage").Parse(usageMessageTemplate)
	if err != nil {
		panic(err) // We've messed up our template
	}
	if err := tmpl.Execute(out, consts); err != nil {
		panic(err) // We've messed up our template
	}
	flagSet.SetOutput(out)
	flagSet.PrintDefaults()
	fmt.Fprintln(out, "\nVersion:", consts.Version)
}

// parseCommandLine sets up the flags-to-config mapping and parses the supplied command line
// arguments. It starts from scratch each time (via flagSet being recreated in mainExecute) to make it
// easier for test wrappers to call mainExecute repeatedly.
func parseCommandLine(args []string) error {
	flagSet.BoolVar(&cfg.help, "h", false, "Print usage message to Stdout then exit(0)")
	flagSet.BoolVar(&cfg.verbose, "v", false, "Verbose status and stats - otherwise only errors are output")
	flagSet.BoolVar(&cfg.version, "version", false, "Print version and exit")

	flagSet.BoolVar(&cfg.logClientIn, "log-client-in", false, "Compact print of query arriving from client")
	flagSet.BoolVar(&cfg.logClientOut, "log-client-out", false, "Compact print of response returned to client")

	flagSet.DurationVar(&cfg.statusInterval, "i", 0, "Periodic Status Report `interval` (0 disables)")

	flagSet.BoolVar(&cfg.background, "background", false, "Daemonize: re-exec detached from the controlling terminal")
	flagSet.BoolVar(&cfg.gops, "gops", false, "Start github.com/google/gops agent")

	flagSet.StringVar(&cfg.setuidName, "user", "", "setuid `username` to constrain process after start-up (disabled for Linux)")
	flagSet.StringVar(&cfg.setgidName, "group", "", "setgid `groupname` to constrain process after start-up (disabled for Linux)")
	flagSet.StringVar(&cfg.chrootDir, "chroot", "", "chroot `directory` to constrain process after start-up")

	return flagSet.Parse(args[1:])
}
