// dnsbridge accepts DNS queries over TCP and forwards each to a single upstream resolver over UDP.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/markdingo/dnsbridge/internal/constants"
	"github.com/markdingo/dnsbridge/internal/osutil"
	"github.com/markdingo/dnsbridge/internal/supervisor"
)

// Program-wide variables
var (
	consts = constants.Get()
	cfg    *config

	stdout io.Writer // All I/O goes via these writers
	stderr io.Writer

	mainStarted, mainStopped bool // Record state transitions thru main (used by tests)
	flagSet                  *flag.FlagSet

	currentSupervisor *supervisor.Supervisor // Set once Run begins; used by stopMain in tests
)

func fatal(args ...interface{}) int {
	fmt.Fprint(stderr, "Fatal: ", consts.ProgramName, ": ")
	fmt.Fprintln(stderr, args...)

	return 1
}

// mainInit resets everything such that mainExecute() can be called multiple times in one program
// execution, which tests rely on to exercise mainExecute repeatedly with different arguments.
func mainInit(out, err io.Writer) {
	cfg = &config{}
	stdout = out
	stderr = err
	mainStarted = false
	mainStopped = false
	currentSupervisor = nil
}

func main() {
	mainInit(os.Stdout, os.Stderr)
	os.Exit(mainExecute(os.Args))
}

// stopMain is a test-only hook: it asks whatever Supervisor is currently running to shut down as
// if SIGTERM had arrived. It is a silent no-op if nothing is running yet.
func stopMain() {
	if currentSupervisor != nil {
		currentSupervisor.RequestShutdown()
	}
}

func mainExecute(args []string) int {
	flagSet = flag.NewFlagSet(args[0], flag.ContinueOnError)
	flagSet.SetOutput(stderr)
	if err := parseCommandLine(args); err != nil {
		return 1 // Error already printed by the flag package
	}
	if cfg.help {
		usage(stdout)
		return 0
	}
	if cfg.version {
		fmt.Fprintln(stdout, consts.ProgramName, "Version:", consts.Version)
		return 0
	}

	positional := flagSet.Args()
	if len(positional) < 2 {
		return fatal("Usage:", consts.ProgramName, "[options] upstream-ip listen-ip [listen-ip ...]")
	}
	upstreamIP := positional[0]
	listenIPs := positional[1:]

	if cfg.background {
		isParent, err := osutil.Daemonize(os.Stdout, os.Stderr)
		if err != nil {
			return fatal(err)
		}
		if isParent {
			return 0
		}
	}

	sup, err := supervisor.New(supervisor.Config{
		UpstreamIP:     upstreamIP,
		ListenIPs:      listenIPs,
		SetuidName:     cfg.setuidName,
		SetgidName:     cfg.setgidName,
		ChrootDir:      cfg.chrootDir,
		Verbose:        cfg.verbose,
		StatusInterval: cfg.statusInterval,
		LogClientIn:    cfg.logClientIn,
		LogClientOut:   cfg.logClientOut,
		Gops:           cfg.gops,
	}, stdout, stderr)
	if err != nil {
		return fatal(err)
	}

	currentSupervisor = sup
	mainStarted = true
	exitCode := sup.Run()
	mainStopped = true

	return exitCode
}
