package main

import "time"

// config holds every flag-settable option. The two mandatory positional arguments (the upstream
// resolver address and one or more listen addresses, per the CLI surface) are read directly from
// flagSet.Args() in mainExecute rather than mirrored in here.
type config struct {
	help    bool
	version bool
	verbose bool

	background bool // Re-exec into the background before startup begins (see internal/osutil.Daemonize)
	gops       bool // Start the github.com/google/gops diagnostic agent

	statusInterval time.Duration

	logClientIn  bool // Compact print of the query arriving from a client
	logClientOut bool // Compact print of the reply returned to a client

	setuidName string // Empty falls back to the numeric unprivileged default
	setgidName string
	chrootDir  string
}
