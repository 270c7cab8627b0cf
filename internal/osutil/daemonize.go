package osutil

import (
	"fmt"
	"os"
)

// daemonizeEnv is set in the re-executed child so it knows not to daemonize again. Go has no
// portable fork() that safely preserves a running goroutine scheduler and open epoll/kqueue file
// descriptors across the call, so Daemonize re-execs the current binary instead: the parent starts
// a detached copy of itself with this sentinel set, prints the child's PID to stdout, and exits 0;
// the child recognises the sentinel and proceeds to run normally.
const daemonizeEnv = "DNSBRIDGE_DAEMON_CHILD=1"

// IsDaemonChild reports whether this process is the re-exec'd child of a Daemonize call.
func IsDaemonChild() bool {
	return os.Getenv("DNSBRIDGE_DAEMON_CHILD") == "1"
}

// Daemonize re-executes the current process detached from the controlling terminal. A re-exec'd
// child starts from scratch with no listening sockets or dropped privileges yet, so Daemonize must
// be called first, before any sockets are opened or privileges dropped, and the child repeats the
// full startup sequence itself.
//
// Note this does not call setsid: the child stays in its parent's session and process group, so it
// is detached from the controlling terminal's stdio but not fully session-independent. Full session
// detachment is out of scope here (daemonization itself is an ambient convenience, not a feature
// this program's transport semantics depend on).
//
// On success the parent prints the child's PID to stdout and returns (true, nil); the caller must
// exit 0 immediately. The child returns (false, nil) and continues running.
func Daemonize(stdout, stderr *os.File) (isParent bool, err error) {
	if IsDaemonChild() {
		return false, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return false, fmt.Errorf("osutil.Daemonize: cannot determine executable path: %s", err.Error())
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return false, fmt.Errorf("osutil.Daemonize: cannot open %s: %s", os.DevNull, err.Error())
	}
	defer devNull.Close()

	proc, err := os.StartProcess(exe, os.Args, &os.ProcAttr{
		Env:   append(os.Environ(), daemonizeEnv),
		Files: []*os.File{devNull, devNull, devNull},
	})
	if err != nil {
		return false, fmt.Errorf("osutil.Daemonize: re-exec failed: %s", err.Error())
	}

	fmt.Fprintf(stdout, "started successfully with PID %d\n", proc.Pid)

	return true, nil
}
