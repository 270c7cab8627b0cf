package main

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

// mutexBytesBuffer is a bytes.Buffer safe for concurrent use from multiple goroutines, since
// stdout/stderr here are shared between the goroutine running mainExecute and the test goroutine
// asserting on their contents.
type mutexBytesBuffer struct {
	mu     sync.Mutex
	buffer bytes.Buffer
}

func (t *mutexBytesBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buffer.Write(p)
}

func (t *mutexBytesBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buffer.String()
}

type usageTestCase struct {
	args   []string
	stdout []string
	stderr string
}

var usageTestCases = []usageTestCase{
	{[]string{"--version"}, []string{"dnsbridge", "Version:"}, ""},
	{[]string{"-h"}, []string{"NAME", "SYNOPSIS", "OPTIONS", "Version: v"}, ""},
	{[]string{}, []string{}, "Usage: dnsbridge"},
	{[]string{"192.0.2.53"}, []string{}, "Usage: dnsbridge"},
	{[]string{"-badopt"}, []string{}, "flag provided but not defined"},
	{[]string{"not-an-ip", "127.0.0.1"}, []string{}, "is not a numeric IP address"},
	{[]string{"192.0.2.53", "not-an-ip"}, []string{}, "is not a numeric IP address"},
	{[]string{"-i", "xxs", "192.0.2.53", "127.0.0.1"}, []string{}, "invalid value"},
}

func TestUsage(t *testing.T) {
	for tx, tc := range usageTestCases {
		t.Run(fmt.Sprintf("%d", tx), func(t *testing.T) {
			args := append([]string{"dnsbridge"}, tc.args...)
			out := &bytes.Buffer{}
			errOut := &bytes.Buffer{}
			mainInit(out, errOut)

			ec := mainExecute(args)
			outStr := out.String()
			errStr := errOut.String()

			if ec == 0 && len(tc.stderr) > 0 {
				t.Error("Expected non-zero exit with stderr", tc.stderr)
			}
			if len(errStr) > 0 && len(tc.stderr) == 0 {
				t.Error("Did not expect a fatal error:", errStr)
			}
			if !strings.Contains(errStr, tc.stderr) {
				t.Error("Stderr expected:", tc.stderr, "Got:", errStr)
			}
			for _, o := range tc.stdout {
				if !strings.Contains(outStr, o) {
					t.Error("Stdout expected:", o, "Got:", outStr)
				}
			}
		})
	}
}

// waitForMainExecute blocks until mainStarted is set, sleeps howLong, then asks main to stop and
// waits for mainStopped. It never runs to completion without root since every listen address binds
// port 53.
func waitForMainExecute(t *testing.T, howLong time.Duration) error {
	for ix := 0; ix < 20; ix++ {
		if mainStarted {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !mainStarted {
		return fmt.Errorf("mainStarted did not get set after one second")
	}
	time.Sleep(howLong)
	stopMain()
	for ix := 0; ix < 20; ix++ {
		if mainStopped {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !mainStopped {
		return fmt.Errorf("mainStopped did not get set one second after stopMain()")
	}
	return nil
}

// TestMainRunAndShutdown exercises the full startup/shutdown sequence against the real privileged
// listen port, so it only runs when the test binary is root.
func TestMainRunAndShutdown(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("Skipping full startup/shutdown test as not running as root (port 53 requires it)")
	}

	out := &mutexBytesBuffer{}
	errOut := &mutexBytesBuffer{}
	mainInit(out, errOut)

	done := make(chan error, 1)
	go func() {
		done <- waitForMainExecute(t, 100*time.Millisecond)
	}()

	ec := mainExecute([]string{"dnsbridge", "-v", "127.0.0.1", "127.0.0.1"})
	if e := <-done; e != nil {
		t.Fatal(e, "stdout:", out.String(), "stderr:", errOut.String())
	}
	if ec != 0 {
		t.Error("Expected zero exit code, got", ec, errOut.String())
	}
	if !strings.Contains(out.String(), "Starting") {
		t.Error("Expected a Starting line in stdout", out.String())
	}
	if !strings.Contains(out.String(), "Exiting") {
		t.Error("Expected an Exiting line in stdout", out.String())
	}
}
