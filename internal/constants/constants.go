/*
Package constants provides common values used across all dnsbridge packages. Usage is to call the
global Get() function which returns the Constants by value ensuring that any modifications made
(accidental or otherwise) will not affect other modules when they call Get().

Typically usage:

    consts := constants.Get()
    fmt.Println("I am", consts.ProgramName, "listening with backlog", consts.ListenBacklog)

The primary reason for making this a constructed struct rather than the more typical const () block
is so that it can be fed directly into templating packages for printing usage messages.
*/
package constants

// Constants contains the system-wide constants
type Constants struct {
	ProgramName string
	Version     string
	PackageName string
	PackageURL  string

	HeaderLen int // DNS-over-TCP length prefix size
	MaxMsgLen int // Maximum DNS message length (16-bit field)
	BufSize   int // HeaderLen + MaxMsgLen - per-direction buffer capacity
	Readahead int // Hint for initial TCP read when the length prefix is not yet available

	IdleTimeoutSeconds int // Per-connection inactivity limit
	MaxConn            int // Global concurrent TCP connection cap
	ListenBacklog      int // listen() backlog per Listener

	DNSDefaultPort  string
	DNSUDPTransport string // Suitable for the "net" package
	DNSTCPTransport string

	DefaultUID int // Unprivileged uid used when no --user override is given
	DefaultGID int // Unprivileged gid used when no --group override is given
}

var readOnlyConstants *Constants

// createReadOnlyConstants creates a read-only copy of the Constants which is copied whenever a
// caller asks for the constants set. The main reason for returning a struct is so that callers can
// inspect and/or use packages that introspect - particularly */template packages.
func createReadOnlyConstants() {
	readOnlyConstants = &Constants{
		ProgramName: "dnsbridge",
		Version:     "v0.1.0",
		PackageName: "DNS TCP/UDP Transport Bridge",
		PackageURL:  "https://github.com/markdingo/dnsbridge",

		HeaderLen: 2,
		MaxMsgLen: 65535,
		BufSize:   2 + 65535,
		Readahead: 512,

		IdleTimeoutSeconds: 30,
		MaxConn:            300,
		ListenBacklog:      10,

		DNSDefaultPort:  "53",
		DNSUDPTransport: "udp",
		DNSTCPTransport: "tcp",

		DefaultUID: 65534,
		DefaultGID: 65534,
	}
}

func init() {
	createReadOnlyConstants()
}

// Get returns a copy of the Constants struct. Return by value so internal values cannot be
// inadvertently changed by callers.
func Get() Constants {
	return *readOnlyConstants
}
