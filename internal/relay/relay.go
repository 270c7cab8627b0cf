/*
Package relay implements the per-connection TCP<->UDP state machine that is the reason this
program exists: one Relay per accepted TCP connection, reading a length-prefixed DNS query,
forwarding it verbatim as a single UDP datagram to the connected upstream, and writing the
upstream's reply back onto the TCP stream with its own length prefix.

Each Relay runs its own goroutine with sequential, blocking I/O calls, which keeps the five-state
dialog (Reading, Forwarding, AwaitingReply, Writing, Closed) readable top to bottom instead of
scattered across callback methods.
*/
package relay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/markdingo/dnsbridge/internal/admission"
	"github.com/markdingo/dnsbridge/internal/constants"
	"github.com/markdingo/dnsbridge/internal/dnsutil"
)

// ErrKind indexes the per-connection failure categories a Listener aggregates across all the
// Relays it owns.
type ErrKind int

const (
	ErrReadFailed ErrKind = iota
	ErrZeroLength
	ErrForwardFailed
	ErrAwaitReplyFailed
	ErrWriteFailed
	ErrIdleTimeout
	ErrKindSize
)

// Stats is the set of per-connection events a Relay reports to its owner for aggregation: one call
// on a clean round-trip, one call (naming which error class) on a path to Closed caused by an error
// or the idle timer. A peer close (EOF) or an external Stop records no error.
type Stats interface {
	AddSuccess(latency time.Duration)
	AddError(kind ErrKind)

	// Closed is called exactly once, from terminate, so an owner tracking live Relays by key
	// (as Listener does) can drop its bookkeeping entry.
	Closed(key string)
}

// Relay drives one accepted TCP connection through its entire lifetime. The zero value is not
// usable; construct with New.
type Relay struct {
	incoming net.Conn
	outgoing *net.UDPConn

	request  []byte // capacity BufSize; request[0:reqLen] holds buffered-but-unconsumed bytes
	reqLen   int
	response []byte // capacity BufSize; reused for every reply

	idleTimeout time.Duration
	idleTimer   *time.Timer

	closeOnce sync.Once

	admission *admission.Controller
	key       string // Admission accounting key, normally incoming.RemoteAddr().String()

	stats Stats

	logIn  bool // Compact-print the query arriving from the client (--log-client-in)
	logOut bool // Compact-print the reply returned to the client (--log-client-out)
	stdout io.Writer
}

// New constructs a Relay for an already-accepted TCP connection and an already-connected UDP
// socket to the upstream. Neither socket is touched until Start is called. logIn/logOut
// independently gate the Q:/R: trace lines, so a caller can log queries, replies, both or neither.
func New(incoming net.Conn, outgoing *net.UDPConn, adm *admission.Controller, key string, stats Stats, logIn, logOut bool, stdout io.Writer) *Relay {
	consts := constants.Get()

	return &Relay{
		incoming:    incoming,
		outgoing:    outgoing,
		request:     make([]byte, consts.BufSize),
		response:    make([]byte, consts.BufSize),
		idleTimeout: time.Duration(consts.IdleTimeoutSeconds) * time.Second,
		admission:   adm,
		key:         key,
		stats:       stats,
		logIn:       logIn,
		logOut:      logOut,
		stdout:      stdout,
	}
}

// Start arms the idle timer and begins the Relay's read/forward/reply loop in a new goroutine. It
// returns immediately; the Relay runs until it reaches Closed.
func (r *Relay) Start() {
	r.idleTimer = time.AfterFunc(r.idleTimeout, r.onIdleTimeout)
	go r.run()
}

// run is the Relay's entire lifetime: Reading, Forwarding, AwaitingReply and Writing in strict
// sequence for each query, looping until the connection is closed by the peer, by an error, or by
// the idle timer. Pipelined bytes left over in the request buffer after a Writing completes are
// consumed immediately on the next iteration without issuing a fresh TCP read.
func (r *Relay) run() {
	defer r.terminate()

	for {
		if err := r.readHeader(); err != nil {
			r.noteIOError(ErrReadFailed, err)
			return
		}

		length := int(binary.BigEndian.Uint16(r.request[0:constants.Get().HeaderLen]))
		if length == 0 {
			r.stats.AddError(ErrZeroLength)
			return
		}

		consts := constants.Get()
		need := consts.HeaderLen + length
		if err := r.readBody(need); err != nil {
			r.noteIOError(ErrReadFailed, err)
			return
		}

		payload := r.request[consts.HeaderLen:need]
		start := time.Now()

		if r.logIn {
			fmt.Fprintln(r.stdout, "Q:"+r.key, dnsutil.DescribeRaw(payload))
		}

		r.admission.SetActivity(r.key, admission.ActivityActive)

		if err := r.forward(payload); err != nil {
			r.noteIOError(ErrForwardFailed, err)
			return
		}

		replyLen, err := r.awaitReply()
		if err != nil {
			r.noteIOError(ErrAwaitReplyFailed, err)
			return
		}

		if r.logOut {
			fmt.Fprintln(r.stdout, "R:"+r.key, dnsutil.DescribeRaw(r.response[consts.HeaderLen:consts.HeaderLen+replyLen]))
		}

		if err := r.writeReply(replyLen); err != nil {
			r.noteIOError(ErrWriteFailed, err)
			return
		}

		r.compact(need)
		r.admission.SetActivity(r.key, admission.ActivityIdle)
		r.stats.AddSuccess(time.Since(start))
	}
}

// readHeader blocks until the request buffer holds at least HeaderLen bytes. If those bytes are
// already present from a previous pipelined read it returns immediately. Otherwise it reads in
// Readahead-sized chunks to amortize short reads, matching the event-driven source shape over the
// unbounded-readahead select-loop variant.
func (r *Relay) readHeader() error {
	consts := constants.Get()
	for r.reqLen < consts.HeaderLen {
		want := consts.Readahead
		if r.reqLen+want > len(r.request) {
			want = len(r.request) - r.reqLen
		}
		n, err := r.incoming.Read(r.request[r.reqLen : r.reqLen+want])
		if n > 0 {
			r.reqLen += n
			r.idleTimer.Reset(r.idleTimeout)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// readBody blocks until the request buffer holds need bytes total (header plus full payload). A
// pipelined next query already fully buffered by a previous read satisfies this without blocking.
func (r *Relay) readBody(need int) error {
	for r.reqLen < need {
		n, err := r.incoming.Read(r.request[r.reqLen:need])
		if n > 0 {
			r.reqLen += n
			r.idleTimer.Reset(r.idleTimeout)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// forward sends the payload as a single UDP datagram to the connected upstream. A connected UDP
// socket delivers exactly the bytes given or an error; there is no partial-datagram case to
// handle.
func (r *Relay) forward(payload []byte) error {
	_, err := r.outgoing.Write(payload)
	if err != nil {
		return err
	}
	r.idleTimer.Reset(r.idleTimeout)
	return nil
}

// awaitReply blocks for exactly one UDP datagram from the upstream and stages it in the response
// buffer at offset HeaderLen, returning its length.
func (r *Relay) awaitReply() (int, error) {
	consts := constants.Get()
	n, err := r.outgoing.Read(r.response[consts.HeaderLen : consts.HeaderLen+consts.MaxMsgLen])
	if err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint16(r.response[0:consts.HeaderLen], uint16(n))
	r.idleTimer.Reset(r.idleTimeout)
	return n, nil
}

// writeReply writes the framed reply - length prefix plus payload - as one logical write-all so a
// partial TCP write can never leave a half-written frame on the wire.
func (r *Relay) writeReply(n int) error {
	consts := constants.Get()
	total := consts.HeaderLen + n
	written := 0
	for written < total {
		w, err := r.incoming.Write(r.response[written:total])
		if w > 0 {
			written += w
		}
		if err != nil {
			return err
		}
	}
	r.idleTimer.Reset(r.idleTimeout)
	return nil
}

// compact shifts any bytes trailing the just-consumed frame (pipelined queries already received in
// one TCP segment) down to the start of the request buffer.
func (r *Relay) compact(consumed int) {
	remaining := r.reqLen - consumed
	if remaining > 0 {
		copy(r.request, r.request[consumed:r.reqLen])
	}
	r.reqLen = remaining
}

// onIdleTimeout fires IdleTimeoutSeconds after the last successful I/O on this Relay. Closing both
// sockets unblocks whichever blocking call run() is currently inside; run() then observes the
// resulting error and returns, entering Closed via terminate.
func (r *Relay) onIdleTimeout() {
	r.stats.AddError(ErrIdleTimeout)
	r.closeSockets()
}

// terminate is the sole path into Closed: it stops the idle timer, closes both sockets
// idempotently and releases the admission slot exactly once. Deferred from run(), it also runs
// when Stop is called externally during process shutdown.
func (r *Relay) terminate() {
	r.idleTimer.Stop()
	r.closeSockets()
	r.admission.Release(r.key)
	r.stats.Closed(r.key)
}

// Stop forces this Relay closed from outside its own goroutine, used during Supervisor shutdown to
// cancel every outstanding Relay. Safe to call more than once and safe to call concurrently with
// the Relay's own teardown.
func (r *Relay) Stop() {
	r.closeSockets()
}

func (r *Relay) closeSockets() {
	r.closeOnce.Do(func() {
		r.incoming.Close()
		r.outgoing.Close()
	})
}

// noteIOError classifies an I/O error as either expected cancellation (teardown in progress,
// silently ignored per the no-retry error policy) or a genuine failure worth a stats bump.
func (r *Relay) noteIOError(kind ErrKind, err error) {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return
	}
	r.stats.AddError(kind)
}
