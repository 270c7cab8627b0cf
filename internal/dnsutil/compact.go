// Package dnsutil provides best-effort, failure-tolerant decoding of raw DNS message bytes for
// diagnostic logging only. The relay never parses, rewrites or otherwise depends on message
// contents to do its job - these helpers exist solely to make --log-client-in/--log-client-out
// trace lines readable. A message that fails to unpack (truncated mid-pipeline, garbage from a
// misbehaving client, a reply that arrived after the relay gave up on it) is never fatal here; it
// just falls back to a byte-count summary.
package dnsutil

import (
	"fmt"

	"github.com/miekg/dns"
)

// DescribeRaw unpacks raw and returns a compact single-line description suitable for a verbose
// trace log. Parse failures are not reported as errors to the caller - the summary degrades
// gracefully to a byte count instead.
func DescribeRaw(raw []byte) string {
	m := new(dns.Msg)
	if err := m.Unpack(raw); err != nil {
		return fmt.Sprintf("%d bytes (unparsed: %s)", len(raw), err)
	}

	return CompactMsgString(m)
}

// CompactMsgString generates a relatively compact single-line, printable representation of most of
// the useful data in a dns.Msg. The output is intended to be well suited to printing to a log or
// trace file.
//
// The generated format is: ID/Op/rcode (bits) IN/type/qname ACount/NCount/ECount Answers Auths Extras
func CompactMsgString(m *dns.Msg) string {
	bits := ""
	if m.MsgHdr.Response {
		bits += "R"
	}
	if m.MsgHdr.Authoritative {
		bits += "A"
	}
	if m.MsgHdr.Truncated {
		bits += "T"
	}
	if m.MsgHdr.RecursionDesired {
		bits += "d"
	}
	if m.MsgHdr.RecursionAvailable {
		bits += "a"
	}

	qClass := "?"
	qType := "?"
	qName := "?"
	if len(m.Question) > 0 {
		q := m.Question[0]
		qClass = dns.ClassToString[q.Qclass]
		qType = dns.TypeToString[q.Qtype]
		qName = q.Name
	}
	opCode := "?"
	ok := false
	if opCode, ok = dns.OpcodeToString[m.MsgHdr.Opcode]; ok && len(opCode) >= 2 {
		opCode = opCode[0:2]
	}
	s := fmt.Sprintf("%d/%s/%d (%s) %s/%s/%s %d/%d/%d",
		m.MsgHdr.Id, opCode, m.MsgHdr.Rcode, bits,
		qClass, qType, qName, len(m.Answer), len(m.Ns), len(m.Extra))
	s += " A:" + CompactRRsString(m.Answer) + " N:" + CompactRRsString(m.Ns) + " E:" + CompactRRsString(m.Extra)

	return s
}

// CompactRRsString generates a compact String() representation of an array of dns.RRs
func CompactRRsString(rrs []dns.RR) string {
	s := ""
	sep := ""
	for _, interfaceRR := range rrs {
		s += sep
		sep = "/"
		switch rr := interfaceRR.(type) {
		case *dns.A:
			s += "A*" + rr.A.String()
		case *dns.AAAA:
			s += "AAAA*" + rr.AAAA.String()
		case *dns.MX:
			s += fmt.Sprintf("MX*%d-%s", rr.Preference, rr.Mx)
		case *dns.NS:
			s += "NS*" + rr.Ns
		case *dns.SRV:
			s += fmt.Sprintf("SRV*%d-%d-%s:%d", rr.Priority, rr.Weight, rr.Target, rr.Port)
		case *dns.OPT:
			s += fmt.Sprintf("OPT(%d,%d)", rr.ExtendedRcode(), rr.UDPSize())
		default:
			s += dns.TypeToString[interfaceRR.Header().Rrtype]
		}
	}

	return s
}
