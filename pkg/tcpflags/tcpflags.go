// TCP control flags and their one-byte wire encoding.
package tcpflags

import (
	"strings"

	"github.com/google/netstack/tcpip/header"
)

// Flags is the flags byte of a TCP header (offset 13).
type Flags uint8

const (
	CWR Flags = 1 << 7
	ECE Flags = 1 << 6
	URG Flags = header.TCPFlagUrg
	ACK Flags = header.TCPFlagAck
	PSH Flags = header.TCPFlagPsh
	RST Flags = header.TCPFlagRst
	SYN Flags = header.TCPFlagSyn
	FIN Flags = header.TCPFlagFin

	All = CWR | ECE | URG | ACK | PSH | RST | SYN | FIN
)

// wire order, high bit first
var ordered = []Flags{CWR, ECE, URG, ACK, PSH, RST, SYN, FIN}

// render order
var named = []struct {
	flag Flags
	name string
}{
	{SYN, "SYN"},
	{FIN, "FIN"},
	{RST, "RST"},
	{CWR, "CWR"},
	{ECE, "ECE"},
	{PSH, "PSH"},
	{URG, "URG"},
}

// BitMask returns every flag bit except flag. f&BitMask(ACK) != 0 reports
// whether anything other than ACK is set.
func BitMask(flag Flags) Flags {
	return All ^ flag
}

// FlagToString renders the set flags separated by spaces, e.g. "SYN FIN".
// ACK is not named.
func FlagToString(flags Flags) string {
	var names []string
	for _, n := range named {
		if flags&n.flag != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, " ")
}

// String is FlagToString with ACK appended when set, for logs.
func (f Flags) String() string {
	s := FlagToString(f)
	if f&ACK == 0 {
		return s
	}
	if s == "" {
		return "ACK"
	}
	return s + " ACK"
}

// Has reports whether every bit of mask is set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// HasAny reports whether at least one bit of mask is set.
func (f Flags) HasAny(mask Flags) bool { return f&mask != 0 }

// Split decomposes f into its single-bit flags, CWR first.
func Split(f Flags) []Flags {
	var out []Flags
	for _, flag := range ordered {
		if f&flag != 0 {
			out = append(out, flag)
		}
	}
	return out
}

// Join is the inverse of Split.
func Join(flags []Flags) Flags {
	var f Flags
	for _, flag := range flags {
		f |= flag
	}
	return f
}
