// Package ipstack moves IPv4 datagrams between the TCP engine and the
// network. Two transports are provided: RawTransport uses a kernel raw
// socket, VirtualLink carries IPv4 over UDP between virtual hosts.
package ipstack

import (
	"net/netip"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

const (
	ProtocolTest uint8 = 0
	ProtocolTCP        = uint8(header.TCPProtocolNumber)

	// MaxDatagramSize bounds a single read.
	MaxDatagramSize = 1 << 16
)

var (
	ErrClosed  = errors.New("transport closed")
	ErrNoRoute = errors.New("no route to host")
)

// Datagram is one inbound IPv4 packet with its header already removed.
type Datagram struct {
	Src      netip.Addr
	Dst      netip.Addr
	Protocol uint8
	Payload  []byte
}

// Transport is what the TCP engine needs from the layer below it.
type Transport interface {
	// SendTo writes payload as a TCP datagram from src to dst.
	SendTo(payload []byte, src, dst netip.Addr) (int, error)
	// Recv blocks for the next datagram. It returns ErrClosed once the
	// transport has been closed.
	Recv() (Datagram, error)
	// LocalAddr returns the source address used to reach dst.
	LocalAddr(dst netip.Addr) (netip.Addr, error)
	Close() error
}

// HandlerFunc consumes datagrams of one protocol.
type HandlerFunc func(Datagram)
