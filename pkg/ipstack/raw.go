package ipstack

import (
	"net"
	"net/netip"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

// RawTransport sends and receives TCP over a kernel raw IPv4 socket. The
// kernel writes the IP header; reads come back with it stripped and the
// destination recovered from the control message. It needs CAP_NET_RAW,
// and the host's own TCP stack will answer with RST for ports it does not
// know about unless filtered.
type RawTransport struct {
	log  logrus.FieldLogger
	conn net.PacketConn
	pc   *ipv4.PacketConn
	bind netip.Addr

	closeOnce sync.Once
	closed    chan struct{}
}

var _ Transport = (*RawTransport)(nil)

// NewRawTransport opens a raw ip4:tcp socket bound to bind (the unspecified
// address for all). A positive recvBuffer sets SO_RCVBUF.
func NewRawTransport(bind netip.Addr, recvBuffer int, log logrus.FieldLogger) (*RawTransport, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	laddr := "0.0.0.0"
	if bind.IsValid() {
		if !bind.Is4() {
			return nil, errors.Errorf("raw transport needs an IPv4 address, got %s", bind)
		}
		laddr = bind.String()
	}
	conn, err := net.ListenPacket("ip4:tcp", laddr)
	if err != nil {
		return nil, errors.Wrap(err, "open raw socket")
	}
	if recvBuffer > 0 {
		if err := setRecvBuffer(conn, recvBuffer); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "set receive buffer")
		}
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetControlMessage(ipv4.FlagDst, true); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "enable destination control messages")
	}
	if bind.IsUnspecified() {
		bind = netip.Addr{}
	}
	return &RawTransport{
		log:    log.WithField("component", "ipstack"),
		conn:   conn,
		pc:     pc,
		bind:   bind,
		closed: make(chan struct{}),
	}, nil
}

// SendTo implements Transport.
func (rt *RawTransport) SendTo(payload []byte, src, dst netip.Addr) (int, error) {
	var cm *ipv4.ControlMessage
	if src.IsValid() && !src.IsUnspecified() {
		cm = &ipv4.ControlMessage{Src: src.AsSlice()}
	}
	n, err := rt.pc.WriteTo(payload, cm, &net.IPAddr{IP: dst.AsSlice()})
	if err != nil {
		if rt.isClosed() {
			return n, ErrClosed
		}
		return n, errors.Wrapf(err, "raw write to %s", dst)
	}
	return n, nil
}

// Recv implements Transport.
func (rt *RawTransport) Recv() (Datagram, error) {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, cm, src, err := rt.pc.ReadFrom(buf)
		if err != nil {
			if rt.isClosed() {
				return Datagram{}, ErrClosed
			}
			return Datagram{}, errors.Wrap(err, "raw read")
		}
		ipAddr, ok := src.(*net.IPAddr)
		if !ok {
			continue
		}
		srcAddr, ok := netip.AddrFromSlice(ipAddr.IP)
		if !ok {
			continue
		}
		var dst netip.Addr
		if cm != nil {
			dst, _ = netip.AddrFromSlice(cm.Dst)
		}
		if !dst.IsValid() {
			dst = rt.bind
		}
		return Datagram{
			Src:      srcAddr.Unmap(),
			Dst:      dst.Unmap(),
			Protocol: ProtocolTCP,
			Payload:  append([]byte(nil), buf[:n]...),
		}, nil
	}
}

// LocalAddr implements Transport. Without a bound address the kernel's
// route to dst decides.
func (rt *RawTransport) LocalAddr(dst netip.Addr) (netip.Addr, error) {
	if rt.bind.IsValid() {
		return rt.bind, nil
	}
	c, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(netip.AddrPortFrom(dst, 9)))
	if err != nil {
		return netip.Addr{}, errors.Wrapf(ErrNoRoute, "%s: %v", dst, err)
	}
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).AddrPort().Addr().Unmap(), nil
}

func (rt *RawTransport) Close() error {
	var err error
	rt.closeOnce.Do(func() {
		close(rt.closed)
		err = rt.pc.Close()
	})
	return err
}

func (rt *RawTransport) isClosed() bool {
	select {
	case <-rt.closed:
		return true
	default:
		return false
	}
}
