package ipstack

import (
	"net"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// LinkInterface is one virtual interface: an address on a virtual network
// backed by a UDP socket on the host.
type LinkInterface struct {
	Name   string
	Prefix netip.Prefix // interface address with the network length, e.g. 10.0.0.1/24
	UDP    netip.AddrPort
}

// LinkNeighbor maps a virtual address reachable on an interface to the UDP
// endpoint that receives its traffic.
type LinkNeighbor struct {
	Addr      netip.Addr
	UDP       netip.AddrPort
	Interface string
}

// LinkRoute is a static route via a neighbor.
type LinkRoute struct {
	Prefix  netip.Prefix
	NextHop netip.Addr
}

type LinkConfig struct {
	Interfaces []LinkInterface
	Neighbors  []LinkNeighbor
	Routes     []LinkRoute
	TTL        int
}

// Route types as shown by Routes.
const (
	RouteLocal  = "L"
	RouteStatic = "S"
)

type ForwardingEntry struct {
	Prefix       netip.Prefix
	NextHopIP    netip.Addr
	OutInterface string
	Cost         int
	Type         string
}

type Interface struct {
	Name      string
	VirtualIP netip.Addr
	Network   netip.Prefix
	UDP       netip.AddrPort
	Neighbors map[netip.Addr]netip.AddrPort

	conn    *net.UDPConn
	enabled atomic.Bool
}

// InterfaceInfo is a snapshot of an interface for display.
type InterfaceInfo struct {
	Name      string
	Prefix    netip.Prefix
	UDP       netip.AddrPort
	Up        bool
	Neighbors map[netip.Addr]netip.AddrPort
}

// VirtualLink is a Transport that encapsulates IPv4 datagrams in UDP. It
// delivers datagrams addressed to one of its interfaces and forwards the
// rest along its forwarding table.
type VirtualLink struct {
	log     logrus.FieldLogger
	dropLog *rate.Limiter
	ttl     int

	mu         sync.RWMutex
	interfaces map[string]*Interface
	forwarding map[netip.Prefix]*ForwardingEntry
	handlers   map[uint8]HandlerFunc

	inbound   chan Datagram
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ Transport = (*VirtualLink)(nil)

// NewVirtualLink binds every interface and starts one reader per
// interface.
func NewVirtualLink(cfg LinkConfig, log logrus.FieldLogger) (*VirtualLink, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	vl := &VirtualLink{
		log:        log.WithField("component", "ipstack"),
		dropLog:    rate.NewLimiter(rate.Every(time.Second), 1),
		ttl:        cfg.TTL,
		interfaces: make(map[string]*Interface),
		forwarding: make(map[netip.Prefix]*ForwardingEntry),
		handlers:   make(map[uint8]HandlerFunc),
		inbound:    make(chan Datagram, 256),
		done:       make(chan struct{}),
	}
	if vl.ttl <= 0 {
		vl.ttl = DefaultTTL
	}

	for _, i := range cfg.Interfaces {
		if _, dup := vl.interfaces[i.Name]; dup {
			vl.closeConns()
			return nil, errors.Errorf("duplicate interface %q", i.Name)
		}
		conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(i.UDP))
		if err != nil {
			vl.closeConns()
			return nil, errors.Wrapf(err, "bind %s for interface %s", i.UDP, i.Name)
		}
		iface := &Interface{
			Name:      i.Name,
			VirtualIP: i.Prefix.Addr(),
			Network:   i.Prefix.Masked(),
			UDP:       unmap(conn.LocalAddr().(*net.UDPAddr).AddrPort()),
			Neighbors: make(map[netip.Addr]netip.AddrPort),
			conn:      conn,
		}
		iface.enabled.Store(true)
		vl.interfaces[i.Name] = iface
		vl.forwarding[iface.Network] = &ForwardingEntry{
			Prefix:       iface.Network,
			OutInterface: iface.Name,
			Type:         RouteLocal,
		}
	}

	for _, n := range cfg.Neighbors {
		if err := vl.AddNeighbor(n.Interface, n.Addr, n.UDP); err != nil {
			vl.closeConns()
			return nil, err
		}
	}

	for _, r := range cfg.Routes {
		if err := vl.AddRoute(r.Prefix, r.NextHop); err != nil {
			vl.closeConns()
			return nil, err
		}
	}

	for _, iface := range vl.interfaces {
		vl.wg.Add(1)
		go vl.listen(iface)
	}
	return vl, nil
}

// AddNeighbor makes addr reachable through the named interface.
func (vl *VirtualLink) AddNeighbor(ifaceName string, addr netip.Addr, udp netip.AddrPort) error {
	vl.mu.Lock()
	defer vl.mu.Unlock()
	iface, ok := vl.interfaces[ifaceName]
	if !ok {
		return errors.Errorf("interface %q not found", ifaceName)
	}
	iface.Neighbors[addr] = unmap(udp)
	return nil
}

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// AddRoute installs a static route to prefix via nextHop, which must be a
// neighbor on some interface.
func (vl *VirtualLink) AddRoute(prefix netip.Prefix, nextHop netip.Addr) error {
	vl.mu.Lock()
	defer vl.mu.Unlock()
	for _, iface := range vl.interfaces {
		if _, ok := iface.Neighbors[nextHop]; ok {
			vl.forwarding[prefix.Masked()] = &ForwardingEntry{
				Prefix:       prefix.Masked(),
				NextHopIP:    nextHop,
				OutInterface: iface.Name,
				Cost:         1,
				Type:         RouteStatic,
			}
			return nil
		}
	}
	return errors.Errorf("can't locate interface to reach next hop %s for route %s", nextHop, prefix)
}

// RegisterRecvHandler diverts datagrams of protocolNum to fn instead of
// Recv.
func (vl *VirtualLink) RegisterRecvHandler(protocolNum uint8, fn HandlerFunc) {
	vl.mu.Lock()
	defer vl.mu.Unlock()
	vl.handlers[protocolNum] = fn
}

// SendTo implements Transport.
func (vl *VirtualLink) SendTo(payload []byte, src, dst netip.Addr) (int, error) {
	if err := vl.SendIP(src, dst, ProtocolTCP, payload); err != nil {
		return 0, err
	}
	return len(payload), nil
}

// SendIP wraps data in an IPv4 header and sends it toward dst. An invalid
// src is replaced with the outgoing interface address.
func (vl *VirtualLink) SendIP(src, dst netip.Addr, protoNum uint8, data []byte) error {
	select {
	case <-vl.done:
		return ErrClosed
	default:
	}
	if vl.isLocal(dst) {
		if !src.IsValid() {
			src = dst
		}
		vl.deliver(Datagram{Src: src, Dst: dst, Protocol: protoNum, Payload: append([]byte(nil), data...)})
		return nil
	}
	iface, nextHop, err := vl.searchTable(dst)
	if err != nil {
		return err
	}
	if !src.IsValid() {
		src = iface.VirtualIP
	}
	hBytes, err := constructIPHeader(src, dst, protoNum, vl.ttl, data)
	if err != nil {
		return err
	}
	return vl.send(iface, nextHop, hBytes, data)
}

// LocalAddr implements Transport.
func (vl *VirtualLink) LocalAddr(dst netip.Addr) (netip.Addr, error) {
	if vl.isLocal(dst) {
		return dst, nil
	}
	iface, _, err := vl.searchTable(dst)
	if err != nil {
		return netip.Addr{}, err
	}
	return iface.VirtualIP, nil
}

// Recv implements Transport.
func (vl *VirtualLink) Recv() (Datagram, error) {
	select {
	case d := <-vl.inbound:
		return d, nil
	case <-vl.done:
		return Datagram{}, ErrClosed
	}
}

// Close stops the readers and releases the UDP sockets.
func (vl *VirtualLink) Close() error {
	vl.closeOnce.Do(func() {
		close(vl.done)
		vl.closeConns()
	})
	vl.wg.Wait()
	return nil
}

func (vl *VirtualLink) closeConns() {
	for _, iface := range vl.interfaces {
		iface.conn.Close()
	}
}

func (vl *VirtualLink) EnableInterface(name string) error {
	return vl.setEnabled(name, true)
}

func (vl *VirtualLink) DisableInterface(name string) error {
	return vl.setEnabled(name, false)
}

func (vl *VirtualLink) setEnabled(name string, up bool) error {
	vl.mu.RLock()
	defer vl.mu.RUnlock()
	iface, ok := vl.interfaces[name]
	if !ok {
		return errors.Errorf("interface %q not found", name)
	}
	iface.enabled.Store(up)
	return nil
}

// Interfaces lists the interfaces sorted by name.
func (vl *VirtualLink) Interfaces() []InterfaceInfo {
	vl.mu.RLock()
	defer vl.mu.RUnlock()
	out := make([]InterfaceInfo, 0, len(vl.interfaces))
	for _, iface := range vl.interfaces {
		neighbors := make(map[netip.Addr]netip.AddrPort, len(iface.Neighbors))
		for k, v := range iface.Neighbors {
			neighbors[k] = v
		}
		out = append(out, InterfaceInfo{
			Name:      iface.Name,
			Prefix:    netip.PrefixFrom(iface.VirtualIP, iface.Network.Bits()),
			UDP:       iface.UDP,
			Up:        iface.enabled.Load(),
			Neighbors: neighbors,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Routes lists the forwarding table, longest prefix first.
func (vl *VirtualLink) Routes() []ForwardingEntry {
	vl.mu.RLock()
	defer vl.mu.RUnlock()
	out := make([]ForwardingEntry, 0, len(vl.forwarding))
	for _, e := range vl.forwarding {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Prefix.Bits() != out[j].Prefix.Bits() {
			return out[i].Prefix.Bits() > out[j].Prefix.Bits()
		}
		return out[i].Prefix.Addr().Less(out[j].Prefix.Addr())
	})
	return out
}

func (vl *VirtualLink) isLocal(addr netip.Addr) bool {
	vl.mu.RLock()
	defer vl.mu.RUnlock()
	for _, iface := range vl.interfaces {
		if iface.VirtualIP == addr {
			return true
		}
	}
	return false
}

// searchTable finds the longest matching prefix for dst and returns the
// interface to write from and the UDP endpoint to write to.
func (vl *VirtualLink) searchTable(dst netip.Addr) (*Interface, netip.AddrPort, error) {
	vl.mu.RLock()
	defer vl.mu.RUnlock()
	var matched *ForwardingEntry
	for prefix, entry := range vl.forwarding {
		if prefix.Contains(dst) && (matched == nil || prefix.Bits() > matched.Prefix.Bits()) {
			matched = entry
		}
	}
	if matched == nil {
		return nil, netip.AddrPort{}, errors.Wrapf(ErrNoRoute, "%s", dst)
	}
	iface, ok := vl.interfaces[matched.OutInterface]
	if !ok {
		return nil, netip.AddrPort{}, errors.Errorf("interface %s not found", matched.OutInterface)
	}
	if !iface.enabled.Load() {
		return nil, netip.AddrPort{}, errors.Wrapf(ErrNoRoute, "interface %s is down", iface.Name)
	}

	hop := dst
	if matched.Type != RouteLocal {
		hop = matched.NextHopIP
	}
	udp, ok := iface.Neighbors[hop]
	if !ok {
		return nil, netip.AddrPort{}, errors.Wrapf(ErrNoRoute, "no neighbor info for %s", hop)
	}
	return iface, udp, nil
}

func (vl *VirtualLink) send(iface *Interface, nextHop netip.AddrPort, hBytes, data []byte) error {
	if !iface.enabled.Load() {
		return errors.Wrapf(ErrNoRoute, "interface %s is down", iface.Name)
	}
	p := make([]byte, 0, len(hBytes)+len(data))
	p = append(p, hBytes...)
	p = append(p, data...)
	if _, err := iface.conn.WriteToUDPAddrPort(p, nextHop); err != nil {
		return errors.Wrapf(err, "send on %s to %s", iface.Name, nextHop)
	}
	return nil
}

func (vl *VirtualLink) listen(iface *Interface) {
	defer vl.wg.Done()
	buf := make([]byte, MaxDatagramSize)
	for {
		n, _, err := iface.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-vl.done:
				return
			default:
			}
			vl.log.WithError(err).WithField("iface", iface.Name).Warn("read failed")
			continue
		}
		if !iface.enabled.Load() {
			continue
		}
		vl.processPacket(iface, buf[:n])
	}
}

func (vl *VirtualLink) processPacket(iface *Interface, packetData []byte) {
	hdr, payload, err := parseDatagram(packetData)
	if err != nil {
		vl.warnDrop(iface, err)
		return
	}

	if vl.isLocal(hdr.Dst) {
		vl.deliver(Datagram{
			Src:      hdr.Src,
			Dst:      hdr.Dst,
			Protocol: uint8(hdr.Protocol),
			Payload:  append([]byte(nil), payload...),
		})
		return
	}

	hdr.TTL--
	if hdr.TTL < 1 {
		vl.warnDrop(iface, errors.New("ttl expired"))
		return
	}
	hBytes, err := marshalWithChecksum(hdr)
	if err != nil {
		vl.warnDrop(iface, err)
		return
	}
	nextIface, nextHop, err := vl.searchTable(hdr.Dst)
	if err != nil {
		vl.warnDrop(iface, err)
		return
	}
	if err := vl.send(nextIface, nextHop, hBytes, payload); err != nil {
		vl.log.WithError(err).Warn("forward failed")
	}
}

func (vl *VirtualLink) deliver(d Datagram) {
	vl.mu.RLock()
	handler, ok := vl.handlers[d.Protocol]
	vl.mu.RUnlock()
	if ok {
		handler(d)
		return
	}
	select {
	case vl.inbound <- d:
	default:
		if vl.dropLog.Allow() {
			vl.log.WithField("src", d.Src).Warn("inbound queue full, dropping datagram")
		}
	}
}

func (vl *VirtualLink) warnDrop(iface *Interface, err error) {
	if vl.dropLog.Allow() {
		vl.log.WithError(err).WithField("iface", iface.Name).Warn("dropping packet")
	}
}
