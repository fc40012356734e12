package ipstack

import (
	"net"
	"net/netip"
	"testing"
	"time"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	addrA    = netip.MustParseAddr("10.0.0.1")
	addrB    = netip.MustParseAddr("10.0.0.2")
	loopback = netip.MustParseAddrPort("127.0.0.1:0")
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}

func newLink(t *testing.T, prefix string) *VirtualLink {
	t.Helper()
	vl, err := NewVirtualLink(LinkConfig{
		Interfaces: []LinkInterface{{Name: "if0", Prefix: netip.MustParsePrefix(prefix), UDP: loopback}},
	}, testLogger())
	if err != nil {
		t.Fatalf("NewVirtualLink(%s): %v", prefix, err)
	}
	t.Cleanup(func() { vl.Close() })
	return vl
}

func udpOf(vl *VirtualLink) netip.AddrPort {
	return vl.Interfaces()[0].UDP
}

// pair returns two links on 10.0.0.0/24 that know each other.
func pair(t *testing.T) (*VirtualLink, *VirtualLink) {
	a := newLink(t, "10.0.0.1/24")
	b := newLink(t, "10.0.0.2/24")
	if err := a.AddNeighbor("if0", addrB, udpOf(b)); err != nil {
		t.Fatal(err)
	}
	if err := b.AddNeighbor("if0", addrA, udpOf(a)); err != nil {
		t.Fatal(err)
	}
	return a, b
}

func recvWithTimeout(t *testing.T, tr Transport) Datagram {
	t.Helper()
	ch := make(chan Datagram, 1)
	errc := make(chan error, 1)
	go func() {
		d, err := tr.Recv()
		if err != nil {
			errc <- err
			return
		}
		ch <- d
	}()
	select {
	case d := <-ch:
		return d
	case err := <-errc:
		t.Fatalf("Recv: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
	return Datagram{}
}

func TestVirtualLinkDelivers(t *testing.T) {
	a, b := pair(t)
	payload := []byte("segment bytes")
	n, err := a.SendTo(payload, addrA, addrB)
	if err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	if n != len(payload) {
		t.Errorf("SendTo() = %d, want %d", n, len(payload))
	}
	got := recvWithTimeout(t, b)
	want := Datagram{Src: addrA, Dst: addrB, Protocol: ProtocolTCP, Payload: payload}
	if diff := cmp.Diff(want, got, cmpopts.EquateComparable(netip.Addr{})); diff != "" {
		t.Errorf("datagram mismatch (-want +got):\n%s", diff)
	}
}

func TestVirtualLinkHeaderChecksum(t *testing.T) {
	a := newLink(t, "10.0.0.1/24")
	peer, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(loopback))
	if err != nil {
		t.Fatal(err)
	}
	defer peer.Close()
	if err := a.AddNeighbor("if0", addrB, peer.LocalAddr().(*net.UDPAddr).AddrPort()); err != nil {
		t.Fatal(err)
	}
	if err := a.SendIP(netip.Addr{}, addrB, ProtocolTCP, []byte("abc")); err != nil {
		t.Fatalf("SendIP: %v", err)
	}

	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1500)
	n, _, err := peer.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	hdr, err := ipv4header.ParseHeader(buf[:n])
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if got := header.Checksum(buf[:hdr.Len], 0); got != 0xffff {
		t.Errorf("header checksum folds to %#04x, want 0xffff", got)
	}
	if hdr.Src != addrA || hdr.Dst != addrB || hdr.Protocol != int(ProtocolTCP) || hdr.TTL != DefaultTTL {
		t.Errorf("header = %+v", hdr)
	}
	if hdr.TotalLen != n {
		t.Errorf("TotalLen = %d, want %d", hdr.TotalLen, n)
	}
	if got := string(buf[hdr.Len:n]); got != "abc" {
		t.Errorf("payload = %q, want %q", got, "abc")
	}
}

func TestVirtualLinkDropsCorruptHeader(t *testing.T) {
	a, b := pair(t)
	raw, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(udpOf(b)))
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()
	hBytes, err := constructIPHeader(addrA, addrB, ProtocolTCP, DefaultTTL, []byte("bad"))
	if err != nil {
		t.Fatal(err)
	}
	hBytes[8]++ // TTL changes, checksum does not
	if _, err := raw.Write(append(hBytes, "bad"...)); err != nil {
		t.Fatal(err)
	}
	if _, err := a.SendTo([]byte("good"), addrA, addrB); err != nil {
		t.Fatal(err)
	}
	if got := recvWithTimeout(t, b); string(got.Payload) != "good" {
		t.Errorf("first delivered payload = %q, want %q", got.Payload, "good")
	}
}

func TestVirtualLinkHandler(t *testing.T) {
	a, b := pair(t)
	got := make(chan Datagram, 1)
	b.RegisterRecvHandler(ProtocolTest, func(d Datagram) { got <- d })
	if err := a.SendIP(netip.Addr{}, addrB, ProtocolTest, []byte("ping")); err != nil {
		t.Fatal(err)
	}
	select {
	case d := <-got:
		if string(d.Payload) != "ping" || d.Src != addrA {
			t.Errorf("handler got %+v", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler not called")
	}
}

func TestVirtualLinkLoopback(t *testing.T) {
	a := newLink(t, "10.0.0.1/24")
	if _, err := a.SendTo([]byte("self"), addrA, addrA); err != nil {
		t.Fatal(err)
	}
	if got := recvWithTimeout(t, a); string(got.Payload) != "self" {
		t.Errorf("payload = %q, want %q", got.Payload, "self")
	}
}

func TestVirtualLinkRouting(t *testing.T) {
	a, _ := pair(t)
	far := netip.MustParseAddr("192.168.5.9")
	if _, err := a.SendTo([]byte("x"), addrA, far); !errors.Is(err, ErrNoRoute) {
		t.Errorf("SendTo unrouted: got %v, want ErrNoRoute", err)
	}
	if _, err := a.LocalAddr(far); !errors.Is(err, ErrNoRoute) {
		t.Errorf("LocalAddr unrouted: got %v, want ErrNoRoute", err)
	}
	if err := a.AddRoute(netip.MustParsePrefix("192.168.0.0/16"), addrB); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}
	if got, err := a.LocalAddr(far); err != nil || got != addrA {
		t.Errorf("LocalAddr(%s) = %s, %v; want %s", far, got, err, addrA)
	}
	// b has no route onward, so it drops after decrementing TTL; nothing
	// arrives on b's Recv either.
	if _, err := a.SendTo([]byte("x"), addrA, far); err != nil {
		t.Errorf("SendTo routed: %v", err)
	}

	routes := a.Routes()
	if len(routes) != 2 || routes[0].Type != RouteStatic || routes[1].Type != RouteLocal {
		t.Errorf("Routes() = %+v", routes)
	}
	if err := a.AddRoute(netip.MustParsePrefix("172.16.0.0/12"), far); err == nil {
		t.Error("AddRoute via a non-neighbor succeeded")
	}
}

func TestVirtualLinkInterfaceDown(t *testing.T) {
	a, _ := pair(t)
	if err := a.DisableInterface("if0"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.SendTo([]byte("x"), addrA, addrB); !errors.Is(err, ErrNoRoute) {
		t.Errorf("SendTo on a down interface: got %v, want ErrNoRoute", err)
	}
	if a.Interfaces()[0].Up {
		t.Error("interface still reported up")
	}
	if err := a.EnableInterface("if0"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.SendTo([]byte("x"), addrA, addrB); err != nil {
		t.Errorf("SendTo after enable: %v", err)
	}
	if err := a.DisableInterface("nope"); err == nil {
		t.Error("DisableInterface on an unknown name succeeded")
	}
}

func TestVirtualLinkClose(t *testing.T) {
	a := newLink(t, "10.0.0.1/24")
	errc := make(chan error, 1)
	go func() {
		_, err := a.Recv()
		errc <- err
	}()
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Recv after Close: got %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Recv did not return after Close")
	}
	if _, err := a.SendTo([]byte("x"), addrA, addrB); !errors.Is(err, ErrClosed) {
		t.Errorf("SendTo after Close: got %v, want ErrClosed", err)
	}
}

func TestNewVirtualLinkErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  LinkConfig
	}{
		{"duplicate interface", LinkConfig{Interfaces: []LinkInterface{
			{Name: "if0", Prefix: netip.MustParsePrefix("10.0.0.1/24"), UDP: loopback},
			{Name: "if0", Prefix: netip.MustParsePrefix("10.1.0.1/24"), UDP: loopback},
		}}},
		{"neighbor on unknown interface", LinkConfig{
			Interfaces: []LinkInterface{{Name: "if0", Prefix: netip.MustParsePrefix("10.0.0.1/24"), UDP: loopback}},
			Neighbors:  []LinkNeighbor{{Addr: addrB, UDP: netip.MustParseAddrPort("127.0.0.1:1"), Interface: "if9"}},
		}},
		{"route via unknown neighbor", LinkConfig{
			Interfaces: []LinkInterface{{Name: "if0", Prefix: netip.MustParsePrefix("10.0.0.1/24"), UDP: loopback}},
			Routes:     []LinkRoute{{Prefix: netip.MustParsePrefix("0.0.0.0/0"), NextHop: addrB}},
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if vl, err := NewVirtualLink(tc.cfg, testLogger()); err == nil {
				vl.Close()
				t.Error("NewVirtualLink succeeded")
			}
		})
	}
}
