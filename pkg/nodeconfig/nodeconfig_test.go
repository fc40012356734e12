package nodeconfig

import (
	"bytes"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"toytcp/pkg/ipstack"
	"toytcp/pkg/tcpstack"
)

var netipOpts = cmp.Options{
	cmpopts.EquateComparable(netip.Addr{}, netip.Prefix{}, netip.AddrPort{}),
	cmpopts.EquateEmpty(),
}

const hostA = `
transport = "virtual"
log_level = "debug"
ttl = 16

[tcp]
rto = "200ms"
rto_max = "2s"
time_wait = "500ms"
linger_on_close = true

[[interfaces]]
name = "if0"
prefix = "10.0.0.1/24"
udp = "127.0.0.1:5000"

[[neighbors]]
addr = "10.0.0.2"
udp = "127.0.0.1:5001"
interface = "if0"

[[routes]]
prefix = "10.1.0.0/24"
next_hop = "10.0.0.2"
`

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := Default().Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var got Node
	if _, err := toml.Decode(buf.String(), &got); err != nil {
		t.Fatalf("Decode:\n%s\n%v", buf.String(), err)
	}
	if diff := cmp.Diff(Default(), got, netipOpts); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
}

func TestDefaultMatchesEngine(t *testing.T) {
	if diff := cmp.Diff(tcpstack.DefaultConfig(), Default().TCPConfig(), netipOpts); diff != "" {
		t.Errorf("TCPConfig of defaults (-want +got):\n%s", diff)
	}
}

func TestLoad(t *testing.T) {
	n, err := Load(writeFile(t, hostA))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	wantLink := ipstack.LinkConfig{
		TTL: 16,
		Interfaces: []ipstack.LinkInterface{{
			Name:   "if0",
			Prefix: netip.MustParsePrefix("10.0.0.1/24"),
			UDP:    netip.MustParseAddrPort("127.0.0.1:5000"),
		}},
		Neighbors: []ipstack.LinkNeighbor{{
			Addr:      netip.MustParseAddr("10.0.0.2"),
			UDP:       netip.MustParseAddrPort("127.0.0.1:5001"),
			Interface: "if0",
		}},
		Routes: []ipstack.LinkRoute{{
			Prefix:  netip.MustParsePrefix("10.1.0.0/24"),
			NextHop: netip.MustParseAddr("10.0.0.2"),
		}},
	}
	if diff := cmp.Diff(wantLink, n.Link(), netipOpts); diff != "" {
		t.Errorf("Link (-want +got):\n%s", diff)
	}

	wantTCP := tcpstack.DefaultConfig()
	wantTCP.RTO = 200 * time.Millisecond
	wantTCP.RTOMax = 2 * time.Second
	wantTCP.TimeWait = 500 * time.Millisecond
	wantTCP.LingerOnClose = true
	if diff := cmp.Diff(wantTCP, n.TCPConfig(), netipOpts); diff != "" {
		t.Errorf("TCPConfig (-want +got):\n%s", diff)
	}

	if lvl, err := n.Level(); err != nil || lvl.String() != "debug" {
		t.Errorf("Level = %v, %v", lvl, err)
	}
}

func TestLoadErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		body string
		want string
	}{
		{"syntax", "transport = ", "parse"},
		{"unknown key", hostA + "\nbogus = 1\n", "unknown key"},
		{"bad duration", "[tcp]\nrto = \"soon\"\n", "duration"},
		{"bad address", "[raw]\nbind = \"not-an-ip\"\n", "parse"},
		{"no interfaces", `transport = "virtual"`, "at least one interface"},
		{"bad transport", `transport = "carrier-pigeon"`, "unknown transport"},
		{"bad level", "transport = \"raw\"\nlog_level = \"chatty\"\n", "log_level"},
		{"rto above max", "transport = \"raw\"\n[tcp]\nrto = \"20s\"\n", "tcp"},
		{"ipv6 bind", "transport = \"raw\"\n[raw]\nbind = \"::1\"\n", "not IPv4"},
		{
			"neighbor on unknown interface",
			strings.Replace(hostA, `interface = "if0"`, `interface = "if9"`, 1),
			"unknown interface",
		},
		{
			"duplicate interface",
			hostA + "\n[[interfaces]]\nname = \"if0\"\nprefix = \"10.2.0.1/24\"\nudp = \"127.0.0.1:5002\"\n",
			"duplicate interface",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tc.body))
			if err == nil {
				t.Fatal("Load succeeded")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Load error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadRaw(t *testing.T) {
	n, err := Load(writeFile(t, "transport = \"raw\"\n[raw]\nbind = \"192.0.2.7\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if want := netip.MustParseAddr("192.0.2.7"); n.Raw.Bind != want {
		t.Errorf("Raw.Bind = %s, want %s", n.Raw.Bind, want)
	}
	if n.Raw.RecvBuffer != Default().Raw.RecvBuffer {
		t.Errorf("Raw.RecvBuffer = %d, want default", n.Raw.RecvBuffer)
	}
}
