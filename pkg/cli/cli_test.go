package cli

import (
	"bytes"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"toytcp/pkg/ipstack"
	"toytcp/pkg/tcpstack"
)

// syncBuffer is a bytes.Buffer safe to read while the CLI writes to it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type host struct {
	link *ipstack.VirtualLink
	cli  *CLI
	out  *syncBuffer
}

func newHost(t *testing.T, prefix string) *host {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	link, err := ipstack.NewVirtualLink(ipstack.LinkConfig{
		Interfaces: []ipstack.LinkInterface{{
			Name:   "if0",
			Prefix: netip.MustParsePrefix(prefix),
			UDP:    netip.MustParseAddrPort("127.0.0.1:0"),
		}},
	}, log)
	if err != nil {
		t.Fatal(err)
	}
	cfg := tcpstack.DefaultConfig()
	cfg.RetransmitInterval = 10 * time.Millisecond
	cfg.RTO = 100 * time.Millisecond
	cfg.RTOMax = 400 * time.Millisecond
	stack, err := tcpstack.New(link, tcpstack.WithConfig(cfg), tcpstack.WithLogger(log))
	if err != nil {
		link.Close()
		t.Fatal(err)
	}
	t.Cleanup(func() { stack.Shutdown() })

	h := &host{link: link, out: &syncBuffer{}}
	h.cli = New(link, stack, h.out, log)
	link.RegisterRecvHandler(ipstack.ProtocolTest, h.cli.HandleTestPacket)
	return h
}

func twoHosts(t *testing.T) (*host, *host) {
	a := newHost(t, "10.1.0.1/24")
	b := newHost(t, "10.1.0.2/24")
	if err := a.link.AddNeighbor("if0", netip.MustParseAddr("10.1.0.2"), b.link.Interfaces()[0].UDP); err != nil {
		t.Fatal(err)
	}
	if err := b.link.AddNeighbor("if0", netip.MustParseAddr("10.1.0.1"), a.link.Interfaces()[0].UDP); err != nil {
		t.Fatal(err)
	}
	return a, b
}

func (h *host) exec(t *testing.T, line string) {
	t.Helper()
	if err := h.cli.Exec(line); err != nil {
		t.Fatalf("%q: %v", line, err)
	}
}

func (h *host) waitOutput(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(h.out.String(), want) {
		if time.Now().After(deadline) {
			t.Fatalf("output never contained %q; got:\n%s", want, h.out.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestExecErrors(t *testing.T) {
	a, _ := twoHosts(t)
	for _, tc := range []struct {
		line, want string
	}{
		{"bogus", "invalid command"},
		{"a", "usage: a <port>"},
		{"a 70000", "invalid port"},
		{"c 10.1.0.2", "usage: c"},
		{"c nowhere 80", "invalid address"},
		{"s 9 hi", "doesn't exist"},
		{"r x 5", "invalid socket id"},
		{"cl 4", "doesn't exist"},
		{"down if7", "not found"},
		{"send 10.1.0.2", "usage: send"},
	} {
		t.Run(tc.line, func(t *testing.T) {
			err := a.cli.Exec(tc.line)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Exec(%q) = %v, want error containing %q", tc.line, err, tc.want)
			}
		})
	}
}

func TestInterfacesAndRoutes(t *testing.T) {
	a, _ := twoHosts(t)
	a.exec(t, "li")
	a.waitOutput(t, "if0  10.1.0.1/24 up")
	a.exec(t, "ln")
	a.waitOutput(t, "if0     10.1.0.2")
	a.exec(t, "lr")
	a.waitOutput(t, "LOCAL:if0")

	a.exec(t, "down if0")
	a.exec(t, "li")
	a.waitOutput(t, "if0  10.1.0.1/24 down")
	a.exec(t, "up if0")
}

func TestSendTestPacket(t *testing.T) {
	a, b := twoHosts(t)
	a.exec(t, "send 10.1.0.2 hello there")
	b.waitOutput(t, "Src: 10.1.0.1, Dst: 10.1.0.2, Data: hello there")
}

func TestConnectSendRead(t *testing.T) {
	a, b := twoHosts(t)
	a.exec(t, "a 80")
	a.waitOutput(t, "Created listen socket with ID 0")

	b.exec(t, "c 10.1.0.1 80")
	b.waitOutput(t, "Created new socket with ID 0")
	a.waitOutput(t, "New connection on socket 0 => created new socket 1")

	b.exec(t, "s 0 hello")
	b.waitOutput(t, "Sent 5 bytes")
	a.exec(t, "r 1 5")
	a.waitOutput(t, "Read 5 bytes: hello")

	a.exec(t, "ls")
	a.waitOutput(t, "ESTABLISHED")
	a.waitOutput(t, "LISTEN")

	b.exec(t, "cl 0")
	a.exec(t, "r 1 5")
	a.waitOutput(t, "Read 0 bytes: EOF")
}

func TestFileTransfer(t *testing.T) {
	a, b := twoHosts(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	content := bytes.Repeat([]byte("file transfer over the virtual link\n"), 500)
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatal(err)
	}

	a.exec(t, "rf "+dst+" 9000")
	b.exec(t, "sf "+src+" 10.1.0.1 9000")
	b.waitOutput(t, "Sent 18000 total bytes")
	a.waitOutput(t, "Received 18000 total bytes")

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("received file differs: %d bytes, want %d", len(got), len(content))
	}
}

func TestRunStopsOnQuit(t *testing.T) {
	a, _ := twoHosts(t)
	in := strings.NewReader("li\nbogus\nq\nli\n")
	if err := a.cli.Run(in); err != nil {
		t.Fatal(err)
	}
	out := a.out.String()
	if strings.Count(out, "Name  Addr/Prefix State") != 1 {
		t.Errorf("expected one listing before quit, got:\n%s", out)
	}
	if !strings.Contains(out, "error: invalid command") {
		t.Errorf("missing error line:\n%s", out)
	}
}
