// Package cli is the interactive console of a virtual host.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"toytcp/pkg/ipstack"
	"toytcp/pkg/socket"
	"toytcp/pkg/tcpstack"
)

const usage = `Commands:
  li                          list interfaces
  ln                          list neighbors
  lr                          list routes
  up <iface> | down <iface>   enable or disable an interface
  send <addr> <message ...>   send a test packet
  a <port>                    listen on port and accept connections
  c <addr> <port>             connect
  ls                          list sockets
  s <sid> <bytes ...>         send on a socket
  r <sid> <numbytes>          read from a socket
  sf <file> <addr> <port>     send a file
  rf <file> <port>            receive one file on port
  cl <sid>                    close a socket
  q                           quit`

// CLI numbers sockets in the order it first sees them so they can be named
// with short ids at the prompt.
type CLI struct {
	link  *ipstack.VirtualLink // nil without a virtual link
	stack *tcpstack.TCPStack
	out   io.Writer
	log   logrus.FieldLogger

	outMu sync.Mutex

	mu     sync.Mutex
	nextID int
	ids    map[tcpstack.SockID]int
	socks  map[int]tcpstack.SockID
}

func New(link *ipstack.VirtualLink, stack *tcpstack.TCPStack, out io.Writer, log logrus.FieldLogger) *CLI {
	return &CLI{
		link:  link,
		stack: stack,
		out:   out,
		log:   log,
		ids:   make(map[tcpstack.SockID]int),
		socks: make(map[int]tcpstack.SockID),
	}
}

// Run executes commands from in until it is exhausted or "q" is entered.
func (c *CLI) Run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "q" || line == "exit" {
			return nil
		}
		if line == "" {
			continue
		}
		if err := c.Exec(line); err != nil {
			c.printf("error: %v\n", err)
		}
	}
	return errors.Wrap(scanner.Err(), "read commands")
}

// HandleTestPacket prints a datagram sent with "send".
func (c *CLI) HandleTestPacket(d ipstack.Datagram) {
	c.printf("Received test packet: Src: %s, Dst: %s, Data: %s\n", d.Src, d.Dst, d.Payload)
}

func (c *CLI) printf(format string, args ...interface{}) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// Exec runs one command line.
func (c *CLI) Exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	args := fields[1:]
	switch fields[0] {
	case "help", "h":
		c.printf("%s\n", usage)
		return nil
	case "li":
		return c.listInterfaces()
	case "ln":
		return c.listNeighbors()
	case "lr":
		return c.listRoutes()
	case "up", "down":
		if len(args) != 1 {
			return errors.Errorf("usage: %s <iface>", fields[0])
		}
		if c.link == nil {
			return errors.New("no virtual link")
		}
		if fields[0] == "up" {
			return c.link.EnableInterface(args[0])
		}
		return c.link.DisableInterface(args[0])
	case "send":
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			return errors.New("usage: send <addr> <message ...>")
		}
		return c.sendTest(parts[1], parts[2])
	case "a":
		if len(args) != 1 {
			return errors.New("usage: a <port>")
		}
		port, err := parsePort(args[0])
		if err != nil {
			return err
		}
		return c.listenAndAccept(port)
	case "c":
		if len(args) != 2 {
			return errors.New("usage: c <addr> <port>")
		}
		addr, port, err := parseAddrPort(args[0], args[1])
		if err != nil {
			return err
		}
		return c.connect(addr, port)
	case "ls":
		c.listSockets()
		return nil
	case "s":
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			return errors.New("usage: s <sid> <bytes ...>")
		}
		id, err := c.lookup(parts[1])
		if err != nil {
			return err
		}
		n, err := c.stack.Send(id, []byte(parts[2]))
		if err != nil {
			return err
		}
		c.printf("Sent %d bytes\n", n)
		return nil
	case "r":
		if len(args) != 2 {
			return errors.New("usage: r <sid> <numbytes>")
		}
		id, err := c.lookup(args[0])
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return errors.Errorf("invalid number of bytes %q", args[1])
		}
		buf := make([]byte, n)
		got, err := c.stack.Recv(id, buf)
		if err != nil {
			return err
		}
		if got == 0 {
			c.printf("Read 0 bytes: EOF\n")
			return nil
		}
		c.printf("Read %d bytes: %s\n", got, buf[:got])
		return nil
	case "sf":
		if len(args) != 3 {
			return errors.New("usage: sf <file> <addr> <port>")
		}
		addr, port, err := parseAddrPort(args[1], args[2])
		if err != nil {
			return err
		}
		go c.sendFile(args[0], addr, port)
		return nil
	case "rf":
		if len(args) != 2 {
			return errors.New("usage: rf <file> <port>")
		}
		port, err := parsePort(args[1])
		if err != nil {
			return err
		}
		l, err := socket.VListen(c.stack, netip.Addr{}, port)
		if err != nil {
			return err
		}
		c.register(l.ID())
		go c.recvFile(args[0], l)
		return nil
	case "cl":
		if len(args) != 1 {
			return errors.New("usage: cl <sid>")
		}
		id, err := c.lookup(args[0])
		if err != nil {
			return err
		}
		return c.stack.Close(id)
	}
	return errors.Errorf("invalid command %q (try help)", fields[0])
}

func parsePort(s string) (uint16, error) {
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil || port == 0 {
		return 0, errors.Errorf("invalid port %q", s)
	}
	return uint16(port), nil
}

func parseAddrPort(addr, port string) (netip.Addr, uint16, error) {
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return netip.Addr{}, 0, errors.Wrap(err, "invalid address")
	}
	p, err := parsePort(port)
	return a, p, err
}

// register numbers id if it has no number yet.
func (c *CLI) register(id tcpstack.SockID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.ids[id]; ok {
		return n
	}
	n := c.nextID
	c.nextID++
	c.ids[id] = n
	c.socks[n] = id
	return n
}

func (c *CLI) lookup(sid string) (tcpstack.SockID, error) {
	n, err := strconv.Atoi(sid)
	if err != nil {
		return tcpstack.SockID{}, errors.Errorf("invalid socket id %q", sid)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.socks[n]
	if !ok {
		return tcpstack.SockID{}, errors.Errorf("socket %d doesn't exist", n)
	}
	return id, nil
}

func (c *CLI) sendTest(dst, msg string) error {
	if c.link == nil {
		return errors.New("no virtual link")
	}
	addr, err := netip.ParseAddr(dst)
	if err != nil {
		return errors.Wrap(err, "invalid destination")
	}
	return c.link.SendIP(netip.Addr{}, addr, ipstack.ProtocolTest, []byte(msg))
}

func (c *CLI) listInterfaces() error {
	if c.link == nil {
		return errors.New("no virtual link")
	}
	var b strings.Builder
	b.WriteString("Name  Addr/Prefix State\n")
	for _, i := range c.link.Interfaces() {
		state := "down"
		if i.Up {
			state = "up"
		}
		fmt.Fprintf(&b, "%s  %s %s\n", i.Name, i.Prefix, state)
	}
	c.printf("%s", b.String())
	return nil
}

func (c *CLI) listNeighbors() error {
	if c.link == nil {
		return errors.New("no virtual link")
	}
	var b strings.Builder
	b.WriteString("Iface          VIP          UDPAddr\n")
	for _, i := range c.link.Interfaces() {
		if !i.Up {
			continue
		}
		vips := make([]netip.Addr, 0, len(i.Neighbors))
		for vip := range i.Neighbors {
			vips = append(vips, vip)
		}
		sort.Slice(vips, func(x, y int) bool { return vips[x].Less(vips[y]) })
		for _, vip := range vips {
			fmt.Fprintf(&b, "%s     %s   %s\n", i.Name, vip, i.Neighbors[vip])
		}
	}
	c.printf("%s", b.String())
	return nil
}

func (c *CLI) listRoutes() error {
	if c.link == nil {
		return errors.New("no virtual link")
	}
	var b strings.Builder
	b.WriteString("T       Prefix   Next hop   Cost\n")
	for _, r := range c.link.Routes() {
		next := r.NextHopIP.String()
		if r.Type == ipstack.RouteLocal {
			next = "LOCAL:" + r.OutInterface
		}
		fmt.Fprintf(&b, "%s  %s   %s      %d\n", r.Type, r.Prefix, next, r.Cost)
	}
	c.printf("%s", b.String())
	return nil
}

func (c *CLI) listSockets() {
	infos := c.stack.Sockets()
	type row struct {
		sid  int
		info tcpstack.SocketInfo
	}
	rows := make([]row, 0, len(infos))
	for _, si := range infos {
		rows = append(rows, row{c.register(si.ID), si})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].sid < rows[j].sid })

	var b strings.Builder
	b.WriteString("SID      LAddr LPort      RAddr    RPort    Status\n")
	for _, r := range rows {
		id := r.info.ID
		raddr, rport := "0.0.0.0", "0"
		if !id.IsListener() {
			raddr, rport = id.RemoteAddr.String(), strconv.Itoa(int(id.RemotePort))
		}
		fmt.Fprintf(&b, "%d    %s  %d      %s   %s   %s\n", r.sid, id.LocalAddr, id.LocalPort, raddr, rport, r.info.State)
	}
	c.printf("%s", b.String())
}

func (c *CLI) listenAndAccept(port uint16) error {
	l, err := socket.VListen(c.stack, netip.Addr{}, port)
	if err != nil {
		return err
	}
	c.printf("Created listen socket with ID %d\n", c.register(l.ID()))
	go func() {
		for {
			conn, err := l.VAccept()
			if err != nil {
				c.log.WithError(err).WithField("sock", l.ID()).Debug("accept loop done")
				return
			}
			c.printf("New connection on socket %d => created new socket %d\n", c.register(l.ID()), c.register(conn.ID()))
		}
	}()
	return nil
}

func (c *CLI) connect(addr netip.Addr, port uint16) error {
	conn, err := socket.VConnect(c.stack, addr, port)
	if err != nil {
		return err
	}
	c.printf("Created new socket with ID %d\n", c.register(conn.ID()))
	return nil
}

// sendFile copies path to a new connection and closes it once every byte
// has been acknowledged.
func (c *CLI) sendFile(path string, addr netip.Addr, port uint16) {
	f, err := os.Open(path)
	if err != nil {
		c.printf("sf: %v\n", err)
		return
	}
	defer f.Close()
	conn, err := socket.VConnect(c.stack, addr, port)
	if err != nil {
		c.printf("sf: %v\n", err)
		return
	}
	sid := c.register(conn.ID())
	c.printf("sf: connected as socket %d\n", sid)

	n, err := io.Copy(conn, f)
	if err != nil {
		c.printf("sf: socket %d: %v\n", sid, err)
	}
	c.waitAcked(conn.ID())
	if err := conn.VClose(); err != nil {
		c.printf("sf: close: %v\n", err)
	}
	c.printf("Sent %d total bytes\n", n)
}

func (c *CLI) waitAcked(id tcpstack.SockID) {
	for {
		done := true
		for _, si := range c.stack.Sockets() {
			if si.ID == id {
				done = si.Send.UnackedSeq == si.Send.Next || si.State == tcpstack.CLOSED
			}
		}
		if done {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// recvFile accepts one connection on l, writes everything it carries to
// path and closes both sockets.
func (c *CLI) recvFile(path string, l *socket.VTCPListener) {
	defer l.VClose()
	conn, err := l.VAccept()
	if err != nil {
		c.printf("rf: %v\n", err)
		return
	}
	c.printf("rf: client connected as socket %d\n", c.register(conn.ID()))
	defer conn.VClose()

	f, err := os.Create(path)
	if err != nil {
		c.printf("rf: %v\n", err)
		return
	}
	n, err := io.Copy(f, conn)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		c.printf("rf: %v\n", err)
	}
	c.printf("Received %d total bytes\n", n)
}
