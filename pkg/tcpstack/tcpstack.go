// Package tcpstack is a user-space TCP engine. It keeps a table of
// connections keyed by 4-tuple, applies inbound segments to them from a
// single receiver goroutine and resends unacknowledged segments from a
// single timer goroutine.
package tcpstack

import (
	"context"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"toytcp/pkg/ipstack"
	"toytcp/pkg/tcpflags"
)

const (
	SocketBufferSize     = 4380
	MaxVirtualPacketSize = 1360

	ephemeralLow   = 49152
	ephemeralCount = 65536 - ephemeralLow
)

var (
	ErrClosed              = errors.New("connection closed")
	ErrUnknownSocket       = errors.New("unknown socket")
	ErrAddrInUse           = errors.New("address already in use")
	ErrNotListening        = errors.New("socket is not listening")
	ErrNotConnected        = errors.New("socket is not connected")
	ErrConnectionReset     = errors.New("connection reset by peer")
	ErrRetransmitExhausted = errors.New("retransmission limit reached")
	ErrConnectTimeout      = errors.New("connect timed out")
)

type Config struct {
	// LocalAddr is the source address for Connect. When invalid the
	// transport picks one per destination.
	LocalAddr netip.Addr
	// MSS caps the payload of a single segment.
	MSS                int
	RetransmitInterval time.Duration
	RTO                time.Duration
	RTOMax             time.Duration
	MaxRetransmits     int
	TimeWait           time.Duration
	// ConnectTimeout bounds Connect, and Close when LingerOnClose is set.
	ConnectTimeout time.Duration
	LingerOnClose  bool
}

func DefaultConfig() Config {
	return Config{
		MSS:                MaxVirtualPacketSize,
		RetransmitInterval: 100 * time.Millisecond,
		RTO:                time.Second,
		RTOMax:             10 * time.Second,
		MaxRetransmits:     5,
		TimeWait:           2 * time.Second,
		ConnectTimeout:     30 * time.Second,
	}
}

// Validate reports the first setting that is out of range.
func (c Config) Validate() error {
	switch {
	case c.MSS <= 0 || c.MSS > SocketBufferSize:
		return errors.Errorf("mss %d out of range (1..%d)", c.MSS, SocketBufferSize)
	case c.RetransmitInterval <= 0:
		return errors.New("retransmit interval must be positive")
	case c.RTO <= 0:
		return errors.New("rto must be positive")
	case c.RTOMax < c.RTO:
		return errors.Errorf("rto max %s below rto %s", c.RTOMax, c.RTO)
	case c.MaxRetransmits < 0:
		return errors.New("max retransmits must not be negative")
	case c.TimeWait < 0:
		return errors.New("time wait must not be negative")
	case c.ConnectTimeout <= 0:
		return errors.New("connect timeout must be positive")
	case c.LocalAddr.IsValid() && !c.LocalAddr.Is4():
		return errors.Errorf("local address %s is not IPv4", c.LocalAddr)
	}
	return nil
}

type Option func(*TCPStack)

func WithConfig(cfg Config) Option {
	return func(s *TCPStack) { s.cfg = cfg }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *TCPStack) { s.log = log.WithField("component", "tcpstack") }
}

// WithISN replaces the random initial sequence number generator.
func WithISN(isn func() uint32) Option {
	return func(s *TCPStack) { s.isn = isn }
}

// TCPStack is safe for concurrent use. Share the pointer.
type TCPStack struct {
	cfg       Config
	log       logrus.FieldLogger
	dropLog   *rate.Limiter
	isn       func() uint32
	transport ipstack.Transport

	socksLock sync.Mutex
	socks     map[SockID]*TCPSocket

	ctx          context.Context
	cancel       context.CancelFunc
	group        *errgroup.Group
	shutdownOnce sync.Once
	shutdownErr  error
}

// New starts the receiver and retransmission goroutines on t. The stack
// owns t from here on and closes it in Shutdown.
func New(t ipstack.Transport, opts ...Option) (*TCPStack, error) {
	if t == nil {
		return nil, errors.New("tcpstack: nil transport")
	}
	s := &TCPStack{
		cfg:       DefaultConfig(),
		log:       logrus.StandardLogger().WithField("component", "tcpstack"),
		dropLog:   rate.NewLimiter(rate.Every(time.Second), 5),
		isn:       rand.Uint32,
		transport: t,
		socks:     make(map[SockID]*TCPSocket),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "tcpstack: invalid config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.group, s.ctx = errgroup.WithContext(ctx)
	s.cancel = cancel
	s.group.Go(func() error { return s.receiveLoop(s.ctx) })
	s.group.Go(func() error { return s.retransmitLoop(s.ctx) })
	return s, nil
}

// Shutdown stops both background goroutines, closes the transport and
// fails every remaining socket with ErrClosed.
func (s *TCPStack) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.cancel()
		closeErr := s.transport.Close()
		err := s.group.Wait()
		if err == nil && closeErr != nil {
			err = errors.Wrap(closeErr, "close transport")
		}
		s.shutdownErr = err

		s.socksLock.Lock()
		socks := s.socks
		s.socks = make(map[SockID]*TCPSocket)
		s.socksLock.Unlock()
		for _, sock := range socks {
			sock.mu.Lock()
			sock.removed = true
			sock.fail(ErrClosed)
			sock.mu.Unlock()
		}
		s.log.Info("stack shut down")
	})
	return s.shutdownErr
}

func (s *TCPStack) stopped() bool {
	return s.ctx.Err() != nil
}

func (s *TCPStack) get(id SockID) (*TCPSocket, error) {
	if s.stopped() {
		return nil, ErrClosed
	}
	s.socksLock.Lock()
	defer s.socksLock.Unlock()
	sock, ok := s.socks[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSocket, "%s", id)
	}
	return sock, nil
}

// lookup finds the socket for an inbound segment: the exact 4-tuple, then a
// listener on the destination address, then a wildcard listener.
func (s *TCPStack) lookup(id SockID) *TCPSocket {
	s.socksLock.Lock()
	defer s.socksLock.Unlock()
	if sock, ok := s.socks[id]; ok {
		return sock
	}
	if sock, ok := s.socks[SockID{LocalAddr: id.LocalAddr, LocalPort: id.LocalPort}]; ok {
		return sock
	}
	if sock, ok := s.socks[SockID{LocalAddr: netip.IPv4Unspecified(), LocalPort: id.LocalPort}]; ok {
		return sock
	}
	return nil
}

func (s *TCPStack) lookupExact(id SockID) *TCPSocket {
	s.socksLock.Lock()
	defer s.socksLock.Unlock()
	return s.socks[id]
}

// remove drops sock from the table if it is still the entry for id and
// wakes anyone lingering on it. Callers must not hold sock.mu.
func (s *TCPStack) remove(id SockID, sock *TCPSocket) {
	s.socksLock.Lock()
	if cur, ok := s.socks[id]; ok && cur == sock {
		delete(s.socks, id)
	}
	s.socksLock.Unlock()

	sock.mu.Lock()
	sock.removed = true
	if sock.timeWaitTimer != nil {
		sock.timeWaitTimer.Stop()
		sock.timeWaitTimer = nil
	}
	sock.cond.Broadcast()
	sock.mu.Unlock()
	s.log.WithField("sock", id).Debug("socket removed")
}

func (s *TCPStack) snapshot() []*TCPSocket {
	s.socksLock.Lock()
	defer s.socksLock.Unlock()
	out := make([]*TCPSocket, 0, len(s.socks))
	for _, sock := range s.socks {
		out = append(out, sock)
	}
	return out
}

// Listen opens a listener on addr:port. An invalid or unspecified addr
// accepts connections to any local address.
func (s *TCPStack) Listen(addr netip.Addr, port uint16) (SockID, error) {
	if s.stopped() {
		return SockID{}, ErrClosed
	}
	if !addr.IsValid() {
		addr = netip.IPv4Unspecified()
	}
	id := SockID{LocalAddr: addr, LocalPort: port}

	s.socksLock.Lock()
	defer s.socksLock.Unlock()
	if _, exists := s.socks[id]; exists {
		return SockID{}, errors.Wrapf(ErrAddrInUse, "%s", id)
	}
	s.socks[id] = newListener(id)
	s.log.WithField("sock", id).Info("listening")
	return id, nil
}

// Accept blocks until a connection to listener completes its handshake and
// returns it. Connections are returned in the order they completed.
func (s *TCPStack) Accept(listener SockID) (SockID, error) {
	sock, err := s.get(listener)
	if err != nil {
		return SockID{}, err
	}
	sock.mu.Lock()
	defer sock.mu.Unlock()
	if sock.state != LISTEN {
		return SockID{}, errors.Wrapf(ErrNotListening, "%s", listener)
	}
	for len(sock.acceptQueue) == 0 && sock.state == LISTEN {
		sock.cond.Wait()
	}
	if len(sock.acceptQueue) == 0 {
		if sock.err != nil {
			return SockID{}, sock.err
		}
		return SockID{}, ErrClosed
	}
	child := sock.acceptQueue[0]
	sock.acceptQueue = sock.acceptQueue[1:]
	s.log.WithField("sock", child).Info("accepted")
	return child, nil
}

// Connect opens a connection to addr:port and blocks until it is
// established or fails.
func (s *TCPStack) Connect(addr netip.Addr, port uint16) (SockID, error) {
	if s.stopped() {
		return SockID{}, ErrClosed
	}
	if !addr.Is4() {
		return SockID{}, errors.Errorf("remote address %s is not IPv4", addr)
	}
	local := s.cfg.LocalAddr
	if !local.IsValid() {
		var err error
		if local, err = s.transport.LocalAddr(addr); err != nil {
			return SockID{}, errors.Wrapf(err, "connect %s", netip.AddrPortFrom(addr, port))
		}
	}

	s.socksLock.Lock()
	id, err := s.ephemeralID(local, addr, port)
	if err != nil {
		s.socksLock.Unlock()
		return SockID{}, err
	}
	sock := newSocket(id, SYN_SENT, s.cfg)
	s.socks[id] = sock
	s.socksLock.Unlock()

	sock.mu.Lock()
	isn := seqnum.Value(s.isn())
	sock.snd = SendParam{UnackedSeq: isn, Next: isn, InitialSeq: isn}
	syn := s.newSegment(sock, isn, tcpflags.SYN, nil)
	if err := s.writeSegment(sock, syn); err != nil {
		sock.mu.Unlock()
		s.remove(id, sock)
		return SockID{}, err
	}
	sock.syn = newSynEntry(syn, s.cfg)
	sock.snd.Next = isn.Add(1)
	s.log.WithFields(logrus.Fields{"sock": id, "isn": uint32(isn)}).Info("connecting")

	timeout := time.AfterFunc(s.cfg.ConnectTimeout, func() {
		sock.mu.Lock()
		defer sock.mu.Unlock()
		if sock.state == SYN_SENT {
			sock.fail(ErrConnectTimeout)
		}
	})
	for sock.state == SYN_SENT {
		sock.cond.Wait()
	}
	timeout.Stop()
	if sock.state == CLOSED {
		err := sock.err
		if err == nil {
			err = ErrClosed
		}
		sock.mu.Unlock()
		s.remove(id, sock)
		return SockID{}, errors.Wrapf(err, "connect %s", netip.AddrPortFrom(addr, port))
	}
	sock.mu.Unlock()
	return id, nil
}

// ephemeralID picks an unused local port for the given remote end.
// Callers hold socksLock.
func (s *TCPStack) ephemeralID(local, remote netip.Addr, port uint16) (SockID, error) {
	start := rand.Intn(ephemeralCount)
	for i := 0; i < ephemeralCount; i++ {
		id := SockID{
			LocalAddr:  local,
			LocalPort:  uint16(ephemeralLow + (start+i)%ephemeralCount),
			RemoteAddr: remote,
			RemotePort: port,
		}
		if _, used := s.socks[id]; !used {
			return id, nil
		}
	}
	return SockID{}, errors.Wrap(ErrAddrInUse, "no free ephemeral port")
}

// Send queues data on an established connection and returns how much was
// sent. It blocks while the peer's window is full.
func (s *TCPStack) Send(id SockID, data []byte) (int, error) {
	sock, err := s.get(id)
	if err != nil {
		return 0, err
	}
	sock.mu.Lock()
	defer sock.mu.Unlock()

	sent := 0
	for sent < len(data) {
		for sock.canSend() && sock.usableWindow() == 0 {
			sock.sendBlocked = true
			sock.cond.Wait()
		}
		sock.sendBlocked = false
		if !sock.canSend() {
			return sent, sock.sendError()
		}

		n := len(data) - sent
		if n > s.cfg.MSS {
			n = s.cfg.MSS
		}
		if usable := sock.usableWindow(); n > usable {
			n = usable
		}
		seg := s.newSegment(sock, sock.snd.Next, tcpflags.ACK|tcpflags.PSH, data[sent:sent+n])
		if err := s.transmit(sock, seg); err != nil {
			return sent, err
		}
		sock.snd.Next = sock.snd.Next.Add(seqnum.Size(n))
		sent += n
	}
	return sent, nil
}

func (sock *TCPSocket) canSend() bool {
	return sock.err == nil && (sock.state == ESTABLISHED || sock.state == CLOSE_WAIT)
}

func (sock *TCPSocket) sendError() error {
	if sock.err != nil {
		return sock.err
	}
	switch sock.state {
	case SYN_SENT, SYN_RECEIVED, LISTEN:
		return errors.Wrapf(ErrNotConnected, "%s in %s", sock.id, sock.state)
	}
	return errors.Wrapf(ErrClosed, "%s in %s", sock.id, sock.state)
}

// Recv blocks until data is buffered or the peer has closed its half, then
// copies up to len(buf) bytes. It returns 0, nil at end of stream and the
// connection's error if it failed. An empty buf returns 0, nil at once
// without waiting or consuming anything.
func (s *TCPStack) Recv(id SockID, buf []byte) (int, error) {
	sock, err := s.get(id)
	if err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, nil
	}
	sock.mu.Lock()
	n, done, err := s.recv(sock, buf)
	sock.mu.Unlock()
	if done {
		s.remove(id, sock)
	}
	return n, err
}

// recv is Recv under sock.mu. done reports that the end of stream was just
// returned on a record kept only for its unread data.
func (s *TCPStack) recv(sock *TCPSocket, buf []byte) (n int, done bool, err error) {
	if sock.state == LISTEN {
		return 0, false, errors.Wrapf(ErrNotConnected, "%s is a listener", sock.id)
	}
	for sock.recvBuf.IsEmpty() && !sock.finReceived && sock.state != CLOSED {
		sock.cond.Wait()
	}
	if !sock.recvBuf.IsEmpty() {
		n, _ = sock.recvBuf.Read(buf)
		s.windowUpdate(sock)
		return n, false, nil
	}
	if sock.err != nil {
		return 0, false, sock.err
	}
	return 0, sock.drainPending, nil
}

// windowUpdate tells a peer that saw a closed window that there is room
// again. Callers hold sock.mu.
func (s *TCPStack) windowUpdate(sock *TCPSocket) {
	if sock.rcv.Window > 0 || sock.recvWindow() == 0 || !sock.state.synchronized() {
		return
	}
	seg := s.newSegment(sock, sock.snd.Next, tcpflags.ACK, nil)
	if err := s.transmit(sock, seg); err != nil {
		s.log.WithError(err).WithField("sock", sock.id).Warn("window update failed")
	}
}

// Close starts an orderly close. It returns once the FIN is on its way,
// or, with LingerOnClose, once the connection has left the table.
func (s *TCPStack) Close(id SockID) error {
	sock, err := s.get(id)
	if err != nil {
		return err
	}
	sock.mu.Lock()
	sock.applicationClosed = true
	log := s.log.WithField("sock", id)

	switch sock.state {
	case LISTEN:
		pending := sock.acceptQueue
		sock.acceptQueue = nil
		sock.fail(ErrClosed)
		sock.mu.Unlock()
		s.remove(id, sock)
		for _, cid := range pending {
			if child := s.lookupExact(cid); child != nil {
				s.abort(child)
			}
		}
		log.WithField("reset", len(pending)).Info("listener closed")
		return nil

	case SYN_SENT, SYN_RECEIVED:
		rst := s.newSegment(sock, sock.snd.Next, tcpflags.RST, nil)
		if err := s.writeSegment(sock, rst); err != nil {
			log.WithError(err).Debug("reset on close failed")
		}
		sock.fail(ErrClosed)
		sock.mu.Unlock()
		s.remove(id, sock)
		return nil

	case CLOSED:
		sock.fail(ErrClosed)
		sock.mu.Unlock()
		s.remove(id, sock)
		return nil

	case ESTABLISHED, CLOSE_WAIT:
		fin := s.newSegment(sock, sock.snd.Next, tcpflags.FIN|tcpflags.ACK, nil)
		if err := s.transmit(sock, fin); err != nil {
			sock.mu.Unlock()
			return err
		}
		sock.snd.Next = sock.snd.Next.Add(1)
		next := FIN_WAIT_1
		if sock.state == CLOSE_WAIT {
			next = LAST_ACK
		}
		s.transition(sock, next)
		sock.cond.Broadcast()
	}

	if s.cfg.LingerOnClose {
		s.linger(sock)
	}
	sock.mu.Unlock()
	return nil
}

// linger waits with sock.mu held until the socket leaves the table or
// ConnectTimeout passes.
func (s *TCPStack) linger(sock *TCPSocket) {
	expired := false
	t := time.AfterFunc(s.cfg.ConnectTimeout, func() {
		sock.mu.Lock()
		expired = true
		sock.cond.Broadcast()
		sock.mu.Unlock()
	})
	defer t.Stop()
	for !sock.removed && !expired {
		sock.cond.Wait()
	}
}

// State reports a socket's current state.
func (s *TCPStack) State(id SockID) (TCPState, error) {
	sock, err := s.get(id)
	if err != nil {
		return CLOSED, err
	}
	sock.mu.Lock()
	defer sock.mu.Unlock()
	return sock.state, nil
}

// Sockets lists every socket in the table, ordered by local then remote
// port.
func (s *TCPStack) Sockets() []SocketInfo {
	socks := s.snapshot()
	out := make([]SocketInfo, 0, len(socks))
	for _, sock := range socks {
		out = append(out, sock.info())
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].ID, out[j].ID
		if a.LocalPort != b.LocalPort {
			return a.LocalPort < b.LocalPort
		}
		if a.RemotePort != b.RemotePort {
			return a.RemotePort < b.RemotePort
		}
		return a.RemoteAddr.Less(b.RemoteAddr)
	})
	return out
}

// transition logs and applies a state change. Callers hold sock.mu.
func (s *TCPStack) transition(sock *TCPSocket, to TCPState) {
	from := sock.setState(to)
	if from != to {
		s.log.WithFields(logrus.Fields{"sock": sock.id, "from": from, "to": to}).Debug("state change")
	}
}
