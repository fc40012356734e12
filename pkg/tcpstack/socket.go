package tcpstack

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/smallnest/ringbuffer"

	"toytcp/pkg/pqueue"
	"toytcp/pkg/retransmit"
)

const (
	CLOSED TCPState = iota
	LISTEN
	SYN_SENT
	SYN_RECEIVED
	ESTABLISHED
	FIN_WAIT_1
	FIN_WAIT_2
	CLOSING
	TIME_WAIT
	CLOSE_WAIT
	LAST_ACK
)

type TCPState int

var stateNames = [...]string{
	CLOSED:       "CLOSED",
	LISTEN:       "LISTEN",
	SYN_SENT:     "SYN_SENT",
	SYN_RECEIVED: "SYN_RECEIVED",
	ESTABLISHED:  "ESTABLISHED",
	FIN_WAIT_1:   "FIN_WAIT_1",
	FIN_WAIT_2:   "FIN_WAIT_2",
	CLOSING:      "CLOSING",
	TIME_WAIT:    "TIME_WAIT",
	CLOSE_WAIT:   "CLOSE_WAIT",
	LAST_ACK:     "LAST_ACK",
}

func (s TCPState) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(s))
}

// synchronized reports whether both sides have exchanged sequence numbers.
func (s TCPState) synchronized() bool {
	switch s {
	case ESTABLISHED, FIN_WAIT_1, FIN_WAIT_2, CLOSING, TIME_WAIT, CLOSE_WAIT, LAST_ACK:
		return true
	}
	return false
}

// SockID is a connection's 4-tuple. A listener has no remote half.
type SockID struct {
	LocalAddr  netip.Addr
	RemoteAddr netip.Addr
	LocalPort  uint16
	RemotePort uint16
}

func (id SockID) String() string {
	remote := "*"
	if id.RemoteAddr.IsValid() {
		remote = netip.AddrPortFrom(id.RemoteAddr, id.RemotePort).String()
	}
	return fmt.Sprintf("%s -> %s", netip.AddrPortFrom(id.LocalAddr, id.LocalPort), remote)
}

func (id SockID) IsListener() bool {
	return !id.RemoteAddr.IsValid()
}

type SendParam struct {
	UnackedSeq seqnum.Value
	Next       seqnum.Value
	Window     uint16 // last window the peer advertised
	InitialSeq seqnum.Value
}

type RecvParam struct {
	Next       seqnum.Value
	Window     uint16 // last window we advertised
	InitialSeq seqnum.Value
	Tail       seqnum.Value // highest sequence received, in order or not
}

// TCPSocket is one connection or listener. Every field below mu is guarded
// by it.
type TCPSocket struct {
	id SockID

	mu   sync.Mutex
	cond *sync.Cond

	state TCPState
	snd   SendParam
	rcv   RecvParam

	recvBuf        *ringbuffer.RingBuffer
	early          *pqueue.PriorityQueue
	retransmission *retransmit.Queue
	syn            *retransmit.Entry // our SYN while in SYN_SENT

	acceptQueue []SockID
	listener    *SockID

	err               error
	finReceived       bool
	applicationClosed bool
	removed           bool
	drainPending      bool // closed, record kept until Recv reaches the end
	sendBlocked       bool
	lastProbe         time.Time
	timeWaitTimer     *time.Timer
}

func newSocket(id SockID, state TCPState, cfg Config) *TCPSocket {
	sock := &TCPSocket{
		id:             id,
		state:          state,
		recvBuf:        ringbuffer.New(SocketBufferSize),
		early:          pqueue.New(),
		retransmission: retransmit.New(cfg.RTO, cfg.RTOMax),
	}
	sock.cond = sync.NewCond(&sock.mu)
	sock.rcv.Window = SocketBufferSize
	return sock
}

func newListener(id SockID) *TCPSocket {
	sock := &TCPSocket{id: id, state: LISTEN}
	sock.cond = sync.NewCond(&sock.mu)
	return sock
}

// recvWindow is the free space in the receive buffer. Callers hold mu.
func (sock *TCPSocket) recvWindow() uint16 {
	if sock.recvBuf == nil {
		return 0
	}
	return uint16(sock.recvBuf.Free())
}

// inFlight is the number of sequence numbers sent but not acknowledged.
func (sock *TCPSocket) inFlight() seqnum.Size {
	return sock.snd.UnackedSeq.Size(sock.snd.Next)
}

// usableWindow is how much new data the peer's window allows right now.
func (sock *TCPSocket) usableWindow() int {
	usable := int(sock.snd.Window) - int(sock.inFlight())
	if usable < 0 {
		return 0
	}
	return usable
}

// setState records a transition and reports the old state.
func (sock *TCPSocket) setState(state TCPState) TCPState {
	old := sock.state
	sock.state = state
	return old
}

// fail moves the connection to CLOSED with err and wakes every waiter.
func (sock *TCPSocket) fail(err error) {
	if sock.err == nil {
		sock.err = err
	}
	sock.state = CLOSED
	sock.syn = nil
	if sock.retransmission != nil {
		sock.retransmission.Clear()
	}
	if sock.early != nil {
		sock.early.Clear()
	}
	if sock.timeWaitTimer != nil {
		sock.timeWaitTimer.Stop()
		sock.timeWaitTimer = nil
	}
	sock.cond.Broadcast()
}

// SocketInfo is a snapshot of a socket for listing.
type SocketInfo struct {
	ID         SockID
	State      TCPState
	Send       SendParam
	Recv       RecvParam
	Buffered   int // bytes waiting for Recv
	Unacked    int // entries in the retransmission queue
	Early      int // out-of-order segments held
	AcceptLen  int
	Listener   *SockID
	LastError  error
	PeerClosed bool
}

func (sock *TCPSocket) info() SocketInfo {
	sock.mu.Lock()
	defer sock.mu.Unlock()
	info := SocketInfo{
		ID:         sock.id,
		State:      sock.state,
		Send:       sock.snd,
		Recv:       sock.rcv,
		AcceptLen:  len(sock.acceptQueue),
		LastError:  sock.err,
		PeerClosed: sock.finReceived,
	}
	if sock.recvBuf != nil {
		info.Buffered = sock.recvBuf.Length()
	}
	if sock.retransmission != nil {
		info.Unacked = sock.retransmission.Len()
	}
	if sock.early != nil {
		info.Early = sock.early.Len()
	}
	if sock.listener != nil {
		l := *sock.listener
		info.Listener = &l
	}
	return info
}
