package tcpstack

import (
	"context"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"toytcp/pkg/ipstack"
	"toytcp/pkg/packet"
	"toytcp/pkg/pqueue"
	"toytcp/pkg/tcpflags"
)

// followup is work that has to wait until the socket's lock is released:
// anything that takes socksLock or another socket's lock.
type followup struct {
	handoff bool // established child, queue it on its listener
	remove  bool
}

func (s *TCPStack) receiveLoop(ctx context.Context) error {
	for {
		d, err := s.transport.Recv()
		if err != nil {
			if errors.Is(err, ipstack.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			s.log.WithError(err).Warn("transport receive failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		if d.Protocol != ipstack.ProtocolTCP {
			continue
		}
		s.handleDatagram(d)
	}
}

func (s *TCPStack) handleDatagram(d ipstack.Datagram) {
	seg, err := packet.FromBytes(d.Payload)
	if err != nil {
		s.warnDrop(d, err)
		return
	}
	if !seg.IsCorrectChecksum(d.Src, d.Dst) {
		s.warnDrop(d, errors.Errorf("bad checksum %#04x", seg.Checksum()))
		return
	}
	id := SockID{
		LocalAddr:  d.Dst,
		LocalPort:  seg.DstPort(),
		RemoteAddr: d.Src,
		RemotePort: seg.SrcPort(),
	}
	s.log.WithFields(logrus.Fields{
		"sock":  id,
		"flags": seg.Flags(),
		"seq":   uint32(seg.Seq()),
		"ack":   uint32(seg.Ack()),
		"len":   len(seg.Payload()),
		"wnd":   seg.WindowSize(),
	}).Debug("segment received")

	sock := s.lookup(id)
	if sock == nil {
		s.sendReset(id, seg)
		return
	}
	if sock.id.IsListener() {
		s.handleListen(sock, id, seg)
		return
	}

	sock.mu.Lock()
	next := s.handleSegment(sock, seg)
	sock.mu.Unlock()
	s.runFollowup(sock, next)
}

func (s *TCPStack) runFollowup(sock *TCPSocket, next followup) {
	if next.handoff {
		s.handoff(sock)
	}
	if next.remove {
		s.remove(sock.id, sock)
	}
}

func (s *TCPStack) warnDrop(d ipstack.Datagram, err error) {
	if s.dropLog.Allow() {
		s.log.WithError(err).WithFields(logrus.Fields{"src": d.Src, "dst": d.Dst}).Warn("dropping segment")
	}
}

// sendReset answers a segment that matched no socket.
func (s *TCPStack) sendReset(id SockID, seg packet.Segment) {
	if seg.Flags().HasAny(tcpflags.RST) {
		return
	}
	rst := packet.New(0)
	rst.SetSrcPort(id.LocalPort)
	rst.SetDstPort(id.RemotePort)
	rst.SetDataOffset(packet.DataOffsetWords)
	if seg.Flags().HasAny(tcpflags.ACK) {
		rst.SetSeq(seg.Ack())
		rst.SetFlags(tcpflags.RST)
	} else {
		rst.SetAck(seg.End())
		rst.SetFlags(tcpflags.RST | tcpflags.ACK)
	}
	rst.Seal(id.LocalAddr, id.RemoteAddr)
	if _, err := s.transport.SendTo(rst.Bytes(), id.LocalAddr, id.RemoteAddr); err != nil {
		s.log.WithError(err).WithField("sock", id).Debug("reset failed")
		return
	}
	if s.dropLog.Allow() {
		s.log.WithFields(logrus.Fields{"sock": id, "flags": seg.Flags()}).Warn("segment for unknown connection, sent reset")
	}
}

// handleListen spawns a child in SYN_RECEIVED for a SYN. The listener lock
// is only held to check it is still listening, so the child can be added to
// the table without inverting the lock order.
func (s *TCPStack) handleListen(listener *TCPSocket, id SockID, seg packet.Segment) {
	flags := seg.Flags()
	switch {
	case flags.HasAny(tcpflags.RST):
		return
	case flags.HasAny(tcpflags.ACK):
		s.sendReset(id, seg)
		return
	case !flags.HasAny(tcpflags.SYN):
		return
	}

	listener.mu.Lock()
	listening := listener.state == LISTEN
	listener.mu.Unlock()
	if !listening {
		s.sendReset(id, seg)
		return
	}

	s.socksLock.Lock()
	if existing, ok := s.socks[id]; ok {
		// Raced with an earlier SYN for the same tuple.
		s.socksLock.Unlock()
		existing.mu.Lock()
		next := s.handleSegment(existing, seg)
		existing.mu.Unlock()
		s.runFollowup(existing, next)
		return
	}
	child := newSocket(id, SYN_RECEIVED, s.cfg)
	lid := listener.id
	child.listener = &lid
	s.socks[id] = child
	s.socksLock.Unlock()

	child.mu.Lock()
	defer child.mu.Unlock()
	isn := seqnum.Value(s.isn())
	child.rcv.InitialSeq = seg.Seq()
	child.rcv.Next = seg.Seq().Add(1)
	child.rcv.Tail = child.rcv.Next
	child.snd = SendParam{UnackedSeq: isn, Next: isn, InitialSeq: isn, Window: seg.WindowSize()}
	synAck := s.newSegment(child, isn, tcpflags.SYN|tcpflags.ACK, nil)
	if err := s.transmit(child, synAck); err != nil {
		s.log.WithError(err).WithField("sock", id).Warn("SYN-ACK failed")
	}
	child.snd.Next = isn.Add(1)
	s.log.WithFields(logrus.Fields{"sock": id, "listener": lid, "isn": uint32(isn)}).Debug("SYN received")
}

// handoff appends an established child to its listener's accept queue. If
// the listener is gone the child is reset.
func (s *TCPStack) handoff(child *TCPSocket) {
	child.mu.Lock()
	lid := child.listener
	child.mu.Unlock()
	if lid == nil {
		return
	}

	s.socksLock.Lock()
	listener, ok := s.socks[*lid]
	s.socksLock.Unlock()
	if ok {
		listener.mu.Lock()
		if listener.state == LISTEN {
			listener.acceptQueue = append(listener.acceptQueue, child.id)
			listener.cond.Broadcast()
			listener.mu.Unlock()
			s.log.WithField("sock", child.id).Info("connection established")
			return
		}
		listener.mu.Unlock()
	}
	s.abort(child)
}

// abort resets a connection the application can no longer reach and drops
// it from the table. Callers must not hold child.mu.
func (s *TCPStack) abort(child *TCPSocket) {
	child.mu.Lock()
	if child.state.synchronized() || child.state == SYN_RECEIVED {
		rst := s.newSegment(child, child.snd.Next, tcpflags.RST, nil)
		if err := s.writeSegment(child, rst); err != nil {
			s.log.WithError(err).WithField("sock", child.id).Debug("reset failed")
		}
	}
	child.fail(ErrClosed)
	child.mu.Unlock()
	s.remove(child.id, child)
}

// handleSegment applies seg to a connection. Callers hold sock.mu.
func (s *TCPStack) handleSegment(sock *TCPSocket, seg packet.Segment) followup {
	switch sock.state {
	case CLOSED:
		return followup{}
	case SYN_SENT:
		s.handleSynSent(sock, seg)
		return followup{}
	}

	flags := seg.Flags()
	var next followup

	if !s.acceptable(sock, seg) {
		if !flags.HasAny(tcpflags.RST) {
			s.sendAck(sock)
		}
		return next
	}

	if flags.HasAny(tcpflags.RST) {
		return s.reset(sock)
	}

	if flags.HasAny(tcpflags.SYN) {
		if sock.state == SYN_RECEIVED && seg.Seq() == sock.rcv.InitialSeq {
			// Our SYN-ACK was lost; send it again.
			synAck := s.newSegment(sock, sock.snd.InitialSeq, tcpflags.SYN|tcpflags.ACK, nil)
			if err := s.writeSegment(sock, synAck); err != nil {
				s.log.WithError(err).WithField("sock", sock.id).Debug("SYN-ACK resend failed")
			}
			return next
		}
		s.sendAck(sock)
		return next
	}

	if !flags.HasAny(tcpflags.ACK) {
		return next
	}

	ack := seg.Ack()
	if sock.state == SYN_RECEIVED {
		if ack != sock.snd.Next {
			s.sendReset(sock.id, seg)
			return next
		}
		s.transition(sock, ESTABLISHED)
		next.handoff = true
	}

	if sock.snd.Next.LessThan(ack) {
		// Acknowledges something never sent.
		s.sendAck(sock)
		return next
	}
	if sock.snd.UnackedSeq.LessThanEq(ack) {
		sock.snd.UnackedSeq = ack
		sock.snd.Window = seg.WindowSize()
		sock.retransmission.RetireUpTo(ack)
		sock.cond.Broadcast()
	}

	finAcked := sock.snd.UnackedSeq == sock.snd.Next
	switch sock.state {
	case FIN_WAIT_1:
		if finAcked {
			s.transition(sock, FIN_WAIT_2)
		}
	case CLOSING:
		if finAcked {
			s.enterTimeWait(sock)
		}
		return next
	case LAST_ACK:
		if finAcked {
			next.remove = s.finish(sock)
		}
		return next
	case TIME_WAIT:
		return next
	}

	ackNeeded := false
	if payload := seg.Payload(); len(payload) > 0 {
		switch sock.state {
		case ESTABLISHED, FIN_WAIT_1, FIN_WAIT_2:
			s.receiveData(sock, seg.Seq(), payload)
			ackNeeded = true
		}
	}

	if flags.HasAny(tcpflags.FIN) && seg.Seq().Add(seqnum.Size(len(seg.Payload()))) == sock.rcv.Next {
		sock.rcv.Next = sock.rcv.Next.Add(1)
		if sock.rcv.Tail.LessThan(sock.rcv.Next) {
			sock.rcv.Tail = sock.rcv.Next
		}
		sock.finReceived = true
		ackNeeded = true
		switch sock.state {
		case ESTABLISHED:
			s.transition(sock, CLOSE_WAIT)
		case FIN_WAIT_1:
			if finAcked {
				s.enterTimeWait(sock)
			} else {
				s.transition(sock, CLOSING)
			}
		case FIN_WAIT_2:
			s.enterTimeWait(sock)
		}
		sock.cond.Broadcast()
		s.log.WithFields(logrus.Fields{"sock": sock.id, "state": sock.state}).Info("peer closed")
	}

	if ackNeeded {
		s.sendAck(sock)
	}
	return next
}

func (s *TCPStack) handleSynSent(sock *TCPSocket, seg packet.Segment) {
	flags := seg.Flags()
	if flags.HasAny(tcpflags.ACK) && seg.Ack() != sock.snd.Next {
		if !flags.HasAny(tcpflags.RST) {
			s.sendReset(sock.id, seg)
		}
		return
	}
	if flags.HasAny(tcpflags.RST) {
		if flags.HasAny(tcpflags.ACK) {
			sock.fail(ErrConnectionReset)
		}
		return
	}
	if !flags.Has(tcpflags.SYN | tcpflags.ACK) {
		return
	}

	sock.rcv.InitialSeq = seg.Seq()
	sock.rcv.Next = seg.Seq().Add(1)
	sock.rcv.Tail = sock.rcv.Next
	sock.snd.UnackedSeq = seg.Ack()
	sock.snd.Window = seg.WindowSize()
	sock.syn = nil
	sock.retransmission.RetireUpTo(seg.Ack())
	s.transition(sock, ESTABLISHED)
	s.sendAck(sock)
	sock.cond.Broadcast()
	s.log.WithField("sock", sock.id).Info("connection established")
}

// acceptable is the RFC 793 sequence test against our receive window.
func (s *TCPStack) acceptable(sock *TCPSocket, seg packet.Segment) bool {
	if sock.state == SYN_RECEIVED && seg.Flags().HasAny(tcpflags.SYN) {
		return true
	}
	wnd := seqnum.Size(sock.recvWindow())
	seq, n := seg.Seq(), seg.Len()
	switch {
	case n == 0 && wnd == 0:
		return seq == sock.rcv.Next
	case n == 0:
		return seq.InWindow(sock.rcv.Next, wnd)
	case wnd == 0:
		// Nothing fits, but the ACK and any FIN at the edge still matter.
		return seq == sock.rcv.Next
	default:
		last := seq.Add(n - 1)
		return seq.InWindow(sock.rcv.Next, wnd) || last.InWindow(sock.rcv.Next, wnd)
	}
}

// reset handles an in-window RST.
func (s *TCPStack) reset(sock *TCPSocket) followup {
	orphan := sock.applicationClosed || sock.state == SYN_RECEIVED || sock.state == TIME_WAIT
	s.log.WithFields(logrus.Fields{"sock": sock.id, "state": sock.state}).Warn("connection reset by peer")
	sock.fail(ErrConnectionReset)
	return followup{remove: orphan}
}

func (s *TCPStack) sendAck(sock *TCPSocket) {
	seg := s.newSegment(sock, sock.snd.Next, tcpflags.ACK, nil)
	if err := s.transmit(sock, seg); err != nil {
		s.log.WithError(err).WithField("sock", sock.id).Debug("ack failed")
	}
}

// receiveData trims payload to the receive window and either appends it to
// the receive buffer or parks it until the gap before it is filled.
// Callers hold sock.mu.
func (s *TCPStack) receiveData(sock *TCPSocket, seq seqnum.Value, payload []byte) {
	if seq.LessThan(sock.rcv.Next) {
		skip := int(seq.Size(sock.rcv.Next))
		if skip >= len(payload) {
			return
		}
		payload = payload[skip:]
		seq = sock.rcv.Next
	}
	right := sock.rcv.Next.Add(seqnum.Size(sock.recvWindow()))
	end := seq.Add(seqnum.Size(len(payload)))
	if right.LessThan(end) {
		if !seq.LessThan(right) {
			return
		}
		payload = payload[:seq.Size(right)]
		end = right
	}
	if sock.rcv.Tail.LessThan(end) {
		sock.rcv.Tail = end
	}

	if seq != sock.rcv.Next {
		if !sock.early.Insert(pqueue.NewPacket(seq, payload)) {
			return
		}
		s.log.WithFields(logrus.Fields{
			"sock":     sock.id,
			"seq":      uint32(seq),
			"expected": uint32(sock.rcv.Next),
		}).Debug("out of order segment buffered")
		return
	}
	sock.rcv.Next = s.deliver(sock, seq, payload)
	sock.rcv.Next = sock.early.Drain(sock.rcv.Next, func(next seqnum.Value, data []byte) seqnum.Value {
		return s.deliver(sock, next, data)
	})
	sock.cond.Broadcast()
}

// deliver writes in-order bytes starting at seq to the receive buffer and
// returns the sequence number after the last byte stored.
func (s *TCPStack) deliver(sock *TCPSocket, seq seqnum.Value, data []byte) seqnum.Value {
	if free := sock.recvBuf.Free(); len(data) > free {
		data = data[:free]
	}
	if len(data) == 0 {
		return seq
	}
	n, err := sock.recvBuf.Write(data)
	if err != nil {
		s.log.WithError(err).WithField("sock", sock.id).Warn("receive buffer write failed")
	}
	return seq.Add(seqnum.Size(n))
}

// enterTimeWait moves to TIME_WAIT and schedules removal. Callers hold
// sock.mu.
func (s *TCPStack) enterTimeWait(sock *TCPSocket) {
	s.transition(sock, TIME_WAIT)
	sock.cond.Broadcast()
	if sock.timeWaitTimer != nil {
		return
	}
	sock.timeWaitTimer = time.AfterFunc(s.cfg.TimeWait, func() {
		sock.mu.Lock()
		expired := sock.state == TIME_WAIT
		remove := false
		if expired {
			sock.timeWaitTimer = nil
			remove = s.finish(sock)
		}
		sock.mu.Unlock()
		if remove {
			s.remove(sock.id, sock)
		}
	})
}

// finish moves a connection whose close completed to CLOSED and reports
// whether its record can go. A record with unread data stays until Recv
// has returned the data and the end of stream. Callers hold sock.mu.
func (s *TCPStack) finish(sock *TCPSocket) bool {
	s.transition(sock, CLOSED)
	sock.cond.Broadcast()
	if !sock.recvBuf.IsEmpty() {
		sock.drainPending = true
		s.log.WithFields(logrus.Fields{"sock": sock.id, "unread": sock.recvBuf.Length()}).Debug("connection closed, unread data kept")
		return false
	}
	s.log.WithField("sock", sock.id).Info("connection closed")
	return true
}
