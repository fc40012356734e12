package tcpstack

import (
	"context"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"toytcp/pkg/packet"
	"toytcp/pkg/retransmit"
	"toytcp/pkg/tcpflags"
)

// newSegment builds a sealed segment from sock's current receive state.
// Callers hold sock.mu.
func (s *TCPStack) newSegment(sock *TCPSocket, seq seqnum.Value, flags tcpflags.Flags, payload []byte) packet.Segment {
	seg := packet.New(len(payload))
	seg.SetSrcPort(sock.id.LocalPort)
	seg.SetDstPort(sock.id.RemotePort)
	seg.SetSeq(seq)
	if flags.HasAny(tcpflags.ACK) {
		seg.SetAck(sock.rcv.Next)
	}
	seg.SetDataOffset(packet.DataOffsetWords)
	seg.SetFlags(flags)
	if !flags.HasAny(tcpflags.RST) {
		sock.rcv.Window = sock.recvWindow()
		seg.SetWindowSize(sock.rcv.Window)
	}
	seg.SetPayload(payload)
	seg.Seal(sock.id.LocalAddr, sock.id.RemoteAddr)
	return seg
}

// writeSegment puts seg on the wire without tracking it.
func (s *TCPStack) writeSegment(sock *TCPSocket, seg packet.Segment) error {
	if _, err := s.transport.SendTo(seg.Bytes(), sock.id.LocalAddr, sock.id.RemoteAddr); err != nil {
		return errors.Wrapf(err, "send to %s", sock.id)
	}
	s.log.WithFields(segmentFields(sock, seg)).Debug("segment sent")
	return nil
}

// transmit writes seg and, once it is on the wire, queues it for
// retransmission. Callers hold sock.mu.
func (s *TCPStack) transmit(sock *TCPSocket, seg packet.Segment) error {
	if err := s.writeSegment(sock, seg); err != nil {
		return err
	}
	sock.retransmission.Push(seg, time.Now())
	return nil
}

func newSynEntry(seg packet.Segment, cfg Config) *retransmit.Entry {
	return retransmit.NewEntry(seg, time.Now(), cfg.RTO, cfg.RTOMax)
}

func segmentFields(sock *TCPSocket, seg packet.Segment) logrus.Fields {
	return logrus.Fields{
		"sock":  sock.id,
		"flags": seg.Flags(),
		"seq":   uint32(seg.Seq()),
		"ack":   uint32(seg.Ack()),
		"len":   len(seg.Payload()),
		"wnd":   seg.WindowSize(),
	}
}

func (s *TCPStack) retransmitLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RetransmitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			for _, sock := range s.snapshot() {
				if s.retransmitSocket(sock, now) {
					s.remove(sock.id, sock)
				}
			}
		}
	}
}

// retransmitSocket resends whatever is due on sock and reports whether the
// socket should leave the table.
func (s *TCPStack) retransmitSocket(sock *TCPSocket, now time.Time) bool {
	sock.mu.Lock()
	defer sock.mu.Unlock()
	if sock.state == LISTEN || sock.state == CLOSED {
		return false
	}
	log := s.log.WithField("sock", sock.id)

	if sock.state == SYN_SENT && sock.syn != nil && sock.syn.Due(now) {
		if sock.syn.Exhausted(s.cfg.MaxRetransmits) {
			log.Warn("no answer to SYN, giving up")
			sock.fail(ErrRetransmitExhausted)
			return false // Connect removes it
		}
		if err := s.writeSegment(sock, sock.syn.Segment); err != nil {
			log.WithError(err).Warn("SYN retransmission failed")
		}
		sock.syn.Backoff(now)
		log.WithField("count", sock.syn.Count).Warn("retransmitted SYN")
	}

	sock.retransmission.RetireUpTo(sock.snd.UnackedSeq)
	for _, e := range sock.retransmission.Due(now) {
		if e.Exhausted(s.cfg.MaxRetransmits) {
			log.WithFields(segmentFields(sock, e.Segment)).Warn("retransmission limit reached, resetting connection")
			rst := s.newSegment(sock, sock.snd.Next, tcpflags.RST, nil)
			if err := s.writeSegment(sock, rst); err != nil {
				log.WithError(err).Debug("reset failed")
			}
			orphan := sock.applicationClosed || sock.state == SYN_RECEIVED
			sock.fail(ErrRetransmitExhausted)
			return orphan
		}
		s.refresh(sock, e.Segment)
		if err := s.writeSegment(sock, e.Segment); err != nil {
			log.WithError(err).Warn("retransmission failed")
		}
		sock.retransmission.MarkRetransmitted(e, now)
		log.WithFields(logrus.Fields{
			"seq":   uint32(e.Segment.Seq()),
			"len":   len(e.Segment.Payload()),
			"count": e.Count,
			"next":  e.Timeout,
		}).Warn("retransmitted segment")
	}

	s.probeWindow(sock, now)
	return false
}

// refresh brings the ack and window of a queued segment up to date before
// it is resent. Callers hold sock.mu.
func (s *TCPStack) refresh(sock *TCPSocket, seg packet.Segment) {
	if seg.Flags().HasAny(tcpflags.ACK) {
		seg.SetAck(sock.rcv.Next)
	}
	sock.rcv.Window = sock.recvWindow()
	seg.SetWindowSize(sock.rcv.Window)
	seg.Seal(sock.id.LocalAddr, sock.id.RemoteAddr)
}

// probeWindow pokes a peer whose window has been closed while a sender is
// waiting. The probe sits just below snd.Next so the peer answers it with
// an ACK carrying its current window. Callers hold sock.mu.
func (s *TCPStack) probeWindow(sock *TCPSocket, now time.Time) {
	if !sock.sendBlocked || sock.snd.Window != 0 || sock.inFlight() != 0 {
		return
	}
	if now.Sub(sock.lastProbe) < s.cfg.RTO {
		return
	}
	sock.lastProbe = now
	probe := s.newSegment(sock, sock.snd.Next-1, tcpflags.ACK, nil)
	if err := s.writeSegment(sock, probe); err != nil {
		s.log.WithError(err).WithField("sock", sock.id).Debug("window probe failed")
	}
}
