// Package packet encodes and decodes TCP segments with the fixed 20-byte
// header used by the engine (no options).
//
//	0      2      4          8          12   13    14     16       18     20
//	+------+------+----------+----------+----+-----+------+--------+------+---------
//	| src  | dst  | sequence | ack      |off |flags|window|checksum|urgent| payload
//	+------+------+----------+----------+----+-----+------+--------+------+---------
package packet

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"

	"toytcp/pkg/tcpflags"
)

const (
	HeaderSize      = header.TCPMinimumSize
	MaxPacketSize   = 65535
	DataOffsetWords = HeaderSize / 4

	pseudoHeaderLen = 12
	checksumOffset  = 16
)

var (
	ErrTooShort      = errors.New("segment shorter than tcp header")
	ErrBadDataOffset = errors.New("invalid data offset")
)

// Segment is a serialized TCP segment.
type Segment struct {
	buf []byte
}

// New allocates a zeroed segment with room for payloadLen bytes of data.
func New(payloadLen int) Segment {
	return Segment{buf: make([]byte, HeaderSize+payloadLen)}
}

// FromBytes copies b into a new segment after checking the header is sane.
func FromBytes(b []byte) (Segment, error) {
	if len(b) < HeaderSize {
		return Segment{}, errors.Wrapf(ErrTooShort, "got %d bytes", len(b))
	}
	off := int(header.TCP(b).DataOffset())
	if off < HeaderSize || off > len(b) {
		return Segment{}, errors.Wrapf(ErrBadDataOffset, "offset %d, length %d", off, len(b))
	}
	seg := Segment{buf: make([]byte, len(b))}
	copy(seg.buf, b)
	return seg, nil
}

func (s Segment) tcp() header.TCP { return header.TCP(s.buf) }

// Bytes returns the wire form. The slice aliases the segment.
func (s Segment) Bytes() []byte { return s.buf }

// Clone returns a deep copy.
func (s Segment) Clone() Segment {
	c := Segment{buf: make([]byte, len(s.buf))}
	copy(c.buf, s.buf)
	return c
}

func (s Segment) SrcPort() uint16 { return s.tcp().SourcePort() }
func (s Segment) DstPort() uint16 { return s.tcp().DestinationPort() }
func (s Segment) Seq() seqnum.Value { return seqnum.Value(s.tcp().SequenceNumber()) }
func (s Segment) Ack() seqnum.Value { return seqnum.Value(s.tcp().AckNumber()) }
func (s Segment) DataOffset() int { return int(s.tcp().DataOffset()) }
func (s Segment) Flags() tcpflags.Flags { return tcpflags.Flags(s.tcp().Flags()) }
func (s Segment) WindowSize() uint16 { return s.tcp().WindowSize() }
func (s Segment) Checksum() uint16 { return s.tcp().Checksum() }

// Payload returns the data following the header (and any options a peer
// may have sent).
func (s Segment) Payload() []byte {
	off := s.DataOffset()
	if off < HeaderSize || off > len(s.buf) {
		off = HeaderSize
	}
	return s.buf[off:]
}

func (s Segment) SetSrcPort(port uint16) { binary.BigEndian.PutUint16(s.buf[0:2], port) }
func (s Segment) SetDstPort(port uint16) { binary.BigEndian.PutUint16(s.buf[2:4], port) }
func (s Segment) SetSeq(seq seqnum.Value) {
	binary.BigEndian.PutUint32(s.buf[4:8], uint32(seq))
}
func (s Segment) SetAck(ack seqnum.Value) {
	binary.BigEndian.PutUint32(s.buf[8:12], uint32(ack))
}

// SetDataOffset stores the header length in 32-bit words in the top nibble
// of byte 12.
func (s Segment) SetDataOffset(words uint8) {
	s.buf[12] = s.buf[12]&0x0f | words<<4
}

func (s Segment) SetFlags(flags tcpflags.Flags) { s.buf[13] = uint8(flags) }
func (s Segment) SetWindowSize(wnd uint16) { binary.BigEndian.PutUint16(s.buf[14:16], wnd) }
func (s Segment) SetChecksum(xsum uint16) { binary.BigEndian.PutUint16(s.buf[16:18], xsum) }

// SetPayload copies p after the fixed header. The segment must have been
// allocated for at least len(p) bytes.
func (s Segment) SetPayload(p []byte) {
	copy(s.buf[HeaderSize:HeaderSize+len(p)], p)
}

// Len is the number of sequence numbers the segment occupies: payload plus
// one each for SYN and FIN.
func (s Segment) Len() seqnum.Size {
	l := seqnum.Size(len(s.Payload()))
	flags := s.Flags()
	if flags.HasAny(tcpflags.SYN) {
		l++
	}
	if flags.HasAny(tcpflags.FIN) {
		l++
	}
	return l
}

// End is the sequence number following the segment.
func (s Segment) End() seqnum.Value {
	return s.Seq().Add(s.Len())
}

// ComputeChecksum computes the TCP checksum of the serialized segment over the
// IPv4 pseudo-header. The checksum field itself is skipped, so the result
// can be compared against a stored value directly.
func (s Segment) ComputeChecksum(src, dst netip.Addr) uint16 {
	pseudo := make([]byte, pseudoHeaderLen)
	src4, dst4 := src.As4(), dst.As4()
	copy(pseudo[0:4], src4[:])
	copy(pseudo[4:8], dst4[:])
	pseudo[9] = uint8(header.TCPProtocolNumber)
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(s.buf)))

	xsum := header.Checksum(pseudo, 0)
	xsum = header.Checksum(s.buf[:checksumOffset], xsum)
	xsum = header.Checksum(s.buf[checksumOffset+2:], xsum)
	return xsum ^ 0xffff
}

// Seal computes and stores the checksum for the given address pair.
func (s Segment) Seal(src, dst netip.Addr) {
	s.SetChecksum(s.ComputeChecksum(src, dst))
}

// IsCorrectChecksum reports whether the stored checksum matches the segment
// as sent from src to dst.
func (s Segment) IsCorrectChecksum(src, dst netip.Addr) bool {
	if !src.Is4() || !dst.Is4() || len(s.buf) < HeaderSize {
		return false
	}
	return s.Checksum() == s.ComputeChecksum(src, dst)
}

func (s Segment) String() string {
	return fmt.Sprintf("%d -> %d seq=%d ack=%d flags=[%s] wnd=%d len=%d",
		s.SrcPort(), s.DstPort(), s.Seq(), s.Ack(), s.Flags(), s.WindowSize(), len(s.Payload()))
}
