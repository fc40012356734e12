package packet

import (
	"math/rand"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"

	"toytcp/pkg/tcpflags"
)

var (
	local  = netip.MustParseAddr("10.0.0.1")
	remote = netip.MustParseAddr("10.0.0.2")
)

func build(payload []byte, flags tcpflags.Flags) Segment {
	seg := New(len(payload))
	seg.SetSrcPort(40000)
	seg.SetDstPort(80)
	seg.SetSeq(1000)
	seg.SetAck(2000)
	seg.SetDataOffset(DataOffsetWords)
	seg.SetFlags(flags)
	seg.SetWindowSize(4380)
	seg.SetPayload(payload)
	seg.Seal(local, remote)
	return seg
}

func TestFieldOffsets(t *testing.T) {
	seg := build([]byte("hi"), tcpflags.ACK|tcpflags.PSH)
	b := seg.Bytes()
	want := []byte{
		0x9c, 0x40, // 40000
		0x00, 0x50, // 80
		0x00, 0x00, 0x03, 0xe8, // 1000
		0x00, 0x00, 0x07, 0xd0, // 2000
		0x50,       // 5 words
		0x18,       // ACK|PSH
		0x11, 0x1c, // 4380
	}
	if diff := cmp.Diff(want, b[:16]); diff != "" {
		t.Errorf("header bytes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte{0, 0}, b[18:20]); diff != "" {
		t.Errorf("urgent pointer should be zero (-want +got):\n%s", diff)
	}
	if got := string(b[20:]); got != "hi" {
		t.Errorf("payload = %q, want %q", got, "hi")
	}
}

func TestAccessors(t *testing.T) {
	seg := build([]byte("hello"), tcpflags.SYN|tcpflags.ACK)
	got := struct {
		Src, Dst uint16
		Seq, Ack seqnum.Value
		Offset   int
		Flags    tcpflags.Flags
		Window   uint16
		Payload  string
	}{seg.SrcPort(), seg.DstPort(), seg.Seq(), seg.Ack(), seg.DataOffset(), seg.Flags(), seg.WindowSize(), string(seg.Payload())}
	want := got
	want.Src, want.Dst, want.Seq, want.Ack = 40000, 80, 1000, 2000
	want.Offset, want.Flags, want.Window, want.Payload = HeaderSize, tcpflags.SYN|tcpflags.ACK, 4380, "hello"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("accessors mismatch (-want +got):\n%s", diff)
	}
}

func TestChecksumRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		payload := make([]byte, rng.Intn(64))
		rng.Read(payload)
		seg := build(payload, tcpflags.Flags(rng.Intn(256)))
		if !seg.IsCorrectChecksum(local, remote) {
			t.Fatalf("segment %d failed its own checksum: %s", i, seg)
		}
		wire, err := FromBytes(seg.Bytes())
		if err != nil {
			t.Fatalf("FromBytes: %v", err)
		}
		if !wire.IsCorrectChecksum(local, remote) {
			t.Fatalf("decoded segment %d failed checksum", i)
		}
	}
}

func TestChecksumDetectsBitFlips(t *testing.T) {
	seg := build([]byte("the quick brown fox"), tcpflags.ACK|tcpflags.PSH)
	for bit := 0; bit < len(seg.Bytes())*8; bit++ {
		c := seg.Clone()
		c.Bytes()[bit/8] ^= 1 << (bit % 8)
		if c.IsCorrectChecksum(local, remote) {
			t.Errorf("flipping bit %d went undetected", bit)
		}
	}
}

func TestChecksumDependsOnAddresses(t *testing.T) {
	seg := build([]byte("x"), tcpflags.ACK)
	if seg.IsCorrectChecksum(local, netip.MustParseAddr("10.0.0.3")) {
		t.Error("wrong destination validated")
	}
	if seg.IsCorrectChecksum(netip.MustParseAddr("::1"), remote) {
		t.Error("IPv6 source validated")
	}
}

func TestFromBytesErrors(t *testing.T) {
	if _, err := FromBytes(make([]byte, 10)); !errors.Is(err, ErrTooShort) {
		t.Errorf("short buffer: got %v, want ErrTooShort", err)
	}
	b := build(nil, tcpflags.ACK).Bytes()
	b[12] = 0x20 // 8 bytes
	if _, err := FromBytes(b); !errors.Is(err, ErrBadDataOffset) {
		t.Errorf("offset below minimum: got %v, want ErrBadDataOffset", err)
	}
	b[12] = 0xf0 // 60 bytes, longer than the segment
	if _, err := FromBytes(b); !errors.Is(err, ErrBadDataOffset) {
		t.Errorf("offset past end: got %v, want ErrBadDataOffset", err)
	}
}

func TestFromBytesCopies(t *testing.T) {
	b := build([]byte("abc"), tcpflags.ACK).Bytes()
	seg, err := FromBytes(b)
	if err != nil {
		t.Fatal(err)
	}
	b[20] = 'z'
	if got := string(seg.Payload()); got != "abc" {
		t.Errorf("payload changed with source buffer: %q", got)
	}
}

func TestLenAndEnd(t *testing.T) {
	for _, tc := range []struct {
		name    string
		flags   tcpflags.Flags
		payload string
		want    seqnum.Size
	}{
		{"ack", tcpflags.ACK, "", 0},
		{"syn", tcpflags.SYN, "", 1},
		{"fin with data", tcpflags.FIN | tcpflags.ACK, "ab", 3},
		{"data", tcpflags.ACK | tcpflags.PSH, "abcd", 4},
	} {
		t.Run(tc.name, func(t *testing.T) {
			seg := build([]byte(tc.payload), tc.flags)
			if got := seg.Len(); got != tc.want {
				t.Errorf("Len() = %d, want %d", got, tc.want)
			}
			if got, want := seg.End(), seqnum.Value(1000).Add(tc.want); got != want {
				t.Errorf("End() = %d, want %d", got, want)
			}
		})
	}
}

func TestSetDataOffsetKeepsReservedBits(t *testing.T) {
	seg := New(0)
	seg.Bytes()[12] = 0x0e
	seg.SetDataOffset(DataOffsetWords)
	if got := seg.Bytes()[12]; got != 0x5e {
		t.Errorf("byte 12 = %#02x, want 0x5e", got)
	}
}
