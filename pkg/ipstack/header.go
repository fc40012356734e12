package ipstack

import (
	"net/netip"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

const DefaultTTL = 32

func constructIPHeader(src, dst netip.Addr, protoNum uint8, ttl int, payload []byte) ([]byte, error) {
	hdr := ipv4header.IPv4Header{
		Version:  4,
		Len:      ipv4header.HeaderLen,
		TotalLen: ipv4header.HeaderLen + len(payload),
		TTL:      ttl,
		Protocol: int(protoNum),
		Src:      src,
		Dst:      dst,
		Options:  []byte{},
	}
	return marshalWithChecksum(&hdr)
}

// marshalWithChecksum serializes hdr with its checksum field recomputed.
func marshalWithChecksum(hdr *ipv4header.IPv4Header) ([]byte, error) {
	hdr.Checksum = 0
	hBytes, err := hdr.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal ipv4 header")
	}
	hdr.Checksum = int(ComputeChecksum(hBytes))
	hBytes, err = hdr.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal ipv4 header")
	}
	return hBytes, nil
}

// ComputeChecksum is the IPv4 header checksum of b, whose checksum field
// must be zero.
func ComputeChecksum(b []byte) uint16 {
	return header.Checksum(b, 0) ^ 0xffff
}

func validateChecksum(b []byte) bool {
	return header.Checksum(b, 0) == 0xffff
}

// parseDatagram splits a wire packet into its header and payload, checking
// the header checksum and total length.
func parseDatagram(b []byte) (*ipv4header.IPv4Header, []byte, error) {
	hdr, err := ipv4header.ParseHeader(b)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parse ipv4 header")
	}
	if hdr.Len < ipv4header.HeaderLen || hdr.Len > len(b) {
		return nil, nil, errors.Errorf("bad header length %d", hdr.Len)
	}
	if !validateChecksum(b[:hdr.Len]) {
		return nil, nil, errors.New("bad ipv4 header checksum")
	}
	end := len(b)
	if hdr.TotalLen >= hdr.Len && hdr.TotalLen < end {
		end = hdr.TotalLen
	}
	return hdr, b[hdr.Len:end], nil
}
