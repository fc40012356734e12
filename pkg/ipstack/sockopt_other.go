//go:build !linux

package ipstack

import "net"

func setRecvBuffer(c net.PacketConn, size int) error {
	return nil
}
