// Package socket wraps tcpstack connections in listener and connection
// values that satisfy io.Reader, io.Writer and io.Closer.
package socket

import (
	"io"
	"net/netip"

	"toytcp/pkg/tcpstack"
)

type (
	VTCPListener struct {
		stack *tcpstack.TCPStack
		id    tcpstack.SockID
	}

	VTCPConn struct {
		stack *tcpstack.TCPStack
		id    tcpstack.SockID
	}
)

// VListen opens a listener on addr:port. An invalid addr listens on every
// local address.
func VListen(stack *tcpstack.TCPStack, addr netip.Addr, port uint16) (*VTCPListener, error) {
	id, err := stack.Listen(addr, port)
	if err != nil {
		return nil, err
	}
	return &VTCPListener{stack: stack, id: id}, nil
}

func (l *VTCPListener) VAccept() (*VTCPConn, error) {
	id, err := l.stack.Accept(l.id)
	if err != nil {
		return nil, err
	}
	return &VTCPConn{stack: l.stack, id: id}, nil
}

func (l *VTCPListener) VClose() error {
	return l.stack.Close(l.id)
}

func (l *VTCPListener) ID() tcpstack.SockID { return l.id }

func (l *VTCPListener) Addr() netip.AddrPort {
	return netip.AddrPortFrom(l.id.LocalAddr, l.id.LocalPort)
}

func VConnect(stack *tcpstack.TCPStack, addr netip.Addr, port uint16) (*VTCPConn, error) {
	id, err := stack.Connect(addr, port)
	if err != nil {
		return nil, err
	}
	return &VTCPConn{stack: stack, id: id}, nil
}

// VRead blocks for data and returns io.EOF once the peer has closed and
// everything it sent has been read.
func (c *VTCPConn) VRead(buf []byte) (int, error) {
	n, err := c.stack.Recv(c.id, buf)
	if err != nil {
		return n, err
	}
	if n == 0 && len(buf) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (c *VTCPConn) VWrite(data []byte) (int, error) {
	return c.stack.Send(c.id, data)
}

func (c *VTCPConn) VClose() error {
	return c.stack.Close(c.id)
}

func (c *VTCPConn) Read(buf []byte) (int, error)   { return c.VRead(buf) }
func (c *VTCPConn) Write(data []byte) (int, error) { return c.VWrite(data) }
func (c *VTCPConn) Close() error                   { return c.VClose() }

func (c *VTCPConn) ID() tcpstack.SockID { return c.id }

func (c *VTCPConn) LocalAddr() netip.AddrPort {
	return netip.AddrPortFrom(c.id.LocalAddr, c.id.LocalPort)
}

func (c *VTCPConn) RemoteAddr() netip.AddrPort {
	return netip.AddrPortFrom(c.id.RemoteAddr, c.id.RemotePort)
}

func (c *VTCPConn) State() (tcpstack.TCPState, error) {
	return c.stack.State(c.id)
}
