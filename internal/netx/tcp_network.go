package netx

import (
	"net"
	"sync"
	"time"
)

const dialTimeout = 5 * time.Second

type tcpNetwork struct {
	mu       sync.Mutex
	listener net.Listener
}

// NewTCPNetwork returns a Network backed by TCP. It listens on IPv4; outbound
// dials use whichever address family the peer address resolves to.
func NewTCPNetwork() Network {
	return &tcpNetwork{}
}

func (t *tcpNetwork) Listen(bindAddr string) (Addr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, err := net.Listen("tcp4", bindAddr)
	if err != nil {
		return "", err
	}
	t.listener = l
	return Addr(l.Addr().String()), nil
}

func (t *tcpNetwork) Accept() (Conn, error) {
	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()

	if l == nil {
		return nil, net.ErrClosed
	}
	c, err := l.Accept()
	if err != nil {
		return nil, err
	}
	return &tcpConn{TCPConn: c.(*net.TCPConn)}, nil
}

// Dial resolves addr and tries each candidate endpoint in turn.
func (t *tcpNetwork) Dial(addr Addr) (Conn, error) {
	c, err := net.DialTimeout("tcp", string(addr), dialTimeout)
	if err != nil {
		return nil, err
	}
	return &tcpConn{TCPConn: c.(*net.TCPConn)}, nil
}

func (t *tcpNetwork) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		err := t.listener.Close()
		t.listener = nil
		return err
	}
	return nil
}

type tcpConn struct {
	*net.TCPConn
}

func (c *tcpConn) RemoteAddr() Addr {
	return Addr(c.TCPConn.RemoteAddr().String())
}

func (c *tcpConn) CloseWrite() error { return c.TCPConn.CloseWrite() }
func (c *tcpConn) CloseRead() error  { return c.TCPConn.CloseRead() }
