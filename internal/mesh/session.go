package mesh

import (
	"bufio"
	"strings"
	"sync"
	"sync/atomic"

	"meshline/internal/netx"
)

// Session is one live connection to one peer: a read loop splitting the
// stream on '\n', and a write loop draining a bounded FIFO so at most one
// write is in flight and frames leave in enqueue order.
type Session struct {
	conn    netx.Conn
	node    *Node
	addr    netx.Addr
	inbound bool

	sendCh chan string
	done   chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once

	missedHeartbeats atomic.Int32
}

func newSession(conn netx.Conn, node *Node, inbound bool) *Session {
	return &Session{
		conn:    conn,
		node:    node,
		addr:    conn.RemoteAddr(),
		inbound: inbound,
		sendCh:  make(chan string, node.cfg.WriteQueueLen),
		done:    make(chan struct{}),
	}
}

// start arms the read and write loops. The session is unusable before this.
func (s *Session) start() {
	go s.readLoop()
	go s.writeLoop()
}

// RemoteAddr identifies the peer endpoint for logging. The address is
// captured at attach time so it stays valid after the socket closes.
func (s *Session) RemoteAddr() netx.Addr { return s.addr }

// Alive reports whether the session is still usable.
func (s *Session) Alive() bool { return !s.closed.Load() }

// Deliver queues line for transmission, appending the '\n' terminator when
// missing. Once the session is closed it is a no-op. A full queue means the
// peer has stopped draining; the session is closed rather than blocking the
// caller.
func (s *Session) Deliver(line string) {
	if s.closed.Load() {
		return
	}
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	select {
	case s.sendCh <- line:
	default:
		s.node.log.Infow("peer write queue full, dropping session", "peer", s.RemoteAddr())
		s.Close()
	}
}

// Close is idempotent: it marks the session terminal, abandons any queued
// frames, and shuts down both halves of the socket ignoring OS errors. The
// owning node prunes the session on its next broadcast or heartbeat sweep.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		_ = s.conn.CloseWrite()
		_ = s.conn.CloseRead()
		_ = s.conn.Close()
	})
}

func (s *Session) readLoop() {
	r := bufio.NewReader(s.conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if s.Alive() {
				s.node.log.Debugw("read failed", "peer", s.RemoteAddr(), "err", err)
			}
			s.Close()
			return
		}
		line = strings.TrimSuffix(line, "\n")
		s.missedHeartbeats.Store(0)
		if line != "" {
			s.node.HandleLine(s, line)
		}
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case line := <-s.sendCh:
			if _, err := s.conn.Write([]byte(line)); err != nil {
				if s.Alive() {
					s.node.log.Debugw("write failed", "peer", s.RemoteAddr(), "err", err)
				}
				s.Close()
				return
			}
		}
	}
}

// missHeartbeat bumps the missed-heartbeat counter and returns the new count.
// Any inbound read resets the counter to zero.
func (s *Session) missHeartbeat() int {
	return int(s.missedHeartbeats.Add(1))
}
