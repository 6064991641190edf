package mesh

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"meshline/internal/netx"
	"meshline/internal/proto"
	"meshline/internal/telemetry"
)

// Handler is the upward delivery sink. It receives the verbatim inbound line.
type Handler func(line string)

type Config struct {
	NodeID   string       // unique node name, stamped on pings
	Network  netx.Network // transport implementation
	BindAddr string       // e.g. ":5000", or ":0" for a random port

	Logger *zap.SugaredLogger

	SeenTTL             time.Duration // dedup eviction window, default 10m
	HeartbeatInterval   time.Duration // default 2s
	MaxMissedHeartbeats int           // ticks of silence before eviction, default 3
	WriteQueueLen       int           // per-session outbound FIFO, default 128

	// NowMS returns milliseconds since the Unix epoch. Defaults to the wall
	// clock; tests inject a fixed source.
	NowMS func() int64
}

const (
	defaultSeenTTL       = 10 * time.Minute
	defaultHeartbeat     = 2 * time.Second
	defaultMaxMissed     = 3
	defaultWriteQueueLen = 128
)

// Node owns the acceptor, the ordered peer set, the seen-id cache and the
// heartbeat timer, and runs the flood protocol over them.
type Node struct {
	cfg  Config
	log  *zap.SugaredLogger
	addr netx.Addr

	mu      sync.Mutex
	peers   []*Session // accept/connect order
	handler Handler

	seen    *seenCache
	pingSeq atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	events chan Event
}

func NewNode(cfg Config) (*Node, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("mesh: node id required")
	}
	if cfg.Network == nil {
		return nil, errors.New("mesh: network required")
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NopLogger()
	}
	if cfg.SeenTTL <= 0 {
		cfg.SeenTTL = defaultSeenTTL
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.MaxMissedHeartbeats <= 0 {
		cfg.MaxMissedHeartbeats = defaultMaxMissed
	}
	if cfg.WriteQueueLen <= 0 {
		cfg.WriteQueueLen = defaultWriteQueueLen
	}
	if cfg.NowMS == nil {
		cfg.NowMS = func() int64 { return time.Now().UnixMilli() }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:    cfg,
		log:    cfg.Logger.With("node", cfg.NodeID),
		seen:   newSeenCache(cfg.SeenTTL),
		ctx:    ctx,
		cancel: cancel,
		events: make(chan Event, 128),
	}, nil
}

// NodeID returns this node's id.
func (n *Node) NodeID() string { return n.cfg.NodeID }

// ListenAddr returns where this node is listening. Valid after Start.
func (n *Node) ListenAddr() netx.Addr { return n.addr }

// Events returns a channel of peer lifecycle events for logging/UI.
func (n *Node) Events() <-chan Event { return n.events }

// OnMessage installs the upward delivery callback. Last write wins.
func (n *Node) OnMessage(h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = h
}

// Start binds the acceptor and arms the heartbeat.
func (n *Node) Start() error {
	addr, err := n.cfg.Network.Listen(n.cfg.BindAddr)
	if err != nil {
		return err
	}
	n.addr = addr
	n.log.Infow("listening", "addr", n.addr)

	go n.acceptLoop()
	go n.heartbeatLoop()
	return nil
}

// Stop tears the node down: the acceptor, the heartbeat and every session.
func (n *Node) Stop() error {
	n.cancel()
	err := n.cfg.Network.Close()

	n.mu.Lock()
	peers := n.peers
	n.peers = nil
	n.mu.Unlock()
	for _, s := range peers {
		s.Close()
	}
	telemetry.Peers.Set(0)
	return err
}

func (n *Node) acceptLoop() {
	for {
		conn, err := n.cfg.Network.Accept()
		if err != nil {
			if n.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			// Skip the failed slot, keep accepting.
			n.log.Warnw("accept failed", "err", err)
			continue
		}
		s := newSession(conn, n, true)
		n.addSession(s)
		s.start()
	}
}

// ConnectToPeer resolves host, dials it, and on success adds and starts a
// session. Failures are logged and returned; there is no retry.
func (n *Node) ConnectToPeer(host string, port int) error {
	addr := netx.HostPort(host, port)
	conn, err := n.cfg.Network.Dial(addr)
	if err != nil {
		n.log.Warnw("connect failed", "addr", addr, "err", err)
		return err
	}
	s := newSession(conn, n, false)
	n.addSession(s)
	s.start()
	return nil
}

func (n *Node) addSession(s *Session) {
	n.mu.Lock()
	n.peers = append(n.peers, s)
	telemetry.Peers.Set(float64(len(n.peers)))
	n.mu.Unlock()

	n.log.Infow("peer attached", "peer", s.RemoteAddr(), "inbound", s.inbound)
	n.emit(Event{Type: EventPeerConnected, PeerAddr: string(s.RemoteAddr()), Inbound: s.inbound})
}

// Broadcast sends line to every live peer, pruning dead sessions in the same
// pass. Safe to call from any goroutine.
func (n *Node) Broadcast(line string) {
	n.mu.Lock()
	kept := n.peers[:0]
	var dropped []*Session
	for _, s := range n.peers {
		if !s.Alive() {
			dropped = append(dropped, s)
			continue
		}
		s.Deliver(line)
		kept = append(kept, s)
	}
	for i := len(kept); i < len(n.peers); i++ {
		n.peers[i] = nil
	}
	n.peers = kept
	telemetry.Peers.Set(float64(len(kept)))
	n.mu.Unlock()

	for _, s := range dropped {
		n.emit(Event{Type: EventPeerDisconnected, PeerAddr: string(s.RemoteAddr()), Inbound: s.inbound})
	}
}

// Originate broadcasts a locally-produced line. If the line is a wire
// message, its id is recorded as seen first so the copy a neighbor floods
// back is suppressed instead of being delivered to our own handler.
func (n *Node) Originate(line string) {
	if m, kind, _ := proto.DecodeLine(line); kind == proto.FrameWire {
		n.seen.Seen(m.MsgID)
	}
	n.Broadcast(line)
}

// PeerCount returns the number of attached sessions, live or not yet pruned.
func (n *Node) PeerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.peers)
}

// HandleLine runs the protocol core over one inbound line:
// parse, dedup, TTL decrement, rebroadcast, upward delivery.
func (n *Node) HandleLine(origin *Session, line string) {
	m, kind, err := proto.DecodeLine(line)
	switch kind {
	case proto.FrameInvalid:
		n.log.Warnw("dropping malformed frame", "peer", originAddr(origin), "err", err)
		telemetry.MessagesReceived.WithLabelValues("dropped").Inc()
		return
	case proto.FrameRaw:
		// No msg_id: hand it up verbatim, never forward.
		telemetry.MessagesReceived.WithLabelValues("raw").Inc()
		n.deliverUp(line)
		return
	}

	if n.seen.Seen(m.MsgID) {
		telemetry.MessagesReceived.WithLabelValues("deduped").Inc()
		return
	}

	if m.TTL > 0 {
		m.TTL--
		// The origin session is included in the fan-out; the neighbor's
		// dedup suppresses the echo.
		n.Broadcast(m.Encode())
		telemetry.MessagesForwarded.Inc()
	}

	telemetry.MessagesReceived.WithLabelValues("delivered").Inc()
	n.deliverUp(line)
}

func (n *Node) deliverUp(line string) {
	n.mu.Lock()
	h := n.handler
	n.mu.Unlock()
	if h != nil {
		h(line)
	}
}

func (n *Node) emit(e Event) {
	select {
	case n.events <- e:
	default:
		// Nobody is draining; drop rather than stall the protocol.
	}
}

func originAddr(s *Session) string {
	if s == nil {
		return ""
	}
	return string(s.RemoteAddr())
}
