package mesh

import (
	"bufio"
	"net"
	"strconv"
	"testing"
	"time"

	"meshline/internal/netx"
	"meshline/internal/proto"
)

type nodeTestOpt func(*Config)

// withHeartbeat speeds the heartbeat up for eviction tests.
func withHeartbeat(interval time.Duration) nodeTestOpt {
	return func(cfg *Config) { cfg.HeartbeatInterval = interval }
}

// withMaxMissed overrides the missed-heartbeat eviction threshold.
func withMaxMissed(n int) nodeTestOpt {
	return func(cfg *Config) { cfg.MaxMissedHeartbeats = n }
}

// withSeenTTL shrinks the dedup window.
func withSeenTTL(ttl time.Duration) nodeTestOpt {
	return func(cfg *Config) { cfg.SeenTTL = ttl }
}

// withNowMS pins the timestamp source.
func withNowMS(f func() int64) nodeTestOpt {
	return func(cfg *Config) { cfg.NowMS = f }
}

// newTestNode spins up a node bound to an ephemeral localhost port and
// auto-stops it.
func newTestNode(t *testing.T, id string, opts ...nodeTestOpt) *Node {
	t.Helper()

	cfg := Config{
		NodeID:   id,
		Network:  netx.NewTCPNetwork(),
		BindAddr: "127.0.0.1:0",
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	n, err := NewNode(cfg)
	if err != nil {
		t.Fatalf("NewNode(%s) error: %v", id, err)
	}
	if err := n.Start(); err != nil {
		t.Fatalf("Start(%s) error: %v", id, err)
	}

	t.Cleanup(func() { _ = n.Stop() })
	return n
}

// collectLines installs an upward handler that funnels every delivered line
// into the returned channel.
func collectLines(n *Node) <-chan string {
	ch := make(chan string, 256)
	n.OnMessage(func(line string) {
		select {
		case ch <- line:
		default:
		}
	})
	return ch
}

// drainCount empties ch and returns how many lines matched keep.
func drainCount(ch <-chan string, keep func(string) bool) int {
	count := 0
	for {
		select {
		case line := <-ch:
			if keep(line) {
				count++
			}
		default:
			return count
		}
	}
}

func waitPeers(t *testing.T, n *Node, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if n.PeerCount() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for peers: node=%s have=%d want=%d", n.NodeID(), n.PeerCount(), want)
}

func connect(t *testing.T, from, to *Node) {
	t.Helper()
	host, port := splitAddr(t, to)
	if err := from.ConnectToPeer(host, port); err != nil {
		t.Fatalf("%s.ConnectToPeer(%s) error: %v", from.NodeID(), to.ListenAddr(), err)
	}
}

// connectTriangle wires b->a, c->b, a->c and waits for each to have 2 peers.
func connectTriangle(t *testing.T, a, b, c *Node) {
	t.Helper()
	connect(t, b, a)
	connect(t, c, b)
	connect(t, a, c)

	waitPeers(t, a, 2, 3*time.Second)
	waitPeers(t, b, 2, 3*time.Second)
	waitPeers(t, c, 2, 3*time.Second)
}

// newTestNetwork returns a transport for nodes that are never started.
func newTestNetwork() netx.Network {
	return netx.NewTCPNetwork()
}

// dialRaw opens a plain TCP connection to the node, bypassing the mesh
// layer, so tests can observe the wire directly.
func dialRaw(t *testing.T, n *Node) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", string(n.ListenAddr()))
	if err != nil {
		t.Fatalf("dial %s: %v", n.ListenAddr(), err)
	}
	return conn
}

// readWireFrames reads lines off conn until want frames match keep or the
// timeout expires.
func readWireFrames(t *testing.T, conn net.Conn, want int, timeout time.Duration, keep func(proto.WireMsg) bool) []proto.WireMsg {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	var out []proto.WireMsg
	sc := bufio.NewScanner(conn)
	for len(out) < want && sc.Scan() {
		m, kind, _ := proto.DecodeLine(sc.Text())
		if kind == proto.FrameWire && keep(m) {
			out = append(out, m)
		}
	}
	if len(out) < want {
		t.Fatalf("read %d matching frames, want %d (scan err: %v)", len(out), want, sc.Err())
	}
	return out
}

func splitAddr(t *testing.T, n *Node) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(string(n.ListenAddr()))
	if err != nil {
		t.Fatalf("bad listen addr %q: %v", n.ListenAddr(), err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("bad listen port %q: %v", portStr, err)
	}
	return host, port
}
