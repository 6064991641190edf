package mesh

import (
	"fmt"
	"time"

	"meshline/internal/proto"
	"meshline/internal/telemetry"
)

func (n *Node) heartbeatLoop() {
	t := time.NewTicker(n.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-t.C:
			n.heartbeat()
		}
	}
}

// heartbeat broadcasts a terminal ping (ttl=0, so neighbors never rebroadcast
// it) and then sweeps the peer set: each session's missed counter is bumped,
// sessions silent for MaxMissedHeartbeats ticks are closed, and closed
// sessions are pruned.
func (n *Node) heartbeat() {
	ping := proto.WireMsg{
		MsgID:     fmt.Sprintf("%s-ping-%d", n.cfg.NodeID, n.pingSeq.Add(1)),
		Type:      proto.TypePing,
		Sender:    n.cfg.NodeID,
		Timestamp: n.cfg.NowMS(),
		TTL:       0,
	}
	n.Broadcast(ping.Encode())
	telemetry.HeartbeatsSent.Inc()

	n.mu.Lock()
	kept := n.peers[:0]
	var dropped []*Session
	for _, s := range n.peers {
		if s.Alive() && s.missHeartbeat() >= n.cfg.MaxMissedHeartbeats {
			n.log.Infow("peer silent, closing", "peer", s.RemoteAddr(),
				"missed", n.cfg.MaxMissedHeartbeats)
			s.Close()
		}
		if !s.Alive() {
			dropped = append(dropped, s)
			continue
		}
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
