package proto

import (
	"encoding/json"
	"fmt"
)

// Reserved message types. Anything else is opaque to the mesh layer.
const (
	TypePing = "ping"
	TypeChat = "chat"
)

// DefaultTTL is the hop budget stamped on locally-originated messages.
const DefaultTTL = 6

// WireMsg is the envelope carried on each line of the peer wire.
// chunk_index/chunk_total are reserved for fragmentation and ride along untouched.
type WireMsg struct {
	MsgID      string `json:"msg_id"`
	Type       string `json:"type"`
	Sender     string `json:"sender"`
	Priority   int    `json:"priority"`
	Timestamp  int64  `json:"timestamp"`
	TTL        int    `json:"ttl"`
	Content    string `json:"content"`
	ChunkIndex int    `json:"chunk_index"`
	ChunkTotal int    `json:"chunk_total"`
}

// FrameKind classifies one inbound line.
type FrameKind int

const (
	// FrameInvalid is an unparseable line, or an object that claims to be a
	// wire message but is missing required fields. Dropped.
	FrameInvalid FrameKind = iota
	// FrameRaw is valid JSON with no msg_id. Passed upward, never forwarded.
	FrameRaw
	// FrameWire is a well-formed WireMsg.
	FrameWire
)

// probe mirrors WireMsg with pointer fields so required-field presence is
// distinguishable from zero values.
type probe struct {
	MsgID      *string `json:"msg_id"`
	Type       *string `json:"type"`
	Sender     *string `json:"sender"`
	Priority   *int    `json:"priority"`
	Timestamp  *int64  `json:"timestamp"`
	TTL        *int    `json:"ttl"`
	Content    *string `json:"content"`
	ChunkIndex *int    `json:"chunk_index"`
	ChunkTotal *int    `json:"chunk_total"`
}

// DecodeLine classifies line and, for FrameWire, returns the decoded envelope.
// An object carrying msg_id must also carry type, sender, timestamp and ttl;
// priority, content and the chunk fields default when absent.
func DecodeLine(line string) (WireMsg, FrameKind, error) {
	raw := []byte(line)

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		if json.Valid(raw) {
			// Valid JSON that is not an object (array, string, number)
			// cannot carry msg_id, so it is a raw frame.
			return WireMsg{}, FrameRaw, nil
		}
		return WireMsg{}, FrameInvalid, err
	}
	if _, ok := obj["msg_id"]; !ok {
		return WireMsg{}, FrameRaw, nil
	}

	var p probe
	if err := json.Unmarshal(raw, &p); err != nil {
		return WireMsg{}, FrameInvalid, err
	}
	for _, f := range []struct {
		name string
		ok   bool
	}{
		{"msg_id", p.MsgID != nil},
		{"type", p.Type != nil},
		{"sender", p.Sender != nil},
		{"timestamp", p.Timestamp != nil},
		{"ttl", p.TTL != nil},
	} {
		if !f.ok {
			return WireMsg{}, FrameInvalid, fmt.Errorf("wire message missing %q", f.name)
		}
	}

	m := WireMsg{
		MsgID:     *p.MsgID,
		Type:      *p.Type,
		Sender:    *p.Sender,
		Timestamp: *p.Timestamp,
		TTL:       *p.TTL,
	}
	if p.Priority != nil {
		m.Priority = *p.Priority
	}
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.ChunkIndex != nil {
		m.ChunkIndex = *p.ChunkIndex
	}
	if p.ChunkTotal != nil {
		m.ChunkTotal = *p.ChunkTotal
	}
	return m, FrameWire, nil
}

// Encode serializes the envelope for the wire. Every field is emitted, so a
// forwarded frame is exactly the nine-field re-serialization.
func (m WireMsg) Encode() string {
	b, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	return string(b)
}
