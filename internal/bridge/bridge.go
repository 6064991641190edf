// Package bridge links an external producer/consumer to the mesh and the
// message history.
package bridge

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"meshline/internal/mesh"
	"meshline/internal/ring"
	"meshline/internal/telemetry"
)

type Bridge struct {
	mesh  *mesh.Node
	buf   *ring.Buffer
	log   *zap.SugaredLogger
	nowMS func() int64

	srv *server
}

type Option func(*Bridge)

// WithNowMS overrides the timestamp source, for tests.
func WithNowMS(f func() int64) Option {
	return func(b *Bridge) { b.nowMS = f }
}

func New(m *mesh.Node, buf *ring.Buffer, logger *zap.SugaredLogger, opts ...Option) *Bridge {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	b := &Bridge{
		mesh:  m,
		buf:   buf,
		log:   logger,
		nowMS: func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// HandleSend takes an externally-produced JSON body, stamps the current
// timestamp into it, stores the stamped serialization in the history and
// floods it to the mesh. Bodies that do not parse are silently discarded:
// the producer is local and expected to fix its input.
func (b *Bridge) HandleSend(body string) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &obj); err != nil || obj == nil {
		return
	}

	ts := b.nowMS()
	tsRaw, err := json.Marshal(ts)
	if err != nil {
		return
	}
	obj["timestamp"] = tsRaw

	out, err := json.Marshal(obj)
	if err != nil {
		return
	}

	b.buf.Push(ts, string(out))
	b.mesh.Originate(string(out))
}

// HandleRecv returns the serialization of a JSON array holding every stored
// message newer than sinceTS, oldest first. Entries that still parse are
// embedded as JSON; anything else falls back to the raw string.
func (b *Bridge) HandleRecv(sinceTS int64) string {
	msgs := b.buf.GetSince(sinceTS)
	arr := make([]any, 0, len(msgs))
	for _, m := range msgs {
		if json.Valid([]byte(m.JSONText)) {
			arr = append(arr, json.RawMessage(m.JSONText))
		} else {
			arr = append(arr, m.JSONText)
		}
	}
	out, err := json.Marshal(arr)
	if err != nil {
		b.log.Warnw("recv assembly failed", "err", err)
		return "[]"
	}
	return string(out)
}
