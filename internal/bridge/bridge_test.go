package bridge

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"meshline/internal/mesh"
	"meshline/internal/netx"
	"meshline/internal/ring"
)

func newTestBridge(t *testing.T, nowMS int64) (*Bridge, *mesh.Node, *ring.Buffer) {
	t.Helper()
	n, err := mesh.NewNode(mesh.Config{
		NodeID:   "bridge-test",
		Network:  netx.NewTCPNetwork(),
		BindAddr: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	buf := ring.New(16)
	b := New(n, buf, nil, WithNowMS(func() int64 { return nowMS }))
	return b, n, buf
}

func TestHandleSendStampsAndStores(t *testing.T) {
	b, n, buf := newTestBridge(t, 777)

	delivered := make(chan string, 8)
	n.OnMessage(func(line string) { delivered <- line })

	b.HandleSend(`{"msg_id":"s1","type":"chat","sender":"ext","timestamp":1,"ttl":3,"content":"hi"}`)

	if buf.Size() != 1 {
		t.Fatalf("ring size = %d, want 1", buf.Size())
	}
	stored := buf.GetSince(0)
	if stored[0].Timestamp != 777 {
		t.Fatalf("stored ts = %d, want the stamped 777", stored[0].Timestamp)
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(stored[0].JSONText), &obj); err != nil {
		t.Fatalf("stored text is not JSON: %v", err)
	}
	if ts, _ := obj["timestamp"].(float64); int64(ts) != 777 {
		t.Fatalf("timestamp field = %v, want 777", obj["timestamp"])
	}
	if obj["content"] != "hi" {
		t.Fatalf("content = %v, want hi", obj["content"])
	}

	// Origination marks the id seen: an echo from the mesh is suppressed.
	n.HandleLine(nil, stored[0].JSONText)
	select {
	case line := <-delivered:
		t.Fatalf("echoed own message was delivered upward: %s", line)
	default:
	}
}

func TestHandleSendDiscardsUnparseable(t *testing.T) {
	b, _, buf := newTestBridge(t, 1)

	for _, body := range []string{"not-json", `[1,2,3]`, `null`, `"text"`, ""} {
		b.HandleSend(body)
	}
	if !buf.Empty() {
		t.Fatalf("unparseable bodies must be discarded, ring size = %d", buf.Size())
	}
}

func TestHandleRecvAssemblesArray(t *testing.T) {
	b, _, buf := newTestBridge(t, 1)

	buf.Push(1, `{"a":1}`)
	buf.Push(2, "not json")
	buf.Push(3, `{"b":2}`)

	var arr []any
	if err := json.Unmarshal([]byte(b.HandleRecv(0)), &arr); err != nil {
		t.Fatalf("HandleRecv output is not a JSON array: %v", err)
	}
	if len(arr) != 3 {
		t.Fatalf("array has %d elements, want 3", len(arr))
	}
	if m, ok := arr[0].(map[string]any); !ok || m["a"] != float64(1) {
		t.Fatalf("element 0 = %v, want parsed object", arr[0])
	}
	if s, ok := arr[1].(string); !ok || s != "not json" {
		t.Fatalf("element 1 = %v, want raw string fallback", arr[1])
	}

	if err := json.Unmarshal([]byte(b.HandleRecv(2)), &arr); err != nil {
		t.Fatalf("HandleRecv(2): %v", err)
	}
	if len(arr) != 1 {
		t.Fatalf("since is strict: got %d elements, want 1", len(arr))
	}

	if got := b.HandleRecv(99); got != "[]" {
		t.Fatalf("HandleRecv(99) = %q, want []", got)
	}
}

func TestHTTPSurface(t *testing.T) {
	b, _, buf := newTestBridge(t, 555)

	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/send", "application/json",
		strings.NewReader(`{"msg_id":"h1","type":"chat","sender":"ext","timestamp":0,"ttl":1,"content":"via http"}`))
	if err != nil {
		t.Fatalf("POST /api/send: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("POST /api/send status = %d, want 204", resp.StatusCode)
	}
	if buf.Size() != 1 {
		t.Fatalf("ring size after send = %d, want 1", buf.Size())
	}

	resp, err = http.Get(srv.URL + "/api/recv?since=0")
	if err != nil {
		t.Fatalf("GET /api/recv: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	var arr []map[string]any
	if err := json.Unmarshal(body, &arr); err != nil {
		t.Fatalf("recv body %q: %v", body, err)
	}
	if len(arr) != 1 || arr[0]["content"] != "via http" {
		t.Fatalf("recv = %v", arr)
	}

	resp, err = http.Get(srv.URL + "/api/recv?since=oops")
	if err != nil {
		t.Fatalf("GET bad since: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad since status = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/send")
	if err != nil {
		t.Fatalf("GET /api/send: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /api/send status = %d, want 405", resp.StatusCode)
	}

	for _, path := range []string{"/healthz", "/info", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
	}
}
