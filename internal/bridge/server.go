package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"meshline/internal/telemetry"
)

type server struct {
	http *http.Server
}

// Handler builds the bridge's HTTP surface:
//
//	POST /api/send          body is handed to HandleSend
//	GET  /api/recv?since=N  returns HandleRecv(N)
//	GET  /healthz, /info    liveness and node summary
//	GET  /metrics           prometheus registry
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/send", telemetry.Instrument("send", http.HandlerFunc(b.sendHandler)))
	mux.Handle("/api/recv", telemetry.Instrument("recv", http.HandlerFunc(b.recvHandler)))
	mux.HandleFunc("/healthz", b.healthz)
	mux.HandleFunc("/info", b.info)
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}

// StartServer exposes the bridge over HTTP on addr. It returns at once: the
// listener is opened and served in a background goroutine, and listen or
// serve errors other than a clean shutdown are logged.
func (b *Bridge) StartServer(addr string) {
	srv := &http.Server{Addr: addr, Handler: b.Handler()}
	b.srv = &server{http: srv}
	go func() {
		b.log.Infow("bridge listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.log.Warnw("bridge server stopped", "err", err)
		}
	}()
}

// Close shuts the HTTP surface down, if one was started.
func (b *Bridge) Close() error {
	if b.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return b.srv.http.Shutdown(ctx)
}

func (b *Bridge) sendHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b.HandleSend(string(body))
	w.WriteHeader(http.StatusNoContent)
}

func (b *Bridge) recvHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		since = n
	}
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, b.HandleRecv(since))
}

func (b *Bridge) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (b *Bridge) info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID    int       `json:"pid"`
		Now    time.Time `json:"now"`
		NodeID string    `json:"node_id"`
		Peers  int       `json:"peers"`
		Stored int       `json:"stored"`
	}
	data, _ := json.Marshal(resp{
		PID:    os.Getpid(),
		Now:    time.Now(),
		NodeID: b.mesh.NodeID(),
		Peers:  b.mesh.PeerCount(),
		Stored: b.buf.Size(),
	})
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
