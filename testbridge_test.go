package irisgo

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gobwas/ws"
)

// testBridge fakes the Iris bridge HTTP surface, plus an optional /ws
// endpoint driven by wsFn.
type testBridge struct {
	t   *testing.T
	srv *httptest.Server

	mu           sync.Mutex
	info         BotInfo
	queryFn      func(query string, bind []any) []map[string]any
	remotePlain  *string
	replies      []map[string]any
	queryCount   int
	decryptCount int
	wsFn         func(conn net.Conn)

	replyCh chan map[string]any
}

func newTestBridge(t *testing.T) *testBridge {
	b := &testBridge{
		t:       t,
		info:    BotInfo{BotID: 42, BotName: "irisbot"},
		replyCh: make(chan map[string]any, 16),
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *testBridge) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/ws" {
		b.mu.Lock()
		wsFn := b.wsFn
		b.mu.Unlock()
		if wsFn == nil {
			http.NotFound(w, r)
			return
		}
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		go wsFn(conn)
		return
	}

	body, _ := io.ReadAll(r.Body)
	switch r.URL.Path {
	case "/reply":
		var req map[string]any
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.replies = append(b.replies, req)
		b.mu.Unlock()
		select {
		case b.replyCh <- req:
		default:
		}
		writeJSON(w, map[string]any{"success": true})

	case "/query":
		var req struct {
			Query string `json:"query"`
			Bind  []any  `json:"bind"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.queryCount++
		fn := b.queryFn
		b.mu.Unlock()
		rows := []map[string]any{}
		if fn != nil {
			if r := fn(req.Query, req.Bind); r != nil {
				rows = r
			}
		}
		writeJSON(w, map[string]any{"success": true, "data": rows})

	case "/decrypt":
		b.mu.Lock()
		b.decryptCount++
		plain := b.remotePlain
		b.mu.Unlock()
		resp := map[string]any{"success": true}
		if plain != nil {
			resp["plain_text"] = *plain
		}
		writeJSON(w, resp)

	case "/config/info":
		writeJSON(w, map[string]any{"success": true, "message": b.info})

	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (b *testBridge) client() *Client {
	return NewClient(b.srv.URL, discardLogger())
}

func (b *testBridge) setQueryFn(fn func(query string, bind []any) []map[string]any) {
	b.mu.Lock()
	b.queryFn = fn
	b.mu.Unlock()
}

func (b *testBridge) setRemotePlain(plain string) {
	b.mu.Lock()
	b.remotePlain = &plain
	b.mu.Unlock()
}

func (b *testBridge) setWSFn(fn func(conn net.Conn)) {
	b.mu.Lock()
	b.wsFn = fn
	b.mu.Unlock()
}

func (b *testBridge) queries() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queryCount
}

func (b *testBridge) decrypts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.decryptCount
}

func (b *testBridge) allReplies() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]map[string]any, len(b.replies))
	copy(out, b.replies)
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
