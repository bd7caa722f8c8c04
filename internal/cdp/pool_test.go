package cdp

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// newFakePoolBrowser starts a combined HTTP+WebSocket test double for a
// Chrome remote-debugging endpoint: /json/new mints a page descriptor
// pointing back at this same server's /ws/<id> WebSocket, and /ws/<id>
// answers the minimal CDP vocabulary Page.Attach/Render exercises.
func newFakePoolBrowser(t *testing.T) (*httptest.Server, *int32) {
	t.Helper()
	var nextID int32
	var closes int32

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/json/new", func(w http.ResponseWriter, r *http.Request) {
		id := atomic.AddInt32(&nextID, 1)
		idStr := strconv.Itoa(int(id))
		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + idStr
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":                   idStr,
			"type":                 "page",
			"webSocketDebuggerUrl": wsURL,
		})
	})
	mux.HandleFunc("/json/close/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&closes, 1)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		go fakePoolConn(conn)
	})

	return srv, &closes
}

// fakePoolConn answers enable/disable calls with empty success results,
// the typeof window.prerenderReady probe with true, and Page.navigate with
// a frameId plus, for any URL other than about:blank, one request/response
// pair and a trailing Page.loadEventFired so a Render call can complete.
func fakePoolConn(conn net.Conn) {
	defer conn.Close()
	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		var req struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}

		switch req.Method {
		case "DOM.getDocument":
			writeResult(conn, req.ID, map[string]any{"root": map[string]any{"nodeId": 1}})
		case "DOM.getOuterHTML":
			writeResult(conn, req.ID, map[string]any{"outerHTML": "<html>ok</html>"})
		case "Runtime.evaluate":
			var params struct {
				Expression string `json:"expression"`
			}
			_ = json.Unmarshal(req.Params, &params)
			if strings.HasPrefix(params.Expression, "typeof ") {
				writeResult(conn, req.ID, map[string]any{"result": map[string]any{"type": "boolean", "value": true}})
				continue
			}
			writeResult(conn, req.ID, map[string]any{"result": map[string]any{"type": "undefined"}})
		case "Page.navigate":
			var params struct {
				URL string `json:"url"`
			}
			_ = json.Unmarshal(req.Params, &params)
			writeResult(conn, req.ID, map[string]any{"frameId": "F1", "loaderId": "L1"})
			if params.URL != "about:blank" {
				writeEvent(conn, "Network.requestWillBeSent", map[string]any{"requestId": "r1"})
				writeEvent(conn, "Network.responseReceived", map[string]any{
					"requestId": "r1",
					"response":  map[string]any{"url": params.URL, "mimeType": "text/html", "status": 200},
				})
				writeEvent(conn, "Page.loadEventFired", map[string]any{"timestamp": 1.0})
			}
		default:
			writeResult(conn, req.ID, map[string]any{})
		}
	}
}

func debuggerFor(t *testing.T, srv *httptest.Server) *Debugger {
	t.Helper()
	host := strings.TrimPrefix(srv.URL, "http://")
	parts := strings.Split(host, ":")
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return NewDebugger(parts[0], port)
}

func TestPoolBootstrapAndRender(t *testing.T) {
	srv, _ := newFakePoolBrowser(t)
	pool := NewPool(debuggerFor(t, srv), PoolOptions{Size: 1, RenderTimeout: 3 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := pool.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if pool.liveCount() != 1 {
		t.Fatalf("liveCount() = %d, want 1", pool.liveCount())
	}

	artifact, status, err := pool.Render(ctx, "http://example.test/", FormatHTML)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if string(artifact) != "<html>ok</html>" {
		t.Errorf("artifact = %q", artifact)
	}
	if status != 200 {
		t.Errorf("status = %d, want 200", status)
	}
	if pool.liveCount() != 1 {
		t.Errorf("liveCount() after render = %d, want 1 (page recycled back to idle)", pool.liveCount())
	}
}

func TestPoolRecyclesPageAfterMaxIterations(t *testing.T) {
	srv, closes := newFakePoolBrowser(t)
	pool := NewPool(debuggerFor(t, srv), PoolOptions{Size: 1, MaxIterations: 1, RenderTimeout: 3 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	if _, _, err := pool.Render(ctx, "http://example.test/", FormatHTML); err != nil {
		t.Fatalf("Render: %v", err)
	}

	// MaxIterations of 1 means the page that just served its first
	// render is past its cap and should have been closed and replaced.
	if atomic.LoadInt32(closes) < 1 {
		t.Error("expected the exhausted page to be closed")
	}
	if pool.liveCount() != 1 {
		t.Errorf("liveCount() = %d, want 1 (replacement enqueued)", pool.liveCount())
	}
}

func TestPoolRenderNoBrowserAvailable(t *testing.T) {
	pool := NewPool(NewDebugger("127.0.0.1", 1), PoolOptions{Size: 1})
	_, _, err := pool.Render(context.Background(), "http://example.test/", FormatHTML)
	if err != ErrNoBrowserAvailable {
		t.Errorf("err = %v, want ErrNoBrowserAvailable", err)
	}
}

func TestPoolLeaseTimesOutAsTemporaryFailure(t *testing.T) {
	pool := NewPool(NewDebugger("127.0.0.1", 1), PoolOptions{Size: 1})
	pool.live[&Page{}] = struct{}{} // fake a live page with nothing in the idle queue

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, _, err := pool.Render(ctx, "http://example.test/", FormatHTML)
	if !IsTemporary(err) {
		t.Errorf("err = %v, want a TemporaryBrowserFailure (lease timeout)", err)
	}
}
