package cdp

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// newTestWSServer starts an httptest server that upgrades every request to
// a WebSocket and hands the raw connection to handle on its own goroutine.
func newTestWSServer(t *testing.T, handle func(conn net.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		go handle(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSessionSendRoundTrip(t *testing.T) {
	srv := newTestWSServer(t, func(conn net.Conn) {
		defer conn.Close()
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		var req struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		if req.Method != "Page.navigate" {
			return
		}
		resp, _ := json.Marshal(map[string]any{
			"id":     req.ID,
			"result": map[string]string{"frameId": "F1"},
		})
		_ = wsutil.WriteServerText(conn, resp)
	})

	s := NewSession(wsURL(srv), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Attach(ctx); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer s.Detach()

	result, err := s.Send(ctx, "Page.navigate", json.RawMessage(`{"url":"http://example.test/"}`))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	var got struct {
		FrameID string `json:"frameId"`
	}
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if got.FrameID != "F1" {
		t.Errorf("frameId = %q, want F1", got.FrameID)
	}
}

func TestSessionDispatchesEvents(t *testing.T) {
	ready := make(chan struct{})
	srv := newTestWSServer(t, func(conn net.Conn) {
		defer conn.Close()
		<-ready
		evt, _ := json.Marshal(map[string]any{
			"method": "Page.loadEventFired",
			"params": map[string]float64{"timestamp": 1.5},
		})
		_ = wsutil.WriteServerText(conn, evt)
		// Keep the connection open briefly so the client's read loop has
		// time to process the event before the test tears down.
		time.Sleep(100 * time.Millisecond)
	})

	received := make(chan json.RawMessage, 1)
	s := NewSession(wsURL(srv), nil)
	s.On("Page.loadEventFired", func(ctx context.Context, params json.RawMessage) error {
		received <- params
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Attach(ctx); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer s.Detach()

	close(ready)

	select {
	case params := <-received:
		var got struct {
			Timestamp float64 `json:"timestamp"`
		}
		if err := json.Unmarshal(params, &got); err != nil {
			t.Fatalf("unmarshal params: %v", err)
		}
		if got.Timestamp != 1.5 {
			t.Errorf("timestamp = %v, want 1.5", got.Timestamp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched event")
	}
}

func TestSessionSendFailsAfterServerCloses(t *testing.T) {
	srv := newTestWSServer(t, func(conn net.Conn) {
		conn.Close()
	})

	s := NewSession(wsURL(srv), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Attach(ctx); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer s.Detach()

	_, err := s.Send(ctx, "Page.navigate", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected an error once the server closes without responding")
	}
}

func TestSessionAttachFailsOnUnreachableAddress(t *testing.T) {
	s := NewSession("ws://127.0.0.1:1/not-listening", nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Attach(ctx); err == nil {
		t.Fatal("expected Attach to fail against an unreachable address")
	}
}
