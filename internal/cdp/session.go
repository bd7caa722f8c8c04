package cdp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// maxFrameSize caps a single inbound WebSocket message, matching the 5MiB
// ceiling the Python implementation configured on its websockets client.
const maxFrameSize = 5 * 1024 * 1024

// EventHandler processes the params of a subscribed CDP event. It runs
// concurrently with the read loop; an error it returns is routed to the
// session's failure sink (ultimately the render's result slot).
type EventHandler func(ctx context.Context, params json.RawMessage) error

// wsConn pairs gobwas/ws's buffered post-handshake reader with the
// underlying net.Conn so wsutil's convenience readers/writers see a single
// io.ReadWriter that doesn't drop bytes buffered during the handshake.
type wsConn struct {
	r *bufio.Reader
	net.Conn
}

func (c *wsConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// Session is one WebSocket connection to one browser page, implementing
// request/id correlation and event dispatch over the Chrome DevTools wire
// protocol. It is the component the rest of this package (Page, Pool) is
// built on; nothing outside this file touches the socket directly.
type Session struct {
	wsURL string
	log   *slog.Logger

	conn    *wsConn
	writeMu sync.Mutex

	nextID int64
	idMu   sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan *inboundFrame

	subMu         sync.RWMutex
	subscriptions map[string]EventHandler

	handlerCtx    context.Context
	handlerCancel context.CancelFunc
	handlerWG     sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
	readerWG  sync.WaitGroup

	// onFailure receives any error surfaced by an event handler or by
	// terminal read-loop failure — the render layer wires this to its
	// completion slot.
	onFailure func(error)
}

// NewSession creates a Session bound to a page's WebSocket debugger URL.
// It does not dial; call Attach to open the connection.
func NewSession(wsURL string, onFailure func(error)) *Session {
	return &Session{
		wsURL:         wsURL,
		log:           slog.With("component", "cdp.session", "ws_url", wsURL),
		pending:       make(map[int64]chan *inboundFrame),
		subscriptions: make(map[string]EventHandler),
		closed:        make(chan struct{}),
		onFailure:     onFailure,
	}
}

// Attach opens the WebSocket, starts the background read loop, and
// registers any subscriptions the caller already installed via On before
// attaching. Built-in bookkeeping subscriptions belong to the Page driver,
// which calls On before Attach.
func (s *Session) Attach(ctx context.Context) error {
	conn, br, _, err := ws.Dial(ctx, s.wsURL)
	if err != nil {
		return &TemporaryBrowserFailure{Reason: fmt.Sprintf("dial %s: %s", s.wsURL, err)}
	}
	if br == nil {
		br = bufio.NewReader(conn)
	}
	s.conn = &wsConn{r: br, Conn: conn}

	s.handlerCtx, s.handlerCancel = context.WithCancel(context.Background())

	s.readerWG.Add(1)
	go s.readLoop()

	return nil
}

// Detach cancels the read loop, cancels in-flight handler tasks, and
// closes the socket. It is safe to call multiple times, and safe to call
// after the read loop has already terminated on its own (a crash or a
// closed connection) — teardown runs either way.
func (s *Session) Detach() {
	s.teardown()
	s.readerWG.Wait()
	s.handlerWG.Wait()
}

// teardown closes s.closed, cancels in-flight handler tasks, and closes
// the socket, exactly once regardless of whether it's reached through
// Detach or through the read loop's own terminate path. Gating all three
// behind one closeOnce (rather than just closing s.closed) guarantees
// handlerCancel always runs, so a crash or disconnect detected by the
// read loop still unblocks any handler goroutine waiting on handlerCtx.
func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.handlerCancel != nil {
			s.handlerCancel()
		}
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// On registers (or replaces) the handler for a CDP event method. Last
// writer wins; call before Attach to guarantee no event is missed.
func (s *Session) On(method string, handler EventHandler) {
	s.subMu.Lock()
	s.subscriptions[method] = handler
	s.subMu.Unlock()
}

// Send writes one JSON-RPC request and blocks until the matching response
// arrives, the context is cancelled, or the session terminates.
func (s *Session) Send(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := s.allocateID()

	ch := make(chan *inboundFrame, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()

	cleanup := func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}

	raw, err := encodeFrame(id, method, params)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("cdp: encode %s: %w", method, err)
	}

	if err := s.write(raw); err != nil {
		cleanup()
		return nil, err
	}

	select {
	case frame := <-ch:
		if frame == nil {
			return nil, ErrConnectionClosed
		}
		if frame.Error != nil {
			return nil, frame.Error
		}
		return frame.Result, nil
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-s.closed:
		cleanup()
		return nil, ErrConnectionClosed
	}
}

func (s *Session) allocateID() int64 {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	s.nextID++
	return s.nextID
}

func (s *Session) write(raw []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := wsutil.WriteClientText(s.conn, raw); err != nil {
		return &TemporaryBrowserFailure{Reason: "write: " + err.Error()}
	}
	return nil
}

// readLoop is the single reader of the socket, per the session invariant
// that writes are serialized but reads happen on one dedicated goroutine.
// It never blocks on handler execution: every event dispatch is handed to
// a new goroutine tracked by handlerWG.
func (s *Session) readLoop() {
	defer s.readerWG.Done()
	defer s.terminate(nil)

	for {
		data, err := wsutil.ReadServerText(s.conn)
		if err != nil {
			s.terminate(&TemporaryBrowserFailure{Reason: "read: " + err.Error()})
			return
		}
		if len(data) > maxFrameSize {
			s.terminate(&TemporaryBrowserFailure{Reason: "frame exceeds 5MiB"})
			return
		}

		frame, err := decodeFrame(data)
		if err != nil {
			s.log.Warn("dropping malformed frame", "error", err)
			continue
		}
		if !frame.isResponse() && !frame.isEvent() {
			s.log.Warn("ignoring frame with neither id nor method")
			continue
		}

		if frame.isResponse() {
			s.resolve(frame)
		}
		if frame.isEvent() {
			s.dispatch(frame)
		}
	}
}

func (s *Session) resolve(frame *inboundFrame) {
	s.pendingMu.Lock()
	ch, ok := s.pending[frame.ID]
	if ok {
		delete(s.pending, frame.ID)
	}
	s.pendingMu.Unlock()
	if ok {
		ch <- frame
	}
}

func (s *Session) dispatch(frame *inboundFrame) {
	s.subMu.RLock()
	handler, ok := s.subscriptions[frame.Method]
	s.subMu.RUnlock()
	if !ok {
		return
	}

	s.handlerWG.Add(1)
	go func() {
		defer s.handlerWG.Done()
		if err := handler(s.handlerCtx, frame.Params); err != nil {
			if s.onFailure != nil {
				s.onFailure(err)
			}
		}
	}()
}

// terminate runs the same teardown Detach does (so a read loop that
// dies on its own — a crash or a dropped connection — still cancels
// in-flight handler tasks per the read-loop invariant that loop
// termination cancels every handler) and resolves every still-pending
// request with a connection-closed failure. err, if non-nil, is
// additionally routed to onFailure so that a render in progress
// observes the cause.
func (s *Session) terminate(err error) {
	s.teardown()

	s.pendingMu.Lock()
	pending := s.pending
	s.pending = make(map[int64]chan *inboundFrame)
	s.pendingMu.Unlock()

	for _, ch := range pending {
		ch <- nil
	}

	if err != nil && s.onFailure != nil {
		s.onFailure(err)
	}
}

// Closed is closed when the session has terminated, either via Detach or
// a terminal read error.
func (s *Session) Closed() <-chan struct{} {
	return s.closed
}

// waitClosedOrTimeout reports whether closed is closed within d; it
// returns false once d elapses first.
func waitClosedOrTimeout(closed <-chan struct{}, d time.Duration) bool {
	select {
	case <-closed:
		return true
	case <-time.After(d):
		return false
	}
}
