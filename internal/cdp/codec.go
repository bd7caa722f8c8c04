// Package cdp implements the rendering engine: a hand-rolled WebSocket
// JSON-RPC session to a single Chrome DevTools Protocol target, the
// readiness heuristic that decides when a navigation has finished, the
// format-specific extraction, and the page pool that leases and recycles
// pages for concurrent renders.
package cdp

import (
	"encoding/json"
	"fmt"
)

// outboundFrame is the wire shape of a request sent to the browser:
// {"id": N, "method": "...", "params": {...}}.
type outboundFrame struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// inboundFrame is the wire shape of anything the browser sends back. A
// frame with a non-zero ID and no Method is a response; a frame with a
// Method is an event. Both may be present on the same frame in principle,
// though in practice the protocol never does this.
type inboundFrame struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *frameError     `json:"error,omitempty"`
}

type frameError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func (e *frameError) Error() string {
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

// encodeFrame marshals method and params into an outbound wire frame.
func encodeFrame(id int64, method string, params json.RawMessage) ([]byte, error) {
	return json.Marshal(outboundFrame{ID: id, Method: method, Params: params})
}

// decodeFrame parses a raw inbound frame. It never fails on well-formed
// JSON that is missing both id and method — callers are responsible for
// treating that case as malformed.
func decodeFrame(raw []byte) (*inboundFrame, error) {
	var f inboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("cdp: decode frame: %w", err)
	}
	return &f, nil
}

// isResponse reports whether a decoded frame carries a correlated result
// (as opposed to, or as well as, an event).
func (f *inboundFrame) isResponse() bool {
	return f.ID != 0
}

func (f *inboundFrame) isEvent() bool {
	return f.Method != ""
}
